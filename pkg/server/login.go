package server

import (
	"errors"
	"strconv"

	"github.com/aeolun/textrelay/pkg/directory"
	"github.com/aeolun/textrelay/pkg/protocol"
)

// maxPasswordAttempts is the consecutive-mismatch budget before lockout.
const maxPasswordAttempts = 3

// errLoginRejected marks a login dialogue that ended by policy (lockout,
// max attempts) rather than by an I/O failure.
var errLoginRejected = errors.New("login rejected")

// runLogin drives the per-connection login dialogue and returns the
// authenticated username.
//
// The dialogue loops back to the username prompt when the account already
// has an active session (an explicit loop, deliberately re-entrant rather
// than an error). An unknown username branches into registration. A locked
// account or an exhausted attempt budget terminates the connection.
//
// The presence check here happens before the password exchange; the
// directory re-checks it when the login commits, and losing that race
// loops back to the username prompt like any other active account.
func (s *Server) runLogin(sess *Session) (string, error) {
login:
	for {
		if err := sess.Conn.WriteFrame(protocol.RespUsername); err != nil {
			return "", err
		}
		username, err := sess.Conn.ReadFrame()
		if err != nil {
			return "", err
		}

		switch s.dir.Status(username) {
		case directory.StatusUnknown:
			ok, err := s.registerAccount(sess, username)
			if err != nil {
				return "", err
			}
			if !ok {
				if err := sess.Conn.WriteFrame(protocol.RespAlreadyLoggedIn); err != nil {
					return "", err
				}
				continue login
			}
			return username, nil

		case directory.StatusOnline:
			if err := sess.Conn.WriteFrame(protocol.RespAlreadyLoggedIn); err != nil {
				return "", err
			}
			continue

		case directory.StatusLockedOut:
			debugLog.Printf("Session %d: login for %s rejected (locked out)", sess.ID, username)
			if err := sess.Conn.WriteFrame(protocol.RespUserIsBlocked); err != nil {
				return "", err
			}
			return "", errLoginRejected
		}

		// StatusOffline: proceed to password attempts.
		if err := sess.Conn.WriteFrame(protocol.RespOK); err != nil {
			return "", err
		}

		attempts := 0
		for {
			password, err := sess.Conn.ReadFrame()
			if err != nil {
				return "", err
			}

			if s.dir.Authenticate(username, password) {
				if !s.finishLogin(sess, username) {
					// Another connection claimed the account during the
					// password exchange.
					if err := sess.Conn.WriteFrame(protocol.RespAlreadyLoggedIn); err != nil {
						return "", err
					}
					continue login
				}
				return username, sess.Conn.WriteFrame(protocol.RespOK)
			}

			if s.metrics != nil {
				s.metrics.RecordLoginFailure()
			}
			attempts++
			if attempts >= maxPasswordAttempts {
				s.dir.LockOut(username, s.config.LockoutDuration)
				if s.metrics != nil {
					s.metrics.RecordLockout()
				}
				errorLog.Printf("Session %d: %s locked out after %d failed password attempts", sess.ID, username, attempts)
				if err := sess.Conn.WriteFrame(protocol.RespMaxAttempt); err != nil {
					return "", err
				}
				seconds := int(s.config.LockoutDuration.Seconds())
				if err := sess.Conn.WriteFrame(strconv.Itoa(seconds)); err != nil {
					return "", err
				}
				return "", errLoginRejected
			}
			if err := sess.Conn.WriteFrame(protocol.RespFail); err != nil {
				return "", err
			}
		}
	}
}

// registerAccount creates an account for a first-time username and logs it
// straight in. Returns ok=false when the account cannot be claimed (the
// username was registered and logged in by another connection while this
// one was typing a password).
func (s *Server) registerAccount(sess *Session, username string) (bool, error) {
	if err := sess.Conn.WriteFrame(protocol.RespNewUser); err != nil {
		return false, err
	}
	password, err := sess.Conn.ReadFrame()
	if err != nil {
		return false, err
	}

	if !s.dir.CreateIfAbsent(username, password) {
		// The username was registered by another connection while this
		// one was typing a password.
		return false, nil
	}
	if s.metrics != nil {
		s.metrics.RecordRegistration()
	}
	debugLog.Printf("Session %d: registered new account %s", sess.ID, username)

	if !s.finishLogin(sess, username) {
		return false, nil
	}
	return true, sess.Conn.WriteFrame(protocol.RespOK)
}

// finishLogin marks the account online with this session's push endpoint
// and replays any messages queued while the account was offline, in their
// original order, before the success token goes out. Returns false when
// the account already has an active session.
func (s *Server) finishLogin(sess *Session, username string) bool {
	pending, ok := s.dir.Login(username, sess.PushAddr)
	if !ok {
		return false
	}
	if s.metrics != nil {
		s.metrics.RecordLogin()
	}
	if len(pending) > 0 {
		debugLog.Printf("Session %d: flushing %d queued message(s) for %s", sess.ID, len(pending), username)
		s.deliver.Flush(sess.PushAddr, pending)
	}
	return true
}
