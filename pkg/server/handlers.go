package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aeolun/textrelay/pkg/directory"
	"github.com/aeolun/textrelay/pkg/protocol"
)

// commandLoop reads one command word per exchange and dispatches it.
// Arguments arrive as their own frames after the command word, matching
// the client's exchange shape. Every inbound command re-arms the idle
// monitor; the loop exits on LOGOUT, connection loss, or a fired idle
// timer.
func (s *Server) commandLoop(sess *Session) {
	for {
		cmd, err := sess.Conn.ReadFrame()
		if err != nil {
			debugLog.Printf("Session %d: command loop read ended: %v", sess.ID, err)
			return
		}

		if !sess.idle.Reset() {
			// Timer fired while this command was in flight; the session is
			// already being torn down and must not be resurrected.
			debugLog.Printf("Session %d: command after idle expiry, dropping", sess.ID)
			return
		}

		if s.metrics != nil {
			s.metrics.RecordCommand(cmd)
		}
		debugLog.Printf("Session %d (%s): command %s", sess.ID, sess.Username(), cmd)

		switch cmd {
		case protocol.CmdMessage:
			err = s.handleMessage(sess)
		case protocol.CmdBroadcast:
			err = s.handleBroadcast(sess)
		case protocol.CmdWhoElse:
			err = s.handleWhoElse(sess)
		case protocol.CmdWhoElseSince:
			err = s.handleWhoElseSince(sess)
		case protocol.CmdBlock:
			err = s.handleBlock(sess)
		case protocol.CmdUnblock:
			err = s.handleUnblock(sess)
		case protocol.CmdLogout:
			return
		default:
			// Unrecognized commands are reported, not fatal.
			err = sess.Conn.WriteFrame(protocol.RespUnknownCommand)
		}

		if err != nil {
			debugLog.Printf("Session %d: command %s ended session: %v", sess.ID, cmd, err)
			return
		}
	}
}

// handleMessage routes one direct message. The recipient and the text each
// arrive as one frame. Routing errors come back as reply tokens; push
// failures are silent (best effort).
func (s *Server) handleMessage(sess *Session) error {
	recipient, err := sess.Conn.ReadFrame()
	if err != nil {
		return err
	}
	body, err := sess.Conn.ReadFrame()
	if err != nil {
		return err
	}

	switch err := s.deliver.Send(sess.Username(), recipient, body); {
	case errors.Is(err, directory.ErrUnknownUser):
		return sess.Conn.WriteFrame(protocol.RespUserNotFound)
	case errors.Is(err, directory.ErrSelfTarget):
		return sess.Conn.WriteFrame(protocol.RespSelfTarget)
	case errors.Is(err, directory.ErrBlocked):
		return sess.Conn.WriteFrame(protocol.RespBlocked)
	case err != nil:
		return err
	}

	return sess.Conn.WriteFrame(protocol.RespOK)
}

// handleBroadcast sends the text to every other account that is online and
// not blocking the sender. The full/partial/none verdict counts every
// other account, so an offline recipient that blocks nobody still keeps
// the reply from being OK.
func (s *Server) handleBroadcast(sess *Session) error {
	body, err := sess.Conn.ReadFrame()
	if err != nil {
		return err
	}

	sender := sess.Username()
	endpoints, others := s.dir.BroadcastPlan(sender)

	rendered := renderMessage(body, sender, time.Now())
	for _, endpoint := range endpoints {
		s.deliver.push(endpoint, rendered)
	}

	// Zero deliveries is NOT SENT even when there was nobody to miss
	// (a sole registered account broadcasting into the void).
	delivered := len(endpoints)
	switch {
	case delivered == 0:
		if s.metrics != nil {
			s.metrics.RecordBroadcast("none")
		}
		return sess.Conn.WriteFrame(protocol.RespNoneSent)
	case delivered == others:
		if s.metrics != nil {
			s.metrics.RecordBroadcast("full")
		}
		return sess.Conn.WriteFrame(protocol.RespOK)
	default:
		if s.metrics != nil {
			s.metrics.RecordBroadcast("partial")
		}
		return sess.Conn.WriteFrame(protocol.RespPartialSend)
	}
}

// handleWhoElse replies with the other currently-online usernames, one per
// line, or the NONE sentinel.
func (s *Server) handleWhoElse(sess *Session) error {
	names := s.dir.OnlineOthers(sess.Username())
	if len(names) == 0 {
		return sess.Conn.WriteFrame(protocol.RespNone)
	}
	return sess.Conn.WriteFrame(strings.Join(names, "\n"))
}

// handleWhoElseSince replies with the other usernames whose last login is
// strictly within the given number of seconds.
func (s *Server) handleWhoElseSince(sess *Session) error {
	arg, err := sess.Conn.ReadFrame()
	if err != nil {
		return err
	}

	seconds, convErr := strconv.Atoi(arg)
	if convErr != nil || seconds < 0 {
		return sess.Conn.WriteFrame(protocol.RespInvalidArgument)
	}

	since := time.Now().Add(-time.Duration(seconds) * time.Second)
	names := s.dir.OthersLoggedInSince(sess.Username(), since)
	if len(names) == 0 {
		return sess.Conn.WriteFrame(protocol.RespNone)
	}
	return sess.Conn.WriteFrame(strings.Join(names, "\n"))
}

// handleBlock adds a user to the session's block list.
func (s *Server) handleBlock(sess *Session) error {
	target, err := sess.Conn.ReadFrame()
	if err != nil {
		return err
	}

	switch err := s.dir.Block(sess.Username(), target); {
	case errors.Is(err, directory.ErrUnknownUser):
		return sess.Conn.WriteFrame(protocol.RespUserNotFound)
	case errors.Is(err, directory.ErrSelfTarget):
		return sess.Conn.WriteFrame(protocol.RespSelfTarget)
	case errors.Is(err, directory.ErrAlreadyBlocked):
		return sess.Conn.WriteFrame(protocol.RespAlreadyBlocked)
	case err != nil:
		return err
	}

	return sess.Conn.WriteFrame(protocol.RespOK)
}

// handleUnblock removes a user from the session's block list.
func (s *Server) handleUnblock(sess *Session) error {
	target, err := sess.Conn.ReadFrame()
	if err != nil {
		return err
	}

	switch err := s.dir.Unblock(sess.Username(), target); {
	case errors.Is(err, directory.ErrUnknownUser):
		return sess.Conn.WriteFrame(protocol.RespUserNotFound)
	case errors.Is(err, directory.ErrSelfTarget):
		return sess.Conn.WriteFrame(protocol.RespSelfTarget)
	case errors.Is(err, directory.ErrNotBlocked):
		return sess.Conn.WriteFrame(protocol.RespNotBlocked)
	case err != nil:
		return err
	}

	return sess.Conn.WriteFrame(protocol.RespOK)
}
