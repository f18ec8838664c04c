package directory

import "time"

// Account is a registered username/password identity. An account is created
// once (from the credentials file or at first-ever login) and lives for the
// lifetime of the process; it is never removed from the directory.
//
// Passwords are stored and compared in plaintext. Known hardening gap.
//
// All fields are guarded by the owning Directory's mutex.
type Account struct {
	username string
	password string

	loggedIn     bool
	lastLoginAt  time.Time // zero until the first successful login
	pushEndpoint string    // host:port the client listens on; valid only while loggedIn

	blocked      map[string]struct{} // usernames this account refuses messages from
	pendingInbox []string            // rendered messages awaiting an offline recipient, FIFO

	lockedUntil time.Time // zero when not locked out
}

func newAccount(username, password string) *Account {
	return &Account{
		username: username,
		password: password,
		blocked:  make(map[string]struct{}),
	}
}

// lockoutActive reports whether the account is still locked out at now.
// Expiry is lazy: the first observation at or past the deadline clears it.
func (a *Account) lockoutActive(now time.Time) bool {
	if a.lockedUntil.IsZero() {
		return false
	}
	if !now.Before(a.lockedUntil) {
		a.lockedUntil = time.Time{}
		return false
	}
	return true
}

func (a *Account) isBlocking(username string) bool {
	_, ok := a.blocked[username]
	return ok
}
