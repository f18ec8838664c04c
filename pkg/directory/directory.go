package directory

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrUnknownUser indicates the target username is not registered.
	ErrUnknownUser = errors.New("user not found")
	// ErrSelfTarget indicates an operation aimed at the acting user itself.
	ErrSelfTarget = errors.New("destination user is self")
	// ErrBlocked indicates the recipient refuses messages from the sender.
	ErrBlocked = errors.New("recipient has blocked sender")
	// ErrAlreadyBlocked indicates the target is already on the block list.
	ErrAlreadyBlocked = errors.New("user is already blocked")
	// ErrNotBlocked indicates the target is not on the block list.
	ErrNotBlocked = errors.New("user is not blocked")
)

// Status describes an account's login eligibility at a point in time.
type Status int

const (
	StatusUnknown   Status = iota // no such account
	StatusOffline                 // registered, not logged in, not locked out
	StatusOnline                  // currently has an active session
	StatusLockedOut               // login suspended after repeated failures
)

// Directory is the shared mapping of username → account state: the single
// source of truth for presence, block lists, offline inboxes, credentials
// and login lockouts.
//
// Every operation runs under one directory-wide mutex, so each compound
// check-then-mutate sequence (presence check + inbox append, block-list
// check + endpoint read, ...) is atomic with respect to concurrent
// sessions, and cross-account queries see a consistent snapshot. Callers
// never hold the lock across network I/O: routing decisions return the
// push endpoint and the caller dials outside the critical section.
type Directory struct {
	mu       sync.Mutex
	accounts map[string]*Account
}

func New() *Directory {
	return &Directory{
		accounts: make(map[string]*Account),
	}
}

// Create registers an account with the given plaintext password and
// loggedIn=false. If the username already exists the entry is replaced
// (last write wins); concurrent creates for one username are not an
// expected workload, only a documented degradation.
func (d *Directory) Create(username, password string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.accounts[username] = newAccount(username, password)
}

// CreateIfAbsent registers an account only when the username is still
// free, in one critical section. The registration dialogue uses this
// instead of Create so a username claimed by another connection during
// the password exchange is not clobbered.
func (d *Directory) CreateIfAbsent(username, password string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.accounts[username]; ok {
		return false
	}
	d.accounts[username] = newAccount(username, password)
	return true
}

// Status reports the account's current login eligibility. Observing an
// expired lockout clears it immediately.
func (d *Directory) Status(username string) Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	acct, ok := d.accounts[username]
	if !ok {
		return StatusUnknown
	}
	if acct.loggedIn {
		return StatusOnline
	}
	if acct.lockoutActive(time.Now()) {
		return StatusLockedOut
	}
	return StatusOffline
}

// Authenticate compares a password attempt against the stored password.
// Plaintext equality; see the hardening note on Account.
func (d *Directory) Authenticate(username, attempt string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	acct, ok := d.accounts[username]
	return ok && acct.password == attempt
}

// LockOut suspends logins for the account for the given duration.
func (d *Directory) LockOut(username string, duration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if acct, ok := d.accounts[username]; ok {
		acct.lockedUntil = time.Now().Add(duration)
	}
}

// Login marks the account online, records the login time, clears any
// lockout and binds the push endpoint. It returns the pending inbox in
// FIFO order and clears it; the caller pushes each entry to the endpoint
// outside the directory lock.
//
// Returns ok=false, mutating nothing, when the account is unknown or
// already has an active session. The presence check at the username
// prompt and this commit sit on either side of the password exchange, so
// another connection can win the account in between; the re-check here is
// what keeps two sessions from both binding it.
func (d *Directory) Login(username, pushEndpoint string) (pending []string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	acct, exists := d.accounts[username]
	if !exists || acct.loggedIn {
		return nil, false
	}

	acct.loggedIn = true
	acct.lastLoginAt = time.Now()
	acct.pushEndpoint = pushEndpoint
	acct.lockedUntil = time.Time{}

	pending = acct.pendingInbox
	acct.pendingInbox = nil
	return pending, true
}

// Logout marks the account offline and unbinds its push endpoint.
func (d *Directory) Logout(username string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if acct, ok := d.accounts[username]; ok {
		acct.loggedIn = false
		acct.pushEndpoint = ""
	}
}

// PushEndpoint returns the account's current push endpoint. The second
// return is false when the account is unknown or offline.
func (d *Directory) PushEndpoint(username string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	acct, ok := d.accounts[username]
	if !ok || !acct.loggedIn {
		return "", false
	}
	return acct.pushEndpoint, true
}

// Block adds target to blocker's block list.
func (d *Directory) Block(blocker, target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.accounts[target]; !ok {
		return ErrUnknownUser
	}
	if blocker == target {
		return ErrSelfTarget
	}
	acct, ok := d.accounts[blocker]
	if !ok {
		return ErrUnknownUser
	}
	if acct.isBlocking(target) {
		return ErrAlreadyBlocked
	}
	acct.blocked[target] = struct{}{}
	return nil
}

// Unblock removes target from blocker's block list.
func (d *Directory) Unblock(blocker, target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.accounts[target]; !ok {
		return ErrUnknownUser
	}
	if blocker == target {
		return ErrSelfTarget
	}
	acct, ok := d.accounts[blocker]
	if !ok {
		return ErrUnknownUser
	}
	if !acct.isBlocking(target) {
		return ErrNotBlocked
	}
	delete(acct.blocked, target)
	return nil
}

// Route decides delivery for one direct message in a single critical
// section. For an online recipient it returns the push endpoint (the
// caller dials outside the lock); for an offline recipient it appends the
// rendered message to the pending inbox and returns queued=true.
func (d *Directory) Route(sender, recipient, rendered string) (endpoint string, queued bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	acct, ok := d.accounts[recipient]
	if !ok {
		return "", false, ErrUnknownUser
	}
	if sender == recipient {
		return "", false, ErrSelfTarget
	}
	if acct.isBlocking(sender) {
		return "", false, ErrBlocked
	}

	if !acct.loggedIn {
		acct.pendingInbox = append(acct.pendingInbox, rendered)
		return "", true, nil
	}
	return acct.pushEndpoint, false, nil
}

// BroadcastPlan snapshots, in one critical section, the push endpoints of
// every other account that is online and not blocking the sender, plus the
// total count of other accounts. A recipient that is offline or blocking
// the sender is skipped, but still counts toward "everyone" for the
// full/partial verdict: an offline non-blocking recipient keeps the reply
// from being a full send.
func (d *Directory) BroadcastPlan(sender string) (endpoints []string, others int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, acct := range d.accounts {
		if name == sender {
			continue
		}
		others++
		if acct.loggedIn && !acct.isBlocking(sender) {
			endpoints = append(endpoints, acct.pushEndpoint)
		}
	}
	return endpoints, others
}

// OnlineOthers returns the sorted usernames of every other account that is
// currently logged in.
func (d *Directory) OnlineOthers(username string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var names []string
	for name, acct := range d.accounts {
		if name != username && acct.loggedIn {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// OthersLoggedInSince returns the sorted usernames of every other account
// whose last login is strictly after the given instant.
func (d *Directory) OthersLoggedInSince(username string, since time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var names []string
	for name, acct := range d.accounts {
		if name == username {
			continue
		}
		if !acct.lastLoginAt.IsZero() && acct.lastLoginAt.After(since) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered accounts.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.accounts)
}
