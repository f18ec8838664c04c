package server

import (
	"sync"
	"time"
)

// idleMonitor force-logs a session out after a configurable quiet period.
// Every inbound command re-arms the countdown (a debounce, not a fixed
// deadline). Reset and the firing callback race through the mutex: once
// fire has started, a late Reset from one more inbound command reports
// failure instead of resurrecting the session.
type idleMonitor struct {
	timeout  time.Duration
	onExpire func()

	mu      sync.Mutex
	timer   *time.Timer
	fired   bool
	stopped bool
}

// newIdleMonitor arms the countdown immediately.
func newIdleMonitor(timeout time.Duration, onExpire func()) *idleMonitor {
	m := &idleMonitor{
		timeout:  timeout,
		onExpire: onExpire,
	}
	m.timer = time.AfterFunc(timeout, m.fire)
	return m
}

func (m *idleMonitor) fire() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.fired = true
	m.mu.Unlock()

	// Callback runs outside the mutex: it closes the connection and may
	// push the logout notice, neither of which should hold the lock.
	m.onExpire()
}

// Reset re-arms the countdown. Returns false if the monitor has already
// fired or been stopped; the session is past saving at that point.
func (m *idleMonitor) Reset() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fired || m.stopped {
		return false
	}
	m.timer.Reset(m.timeout)
	return true
}

// Stop disarms the monitor during session teardown.
func (m *idleMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	m.timer.Stop()
}
