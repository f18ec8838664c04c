package server

import (
	"net"
	"sync"

	"github.com/aeolun/textrelay/pkg/protocol"
)

// SafeConn wraps a net.Conn with automatic write synchronization so frames
// from different goroutines never interleave on the wire.
//
// The session's command loop and the idle monitor can both write to the
// same connection; without synchronization their length prefixes and
// payloads would corrupt each other. SafeConn encapsulates the connection
// and its write mutex, making it impossible to write without holding it.
type SafeConn struct {
	conn net.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{
		conn: conn,
	}
}

// WriteFrame encodes and sends one text frame with write synchronization.
// This is the ONLY way to write frames to the connection - the raw conn is private.
func (sc *SafeConn) WriteFrame(text string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return protocol.WriteFrame(sc.conn, text)
}

// ReadFrame reads one text frame from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadFrame() (string, error) {
	return protocol.ReadFrame(sc.conn)
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
