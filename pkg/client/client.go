// Package client implements the dial-back messaging protocol from the
// client side: it connects to the server, advertises a listener the server
// pushes messages to, and exchanges text frames for the login dialogue and
// commands.
package client

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/aeolun/textrelay/pkg/protocol"
)

// Client is one client connection plus its push listener.
type Client struct {
	conn     net.Conn
	listener net.Listener

	closeOnce sync.Once
}

// Dial connects to the server and performs the bootstrap handshake: the
// HELLO greeting followed by the decimal port of a push listener bound to
// an OS-assigned ephemeral port.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open push listener: %w", err)
	}

	c := &Client{
		conn:     conn,
		listener: listener,
	}

	if err := c.Send(protocol.CmdHello); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.Send(strconv.Itoa(c.PushPort())); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// Send writes one frame on the command connection.
func (c *Client) Send(text string) error {
	return protocol.WriteFrame(c.conn, text)
}

// Receive reads one frame from the command connection.
func (c *Client) Receive() (string, error) {
	return protocol.ReadFrame(c.conn)
}

// PushPort returns the local port the push listener is bound to.
func (c *Client) PushPort() int {
	return c.listener.Addr().(*net.TCPAddr).Port
}

// ReceivePushed accepts push connections from the server and hands every
// received frame to fn, until the listener is closed. The server opens one
// short-lived connection per pushed message; each is drained to EOF.
// Run it on its own goroutine.
func (c *Client) ReceivePushed(fn func(message string)) {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			for {
				msg, err := protocol.ReadFrame(conn)
				if err != nil {
					return
				}
				fn(msg)
			}
		}(conn)
	}
}

// Close tears down the command connection and the push listener.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		c.listener.Close()
	})
}
