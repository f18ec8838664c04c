package server

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/textrelay/pkg/directory"
	"github.com/aeolun/textrelay/pkg/protocol"
)

// ---------------------------------------------------------------------------
// Test harness
// ---------------------------------------------------------------------------

// startTestServer starts a server on an ephemeral port with the metrics
// listener disabled. mutate may adjust the config before startup.
func startTestServer(t *testing.T, mutate func(*ServerConfig)) *Server {
	t.Helper()

	config := DefaultConfig()
	config.TCPPort = 0
	config.MetricsPort = 0
	config.IdleTimeout = 10 * time.Second
	config.LockoutDuration = time.Second
	config.DialTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&config)
	}

	srv, err := NewServer(config)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return srv
}

// testClient drives one client connection: the command channel plus a push
// listener whose received frames are funneled into a channel.
type testClient struct {
	conn     net.Conn
	listener net.Listener
	pushes   chan string
}

func newTestClient(t *testing.T, srv *Server) *testClient {
	t.Helper()

	port := srv.Addr().(*net.TCPAddr).Port
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c := &testClient{
		conn:     conn,
		listener: listener,
		pushes:   make(chan string, 16),
	}
	t.Cleanup(c.close)
	go c.acceptPushes()

	c.send(t, protocol.CmdHello, strconv.Itoa(listener.Addr().(*net.TCPAddr).Port))
	return c
}

func (c *testClient) acceptPushes() {
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
				c.pushes <- msg
			}
		}(conn)
	}
}

func (c *testClient) send(t *testing.T, frames ...string) {
	t.Helper()
	for _, f := range frames {
		require.NoError(t, protocol.WriteFrame(c.conn, f))
	}
}

func (c *testClient) recv(t *testing.T) string {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := protocol.ReadFrame(c.conn)
	c.conn.SetReadDeadline(time.Time{})
	require.NoError(t, err)
	return msg
}

func (c *testClient) expect(t *testing.T, want string) {
	t.Helper()
	assert.Equal(t, want, c.recv(t))
}

func (c *testClient) expectPush(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case msg := <-c.pushes:
		return msg
	case <-time.After(timeout):
		t.Fatal("expected a pushed message, got none")
		return ""
	}
}

func (c *testClient) expectNoPush(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case msg := <-c.pushes:
		t.Fatalf("unexpected pushed message %q", msg)
	case <-time.After(window):
	}
}

// login authenticates an account that already exists in the directory.
func (c *testClient) login(t *testing.T, username, password string) {
	t.Helper()
	c.expect(t, protocol.RespUsername)
	c.send(t, username)
	c.expect(t, protocol.RespOK)
	c.send(t, password)
	c.expect(t, protocol.RespOK)
}

// register runs the first-time registration dialogue.
func (c *testClient) register(t *testing.T, username, password string) {
	t.Helper()
	c.expect(t, protocol.RespUsername)
	c.send(t, username)
	c.expect(t, protocol.RespNewUser)
	c.send(t, password)
	c.expect(t, protocol.RespOK)
}

func (c *testClient) close() {
	c.conn.Close()
	c.listener.Close()
}

// ---------------------------------------------------------------------------
// Login dialogue
// ---------------------------------------------------------------------------

func TestRegistrationAndFirstLogin(t *testing.T) {
	srv := startTestServer(t, nil)

	c := newTestClient(t, srv)
	c.register(t, "alice", "pw1")

	assert.Equal(t, directory.StatusOnline, srv.Directory().Status("alice"))

	c.send(t, protocol.CmdWhoElse)
	c.expect(t, protocol.RespNone)
}

func TestPasswordRetryThenSuccess(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")

	c := newTestClient(t, srv)
	c.expect(t, protocol.RespUsername)
	c.send(t, "alice")
	c.expect(t, protocol.RespOK)

	c.send(t, "wrong")
	c.expect(t, protocol.RespFail)
	c.send(t, "also wrong")
	c.expect(t, protocol.RespFail)
	c.send(t, "pw1")
	c.expect(t, protocol.RespOK)

	assert.Equal(t, directory.StatusOnline, srv.Directory().Status("alice"))
}

func TestLockoutAfterThreeFailures(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")

	c := newTestClient(t, srv)
	c.expect(t, protocol.RespUsername)
	c.send(t, "alice")
	c.expect(t, protocol.RespOK)

	c.send(t, "wrong")
	c.expect(t, protocol.RespFail)
	c.send(t, "wrong")
	c.expect(t, protocol.RespFail)
	c.send(t, "wrong")
	c.expect(t, protocol.RespMaxAttempt)
	c.expect(t, "1") // lockout duration in seconds

	// While locked out, even the right password is refused at the
	// username stage.
	c2 := newTestClient(t, srv)
	c2.expect(t, protocol.RespUsername)
	c2.send(t, "alice")
	c2.expect(t, protocol.RespUserIsBlocked)

	// After the lockout window passes, login succeeds again.
	time.Sleep(1200 * time.Millisecond)
	c3 := newTestClient(t, srv)
	c3.login(t, "alice", "pw1")
}

func TestAlreadyLoggedInRepromptsUsername(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")
	srv.Directory().Create("bob", "pw2")

	c := newTestClient(t, srv)
	c.login(t, "alice", "pw1")

	c2 := newTestClient(t, srv)
	c2.expect(t, protocol.RespUsername)
	c2.send(t, "alice")
	c2.expect(t, protocol.RespAlreadyLoggedIn)

	// The dialogue loops back to the prompt instead of disconnecting.
	c2.expect(t, protocol.RespUsername)
	c2.send(t, "bob")
	c2.expect(t, protocol.RespOK)
	c2.send(t, "pw2")
	c2.expect(t, protocol.RespOK)
}

func TestSecondLoginDuringPasswordExchange(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")
	srv.Directory().Create("bob", "pw2")

	// Both connections pass the username step while the account is still
	// offline, then the first one completes the password exchange.
	first := newTestClient(t, srv)
	first.expect(t, protocol.RespUsername)
	first.send(t, "alice")
	first.expect(t, protocol.RespOK)

	second := newTestClient(t, srv)
	second.expect(t, protocol.RespUsername)
	second.send(t, "alice")
	second.expect(t, protocol.RespOK)

	first.send(t, "pw1")
	first.expect(t, protocol.RespOK)

	// The second connection authenticates too, but the account is taken:
	// it is bounced back to the username prompt, not silently logged in.
	second.send(t, "pw1")
	second.expect(t, protocol.RespAlreadyLoggedIn)
	second.expect(t, protocol.RespUsername)
	second.send(t, "bob")
	second.expect(t, protocol.RespOK)
	second.send(t, "pw2")
	second.expect(t, protocol.RespOK)

	// The first session still owns alice's push endpoint.
	second.send(t, protocol.CmdMessage, "alice", "still you?")
	second.expect(t, protocol.RespOK)
	assert.True(t, strings.HasSuffix(first.expectPush(t, 2*time.Second), " from bob: still you?"))
}

func TestRegistrationRaceLosesToFirstClaim(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("bob", "pw2")

	// Both connections see the username as unregistered and enter the
	// registration branch before either submits a password.
	first := newTestClient(t, srv)
	first.expect(t, protocol.RespUsername)
	first.send(t, "newbie")
	first.expect(t, protocol.RespNewUser)

	second := newTestClient(t, srv)
	second.expect(t, protocol.RespUsername)
	second.send(t, "newbie")
	second.expect(t, protocol.RespNewUser)

	first.send(t, "pw-first")
	first.expect(t, protocol.RespOK)

	// The loser's create must not clobber the claimed account.
	second.send(t, "pw-second")
	second.expect(t, protocol.RespAlreadyLoggedIn)
	second.expect(t, protocol.RespUsername)
	second.send(t, "bob")
	second.expect(t, protocol.RespOK)
	second.send(t, "pw2")
	second.expect(t, protocol.RespOK)

	assert.True(t, srv.Directory().Authenticate("newbie", "pw-first"))
	assert.False(t, srv.Directory().Authenticate("newbie", "pw-second"))
}

// ---------------------------------------------------------------------------
// Direct messages
// ---------------------------------------------------------------------------

func TestDirectMessageDelivered(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")
	srv.Directory().Create("bob", "pw2")

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")
	bob := newTestClient(t, srv)
	bob.login(t, "bob", "pw2")

	alice.send(t, protocol.CmdMessage, "bob", "hello bob")
	alice.expect(t, protocol.RespOK)

	pushed := bob.expectPush(t, 2*time.Second)
	assert.True(t, strings.HasSuffix(pushed, " from alice: hello bob"), "got %q", pushed)
	// The sender's own listener stays quiet.
	alice.expectNoPush(t, 100*time.Millisecond)
}

func TestOfflineMessagesQueuedAndFlushedInOrder(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")
	srv.Directory().Create("bob", "pw2")

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")

	alice.send(t, protocol.CmdMessage, "bob", "first")
	alice.expect(t, protocol.RespOK)
	alice.send(t, protocol.CmdMessage, "bob", "second")
	alice.expect(t, protocol.RespOK)

	// Logging in replays the queue in original order.
	bob := newTestClient(t, srv)
	bob.login(t, "bob", "pw2")

	assert.True(t, strings.HasSuffix(bob.expectPush(t, 2*time.Second), " from alice: first"))
	assert.True(t, strings.HasSuffix(bob.expectPush(t, 2*time.Second), " from alice: second"))

	// The queue is drained exactly once.
	bob.send(t, protocol.CmdLogout)
	assert.Eventually(t, func() bool {
		return srv.Directory().Status("bob") == directory.StatusOffline
	}, 2*time.Second, 20*time.Millisecond)

	bob2 := newTestClient(t, srv)
	bob2.login(t, "bob", "pw2")
	bob2.expectNoPush(t, 100*time.Millisecond)
}

func TestDirectMessageErrorTokens(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")
	srv.Directory().Create("bob", "pw2")

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")

	alice.send(t, protocol.CmdMessage, "ghost", "hi")
	alice.expect(t, protocol.RespUserNotFound)

	alice.send(t, protocol.CmdMessage, "alice", "hi")
	alice.expect(t, protocol.RespSelfTarget)

	require.NoError(t, srv.Directory().Block("bob", "alice"))
	alice.send(t, protocol.CmdMessage, "bob", "hi")
	alice.expect(t, protocol.RespBlocked)
}

// ---------------------------------------------------------------------------
// Blocking
// ---------------------------------------------------------------------------

func TestBlockUnblockCommands(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")
	srv.Directory().Create("bob", "pw2")

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")

	alice.send(t, protocol.CmdBlock, "bob")
	alice.expect(t, protocol.RespOK)
	alice.send(t, protocol.CmdBlock, "bob")
	alice.expect(t, protocol.RespAlreadyBlocked)
	alice.send(t, protocol.CmdBlock, "ghost")
	alice.expect(t, protocol.RespUserNotFound)
	alice.send(t, protocol.CmdBlock, "alice")
	alice.expect(t, protocol.RespSelfTarget)

	// bob cannot reach alice while blocked; the reverse still works.
	bob := newTestClient(t, srv)
	bob.login(t, "bob", "pw2")
	bob.send(t, protocol.CmdMessage, "alice", "hi")
	bob.expect(t, protocol.RespBlocked)

	alice.send(t, protocol.CmdMessage, "bob", "hi")
	alice.expect(t, protocol.RespOK)
	bob.expectPush(t, 2*time.Second)

	alice.send(t, protocol.CmdUnblock, "bob")
	alice.expect(t, protocol.RespOK)
	alice.send(t, protocol.CmdUnblock, "bob")
	alice.expect(t, protocol.RespNotBlocked)

	bob.send(t, protocol.CmdMessage, "alice", "hi again")
	bob.expect(t, protocol.RespOK)
	alice.expectPush(t, 2*time.Second)
}

// ---------------------------------------------------------------------------
// Broadcast
// ---------------------------------------------------------------------------

func TestBroadcastFullDelivery(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")
	srv.Directory().Create("bob", "pw2")

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")
	bob := newTestClient(t, srv)
	bob.login(t, "bob", "pw2")

	alice.send(t, protocol.CmdBroadcast, "hello all")
	alice.expect(t, protocol.RespOK)

	assert.True(t, strings.HasSuffix(bob.expectPush(t, 2*time.Second), " from alice: hello all"))
	alice.expectNoPush(t, 100*time.Millisecond)
}

func TestBroadcastPartialDelivery(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")
	srv.Directory().Create("bob", "pw2")
	srv.Directory().Create("carol", "pw3") // stays offline

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")
	bob := newTestClient(t, srv)
	bob.login(t, "bob", "pw2")

	alice.send(t, protocol.CmdBroadcast, "partial news")
	alice.expect(t, protocol.RespPartialSend)
	bob.expectPush(t, 2*time.Second)
}

func TestBroadcastNoneDelivered(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")
	srv.Directory().Create("bob", "pw2") // stays offline

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")

	alice.send(t, protocol.CmdBroadcast, "is anyone there")
	alice.expect(t, protocol.RespNoneSent)
}

func TestBroadcastFromSoleAccount(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")

	// Nobody received anything, so the reply is NOT SENT even though
	// there was nobody to miss.
	alice.send(t, protocol.CmdBroadcast, "anyone?")
	alice.expect(t, protocol.RespNoneSent)
}

func TestBroadcastSkipsBlockers(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")
	srv.Directory().Create("bob", "pw2")
	require.NoError(t, srv.Directory().Block("bob", "alice"))

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")
	bob := newTestClient(t, srv)
	bob.login(t, "bob", "pw2")

	alice.send(t, protocol.CmdBroadcast, "hello")
	alice.expect(t, protocol.RespNoneSent)
	bob.expectNoPush(t, 100*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Presence queries
// ---------------------------------------------------------------------------

func TestWhoElse(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")
	srv.Directory().Create("bob", "pw2")
	srv.Directory().Create("carol", "pw3")

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")

	alice.send(t, protocol.CmdWhoElse)
	alice.expect(t, protocol.RespNone)

	bob := newTestClient(t, srv)
	bob.login(t, "bob", "pw2")
	carol := newTestClient(t, srv)
	carol.login(t, "carol", "pw3")

	alice.send(t, protocol.CmdWhoElse)
	alice.expect(t, "bob\ncarol")

	// The asker is never in their own answer.
	bob.send(t, protocol.CmdWhoElse)
	bob.expect(t, "alice\ncarol")
}

func TestWhoElseSince(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")
	srv.Directory().Create("bob", "pw2")

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")
	bob := newTestClient(t, srv)
	bob.login(t, "bob", "pw2")

	alice.send(t, protocol.CmdWhoElseSince, "3600")
	alice.expect(t, "bob")

	// Presence does not matter, only the login timestamp.
	bob.send(t, protocol.CmdLogout)
	assert.Eventually(t, func() bool {
		return srv.Directory().Status("bob") == directory.StatusOffline
	}, 2*time.Second, 20*time.Millisecond)

	alice.send(t, protocol.CmdWhoElseSince, "3600")
	alice.expect(t, "bob")

	alice.send(t, protocol.CmdWhoElseSince, "0")
	alice.expect(t, protocol.RespNone)
}

func TestWhoElseSinceRejectsBadArgument(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")

	alice.send(t, protocol.CmdWhoElseSince, "abc")
	alice.expect(t, protocol.RespInvalidArgument)

	alice.send(t, protocol.CmdWhoElseSince, "-1")
	alice.expect(t, protocol.RespInvalidArgument)

	// The session survives the bad argument.
	alice.send(t, protocol.CmdWhoElse)
	alice.expect(t, protocol.RespNone)
}

// ---------------------------------------------------------------------------
// Command loop edges
// ---------------------------------------------------------------------------

func TestUnknownCommandIsNotFatal(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")

	alice.send(t, "FROBNICATE")
	alice.expect(t, protocol.RespUnknownCommand)

	alice.send(t, protocol.CmdWhoElse)
	alice.expect(t, protocol.RespNone)
}

func TestLogoutCommand(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")

	alice.send(t, protocol.CmdLogout)
	assert.Eventually(t, func() bool {
		return srv.Directory().Status("alice") == directory.StatusOffline
	}, 2*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		return srv.sessions.CountActive() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDisconnectWithoutLogoutFreesAccount(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Directory().Create("alice", "pw1")

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")
	alice.conn.Close()

	assert.Eventually(t, func() bool {
		return srv.Directory().Status("alice") == directory.StatusOffline
	}, 2*time.Second, 20*time.Millisecond)

	// The name is immediately reusable.
	again := newTestClient(t, srv)
	again.login(t, "alice", "pw1")
}

// ---------------------------------------------------------------------------
// Idle timeout
// ---------------------------------------------------------------------------

func TestIdleTimeoutForcesLogout(t *testing.T) {
	srv := startTestServer(t, func(c *ServerConfig) {
		c.IdleTimeout = 300 * time.Millisecond
	})
	srv.Directory().Create("alice", "pw1")

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")

	// Go quiet and wait for the forced logout notice.
	assert.Equal(t, protocol.PushLogout, alice.expectPush(t, 2*time.Second))
	assert.Eventually(t, func() bool {
		return srv.Directory().Status("alice") == directory.StatusOffline
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCommandsResetIdleTimeout(t *testing.T) {
	srv := startTestServer(t, func(c *ServerConfig) {
		c.IdleTimeout = 400 * time.Millisecond
	})
	srv.Directory().Create("alice", "pw1")

	alice := newTestClient(t, srv)
	alice.login(t, "alice", "pw1")

	// Keep active well past the timeout span; each command re-arms it.
	for i := 0; i < 5; i++ {
		time.Sleep(150 * time.Millisecond)
		alice.send(t, protocol.CmdWhoElse)
		alice.expect(t, protocol.RespNone)
	}

	assert.Equal(t, directory.StatusOnline, srv.Directory().Status("alice"))
	alice.expectNoPush(t, 100*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Bootstrap and health
// ---------------------------------------------------------------------------

func TestBootstrapRejectsBadGreeting(t *testing.T) {
	srv := startTestServer(t, nil)

	port := srv.Addr().(*net.TCPAddr).Port
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteFrame(conn, "HOWDY"))
	require.NoError(t, protocol.WriteFrame(conn, "50000"))

	// The server drops the connection without entering the login dialogue.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = protocol.ReadFrame(conn)
	assert.Error(t, err)
}

func TestBootstrapRejectsBadPort(t *testing.T) {
	srv := startTestServer(t, nil)

	for _, bad := range []string{"0", "65536", "-5", "not-a-port"} {
		port := srv.Addr().(*net.TCPAddr).Port
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		require.NoError(t, err)

		require.NoError(t, protocol.WriteFrame(conn, protocol.CmdHello))
		require.NoError(t, protocol.WriteFrame(conn, bad))

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = protocol.ReadFrame(conn)
		assert.Error(t, err, "port %q should terminate the handshake", bad)
		conn.Close()
	}
}
