package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/textrelay/pkg/directory"
	"github.com/aeolun/textrelay/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

// Server accepts client connections and runs the full login → command-loop
// → teardown sequence on one goroutine per connection. All shared state
// lives in the user directory; per-session failures never take down the
// listener or other sessions.
type Server struct {
	dir       *directory.Directory
	sessions  *SessionManager
	deliver   *Deliverer
	config    ServerConfig
	listener  net.Listener
	shutdown  chan struct{}
	wg        sync.WaitGroup
	metrics   *Metrics
	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort         int
	MetricsPort     int // Internal /metrics + /health listener (0 = disabled)
	IdleTimeout     time.Duration
	LockoutDuration time.Duration
	DialTimeout     time.Duration // Timeout for dial-back push connections
	CredentialsPath string        // Pre-provisioned accounts ("" = none)
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:         6467,
		MetricsPort:     9090,
		IdleTimeout:     120 * time.Second,
		LockoutDuration: 60 * time.Second,
		DialTimeout:     10 * time.Second,
	}
}

// NewServer creates a new server instance and pre-provisions accounts from
// the credentials file, if one is configured.
func NewServer(config ServerConfig) (*Server, error) {
	if err := initLoggers(); err != nil {
		return nil, err
	}

	dir := directory.New()
	if config.CredentialsPath != "" {
		n, err := LoadCredentials(config.CredentialsPath, dir)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// No pre-provisioned accounts; everyone registers at first login.
			log.Printf("Credentials file %s not found, starting with an empty directory", config.CredentialsPath)
		case err != nil:
			return nil, fmt.Errorf("failed to load credentials: %w", err)
		default:
			log.Printf("Loaded %d account(s) from %s", n, config.CredentialsPath)
		}
	}

	metrics := NewMetrics()
	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)

	server := &Server{
		dir:       dir,
		sessions:  sessions,
		deliver:   NewDeliverer(dir, config.DialTimeout, metrics),
		config:    config,
		shutdown:  make(chan struct{}),
		metrics:   metrics,
		startTime: time.Now(),
	}

	return server, nil
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "textrelay")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "textrelay")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// initLoggers sets up the package-level error and debug loggers. Debug
// output is discarded until EnableDebugLogging is called. Tests pre-set the
// loggers in TestMain; the nil guard keeps that setup intact.
func initLoggers() error {
	if errorLog != nil && debugLog != nil {
		return nil
	}

	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Write startup marker to errors.log (for distinguishing between runs)
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (can be enabled via EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Standard log goes to stdout and server.log
	// Truncate server.log on startup to avoid confusion from multiple runs
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Directory exposes the user directory (used by the credentials loader and
// tests).
func (s *Server) Directory() *directory.Directory {
	return s.dir
}

// Addr returns the address the server is listening on (useful with port 0).
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start starts the TCP listener and background loops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	// Internal metrics listener - never expose publicly!
	if s.config.MetricsPort > 0 {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			metricsMux.HandleFunc("/health", s.HealthHandler)
			metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Periodic metrics log line
	s.wg.Add(1)
	go s.metricsLoggingLoop()

	// Accept connections
	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
		log.Println("TCP listener closed")
	}

	log.Println("Closing all client sessions...")
	s.sessions.CloseAll()

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	log.Println("Graceful shutdown complete")
	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection runs the bootstrap handshake, the login dialogue and
// the command loop for one accepted connection, then tears the session
// down. Any protocol violation terminates only this connection.
func (s *Server) handleConnection(conn net.Conn) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	pushAddr, err := s.bootstrap(conn)
	if err != nil {
		debugLog.Printf("Handshake with %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	sess := s.sessions.CreateSession(conn, pushAddr)
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New connection from %s (session %d, push %s)", conn.RemoteAddr(), sess.ID, pushAddr)

	defer s.teardownSession(sess)

	username, err := s.runLogin(sess)
	if err != nil {
		debugLog.Printf("Session %d: login ended: %v", sess.ID, err)
		return
	}
	sess.bindUser(username)
	log.Printf("New login: %s is now logged in (session %d)", username, sess.ID)

	// The idle monitor and the command loop race until logout or expiry.
	sess.idle = newIdleMonitor(s.config.IdleTimeout, func() {
		s.forceLogout(sess)
	})

	s.commandLoop(sess)
}

// bootstrap reads the fixed session-opening sequence: the HELLO greeting
// and the decimal port of the listener the client opened for push
// delivery. The returned endpoint joins the connection's source host with
// that port.
func (s *Server) bootstrap(conn net.Conn) (string, error) {
	greeting, err := protocol.ReadFrame(conn)
	if err != nil {
		return "", err
	}
	if greeting != protocol.CmdHello {
		return "", fmt.Errorf("expected %s greeting, got %q", protocol.CmdHello, greeting)
	}

	portFrame, err := protocol.ReadFrame(conn)
	if err != nil {
		return "", err
	}
	port, err := strconv.Atoi(portFrame)
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid push listener port %q", portFrame)
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return "", fmt.Errorf("failed to split remote address: %w", err)
	}

	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// teardownSession releases everything a session holds. Safe to run after a
// forced logout: the logoutOnce guard keeps a stale teardown from knocking
// out an account that already logged back in elsewhere.
func (s *Server) teardownSession(sess *Session) {
	if sess.idle != nil {
		sess.idle.Stop()
	}
	if username := sess.Username(); username != "" {
		sess.logoutOnce.Do(func() {
			s.dir.Logout(username)
			log.Printf("Logout: %s (session %d)", username, sess.ID)
		})
	}
	s.disconnectionsSinceReport.Add(1)
	s.sessions.RemoveSession(sess.ID)
}

// forceLogout is the idle monitor's expiry action: push the reserved
// logout notice to the client's listener, mark the account offline, and
// close the connection so the command loop unwinds as if LOGOUT arrived.
func (s *Server) forceLogout(sess *Session) {
	username := sess.Username()
	debugLog.Printf("Session %d: idle timeout for %s", sess.ID, username)

	if endpoint, ok := s.dir.PushEndpoint(username); ok {
		s.deliver.push(endpoint, protocol.PushLogout)
	}

	sess.logoutOnce.Do(func() {
		s.dir.Logout(username)
		log.Printf("Inactivity logout: %s (session %d)", username, sess.ID)
	})
	if s.metrics != nil {
		s.metrics.RecordIdleLogout()
	}

	sess.Conn.Close()
}

// HealthHandler reports process health for the internal listener.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d,"active_sessions":%d,"accounts":%d}`,
		int(time.Since(s.startTime).Seconds()), s.sessions.CountActive(), s.dir.Count())
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			activeSessions := s.sessions.CountActive()
			goroutines := runtime.NumGoroutine()

			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Active sessions: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				activeSessions, connected, disconnected, goroutines)
		}
	}
}
