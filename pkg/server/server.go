package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/aeolun/linechat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Server accepts connections and owns every session until it closes
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	config     ServerConfig
	startTime  time.Time

	directory *Directory
	router    *Router
	history   HistorySink
	metrics   *Metrics
	registry  *prometheus.Registry

	// Every live session, authenticating or active, counted for admission
	sessions map[uint64]*Session
	sessMu   sync.Mutex
	nextID   uint64
	closing  bool

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort                 int
	HTTPPort                int // 0 disables the HTTP listener
	BindAddress             string
	MaxSessions             int
	MaxMessageLength        int // bytes per frame, terminator excluded
	HandshakeTimeoutSeconds int
	WriteTimeoutSeconds     int
	SendQueueSize           int // frames buffered per session
	HistoryFile             string
	HistoryDatabase         string
	HistoryFlushIntervalMs  int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:                 8888,
		MaxSessions:             50,
		MaxMessageLength:        protocol.DefaultMaxFrameSize,
		HandshakeTimeoutSeconds: 60,
		WriteTimeoutSeconds:     5,
		SendQueueSize:           256,
		HistoryFlushIntervalMs:  100,
	}
}

func (c ServerConfig) sessionOptions() sessionOptions {
	return sessionOptions{
		maxFrameSize:     c.MaxMessageLength,
		handshakeTimeout: time.Duration(c.HandshakeTimeoutSeconds) * time.Second,
		writeTimeout:     time.Duration(c.WriteTimeoutSeconds) * time.Second,
		queueSize:        c.SendQueueSize,
	}
}

// NewServer creates a server and opens the history sinks named in config
func NewServer(config ServerConfig) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(registry)

	history, err := OpenHistory(config, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}

	directory := NewDirectory()
	return &Server{
		config:    config,
		directory: directory,
		router:    NewRouter(directory, history, metrics),
		history:   history,
		metrics:   metrics,
		registry:  registry,
		sessions:  make(map[uint64]*Session),
		nextID:    1,
		shutdown:  make(chan struct{}),
	}, nil
}

// SetHistory replaces the history sink. Call before Start.
func (s *Server) SetHistory(history HistorySink) {
	if history == nil {
		history = NopHistory{}
	}
	s.history = history
	s.router.history = history
}

// Start binds the listeners and begins accepting connections. Only a bind
// failure is returned; everything after that is handled per connection.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.TCPPort))
	lc := net.ListenConfig{Control: controlSocket}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.startTime = time.Now()
	logListenBacklog(listener.Addr().String())

	if s.config.HTTPPort != 0 {
		if err := s.startHTTPServer(); err != nil {
			listener.Close()
			return err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorListenOverflows()
	}()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// startHTTPServer serves /ws, /metrics and /health on the HTTP port
func (s *Server) startHTTPServer() error {
	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.HTTPPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	debugLog.Printf("HTTP server listening on %s", ln.Addr())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Directory exposes the identity directory
func (s *Server) Directory() *Directory {
	return s.directory
}

// SessionCount returns the number of live sessions, authenticating included
func (s *Server) SessionCount() int {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return len(s.sessions)
}

// Stop stops accepting, tears down every session, waits for them and
// closes the history sinks. Calling it again is a no-op.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errorLog.Printf("HTTP shutdown: %v", err)
		}
		cancel()
	}

	s.sessMu.Lock()
	s.closing = true
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.sessMu.Unlock()

	var teardown sync.WaitGroup
	for _, sess := range live {
		teardown.Add(1)
		go func(sess *Session) {
			defer teardown.Done()
			sess.Close()
		}(sess)
	}
	teardown.Wait()

	s.wg.Wait()

	return s.history.Close()
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
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.serveConn(conn, "tcp")
	}
}

// serveConn admits conn as a new session or refuses it when full.
// Shared by the TCP and WebSocket transports.
func (s *Server) serveConn(conn net.Conn, connType string) {
	sess := s.admit(conn, connType)
	if sess == nil {
		s.refuse(conn)
		return
	}

	debugLog.Printf("New %s connection from %s (session %d)", connType, conn.RemoteAddr(), sess.ID)

	go func() {
		defer s.wg.Done()
		sess.Run()
	}()
}

// admit registers a session for conn unless the server is full or stopping
func (s *Server) admit(conn net.Conn, connType string) *Session {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	if s.closing || len(s.sessions) >= s.config.MaxSessions {
		return nil
	}

	sess := newSession(s.nextID, conn, connType, s.router, s.config.sessionOptions())
	sess.onClose = s.release
	s.nextID++
	s.sessions[sess.ID] = sess
	s.wg.Add(1)

	s.metrics.RecordSessionCreated()
	s.metrics.RecordActiveSessions(len(s.sessions))
	return sess
}

// release forgets a torn-down session and frees its slot
func (s *Server) release(sess *Session) {
	s.sessMu.Lock()
	delete(s.sessions, sess.ID)
	count := len(s.sessions)
	s.sessMu.Unlock()

	s.metrics.RecordSessionClosed()
	s.metrics.RecordActiveSessions(count)
}

// refuse writes a single ERROR frame on the raw connection and closes it
func (s *Server) refuse(conn net.Conn) {
	debugLog.Printf("Refusing connection from %s: server full", conn.RemoteAddr())
	s.metrics.RecordConnectionRejected()

	if s.config.WriteTimeoutSeconds > 0 {
		conn.SetWriteDeadline(time.Now().Add(time.Duration(s.config.WriteTimeoutSeconds) * time.Second))
	}
	if err := protocol.WriteFrame(conn, protocol.ErrorMessage(protocol.ServerFullText)); err != nil {
		debugLog.Printf("Failed to send refusal to %s: %v", conn.RemoteAddr(), err)
	}
	conn.Close()
}

// controlSocket applies platform socket options before bind
func controlSocket(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = setSocketOptions(fd)
	}); err != nil {
		return err
	}
	return sockErr
}
