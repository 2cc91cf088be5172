package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/aeolun/linechat/pkg/protocol"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSendQueueFull = errors.New("session send queue full")
	errWriterStalled = errors.New("writer did not drain before deadline")
)

// sessionOptions are the per-connection limits derived from ServerConfig
type sessionOptions struct {
	maxFrameSize     int
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	queueSize        int
}

// Session represents one client connection.
//
// Outbound frames go through a bounded queue drained by a dedicated writer
// goroutine, so Send never blocks on the peer and two frames never
// interleave on the wire.
type Session struct {
	ID       uint64
	ConnType string // "tcp" or "websocket"

	conn   net.Conn
	frames *protocol.FrameReader
	router *Router
	opts   sessionOptions
	life   lifecycle

	identity string
	mu       sync.RWMutex // protects identity

	outbox     chan []byte
	outMu      sync.Mutex // guards outbox against send-after-close
	outClosed  bool
	writerDone chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	onClose   func(*Session)
}

func newSession(id uint64, conn net.Conn, connType string, router *Router, opts sessionOptions) *Session {
	if opts.queueSize <= 0 {
		opts.queueSize = 1
	}
	sess := &Session{
		ID:         id,
		ConnType:   connType,
		conn:       conn,
		frames:     protocol.NewFrameReader(conn, opts.maxFrameSize),
		router:     router,
		opts:       opts,
		outbox:     make(chan []byte, opts.queueSize),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	go sess.writeLoop()
	return sess
}

// Identity returns the registered identity, or "" before the handshake
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Session) setIdentity(identity string) {
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	return s.life.Load()
}

// Closed reports whether teardown has started
func (s *Session) Closed() bool {
	return s.life.Load() == StateClosed
}

// Done is closed once teardown has fully completed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// RemoteAddr returns the peer address for logging
func (s *Session) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// Send queues msg for delivery. It never blocks: a closed session returns
// ErrSessionClosed and a session whose queue is full returns
// ErrSendQueueFull.
func (s *Session) Send(msg protocol.Message) error {
	frame := protocol.Encode(msg)

	s.outMu.Lock()
	defer s.outMu.Unlock()

	if s.outClosed {
		return ErrSessionClosed
	}
	select {
	case s.outbox <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// writeLoop writes queued frames in order until the queue is closed
func (s *Session) writeLoop() {
	defer close(s.writerDone)

	for frame := range s.outbox {
		if s.opts.writeTimeout > 0 && !s.Closed() {
			s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
		}
		if _, err := s.conn.Write(frame); err != nil {
			debugLog.Printf("Session %d write error: %v", s.ID, err)
			// Peer is gone; let teardown release it and discard the backlog
			go s.Close()
			for range s.outbox {
			}
			return
		}
		debugLog.Printf("Session %d → SEND: %q", s.ID, frame)
	}
}

// Run drives the session: handshake, then the read loop, then teardown
func (s *Session) Run() {
	defer s.Close()

	if !s.handshake() {
		return
	}
	s.readLoop()
}

// handshake performs the identity exchange and registers the session
func (s *Session) handshake() bool {
	s.Send(protocol.SystemMessage(protocol.IdentityPrompt))

	if s.opts.handshakeTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.opts.handshakeTimeout))
	}
	line, err := s.frames.ReadLine()
	s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		debugLog.Printf("Session %d handshake read: %v", s.ID, err)
		if s.Closed() {
			s.router.metrics.RecordHandshakeFailure(rejectClosed)
			return false
		}
		line = ""
	}

	identity, reject, reason := checkIdentity(line)
	if reject != nil {
		debugLog.Printf("Session %d rejected identity %q: %s", s.ID, line, reason)
		s.Send(*reject)
		s.router.metrics.RecordHandshakeFailure(reason)
		return false
	}

	s.setIdentity(identity)
	if !s.router.directory.RegisterUnique(identity, s) {
		debugLog.Printf("Session %d identity %q already taken", s.ID, identity)
		s.setIdentity("")
		s.Send(identityTakenMessage(identity))
		s.router.metrics.RecordHandshakeFailure(rejectTaken)
		return false
	}

	if !s.life.activate() {
		// Torn down while registering; that teardown saw no identity to release
		s.router.directory.Unregister(identity, s)
		s.router.metrics.RecordHandshakeFailure(rejectClosed)
		return false
	}

	debugLog.Printf("Session %d authenticated as %s (%s)", s.ID, identity, s.RemoteAddr())
	s.router.Joined(s)
	return true
}

// readLoop decodes frames and dispatches them until the peer goes away
func (s *Session) readLoop() {
	for {
		line, err := s.frames.ReadLine()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				debugLog.Printf("Session %d dropped oversized frame", s.ID)
				s.router.metrics.RecordProtocolError("too_large")
				continue
			}
			if s.Closed() {
				return
			}
			if errors.Is(err, io.EOF) {
				debugLog.Printf("Session %d disconnected", s.ID)
			} else {
				debugLog.Printf("Session %d read error: %v", s.ID, err)
			}
			return
		}

		debugLog.Printf("Session %d ← RECV: %q", s.ID, line)

		msg, err := protocol.Decode(line)
		if err != nil {
			debugLog.Printf("Session %d decode error: %v", s.ID, err)
			s.router.metrics.RecordProtocolError("malformed")
			continue
		}

		s.router.Dispatch(s, msg.WithSender(s.Identity()))
		if s.Closed() {
			return
		}
	}
}

// Close tears the session down. It is idempotent and safe to call from any
// goroutine; concurrent callers return once teardown has finished.
func (s *Session) Close() {
	s.closeOnce.Do(s.teardown)
}

// releaseIdentity removes identity from the directory and announces the
// departure. A newer session that already took over the identity is left
// alone and nothing is announced.
func (s *Session) releaseIdentity(identity string) {
	if !s.router.directory.Unregister(identity, s) {
		debugLog.Printf("Session %d: identity %s already taken over", s.ID, identity)
		return
	}
	s.router.Left(identity)
}

func (s *Session) teardown() {
	prev, _ := s.life.close()

	if prev == StateActive {
		s.releaseIdentity(s.Identity())
	}

	// Stop accepting frames, then give the writer a bounded window to flush
	s.outMu.Lock()
	s.outClosed = true
	close(s.outbox)
	s.outMu.Unlock()

	if s.opts.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
	}
	select {
	case <-s.writerDone:
	case <-time.After(s.opts.writeTimeout + time.Second):
		debugLog.Printf("Session %d: %v", s.ID, errWriterStalled)
	}

	if err := s.conn.Close(); err != nil {
		debugLog.Printf("Session %d close: %v", s.ID, err)
	}

	if s.onClose != nil {
		s.onClose(s)
	}
	debugLog.Printf("Session %d closed (was %s)", s.ID, prev)
	close(s.done)
}
