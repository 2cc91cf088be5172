package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/linechat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// initTestLoggers discards server logs for the duration of a test
func initTestLoggers(t *testing.T) {
	t.Helper()
	errorLog.SetOutput(io.Discard)
	debugLog.SetOutput(io.Discard)
}

type mockAddr struct{}

func (mockAddr) Network() string { return "tcp" }
func (mockAddr) String() string  { return "127.0.0.1:0" }

// mockConn implements net.Conn for testing. Writes are recorded; when
// block is non-nil every Write waits on it (or on Close).
type mockConn struct {
	mu       sync.Mutex
	readBuf  *bytes.Buffer
	writeBuf bytes.Buffer
	closed   bool
	closedCh chan struct{}
	block    chan struct{}
	failErr  error
}

func newMockConn() *mockConn {
	return &mockConn{
		readBuf:  &bytes.Buffer{},
		closedCh: make(chan struct{}),
	}
}

func (m *mockConn) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	return m.readBuf.Read(b)
}

func (m *mockConn) Write(b []byte) (int, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-m.closedCh:
			return 0, net.ErrClosed
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.failErr != nil {
		return 0, m.failErr
	}
	return m.writeBuf.Write(b)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// lines returns every frame written so far without terminators
func (m *mockConn) lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := strings.TrimSuffix(m.writeBuf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func (m *mockConn) LocalAddr() net.Addr                { return mockAddr{} }
func (m *mockConn) RemoteAddr() net.Addr               { return mockAddr{} }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

var errMockWrite = errors.New("mock write failure")

// recordingHistory keeps every appended message in memory
type recordingHistory struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	closed bool
}

func (h *recordingHistory) Append(msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *recordingHistory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *recordingHistory) ofKind(kind protocol.Kind) []protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.Message
	for _, m := range h.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (h *recordingHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func (h *recordingHistory) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// newTestRouter builds a router with its own metrics registry
func newTestRouter(t *testing.T) (*Router, *recordingHistory) {
	t.Helper()
	initTestLoggers(t)
	history := &recordingHistory{}
	return NewRouter(NewDirectory(), history, NewMetrics(prometheus.NewRegistry())), history
}

var testSessionOptions = sessionOptions{
	maxFrameSize:     protocol.DefaultMaxFrameSize,
	handshakeTimeout: time.Second,
	writeTimeout:     100 * time.Millisecond,
	queueSize:        64,
}

var testSessionID uint64
var testSessionIDMu sync.Mutex

func nextTestSessionID() uint64 {
	testSessionIDMu.Lock()
	defer testSessionIDMu.Unlock()
	testSessionID++
	return testSessionID
}

// activeSession creates a session already registered under identity
func activeSession(t *testing.T, r *Router, identity string, conn net.Conn, opts sessionOptions) *Session {
	t.Helper()
	sess := newSession(nextTestSessionID(), conn, "tcp", r, opts)
	sess.setIdentity(identity)
	if !r.directory.RegisterUnique(identity, sess) {
		t.Fatalf("identity %s already registered", identity)
	}
	if !sess.life.activate() {
		t.Fatalf("session for %s could not activate", identity)
	}
	t.Cleanup(sess.Close)
	return sess
}

// waitLines waits until conn has at least n frames written
func waitLines(t *testing.T, conn *mockConn, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lines := conn.lines(); len(lines) >= n {
			return lines
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %q", n, conn.lines())
	return nil
}
