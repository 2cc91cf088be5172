package client

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/linechat/pkg/protocol"
)

const (
	defaultTCPPort = "8888"

	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	authTimeout  = 10 * time.Second

	// authResponseLimit bounds how many lines Authenticate reads looking
	// for the welcome message after sending the identity
	authResponseLimit = 3

	// Server frames (directory listings in particular) may exceed the
	// limit the server applies to inbound frames
	maxInboundFrame = 16 * protocol.DefaultMaxFrameSize
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAuthRejected     = errors.New("authentication rejected")
)

// Connection is the client side of a chat session. Inbound messages are
// read on a background goroutine and delivered through Incoming().
type Connection struct {
	addr string
	dial func() (net.Conn, error)

	mu        sync.RWMutex
	conn      net.Conn
	frames    *protocol.FrameReader
	connected bool
	listening bool
	identity  string

	writeMu sync.Mutex

	incoming      chan protocol.Message
	errors        chan error
	incomingClose sync.Once

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewConnection prepares a connection to addr without dialing. addr is
// host[:port], tcp://host[:port], ws://host[:port][/path] or
// wss://host[:port][/path].
func NewConnection(addr string) (*Connection, error) {
	dc, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:     dc.display,
		dial:     dc.dial,
		incoming: make(chan protocol.Message, 100),
		errors:   make(chan error, 10),
		shutdown: make(chan struct{}),
	}, nil
}

// Connect dials host:port over TCP
func Connect(host string, port int) (*Connection, error) {
	c, err := NewConnection(net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect establishes the transport. A Connection is single use: once
// disconnected it cannot be connected again.
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	select {
	case <-c.shutdown:
		return fmt.Errorf("connection closed")
	default:
	}

	c.logf("Connecting to %s...", c.addr)

	conn, err := c.dial()
	if err != nil {
		c.logf("Connection failed: %v", err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.frames = protocol.NewFrameReader(&countingReader{r: conn, counter: &c.bytesReceived}, maxInboundFrame)
	c.connected = true
	c.mu.Unlock()

	c.logf("Connected successfully to %s", c.addr)
	return nil
}

// Authenticate performs the identity handshake: read the prompt, send the
// identity, then read up to authResponseLimit lines looking for the welcome
// message. Lines received before the welcome (the join notice among them)
// are queued into Incoming(). On success the receive loop starts.
// Authenticate must not run concurrently with Disconnect.
func (c *Connection) Authenticate(identity string) error {
	c.mu.RLock()
	conn, frames, connected, current := c.conn, c.frames, c.connected, c.identity
	c.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}
	if current != "" {
		return fmt.Errorf("already authenticated as %s", current)
	}

	identity = strings.TrimSpace(identity)
	if strings.ContainsAny(identity, "\r\n") {
		return fmt.Errorf("%w: identity contains a line break", ErrAuthRejected)
	}

	conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	prompt, err := frames.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read identity prompt: %w", err)
	}
	if prompt.Kind == protocol.KindError {
		// Capacity rejection arrives in place of the prompt
		return fmt.Errorf("%w: %s", ErrAuthRejected, prompt.Content)
	}
	c.logf("Server: %s", prompt.Content)

	if err := c.write([]byte(identity + "\n")); err != nil {
		return fmt.Errorf("failed to send identity: %w", err)
	}

	for i := 0; i < authResponseLimit; i++ {
		msg, err := frames.ReadMessage()
		if errors.Is(err, protocol.ErrMalformedFrame) || errors.Is(err, protocol.ErrFrameTooLarge) {
			c.logf("Skipping bad handshake frame: %v", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read handshake response: %w", err)
		}

		switch {
		case msg.Kind == protocol.KindError:
			return fmt.Errorf("%w: %s", ErrAuthRejected, msg.Content)
		case msg.Kind == protocol.KindSystem && msg.Content == protocol.InvalidIdentity:
			return fmt.Errorf("%w: %s", ErrAuthRejected, msg.Content)
		}

		c.incoming <- msg

		if msg.Kind == protocol.KindSystem && strings.Contains(msg.Content, "Welcome") {
			c.mu.Lock()
			c.identity = identity
			c.listening = true
			c.wg.Add(1)
			c.mu.Unlock()

			c.logf("Logged in as %s", identity)

			go c.readLoop(conn, frames)
			return nil
		}
	}

	return fmt.Errorf("%w: no welcome message after %d responses", ErrAuthRejected, authResponseLimit)
}

// SendBroadcast sends text to every online identity
func (c *Connection) SendBroadcast(text string) error {
	return c.send(protocol.KindBroadcast, "", text)
}

// SendDirected sends text to a single identity
func (c *Connection) SendDirected(to, text string) error {
	if strings.TrimSpace(to) == "" {
		return protocol.ErrRecipientRequired
	}
	return c.send(protocol.KindPrivate, to, text)
}

// RequestDirectoryListing asks the server for the online identities. The
// reply arrives on Incoming() as a USER_LIST message.
func (c *Connection) RequestDirectoryListing() error {
	return c.send(protocol.KindUserList, "", "")
}

func (c *Connection) send(kind protocol.Kind, recipient, content string) error {
	c.mu.RLock()
	connected, identity := c.connected, c.identity
	c.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}
	if identity == "" {
		return ErrNotAuthenticated
	}

	return c.write(protocol.Encode(protocol.NewMessage(kind, identity, recipient, content)))
}

// write sends one complete frame with a single bounded Write
func (c *Connection) write(frame []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	n, err := conn.Write(frame)
	c.bytesSent.Add(uint64(n))
	if err != nil {
		c.logf("Write error: %v", err)
		return fmt.Errorf("write error: %w", err)
	}

	c.logf("→ SEND: %s", strings.TrimSuffix(string(frame), "\n"))
	return nil
}

// Incoming returns the channel of messages received from the server. It is
// closed once the connection ends.
func (c *Connection) Incoming() <-chan protocol.Message {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// Identity returns the authenticated identity, or "" before Authenticate succeeds
func (c *Connection) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAddress returns the server address
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetBytesSent returns the total bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Disconnect sends a best-effort LEAVE and releases the connection. It is
// safe to call more than once.
func (c *Connection) Disconnect() {
	c.shutdownOnce.Do(func() { close(c.shutdown) })

	c.mu.Lock()
	wasConnected := c.connected
	conn, identity, listening := c.conn, c.identity, c.listening
	c.connected = false
	c.mu.Unlock()

	if wasConnected {
		c.logf("Disconnecting from %s", c.addr)
		if identity != "" {
			leave := protocol.NewMessage(protocol.KindLeave, identity, "", "Disconnecting")
			if err := c.write(protocol.Encode(leave)); err != nil {
				c.logf("Failed to send leave: %v", err)
			}
		}
		conn.Close()
	}

	if listening {
		c.wg.Wait()
	} else {
		c.closeIncoming()
	}
}

func (c *Connection) closeIncoming() {
	c.incomingClose.Do(func() { close(c.incoming) })
}

// readLoop delivers decoded frames to Incoming() until the transport fails
func (c *Connection) readLoop(conn net.Conn, frames *protocol.FrameReader) {
	defer c.wg.Done()
	defer c.closeIncoming()

	for {
		msg, err := frames.ReadMessage()
		if errors.Is(err, protocol.ErrMalformedFrame) || errors.Is(err, protocol.ErrFrameTooLarge) {
			c.logf("Dropping bad frame: %v", err)
			c.reportError(fmt.Errorf("protocol error: %w", err))
			continue
		}
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		c.logf("← RECV: %s %s→%s %q", msg.Kind, msg.Sender, msg.Recipient, msg.Content)

		select {
		case c.incoming <- msg:
		case <-c.shutdown:
			return
		}
	}
}

// handleDisconnect handles the server closing the connection or a read failure
func (c *Connection) handleDisconnect(conn net.Conn, err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if !wasConnected {
		// Local Disconnect closed the transport
		return
	}

	conn.Close()

	if errors.Is(err, io.EOF) {
		c.logf("Connection closed by server (EOF)")
		c.reportError(fmt.Errorf("disconnected from server"))
		return
	}
	c.logf("Read error: %v", err)
	c.reportError(fmt.Errorf("read error: %w", err))
}

func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

type dialConfig struct {
	display string
	dial    func() (net.Conn, error)
}

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: address,
			dial: func() (net.Conn, error) {
				return net.DialTimeout("tcp", address, dialTimeout)
			},
		}, nil

	case "ws", "wss":
		if strings.TrimSpace(hostPort) == "" {
			return nil, errors.New("missing host in server address")
		}
		if path == "" || path == "/" {
			path = "/ws"
		}

		u := url.URL{Scheme: scheme, Host: hostPort, Path: path}
		target := u.String()
		return &dialConfig{
			display: target,
			dial: func() (net.Conn, error) {
				return DialWebSocket(target)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
