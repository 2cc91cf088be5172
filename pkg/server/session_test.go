package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/linechat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePeer is the client end of a session running over net.Pipe
type pipePeer struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func (p *pipePeer) send(line string) {
	p.t.Helper()
	p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := io.WriteString(p.conn, line)
	require.NoError(p.t, err)
}

func (p *pipePeer) read() string {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := p.reader.ReadString('\n')
	require.NoError(p.t, err)
	return strings.TrimSuffix(line, "\n")
}

func (p *pipePeer) expectEOF() {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := p.reader.ReadString('\n')
	require.ErrorIs(p.t, err, io.EOF)
}

// runPipeSession starts a session over net.Pipe and returns the peer side
func runPipeSession(t *testing.T, r *Router, opts sessionOptions) (*Session, *pipePeer) {
	t.Helper()
	serverEnd, clientEnd := net.Pipe()
	sess := newSession(nextTestSessionID(), serverEnd, "tcp", r, opts)
	go sess.Run()
	t.Cleanup(func() {
		clientEnd.Close()
		sess.Close()
	})
	return sess, &pipePeer{t: t, conn: clientEnd, reader: bufio.NewReader(clientEnd)}
}

func waitDone(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session %d did not finish teardown", sess.ID)
	}
}

func TestHandshakeSuccess(t *testing.T) {
	r, _ := newTestRouter(t)
	sess, peer := runPipeSession(t, r, testSessionOptions)

	assert.Equal(t, "SYSTEM|SERVER||Enter your username:", peer.read())
	peer.send("  alice \n")

	assert.Equal(t, "SYSTEM|SERVER||alice joined the chat", peer.read())
	assert.Equal(t, "SYSTEM|SERVER||Welcome to Enhanced Chat Application!", peer.read())
	assert.Equal(t, "USER_LIST|SERVER||Online users: alice", peer.read())

	assert.Equal(t, StateActive, sess.State())
	assert.Equal(t, "alice", sess.Identity())
	got, ok := r.directory.Lookup("alice")
	assert.True(t, ok)
	assert.Same(t, sess, got)
}

func TestHandshakeRejections(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty line", input: "\n", want: "SYSTEM|SERVER||Invalid username. Disconnecting."},
		{name: "too short", input: "ab\n", want: "ERROR|SERVER||Username must be 3-20 alphanumeric characters."},
		{name: "bad characters", input: "bad name!\n", want: "ERROR|SERVER||Username must be 3-20 alphanumeric characters."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRouter(t)
			sess, peer := runPipeSession(t, r, testSessionOptions)

			peer.read()
			peer.send(tt.input)
			assert.Equal(t, tt.want, peer.read())
			peer.expectEOF()

			waitDone(t, sess)
			assert.Equal(t, StateClosed, sess.State())
			assert.Empty(t, sess.Identity())
			assert.Zero(t, r.directory.Len())
		})
	}
}

func TestHandshakeIdentityTaken(t *testing.T) {
	r, _ := newTestRouter(t)
	holderConn := newMockConn()
	activeSession(t, r, "alice", holderConn, testSessionOptions)

	sess, peer := runPipeSession(t, r, testSessionOptions)
	peer.read()
	peer.send("alice\n")

	assert.Equal(t, "ERROR|SERVER||Username 'alice' is already taken.", peer.read())
	peer.expectEOF()
	waitDone(t, sess)

	// The holder is untouched and hears nothing
	got, _ := r.directory.Lookup("alice")
	assert.NotSame(t, sess, got)
	assert.Empty(t, holderConn.lines())
}

func TestHandshakeTimeout(t *testing.T) {
	r, _ := newTestRouter(t)
	opts := testSessionOptions
	opts.handshakeTimeout = 50 * time.Millisecond

	sess, peer := runPipeSession(t, r, opts)
	peer.read()

	assert.Equal(t, "SYSTEM|SERVER||Invalid username. Disconnecting.", peer.read())
	peer.expectEOF()
	waitDone(t, sess)
}

func TestCloseDuringHandshake(t *testing.T) {
	r, _ := newTestRouter(t)
	sess, peer := runPipeSession(t, r, testSessionOptions)
	peer.read()

	sess.Close()
	waitDone(t, sess)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(r.metrics.handshakeFailures.WithLabelValues(rejectClosed)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(r.metrics.handshakeFailures.WithLabelValues(rejectEmpty)))
	assert.Zero(t, r.directory.Len())
}

// A late teardown must not announce a departure once a newer session holds
// the identity
func TestReleaseIdentityTakenOver(t *testing.T) {
	r, history := newTestRouter(t)

	oldConn, newConn, bobConn := newMockConn(), newMockConn(), newMockConn()
	old := activeSession(t, r, "alice", oldConn, testSessionOptions)
	activeSession(t, r, "bob", bobConn, testSessionOptions)

	// Old session is marked closed but has not unregistered yet
	old.life.close()
	replacement := newSession(nextTestSessionID(), newConn, "tcp", r, testSessionOptions)
	replacement.setIdentity("alice")
	require.True(t, r.directory.RegisterUnique("alice", replacement))
	require.True(t, replacement.life.activate())
	t.Cleanup(replacement.Close)

	old.releaseIdentity("alice")

	got, ok := r.directory.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, replacement, got)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, bobConn.lines())
	assert.Empty(t, newConn.lines())
	assert.Empty(t, history.ofKind(protocol.KindSystem))

	// The holder's own departure is announced
	replacement.Close()
	assert.Equal(t, []string{"SYSTEM|SERVER||alice left the chat"}, waitLines(t, bobConn, 1))
}

func loginPipe(t *testing.T, r *Router, identity string, opts sessionOptions) (*Session, *pipePeer) {
	t.Helper()
	sess, peer := runPipeSession(t, r, opts)
	peer.read()
	peer.send(identity + "\n")
	for {
		if strings.HasPrefix(peer.read(), "USER_LIST|") {
			return sess, peer
		}
	}
}

func TestReadLoopForcesSender(t *testing.T) {
	r, _ := newTestRouter(t)
	_, peer := loginPipe(t, r, "alice", testSessionOptions)

	peer.send("BROADCAST|mallory||hi\n")
	assert.Equal(t, "BROADCAST|alice||hi", peer.read())
}

func TestReadLoopSurvivesBadFrames(t *testing.T) {
	r, _ := newTestRouter(t)
	opts := testSessionOptions
	opts.maxFrameSize = 32

	sess, peer := loginPipe(t, r, "alice", opts)

	peer.send("garbage\n")
	peer.send("BROADCAST|alice||" + strings.Repeat("x", 200) + "\n")
	peer.send("BROADCAST|alice||ok\n")

	assert.Equal(t, "BROADCAST|alice||ok", peer.read())
	assert.Equal(t, StateActive, sess.State())
}

func TestPeerDisconnectTearsDown(t *testing.T) {
	r, history := newTestRouter(t)
	bobConn := newMockConn()
	activeSession(t, r, "bob", bobConn, testSessionOptions)

	sess, peer := loginPipe(t, r, "alice", testSessionOptions)
	peer.conn.Close()

	waitDone(t, sess)
	lines := waitLines(t, bobConn, 2)
	assert.Equal(t, []string{"SYSTEM|SERVER||alice joined the chat", "SYSTEM|SERVER||alice left the chat"}, lines)
	_, ok := r.directory.Lookup("alice")
	assert.False(t, ok)
	assert.Len(t, history.ofKind(protocol.KindSystem), 2)
}

func TestSendAfterCloseFails(t *testing.T) {
	r, _ := newTestRouter(t)
	conn := newMockConn()
	sess := activeSession(t, r, "alice", conn, testSessionOptions)

	sess.Close()

	assert.ErrorIs(t, sess.Send(protocol.SystemMessage("late")), ErrSessionClosed)
	assert.True(t, conn.isClosed())
	assert.Empty(t, conn.lines())
}

func TestConcurrentCloseIsIdempotent(t *testing.T) {
	r, history := newTestRouter(t)
	aliceConn := newMockConn()
	activeSession(t, r, "alice", aliceConn, testSessionOptions)
	bob := activeSession(t, r, "bob", newMockConn(), testSessionOptions)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bob.Close()
			bob.Send(protocol.SystemMessage("racing send"))
		}()
	}
	wg.Wait()

	waitDone(t, bob)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"SYSTEM|SERVER||bob left the chat"}, aliceConn.lines())
	assert.Len(t, history.ofKind(protocol.KindSystem), 1)
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	r, _ := newTestRouter(t)
	opts := testSessionOptions
	opts.queueSize = 2000

	conn := newMockConn()
	sess := activeSession(t, r, "alice", conn, opts)

	const senders, perSender = 20, 50
	var wg sync.WaitGroup
	for g := 0; g < senders; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			content := strings.Repeat(string(rune('a'+g)), 100)
			for i := 0; i < perSender; i++ {
				assert.NoError(t, sess.Send(protocol.NewMessage(protocol.KindBroadcast, fmt.Sprintf("s%d", g), "", content)))
			}
		}(g)
	}
	wg.Wait()

	lines := waitLines(t, conn, senders*perSender)
	require.Len(t, lines, senders*perSender)
	for _, line := range lines {
		msg, err := protocol.Decode(line)
		require.NoError(t, err)
		require.Len(t, msg.Content, 100)
		assert.Equal(t, strings.Repeat(msg.Content[:1], 100), msg.Content, "frame bytes interleaved")
	}
}

func TestWriteFailureTearsDown(t *testing.T) {
	r, _ := newTestRouter(t)
	conn := newMockConn()
	conn.failErr = errMockWrite
	sess := activeSession(t, r, "alice", conn, testSessionOptions)

	require.NoError(t, sess.Send(protocol.SystemMessage("doomed")))

	waitDone(t, sess)
	assert.True(t, conn.isClosed())
	_, ok := r.directory.Lookup("alice")
	assert.False(t, ok)
}

func TestSendQueueFull(t *testing.T) {
	r, _ := newTestRouter(t)
	opts := testSessionOptions
	opts.queueSize = 1

	conn := newMockConn()
	conn.block = make(chan struct{})
	sess := activeSession(t, r, "alice", conn, opts)

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = sess.Send(protocol.SystemMessage("fill"))
	}
	assert.ErrorIs(t, err, ErrSendQueueFull)

	close(conn.block)
}
