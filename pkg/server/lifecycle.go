// ABOUTME: Session lifecycle state machine, kept free of any I/O
// ABOUTME: authenticating -> active -> closed, with closed terminal
package server

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/aeolun/linechat/pkg/protocol"
)

// SessionState is the lifecycle state of a session
type SessionState int32

const (
	StateAuthenticating SessionState = iota
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// canTransition reports whether from -> to is a legal move
func canTransition(from, to SessionState) bool {
	switch from {
	case StateAuthenticating:
		return to == StateActive || to == StateClosed
	case StateActive:
		return to == StateClosed
	default:
		return false
	}
}

// lifecycle holds a session's state and only permits legal transitions
type lifecycle struct {
	state atomic.Int32
}

func (l *lifecycle) Load() SessionState {
	return SessionState(l.state.Load())
}

// activate moves authenticating -> active; false if already closed
func (l *lifecycle) activate() bool {
	return l.transition(StateActive)
}

// close moves any non-closed state to closed and returns the state it left.
// The second result is false when the session was already closed.
func (l *lifecycle) close() (SessionState, bool) {
	for {
		cur := l.Load()
		if !canTransition(cur, StateClosed) {
			return cur, false
		}
		if l.state.CompareAndSwap(int32(cur), int32(StateClosed)) {
			return cur, true
		}
	}
}

func (l *lifecycle) transition(to SessionState) bool {
	for {
		cur := l.Load()
		if !canTransition(cur, to) {
			return false
		}
		if l.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// Handshake failure reasons, also used as metric labels
const (
	rejectEmpty   = "empty"
	rejectInvalid = "invalid"
	rejectTaken   = "taken"
	rejectClosed  = "closed"
)

// checkIdentity decides the outcome of the identity line a client sent.
// It returns the trimmed identity, or the message to send back and the
// reject reason when the line is unusable.
func checkIdentity(line string) (string, *protocol.Message, string) {
	identity := strings.TrimSpace(line)
	if identity == "" {
		msg := protocol.SystemMessage(protocol.InvalidIdentity)
		return "", &msg, rejectEmpty
	}
	if !protocol.ValidIdentity(identity) {
		msg := protocol.ErrorMessage(protocol.IdentityRule)
		return "", &msg, rejectInvalid
	}
	return identity, nil, ""
}

// identityTakenMessage is the reply when another session holds identity
func identityTakenMessage(identity string) protocol.Message {
	return protocol.ErrorMessage(fmt.Sprintf("Username '%s' is already taken.", identity))
}
