package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

const (
	// SystemSender is the sender name used for server-originated messages
	SystemSender = "SERVER"

	// Texts sent by the server during the session lifecycle
	IdentityPrompt  = "Enter your username:"
	InvalidIdentity = "Invalid username. Disconnecting."
	IdentityRule    = "Username must be 3-20 alphanumeric characters."
	WelcomeText     = "Welcome to Enhanced Chat Application!"
	ServerFullText  = "Server is full. Try again later."
	OnlineUsersText = "Online users: "
)

var (
	ErrRecipientRequired   = errors.New("message kind requires a recipient")
	ErrUnexpectedRecipient = errors.New("message kind does not take a recipient")
)

var identityRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{3,20}$`)

// ValidIdentity reports whether s is an acceptable display identity
func ValidIdentity(s string) bool {
	return identityRegex.MatchString(s)
}

// Message is a single routed chat message. Values are not modified after
// construction; use the With* helpers to derive a changed copy.
type Message struct {
	Kind      Kind
	Sender    string
	Recipient string // empty unless Kind.Directed()
	Content   string
	Timestamp time.Time // local creation time, never transmitted

	coerced bool // kind was unknown on the wire and defaulted to BROADCAST
}

// NewMessage creates a message stamped with the current time
func NewMessage(kind Kind, sender, recipient, content string) Message {
	return Message{
		Kind:      kind,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// SystemMessage creates a SYSTEM message from the server
func SystemMessage(content string) Message {
	return NewMessage(KindSystem, SystemSender, "", content)
}

// ErrorMessage creates an ERROR message from the server
func ErrorMessage(content string) Message {
	return NewMessage(KindError, SystemSender, "", content)
}

// UserListMessage creates the USER_LIST reply for a directory listing
func UserListMessage(content string) Message {
	return NewMessage(KindUserList, SystemSender, "", content)
}

// WithSender returns a copy of m with the sender replaced
func (m Message) WithSender(sender string) Message {
	m.Sender = sender
	return m
}

// KindCoerced reports whether the kind on the wire was unrecognised and
// decoded as BROADCAST instead
func (m Message) KindCoerced() bool {
	return m.coerced
}

// Validate checks the recipient invariant for the message kind
func (m Message) Validate() error {
	if m.Kind.Directed() && m.Recipient == "" {
		return fmt.Errorf("%s: %w", m.Kind, ErrRecipientRequired)
	}
	if !m.Kind.Directed() && m.Recipient != "" {
		return fmt.Errorf("%s: %w", m.Kind, ErrUnexpectedRecipient)
	}
	return nil
}

// Display formats the message for a human reader
func (m Message) Display() string {
	ts := m.Timestamp.Format("15:04")

	switch m.Kind {
	case KindSystem:
		return fmt.Sprintf("[%s] %s", ts, m.Content)
	case KindPrivate:
		return fmt.Sprintf("[%s] %s (private): %s", ts, m.Sender, m.Content)
	case KindJoin, KindLeave:
		return fmt.Sprintf("[%s] >>> %s", ts, m.Content)
	case KindError:
		return fmt.Sprintf("[%s] ERROR: %s", ts, m.Content)
	default:
		return fmt.Sprintf("[%s] %s: %s", ts, m.Sender, m.Content)
	}
}
