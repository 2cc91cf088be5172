package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aeolun/linechat/pkg/protocol"
)

// Router implements broadcast, directed delivery and directory listing.
// It is the only component that iterates sessions for delivery.
type Router struct {
	directory *Directory
	history   HistorySink
	metrics   *Metrics
}

// NewRouter creates a router over dir. A nil history discards messages.
func NewRouter(dir *Directory, history HistorySink, metrics *Metrics) *Router {
	if history == nil {
		history = NopHistory{}
	}
	return &Router{
		directory: dir,
		history:   history,
		metrics:   metrics,
	}
}

// deliver queues msg on sess. A session that cannot keep up is torn down
// in the background; the caller never waits on it.
func (r *Router) deliver(sess *Session, msg protocol.Message) bool {
	err := sess.Send(msg)
	switch {
	case err == nil:
		r.metrics.RecordMessageSent(msg.Kind.String())
		return true
	case errors.Is(err, ErrSendQueueFull):
		errorLog.Printf("Session %d (%s) send queue full, disconnecting", sess.ID, sess.Identity())
		r.metrics.RecordDeliveryFailure("queue_full")
		go sess.Close()
	default:
		r.metrics.RecordDeliveryFailure("closed")
	}
	return false
}

// Broadcast delivers msg to every registered session, then records it once
func (r *Router) Broadcast(msg protocol.Message) int {
	start := time.Now()

	sessions := r.directory.Sessions()
	delivered := 0
	for _, sess := range sessions {
		if r.deliver(sess, msg) {
			delivered++
		}
	}

	r.metrics.RecordBroadcast(delivered, time.Since(start))
	r.history.Append(msg)
	return delivered
}

// SendDirected delivers msg to its recipient and echoes it to the sender.
// An unknown recipient produces an ERROR for the sender only and nothing
// is recorded.
func (r *Router) SendDirected(from *Session, msg protocol.Message) {
	if msg.Recipient == "" {
		r.deliver(from, protocol.ErrorMessage("Private message requires a recipient."))
		return
	}

	recipient, ok := r.directory.Lookup(msg.Recipient)
	if !ok {
		r.metrics.RecordUnreachableRecipient()
		r.deliver(from, protocol.ErrorMessage(fmt.Sprintf("User '%s' is not online.", msg.Recipient)))
		return
	}

	r.deliver(recipient, msg)
	r.deliver(from, msg)
	r.history.Append(msg)
}

// SendDirectoryListing sends the sorted online identities to sess only
func (r *Router) SendDirectoryListing(sess *Session) {
	ids := r.directory.Identities()
	r.deliver(sess, protocol.UserListMessage(protocol.OnlineUsersText+strings.Join(ids, ", ")))
}

// Dispatch routes one decoded message from an active session
func (r *Router) Dispatch(sess *Session, msg protocol.Message) {
	r.metrics.RecordMessageReceived(msg.Kind.String())
	if msg.KindCoerced() {
		debugLog.Printf("Session %d sent unknown kind, routing as %s", sess.ID, msg.Kind)
		r.metrics.RecordCoercedKind()
	}

	switch msg.Kind {
	case protocol.KindBroadcast:
		msg.Recipient = ""
		r.Broadcast(msg)
	case protocol.KindPrivate:
		r.SendDirected(sess, msg)
	case protocol.KindUserList:
		r.SendDirectoryListing(sess)
	case protocol.KindLeave:
		debugLog.Printf("Session %d (%s) left", sess.ID, sess.Identity())
		sess.Close()
	default:
		debugLog.Printf("Session %d: no route for %s, dropping", sess.ID, msg.Kind)
		r.metrics.RecordMessageDropped(msg.Kind.String())
	}
}

// Joined announces a freshly registered session and greets it
func (r *Router) Joined(sess *Session) {
	identity := sess.Identity()
	r.metrics.RecordOnlineIdentities(r.directory.Len())
	r.Broadcast(protocol.SystemMessage(identity + " joined the chat"))
	r.deliver(sess, protocol.SystemMessage(protocol.WelcomeText))
	r.SendDirectoryListing(sess)
}

// Left announces that identity is gone. The session has already been
// removed from the directory so it does not receive its own notice.
func (r *Router) Left(identity string) {
	r.metrics.RecordOnlineIdentities(r.directory.Len())
	r.Broadcast(protocol.SystemMessage(identity + " left the chat"))
}
