package server

import (
	"sort"
	"sync"
)

// Directory maps each online identity to the session holding it.
// Mutations are atomic; readers get point-in-time snapshots.
type Directory struct {
	entries map[string]*Session
	mu      sync.RWMutex
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{
		entries: make(map[string]*Session),
	}
}

// RegisterUnique binds identity to sess unless another live session holds it.
// An entry left behind by a closed session does not block registration.
func (d *Directory) RegisterUnique(identity string, sess *Session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.entries[identity]; ok && existing != sess && !existing.Closed() {
		return false
	}
	d.entries[identity] = sess
	return true
}

// Unregister removes identity only while it still points at sess, so a late
// teardown can never evict a newer holder of the same identity.
func (d *Directory) Unregister(identity string, sess *Session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.entries[identity] != sess {
		return false
	}
	delete(d.entries, identity)
	return true
}

// Lookup returns the session registered under identity
func (d *Directory) Lookup(identity string) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sess, ok := d.entries[identity]
	return sess, ok
}

// Identities returns a sorted snapshot of the registered identities
func (d *Directory) Identities() []string {
	d.mu.RLock()
	ids := make([]string, 0, len(d.entries))
	for id := range d.entries {
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Sessions returns a snapshot of the registered sessions for delivery
func (d *Directory) Sessions() []*Session {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sessions := make([]*Session, 0, len(d.entries))
	for _, sess := range d.entries {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Len returns the number of registered identities
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
