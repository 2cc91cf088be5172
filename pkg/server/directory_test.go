package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestDirectoryRegisterAndLookup(t *testing.T) {
	r, _ := newTestRouter(t)
	d := r.directory

	alice := newSession(nextTestSessionID(), newMockConn(), "tcp", r, testSessionOptions)
	other := newSession(nextTestSessionID(), newMockConn(), "tcp", r, testSessionOptions)
	t.Cleanup(alice.Close)
	t.Cleanup(other.Close)

	assert.True(t, d.RegisterUnique("alice", alice))
	assert.False(t, d.RegisterUnique("alice", other), "identity already held")
	assert.True(t, d.RegisterUnique("bob", other))

	got, ok := d.Lookup("alice")
	assert.True(t, ok)
	assert.Same(t, alice, got)

	assert.Equal(t, []string{"alice", "bob"}, d.Identities())
	assert.Len(t, d.Sessions(), 2)
	assert.Equal(t, 2, d.Len())
}

func TestDirectoryUnregisterGuardsOwner(t *testing.T) {
	r, _ := newTestRouter(t)
	d := r.directory

	first := newSession(nextTestSessionID(), newMockConn(), "tcp", r, testSessionOptions)
	second := newSession(nextTestSessionID(), newMockConn(), "tcp", r, testSessionOptions)
	t.Cleanup(first.Close)
	t.Cleanup(second.Close)

	assert.True(t, d.RegisterUnique("alice", first))
	assert.False(t, d.Unregister("alice", second), "non-owner cannot remove the entry")

	_, ok := d.Lookup("alice")
	assert.True(t, ok)

	assert.True(t, d.Unregister("alice", first))
	assert.False(t, d.Unregister("alice", first), "second removal is a no-op")
	assert.Empty(t, d.Identities())
}

func TestDirectoryClosedHolderDoesNotBlock(t *testing.T) {
	r, _ := newTestRouter(t)
	d := r.directory

	stale := newSession(nextTestSessionID(), newMockConn(), "tcp", r, testSessionOptions)
	fresh := newSession(nextTestSessionID(), newMockConn(), "tcp", r, testSessionOptions)
	t.Cleanup(fresh.Close)

	assert.True(t, d.RegisterUnique("alice", stale))
	stale.Close()

	assert.True(t, d.RegisterUnique("alice", fresh))
	// The stale session's late removal must not evict the new holder
	assert.False(t, d.Unregister("alice", stale))
	got, _ := d.Lookup("alice")
	assert.Same(t, fresh, got)
}

func TestDirectoryIdentitiesSnapshot(t *testing.T) {
	r, _ := newTestRouter(t)
	d := r.directory

	sess := newSession(nextTestSessionID(), newMockConn(), "tcp", r, testSessionOptions)
	t.Cleanup(sess.Close)
	d.RegisterUnique("carol", sess)

	ids := d.Identities()
	d.Unregister("carol", sess)

	assert.Equal(t, []string{"carol"}, ids, "snapshot unaffected by later mutation")
	assert.Empty(t, d.Identities())
}

// Exactly one of many concurrent registrations of an identity wins
func TestDirectoryUniqueRegistrationProperty(t *testing.T) {
	initTestLoggers(t)

	rapid.Check(t, func(rt *rapid.T) {
		r, _ := newTestRouter(t)
		d := r.directory

		contenders := rapid.IntRange(2, 16).Draw(rt, "contenders")
		identities := rapid.IntRange(1, 3).Draw(rt, "identities")

		sessions := make([]*Session, contenders)
		for i := range sessions {
			sessions[i] = newSession(nextTestSessionID(), newMockConn(), "tcp", r, testSessionOptions)
		}

		wins := make([]atomic.Int32, identities)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i, sess := range sessions {
			wg.Add(1)
			go func(i int, sess *Session) {
				defer wg.Done()
				<-start
				slot := i % identities
				if d.RegisterUnique(fmt.Sprintf("user%d", slot), sess) {
					wins[slot].Add(1)
				}
			}(i, sess)
		}
		close(start)
		wg.Wait()

		for slot := range wins {
			if contenders > slot && wins[slot].Load() != 1 {
				rt.Fatalf("identity user%d had %d winners", slot, wins[slot].Load())
			}
		}
		if d.Len() != min(contenders, identities) {
			rt.Fatalf("directory has %d entries", d.Len())
		}

		for _, sess := range sessions {
			sess.Close()
		}
	})
}
