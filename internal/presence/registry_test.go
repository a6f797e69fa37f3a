package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/dmchat/internal/domain"
)

type fakeConn struct {
	id string
}

func (c *fakeConn) ID() string                 { return c.id }
func (c *fakeConn) Push(domain.Outbound) error { return nil }

// mapResolver resolves from a fixed table.
type mapResolver map[string]string

func (m mapResolver) ResolveName(_ context.Context, id string) (string, bool) {
	name, ok := m[id]
	return name, ok
}

// gateResolver blocks every lookup until release is closed or the context ends.
type gateResolver struct {
	release chan struct{}
	started chan string
	name    string
}

func newGateResolver(name string) *gateResolver {
	return &gateResolver{release: make(chan struct{}), started: make(chan string, 16), name: name}
}

func (g *gateResolver) ResolveName(ctx context.Context, id string) (string, bool) {
	g.started <- id
	select {
	case <-g.release:
		return g.name, true
	case <-ctx.Done():
		return "", false
	}
}

type recorder struct {
	mu    sync.Mutex
	calls [][]domain.OnlineUser
}

func (r *recorder) notify(users []domain.OnlineUser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, users)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) last() []domain.OnlineUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

// TestRegisterKeepsOneEntryPerUser verifies that repeated registrations of
// one user leave a single entry bound to the last connection.
func TestRegisterKeepsOneEntryPerUser(t *testing.T) {
	r := NewRegistry(nil, nil)
	defer r.Close()

	conns := []*fakeConn{{id: "c1"}, {id: "c2"}, {id: "c3"}}
	for _, c := range conns {
		require.NoError(t, r.Register("u1", c))
	}

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "u1", snap[0].ID)

	got, ok := r.Lookup("u1")
	require.True(t, ok)
	assert.Same(t, conns[2], got)

	// The superseded connections no longer own any entry.
	r.Unregister(conns[0])
	r.Unregister(conns[1])
	_, ok = r.Lookup("u1")
	assert.True(t, ok, "unregistering a superseded connection must not remove the live entry")
}

// TestUnregisterIsIdempotent verifies cleanup on disconnect and that repeated
// or unknown unregistrations change nothing.
func TestUnregisterIsIdempotent(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(nil, rec.notify)
	defer r.Close()

	a, b := &fakeConn{id: "a"}, &fakeConn{id: "b"}
	require.NoError(t, r.Register("u1", a))
	require.NoError(t, r.Register("u2", b))

	r.Unregister(b)
	assert.Equal(t, []domain.OnlineUser{{ID: "u1", Name: "User u1"}}, r.Snapshot())
	calls := rec.count()

	r.Unregister(b)
	r.Unregister(&fakeConn{id: "unknown"})
	assert.Equal(t, calls, rec.count(), "no-op unregistrations must not broadcast")
	assert.Len(t, r.Snapshot(), 1)

	_, ok := r.Lookup("u2")
	assert.False(t, ok)
}

func TestRegisterRejectsEmptyUserID(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(nil, rec.notify)
	defer r.Close()

	assert.ErrorIs(t, r.Register("", &fakeConn{id: "c"}), ErrInvalidUserID)
	assert.ErrorIs(t, r.Register("   ", &fakeConn{id: "c"}), ErrInvalidUserID)
	assert.Empty(t, r.Snapshot())
	assert.Zero(t, rec.count())
}

// TestConnectionChangesIdentity verifies one connection maps to one user.
func TestConnectionChangesIdentity(t *testing.T) {
	r := NewRegistry(nil, nil)
	defer r.Close()

	c := &fakeConn{id: "c"}
	require.NoError(t, r.Register("u1", c))
	require.NoError(t, r.Register("u2", c))

	assert.Equal(t, []domain.OnlineUser{{ID: "u2", Name: "User u2"}}, r.Snapshot())

	r.Unregister(c)
	assert.Empty(t, r.Snapshot())
}

// TestSnapshotResolvesNames verifies names are filled in asynchronously and
// that a resolution triggers a fresh broadcast.
func TestSnapshotResolvesNames(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(mapResolver{"u1": "Alice"}, rec.notify)
	defer r.Close()

	require.NoError(t, r.Register("u1", &fakeConn{id: "a"}))
	require.NoError(t, r.Register("u2", &fakeConn{id: "b"}))

	want := []domain.OnlineUser{{ID: "u1", Name: "Alice"}, {ID: "u2", Name: "User u2"}}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, rec.last())
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, r.Snapshot())
}

// TestStaleResolutionDoesNotResurrect verifies that a lookup finishing after
// its entry was removed leaves the registry untouched.
func TestStaleResolutionDoesNotResurrect(t *testing.T) {
	rec := &recorder{}
	res := newGateResolver("Alice")
	r := NewRegistry(res, rec.notify)
	defer r.Close()

	c := &fakeConn{id: "a"}
	require.NoError(t, r.Register("u1", c))
	<-res.started

	r.Unregister(c)
	calls := rec.count()
	close(res.release)

	// Close waits for the resolution goroutine to finish.
	r.Close()
	assert.Empty(t, r.Snapshot())
	assert.Equal(t, calls, rec.count())
}

// TestStaleResolutionAfterSupersede verifies that a lookup started for a
// superseded entry does not rename the replacement.
func TestStaleResolutionAfterSupersede(t *testing.T) {
	first := newGateResolver("Old")
	r := NewRegistry(first, nil)

	require.NoError(t, r.Register("u1", &fakeConn{id: "a"}))
	<-first.started
	require.NoError(t, r.Register("u1", &fakeConn{id: "b"}))
	<-first.started

	close(first.release)
	r.Close()

	// Only the second lookup may apply; both return "Old", so the live
	// entry is resolved exactly once and bound to b.
	conn, ok := r.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, "b", conn.ID())
	assert.Equal(t, []domain.OnlineUser{{ID: "u1", Name: "Old"}}, r.Snapshot())
}

// TestCloseCancelsResolution verifies Close does not wait for lookups that
// never complete on their own.
func TestCloseCancelsResolution(t *testing.T) {
	res := newGateResolver("never")
	r := NewRegistry(res, nil, WithLookupTimeout(time.Hour))

	require.NoError(t, r.Register("u1", &fakeConn{id: "a"}))
	<-res.started

	done := make(chan struct{})
	go func() {
		r.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, "User u1", r.Snapshot()[0].Name)
}

// TestConcurrentRegisterUnregister exercises the registry from many
// goroutines and checks the final state against what is still connected.
func TestConcurrentRegisterUnregister(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(mapResolver{}, rec.notify)
	defer r.Close()

	const users = 20
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("u%d", i)
			for j := 0; j < 10; j++ {
				c := &fakeConn{id: fmt.Sprintf("%s-c%d", userID, j)}
				_ = r.Register(userID, c)
				if j%2 == 0 {
					r.Unregister(c)
				}
			}
		}(i)
	}
	wg.Wait()

	snap := r.Snapshot()
	require.Len(t, snap, users)
	seen := make(map[string]bool)
	for _, u := range snap {
		assert.False(t, seen[u.ID], "duplicate entry for %s", u.ID)
		seen[u.ID] = true
		conn, ok := r.Lookup(u.ID)
		require.True(t, ok)
		assert.Equal(t, u.ID+"-c9", conn.ID())
	}

	// The last published list reflects the final state.
	assert.ElementsMatch(t, snap, rec.last())
}
