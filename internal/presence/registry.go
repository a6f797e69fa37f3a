// Package presence tracks which users are reachable in real time and over
// which connection. A Registry is the single owner of that mapping: at most
// one entry exists per user id, and every mutation publishes the resulting
// online list to a notifier.
package presence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/dmchat/internal/domain"
	"github.com/Tyrowin/dmchat/internal/log"
)

var ErrInvalidUserID = errors.New("invalid user id")

const defaultLookupTimeout = 3 * time.Second

// Conn is a live, addressable connection.
type Conn interface {
	ID() string
	Push(ev domain.Outbound) error
}

// Resolver maps a user id to a display name.
type Resolver interface {
	ResolveName(ctx context.Context, userID string) (string, bool)
}

// Notifier receives every published online list. Calls are serialised and
// never carry an older list than a previous call.
type Notifier func(users []domain.OnlineUser)

type entry struct {
	userID string
	conn   Conn
	name   string
	order  uint64
}

// Registry maps user ids to connections.
type Registry struct {
	mu     sync.Mutex
	byUser map[string]*entry
	byConn map[string]*entry
	order  uint64
	seq    uint64
	closed bool

	pubMu     sync.Mutex
	published uint64

	resolver      Resolver
	notify        Notifier
	lookupTimeout time.Duration
	logger        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithLookupTimeout bounds each display-name resolution.
func WithLookupTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.lookupTimeout = d
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates an empty registry. resolver and notify may be nil.
func NewRegistry(resolver Resolver, notify Notifier, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		byUser:        make(map[string]*entry),
		byConn:        make(map[string]*entry),
		resolver:      resolver,
		notify:        notify,
		lookupTimeout: defaultLookupTimeout,
		logger:        zerolog.Nop(),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "presence").Logger()
	return r
}

// Register binds userID to conn. Any entry previously held by userID is
// replaced, and so is any other identity previously registered on conn. The
// display name is resolved in the background.
func (r *Registry) Register(userID string, conn Conn) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUserID
	}

	connID := conn.ID()

	r.mu.Lock()
	if prev, ok := r.byConn[connID]; ok && r.byUser[prev.userID] == prev {
		delete(r.byUser, prev.userID)
	}
	if stale, ok := r.byUser[userID]; ok {
		delete(r.byConn, stale.conn.ID())
	}

	r.order++
	e := &entry{userID: userID, conn: conn, order: r.order}
	r.byUser[userID] = e
	r.byConn[connID] = e

	resolve := r.resolver != nil && !r.closed
	if resolve {
		r.wg.Add(1)
	}
	users, seq := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Debug().
		Str(log.FieldUserID, userID).
		Str(log.FieldConnID, connID).
		Int(log.FieldOnline, len(users)).
		Msg("presence registered")

	r.publish(users, seq)

	if resolve {
		go r.resolve(e)
	}
	return nil
}

// Unregister removes the entry bound to conn, if any.
func (r *Registry) Unregister(conn Conn) {
	connID := conn.ID()

	r.mu.Lock()
	e, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)
	if r.byUser[e.userID] == e {
		delete(r.byUser, e.userID)
	}
	users, seq := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Debug().
		Str(log.FieldUserID, e.userID).
		Str(log.FieldConnID, connID).
		Int(log.FieldOnline, len(users)).
		Msg("presence unregistered")

	r.publish(users, seq)
}

// Lookup returns the connection currently bound to userID.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Snapshot returns the online users in registration order.
func (r *Registry) Snapshot() []domain.OnlineUser {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, _ := r.snapshotLocked()
	return users
}

// Close stops background name resolution and waits for it to finish.
// The registry remains usable afterwards, without name resolution.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

// snapshotLocked builds the online list and stamps it with a new sequence
// number. r.mu must be held.
func (r *Registry) snapshotLocked() ([]domain.OnlineUser, uint64) {
	entries := make([]*entry, 0, len(r.byUser))
	for _, e := range r.byUser {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].order < entries[j].order
	})

	users := make([]domain.OnlineUser, 0, len(entries))
	for _, e := range entries {
		name := e.name
		if name == "" {
			name = domain.FallbackName(e.userID)
		}
		users = append(users, domain.OnlineUser{ID: e.userID, Name: name})
	}

	r.seq++
	return users, r.seq
}

// publish hands users to the notifier unless a newer list was already
// published.
func (r *Registry) publish(users []domain.OnlineUser, seq uint64) {
	if r.notify == nil {
		return
	}

	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	if seq <= r.published {
		return
	}
	r.published = seq
	r.notify(users)
}

func (r *Registry) resolve(e *entry) {
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(r.ctx, r.lookupTimeout)
	name, ok := r.resolver.ResolveName(ctx, e.userID)
	cancel()
	if !ok || name == "" {
		r.logger.Debug().Str(log.FieldUserID, e.userID).Msg("display name unresolved")
		return
	}

	r.mu.Lock()
	// The entry may have been superseded or removed while the lookup ran.
	if r.byUser[e.userID] != e || e.name == name {
		r.mu.Unlock()
		return
	}
	e.name = name
	users, seq := r.snapshotLocked()
	r.mu.Unlock()

	r.publish(users, seq)
}
