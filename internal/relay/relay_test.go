package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/dmchat/internal/domain"
	"github.com/Tyrowin/dmchat/internal/presence"
)

type recConn struct {
	id string

	mu     sync.Mutex
	events []domain.Outbound
}

func (c *recConn) ID() string { return c.id }

func (c *recConn) Push(ev domain.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

// take returns and clears the recorded events, ignoring presence broadcasts.
func (c *recConn) take() []domain.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Outbound, 0, len(c.events))
	for _, ev := range c.events {
		if _, ok := ev.(domain.OnlineUsers); !ok {
			out = append(out, ev)
		}
	}
	c.events = nil
	return out
}

type memStore struct {
	mu   sync.Mutex
	msgs []domain.Message
	fail error
}

func (s *memStore) Persist(_ context.Context, senderID, receiverID, text string, createdAt time.Time) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return domain.Message{}, s.fail
	}
	m := domain.Message{
		ID:         fmt.Sprintf("m%d", len(s.msgs)+1),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		CreatedAt:  createdAt,
	}
	s.msgs = append(s.msgs, m)
	return m, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type fixture struct {
	registry *presence.Registry
	store    *memStore
	relay    *Relay
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := presence.NewRegistry(nil, nil)
	t.Cleanup(reg.Close)

	st := &memStore{}
	r := New(reg, st, zerolog.Nop())
	r.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return &fixture{registry: reg, store: st, relay: r}
}

// TestSendScenario walks through register, send, disconnect and a send to an
// offline receiver.
func TestSendScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	connA, connB := &recConn{id: "A"}, &recConn{id: "B"}
	a := f.relay.Connect(connA, "")
	b := f.relay.Connect(connB, "")
	assert.Equal(t, StateConnected, a.State())

	require.NoError(t, a.Handle(ctx, domain.Register{UserID: "u1"}))
	require.NoError(t, b.Handle(ctx, domain.Register{UserID: "u2"}))
	assert.Equal(t, StateIdentified, a.State())
	assert.Equal(t, "u1", a.UserID())

	require.NoError(t, a.Handle(ctx, domain.Send{SenderID: "u1", ReceiverID: "u2", Content: "hi"}))
	require.Equal(t, 1, f.store.count())

	want := domain.Payload{ID: "m1", SenderID: "u1", ReceiverID: "u2", Content: "hi", Timestamp: 1700000000000}
	assert.Equal(t, []domain.Outbound{domain.ReceiveMessage{Payload: want}}, connB.take())
	assert.Equal(t, []domain.Outbound{
		domain.MessageSent{Payload: want},
		domain.ReceiveMessage{Payload: want},
	}, connA.take())

	require.NoError(t, b.Handle(ctx, domain.Disconnect{}))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []domain.OnlineUser{{ID: "u1", Name: "User u1"}}, f.registry.Snapshot())

	require.NoError(t, a.Handle(ctx, domain.Send{SenderID: "u1", ReceiverID: "u2", Content: "hello"}))
	assert.Equal(t, 2, f.store.count())
	assert.Empty(t, connB.take(), "offline receiver must not be pushed to")
	assert.Len(t, connA.take(), 2)
}

// TestSendPersistenceFailure verifies that a failed write produces only a
// messageError to the sender.
func TestSendPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.fail = errors.New("disk on fire")

	connA, connB := &recConn{id: "A"}, &recConn{id: "B"}
	a := f.relay.Connect(connA, "")
	b := f.relay.Connect(connB, "")
	require.NoError(t, a.Handle(ctx, domain.Register{UserID: "u1"}))
	require.NoError(t, b.Handle(ctx, domain.Register{UserID: "u2"}))

	err := a.Handle(ctx, domain.Send{SenderID: "u1", ReceiverID: "u2", Content: "hi"})
	require.Error(t, err)

	assert.Equal(t, []domain.Outbound{domain.MessageError{Error: ErrTextSaveFailed}}, connA.take())
	assert.Empty(t, connB.take())
}

func TestRegisterMalformed(t *testing.T) {
	f := newFixture(t)
	conn := &recConn{id: "A"}
	s := f.relay.Connect(conn, "")

	err := s.Handle(context.Background(), domain.Register{UserID: ""})
	assert.ErrorIs(t, err, presence.ErrInvalidUserID)
	assert.Equal(t, StateConnected, s.State())
	assert.Empty(t, f.registry.Snapshot())
	assert.Equal(t, []domain.Outbound{domain.MessageError{Error: ErrTextInvalidUser}}, conn.take())
}

func TestSendInvalid(t *testing.T) {
	f := newFixture(t)
	conn := &recConn{id: "A"}
	s := f.relay.Connect(conn, "")

	for _, ev := range []domain.Send{
		{SenderID: "", ReceiverID: "u2", Content: "hi"},
		{SenderID: "u1", ReceiverID: "", Content: "hi"},
		{SenderID: "u1", ReceiverID: "u2", Content: ""},
	} {
		err := s.Handle(context.Background(), ev)
		assert.ErrorIs(t, err, ErrInvalidMessage)
	}
	assert.Zero(t, f.store.count())
	assert.Len(t, conn.take(), 3)
}

// TestSendWhitespaceContentIsDelivered verifies only empty content is
// refused; any other text is stored verbatim.
func TestSendWhitespaceContentIsDelivered(t *testing.T) {
	f := newFixture(t)
	conn := &recConn{id: "A"}
	s := f.relay.Connect(conn, "")

	require.NoError(t, s.Handle(context.Background(), domain.Send{SenderID: "u1", ReceiverID: "u2", Content: "   "}))
	assert.Equal(t, 1, f.store.count())

	events := conn.take()
	require.Len(t, events, 2)
	sent, ok := events[0].(domain.MessageSent)
	require.True(t, ok)
	assert.Equal(t, "   ", sent.Content)
}

// TestVerifiedIdentityEnforced verifies an authenticated connection cannot
// register or send as somebody else.
func TestVerifiedIdentityEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := &recConn{id: "A"}
	s := f.relay.Connect(conn, "u1")

	assert.ErrorIs(t, s.Handle(ctx, domain.Register{UserID: "u2"}), ErrIdentityMismatch)
	assert.ErrorIs(t, s.Handle(ctx, domain.Send{SenderID: "u2", ReceiverID: "u3", Content: "x"}), ErrIdentityMismatch)
	assert.Zero(t, f.store.count())
	assert.Empty(t, f.registry.Snapshot())
	assert.Equal(t, []domain.Outbound{
		domain.MessageError{Error: ErrTextIdentityMismatch},
		domain.MessageError{Error: ErrTextIdentityMismatch},
	}, conn.take())

	require.NoError(t, s.Handle(ctx, domain.Register{UserID: "u1"}))
	assert.Equal(t, StateIdentified, s.State())
}

// TestSendFromUnidentifiedConnection verifies sends are not rejected before
// registration.
func TestSendFromUnidentifiedConnection(t *testing.T) {
	f := newFixture(t)
	conn := &recConn{id: "A"}
	s := f.relay.Connect(conn, "")

	require.NoError(t, s.Handle(context.Background(), domain.Send{SenderID: "u1", ReceiverID: "u2", Content: "hi"}))
	assert.Equal(t, 1, f.store.count())
	assert.Len(t, conn.take(), 2)
	assert.Equal(t, StateConnected, s.State())
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	conn := &recConn{id: "A"}
	s := f.relay.Connect(conn, "")
	require.NoError(t, s.Handle(context.Background(), domain.Register{UserID: "u1"}))

	s.Close()
	s.Close()
	assert.Empty(t, f.registry.Snapshot())
	assert.ErrorIs(t, s.Handle(context.Background(), domain.Register{UserID: "u1"}), ErrClosed)
	assert.Empty(t, f.registry.Snapshot())
}

// TestSupersededConnectionCloseKeepsNewEntry verifies that when a user
// reconnects, closing the old connection leaves the new one online.
func TestSupersededConnectionCloseKeepsNewEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oldConn, newConn := &recConn{id: "old"}, &recConn{id: "new"}
	oldSession := f.relay.Connect(oldConn, "")
	newSession := f.relay.Connect(newConn, "")
	require.NoError(t, oldSession.Handle(ctx, domain.Register{UserID: "u1"}))
	require.NoError(t, newSession.Handle(ctx, domain.Register{UserID: "u1"}))

	oldSession.Close()

	conn, ok := f.registry.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, "new", conn.ID())
}

func TestDeliverPushesOnlyToReceiver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	connB := &recConn{id: "B"}
	require.NoError(t, f.relay.Connect(connB, "").Handle(ctx, domain.Register{UserID: "u2"}))

	payload, err := f.relay.Deliver(ctx, "u1", "u2", "over http")
	require.NoError(t, err)
	assert.Equal(t, "over http", payload.Content)
	assert.Equal(t, []domain.Outbound{domain.ReceiveMessage{Payload: payload}}, connB.take())
}

func TestRejectReportsInvalidEvent(t *testing.T) {
	f := newFixture(t)
	conn := &recConn{id: "A"}
	f.relay.Connect(conn, "").Reject(domain.ErrUnknownEvent)
	assert.Equal(t, []domain.Outbound{domain.MessageError{Error: ErrTextInvalidEvent}}, conn.take())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "identified", StateIdentified.String())
	assert.Equal(t, "closed", StateClosed.String())
}
