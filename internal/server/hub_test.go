package server

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/dmchat/internal/config"
	"github.com/Tyrowin/dmchat/internal/domain"
)

func newDetachedClient(hub *Hub, buffer int) *Client {
	ws := config.Default().WebSocket
	ws.SendBuffer = buffer
	return NewClient(nil, hub, "127.0.0.1:0", ws, config.Default().RateLimit)
}

// attach adds c to the hub without starting its pumps.
func attach(hub *Hub, c *Client) {
	hub.mutex.Lock()
	hub.clients[c] = true
	hub.mutex.Unlock()
}

func TestNewHub(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	assert.NotNil(t, hub.clients)
	assert.NotNil(t, hub.broadcast)
	assert.NotNil(t, hub.register)
	assert.NotNil(t, hub.unregister)
	assert.Zero(t, hub.ClientCount())
}

func TestNewClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newDetachedClient(hub, 4)
	other := newDetachedClient(hub, 4)

	assert.NotEmpty(t, c.ID())
	assert.NotEqual(t, c.ID(), other.ID())
	assert.Equal(t, 4, cap(c.send))
	assert.NotNil(t, c.rateLimiter)
}

func TestHandleBroadcastFansOut(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a := newDetachedClient(hub, 4)
	b := newDetachedClient(hub, 4)
	attach(hub, a)
	attach(hub, b)

	payload, err := domain.Encode(domain.OnlineUsers{Users: []domain.OnlineUser{{ID: "u1", Name: "alice"}}})
	require.NoError(t, err)
	hub.handleBroadcast(payload)

	for _, c := range []*Client{a, b} {
		select {
		case got := <-c.send:
			assert.JSONEq(t, string(payload), string(got))
		default:
			t.Fatalf("client %s got nothing", c.ID())
		}
	}
}

// TestHandleBroadcastDropsSlowClients verifies a client whose queue is full
// is removed and its queue closed.
func TestHandleBroadcastDropsSlowClients(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := newDetachedClient(hub, 1)
	fast := newDetachedClient(hub, 4)
	attach(hub, slow)
	attach(hub, fast)

	slow.send <- []byte("pending")
	hub.handleBroadcast([]byte(`{"event":"onlineUsers","data":[]}`))

	assert.Equal(t, 1, hub.ClientCount())
	assert.True(t, slow.closed)

	<-slow.send
	_, ok := <-slow.send
	assert.False(t, ok, "queue of dropped client should be closed")
	assert.Len(t, fast.send, 1)
}

func TestClientPush(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newDetachedClient(hub, 1)
	attach(hub, c)

	require.NoError(t, c.Push(domain.MessageError{Error: "Invalid event"}))
	raw := <-c.send
	ev, err := domain.DecodeOutbound(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageError{Error: "Invalid event"}, ev)

	// Full queue: the client is dropped.
	require.NoError(t, c.Push(domain.MessageError{Error: "one"}))
	assert.ErrorIs(t, c.Push(domain.MessageError{Error: "two"}), ErrSendBufferFull)
	assert.Zero(t, hub.ClientCount())

	assert.ErrorIs(t, c.Push(domain.MessageError{Error: "three"}), ErrClientClosed)
}

func TestHubShutdownWithoutClients(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	go hub.Run()

	require.NoError(t, hub.Shutdown(time.Second))

	// Nothing blocks once the hub is gone.
	assert.False(t, hub.Register(newDetachedClient(hub, 1)))
	done := make(chan struct{})
	go func() {
		hub.Broadcast(domain.OnlineUsers{})
		hub.unregisterClient(newDetachedClient(hub, 1))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub calls blocked after shutdown")
	}
}

func TestHubShutdownClosesQueues(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newDetachedClient(hub, 1)
	attach(hub, c)
	go hub.Run()

	require.NoError(t, hub.Shutdown(time.Second))

	_, ok := <-c.send
	assert.False(t, ok)
	assert.Zero(t, hub.ClientCount())
}

func TestConcurrentBroadcasts(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newDetachedClient(hub, 64)
	attach(hub, c)
	go hub.Run()
	defer func() { _ = hub.Shutdown(time.Second) }()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Broadcast(domain.OnlineUsers{})
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return len(c.send) == 10 }, time.Second, 5*time.Millisecond)
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(3, time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow(), "frame %d", i)
	}
	assert.False(t, rl.allow())

	// Degenerate settings still produce a working limiter.
	assert.True(t, newRateLimiter(0, 0).allow())
}
