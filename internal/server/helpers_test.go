package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/dmchat/internal/auth"
	"github.com/Tyrowin/dmchat/internal/config"
	"github.com/Tyrowin/dmchat/internal/directory"
	"github.com/Tyrowin/dmchat/internal/domain"
	"github.com/Tyrowin/dmchat/internal/history"
	"github.com/Tyrowin/dmchat/internal/presence"
	"github.com/Tyrowin/dmchat/internal/relay"
	"github.com/Tyrowin/dmchat/internal/store"
)

const testOrigin = "http://chat.test"

type testEnv struct {
	server   *httptest.Server
	hub      *Hub
	registry *presence.Registry
	tokens   *auth.TokenManager
	users    *store.GormUserStore
}

// newTestEnv assembles the full stack on a temporary SQLite database.
func newTestEnv(t *testing.T, customize func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.WebSocket.AllowedOrigins = []string{testOrigin}
	cfg.WebSocket.PingInterval = time.Second
	cfg.WebSocket.PongWait = 5 * time.Second
	cfg.RateLimit.Burst = 100
	cfg.Database.FilePath = filepath.Join(t.TempDir(), "chat.db")
	if customize != nil {
		customize(&cfg)
	}

	logger := zerolog.Nop()

	db, err := store.NewDB(cfg.Database, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })

	users := store.NewGormUserStore(db)
	messages := store.NewGormMessageStore(db)
	cache := directory.NewMemoryCache(time.Minute)
	t.Cleanup(func() { _ = cache.Close() })
	names := directory.New(users, cache, logger)

	hub := NewHub(logger)
	registry := presence.NewRegistry(names, func(online []domain.OnlineUser) {
		hub.Broadcast(domain.OnlineUsers{Users: online})
	})
	t.Cleanup(registry.Close)

	tokens, err := auth.NewTokenManager("test-secret", time.Hour)
	require.NoError(t, err)

	h := NewHandler(Deps{
		Hub:      hub,
		Relay:    relay.New(registry, messages, logger),
		Presence: registry,
		History:  history.New(messages, names, logger),
		Auth:     auth.NewService(users, tokens, logger),
		Tokens:   tokens,
		Users:    users,
		Config:   &cfg,
		Logger:   logger,
	})

	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(5 * time.Second) })

	srv := httptest.NewServer(h.SetupRoutes())
	t.Cleanup(srv.Close)

	return &testEnv{
		server:   srv,
		hub:      hub,
		registry: registry,
		tokens:   tokens,
		users:    users,
	}
}

func (e *testEnv) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func originHeader(origin string) http.Header {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return header
}

// dial opens a WebSocket connection and waits until the hub has it.
func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	before := e.hub.ClientCount()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(token), originHeader(testOrigin))
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		return e.hub.ClientCount() > before
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

// createUser stores an account directly and returns it.
func (e *testEnv) createUser(t *testing.T, name string) domain.User {
	t.Helper()
	u := &domain.User{UserName: name, Email: name + "@example.com", PasswordHash: "x"}
	require.NoError(t, e.users.Create(testContext(t), u))
	return *u
}

func (e *testEnv) tokenFor(t *testing.T, u domain.User) string {
	t.Helper()
	token, err := e.tokens.Issue(u)
	require.NoError(t, err)
	return token
}

func writeEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(map[string]json.RawMessage{
		"event": json.RawMessage(`"` + event + `"`),
		"data":  raw,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := domain.DecodeOutbound(raw)
	require.NoError(t, err)
	return ev
}

// readNonPresence returns the next event that is not an onlineUsers broadcast.
func readNonPresence(t *testing.T, conn *websocket.Conn) domain.Outbound {
	t.Helper()
	for {
		ev := readEvent(t, conn)
		if _, ok := ev.(domain.OnlineUsers); !ok {
			return ev
		}
	}
}

// waitOnline reads broadcasts until one lists exactly ids.
func waitOnline(t *testing.T, conn *websocket.Conn, ids ...string) []domain.OnlineUser {
	t.Helper()
	for {
		ev := readEvent(t, conn)
		online, ok := ev.(domain.OnlineUsers)
		if !ok {
			continue
		}
		got := make([]string, 0, len(online.Users))
		for _, u := range online.Users {
			got = append(got, u.ID)
		}
		if equalSets(got, ids) {
			return online.Users
		}
	}
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		if seen[s] == 0 {
			return false
		}
		seen[s]--
	}
	return true
}

func expectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, raw, err := conn.ReadMessage()
	require.Error(t, err, "expected no message, got %s", raw)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	t.Fatalf("unexpected error while waiting for absence of message: %v", err)
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(testContext(t), method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// testContext stands in for testing.T.Context (Go 1.24+): it is cancelled
// when the test's cleanups run.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
