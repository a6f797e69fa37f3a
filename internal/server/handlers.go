package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/dmchat/internal/auth"
	"github.com/Tyrowin/dmchat/internal/config"
	"github.com/Tyrowin/dmchat/internal/domain"
	"github.com/Tyrowin/dmchat/internal/history"
	"github.com/Tyrowin/dmchat/internal/log"
	"github.com/Tyrowin/dmchat/internal/relay"
)

// UserStore is the account lookup used by the REST API.
type UserStore interface {
	GetByID(ctx context.Context, id string) (domain.User, error)
	ListExcept(ctx context.Context, id string) ([]domain.User, error)
}

// Presence exposes the current online list.
type Presence interface {
	Snapshot() []domain.OnlineUser
}

// Deps are the collaborators served by the HTTP handlers.
type Deps struct {
	Hub      *Hub
	Relay    *relay.Relay
	Presence Presence
	History  *history.Service
	Auth     *auth.Service
	Tokens   *auth.TokenManager
	Users    UserStore
	Config   *config.Config
	Logger   zerolog.Logger
}

// Handler serves the WebSocket endpoint and the REST API.
type Handler struct {
	hub      *Hub
	relay    *relay.Relay
	presence Presence
	history  *history.Service
	auth     *auth.Service
	tokens   *auth.TokenManager
	users    UserStore

	ws           config.WebSocketConfig
	rateLimit    config.RateLimitConfig
	requireToken bool
	origins      *OriginChecker
	upgrader     websocket.Upgrader
	logger       zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	origins := NewOriginChecker(d.Config.WebSocket.AllowedOrigins, d.Logger)

	return &Handler{
		hub:          d.Hub,
		relay:        d.Relay,
		presence:     d.Presence,
		history:      d.History,
		auth:         d.Auth,
		tokens:       d.Tokens,
		users:        d.Users,
		ws:           d.Config.WebSocket,
		rateLimit:    d.Config.RateLimit,
		requireToken: d.Config.Auth.RequireWebSocketToken,
		origins:      origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.Check,
		},
		logger: d.Logger,
	}
}

// WebSocketHandler authenticates and upgrades a connection, then hands the
// new client to the hub, which starts its pumps.
func (h *Handler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	l := log.Ctx(r.Context())

	var userID string
	if token := auth.TokenFromRequest(r); token != "" {
		id, err := h.tokens.Verify(token)
		if err != nil {
			l.Warn().Err(err).Msg("rejected WebSocket handshake with invalid token")
			respondError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		userID = id
	} else if h.requireToken {
		respondError(w, http.StatusUnauthorized, "No token provided")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr, h.ws, h.rateLimit)
	client.session = h.relay.Connect(client, userID)

	if !h.hub.Register(client) {
		_ = conn.Close()
	}
}

// HealthHandler provides a plain text liveness check.
func (h *Handler) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat server is running!")
}

// HealthzHandler reports status as JSON.
func (h *Handler) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": h.hub.ClientCount(),
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := log.L()
		l.Warn().Err(err).Msg("failed to write JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"message": message})
}
