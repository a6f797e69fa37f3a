package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Tyrowin/dmchat/internal/auth"
	"github.com/Tyrowin/dmchat/internal/domain"
	"github.com/Tyrowin/dmchat/internal/log"
	"github.com/Tyrowin/dmchat/internal/relay"
	"github.com/Tyrowin/dmchat/internal/store"
)

type registerRequest struct {
	UserName string `json:"UserName"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Message string      `json:"message"`
	Token   string      `json:"token"`
	User    userSummary `json:"user"`
}

type userSummary struct {
	ID       string `json:"id"`
	UserName string `json:"UserName"`
	Email    string `json:"email"`
}

type sendRequest struct {
	Receiver string `json:"receiver"`
	Text     string `json:"text"`
}

func summarize(u domain.User) userSummary {
	return userSummary{ID: u.ID, UserName: u.UserName, Email: u.Email}
}

// RegisterUser handles POST /api/auth/register.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.auth.Register(r.Context(), req.UserName, req.Email, req.Password)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, user)
	case errors.Is(err, auth.ErrMissingFields):
		respondError(w, http.StatusBadRequest, "All fields are required")
	case errors.Is(err, store.ErrEmailExists):
		respondError(w, http.StatusConflict, "Email already exists")
	case errors.Is(err, store.ErrUsernameExists):
		respondError(w, http.StatusConflict, "Username already exists")
	default:
		respondError(w, http.StatusInternalServerError, "Server error")
	}
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, user, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			respondError(w, http.StatusBadRequest, "Invalid credentials")
			return
		}
		respondError(w, http.StatusInternalServerError, "Server error")
		return
	}

	respondJSON(w, http.StatusOK, loginResponse{
		Message: "Login successful",
		Token:   token,
		User:    summarize(user),
	})
}

// CurrentUser handles GET /api/users/me.
func (h *Handler) CurrentUser(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.UserIDFromContext(r.Context())

	user, err := h.users.GetByID(r.Context(), me)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "User not found")
			return
		}
		l := log.Ctx(r.Context())
		l.Error().Err(err).Msg("failed to load current user")
		respondError(w, http.StatusInternalServerError, "Server error")
		return
	}

	respondJSON(w, http.StatusOK, summarize(user))
}

// ListUsers handles GET /api/users: every account except the caller.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.UserIDFromContext(r.Context())

	users, err := h.users.ListExcept(r.Context(), me)
	if err != nil {
		l := log.Ctx(r.Context())
		l.Error().Err(err).Msg("failed to list users")
		respondError(w, http.StatusInternalServerError, "Server error")
		return
	}

	out := make([]userSummary, 0, len(users))
	for _, u := range users {
		out = append(out, summarize(u))
	}
	respondJSON(w, http.StatusOK, out)
}

// OnlineUsers handles GET /api/users/online.
func (h *Handler) OnlineUsers(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.presence.Snapshot())
}

// GetMessages handles GET /api/messages?userId= and GET /api/messages/{userId}.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.UserIDFromContext(r.Context())

	other := mux.Vars(r)["userId"]
	if other == "" {
		other = r.URL.Query().Get("userId")
	}
	if other == "" {
		respondError(w, http.StatusBadRequest, "User ID is required")
		return
	}

	entries, err := h.history.GetConversation(r.Context(), me, other)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Error fetching messages")
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// SendMessage handles POST /api/messages. The message is persisted and
// pushed to the receiver if online.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.UserIDFromContext(r.Context())

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payload, err := h.relay.Deliver(r.Context(), me, req.Receiver, req.Text)
	if err != nil {
		if errors.Is(err, relay.ErrInvalidMessage) {
			respondError(w, http.StatusBadRequest, "Receiver and text are required")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to send message")
		return
	}
	respondJSON(w, http.StatusCreated, payload)
}
