package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Tyrowin/dmchat/internal/log"
)

const bearerPrefix = "Bearer "

type ctxKey struct{}

// WithUserID stores the authenticated user id in the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserIDFromContext returns the authenticated user id.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// TokenFromRequest extracts a bearer token from the Authorization header or,
// for WebSocket handshakes, the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Middleware rejects requests without a valid bearer token and stores the
// verified user id in the request context.
func (m *TokenManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, bearerPrefix) {
			writeError(w, http.StatusUnauthorized, "No token provided")
			return
		}

		userID, err := m.Verify(strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix)))
		if err != nil {
			msg := "Invalid token"
			if errors.Is(err, ErrTokenFormat) {
				msg = "Invalid token format"
			}
			writeError(w, http.StatusForbidden, msg)
			return
		}

		ctx := WithUserID(r.Context(), userID)
		l := log.Ctx(ctx).With().Str(log.FieldUserID, userID).Logger()
		ctx = log.WithLogger(ctx, l)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}
