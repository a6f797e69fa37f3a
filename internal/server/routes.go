package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/dmchat/internal/log"
)

// SetupRoutes builds the application router wrapped in request logging,
// panic recovery and CORS.
func (h *Handler) SetupRoutes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", h.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.HealthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/ws", h.WebSocketHandler)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/register", h.RegisterUser).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", h.Login).Methods(http.MethodPost)

	protected := api.NewRoute().Subrouter()
	protected.Use(h.tokens.Middleware)
	protected.HandleFunc("/users/me", h.CurrentUser).Methods(http.MethodGet)
	protected.HandleFunc("/users/online", h.OnlineUsers).Methods(http.MethodGet)
	protected.HandleFunc("/users", h.ListUsers).Methods(http.MethodGet)
	protected.HandleFunc("/messages", h.GetMessages).Methods(http.MethodGet)
	protected.HandleFunc("/messages", h.SendMessage).Methods(http.MethodPost)
	protected.HandleFunc("/messages/{userId}", h.GetMessages).Methods(http.MethodGet)

	cors := handlers.CORS(
		handlers.AllowedOrigins(h.origins.Origins()),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		handlers.AllowCredentials(),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{h.logger}),
		handlers.PrintRecoveryStack(true),
	)

	return log.HTTPMiddleware(h.logger)(recovery(cors(r)))
}

// recoveryLogger adapts zerolog to handlers.RecoveryHandlerLogger.
type recoveryLogger struct {
	logger zerolog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error().Msg(fmt.Sprint(v...))
}
