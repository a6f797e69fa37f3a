package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Tyrowin/dmchat/internal/auth"
	"github.com/Tyrowin/dmchat/internal/config"
	"github.com/Tyrowin/dmchat/internal/directory"
	"github.com/Tyrowin/dmchat/internal/domain"
	"github.com/Tyrowin/dmchat/internal/history"
	"github.com/Tyrowin/dmchat/internal/log"
	"github.com/Tyrowin/dmchat/internal/presence"
	"github.com/Tyrowin/dmchat/internal/relay"
	"github.com/Tyrowin/dmchat/internal/server"
	"github.com/Tyrowin/dmchat/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dmchat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configFile string
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	log.Init(cfg.Log)
	logger := log.L()
	logger.Info().Str("addr", cfg.Server.Addr()).Msg("starting chat server")

	db, err := store.NewDB(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeDB(db, logger)

	users := store.NewGormUserStore(db)

	messages, cassandra, err := openMessageStore(cfg, db)
	if err != nil {
		return err
	}
	if cassandra != nil {
		defer cassandra.Close()
	}

	cache, err := openNameCache(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing name cache")
		}
	}()
	names := directory.New(users, cache, logger)

	hub := server.NewHub(logger)
	registry := presence.NewRegistry(names, func(online []domain.OnlineUser) {
		hub.Broadcast(domain.OnlineUsers{Users: online})
	},
		presence.WithLookupTimeout(cfg.Directory.LookupTimeout),
		presence.WithLogger(logger),
	)
	defer registry.Close()

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret, err = randomSecret()
		if err != nil {
			return err
		}
		logger.Warn().Msg("no JWT secret configured; using a random secret, tokens will not survive a restart")
	}
	tokens, err := auth.NewTokenManager(secret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	handler := server.NewHandler(server.Deps{
		Hub:      hub,
		Relay:    relay.New(registry, messages, logger),
		Presence: registry,
		History:  history.New(messages, names, logger),
		Auth:     auth.NewService(users, tokens, logger),
		Tokens:   tokens,
		Users:    users,
		Config:   cfg,
		Logger:   logger,
	})

	go hub.Run()

	httpServer := server.CreateServer(cfg.Server, handler.SetupRoutes())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(httpServer)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("server failed")
		}
		_ = hub.Shutdown(cfg.Server.ShutdownTimeout)
		return err
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	if err := hub.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn().Err(err).Msg("hub did not shut down cleanly")
	}
	if err := server.ShutdownServer(httpServer, cfg.Server.ShutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("HTTP server did not shut down cleanly")
	}

	logger.Info().Msg("server stopped")
	return nil
}

// openMessageStore returns the configured message store. The Cassandra
// session is returned so the caller can close it.
func openMessageStore(cfg *config.Config, db *gorm.DB) (store.MessageStore, *gocql.Session, error) {
	switch cfg.MessageStore.Backend {
	case "", "sql":
		return store.NewGormMessageStore(db), nil, nil
	case "cassandra":
		session, err := store.NewCassandraSession(cfg.Cassandra)
		if err != nil {
			return nil, nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s := store.NewCassandraMessageStore(session)
		if err := s.EnsureSchema(ctx); err != nil {
			session.Close()
			return nil, nil, err
		}
		return s, session, nil
	default:
		return nil, nil, fmt.Errorf("unsupported message store backend %q", cfg.MessageStore.Backend)
	}
}

func openNameCache(cfg *config.Config) (directory.NameCache, error) {
	switch cfg.Directory.Cache {
	case "", "memory":
		return directory.NewMemoryCache(cfg.Directory.TTL), nil
	case "redis":
		return directory.NewRedisCache(cfg.Redis, cfg.Directory.TTL)
	default:
		return nil, fmt.Errorf("unsupported directory cache %q", cfg.Directory.Cache)
	}
}

func closeDB(db *gorm.DB, logger zerolog.Logger) {
	if err := store.Close(db); err != nil {
		logger.Warn().Err(err).Msg("error closing database")
	}
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate JWT secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
