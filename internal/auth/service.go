package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/dmchat/internal/domain"
	"github.com/Tyrowin/dmchat/internal/log"
	"github.com/Tyrowin/dmchat/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingFields      = errors.New("all fields are required")
)

// UserStore is the account storage used by Service.
type UserStore interface {
	Create(ctx context.Context, user *domain.User) error
	GetByEmail(ctx context.Context, email string) (domain.User, error)
}

// Service registers and authenticates users.
type Service struct {
	users  UserStore
	tokens *TokenManager
	logger zerolog.Logger
}

// NewService creates a Service.
func NewService(users UserStore, tokens *TokenManager, logger zerolog.Logger) *Service {
	return &Service{
		users:  users,
		tokens: tokens,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

// Register creates an account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, userName, email, password string) (domain.User, error) {
	userName = strings.TrimSpace(userName)
	email = strings.TrimSpace(email)
	if userName == "" || email == "" || password == "" {
		return domain.User{}, ErrMissingFields
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to hash password")
		return domain.User{}, err
	}

	user := &domain.User{
		UserName:     userName,
		Email:        email,
		PasswordHash: string(hashed),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if !errors.Is(err, store.ErrEmailExists) && !errors.Is(err, store.ErrUsernameExists) {
			s.logger.Error().Err(err).Msg("failed to create user")
		}
		return domain.User{}, err
	}

	s.logger.Info().Str(log.FieldUserID, user.ID).Msg("user registered")
	return *user, nil
}

// Login verifies credentials and returns a token for the user.
func (s *Service) Login(ctx context.Context, email, password string) (string, domain.User, error) {
	user, err := s.users.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", domain.User{}, ErrInvalidCredentials
		}
		s.logger.Error().Err(err).Msg("failed to get user by email")
		return "", domain.User{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", domain.User{}, ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldUserID, user.ID).Msg("failed to issue token")
		return "", domain.User{}, err
	}

	s.logger.Info().Str(log.FieldUserID, user.ID).Msg("user logged in")
	return token, user, nil
}
