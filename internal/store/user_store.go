package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Tyrowin/dmchat/internal/domain"
)

// GormUserStore persists user accounts.
type GormUserStore struct {
	db *gorm.DB
}

// NewGormUserStore creates a GORM-backed user store.
func NewGormUserStore(db *gorm.DB) *GormUserStore {
	return &GormUserStore{db: db}
}

// Create inserts a new user, assigning its id and creation time.
func (s *GormUserStore) Create(ctx context.Context, user *domain.User) error {
	user.ID = uuid.NewString()

	model := &UserModel{
		ID:           user.ID,
		UserName:     user.UserName,
		Email:        user.Email,
		PasswordHash: user.PasswordHash,
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return handleUserError("create user", err)
	}

	user.CreatedAt = model.CreatedAt
	return nil
}

// GetByID retrieves a user by id.
func (s *GormUserStore) GetByID(ctx context.Context, id string) (domain.User, error) {
	return s.first(ctx, "get user", "id = ?", id)
}

// GetByEmail retrieves a user by email.
func (s *GormUserStore) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	return s.first(ctx, "get user by email", "email = ?", email)
}

// ListExcept returns every user other than id, ordered by name.
func (s *GormUserStore) ListExcept(ctx context.Context, id string) ([]domain.User, error) {
	var models []UserModel
	err := s.db.WithContext(ctx).
		Where("id <> ?", id).
		Order("user_name ASC").
		Find(&models).Error
	if err != nil {
		return nil, wrap("list users", err)
	}

	out := make([]domain.User, 0, len(models))
	for i := range models {
		out = append(out, models[i].toDomain())
	}
	return out, nil
}

func (s *GormUserStore) first(ctx context.Context, op, query string, arg any) (domain.User, error) {
	var model UserModel
	err := s.db.WithContext(ctx).First(&model, query, arg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, ErrNotFound
		}
		return domain.User{}, wrap(op, err)
	}
	return model.toDomain(), nil
}

// handleUserError converts unique-constraint violations into domain errors.
func handleUserError(op string, err error) error {
	msg := err.Error()

	// PostgreSQL and SQLite report "duplicate key" / "UNIQUE constraint",
	// MySQL reports "Duplicate entry".
	if strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "Duplicate entry") {
		switch {
		case strings.Contains(msg, "email"):
			return ErrEmailExists
		case strings.Contains(msg, "user_name"):
			return ErrUsernameExists
		}
	}
	return wrap(op, err)
}
