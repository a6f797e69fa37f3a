package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Tyrowin/dmchat/internal/domain"
)

// MessageStore is the append-only durable record of direct messages.
type MessageStore interface {
	Persist(ctx context.Context, senderID, receiverID, text string, createdAt time.Time) (domain.Message, error)
	Conversation(ctx context.Context, userA, userB string) ([]domain.Message, error)
}

// GormMessageStore implements MessageStore on a SQL database.
type GormMessageStore struct {
	db *gorm.DB
}

// NewGormMessageStore creates a GORM-backed message store.
func NewGormMessageStore(db *gorm.DB) *GormMessageStore {
	return &GormMessageStore{db: db}
}

// Persist inserts a new message and returns it with its assigned id.
func (s *GormMessageStore) Persist(ctx context.Context, senderID, receiverID, text string, createdAt time.Time) (domain.Message, error) {
	model := &MessageModel{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		CreatedAt:  normalizeTime(createdAt),
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return domain.Message{}, wrap("persist message", err)
	}
	return model.toDomain(), nil
}

// Conversation returns every message exchanged between userA and userB in
// either direction, oldest first.
func (s *GormMessageStore) Conversation(ctx context.Context, userA, userB string) ([]domain.Message, error) {
	var models []MessageModel
	err := s.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
			userA, userB, userB, userA).
		Order("created_at ASC").
		Order("seq ASC").
		Find(&models).Error
	if err != nil {
		return nil, wrap("query conversation", err)
	}

	out := make([]domain.Message, 0, len(models))
	for i := range models {
		out = append(out, models[i].toDomain())
	}
	return out, nil
}

// normalizeTime stores instants in UTC at millisecond precision, the
// resolution shared by every backend and by delivery payloads.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Truncate(time.Millisecond)
}
