// Package history rebuilds the transcript of a two-person conversation from
// the message store.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/dmchat/internal/domain"
	"github.com/Tyrowin/dmchat/internal/log"
)

var ErrMissingUser = errors.New("user id is required")

// MessageStore reads conversations.
type MessageStore interface {
	Conversation(ctx context.Context, userA, userB string) ([]domain.Message, error)
}

// Resolver maps a user id to a display name.
type Resolver interface {
	ResolveName(ctx context.Context, userID string) (string, bool)
}

// Service answers conversation queries.
type Service struct {
	store  MessageStore
	names  Resolver
	logger zerolog.Logger
}

// New creates a Service. names may be nil, leaving names empty.
func New(store MessageStore, names Resolver, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		names:  names,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// GetConversation returns every message exchanged between userA and userB,
// oldest first, with both participants' names attached. A pair that never
// talked yields an empty, non-nil slice.
func (s *Service) GetConversation(ctx context.Context, userA, userB string) ([]domain.TranscriptEntry, error) {
	if userA == "" || userB == "" {
		return nil, ErrMissingUser
	}

	msgs, err := s.store.Conversation(ctx, userA, userB)
	if err != nil {
		s.logger.Error().Err(err).
			Str(log.FieldUserID, userA).
			Str(log.FieldReceiverID, userB).
			Msg("failed to query conversation")
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	names := map[string]string{
		userA: s.resolve(ctx, userA),
		userB: s.resolve(ctx, userB),
	}

	out := make([]domain.TranscriptEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, domain.TranscriptEntry{
			Payload:      domain.PayloadOf(m),
			SenderName:   names[m.SenderID],
			ReceiverName: names[m.ReceiverID],
		})
	}
	return out, nil
}

func (s *Service) resolve(ctx context.Context, userID string) string {
	if s.names == nil {
		return ""
	}
	name, _ := s.names.ResolveName(ctx, userID)
	return name
}
