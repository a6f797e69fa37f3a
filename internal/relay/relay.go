// Package relay implements the real-time message protocol: connections
// declare an identity, send direct messages that are persisted before they
// are delivered, and leave. Presence is delegated to a presence.Registry and
// durability to a message store.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/dmchat/internal/domain"
	"github.com/Tyrowin/dmchat/internal/log"
	"github.com/Tyrowin/dmchat/internal/presence"
)

var (
	ErrClosed           = errors.New("session closed")
	ErrIdentityMismatch = errors.New("identity mismatch")
	ErrInvalidMessage   = errors.New("invalid message")
)

// Texts carried by messageError events.
const (
	ErrTextSaveFailed       = "Failed to save message"
	ErrTextInvalidEvent     = "Invalid event"
	ErrTextInvalidUser      = "Invalid user id"
	ErrTextInvalidMessage   = "Invalid message"
	ErrTextIdentityMismatch = "Identity mismatch"
)

// MessageStore persists messages.
type MessageStore interface {
	Persist(ctx context.Context, senderID, receiverID, text string, createdAt time.Time) (domain.Message, error)
}

// Presence is the registry surface used by the relay.
type Presence interface {
	Register(userID string, conn presence.Conn) error
	Unregister(conn presence.Conn)
	Lookup(userID string) (presence.Conn, bool)
}

// Relay routes events between connections and storage.
type Relay struct {
	presence Presence
	store    MessageStore
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a Relay.
func New(p Presence, store MessageStore, logger zerolog.Logger) *Relay {
	return &Relay{
		presence: p,
		store:    store,
		logger:   logger.With().Str("component", "relay").Logger(),
		now:      time.Now,
	}
}

// Deliver persists a message from sender to receiver and pushes it to the
// receiver when online. Nothing is pushed unless persistence succeeds.
func (r *Relay) Deliver(ctx context.Context, senderID, receiverID, text string) (domain.Payload, error) {
	if senderID == "" || receiverID == "" || text == "" {
		return domain.Payload{}, ErrInvalidMessage
	}

	msg, err := r.store.Persist(ctx, senderID, receiverID, text, r.now())
	if err != nil {
		r.logger.Error().Err(err).
			Str(log.FieldUserID, senderID).
			Str(log.FieldReceiverID, receiverID).
			Msg("failed to persist message")
		return domain.Payload{}, err
	}

	payload := domain.PayloadOf(msg)

	if conn, ok := r.presence.Lookup(receiverID); ok {
		if err := conn.Push(domain.ReceiveMessage{Payload: payload}); err != nil {
			r.logger.Warn().Err(err).
				Str(log.FieldReceiverID, receiverID).
				Str(log.FieldMessageID, payload.ID).
				Msg("failed to push message to receiver")
		}
	}

	r.logger.Debug().
		Str(log.FieldUserID, senderID).
		Str(log.FieldReceiverID, receiverID).
		Str(log.FieldMessageID, payload.ID).
		Msg("message delivered")

	return payload, nil
}
