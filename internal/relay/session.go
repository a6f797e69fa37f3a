package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/dmchat/internal/domain"
	"github.com/Tyrowin/dmchat/internal/log"
	"github.com/Tyrowin/dmchat/internal/presence"
)

// State is the lifecycle stage of a connection.
type State int

const (
	StateConnected State = iota
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is the protocol state of one connection. Events must be handed to
// it in arrival order; Close may be called from any goroutine.
type Session struct {
	relay      *Relay
	conn       presence.Conn
	verifiedID string
	logger     zerolog.Logger

	mu     sync.Mutex
	state  State
	userID string
}

// Connect starts a session for conn. verifiedID is the authenticated user
// behind the connection, or empty when the transport did not authenticate.
// When set, the session refuses to act for any other user.
func (r *Relay) Connect(conn presence.Conn, verifiedID string) *Session {
	l := r.logger.With().Str(log.FieldConnID, conn.ID())
	if verifiedID != "" {
		l = l.Str(log.FieldUserID, verifiedID)
	}

	return &Session{
		relay:      r,
		conn:       conn,
		verifiedID: verifiedID,
		logger:     l.Logger(),
		state:      StateConnected,
	}
}

// State reports the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID reports the registered identity, if any.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Handle processes one inbound event. Failures are reported to the client
// as messageError events; the returned error is informational.
func (s *Session) Handle(ctx context.Context, ev domain.Inbound) error {
	if s.State() == StateClosed {
		return ErrClosed
	}

	switch e := ev.(type) {
	case domain.Register:
		return s.register(e)
	case domain.Send:
		return s.send(ctx, e)
	case domain.Disconnect:
		s.Close()
		return nil
	default:
		return fmt.Errorf("%w: %T", domain.ErrUnknownEvent, ev)
	}
}

// Reject tells the client a frame could not be understood.
func (s *Session) Reject(err error) {
	s.logger.Debug().Err(err).Msg("rejected inbound frame")
	s.fail(ErrTextInvalidEvent)
}

// Close ends the session and removes its presence. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.relay.presence.Unregister(s.conn)
	s.logger.Debug().Msg("session closed")
}

func (s *Session) register(e domain.Register) error {
	if s.verifiedID != "" && e.UserID != s.verifiedID {
		s.fail(ErrTextIdentityMismatch)
		return ErrIdentityMismatch
	}

	if err := s.relay.presence.Register(e.UserID, s.conn); err != nil {
		if errors.Is(err, presence.ErrInvalidUserID) {
			s.fail(ErrTextInvalidUser)
		}
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		// Close ran while registering; drop the entry it could not see.
		s.relay.presence.Unregister(s.conn)
		return ErrClosed
	}
	s.state = StateIdentified
	s.userID = e.UserID
	s.mu.Unlock()

	s.logger.Debug().Str(log.FieldUserID, e.UserID).Msg("session identified")
	return nil
}

func (s *Session) send(ctx context.Context, e domain.Send) error {
	if s.verifiedID != "" && e.SenderID != s.verifiedID {
		s.fail(ErrTextIdentityMismatch)
		return ErrIdentityMismatch
	}

	payload, err := s.relay.Deliver(ctx, e.SenderID, e.ReceiverID, e.Content)
	if err != nil {
		if errors.Is(err, ErrInvalidMessage) {
			s.fail(ErrTextInvalidMessage)
		} else {
			s.fail(ErrTextSaveFailed)
		}
		return err
	}

	s.push(domain.MessageSent{Payload: payload})
	s.push(domain.ReceiveMessage{Payload: payload})
	return nil
}

func (s *Session) fail(text string) {
	s.push(domain.MessageError{Error: text})
}

func (s *Session) push(ev domain.Outbound) {
	if err := s.conn.Push(ev); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldEvent, ev.EventName()).Msg("failed to push event")
	}
}
