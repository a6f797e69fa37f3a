package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Event names on the wire.
const (
	EventRegister   = "register"
	EventSend       = "send"
	EventDisconnect = "disconnect"

	// Names emitted by existing clients for the same inbound events.
	EventAddUser     = "addUser"
	EventSendMessage = "sendMessage"

	EventOnlineUsers    = "onlineUsers"
	EventReceiveMessage = "receiveMessage"
	EventMessageSent    = "messageSent"
	EventMessageError   = "messageError"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event")
)

// Inbound is an event sent by a client. The set of implementations is
// closed: Register, Send and Disconnect.
type Inbound interface {
	inbound()
}

// Register declares the identity behind a connection.
type Register struct {
	UserID string
}

// Send asks the relay to persist and deliver a direct message.
type Send struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// Disconnect ends the connection's session.
type Disconnect struct{}

func (Register) inbound()   {}
func (Send) inbound()       {}
func (Disconnect) inbound() {}

// Outbound is an event pushed to a client. The set of implementations is
// closed: OnlineUsers, ReceiveMessage, MessageSent and MessageError.
type Outbound interface {
	EventName() string
	outbound()
}

// OnlineUsers carries the full presence snapshot.
type OnlineUsers struct {
	Users []OnlineUser
}

// ReceiveMessage appends a message to the receiving thread.
type ReceiveMessage struct {
	Payload
}

// MessageSent confirms to the sender that a message was persisted.
type MessageSent struct {
	Payload
}

// MessageError reports to the sender that an event had no effect.
type MessageError struct {
	Error string `json:"error"`
}

func (OnlineUsers) EventName() string    { return EventOnlineUsers }
func (ReceiveMessage) EventName() string { return EventReceiveMessage }
func (MessageSent) EventName() string    { return EventMessageSent }
func (MessageError) EventName() string   { return EventMessageError }

func (OnlineUsers) outbound()    {}
func (ReceiveMessage) outbound() {}
func (MessageSent) outbound()    {}
func (MessageError) outbound()   {}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode serialises an outbound event into its wire envelope.
func Encode(ev Outbound) ([]byte, error) {
	var data any
	switch e := ev.(type) {
	case OnlineUsers:
		users := e.Users
		if users == nil {
			users = []OnlineUser{}
		}
		data = users
	case ReceiveMessage:
		data = e.Payload
	case MessageSent:
		data = e.Payload
	case MessageError:
		data = e
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", ev.EventName(), err)
	}
	return json.Marshal(envelope{Event: ev.EventName(), Data: raw})
}

// DecodeInbound parses a client frame into one of the inbound events.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Event {
	case EventRegister, EventAddUser:
		userID, err := decodeUserID(env.Data)
		if err != nil {
			return nil, err
		}
		return Register{UserID: userID}, nil

	case EventSend, EventSendMessage:
		var s Send
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return s, nil

	case EventDisconnect:
		return Disconnect{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// decodeUserID accepts either a bare JSON string or {"userId": "..."}.
func decodeUserID(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}

	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return id, nil
	}

	var obj struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return obj.UserID, nil
}

// DecodeOutbound parses a server frame. It is the client-side counterpart
// of Encode.
func DecodeOutbound(raw []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var (
		out Outbound
		err error
	)
	switch env.Event {
	case EventOnlineUsers:
		var users []OnlineUser
		err = json.Unmarshal(env.Data, &users)
		out = OnlineUsers{Users: users}
	case EventReceiveMessage:
		var p Payload
		err = json.Unmarshal(env.Data, &p)
		out = ReceiveMessage{Payload: p}
	case EventMessageSent:
		var p Payload
		err = json.Unmarshal(env.Data, &p)
		out = MessageSent{Payload: p}
	case EventMessageError:
		var e MessageError
		err = json.Unmarshal(env.Data, &e)
		out = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return out, nil
}
