// Package domain holds the chat entities shared by storage, presence and
// delivery, and the closed set of events exchanged with connected clients.
package domain

import (
	"time"
)

// User is an identity owned by the user store. The real-time core only
// reads it.
type User struct {
	ID           string    `json:"id"`
	UserName     string    `json:"UserName"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Message is a persisted direct message. It is created only by the
// message store and never modified afterwards.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Payload is the delivery shape pushed to connections and returned by the
// HTTP send endpoint.
type Payload struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
}

// PayloadOf converts a persisted message into its delivery payload.
func PayloadOf(m Message) Payload {
	return Payload{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Text,
		Timestamp:  m.CreatedAt.UnixMilli(),
	}
}

// TranscriptEntry is one message of a conversation enriched with the
// participants' display names. Names are empty when they could not be resolved.
type TranscriptEntry struct {
	Payload
	SenderName   string `json:"senderName"`
	ReceiverName string `json:"receiverName"`
}

// OnlineUser is one element of the presence snapshot.
type OnlineUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FallbackName is the display label used while, or instead of, resolving a
// user's real name.
func FallbackName(userID string) string {
	return "User " + userID
}
