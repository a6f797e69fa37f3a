package store

import (
	"time"

	"github.com/Tyrowin/dmchat/internal/domain"
)

// UserModel is the GORM model for the users table.
type UserModel struct {
	ID           string    `gorm:"type:varchar(36);primaryKey"`
	UserName     string    `gorm:"column:user_name;type:varchar(50);uniqueIndex;not null"`
	Email        string    `gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash string    `gorm:"type:varchar(255);not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

func (UserModel) TableName() string {
	return "users"
}

func (m *UserModel) toDomain() domain.User {
	return domain.User{
		ID:           m.ID,
		UserName:     m.UserName,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
	}
}

// MessageModel is the GORM model for the messages table. Seq breaks ties
// between messages created within the same instant.
type MessageModel struct {
	Seq        int64     `gorm:"primaryKey;autoIncrement"`
	ID         string    `gorm:"type:varchar(36);uniqueIndex;not null"`
	SenderID   string    `gorm:"type:varchar(255);index;not null"`
	ReceiverID string    `gorm:"type:varchar(255);index;not null"`
	Text       string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"index;not null"`
}

func (MessageModel) TableName() string {
	return "messages"
}

func (m *MessageModel) toDomain() domain.Message {
	return domain.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		CreatedAt:  m.CreatedAt.UTC(),
	}
}
