package model

import (
	"time"

	"github.com/google/uuid"
)

// User represents a user in the system
type User struct {
	ID          uuid.UUID  `json:"id"`
	PhoneNumber string     `json:"phone_number,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	Online      bool       `json:"online"`
	LastSeenAt  *time.Time `json:"last_seen,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// MessageType distinguishes chat messages from call-signaling records.
type MessageType string

const (
	MessageTypeChat             MessageType = "friend"
	MessageTypeVideoCallRequest MessageType = "video-call-request"
)

// MessageStatus is the persisted lifecycle state of a message record.
type MessageStatus string

const (
	StatusSent MessageStatus = "sent"

	// Call-request records only.
	StatusPending   MessageStatus = "pending"
	StatusAccepted  MessageStatus = "accepted"
	StatusDeclined  MessageStatus = "declined"
	StatusCancelled MessageStatus = "cancelled"
	StatusMissed    MessageStatus = "missed"
	StatusEnded     MessageStatus = "ended"
	StatusFailed    MessageStatus = "failed"
)

// MediaRef points at materialized media. It never carries raw bytes.
type MediaRef struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// Message represents a persisted message record
type Message struct {
	ID          uuid.UUID     `json:"id"`
	SenderID    uuid.UUID     `json:"from"`
	RecipientID uuid.UUID     `json:"to"`
	Text        string        `json:"text,omitempty"`
	Media       *MediaRef     `json:"image,omitempty"`
	Type        MessageType   `json:"type"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Involves reports whether userID is the sender or recipient.
func (m Message) Involves(userID uuid.UUID) bool {
	return m.SenderID == userID || m.RecipientID == userID
}

// PeerAddress is a direct peer-connection endpoint for a user.
type PeerAddress struct {
	UserID      uuid.UUID `json:"userId"`
	PeerID      string    `json:"peerId"`
	LastUpdated time.Time `json:"lastUpdated"`
}
