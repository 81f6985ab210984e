package model

import "time"

type ChatKind string

const (
	// ChatDirect is a conversation between a customer and a technician.
	ChatDirect ChatKind = "direct"
	// ChatSupport is a conversation between a customer and the support desk.
	ChatSupport ChatKind = "support"
)

// LastMessage is the denormalized summary kept in sync with the message log.
// It always mirrors the newest message, or is absent when the log is empty.
type LastMessage struct {
	Preview   string      `json:"content"`
	SenderID  string      `json:"sender_id"`
	Kind      MessageKind `json:"message_type"`
	Timestamp time.Time   `json:"timestamp"`
}

// Chat is the persisted conversation document: a fixed participant list and
// the ordered, embedded message log. Every mutation of the log also updates
// LastMessage and bumps Revision in the same atomic write.
type Chat struct {
	ID               string       `json:"id"`
	Kind             ChatKind     `json:"chat_type"`
	Participants     []string     `json:"participants"`
	Messages         []Message    `json:"messages"`
	LastMessage      *LastMessage `json:"last_message,omitempty"`
	AppointmentID    string       `json:"appointment_id,omitempty"`
	ServiceRequestID string       `json:"service_request_id,omitempty"`
	IsActive         bool         `json:"is_active"`
	CreatedBy        string       `json:"created_by"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`

	// Revision guards optimistic-concurrency writes; storage-level only.
	Revision int64 `json:"-"`
}

// HasParticipant reports whether userID is in the chat's membership list.
func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the peer of userID in a two-party chat.
func (c *Chat) OtherParticipant(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// ChatSummary is the per-user view returned by chat listings.
type ChatSummary struct {
	ID               string       `json:"id"`
	Kind             ChatKind     `json:"chat_type"`
	Participants     []string     `json:"participants"`
	LastMessage      *LastMessage `json:"last_message,omitempty"`
	OtherParticipant *UserPublic  `json:"other_participant,omitempty"`
	UnreadCount      int          `json:"unread_count"`
	UpdatedAt        time.Time    `json:"updated_at"`
}
