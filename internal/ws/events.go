package ws

import (
	"encoding/json"

	"github.com/homefix/internal/model"
)

type EventType string

// Client -> server.
const (
	EventJoinChat    EventType = "join_chat"
	EventLeaveChat   EventType = "leave_chat"
	EventSendMessage EventType = "send_message"
	EventTypingStart EventType = "typing_start"
	EventTypingStop  EventType = "typing_stop"
	EventMarkRead    EventType = "mark_read"

	EventCallOffer        EventType = "video_call_offer"
	EventCallAnswer       EventType = "video_call_answer"
	EventCallIceCandidate EventType = "video_call_ice_candidate"
	EventCallEnd          EventType = "video_call_end"
)

// Server -> client (chat mutation events reuse the names from the chat
// package: new_message, message_edited, message_deleted, messages_read).
const (
	EventUserJoined EventType = "user_joined"
	EventUserLeft   EventType = "user_left"
	EventUserTyping EventType = "user_typing"
	EventCallEnded  EventType = "video_call_ended"
	EventError      EventType = "error"
)

// IncomingMessage is the envelope clients send over the WebSocket.
type IncomingMessage struct {
	Type   EventType `json:"type"`
	ChatID string    `json:"chat_id,omitempty"`

	// send_message
	Content     string            `json:"content,omitempty"`
	MessageType model.MessageKind `json:"message_type,omitempty"`
	FileURL     string            `json:"file_url,omitempty"`
	FileName    string            `json:"file_name,omitempty"`
	FileSize    int64             `json:"file_size,omitempty"`
	Location    *model.GeoPoint   `json:"location,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`

	// mark_read
	MessageIDs []string `json:"message_ids,omitempty"`

	// call signaling
	To        string          `json:"to,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// OutgoingMessage is the envelope the server sends. Payload uses typed
// structs rather than map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// RoomPresencePayload is sent as user_joined / user_left.
type RoomPresencePayload struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// TypingPayload is sent as user_typing, only to other users' connections.
type TypingPayload struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	IsTyping bool   `json:"is_typing"`
}

// CallSignalPayload carries WebRTC signaling between the two parties of a
// call. Exactly one of Offer/Answer/Candidate is set depending on the event.
type CallSignalPayload struct {
	From      string          `json:"from"`
	FromName  string          `json:"from_name,omitempty"`
	CallID    string          `json:"call_id"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// ErrorPayload is delivered only to the connection whose action failed.
type ErrorPayload struct {
	Message string `json:"message"`
}
