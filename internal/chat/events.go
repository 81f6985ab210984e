package chat

import (
	"context"
	"time"

	"github.com/homefix/internal/model"
)

// Realtime event names emitted by the service after a successful store
// mutation. Room/typing/call events live in the ws package; these are the
// ones shared between the WebSocket path and the REST handlers.
const (
	EventNewMessage     = "new_message"
	EventMessageEdited  = "message_edited"
	EventMessageDeleted = "message_deleted"
	EventMessagesRead   = "messages_read"
	EventError          = "error"
)

// Notifier delivers realtime events to live connections. It is injected into
// the service and the REST handlers so that fan-out goes through explicit
// wiring instead of a process-global socket handle. Implementations must not
// block: delivery to a slow or broken connection is that connection's
// problem, never the caller's.
type Notifier interface {
	// NotifyUser delivers to every live connection in the user's personal room.
	NotifyUser(userID, event string, payload any)
	// NotifyRoom delivers to every live connection joined to the room.
	NotifyRoom(roomID, event string, payload any)
	// NotifyRoomExcept delivers to every connection in the room whose user is
	// not exceptUserID.
	NotifyRoomExcept(roomID, exceptUserID, event string, payload any)
}

// Presence answers whether a user currently holds at least one live
// connection; used to decide who gets an offline push instead.
type Presence interface {
	IsOnline(userID string) bool
}

// PushNotifier sends an offline push notification. A nil PushNotifier
// disables pushes.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// ChatRef is the chat summary attached to message events, mirroring the
// denormalized state after the mutation.
type ChatRef struct {
	ID          string             `json:"id"`
	LastMessage *model.LastMessage `json:"last_message,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// NewMessagePayload is broadcast to the chat room on append.
type NewMessagePayload struct {
	ChatID  string        `json:"chat_id"`
	Message model.Message `json:"message"`
	Chat    ChatRef       `json:"chat"`
}

// MessageEditedPayload is broadcast on a successful edit.
type MessageEditedPayload struct {
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

// MessageDeletedPayload is broadcast on a successful delete.
type MessageDeletedPayload struct {
	ChatID    string  `json:"chat_id"`
	MessageID string  `json:"message_id"`
	Chat      ChatRef `json:"chat"`
}

// ReadReceipt identifies who read and when.
type ReadReceipt struct {
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name,omitempty"`
	ReadAt   time.Time `json:"read_at"`
}

// MessagesReadPayload is broadcast to everyone in the room except the reader.
type MessagesReadPayload struct {
	ChatID     string      `json:"chat_id"`
	MessageIDs []string    `json:"message_ids"`
	ReadBy     ReadReceipt `json:"read_by"`
}

// ErrorPayload is sent only to the connection whose action failed.
type ErrorPayload struct {
	Message string `json:"message"`
}
