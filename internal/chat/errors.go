package chat

import "errors"

// Operation errors. Everything except ErrRevisionConflict maps onto a scoped
// error event (or HTTP status) delivered only to the acting connection; a
// failed operation never changes the chat document and is never broadcast.
var (
	ErrChatNotFound        = errors.New("chat not found")
	ErrMessageNotFound     = errors.New("message not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrNotParticipant      = errors.New("not a participant of this chat")
	ErrNotAuthor           = errors.New("only the sender can modify a message")
	ErrNotEditable         = errors.New("only text messages can be edited")
	ErrInvalidParticipants = errors.New("direct chat requires two distinct participants")

	// ErrChatExists is returned by Store.Create when a direct chat for the
	// same participant pair already exists (unique-index backstop for the
	// find-then-create race); the service re-fetches the winning row.
	ErrChatExists = errors.New("chat already exists")

	// ErrRevisionConflict is returned by Store.Update when the chat document
	// changed underneath the caller; the service retries the whole mutation.
	ErrRevisionConflict = errors.New("chat revision conflict")
)
