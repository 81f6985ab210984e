package chat

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/homefix/internal/logger"
	"github.com/homefix/internal/model"
)

// storeRetries bounds reload-and-retry on revision conflicts.
const storeRetries = 3

// errNoChange signals from a mutation closure that the document is already in
// the requested state and no write is needed.
var errNoChange = errors.New("no change")

// Service owns the chat document invariants: participant authorization,
// append ordering, lastMessage denormalization, read-marker and edit/delete
// rules. After every successful mutation it hands the event to the injected
// Notifier; persistence success alone determines the caller's result, fan-out
// failures stay local to the broken connection.
type Service struct {
	store    Store
	users    Directory
	notifier Notifier
	presence Presence
	push     PushNotifier
}

// NewService wires the service. presence and push may be nil: presence nil
// means every participant is treated as offline for push purposes only when
// push is also set; push nil disables offline notifications entirely.
func NewService(store Store, users Directory, notifier Notifier, presence Presence, push PushNotifier) *Service {
	return &Service{store: store, users: users, notifier: notifier, presence: presence, push: push}
}

// CreateOrGetDirectChat returns the existing direct chat between the two
// users, or creates one. The appointment / service-request references are
// back-links recorded only on creation.
func (s *Service) CreateOrGetDirectChat(ctx context.Context, userID, otherUserID, appointmentID, serviceRequestID string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.CreateOrGetDirectChat", time.Now())()
	if userID == "" || otherUserID == "" || userID == otherUserID {
		return nil, ErrInvalidParticipants
	}
	if _, err := s.users.GetByID(ctx, otherUserID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, otherUserID)
	}

	existing, err := s.store.FindDirect(ctx, userID, otherUserID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrChatNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	c := &model.Chat{
		ID:               uuid.New().String(),
		Kind:             model.ChatDirect,
		Participants:     []string{userID, otherUserID},
		AppointmentID:    appointmentID,
		ServiceRequestID: serviceRequestID,
		IsActive:         true,
		CreatedBy:        userID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		if errors.Is(err, ErrChatExists) {
			// Lost a create race against a concurrent call for the same pair;
			// the row that won is the chat.
			return s.store.FindDirect(ctx, userID, otherUserID)
		}
		return nil, err
	}
	return c, nil
}

// AppendMessage persists a new message and fans it out to the chat room
// (every connection except the sender's). Offline participants get a push.
// The returned message and chat reflect the state after the append; the
// caller echoes them back to the actor.
func (s *Service) AppendMessage(ctx context.Context, chatID, senderID string, body model.MessageBody, replyToID string) (*model.Message, *model.Chat, error) {
	defer logger.DeferLogDuration("chat.AppendMessage", time.Now())()
	msg, err := model.NewMessage(uuid.New().String(), senderID, body, replyToID, time.Now().UTC())
	if err != nil {
		return nil, nil, err
	}

	c, err := s.mutate(ctx, chatID, func(c *model.Chat) error {
		if !c.HasParticipant(senderID) {
			return ErrNotParticipant
		}
		log := NewLog(c.Messages)
		log.Append(msg)
		c.Messages = log.Messages()
		c.LastMessage = log.LastMessage()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	payload := NewMessagePayload{ChatID: c.ID, Message: msg, Chat: s.chatRef(c)}
	s.notifier.NotifyRoomExcept(c.ID, senderID, EventNewMessage, payload)
	s.pushOffline(c, &msg)
	return &msg, c, nil
}

// MarkRead records read markers for userID; all unread messages when ids is
// empty, otherwise only the listed ones. Idempotent: nothing is written and
// nothing is broadcast when every target is already read. Other room members
// observe the receipt via a messages_read event.
func (s *Service) MarkRead(ctx context.Context, chatID, userID string, messageIDs []string) ([]string, error) {
	defer logger.DeferLogDuration("chat.MarkRead", time.Now())()
	now := time.Now().UTC()
	var marked []string
	c, err := s.mutate(ctx, chatID, func(c *model.Chat) error {
		if !c.HasParticipant(userID) {
			return ErrNotParticipant
		}
		log := NewLog(c.Messages)
		marked = log.MarkRead(userID, messageIDs, now)
		if len(marked) == 0 {
			return errNoChange
		}
		c.Messages = log.Messages()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(marked) == 0 {
		return nil, nil
	}

	s.notifier.NotifyRoomExcept(c.ID, userID, EventMessagesRead, MessagesReadPayload{
		ChatID:     c.ID,
		MessageIDs: marked,
		ReadBy:     ReadReceipt{UserID: userID, UserName: s.userName(ctx, userID), ReadAt: now},
	})
	return marked, nil
}

// EditMessage replaces a text message's content, preserving the pre-edit text
// in the edit record. Only the original sender may edit.
func (s *Service) EditMessage(ctx context.Context, chatID, messageID, newText, editorID string) (*model.Message, error) {
	defer logger.DeferLogDuration("chat.EditMessage", time.Now())()
	now := time.Now().UTC()
	var edited model.Message
	c, err := s.mutate(ctx, chatID, func(c *model.Chat) error {
		log := NewLog(c.Messages)
		msg, ok := log.Get(messageID)
		if !ok {
			return ErrMessageNotFound
		}
		if msg.SenderID != editorID {
			return ErrNotAuthor
		}
		prev, ok := msg.Body.(model.TextBody)
		if !ok {
			return ErrNotEditable
		}
		newBody := model.TextBody{Text: newText}
		if err := model.ValidateBody(newBody); err != nil {
			return err
		}
		msg.Edited = &model.EditRecord{IsEdited: true, EditedAt: now, OriginalText: prev.Text}
		msg.Body = newBody
		edited = *msg
		c.Messages = log.Messages()
		c.LastMessage = log.LastMessage()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.NotifyRoomExcept(c.ID, editorID, EventMessageEdited, MessageEditedPayload{
		ChatID:    c.ID,
		MessageID: messageID,
		Content:   newText,
		EditedAt:  now,
	})
	return &edited, nil
}

// DeleteMessage removes a message from the log and recomputes the chat's
// lastMessage from the new tail (clearing it when the log empties). Only the
// original sender may delete.
func (s *Service) DeleteMessage(ctx context.Context, chatID, messageID, deleterID string) error {
	defer logger.DeferLogDuration("chat.DeleteMessage", time.Now())()
	c, err := s.mutate(ctx, chatID, func(c *model.Chat) error {
		log := NewLog(c.Messages)
		msg, ok := log.Get(messageID)
		if !ok {
			return ErrMessageNotFound
		}
		if msg.SenderID != deleterID {
			return ErrNotAuthor
		}
		log.Remove(messageID)
		c.Messages = log.Messages()
		c.LastMessage = log.LastMessage()
		return nil
	})
	if err != nil {
		return err
	}

	s.notifier.NotifyRoomExcept(c.ID, deleterID, EventMessageDeleted, MessageDeletedPayload{
		ChatID:    c.ID,
		MessageID: messageID,
		Chat:      s.chatRef(c),
	})
	return nil
}

// UnreadCountFor counts messages in the chat not sent by and not yet read by
// userID.
func (s *Service) UnreadCountFor(ctx context.Context, chatID, userID string) (int, error) {
	c, err := s.store.Get(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if !c.HasParticipant(userID) {
		return 0, ErrNotParticipant
	}
	return NewLog(c.Messages).UnreadCount(userID), nil
}

// GetChatForUser loads the chat if userID is a participant.
func (s *Service) GetChatForUser(ctx context.Context, chatID, userID string) (*model.Chat, error) {
	c, err := s.store.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return c, nil
}

// IsParticipant is the authorization check the room registry delegates to
// when a connection asks to join a chat room.
func (s *Service) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	c, err := s.store.Get(ctx, chatID)
	if err != nil {
		return false, err
	}
	return c.HasParticipant(userID), nil
}

// ListChats returns the user's chats with unread counts and the peer's
// public profile, most recently updated first.
func (s *Service) ListChats(ctx context.Context, userID string, limit, offset int) ([]model.ChatSummary, error) {
	defer logger.DeferLogDuration("chat.ListChats", time.Now())()
	chats, err := s.store.ListForUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	summaries := make([]model.ChatSummary, 0, len(chats))
	for i := range chats {
		c := &chats[i]
		sum := model.ChatSummary{
			ID:           c.ID,
			Kind:         c.Kind,
			Participants: c.Participants,
			LastMessage:  c.LastMessage,
			UnreadCount:  NewLog(c.Messages).UnreadCount(userID),
			UpdatedAt:    c.UpdatedAt,
		}
		if other := c.OtherParticipant(userID); other != "" {
			if u, err := s.users.GetByID(ctx, other); err == nil {
				pub := u.ToPublic()
				sum.OtherParticipant = &pub
			}
		}
		summaries = append(summaries, sum)
	}
	return summaries, nil
}

// mutate runs the load-modify-store cycle, retrying on revision conflicts.
func (s *Service) mutate(ctx context.Context, chatID string, fn func(*model.Chat) error) (*model.Chat, error) {
	var lastErr error
	for attempt := 0; attempt < storeRetries; attempt++ {
		c, err := s.store.Get(ctx, chatID)
		if err != nil {
			return nil, err
		}
		if err := fn(c); err != nil {
			if errors.Is(err, errNoChange) {
				return c, nil
			}
			return nil, err
		}
		c.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, c); err != nil {
			if errors.Is(err, ErrRevisionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("chat %s: %w", chatID, lastErr)
}

func (s *Service) chatRef(c *model.Chat) ChatRef {
	return ChatRef{ID: c.ID, LastMessage: c.LastMessage, UpdatedAt: c.UpdatedAt}
}

func (s *Service) userName(ctx context.Context, userID string) string {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		logger.Errorf("chat: resolve user %s: %v", userID, err)
		return ""
	}
	return u.Name
}

// pushOffline sends a web push to every participant other than the sender
// that has no live connection. Best effort, off the request path.
func (s *Service) pushOffline(c *model.Chat, msg *model.Message) {
	if s.push == nil {
		return
	}
	title := s.userName(context.Background(), msg.SenderID)
	if title == "" {
		title = "New message"
	}
	body := msg.Body.Preview()
	if len(body) > 120 {
		cut := 117
		// Never split a multi-byte rune.
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "..."
	}
	data := map[string]string{"chat_id": c.ID, "message_id": msg.ID}
	for _, p := range c.Participants {
		if p == msg.SenderID {
			continue
		}
		if s.presence != nil && s.presence.IsOnline(p) {
			continue
		}
		go s.push.Notify(context.Background(), p, title, body, data)
	}
}
