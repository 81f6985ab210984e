package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/homefix/internal/chat"
	"github.com/homefix/internal/logger"
	"github.com/homefix/internal/model"
)

// Relay mirrors events to the other instances of the service (redis pub/sub).
// Nil relay means single-process deployment.
type Relay interface {
	PublishUser(userID, event string, payload any)
	PublishRoom(roomID, exceptUserID, event string, payload any)
}

// Hub is the connection registry: personal rooms keyed by user id (a user may
// hold several connections) and chat rooms keyed by chat id. It implements
// chat.Notifier and chat.Presence for the service layer.
type Hub struct {
	mu       sync.RWMutex
	users    map[string]map[*Client]struct{}
	rooms    map[string]map[*Client]struct{}
	total    int
	maxConns int

	service *chat.Service
	typing  *TypingTracker
	calls   *callTable
	relay   Relay

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(maxConns int, typingTTL time.Duration) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	h := &Hub{
		users:      make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		calls:      newCallTable(),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
	h.typing = NewTypingTracker(typingTTL, func(chatID, userID, userName string) {
		// Timer expiry: the client stopped sending typing_start without an
		// explicit typing_stop.
		h.NotifyRoomExcept(chatID, userID, string(EventUserTyping), TypingPayload{
			ChatID: chatID, UserID: userID, UserName: userName, IsTyping: false,
		})
	})
	return h
}

// SetService breaks the construction cycle: the hub is the service's Notifier,
// so the hub exists first and gets the service afterwards.
func (h *Hub) SetService(s *chat.Service) { h.service = s }

// SetRelay attaches the cross-instance broadcast bridge.
func (h *Hub) SetRelay(r Relay) { h.relay = r }

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	h.typing.StopAll()

	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.users {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.users = make(map[string]map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

// addClient admits the connection into its user's personal room. Chat rooms
// are joined explicitly via join_chat.
func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.users[c.userID]; !ok {
		h.users[c.userID] = make(map[*Client]struct{})
	}
	h.users[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	logger.Infof("ws connected user=%s", c.userID)
}

// removeClient releases everything the connection held: personal room slot,
// chat room memberships and, when this was the user's last connection, any
// call the user was a party to.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.users[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.users, c.userID)
	}

	currentChat := c.currentChat
	// Rooms where this was the user's last connection: typing state and the
	// user_left announcement are per user, not per connection.
	var vacated []string
	for roomID := range c.rooms {
		if room, ok := h.rooms[roomID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, roomID)
			}
		}
		if !h.userInRoomLocked(roomID, c.userID) {
			vacated = append(vacated, roomID)
		}
	}
	c.rooms = make(map[string]struct{})
	c.currentChat = ""
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	for _, roomID := range vacated {
		if name, wasTyping := h.typing.Stop(roomID, c.userID); wasTyping {
			h.NotifyRoomExcept(roomID, c.userID, string(EventUserTyping), TypingPayload{
				ChatID: roomID, UserID: c.userID, UserName: name, IsTyping: false,
			})
		}
		if roomID == currentChat {
			h.NotifyRoomExcept(roomID, c.userID, string(EventUserLeft), RoomPresencePayload{
				ChatID: roomID, UserID: c.userID, UserName: c.userName,
			})
		}
	}

	if lastClient {
		// A dropped connection ends the user's active calls; the peer gets
		// video_call_ended instead of a silent hang.
		for _, session := range h.calls.endAllFor(c.userID) {
			h.NotifyUser(session.peerOf(c.userID), string(EventCallEnded), CallSignalPayload{
				From:   c.userID,
				CallID: session.id,
			})
		}
		logger.Infof("ws disconnected user=%s", c.userID)
	}
}

// userInRoomLocked reports whether the user still has a connection in the
// room. Caller holds h.mu.
func (h *Hub) userInRoomLocked(roomID, userID string) bool {
	for member := range h.rooms[roomID] {
		if member.userID == userID {
			return true
		}
	}
	return false
}

// HandleMessage dispatches incoming WebSocket messages.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventJoinChat:
		h.handleJoinChat(ctx, c, msg)
	case EventLeaveChat:
		h.handleLeaveChat(c, msg)
	case EventSendMessage:
		h.handleSendMessage(ctx, c, msg)
	case EventTypingStart:
		h.handleTyping(c, msg, true)
	case EventTypingStop:
		h.handleTyping(c, msg, false)
	case EventMarkRead:
		h.handleMarkRead(ctx, c, msg)
	case EventCallOffer, EventCallAnswer, EventCallIceCandidate, EventCallEnd:
		h.handleCallSignal(c, msg)
	default:
		h.sendError(c, "unknown event type")
	}
}

func (h *Hub) handleJoinChat(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleJoinChat", time.Now())()
	if msg.ChatID == "" {
		h.sendError(c, "chat_id required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ok, err := h.service.IsParticipant(ctx, msg.ChatID, c.userID)
	if err != nil {
		if errors.Is(err, chat.ErrChatNotFound) {
			h.sendError(c, "chat not found")
			return
		}
		logger.Errorf("ws join chat=%s user=%s: %v", msg.ChatID, c.userID, err)
		h.sendError(c, "internal error")
		return
	}
	if !ok {
		h.sendError(c, "not a participant of this chat")
		return
	}

	h.mu.Lock()
	firstForUser := !h.userInRoomLocked(msg.ChatID, c.userID)
	if _, exists := h.rooms[msg.ChatID]; !exists {
		h.rooms[msg.ChatID] = make(map[*Client]struct{})
	}
	h.rooms[msg.ChatID][c] = struct{}{}
	c.rooms[msg.ChatID] = struct{}{}
	c.currentChat = msg.ChatID
	h.mu.Unlock()

	// Announce only the user's first connection; further devices joining the
	// same room stay silent.
	if firstForUser {
		h.NotifyRoomExcept(msg.ChatID, c.userID, string(EventUserJoined), RoomPresencePayload{
			ChatID: msg.ChatID, UserID: c.userID, UserName: c.userName,
		})
	}
}

func (h *Hub) handleLeaveChat(c *Client, msg IncomingMessage) {
	if msg.ChatID == "" {
		return
	}

	h.mu.Lock()
	if _, joined := c.rooms[msg.ChatID]; !joined {
		h.mu.Unlock()
		return
	}
	delete(c.rooms, msg.ChatID)
	if c.currentChat == msg.ChatID {
		c.currentChat = ""
	}
	if room, ok := h.rooms[msg.ChatID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, msg.ChatID)
		}
	}
	lastForUser := !h.userInRoomLocked(msg.ChatID, c.userID)
	h.mu.Unlock()

	if lastForUser {
		if name, wasTyping := h.typing.Stop(msg.ChatID, c.userID); wasTyping {
			h.NotifyRoomExcept(msg.ChatID, c.userID, string(EventUserTyping), TypingPayload{
				ChatID: msg.ChatID, UserID: c.userID, UserName: name, IsTyping: false,
			})
		}
		h.NotifyRoomExcept(msg.ChatID, c.userID, string(EventUserLeft), RoomPresencePayload{
			ChatID: msg.ChatID, UserID: c.userID, UserName: c.userName,
		})
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	if msg.ChatID == "" {
		h.sendError(c, "chat_id required")
		return
	}
	body, err := bodyFromIncoming(msg)
	if err != nil {
		h.sendError(c, errorText(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	m, chatDoc, err := h.service.AppendMessage(ctx, msg.ChatID, c.userID, body, msg.ReplyTo)
	if err != nil {
		logger.Errorf("ws send chat=%s user=%s: %v", msg.ChatID, c.userID, err)
		h.sendError(c, errorText(err))
		return
	}

	// Sending implies no longer typing; the indicator vanishes with the
	// message itself, no separate stop event.
	h.typing.StopSilent(msg.ChatID, c.userID)

	// The service fans out to the room excluding the sender; the acting
	// connection gets the persisted message back as its ack.
	h.sendToClient(c, OutgoingMessage{
		Type: EventType(chat.EventNewMessage),
		Payload: chat.NewMessagePayload{
			ChatID:  chatDoc.ID,
			Message: *m,
			Chat:    chat.ChatRef{ID: chatDoc.ID, LastMessage: chatDoc.LastMessage, UpdatedAt: chatDoc.UpdatedAt},
		},
	})
}

func (h *Hub) handleTyping(c *Client, msg IncomingMessage, start bool) {
	if msg.ChatID == "" || !h.inRoom(c, msg.ChatID) {
		return
	}
	if start {
		if h.typing.Start(msg.ChatID, c.userID, c.userName) {
			h.NotifyRoomExcept(msg.ChatID, c.userID, string(EventUserTyping), TypingPayload{
				ChatID: msg.ChatID, UserID: c.userID, UserName: c.userName, IsTyping: true,
			})
		}
		return
	}
	if _, wasTyping := h.typing.Stop(msg.ChatID, c.userID); wasTyping {
		h.NotifyRoomExcept(msg.ChatID, c.userID, string(EventUserTyping), TypingPayload{
			ChatID: msg.ChatID, UserID: c.userID, UserName: c.userName, IsTyping: false,
		})
	}
}

func (h *Hub) handleMarkRead(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleMarkRead", time.Now())()
	if msg.ChatID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := h.service.MarkRead(ctx, msg.ChatID, c.userID, msg.MessageIDs); err != nil {
		logger.Errorf("ws mark read chat=%s user=%s: %v", msg.ChatID, c.userID, err)
		h.sendError(c, errorText(err))
	}
}

func (h *Hub) inRoom(c *Client, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// IsOnline implements chat.Presence.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// NotifyUser implements chat.Notifier: deliver to the user's personal room
// here and mirror to the other instances.
func (h *Hub) NotifyUser(userID, event string, payload any) {
	h.deliverUser(userID, OutgoingMessage{Type: EventType(event), Payload: payload})
	if h.relay != nil {
		h.relay.PublishUser(userID, event, payload)
	}
}

// NotifyRoom implements chat.Notifier.
func (h *Hub) NotifyRoom(roomID, event string, payload any) {
	h.deliverRoom(roomID, "", OutgoingMessage{Type: EventType(event), Payload: payload})
	if h.relay != nil {
		h.relay.PublishRoom(roomID, "", event, payload)
	}
}

// NotifyRoomExcept implements chat.Notifier. Exclusion is by user, so none of
// the actor's connections receive the event.
func (h *Hub) NotifyRoomExcept(roomID, exceptUserID, event string, payload any) {
	h.deliverRoom(roomID, exceptUserID, OutgoingMessage{Type: EventType(event), Payload: payload})
	if h.relay != nil {
		h.relay.PublishRoom(roomID, exceptUserID, event, payload)
	}
}

// DeliverUser hands an event that originated on another instance to local
// connections only (no re-publish).
func (h *Hub) DeliverUser(userID, event string, payload json.RawMessage) {
	h.deliverUser(userID, OutgoingMessage{Type: EventType(event), Payload: payload})
}

// DeliverRoom is the room-scoped counterpart of DeliverUser.
func (h *Hub) DeliverRoom(roomID, exceptUserID, event string, payload json.RawMessage) {
	h.deliverRoom(roomID, exceptUserID, OutgoingMessage{Type: EventType(event), Payload: payload})
}

func (h *Hub) deliverUser(userID string, msg OutgoingMessage) {
	h.mu.RLock()
	clients, ok := h.users[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) deliverRoom(roomID, exceptUserID string, msg OutgoingMessage) {
	h.mu.RLock()
	room, ok := h.rooms[roomID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(room))
	for c := range room {
		if exceptUserID != "" && c.userID == exceptUserID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) sendError(c *Client, text string) {
	h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: text}})
}

// errorText maps service errors onto client-facing messages.
func errorText(err error) string {
	switch {
	case errors.Is(err, chat.ErrChatNotFound):
		return "chat not found"
	case errors.Is(err, chat.ErrMessageNotFound):
		return "message not found"
	case errors.Is(err, chat.ErrNotParticipant):
		return "not a participant of this chat"
	case errors.Is(err, chat.ErrNotAuthor):
		return "can only modify own messages"
	case errors.Is(err, chat.ErrNotEditable):
		return "only text messages can be edited"
	case errors.Is(err, model.ErrInvalidBody):
		return "invalid message body"
	default:
		return "internal error"
	}
}

// bodyFromIncoming assembles the typed message body from the flat wire form.
func bodyFromIncoming(msg IncomingMessage) (model.MessageBody, error) {
	return model.NewBody(msg.MessageType, msg.Content, msg.FileURL, msg.FileName, msg.FileSize, msg.Location)
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
