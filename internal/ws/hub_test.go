package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/homefix/internal/chat"
	"github.com/homefix/internal/model"
)

type staticDirectory map[string]*model.User

func (d staticDirectory) GetByID(ctx context.Context, id string) (*model.User, error) {
	if u, ok := d[id]; ok {
		return u, nil
	}
	return nil, chat.ErrUserNotFound
}

func newTestHub(t *testing.T) (*Hub, *chat.Service) {
	t.Helper()
	dir := staticDirectory{
		"alice": {ID: "alice", Name: "Alice", Role: model.RoleCustomer},
		"bob":   {ID: "bob", Name: "Bob", Role: model.RoleTechnician},
	}
	h := NewHub(100, time.Minute)
	svc := chat.NewService(chat.NewMemStore(), dir, h, h, nil)
	h.SetService(svc)
	return h, svc
}

// connect admits an unstarted client straight into its personal room,
// bypassing the Run loop.
func connect(t *testing.T, h *Hub, userID, userName string) *Client {
	t.Helper()
	c := NewClient(h, nil, userID, userName)
	h.addClient(c)
	return c
}

func join(t *testing.T, h *Hub, c *Client, chatID string) {
	t.Helper()
	h.HandleMessage(context.Background(), c, IncomingMessage{Type: EventJoinChat, ChatID: chatID})
}

func recvEvent(t *testing.T, c *Client) OutgoingMessage {
	t.Helper()
	select {
	case m := <-c.send:
		return m
	case <-time.After(time.Second):
		t.Fatal("expected an event, got none")
		return OutgoingMessage{}
	}
}

func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case m := <-c.send:
		t.Fatalf("unexpected event %s: %+v", m.Type, m.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func mustDirectChat(t *testing.T, svc *chat.Service, a, b string) *model.Chat {
	t.Helper()
	c, err := svc.CreateOrGetDirectChat(context.Background(), a, b, "", "")
	if err != nil {
		t.Fatalf("CreateOrGetDirectChat: %v", err)
	}
	return c
}

func TestHub_PresenceFollowsConnections(t *testing.T) {
	h, _ := newTestHub(t)

	c1 := connect(t, h, "alice", "Alice")
	c2 := connect(t, h, "alice", "Alice")
	if !h.IsOnline("alice") {
		t.Fatal("alice should be online")
	}

	h.removeClient(c1)
	if !h.IsOnline("alice") {
		t.Fatal("alice still has a device connected")
	}
	h.removeClient(c2)
	if h.IsOnline("alice") {
		t.Fatal("alice should be offline after last disconnect")
	}
}

func TestHub_JoinRequiresMembership(t *testing.T) {
	h, svc := newTestHub(t)
	room := mustDirectChat(t, svc, "alice", "bob")

	mallory := connect(t, h, "mallory", "Mallory")
	join(t, h, mallory, room.ID)

	ev := recvEvent(t, mallory)
	if ev.Type != EventError {
		t.Fatalf("expected error event, got %s", ev.Type)
	}
	if h.inRoom(mallory, room.ID) {
		t.Fatal("unauthorized client must not enter the room")
	}

	ghost := connect(t, h, "alice", "Alice")
	join(t, h, ghost, "no-such-chat")
	if ev := recvEvent(t, ghost); ev.Type != EventError {
		t.Fatalf("expected error event, got %s", ev.Type)
	}
}

func TestHub_JoinAnnouncesFirstDeviceOnly(t *testing.T) {
	h, svc := newTestHub(t)
	room := mustDirectChat(t, svc, "alice", "bob")

	bob := connect(t, h, "bob", "Bob")
	join(t, h, bob, room.ID)
	expectNoEvent(t, bob)

	alice1 := connect(t, h, "alice", "Alice")
	join(t, h, alice1, room.ID)
	ev := recvEvent(t, bob)
	if ev.Type != EventUserJoined {
		t.Fatalf("expected user_joined, got %s", ev.Type)
	}
	payload, ok := ev.Payload.(RoomPresencePayload)
	if !ok || payload.UserID != "alice" || payload.UserName != "Alice" {
		t.Fatalf("unexpected payload %+v", ev.Payload)
	}

	// A second device of the same user joins silently.
	alice2 := connect(t, h, "alice", "Alice")
	join(t, h, alice2, room.ID)
	expectNoEvent(t, bob)
}

func TestHub_SendMessageFanOut(t *testing.T) {
	h, svc := newTestHub(t)
	room := mustDirectChat(t, svc, "alice", "bob")

	bob := connect(t, h, "bob", "Bob")
	alice1 := connect(t, h, "alice", "Alice")
	alice2 := connect(t, h, "alice", "Alice")
	join(t, h, bob, room.ID)
	join(t, h, alice1, room.ID)
	join(t, h, alice2, room.ID)
	recvEvent(t, bob) // alice's user_joined

	h.HandleMessage(context.Background(), alice1, IncomingMessage{
		Type:    EventSendMessage,
		ChatID:  room.ID,
		Content: "hello bob",
	})

	// Recipient in the room gets the broadcast.
	ev := recvEvent(t, bob)
	if ev.Type != EventType(chat.EventNewMessage) {
		t.Fatalf("bob got %s", ev.Type)
	}
	payload, ok := ev.Payload.(chat.NewMessagePayload)
	if !ok || payload.Message.Body.Preview() != "hello bob" {
		t.Fatalf("unexpected payload %+v", ev.Payload)
	}

	// The acting connection gets the persisted message back as its ack.
	ack := recvEvent(t, alice1)
	if ack.Type != EventType(chat.EventNewMessage) {
		t.Fatalf("ack type %s", ack.Type)
	}

	// The sender's other device is excluded from the broadcast.
	expectNoEvent(t, alice2)
}

func TestHub_SlowClientDoesNotStallFanOut(t *testing.T) {
	h, svc := newTestHub(t)
	room := mustDirectChat(t, svc, "alice", "bob")

	slow := connect(t, h, "bob", "Bob")
	healthy := connect(t, h, "bob", "Bob")
	alice := connect(t, h, "alice", "Alice")
	join(t, h, slow, room.ID)
	join(t, h, healthy, room.ID)
	join(t, h, alice, room.ID)
	recvEvent(t, healthy) // alice's user_joined

	// A device that stopped draining its writes: fill the send buffer.
	for len(slow.send) < cap(slow.send) {
		slow.send <- OutgoingMessage{Type: EventUserTyping}
	}

	h.HandleMessage(context.Background(), alice, IncomingMessage{
		Type:    EventSendMessage,
		ChatID:  room.ID,
		Content: "still delivered",
	})

	// The healthy device gets the broadcast and the sender gets the ack; the
	// stalled device never holds either up.
	ev := recvEvent(t, healthy)
	if ev.Type != EventType(chat.EventNewMessage) {
		t.Fatalf("healthy device got %s", ev.Type)
	}
	if ack := recvEvent(t, alice); ack.Type != EventType(chat.EventNewMessage) {
		t.Fatalf("sender ack %s", ack.Type)
	}

	// The stalled device is cut off instead of backing up the room.
	select {
	case <-slow.done:
	case <-time.After(time.Second):
		t.Fatal("slow client was not closed")
	}
}

func TestHub_SendMessageRejectsOutsider(t *testing.T) {
	h, svc := newTestHub(t)
	room := mustDirectChat(t, svc, "alice", "bob")

	mallory := connect(t, h, "mallory", "Mallory")
	h.HandleMessage(context.Background(), mallory, IncomingMessage{
		Type:    EventSendMessage,
		ChatID:  room.ID,
		Content: "let me in",
	})
	ev := recvEvent(t, mallory)
	if ev.Type != EventError {
		t.Fatalf("expected error event, got %s", ev.Type)
	}
}

func TestHub_TypingFlowsToOthersOnly(t *testing.T) {
	h, svc := newTestHub(t)
	room := mustDirectChat(t, svc, "alice", "bob")

	bob := connect(t, h, "bob", "Bob")
	alice1 := connect(t, h, "alice", "Alice")
	alice2 := connect(t, h, "alice", "Alice")
	join(t, h, bob, room.ID)
	join(t, h, alice1, room.ID)
	join(t, h, alice2, room.ID)
	recvEvent(t, bob) // user_joined

	h.HandleMessage(context.Background(), alice1, IncomingMessage{Type: EventTypingStart, ChatID: room.ID})
	ev := recvEvent(t, bob)
	if ev.Type != EventUserTyping {
		t.Fatalf("bob got %s", ev.Type)
	}
	payload := ev.Payload.(TypingPayload)
	if !payload.IsTyping || payload.UserID != "alice" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	expectNoEvent(t, alice2)

	// Repeated typing_start only refreshes the timer.
	h.HandleMessage(context.Background(), alice1, IncomingMessage{Type: EventTypingStart, ChatID: room.ID})
	expectNoEvent(t, bob)

	// Sending a message clears the indicator without a stop event.
	h.HandleMessage(context.Background(), alice1, IncomingMessage{
		Type: EventSendMessage, ChatID: room.ID, Content: "done typing",
	})
	ev = recvEvent(t, bob)
	if ev.Type != EventType(chat.EventNewMessage) {
		t.Fatalf("bob got %s after send", ev.Type)
	}
	expectNoEvent(t, bob)
	if h.typing.IsTyping(room.ID, "alice") {
		t.Fatal("indicator should be cleared by the send")
	}

	// An explicit stop after clearing is a no-op.
	h.HandleMessage(context.Background(), alice1, IncomingMessage{Type: EventTypingStop, ChatID: room.ID})
	expectNoEvent(t, bob)
}

func TestHub_LeaveAnnouncesLastDeviceOnly(t *testing.T) {
	h, svc := newTestHub(t)
	room := mustDirectChat(t, svc, "alice", "bob")

	bob := connect(t, h, "bob", "Bob")
	alice1 := connect(t, h, "alice", "Alice")
	alice2 := connect(t, h, "alice", "Alice")
	join(t, h, bob, room.ID)
	join(t, h, alice1, room.ID)
	join(t, h, alice2, room.ID)
	recvEvent(t, bob) // user_joined

	h.HandleMessage(context.Background(), alice1, IncomingMessage{Type: EventLeaveChat, ChatID: room.ID})
	expectNoEvent(t, bob)

	h.HandleMessage(context.Background(), alice2, IncomingMessage{Type: EventLeaveChat, ChatID: room.ID})
	ev := recvEvent(t, bob)
	if ev.Type != EventUserLeft {
		t.Fatalf("expected user_left, got %s", ev.Type)
	}
}

func TestHub_CallSignalRelay(t *testing.T) {
	h, _ := newTestHub(t)
	alice := connect(t, h, "alice", "Alice")
	bob := connect(t, h, "bob", "Bob")

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	h.HandleMessage(context.Background(), alice, IncomingMessage{
		Type: EventCallOffer, To: "bob", CallID: "call-1", Offer: offer,
	})

	ev := recvEvent(t, bob)
	if ev.Type != EventCallOffer {
		t.Fatalf("bob got %s", ev.Type)
	}
	payload := ev.Payload.(CallSignalPayload)
	if payload.From != "alice" || payload.CallID != "call-1" || string(payload.Offer) != string(offer) {
		t.Fatalf("unexpected payload %+v", payload)
	}

	h.HandleMessage(context.Background(), bob, IncomingMessage{
		Type: EventCallAnswer, To: "alice", CallID: "call-1", Answer: json.RawMessage(`{"type":"answer"}`),
	})
	ev = recvEvent(t, alice)
	if ev.Type != EventCallAnswer || ev.Payload.(CallSignalPayload).From != "bob" {
		t.Fatalf("alice got %s %+v", ev.Type, ev.Payload)
	}

	h.HandleMessage(context.Background(), alice, IncomingMessage{
		Type: EventCallEnd, To: "bob", CallID: "call-1",
	})
	ev = recvEvent(t, bob)
	if ev.Type != EventCallEnded {
		t.Fatalf("bob got %s", ev.Type)
	}
}

func TestHub_CallOfferToOfflineUserIsDropped(t *testing.T) {
	h, _ := newTestHub(t)
	alice := connect(t, h, "alice", "Alice")

	h.HandleMessage(context.Background(), alice, IncomingMessage{
		Type: EventCallOffer, To: "bob", CallID: "call-1", Offer: json.RawMessage(`{}`),
	})
	// No error back to the caller; the client times the call out on its own.
	expectNoEvent(t, alice)
}

func TestHub_DisconnectEndsCalls(t *testing.T) {
	h, _ := newTestHub(t)
	alice := connect(t, h, "alice", "Alice")
	bob := connect(t, h, "bob", "Bob")

	h.HandleMessage(context.Background(), alice, IncomingMessage{
		Type: EventCallOffer, To: "bob", CallID: "call-1", Offer: json.RawMessage(`{}`),
	})
	recvEvent(t, bob) // the offer

	h.removeClient(alice)
	ev := recvEvent(t, bob)
	if ev.Type != EventCallEnded {
		t.Fatalf("bob got %s", ev.Type)
	}
	payload := ev.Payload.(CallSignalPayload)
	if payload.From != "alice" || payload.CallID != "call-1" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestHub_DisconnectLeavesCurrentChat(t *testing.T) {
	h, svc := newTestHub(t)
	room := mustDirectChat(t, svc, "alice", "bob")

	bob := connect(t, h, "bob", "Bob")
	alice := connect(t, h, "alice", "Alice")
	join(t, h, bob, room.ID)
	join(t, h, alice, room.ID)
	recvEvent(t, bob) // user_joined

	// A typing indicator must not outlive the connection.
	h.HandleMessage(context.Background(), alice, IncomingMessage{Type: EventTypingStart, ChatID: room.ID})
	recvEvent(t, bob) // user_typing true

	h.removeClient(alice)

	ev := recvEvent(t, bob)
	if ev.Type != EventUserTyping || ev.Payload.(TypingPayload).IsTyping {
		t.Fatalf("expected typing stop, got %s %+v", ev.Type, ev.Payload)
	}
	ev = recvEvent(t, bob)
	if ev.Type != EventUserLeft {
		t.Fatalf("expected user_left, got %s", ev.Type)
	}
}
