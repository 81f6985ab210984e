package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/homefix/internal/model"
)

type fanout struct {
	room    string
	user    string
	except  string
	event   string
	payload any
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []fanout
}

func (f *fakeNotifier) NotifyUser(userID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fanout{user: userID, event: event, payload: payload})
}

func (f *fakeNotifier) NotifyRoom(roomID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fanout{room: roomID, event: event, payload: payload})
}

func (f *fakeNotifier) NotifyRoomExcept(roomID, exceptUserID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fanout{room: roomID, except: exceptUserID, event: event, payload: payload})
}

func (f *fakeNotifier) all() []fanout {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fanout(nil), f.events...)
}

type fakeDirectory struct {
	users map[string]*model.User
}

func (f *fakeDirectory) GetByID(ctx context.Context, id string) (*model.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, errors.New("no such user")
	}
	return u, nil
}

type fakePresence struct {
	online map[string]bool
}

func (f *fakePresence) IsOnline(userID string) bool { return f.online[userID] }

type pushNote struct {
	user string
	body string
}

type fakePush struct {
	notified chan pushNote
}

func (f *fakePush) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	f.notified <- pushNote{user: userID, body: body}
}

func testDirectory() *fakeDirectory {
	return &fakeDirectory{users: map[string]*model.User{
		"alice": {ID: "alice", Name: "Alice", Role: model.RoleCustomer},
		"bob":   {ID: "bob", Name: "Bob", Role: model.RoleTechnician},
	}}
}

func newTestService(t *testing.T) (*Service, *MemStore, *fakeNotifier) {
	t.Helper()
	store := NewMemStore()
	notifier := &fakeNotifier{}
	svc := NewService(store, testDirectory(), notifier, nil, nil)
	return svc, store, notifier
}

func mustChat(t *testing.T, svc *Service, a, b string) *model.Chat {
	t.Helper()
	c, err := svc.CreateOrGetDirectChat(context.Background(), a, b, "", "")
	if err != nil {
		t.Fatalf("CreateOrGetDirectChat: %v", err)
	}
	return c
}

func TestCreateOrGetDirectChat_Idempotent(t *testing.T) {
	svc, _, _ := newTestService(t)

	first := mustChat(t, svc, "alice", "bob")
	// Same pair from the other side must resolve to the same document.
	second := mustChat(t, svc, "bob", "alice")
	if first.ID != second.ID {
		t.Fatalf("expected one chat, got %s and %s", first.ID, second.ID)
	}
	if !first.IsActive || first.Kind != model.ChatDirect {
		t.Fatalf("unexpected chat %+v", first)
	}
}

func TestCreateOrGetDirectChat_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.CreateOrGetDirectChat(context.Background(), "alice", "alice", "", ""); !errors.Is(err, ErrInvalidParticipants) {
		t.Fatalf("self chat: %v", err)
	}
	if _, err := svc.CreateOrGetDirectChat(context.Background(), "alice", "", "", ""); !errors.Is(err, ErrInvalidParticipants) {
		t.Fatalf("empty peer: %v", err)
	}
	if _, err := svc.CreateOrGetDirectChat(context.Background(), "alice", "ghost", "", ""); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unknown peer: %v", err)
	}
}

// racingStore misses FindDirect a set number of times, modelling the window
// where a concurrent call has created the chat but our lookup ran before it.
type racingStore struct {
	*MemStore
	misses int
}

func (s *racingStore) FindDirect(ctx context.Context, a, b string) (*model.Chat, error) {
	if s.misses > 0 {
		s.misses--
		return nil, ErrChatNotFound
	}
	return s.MemStore.FindDirect(ctx, a, b)
}

func TestCreateOrGetDirectChat_LosesCreateRace(t *testing.T) {
	store := &racingStore{MemStore: NewMemStore(), misses: 1}
	svc := NewService(store, testDirectory(), &fakeNotifier{}, nil, nil)

	// The concurrent winner's row is already in the store.
	now := time.Now().UTC()
	existing := &model.Chat{
		ID: "winner", Kind: model.ChatDirect, Participants: []string{"bob", "alice"},
		IsActive: true, CreatedBy: "bob", CreatedAt: now, UpdatedAt: now,
	}
	if err := store.MemStore.Create(context.Background(), existing); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Our lookup misses, our insert hits the unique index, and the winning
	// row comes back instead of an error or a duplicate.
	c, err := svc.CreateOrGetDirectChat(context.Background(), "alice", "bob", "", "")
	if err != nil {
		t.Fatalf("CreateOrGetDirectChat: %v", err)
	}
	if c.ID != "winner" {
		t.Fatalf("expected the winning row, got %s", c.ID)
	}
}

func TestMemStore_CreateRejectsDuplicateDirectPair(t *testing.T) {
	store := NewMemStore()
	now := time.Now().UTC()
	mk := func(id string, parts []string) *model.Chat {
		return &model.Chat{ID: id, Kind: model.ChatDirect, Participants: parts, IsActive: true, CreatedAt: now, UpdatedAt: now}
	}
	if err := store.Create(context.Background(), mk("c1", []string{"alice", "bob"})); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Same pair in either order conflicts.
	if err := store.Create(context.Background(), mk("c2", []string{"bob", "alice"})); !errors.Is(err, ErrChatExists) {
		t.Fatalf("duplicate pair: %v", err)
	}
	// A different pair does not.
	if err := store.Create(context.Background(), mk("c3", []string{"alice", "carol"})); err != nil {
		t.Fatalf("distinct pair: %v", err)
	}
}

func TestAppendMessage_FanOutExcludesSender(t *testing.T) {
	svc, store, notifier := newTestService(t)
	c := mustChat(t, svc, "alice", "bob")

	msg, updated, err := svc.AppendMessage(context.Background(), c.ID, "alice", model.TextBody{Text: "hello"}, "")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if msg.ID == "" || msg.SenderID != "alice" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if updated.LastMessage == nil || updated.LastMessage.Preview != "hello" {
		t.Fatalf("lastMessage not updated: %+v", updated.LastMessage)
	}

	events := notifier.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 fan-out event, got %d", len(events))
	}
	ev := events[0]
	if ev.room != c.ID || ev.except != "alice" || ev.event != EventNewMessage {
		t.Fatalf("unexpected event %+v", ev)
	}

	stored, err := store.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if len(stored.Messages) != 1 || stored.Messages[0].ID != msg.ID {
		t.Fatalf("message not persisted: %+v", stored.Messages)
	}
}

func TestAppendMessage_Authorization(t *testing.T) {
	svc, _, _ := newTestService(t)
	c := mustChat(t, svc, "alice", "bob")

	if _, _, err := svc.AppendMessage(context.Background(), c.ID, "mallory", model.TextBody{Text: "hi"}, ""); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider append: %v", err)
	}
	if _, _, err := svc.AppendMessage(context.Background(), "nope", "alice", model.TextBody{Text: "hi"}, ""); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("missing chat: %v", err)
	}
	if _, _, err := svc.AppendMessage(context.Background(), c.ID, "alice", model.TextBody{}, ""); !errors.Is(err, model.ErrInvalidBody) {
		t.Fatalf("empty body: %v", err)
	}
}

func TestAppendMessage_PushesOfflineParticipants(t *testing.T) {
	store := NewMemStore()
	notifier := &fakeNotifier{}
	presence := &fakePresence{online: map[string]bool{"alice": true}}
	pushed := &fakePush{notified: make(chan pushNote, 4)}
	svc := NewService(store, testDirectory(), notifier, presence, pushed)

	c := mustChat(t, svc, "alice", "bob")
	if _, _, err := svc.AppendMessage(context.Background(), c.ID, "alice", model.TextBody{Text: "ping"}, ""); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	select {
	case note := <-pushed.notified:
		if note.user != "bob" {
			t.Fatalf("pushed to %s", note.user)
		}
	case <-time.After(time.Second):
		t.Fatal("offline participant was never pushed")
	}
	select {
	case note := <-pushed.notified:
		t.Fatalf("unexpected extra push to %s", note.user)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAppendMessage_PushPreviewKeepsRuneBoundary(t *testing.T) {
	store := NewMemStore()
	presence := &fakePresence{online: map[string]bool{"alice": true}}
	pushed := &fakePush{notified: make(chan pushNote, 1)}
	svc := NewService(store, testDirectory(), &fakeNotifier{}, presence, pushed)

	c := mustChat(t, svc, "alice", "bob")
	// 200 bytes of 2-byte runes; a byte-offset cut would land mid-rune.
	text := strings.Repeat("ü", 100)
	if _, _, err := svc.AppendMessage(context.Background(), c.ID, "alice", model.TextBody{Text: text}, ""); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	select {
	case note := <-pushed.notified:
		if !utf8.ValidString(note.body) {
			t.Fatalf("preview is not valid UTF-8: %q", note.body)
		}
		if !strings.HasSuffix(note.body, "...") {
			t.Fatalf("long preview not truncated: %q", note.body)
		}
		if len(note.body) > 120 {
			t.Fatalf("preview too long: %d bytes", len(note.body))
		}
	case <-time.After(time.Second):
		t.Fatal("offline participant was never pushed")
	}
}

func TestMarkRead_IdempotentAndBroadcast(t *testing.T) {
	svc, _, notifier := newTestService(t)
	c := mustChat(t, svc, "alice", "bob")
	if _, _, err := svc.AppendMessage(context.Background(), c.ID, "alice", model.TextBody{Text: "hello"}, ""); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	marked, err := svc.MarkRead(context.Background(), c.ID, "bob", nil)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if len(marked) != 1 {
		t.Fatalf("marked = %v", marked)
	}

	events := notifier.all()
	last := events[len(events)-1]
	if last.event != EventMessagesRead || last.except != "bob" {
		t.Fatalf("unexpected read event %+v", last)
	}
	payload, ok := last.payload.(MessagesReadPayload)
	if !ok || payload.ReadBy.UserID != "bob" || payload.ReadBy.UserName != "Bob" {
		t.Fatalf("unexpected payload %+v", last.payload)
	}

	// Second MarkRead finds nothing unread: no write, no broadcast.
	before := len(notifier.all())
	marked, err = svc.MarkRead(context.Background(), c.ID, "bob", nil)
	if err != nil || len(marked) != 0 {
		t.Fatalf("repeat MarkRead = %v, %v", marked, err)
	}
	if len(notifier.all()) != before {
		t.Fatal("idempotent MarkRead must not broadcast")
	}

	count, err := svc.UnreadCountFor(context.Background(), c.ID, "bob")
	if err != nil || count != 0 {
		t.Fatalf("unread after read = %d, %v", count, err)
	}
}

func TestEditMessage_Rules(t *testing.T) {
	svc, _, notifier := newTestService(t)
	c := mustChat(t, svc, "alice", "bob")
	msg, _, err := svc.AppendMessage(context.Background(), c.ID, "alice", model.TextBody{Text: "original"}, "")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if _, err := svc.EditMessage(context.Background(), c.ID, msg.ID, "hacked", "bob"); !errors.Is(err, ErrNotAuthor) {
		t.Fatalf("non-author edit: %v", err)
	}
	if _, err := svc.EditMessage(context.Background(), c.ID, "missing", "x", "alice"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("missing message edit: %v", err)
	}

	edited, err := svc.EditMessage(context.Background(), c.ID, msg.ID, "updated", "alice")
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if edited.Body.Preview() != "updated" {
		t.Fatalf("content = %q", edited.Body.Preview())
	}
	if edited.Edited == nil || !edited.Edited.IsEdited || edited.Edited.OriginalText != "original" {
		t.Fatalf("edit record = %+v", edited.Edited)
	}

	// Tail edit must refresh the denormalized summary.
	updated, err := svc.GetChatForUser(context.Background(), c.ID, "alice")
	if err != nil {
		t.Fatalf("GetChatForUser: %v", err)
	}
	if updated.LastMessage == nil || updated.LastMessage.Preview != "updated" {
		t.Fatalf("lastMessage after edit = %+v", updated.LastMessage)
	}

	events := notifier.all()
	last := events[len(events)-1]
	if last.event != EventMessageEdited || last.except != "alice" {
		t.Fatalf("unexpected edit event %+v", last)
	}
}

func TestEditMessage_OnlyTextIsEditable(t *testing.T) {
	svc, _, _ := newTestService(t)
	c := mustChat(t, svc, "alice", "bob")
	msg, _, err := svc.AppendMessage(context.Background(), c.ID, "alice",
		model.FileBody{FileKind: model.KindImage, URL: "https://cdn.homefix.local/p.jpg"}, "")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := svc.EditMessage(context.Background(), c.ID, msg.ID, "nope", "alice"); !errors.Is(err, ErrNotEditable) {
		t.Fatalf("image edit: %v", err)
	}
}

func TestDeleteMessage_RecomputesLastMessage(t *testing.T) {
	svc, _, notifier := newTestService(t)
	c := mustChat(t, svc, "alice", "bob")
	first, _, err := svc.AppendMessage(context.Background(), c.ID, "alice", model.TextBody{Text: "first"}, "")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	second, _, err := svc.AppendMessage(context.Background(), c.ID, "bob", model.TextBody{Text: "second"}, "")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := svc.DeleteMessage(context.Background(), c.ID, second.ID, "alice"); !errors.Is(err, ErrNotAuthor) {
		t.Fatalf("non-author delete: %v", err)
	}

	if err := svc.DeleteMessage(context.Background(), c.ID, second.ID, "bob"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	updated, err := svc.GetChatForUser(context.Background(), c.ID, "alice")
	if err != nil {
		t.Fatalf("GetChatForUser: %v", err)
	}
	if len(updated.Messages) != 1 || updated.Messages[0].ID != first.ID {
		t.Fatalf("log after delete = %+v", updated.Messages)
	}
	if updated.LastMessage == nil || updated.LastMessage.Preview != "first" {
		t.Fatalf("lastMessage after delete = %+v", updated.LastMessage)
	}

	events := notifier.all()
	last := events[len(events)-1]
	if last.event != EventMessageDeleted || last.except != "bob" {
		t.Fatalf("unexpected delete event %+v", last)
	}
}

func TestListChats_SummariesWithUnread(t *testing.T) {
	svc, _, _ := newTestService(t)
	c := mustChat(t, svc, "alice", "bob")
	for i := 0; i < 3; i++ {
		if _, _, err := svc.AppendMessage(context.Background(), c.ID, "alice", model.TextBody{Text: "hey"}, ""); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	summaries, err := svc.ListChats(context.Background(), "bob", 10, 0)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("summaries = %d", len(summaries))
	}
	sum := summaries[0]
	if sum.UnreadCount != 3 {
		t.Fatalf("unread = %d", sum.UnreadCount)
	}
	if sum.OtherParticipant == nil || sum.OtherParticipant.ID != "alice" || sum.OtherParticipant.Name != "Alice" {
		t.Fatalf("other participant = %+v", sum.OtherParticipant)
	}

	// The sender's own view carries no unread.
	summaries, err = svc.ListChats(context.Background(), "alice", 10, 0)
	if err != nil || len(summaries) != 1 {
		t.Fatalf("ListChats(alice) = %v, %v", summaries, err)
	}
	if summaries[0].UnreadCount != 0 {
		t.Fatalf("alice unread = %d", summaries[0].UnreadCount)
	}
}

func TestMemStore_RevisionConflict(t *testing.T) {
	store := NewMemStore()
	now := time.Now().UTC()
	c := &model.Chat{ID: "c1", Kind: model.ChatDirect, Participants: []string{"a", "b"}, IsActive: true, CreatedAt: now, UpdatedAt: now}
	if err := store.Create(context.Background(), c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, _ := store.Get(context.Background(), "c1")
	second, _ := store.Get(context.Background(), "c1")

	if err := store.Update(context.Background(), first); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := store.Update(context.Background(), second); !errors.Is(err, ErrRevisionConflict) {
		t.Fatalf("stale update: %v", err)
	}
}
