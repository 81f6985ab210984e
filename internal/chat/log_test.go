package chat

import (
	"fmt"
	"testing"
	"time"

	"github.com/homefix/internal/model"
)

func textMsg(id, sender, text string, at time.Time) model.Message {
	m, err := model.NewMessage(id, sender, model.TextBody{Text: text}, "", at)
	if err != nil {
		panic(err)
	}
	return m
}

func TestLog_AppendPreservesOrder(t *testing.T) {
	l := NewLog(nil)
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		l.Append(textMsg(fmt.Sprintf("m%d", i), "alice", "hi", now))
	}
	if l.Len() != 5 {
		t.Fatalf("expected 5 messages, got %d", l.Len())
	}
	for i, m := range l.Messages() {
		if m.ID != fmt.Sprintf("m%d", i) {
			t.Fatalf("position %d holds %s", i, m.ID)
		}
	}
}

func TestLog_GetReturnsStoredMessage(t *testing.T) {
	now := time.Now().UTC()
	l := NewLog([]model.Message{
		textMsg("m1", "alice", "first", now),
		textMsg("m2", "bob", "second", now),
	})
	m, ok := l.Get("m2")
	if !ok || m.SenderID != "bob" {
		t.Fatalf("Get(m2) = %v, %v", m, ok)
	}
	if _, ok := l.Get("missing"); ok {
		t.Fatal("Get should miss on unknown id")
	}

	// Mutation through the pointer must be visible in the backing slice.
	m.Body = model.TextBody{Text: "edited"}
	if got := l.Messages()[1].Body.Preview(); got != "edited" {
		t.Fatalf("in-place edit not visible: %q", got)
	}
}

func TestLog_RemoveReindexes(t *testing.T) {
	now := time.Now().UTC()
	l := NewLog([]model.Message{
		textMsg("m1", "alice", "a", now),
		textMsg("m2", "bob", "b", now),
		textMsg("m3", "alice", "c", now),
	})
	if !l.Remove("m2") {
		t.Fatal("Remove(m2) = false")
	}
	if l.Remove("m2") {
		t.Fatal("second Remove(m2) should be false")
	}
	if l.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", l.Len())
	}
	// m3 shifted down one position; the index must follow.
	m, ok := l.Get("m3")
	if !ok || m.Body.Preview() != "c" {
		t.Fatalf("Get(m3) after remove = %v, %v", m, ok)
	}
}

func TestLog_LastMessageTracksTail(t *testing.T) {
	now := time.Now().UTC()
	l := NewLog(nil)
	if l.LastMessage() != nil {
		t.Fatal("empty log should have nil summary")
	}

	l.Append(textMsg("m1", "alice", "hello", now))
	fileMsg, err := model.NewMessage("m2", "bob",
		model.FileBody{FileKind: model.KindImage, URL: "https://cdn.homefix.local/p.jpg"}, "", now.Add(time.Second))
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	l.Append(fileMsg)

	lm := l.LastMessage()
	if lm == nil || lm.SenderID != "bob" || lm.Kind != model.KindImage {
		t.Fatalf("unexpected summary %+v", lm)
	}
	if lm.Preview != "Sent a image" {
		t.Fatalf("attachment preview = %q", lm.Preview)
	}

	l.Remove("m2")
	lm = l.LastMessage()
	if lm == nil || lm.Preview != "hello" {
		t.Fatalf("summary after tail delete = %+v", lm)
	}

	l.Remove("m1")
	if l.LastMessage() != nil {
		t.Fatal("summary should clear when the log empties")
	}
}

func TestLog_MarkReadSkipsSenderAndDuplicates(t *testing.T) {
	now := time.Now().UTC()
	l := NewLog([]model.Message{
		textMsg("m1", "alice", "a", now),
		textMsg("m2", "bob", "b", now),
		textMsg("m3", "bob", "c", now),
	})

	marked := l.MarkRead("bob", nil, now)
	if len(marked) != 1 || marked[0] != "m1" {
		t.Fatalf("bob should mark only alice's message, got %v", marked)
	}
	if l.UnreadCount("bob") != 0 {
		t.Fatalf("bob unread = %d", l.UnreadCount("bob"))
	}

	// Re-marking is a no-op.
	if again := l.MarkRead("bob", nil, now); len(again) != 0 {
		t.Fatalf("second MarkRead should mark nothing, got %v", again)
	}

	// Explicit ids mark only the listed messages.
	marked = l.MarkRead("alice", []string{"m2", "missing"}, now)
	if len(marked) != 1 || marked[0] != "m2" {
		t.Fatalf("explicit MarkRead = %v", marked)
	}
	if l.UnreadCount("alice") != 1 {
		t.Fatalf("alice unread = %d", l.UnreadCount("alice"))
	}
}
