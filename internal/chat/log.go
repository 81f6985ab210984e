package chat

import (
	"time"

	"github.com/homefix/internal/model"
)

// Log is the explicit ordered container for a chat's message log: a slice in
// append order plus an id-to-position index for O(1) lookup. It replaces the
// ad-hoc scan-by-id over an embedded array that the source system relied on.
// A Log is built from a loaded chat document, mutated, and written back.
type Log struct {
	msgs  []model.Message
	index map[string]int
}

func NewLog(msgs []model.Message) *Log {
	l := &Log{
		msgs:  msgs,
		index: make(map[string]int, len(msgs)),
	}
	for i := range msgs {
		l.index[msgs[i].ID] = i
	}
	return l
}

func (l *Log) Len() int { return len(l.msgs) }

// Append adds a message to the tail.
func (l *Log) Append(m model.Message) {
	l.index[m.ID] = len(l.msgs)
	l.msgs = append(l.msgs, m)
}

// Get returns a pointer to the stored message for in-place mutation.
func (l *Log) Get(id string) (*model.Message, bool) {
	i, ok := l.index[id]
	if !ok {
		return nil, false
	}
	return &l.msgs[i], true
}

// Remove deletes the message from the log, preserving the order of the rest.
func (l *Log) Remove(id string) bool {
	i, ok := l.index[id]
	if !ok {
		return false
	}
	l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
	delete(l.index, id)
	for j := i; j < len(l.msgs); j++ {
		l.index[l.msgs[j].ID] = j
	}
	return true
}

// Last returns the tail message, or nil when the log is empty.
func (l *Log) Last() *model.Message {
	if len(l.msgs) == 0 {
		return nil
	}
	return &l.msgs[len(l.msgs)-1]
}

// Messages returns the backing slice in append order.
func (l *Log) Messages() []model.Message { return l.msgs }

// LastMessage recomputes the denormalized summary from the current tail.
// Returns nil when the log is empty, which clears the chat's summary.
func (l *Log) LastMessage() *model.LastMessage {
	last := l.Last()
	if last == nil {
		return nil
	}
	return &model.LastMessage{
		Preview:   last.Body.Preview(),
		SenderID:  last.SenderID,
		Kind:      last.Kind(),
		Timestamp: last.CreatedAt,
	}
}

// UnreadCount counts messages not sent by userID that userID has not read.
func (l *Log) UnreadCount(userID string) int {
	n := 0
	for i := range l.msgs {
		m := &l.msgs[i]
		if m.SenderID != userID && !m.ReadByUser(userID) {
			n++
		}
	}
	return n
}

// MarkRead adds a read marker for userID to the listed messages, or to every
// message when ids is empty. Messages sent by userID and messages already
// read are skipped, so re-marking is a no-op. Returns the ids that actually
// gained a marker.
func (l *Log) MarkRead(userID string, ids []string, at time.Time) []string {
	var marked []string
	mark := func(m *model.Message) {
		if m.SenderID == userID || m.ReadByUser(userID) {
			return
		}
		m.ReadBy = append(m.ReadBy, model.ReadMarker{UserID: userID, ReadAt: at})
		marked = append(marked, m.ID)
	}
	if len(ids) == 0 {
		for i := range l.msgs {
			mark(&l.msgs[i])
		}
		return marked
	}
	for _, id := range ids {
		if m, ok := l.Get(id); ok {
			mark(m)
		}
	}
	return marked
}
