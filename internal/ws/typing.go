package ws

import (
	"sync"
	"time"
)

// DefaultTypingTTL is how long a typing indicator survives without a fresh
// typing_start before the tracker expires it on the client's behalf.
const DefaultTypingTTL = 6 * time.Second

type typingKey struct {
	chatID string
	userID string
}

type typingEntry struct {
	userName string
	timer    *time.Timer
}

// TypingTracker holds who is typing in which chat and self-expires entries,
// so a client that vanishes mid-keystroke never leaves a stuck indicator.
// onExpire runs off the tracker's lock when an entry times out; explicit stops
// return state to the caller instead.
type TypingTracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	active   map[typingKey]*typingEntry
	onExpire func(chatID, userID, userName string)
}

func NewTypingTracker(ttl time.Duration, onExpire func(chatID, userID, userName string)) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{
		ttl:      ttl,
		active:   make(map[typingKey]*typingEntry),
		onExpire: onExpire,
	}
}

// Start marks the user as typing and arms (or re-arms) the expiry timer.
// Returns true when the user was not already typing in that chat, i.e. the
// caller should broadcast the indicator.
func (t *TypingTracker) Start(chatID, userID, userName string) bool {
	key := typingKey{chatID: chatID, userID: userID}
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.active[key]; ok {
		entry.timer.Reset(t.ttl)
		return false
	}
	t.active[key] = &typingEntry{
		userName: userName,
		timer: time.AfterFunc(t.ttl, func() {
			t.expire(key)
		}),
	}
	return true
}

// Stop clears the indicator. Returns the name recorded at Start and whether
// the user was actually typing, so the caller knows if a stop event is due.
func (t *TypingTracker) Stop(chatID, userID string) (userName string, wasTyping bool) {
	key := typingKey{chatID: chatID, userID: userID}
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.active[key]
	if !ok {
		return "", false
	}
	entry.timer.Stop()
	delete(t.active, key)
	return entry.userName, true
}

// StopSilent clears the indicator without reporting state. Used when a sent
// message makes the stop event redundant.
func (t *TypingTracker) StopSilent(chatID, userID string) {
	t.Stop(chatID, userID)
}

// StopAll cancels every timer; used on hub shutdown.
func (t *TypingTracker) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, entry := range t.active {
		entry.timer.Stop()
		delete(t.active, key)
	}
}

// IsTyping reports whether the user currently holds a live indicator.
func (t *TypingTracker) IsTyping(chatID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[typingKey{chatID: chatID, userID: userID}]
	return ok
}

func (t *TypingTracker) expire(key typingKey) {
	t.mu.Lock()
	entry, ok := t.active[key]
	if ok {
		delete(t.active, key)
	}
	t.mu.Unlock()

	// A Stop racing the timer wins; only a still-registered entry emits.
	if ok && t.onExpire != nil {
		t.onExpire(key.chatID, key.userID, entry.userName)
	}
}
