package chat

import (
	"context"
	"sort"
	"sync"

	"github.com/homefix/internal/model"
)

// MemStore is an in-memory Store with the same revision semantics as the
// Postgres-backed one. It backs tests and keeps the service runnable without
// external infrastructure.
type MemStore struct {
	mu    sync.RWMutex
	chats map[string]*model.Chat
}

func NewMemStore() *MemStore {
	return &MemStore{chats: make(map[string]*model.Chat)}
}

func (s *MemStore) Get(ctx context.Context, id string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, ErrChatNotFound
	}
	return cloneChat(c), nil
}

func (s *MemStore) FindDirect(ctx context.Context, userA, userB string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.chats {
		if c.Kind != model.ChatDirect || len(c.Participants) != 2 {
			continue
		}
		if c.HasParticipant(userA) && c.HasParticipant(userB) {
			return cloneChat(c), nil
		}
	}
	return nil, ErrChatNotFound
}

func (s *MemStore) Create(ctx context.Context, c *model.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Mirror the partial unique index over the direct participant pair.
	if c.Kind == model.ChatDirect && len(c.Participants) == 2 {
		for _, other := range s.chats {
			if other.Kind == model.ChatDirect && len(other.Participants) == 2 &&
				other.HasParticipant(c.Participants[0]) && other.HasParticipant(c.Participants[1]) {
				return ErrChatExists
			}
		}
	}
	s.chats[c.ID] = cloneChat(c)
	return nil
}

func (s *MemStore) Update(ctx context.Context, c *model.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.chats[c.ID]
	if !ok {
		return ErrChatNotFound
	}
	if stored.Revision != c.Revision {
		return ErrRevisionConflict
	}
	next := cloneChat(c)
	next.Revision++
	s.chats[c.ID] = next
	c.Revision = next.Revision
	return nil
}

func (s *MemStore) ListForUser(ctx context.Context, userID string, limit, offset int) ([]model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Chat
	for _, c := range s.chats {
		if c.IsActive && c.HasParticipant(userID) {
			out = append(out, *cloneChat(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// cloneChat deep-copies a chat so callers never share mutable state with the
// store.
func cloneChat(c *model.Chat) *model.Chat {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	if c.Messages != nil {
		out.Messages = make([]model.Message, len(c.Messages))
		for i := range c.Messages {
			out.Messages[i] = cloneMessage(&c.Messages[i])
		}
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return &out
}

func cloneMessage(m *model.Message) model.Message {
	out := *m
	if m.ReadBy != nil {
		out.ReadBy = append([]model.ReadMarker(nil), m.ReadBy...)
	}
	if m.Edited != nil {
		e := *m.Edited
		out.Edited = &e
	}
	return out
}
