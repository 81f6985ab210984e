package chat

import (
	"context"

	"github.com/homefix/internal/model"
)

// Store is the persistence collaborator for chat documents. Each chat is one
// document; Update must apply the whole mutation atomically and fail with
// ErrRevisionConflict when the stored revision no longer matches, so that the
// service can reload and retry. On success Update advances the passed chat's
// Revision to the stored value.
type Store interface {
	Get(ctx context.Context, id string) (*model.Chat, error)
	// FindDirect locates the direct chat between the two users regardless of
	// participant order; ErrChatNotFound when none exists.
	FindDirect(ctx context.Context, userA, userB string) (*model.Chat, error)
	Create(ctx context.Context, c *model.Chat) error
	Update(ctx context.Context, c *model.Chat) error
	// ListForUser returns the user's active chats, most recently updated
	// first.
	ListForUser(ctx context.Context, userID string, limit, offset int) ([]model.Chat, error)
}

// Directory resolves user ids to profiles; backed by the marketplace's user
// collection, consumed read-only.
type Directory interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}
