package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/homefix/internal/chat"
	"github.com/homefix/internal/logger"
	"github.com/homefix/internal/model"
)

// PGChatStore persists each chat as one row: the participant list, the
// message log and the lastMessage summary live in jsonb columns, so a
// mutation is a single-row atomic write. Writes are guarded by the revision
// column; a mismatch surfaces as chat.ErrRevisionConflict and the service
// reloads and retries.
type PGChatStore struct {
	pool *pgxpool.Pool
}

func NewPGChatStore(pool *pgxpool.Pool) *PGChatStore {
	return &PGChatStore{pool: pool}
}

const chatCols = `id, kind, participants, messages, last_message,
	COALESCE(appointment_id,''), COALESCE(service_request_id,''),
	is_active, created_by, created_at, updated_at, revision`

func scanChat(s interface{ Scan(dest ...any) error }) (*model.Chat, error) {
	c := &model.Chat{}
	var participants, messages, lastMessage []byte
	err := s.Scan(&c.ID, &c.Kind, &participants, &messages, &lastMessage,
		&c.AppointmentID, &c.ServiceRequestID,
		&c.IsActive, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt, &c.Revision)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(participants, &c.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &c.Messages); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
	}
	if len(lastMessage) > 0 {
		lm := &model.LastMessage{}
		if err := json.Unmarshal(lastMessage, lm); err != nil {
			return nil, fmt.Errorf("decode last_message: %w", err)
		}
		c.LastMessage = lm
	}
	return c, nil
}

func (r *PGChatStore) Get(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chatStore.Get", time.Now())()
	row := r.pool.QueryRow(ctx, `SELECT `+chatCols+` FROM chats WHERE id = $1`, id)
	c, err := scanChat(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chat.ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatStore.Get: %w", err)
	}
	return c, nil
}

func (r *PGChatStore) FindDirect(ctx context.Context, userA, userB string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chatStore.FindDirect", time.Now())()
	row := r.pool.QueryRow(ctx,
		`SELECT `+chatCols+` FROM chats
		 WHERE kind = $1
		   AND participants @> to_jsonb($2::text)
		   AND participants @> to_jsonb($3::text)
		   AND jsonb_array_length(participants) = 2
		 LIMIT 1`,
		model.ChatDirect, userA, userB)
	c, err := scanChat(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chat.ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatStore.FindDirect: %w", err)
	}
	return c, nil
}

func (r *PGChatStore) Create(ctx context.Context, c *model.Chat) error {
	defer logger.DeferLogDuration("chatStore.Create", time.Now())()
	participants, messages, lastMessage, err := encodeChat(c)
	if err != nil {
		return fmt.Errorf("chatStore.Create: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO chats (id, kind, participants, messages, last_message,
		    appointment_id, service_request_id, is_active, created_by,
		    created_at, updated_at, revision)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), NULLIF($7,''), $8, $9, $10, $11, $12)`,
		c.ID, c.Kind, participants, messages, lastMessage,
		c.AppointmentID, c.ServiceRequestID, c.IsActive, c.CreatedBy,
		c.CreatedAt, c.UpdatedAt, c.Revision)
	if err != nil {
		// Unique violation on the direct-pair index: a concurrent create won.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return chat.ErrChatExists
		}
		return fmt.Errorf("chatStore.Create: %w", err)
	}
	return nil
}

func (r *PGChatStore) Update(ctx context.Context, c *model.Chat) error {
	defer logger.DeferLogDuration("chatStore.Update", time.Now())()
	_, messages, lastMessage, err := encodeChat(c)
	if err != nil {
		return fmt.Errorf("chatStore.Update: %w", err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE chats
		 SET messages = $2, last_message = $3, updated_at = $4, revision = revision + 1
		 WHERE id = $1 AND revision = $5`,
		c.ID, messages, lastMessage, c.UpdatedAt, c.Revision)
	if err != nil {
		return fmt.Errorf("chatStore.Update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return chat.ErrRevisionConflict
	}
	c.Revision++
	return nil
}

func (r *PGChatStore) ListForUser(ctx context.Context, userID string, limit, offset int) ([]model.Chat, error) {
	defer logger.DeferLogDuration("chatStore.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+chatCols+` FROM chats
		 WHERE is_active AND participants @> to_jsonb($1::text)
		 ORDER BY updated_at DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("chatStore.ListForUser query: %w", err)
	}
	defer rows.Close()

	chats := make([]model.Chat, 0, limit)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("chatStore.ListForUser scan: %w", err)
		}
		chats = append(chats, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatStore.ListForUser rows: %w", err)
	}
	return chats, nil
}

// encodeChat marshals the jsonb columns. messages is always at least [] so
// the column stays non-null; last_message may be nil (SQL NULL).
func encodeChat(c *model.Chat) (participants, messages, lastMessage []byte, err error) {
	participants, err = json.Marshal(c.Participants)
	if err != nil {
		return nil, nil, nil, err
	}
	if c.Messages == nil {
		messages = []byte("[]")
	} else if messages, err = json.Marshal(c.Messages); err != nil {
		return nil, nil, nil, err
	}
	if c.LastMessage != nil {
		if lastMessage, err = json.Marshal(c.LastMessage); err != nil {
			return nil, nil, nil, err
		}
	}
	return participants, messages, lastMessage, nil
}
