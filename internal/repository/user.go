package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/homefix/internal/logger"
	"github.com/homefix/internal/model"
)

var ErrNotFound = errors.New("not found")

const userCols = `id, name, email, role, COALESCE(profile_image,''), created_at`

// UserRepository reads the marketplace user directory. Accounts are created
// and updated by the marketplace backend; this service only resolves ids to
// profiles (and seeds rows in dev mode).
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.ProfileImage, &u.CreatedAt)
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

// Create inserts a directory row; used by dev seeding and tests.
func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, name, email, role, profile_image, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5,''), $6)
		 ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Name, u.Email, u.Role, u.ProfileImage, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}
