package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/model"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, username, COALESCE(avatar_url,''), is_online, last_seen_at, created_at, disabled_at
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.AvatarURL, &u.IsOnline, &u.LastSeenAt, &u.CreatedAt, &u.DisabledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetByIDs(ctx context.Context, ids []string) ([]model.User, error) {
	defer logger.DeferLogDuration("user.GetByIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, username, COALESCE(avatar_url,''), is_online, last_seen_at, created_at, disabled_at
		 FROM users WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetByIDs query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, len(ids))
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarURL, &u.IsOnline, &u.LastSeenAt, &u.CreatedAt, &u.DisabledAt); err != nil {
			return nil, fmt.Errorf("userRepo.GetByIDs scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.GetByIDs rows: %w", err)
	}
	return users, nil
}

// SetOnline обновляет персистентное зеркало статуса присутствия.
// lastSeen задаётся только на переходе online→offline, иначе nil.
func (r *UserRepository) SetOnline(ctx context.Context, id string, online bool, lastSeen *time.Time) error {
	defer logger.DeferLogDuration("user.SetOnline", time.Now())()
	var err error
	if lastSeen != nil {
		_, err = r.pool.Exec(ctx,
			`UPDATE users SET is_online = $1, last_seen_at = $2 WHERE id = $3`,
			online, *lastSeen, id,
		)
	} else {
		_, err = r.pool.Exec(ctx,
			`UPDATE users SET is_online = $1, last_seen_at = NULL WHERE id = $2`,
			online, id,
		)
	}
	if err != nil {
		return fmt.Errorf("userRepo.SetOnline: %w", err)
	}
	return nil
}
