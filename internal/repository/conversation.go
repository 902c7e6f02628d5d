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

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func (r *ConversationRepository) Create(ctx context.Context, c *model.Conversation) error {
	defer logger.DeferLogDuration("conv.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversations (id, conv_type, name, topic_ref, status, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Type, c.Name, c.TopicRef, c.Status, c.CreatedBy, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("convRepo.Create: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, conv_type, name, COALESCE(topic_ref,''), status, created_by, last_message_at, created_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.Type, &c.Name, &c.TopicRef, &c.Status, &c.CreatedBy, &c.LastMessageAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

// FindDirect ищет активный личный чат ровно для пары (userID1, userID2).
func (r *ConversationRepository) FindDirect(ctx context.Context, userID1, userID2 string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.FindDirect", time.Now())()
	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`SELECT c.id, c.conv_type, c.name, COALESCE(c.topic_ref,''), c.status, c.created_by, c.last_message_at, c.created_at
		 FROM conversations c
		 WHERE c.conv_type = 'direct'
		   AND EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = c.id AND user_id = $1 AND left_at IS NULL)
		   AND EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = c.id AND user_id = $2 AND left_at IS NULL)
		 LIMIT 1`,
		userID1, userID2,
	).Scan(&c.ID, &c.Type, &c.Name, &c.TopicRef, &c.Status, &c.CreatedBy, &c.LastMessageAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.FindDirect: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) TouchLastMessage(ctx context.Context, id string, at time.Time) error {
	defer logger.DeferLogDuration("conv.TouchLastMessage", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations SET last_message_at = $1 WHERE id = $2 AND (last_message_at IS NULL OR last_message_at < $1)`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("convRepo.TouchLastMessage: %w", err)
	}
	return nil
}

// SetStatus переводит чат в closed/archived. Жёсткого удаления нет.
func (r *ConversationRepository) SetStatus(ctx context.Context, id string, status model.ConversationStatus) error {
	defer logger.DeferLogDuration("conv.SetStatus", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations SET status = $1 WHERE id = $2`, status, id,
	)
	if err != nil {
		return fmt.Errorf("convRepo.SetStatus: %w", err)
	}
	return nil
}
