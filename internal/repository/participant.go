package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/model"
)

type ParticipantRepository struct {
	pool *pgxpool.Pool
}

func NewParticipantRepository(pool *pgxpool.Pool) *ParticipantRepository {
	return &ParticipantRepository{pool: pool}
}

// Add добавляет участника; повторное добавление после выхода реактивирует
// строку (left_at сбрасывается, счётчик обнуляется).
func (r *ParticipantRepository) Add(ctx context.Context, p *model.Participant) error {
	defer logger.DeferLogDuration("part.Add", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id, unread_count, muted, pinned, notify, joined_at)
		 VALUES ($1, $2, 0, $3, $4, $5, $6)
		 ON CONFLICT (conversation_id, user_id)
		 DO UPDATE SET left_at = NULL, unread_count = 0, joined_at = $6`,
		p.ConversationID, p.UserID, p.Muted, p.Pinned, p.Notify, p.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("partRepo.Add: %w", err)
	}
	return nil
}

// Deactivate помечает участника вышедшим (left_at = now). Строка не удаляется.
func (r *ParticipantRepository) Deactivate(ctx context.Context, conversationID, userID string, at time.Time) error {
	defer logger.DeferLogDuration("part.Deactivate", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversation_participants SET left_at = $1
		 WHERE conversation_id = $2 AND user_id = $3 AND left_at IS NULL`,
		at, conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("partRepo.Deactivate: %w", err)
	}
	return nil
}

func (r *ParticipantRepository) ListActive(ctx context.Context, conversationID string) ([]model.Participant, error) {
	defer logger.DeferLogDuration("part.ListActive", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT conversation_id, user_id, unread_count, muted, pinned, notify, joined_at, left_at
		 FROM conversation_participants
		 WHERE conversation_id = $1 AND left_at IS NULL
		 ORDER BY joined_at`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("partRepo.ListActive query: %w", err)
	}
	defer rows.Close()

	parts := make([]model.Participant, 0, 8)
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.UnreadCount, &p.Muted, &p.Pinned, &p.Notify, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, fmt.Errorf("partRepo.ListActive scan: %w", err)
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("partRepo.ListActive rows: %w", err)
	}
	return parts, nil
}

func (r *ParticipantRepository) IsActive(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("part.IsActive", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_participants
		 WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("partRepo.IsActive: %w", err)
	}
	return exists, nil
}

func (r *ParticipantRepository) CountActive(ctx context.Context, conversationID string) (int, error) {
	defer logger.DeferLogDuration("part.CountActive", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversation_participants
		 WHERE conversation_id = $1 AND left_at IS NULL`, conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("partRepo.CountActive: %w", err)
	}
	return n, nil
}

// ListUserConversationIDs возвращает id активных чатов пользователя
// (для восстановления комнат при переподключении).
func (r *ParticipantRepository) ListUserConversationIDs(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("part.ListUserConversationIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT conversation_id FROM conversation_participants
		 WHERE user_id = $1 AND left_at IS NULL`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("partRepo.ListUserConversationIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("partRepo.ListUserConversationIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("partRepo.ListUserConversationIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ParticipantRepository) ResetUnread(ctx context.Context, conversationID, userID string) error {
	defer logger.DeferLogDuration("part.ResetUnread", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversation_participants SET unread_count = 0
		 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("partRepo.ResetUnread: %w", err)
	}
	return nil
}

func (r *ParticipantRepository) GetUnread(ctx context.Context, conversationID, userID string) (int, error) {
	defer logger.DeferLogDuration("part.GetUnread", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT unread_count FROM conversation_participants
		 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("partRepo.GetUnread: %w", err)
	}
	return n, nil
}
