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

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Create вставляет сообщение и в той же транзакции увеличивает персистентные
// счётчики непрочитанных активных участников (кроме отправителя; системные
// сообщения счётчики не трогают). ON CONFLICT DO NOTHING: конверт может быть
// доставлен воркеру повторно (at-least-once), вставка должна быть идемпотентной.
// inserted=false означает, что строка уже существовала (повторная доставка) —
// инкременты при этом не выполняются. Сбой воркера после коммита не может
// ни потерять инкремент, ни удвоить его при повторе.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) (inserted bool, err error) {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("msgRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, msg_type, content, attachment_url, reply_to_id, status, client_temp_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.ConversationID, m.SenderID, m.Type, m.Content, m.AttachmentURL, m.ReplyToID, m.Status, m.ClientTempID, m.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("msgRepo.Create: %w", err)
	}
	inserted = tag.RowsAffected() > 0

	if inserted && m.Type != model.MessageTypeSystem {
		if _, err := tx.Exec(ctx,
			`UPDATE conversation_participants SET unread_count = unread_count + 1
			 WHERE conversation_id = $1 AND user_id != $2 AND left_at IS NULL`,
			m.ConversationID, m.SenderID,
		); err != nil {
			return false, fmt.Errorf("msgRepo.Create unread: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("msgRepo.Create commit: %w", err)
	}
	return inserted, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, conversation_id, sender_id, msg_type, content, COALESCE(attachment_url,''), reply_to_id,
		        status, COALESCE(client_temp_id,''), is_deleted, edited_at, created_at
		 FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Content, &m.AttachmentURL, &m.ReplyToID,
		&m.Status, &m.ClientTempID, &m.IsDeleted, &m.EditedAt, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// StatusRow — сообщение, фактически сменившее статус (для маршрутизации квитанций).
type StatusRow struct {
	MessageID      string
	SenderID       string
	ConversationID string
}

// AdvanceStatus переводит статусы вперёд (sent→delivered→read); регресс
// блокируется в самом запросе, а не в коде. Сообщения самого readerID
// не трогаются. Возвращаются только реально изменённые строки.
func (r *MessageRepository) AdvanceStatus(ctx context.Context, messageIDs []string, readerID string, status model.MessageStatus) ([]StatusRow, error) {
	defer logger.DeferLogDuration("msg.AdvanceStatus", time.Now())()
	// Целевой статус обязан быть шагом вперёд от sent; регресс конкретных
	// строк блокируется в самих запросах.
	if !model.MessageStatusSent.CanTransitionTo(status) {
		return nil, fmt.Errorf("msgRepo.AdvanceStatus: invalid target status %q", status)
	}
	sql := `UPDATE messages SET status = 'read'
	       WHERE id = ANY($1) AND sender_id != $2 AND status != 'read'
	       RETURNING id, sender_id, conversation_id`
	if status == model.MessageStatusDelivered {
		sql = `UPDATE messages SET status = 'delivered'
		       WHERE id = ANY($1) AND sender_id != $2 AND status = 'sent'
		       RETURNING id, sender_id, conversation_id`
	}
	rows, err := r.pool.Query(ctx, sql, messageIDs, readerID)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.AdvanceStatus query: %w", err)
	}
	defer rows.Close()
	return scanStatusRows(rows)
}

// MarkConversationRead переводит в read все чужие непрочитанные сообщения чата.
func (r *MessageRepository) MarkConversationRead(ctx context.Context, conversationID, readerID string) ([]StatusRow, error) {
	defer logger.DeferLogDuration("msg.MarkConversationRead", time.Now())()
	rows, err := r.pool.Query(ctx,
		`UPDATE messages SET status = 'read'
		 WHERE conversation_id = $1 AND sender_id != $2 AND status != 'read' AND is_deleted = false
		 RETURNING id, sender_id, conversation_id`,
		conversationID, readerID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkConversationRead query: %w", err)
	}
	defer rows.Close()
	return scanStatusRows(rows)
}

func scanStatusRows(rows pgx.Rows) ([]StatusRow, error) {
	out := make([]StatusRow, 0, 16)
	for rows.Next() {
		var sr StatusRow
		if err := rows.Scan(&sr.MessageID, &sr.SenderID, &sr.ConversationID); err != nil {
			return nil, fmt.Errorf("msgRepo status scan: %w", err)
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo status rows: %w", err)
	}
	return out, nil
}

// ArchiveVersion сохраняет текущее содержимое перед правкой или удалением.
func (r *MessageRepository) ArchiveVersion(ctx context.Context, messageID, content string, at time.Time) error {
	defer logger.DeferLogDuration("msg.ArchiveVersion", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO message_versions (message_id, content, archived_at) VALUES ($1, $2, $3)`,
		messageID, content, at,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.ArchiveVersion: %w", err)
	}
	return nil
}

func (r *MessageRepository) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	defer logger.DeferLogDuration("msg.UpdateContent", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = $1, edited_at = $2 WHERE id = $3`,
		content, editedAt, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.UpdateContent: %w", err)
	}
	return nil
}

// SoftDelete помечает сообщение удалённым и очищает содержимое.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = true, content = '' WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	return nil
}
