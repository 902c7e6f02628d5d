// Package pipeline is the durable message delivery path: submitted drafts are
// acknowledged immediately, queued, then persisted and fanned out by
// background workers; delivered/read receipts are routed back to senders.
//
// Fan-out happens only after persistence succeeds — clients never see a
// message the server cannot also recover after a crash.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/presence"
	"github.com/chatserver/internal/repository"
	"github.com/chatserver/internal/storage"
)

const maxContentLen = 4000

// MessageStore is the system-of-record for messages.
type MessageStore interface {
	// Create persists the message and, for a newly inserted non-system row,
	// bumps the persisted unread counter of every active participant except
	// the sender in the same transaction. inserted=false means the row
	// already existed (redelivery) and counters were left untouched.
	Create(ctx context.Context, m *model.Message) (inserted bool, err error)
	GetByID(ctx context.Context, id string) (*model.Message, error)
	AdvanceStatus(ctx context.Context, messageIDs []string, readerID string, status model.MessageStatus) ([]repository.StatusRow, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID string) ([]repository.StatusRow, error)
	ArchiveVersion(ctx context.Context, messageID, content string, at time.Time) error
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error
	SoftDelete(ctx context.Context, id string) error
}

type ConversationStore interface {
	Create(ctx context.Context, c *model.Conversation) error
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	FindDirect(ctx context.Context, userID1, userID2 string) (*model.Conversation, error)
	TouchLastMessage(ctx context.Context, id string, at time.Time) error
}

type ParticipantStore interface {
	Add(ctx context.Context, p *model.Participant) error
	ListActive(ctx context.Context, conversationID string) ([]model.Participant, error)
	IsActive(ctx context.Context, conversationID, userID string) (bool, error)
	ResetUnread(ctx context.Context, conversationID, userID string) error
}

type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// Fanout delivers processed events to live connections. Implemented by the
// websocket hub; a no-op implementation is fine for tools and tests.
type Fanout interface {
	NewMessage(conversationID string, m *model.Message)
	MessageUpdated(conversationID, messageID, content string, editedAt time.Time)
	MessageDeleted(conversationID, messageID string)
	ReceiptToSender(r *model.Receipt)
	ConversationChanged(op *model.ConversationOp)
}

// Notifier dispatches best-effort push notifications to offline users.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

type Pipeline struct {
	store    storage.Store
	msgs     MessageStore
	convs    ConversationStore
	parts    ParticipantStore
	users    UserStore
	presence *presence.Registry
	fanout   Fanout
	notifier Notifier
}

func New(
	store storage.Store,
	msgs MessageStore,
	convs ConversationStore,
	parts ParticipantStore,
	users UserStore,
	reg *presence.Registry,
	fanout Fanout,
	notifier Notifier,
) *Pipeline {
	return &Pipeline{
		store:    store,
		msgs:     msgs,
		convs:    convs,
		parts:    parts,
		users:    users,
		presence: reg,
		fanout:   fanout,
		notifier: notifier,
	}
}

// BindFanout подключает hub после конструирования: hub зависит от конвейера
// как от MessageOps, поэтому связывание двухфазное.
func (p *Pipeline) BindFanout(f Fanout) { p.fanout = f }

// Draft is an outbound message as submitted by a client. Exactly one of
// ConversationID / ReceiverID must be set.
type Draft struct {
	ConversationID string
	ReceiverID     string
	Type           model.MessageType
	Content        string
	AttachmentURL  string
	ReplyToID      string
	ClientTempID   string
}

// Ack is the immediate "pending" acknowledgment returned to the sender while
// the message is still queued. It is never persisted.
type Ack struct {
	MessageID      string `json:"message_id"`
	ClientTempID   string `json:"client_temp_id,omitempty"`
	ConversationID string `json:"conversation_id"`
}

// Submit validates the draft, resolves (or creates) the target conversation,
// assigns a server id and queues the message for asynchronous processing.
// Resubmitting the same clientTempId returns the original ack without a
// duplicate insertion.
func (p *Pipeline) Submit(ctx context.Context, senderID string, d Draft) (*Ack, error) {
	defer logger.DeferLogDuration("pipeline.Submit", time.Now())()

	if d.Type == "" {
		d.Type = model.MessageTypeText
	}
	switch d.Type {
	case model.MessageTypeText, model.MessageTypeImage, model.MessageTypeAudio:
	default:
		return nil, model.Errf(model.ErrValidation, "unsupported message type %q", d.Type)
	}
	d.Content = strings.TrimSpace(d.Content)
	if d.Content == "" && d.AttachmentURL == "" {
		return nil, model.Errf(model.ErrValidation, "content or attachment_url required")
	}
	if len(d.Content) > maxContentLen {
		return nil, model.Errf(model.ErrValidation, "content exceeds %d bytes", maxContentLen)
	}
	if (d.ConversationID == "") == (d.ReceiverID == "") {
		return nil, model.Errf(model.ErrValidation, "exactly one of conversation_id or receiver_id required")
	}

	conv, err := p.resolveConversation(ctx, senderID, d)
	if err != nil {
		return nil, err
	}

	messageID := uuid.New().String()
	if d.ClientTempID != "" {
		existing, created, err := p.store.PutClientTempID(ctx, senderID, d.ClientTempID, messageID)
		if err != nil {
			return nil, err
		}
		if !created {
			// Повторная отправка того же черновика — возвращаем прежний id.
			return &Ack{MessageID: existing, ClientTempID: d.ClientTempID, ConversationID: conv.ID}, nil
		}
	}

	var replyTo *string
	if d.ReplyToID != "" {
		replyTo = &d.ReplyToID
	}
	m := &model.Message{
		ID:             messageID,
		ConversationID: conv.ID,
		SenderID:       senderID,
		ReceiverID:     d.ReceiverID,
		Type:           d.Type,
		Content:        d.Content,
		AttachmentURL:  d.AttachmentURL,
		ReplyToID:      replyTo,
		Status:         model.MessageStatusSent,
		ClientTempID:   d.ClientTempID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.enqueue(ctx, &model.Envelope{Kind: model.EnvelopeMessageCreate, Message: m}); err != nil {
		return nil, err
	}
	return &Ack{MessageID: messageID, ClientTempID: d.ClientTempID, ConversationID: conv.ID}, nil
}

// resolveConversation validates membership for an explicit target, or finds /
// creates the direct conversation for the exact (sender, receiver) pair.
func (p *Pipeline) resolveConversation(ctx context.Context, senderID string, d Draft) (*model.Conversation, error) {
	if d.ConversationID != "" {
		conv, err := p.convs.GetByID(ctx, d.ConversationID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.Errf(model.ErrNotFound, "conversation %s not found", d.ConversationID)
		}
		if err != nil {
			return nil, err
		}
		if conv.Status != model.ConversationActive {
			return nil, model.Errf(model.ErrConversationClosed, "conversation %s is %s", conv.ID, conv.Status)
		}
		active, err := p.parts.IsActive(ctx, conv.ID, senderID)
		if err != nil {
			return nil, err
		}
		if !active {
			return nil, model.Errf(model.ErrNotParticipant, "not a participant of conversation %s", conv.ID)
		}
		return conv, nil
	}

	if d.ReceiverID == senderID {
		return nil, model.Errf(model.ErrValidation, "cannot message yourself")
	}
	if _, err := p.users.GetByID(ctx, d.ReceiverID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.Errf(model.ErrNotFound, "receiver %s not found", d.ReceiverID)
		}
		return nil, err
	}

	conv, err := p.convs.FindDirect(ctx, senderID, d.ReceiverID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	conv = &model.Conversation{
		ID:        uuid.New().String(),
		Type:      model.ConversationTypeDirect,
		Status:    model.ConversationActive,
		CreatedBy: senderID,
		CreatedAt: now,
	}
	if err := p.convs.Create(ctx, conv); err != nil {
		return nil, err
	}
	for _, uid := range []string{senderID, d.ReceiverID} {
		part := &model.Participant{
			ConversationID: conv.ID,
			UserID:         uid,
			Notify:         true,
			JoinedAt:       now,
		}
		if err := p.parts.Add(ctx, part); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

// MarkDelivered advances the given messages to "delivered" for userID and
// queues receipts back to each affected sender. Messages already read are
// left untouched — status never moves backward.
func (p *Pipeline) MarkDelivered(ctx context.Context, userID string, messageIDs []string) error {
	defer logger.DeferLogDuration("pipeline.MarkDelivered", time.Now())()
	if len(messageIDs) == 0 {
		return model.Errf(model.ErrValidation, "message_ids required")
	}
	rows, err := p.msgs.AdvanceStatus(ctx, messageIDs, userID, model.MessageStatusDelivered)
	if err != nil {
		return err
	}
	return p.enqueueReceipts(ctx, userID, rows, model.MessageStatusDelivered)
}

// MarkRead marks messages read. With a conversationID it also resets the
// reader's unread counter in both the cache and the system-of-record as one
// logical operation; calling it again is a no-op that keeps the counter at 0.
func (p *Pipeline) MarkRead(ctx context.Context, userID, conversationID string, messageIDs []string) error {
	defer logger.DeferLogDuration("pipeline.MarkRead", time.Now())()
	switch {
	case conversationID != "":
		active, err := p.parts.IsActive(ctx, conversationID, userID)
		if err != nil {
			return err
		}
		if !active {
			return model.Errf(model.ErrNotParticipant, "not a participant of conversation %s", conversationID)
		}
		rows, err := p.msgs.MarkConversationRead(ctx, conversationID, userID)
		if err != nil {
			return err
		}
		if err := p.store.SetUnread(ctx, conversationID, userID, 0); err != nil {
			return err
		}
		if err := p.parts.ResetUnread(ctx, conversationID, userID); err != nil {
			return err
		}
		return p.enqueueReceipts(ctx, userID, rows, model.MessageStatusRead)
	case len(messageIDs) > 0:
		rows, err := p.msgs.AdvanceStatus(ctx, messageIDs, userID, model.MessageStatusRead)
		if err != nil {
			return err
		}
		return p.enqueueReceipts(ctx, userID, rows, model.MessageStatusRead)
	default:
		return model.Errf(model.ErrValidation, "conversation_id or message_ids required")
	}
}

// enqueueReceipts groups transitioned rows per (sender, conversation) and
// queues one receipt envelope per group.
func (p *Pipeline) enqueueReceipts(ctx context.Context, readerID string, rows []repository.StatusRow, status model.MessageStatus) error {
	type key struct{ sender, conv string }
	grouped := make(map[key][]string)
	for _, row := range rows {
		k := key{sender: row.SenderID, conv: row.ConversationID}
		grouped[k] = append(grouped[k], row.MessageID)
	}
	for k, ids := range grouped {
		env := &model.Envelope{
			Kind: model.EnvelopeReceipt,
			Receipt: &model.Receipt{
				SenderID:       k.sender,
				ReaderID:       readerID,
				ConversationID: k.conv,
				MessageIDs:     ids,
				Status:         status,
			},
		}
		if err := p.enqueue(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// EditMessage archives the prior content as a version record, then rewrites
// the message. Only the original sender may edit.
func (p *Pipeline) EditMessage(ctx context.Context, userID, messageID, content string) error {
	defer logger.DeferLogDuration("pipeline.EditMessage", time.Now())()
	content = strings.TrimSpace(content)
	if messageID == "" || content == "" {
		return model.Errf(model.ErrValidation, "message_id and content required")
	}
	if len(content) > maxContentLen {
		return model.Errf(model.ErrValidation, "content exceeds %d bytes", maxContentLen)
	}
	m, err := p.getOwnMessage(ctx, userID, messageID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := p.msgs.ArchiveVersion(ctx, m.ID, m.Content, now); err != nil {
		return err
	}
	if err := p.msgs.UpdateContent(ctx, m.ID, content, now); err != nil {
		return err
	}
	p.fanout.MessageUpdated(m.ConversationID, m.ID, content, now)
	return nil
}

// DeleteMessage soft-deletes: prior content is archived, the row remains.
func (p *Pipeline) DeleteMessage(ctx context.Context, userID, messageID string) error {
	defer logger.DeferLogDuration("pipeline.DeleteMessage", time.Now())()
	if messageID == "" {
		return model.Errf(model.ErrValidation, "message_id required")
	}
	m, err := p.getOwnMessage(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if err := p.msgs.ArchiveVersion(ctx, m.ID, m.Content, time.Now().UTC()); err != nil {
		return err
	}
	if err := p.msgs.SoftDelete(ctx, m.ID); err != nil {
		return err
	}
	p.fanout.MessageDeleted(m.ConversationID, m.ID)
	return nil
}

func (p *Pipeline) getOwnMessage(ctx context.Context, userID, messageID string) (*model.Message, error) {
	m, err := p.msgs.GetByID(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.Errf(model.ErrNotFound, "message %s not found", messageID)
	}
	if err != nil {
		return nil, err
	}
	if m.SenderID != userID {
		return nil, model.Errf(model.ErrValidation, "can only modify own messages")
	}
	if m.IsDeleted {
		return nil, model.Errf(model.ErrValidation, "message is deleted")
	}
	return m, nil
}

// EnqueueConversationOp queues a membership-change narration (system message
// plus room re-broadcast) for asynchronous processing.
func (p *Pipeline) EnqueueConversationOp(ctx context.Context, op *model.ConversationOp) error {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	return p.enqueue(ctx, &model.Envelope{Kind: model.EnvelopeConversationOp, ConvOp: op})
}

func (p *Pipeline) enqueue(ctx context.Context, env *model.Envelope) error {
	env.EnqueuedAt = time.Now().UTC()
	payload, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return p.store.Enqueue(ctx, payload)
}
