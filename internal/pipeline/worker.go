package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/repository"
)

const (
	// Конверт обрабатывается не более maxAttempts раз, затем уходит
	// в dead-letter очередь для ручного разбора.
	maxAttempts  = 5
	retryBackoff = 3 * time.Second
	dequeueWait  = 2 * time.Second
)

// Workers is the pool draining the delivery queue. Each worker loops
// Dequeue→Process; a failed envelope is re-enqueued after a fixed backoff so
// the pool never stalls on one bad payload.
type Workers struct {
	p     *Pipeline
	count int

	wg sync.WaitGroup
	// pending re-enqueue timers, so Stop can wait them out
	timers sync.WaitGroup
}

func NewWorkers(p *Pipeline, count int) *Workers {
	if count < 1 {
		count = 1
	}
	return &Workers{p: p, count: count}
}

// Run запускает воркеры и блокируется до отмены ctx.
func (w *Workers) Run(ctx context.Context) {
	logger.Infof("delivery workers started: %d", w.count)
	for i := 0; i < w.count; i++ {
		w.wg.Add(1)
		go func(n int) {
			defer w.wg.Done()
			w.loop(ctx, n)
		}(i)
	}
	w.wg.Wait()
	w.timers.Wait()
	logger.Info("delivery workers stopped")
}

func (w *Workers) loop(ctx context.Context, n int) {
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := w.p.store.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("worker %d: dequeue: %v", n, err)
			time.Sleep(time.Second)
			continue
		}
		if payload == nil {
			continue
		}
		w.handle(ctx, payload)
	}
}

func (w *Workers) handle(ctx context.Context, payload []byte) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		// Нечитаемый конверт ретраить бессмысленно.
		logger.Errorf("worker: %v", err)
		if derr := w.p.store.EnqueueDead(ctx, payload); derr != nil {
			logger.Errorf("worker: dead-letter: %v", derr)
		}
		return
	}

	if err := w.p.Process(ctx, env); err != nil {
		w.retry(ctx, env, err)
	}
}

// retry пере-ставит конверт в очередь после паузы либо, исчерпав попытки,
// отправит его в dead-letter.
func (w *Workers) retry(ctx context.Context, env *model.Envelope, cause error) {
	env.Attempts++
	payload, err := encodeEnvelope(env)
	if err != nil {
		logger.Errorf("worker: re-encode: %v", err)
		return
	}
	if env.Attempts >= maxAttempts {
		logger.Errorf("worker: envelope %s exhausted %d attempts, dead-lettering: %v", env.Kind, env.Attempts, cause)
		if derr := w.p.store.EnqueueDead(ctx, payload); derr != nil {
			logger.Errorf("worker: dead-letter: %v", derr)
		}
		return
	}
	logger.Errorf("worker: envelope %s attempt %d failed, retrying: %v", env.Kind, env.Attempts, cause)
	w.timers.Add(1)
	time.AfterFunc(retryBackoff, func() {
		defer w.timers.Done()
		if err := w.p.store.Enqueue(context.Background(), payload); err != nil {
			logger.Errorf("worker: requeue: %v", err)
		}
	})
}

// Process applies one envelope's side effects. It must be safe to call again
// with the same envelope after a partial failure (at-least-once delivery).
func (p *Pipeline) Process(ctx context.Context, env *model.Envelope) error {
	switch env.Kind {
	case model.EnvelopeMessageCreate:
		if env.Message == nil {
			return fmt.Errorf("pipeline: %s envelope without message", env.Kind)
		}
		return p.processMessageCreate(ctx, env.Message)
	case model.EnvelopeReceipt:
		if env.Receipt == nil {
			return fmt.Errorf("pipeline: %s envelope without receipt", env.Kind)
		}
		return p.processReceipt(ctx, env.Receipt)
	case model.EnvelopeConversationOp:
		if env.ConvOp == nil {
			return fmt.Errorf("pipeline: %s envelope without conv_op", env.Kind)
		}
		return p.processConversationOp(ctx, env.ConvOp)
	case model.EnvelopeNotify:
		if env.Notify == nil {
			return fmt.Errorf("pipeline: %s envelope without notify", env.Kind)
		}
		p.notifier.Notify(ctx, env.Notify.UserID, env.Notify.Title, env.Notify.Body, env.Notify.Data)
		return nil
	default:
		return fmt.Errorf("pipeline: unknown envelope kind %q", env.Kind)
	}
}

// processMessageCreate persists the message (persisted unread counters are
// bumped inside the same insert transaction), refreshes the unread cache, fans
// out to live recipients and queues push/inbox fallbacks for offline ones.
//
// Персист идемпотентен: при повторной доставке конверта inserted=false, и
// инкременты кеша пропускаются. Инкремент кеша, потерянный при частичном
// сбое, чинится сверкой с персистентным счётчиком при чтении.
func (p *Pipeline) processMessageCreate(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("pipeline.processMessageCreate", time.Now())()

	inserted, err := p.msgs.Create(ctx, m)
	if err != nil {
		return err
	}
	if err := p.convs.TouchLastMessage(ctx, m.ConversationID, m.CreatedAt); err != nil {
		return err
	}

	parts, err := p.parts.ListActive(ctx, m.ConversationID)
	if err != nil {
		return err
	}

	if inserted && m.Type != model.MessageTypeSystem {
		for _, part := range parts {
			if part.UserID == m.SenderID {
				continue
			}
			if _, err := p.store.IncrUnread(ctx, m.ConversationID, part.UserID); err != nil {
				logger.Errorf("pipeline: unread cache incr for %s: %v", part.UserID, err)
			}
		}
	}

	if sender, err := p.users.GetByID(ctx, m.SenderID); err == nil {
		pub := sender.ToPublic()
		m.Sender = &pub
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	p.fanout.NewMessage(m.ConversationID, m)

	for _, part := range parts {
		if part.UserID == m.SenderID {
			continue
		}
		online, err := p.presence.IsOnline(ctx, part.UserID)
		if err != nil {
			logger.Errorf("pipeline: presence check for %s: %v", part.UserID, err)
			continue
		}
		if online {
			continue
		}
		if err := p.pushToInbox(ctx, part.UserID, m); err != nil {
			logger.Errorf("pipeline: inbox push for %s: %v", part.UserID, err)
		}
		if part.Notify && !part.Muted && m.Type != model.MessageTypeSystem {
			p.queueNotification(ctx, part.UserID, m)
		}
	}
	return nil
}

func (p *Pipeline) pushToInbox(ctx context.Context, userID string, m *model.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("pipeline: encode inbox message: %w", err)
	}
	return p.store.PushInbox(ctx, userID, payload)
}

func (p *Pipeline) queueNotification(ctx context.Context, userID string, m *model.Message) {
	title := "New message"
	if m.Sender != nil && m.Sender.Username != "" {
		title = m.Sender.Username
	}
	body := m.Content
	if body == "" {
		body = "Attachment"
	}
	env := &model.Envelope{
		Kind: model.EnvelopeNotify,
		Notify: &model.Notification{
			UserID: userID,
			Title:  title,
			Body:   body,
			Data: map[string]string{
				"conversation_id": m.ConversationID,
				"message_id":      m.ID,
			},
		},
	}
	if err := p.enqueue(ctx, env); err != nil {
		logger.Errorf("pipeline: queue notification for %s: %v", userID, err)
	}
}

func (p *Pipeline) processReceipt(ctx context.Context, r *model.Receipt) error {
	defer logger.DeferLogDuration("pipeline.processReceipt", time.Now())()
	p.fanout.ReceiptToSender(r)
	return nil
}

// processConversationOp narrates a membership change as a system message and
// re-broadcasts the updated roster.
func (p *Pipeline) processConversationOp(ctx context.Context, op *model.ConversationOp) error {
	defer logger.DeferLogDuration("pipeline.processConversationOp", time.Now())()

	if op.SystemText != "" {
		sys := &model.Message{
			ID:             op.ID,
			ConversationID: op.ConversationID,
			SenderID:       op.ActorID,
			Type:           model.MessageTypeSystem,
			Content:        op.SystemText,
			Status:         model.MessageStatusSent,
			CreatedAt:      time.Now().UTC(),
		}
		if err := p.processMessageCreate(ctx, sys); err != nil {
			return err
		}
	}
	p.fanout.ConversationChanged(op)
	return nil
}
