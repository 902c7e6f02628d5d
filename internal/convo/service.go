// Package convo owns conversation membership changes and keeps the cached
// unread counters honest against the persisted ones.
package convo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/pipeline"
	"github.com/chatserver/internal/repository"
	"github.com/chatserver/internal/storage"
)

const (
	// MaxParticipants ограничивает размер группового чата.
	MaxParticipants = 200

	// Кеш-счётчик старше unreadGrace не считается авторитетным:
	// значение перечитывается из БД и кеш чинится.
	unreadGrace = 30 * time.Second
)

type ConversationStore interface {
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	SetStatus(ctx context.Context, id string, status model.ConversationStatus) error
}

type ParticipantStore interface {
	Add(ctx context.Context, p *model.Participant) error
	Deactivate(ctx context.Context, conversationID, userID string, at time.Time) error
	ListActive(ctx context.Context, conversationID string) ([]model.Participant, error)
	IsActive(ctx context.Context, conversationID, userID string) (bool, error)
	CountActive(ctx context.Context, conversationID string) (int, error)
	GetUnread(ctx context.Context, conversationID, userID string) (int, error)
}

type UserStore interface {
	GetByIDs(ctx context.Context, ids []string) ([]model.User, error)
}

type Service struct {
	convs ConversationStore
	parts ParticipantStore
	users UserStore
	store storage.Store
	pipe  *pipeline.Pipeline
}

func NewService(convs ConversationStore, parts ParticipantStore, users UserStore, store storage.Store, pipe *pipeline.Pipeline) *Service {
	return &Service{convs: convs, parts: parts, users: users, store: store, pipe: pipe}
}

// AddParticipants adds userIDs to a group conversation. The actor must be an
// active participant; unknown users and direct conversations are rejected.
// The change is narrated as a system message and re-broadcast to the room
// through the delivery queue.
func (s *Service) AddParticipants(ctx context.Context, actorID, conversationID string, userIDs []string) error {
	defer logger.DeferLogDuration("convo.AddParticipants", time.Now())()
	if len(userIDs) == 0 {
		return model.Errf(model.ErrValidation, "user_ids required")
	}

	conv, err := s.activeGroup(ctx, actorID, conversationID)
	if err != nil {
		return err
	}

	current, err := s.parts.CountActive(ctx, conv.ID)
	if err != nil {
		return err
	}
	if current+len(userIDs) > MaxParticipants {
		return model.Errf(model.ErrTooManyParticipants, "conversation would exceed %d participants", MaxParticipants)
	}

	users, err := s.users.GetByIDs(ctx, userIDs)
	if err != nil {
		return err
	}
	if len(users) != len(userIDs) {
		return model.Errf(model.ErrNotFound, "one or more users not found")
	}

	now := time.Now().UTC()
	added := make([]string, 0, len(userIDs))
	names := make([]string, 0, len(userIDs))
	for _, u := range users {
		active, err := s.parts.IsActive(ctx, conv.ID, u.ID)
		if err != nil {
			return err
		}
		if active {
			continue
		}
		p := &model.Participant{
			ConversationID: conv.ID,
			UserID:         u.ID,
			Notify:         true,
			JoinedAt:       now,
		}
		if err := s.parts.Add(ctx, p); err != nil {
			return err
		}
		added = append(added, u.ID)
		names = append(names, u.Username)
	}
	if len(added) == 0 {
		return nil
	}

	actorName := s.username(ctx, actorID)
	op := &model.ConversationOp{
		ConversationID: conv.ID,
		ActorID:        actorID,
		Added:          added,
		SystemText:     fmt.Sprintf("%s added %s", actorName, strings.Join(names, ", ")),
	}
	return s.pipe.EnqueueConversationOp(ctx, op)
}

// RemoveParticipant removes userID from a group conversation; actorID == userID
// is a voluntary leave. Removing the last active participant is rejected —
// a conversation never silently empties out.
func (s *Service) RemoveParticipant(ctx context.Context, actorID, conversationID, userID string) error {
	defer logger.DeferLogDuration("convo.RemoveParticipant", time.Now())()
	if userID == "" {
		return model.Errf(model.ErrValidation, "user_id required")
	}

	conv, err := s.activeGroup(ctx, actorID, conversationID)
	if err != nil {
		return err
	}

	active, err := s.parts.IsActive(ctx, conv.ID, userID)
	if err != nil {
		return err
	}
	if !active {
		return model.Errf(model.ErrNotParticipant, "user %s is not a participant", userID)
	}

	count, err := s.parts.CountActive(ctx, conv.ID)
	if err != nil {
		return err
	}
	if count <= 1 {
		return model.Errf(model.ErrLastParticipant, "cannot remove the last participant")
	}

	now := time.Now().UTC()
	if err := s.parts.Deactivate(ctx, conv.ID, userID, now); err != nil {
		return err
	}
	if err := s.store.SetUnread(ctx, conv.ID, userID, 0); err != nil {
		logger.Errorf("convo: unread cache reset for %s: %v", userID, err)
	}

	var text string
	if actorID == userID {
		text = fmt.Sprintf("%s left", s.username(ctx, userID))
	} else {
		text = fmt.Sprintf("%s removed %s", s.username(ctx, actorID), s.username(ctx, userID))
	}
	op := &model.ConversationOp{
		ConversationID: conv.ID,
		ActorID:        actorID,
		Removed:        userID,
		SystemText:     text,
	}
	return s.pipe.EnqueueConversationOp(ctx, op)
}

// Close freezes a group conversation: history stays readable, new messages
// are rejected with CONVERSATION_CLOSED. Only the creator may close.
func (s *Service) Close(ctx context.Context, actorID, conversationID string) error {
	defer logger.DeferLogDuration("convo.Close", time.Now())()
	conv, err := s.activeGroup(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	if conv.CreatedBy != actorID {
		return model.Errf(model.ErrValidation, "only the creator can close a conversation")
	}
	if err := s.convs.SetStatus(ctx, conv.ID, model.ConversationClosed); err != nil {
		return err
	}
	op := &model.ConversationOp{
		ConversationID: conv.ID,
		ActorID:        actorID,
		SystemText:     fmt.Sprintf("%s closed the conversation", s.username(ctx, actorID)),
	}
	return s.pipe.EnqueueConversationOp(ctx, op)
}

// UnreadCount returns the viewer's unread counter for a conversation. A cache
// value younger than the grace window is trusted as-is; anything older (or
// missing) is re-read from the system-of-record and the cache is repaired.
func (s *Service) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	defer logger.DeferLogDuration("convo.UnreadCount", time.Now())()
	n, age, ok, err := s.store.GetUnread(ctx, conversationID, userID)
	if err != nil {
		logger.Errorf("convo: unread cache read: %v", err)
	} else if ok && age <= unreadGrace {
		return n, nil
	}

	persisted, err := s.parts.GetUnread(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	if serr := s.store.SetUnread(ctx, conversationID, userID, int64(persisted)); serr != nil {
		logger.Errorf("convo: unread cache repair: %v", serr)
	}
	return int64(persisted), nil
}

// activeGroup loads the conversation and checks it is an active group the
// actor belongs to.
func (s *Service) activeGroup(ctx context.Context, actorID, conversationID string) (*model.Conversation, error) {
	if conversationID == "" {
		return nil, model.Errf(model.ErrValidation, "conversation_id required")
	}
	conv, err := s.convs.GetByID(ctx, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.Errf(model.ErrNotFound, "conversation %s not found", conversationID)
	}
	if err != nil {
		return nil, err
	}
	if conv.Type != model.ConversationTypeGroup {
		return nil, model.Errf(model.ErrValidation, "membership of a direct conversation is fixed")
	}
	if conv.Status != model.ConversationActive {
		return nil, model.Errf(model.ErrConversationClosed, "conversation %s is %s", conv.ID, conv.Status)
	}
	active, err := s.parts.IsActive(ctx, conv.ID, actorID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, model.Errf(model.ErrNotParticipant, "not a participant of conversation %s", conv.ID)
	}
	return conv, nil
}

func (s *Service) username(ctx context.Context, userID string) string {
	users, err := s.users.GetByIDs(ctx, []string{userID})
	if err != nil || len(users) == 0 {
		return userID
	}
	return users[0].Username
}
