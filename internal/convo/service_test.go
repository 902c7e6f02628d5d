package convo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/pipeline"
	"github.com/chatserver/internal/repository"
	"github.com/chatserver/internal/storage"
	"github.com/chatserver/internal/storage/memory"
)

// fakeDB покрывает ConversationStore, ParticipantStore и UserStore разом.
type fakeDB struct {
	mu    sync.Mutex
	users map[string]*model.User
	convs map[string]*model.Conversation
	parts map[string][]*model.Participant
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		users: make(map[string]*model.User),
		convs: make(map[string]*model.Conversation),
		parts: make(map[string][]*model.Participant),
	}
}

func (f *fakeDB) addUser(id, username string) {
	f.users[id] = &model.User{ID: id, Username: username}
}

func (f *fakeDB) addConversation(id string, typ model.ConversationType, memberIDs ...string) {
	f.convs[id] = &model.Conversation{ID: id, Type: typ, Status: model.ConversationActive}
	for _, uid := range memberIDs {
		f.parts[id] = append(f.parts[id], &model.Participant{
			ConversationID: id, UserID: uid, Notify: true, JoinedAt: time.Now(),
		})
	}
}

func (f *fakeDB) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeDB) SetStatus(ctx context.Context, id string, status model.ConversationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.Status = status
	return nil
}

func (f *fakeDB) GetByIDs(ctx context.Context, ids []string) ([]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (f *fakeDB) Add(ctx context.Context, p *model.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.parts[p.ConversationID] {
		if existing.UserID == p.UserID {
			existing.LeftAt = nil
			existing.UnreadCount = 0
			return nil
		}
	}
	cp := *p
	f.parts[p.ConversationID] = append(f.parts[p.ConversationID], &cp)
	return nil
}

func (f *fakeDB) Deactivate(ctx context.Context, conversationID, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.parts[conversationID] {
		if p.UserID == userID && p.LeftAt == nil {
			t := at
			p.LeftAt = &t
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeDB) ListActive(ctx context.Context, conversationID string) ([]model.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Participant
	for _, p := range f.parts[conversationID] {
		if p.LeftAt == nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeDB) IsActive(ctx context.Context, conversationID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.parts[conversationID] {
		if p.UserID == userID && p.LeftAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDB) CountActive(ctx context.Context, conversationID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.parts[conversationID] {
		if p.LeftAt == nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeDB) GetUnread(ctx context.Context, conversationID, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.parts[conversationID] {
		if p.UserID == userID {
			return p.UnreadCount, nil
		}
	}
	return 0, repository.ErrNotFound
}

func newTestService(t *testing.T) (*Service, *fakeDB, *memory.Client) {
	t.Helper()
	db := newFakeDB()
	store := memory.New()
	pipe := pipeline.New(store, nil, nil, nil, nil, nil, nil, nil)
	return NewService(db, db, db, store, pipe), db, store
}

// dequeueOp снимает из очереди ровно один conversation_op.
func dequeueOp(t *testing.T, store *memory.Client) *model.ConversationOp {
	t.Helper()
	payload, err := store.Dequeue(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if payload == nil {
		t.Fatal("queue is empty, expected a conversation_op envelope")
	}
	var env model.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Kind != model.EnvelopeConversationOp || env.ConvOp == nil {
		t.Fatalf("envelope kind = %s; want conversation_op", env.Kind)
	}
	return env.ConvOp
}

func wantOpError(t *testing.T, err error, code model.ErrorCode) {
	t.Helper()
	var opErr *model.OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("want OpError %s, got %v", code, err)
	}
	if opErr.Code != code {
		t.Fatalf("code = %s; want %s", opErr.Code, code)
	}
}

func TestAddParticipants(t *testing.T) {
	ctx := context.Background()
	svc, db, store := newTestService(t)
	db.addUser("alice", "alice")
	db.addUser("bob", "bob")
	db.addUser("carol", "carol")
	db.addConversation("g1", model.ConversationTypeGroup, "alice", "bob")

	if err := svc.AddParticipants(ctx, "alice", "g1", []string{"carol"}); err != nil {
		t.Fatalf("AddParticipants: %v", err)
	}
	if active, _ := db.IsActive(ctx, "g1", "carol"); !active {
		t.Fatal("carol not added")
	}

	op := dequeueOp(t, store)
	if op.ID == "" {
		t.Fatal("op must carry a stable id for the system message")
	}
	if op.ActorID != "alice" || len(op.Added) != 1 || op.Added[0] != "carol" {
		t.Fatalf("op mismatch: %+v", op)
	}
	if op.SystemText != "alice added carol" {
		t.Fatalf("system text = %q", op.SystemText)
	}

	// Повторное добавление уже активного участника — тихий no-op без конверта.
	if err := svc.AddParticipants(ctx, "alice", "g1", []string{"carol"}); err != nil {
		t.Fatalf("AddParticipants repeat: %v", err)
	}
	if payload, _ := store.Dequeue(ctx, 50*time.Millisecond); payload != nil {
		t.Fatalf("repeat add queued an envelope: %s", payload)
	}
}

func TestAddParticipantsRejections(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestService(t)
	db.addUser("alice", "alice")
	db.addUser("bob", "bob")
	db.addUser("carol", "carol")
	db.addConversation("g1", model.ConversationTypeGroup, "alice", "bob")
	db.addConversation("d1", model.ConversationTypeDirect, "alice", "bob")

	wantOpError(t, svc.AddParticipants(ctx, "alice", "g1", nil), model.ErrValidation)
	wantOpError(t, svc.AddParticipants(ctx, "alice", "nope", []string{"carol"}), model.ErrNotFound)
	wantOpError(t, svc.AddParticipants(ctx, "alice", "d1", []string{"carol"}), model.ErrValidation)
	wantOpError(t, svc.AddParticipants(ctx, "carol", "g1", []string{"carol"}), model.ErrNotParticipant)
	wantOpError(t, svc.AddParticipants(ctx, "alice", "g1", []string{"ghost"}), model.ErrNotFound)

	db.convs["g1"].Status = model.ConversationClosed
	wantOpError(t, svc.AddParticipants(ctx, "alice", "g1", []string{"carol"}), model.ErrConversationClosed)
}

func TestAddParticipantsCapacity(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestService(t)
	db.addUser("alice", "alice")
	db.addConversation("g1", model.ConversationTypeGroup, "alice")
	for i := 0; i < MaxParticipants-1; i++ {
		uid := fmt.Sprintf("u%03d", i)
		db.addUser(uid, uid)
		db.parts["g1"] = append(db.parts["g1"], &model.Participant{ConversationID: "g1", UserID: uid})
	}
	db.addUser("extra", "extra")

	err := svc.AddParticipants(ctx, "alice", "g1", []string{"extra"})
	wantOpError(t, err, model.ErrTooManyParticipants)
}

func TestRemoveParticipant(t *testing.T) {
	ctx := context.Background()
	svc, db, store := newTestService(t)
	db.addUser("alice", "alice")
	db.addUser("bob", "bob")
	db.addConversation("g1", model.ConversationTypeGroup, "alice", "bob")
	store.SetUnread(ctx, "g1", "bob", 7)

	if err := svc.RemoveParticipant(ctx, "alice", "g1", "bob"); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	if active, _ := db.IsActive(ctx, "g1", "bob"); active {
		t.Fatal("bob still active")
	}
	if n, _, ok, _ := store.GetUnread(ctx, "g1", "bob"); !ok || n != 0 {
		t.Fatalf("removed user's cached unread = %d (ok=%v); want 0", n, ok)
	}

	op := dequeueOp(t, store)
	if op.Removed != "bob" || op.SystemText != "alice removed bob" {
		t.Fatalf("op mismatch: %+v", op)
	}

	// Последнего участника удалить нельзя.
	err := svc.RemoveParticipant(ctx, "alice", "g1", "alice")
	wantOpError(t, err, model.ErrLastParticipant)
}

func TestRemoveParticipantSelfLeave(t *testing.T) {
	ctx := context.Background()
	svc, db, store := newTestService(t)
	db.addUser("alice", "alice")
	db.addUser("bob", "bob")
	db.addConversation("g1", model.ConversationTypeGroup, "alice", "bob")

	if err := svc.RemoveParticipant(ctx, "bob", "g1", "bob"); err != nil {
		t.Fatalf("self leave: %v", err)
	}
	op := dequeueOp(t, store)
	if op.SystemText != "bob left" {
		t.Fatalf("system text = %q; want %q", op.SystemText, "bob left")
	}

	// Уже вышедшего не удалить повторно.
	err := svc.RemoveParticipant(ctx, "alice", "g1", "bob")
	wantOpError(t, err, model.ErrNotParticipant)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	svc, db, store := newTestService(t)
	db.addUser("alice", "alice")
	db.addUser("bob", "bob")
	db.addConversation("g1", model.ConversationTypeGroup, "alice", "bob")
	db.convs["g1"].CreatedBy = "alice"

	// Закрыть может только создатель.
	wantOpError(t, svc.Close(ctx, "bob", "g1"), model.ErrValidation)

	if err := svc.Close(ctx, "alice", "g1"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if db.convs["g1"].Status != model.ConversationClosed {
		t.Fatalf("status = %s; want closed", db.convs["g1"].Status)
	}
	op := dequeueOp(t, store)
	if op.SystemText != "alice closed the conversation" {
		t.Fatalf("system text = %q", op.SystemText)
	}

	// Повторное закрытие уже закрытого — CONVERSATION_CLOSED.
	wantOpError(t, svc.Close(ctx, "alice", "g1"), model.ErrConversationClosed)
}

func TestUnreadCountTrustsFreshCache(t *testing.T) {
	ctx := context.Background()
	svc, db, store := newTestService(t)
	db.addUser("alice", "alice")
	db.addConversation("g1", model.ConversationTypeGroup, "alice")
	db.parts["g1"][0].UnreadCount = 2
	store.SetUnread(ctx, "g1", "alice", 5)

	// Свежий кеш авторитетен, даже если расходится с БД.
	n, err := svc.UnreadCount(ctx, "g1", "alice")
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if n != 5 {
		t.Fatalf("unread = %d; want cached 5", n)
	}
}

// staleStore отдаёт счётчик старше льготного окна.
type staleStore struct {
	storage.Store
	repaired *int64
}

func (s *staleStore) GetUnread(ctx context.Context, conversationID, userID string) (int64, time.Duration, bool, error) {
	return 99, unreadGrace + time.Minute, true, nil
}

func (s *staleStore) SetUnread(ctx context.Context, conversationID, userID string, n int64) error {
	*s.repaired = n
	return nil
}

func TestUnreadCountRepairsStaleCache(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.addUser("alice", "alice")
	db.addConversation("g1", model.ConversationTypeGroup, "alice")
	db.parts["g1"][0].UnreadCount = 2

	var repaired int64 = -1
	store := &staleStore{repaired: &repaired}
	svc := NewService(db, db, db, store, nil)

	n, err := svc.UnreadCount(ctx, "g1", "alice")
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if n != 2 {
		t.Fatalf("unread = %d; want persisted 2", n)
	}
	if repaired != 2 {
		t.Fatalf("cache repaired to %d; want 2", repaired)
	}
}

func TestUnreadCountCacheMiss(t *testing.T) {
	ctx := context.Background()
	svc, db, store := newTestService(t)
	db.addUser("alice", "alice")
	db.addConversation("g1", model.ConversationTypeGroup, "alice")
	db.parts["g1"][0].UnreadCount = 4

	n, err := svc.UnreadCount(ctx, "g1", "alice")
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if n != 4 {
		t.Fatalf("unread = %d; want persisted 4", n)
	}
	// Кеш починен и теперь авторитетен.
	if cached, _, ok, _ := store.GetUnread(ctx, "g1", "alice"); !ok || cached != 4 {
		t.Fatalf("cache after repair = %d (ok=%v); want 4", cached, ok)
	}
}
