package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/repository"
)

// fakeDB — потокобезопасный фейк системы записи для тестов конвейера.
type fakeDB struct {
	mu       sync.Mutex
	users    map[string]*model.User
	convs    map[string]*model.Conversation
	parts    map[string][]*model.Participant // convID → участники
	msgs     map[string]*model.Message
	versions map[string][]string // messageID → архив содержимого

	touchErr error // одноразовая ошибка TouchLastMessage (сценарии повторной доставки)
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		users:    make(map[string]*model.User),
		convs:    make(map[string]*model.Conversation),
		parts:    make(map[string][]*model.Participant),
		msgs:     make(map[string]*model.Message),
		versions: make(map[string][]string),
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

// --- UserStore ---

func (f *fakeDB) GetByID(ctx context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// --- ConversationStore ---

func (f *fakeDB) Create(ctx context.Context, c *model.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.convs[c.ID] = &cp
	return nil
}

func (f *fakeDB) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeDB) FindDirect(ctx context.Context, userID1, userID2 string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.convs {
		if c.Type != model.ConversationTypeDirect {
			continue
		}
		var has1, has2 bool
		for _, p := range f.parts[id] {
			if p.LeftAt != nil {
				continue
			}
			if p.UserID == userID1 {
				has1 = true
			}
			if p.UserID == userID2 {
				has2 = true
			}
		}
		if has1 && has2 {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDB) failNextTouch(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touchErr = err
}

func (f *fakeDB) TouchLastMessage(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touchErr != nil {
		err := f.touchErr
		f.touchErr = nil
		return err
	}
	c, ok := f.convs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if c.LastMessageAt == nil || c.LastMessageAt.Before(at) {
		c.LastMessageAt = &at
	}
	return nil
}

// --- ParticipantStore ---

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

func (f *fakeDB) ListActive(ctx context.Context, conversationID string) ([]model.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Participant, 0, len(f.parts[conversationID]))
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

func (f *fakeDB) ResetUnread(ctx context.Context, conversationID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.parts[conversationID] {
		if p.UserID == userID {
			p.UnreadCount = 0
		}
	}
	return nil
}

func (f *fakeDB) unreadOf(conversationID, userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.parts[conversationID] {
		if p.UserID == userID {
			return p.UnreadCount
		}
	}
	return -1
}

// --- MessageStore ---

// CreateMessage повторяет контракт MessageStore.Create: вставка и инкременты
// персистентных счётчиков — одна атомарная операция, повтор — no-op.
func (f *fakeDB) CreateMessage(ctx context.Context, m *model.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.msgs[m.ID]; ok {
		return false, nil
	}
	cp := *m
	f.msgs[m.ID] = &cp
	if m.Type != model.MessageTypeSystem {
		for _, p := range f.parts[m.ConversationID] {
			if p.UserID != m.SenderID && p.LeftAt == nil {
				p.UnreadCount++
			}
		}
	}
	return true, nil
}

func (f *fakeDB) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeDB) AdvanceStatus(ctx context.Context, messageIDs []string, readerID string, status model.MessageStatus) ([]repository.StatusRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows []repository.StatusRow
	for _, id := range messageIDs {
		m, ok := f.msgs[id]
		if !ok || m.SenderID == readerID {
			continue
		}
		if !m.Status.CanTransitionTo(status) {
			continue
		}
		m.Status = status
		rows = append(rows, repository.StatusRow{MessageID: id, SenderID: m.SenderID, ConversationID: m.ConversationID})
	}
	return rows, nil
}

func (f *fakeDB) MarkConversationRead(ctx context.Context, conversationID, readerID string) ([]repository.StatusRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows []repository.StatusRow
	for id, m := range f.msgs {
		if m.ConversationID != conversationID || m.SenderID == readerID || m.IsDeleted {
			continue
		}
		if m.Status == model.MessageStatusRead {
			continue
		}
		m.Status = model.MessageStatusRead
		rows = append(rows, repository.StatusRow{MessageID: id, SenderID: m.SenderID, ConversationID: conversationID})
	}
	return rows, nil
}

func (f *fakeDB) ArchiveVersion(ctx context.Context, messageID, content string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[messageID] = append(f.versions[messageID], content)
	return nil
}

func (f *fakeDB) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return repository.ErrNotFound
	}
	m.Content = content
	m.EditedAt = &editedAt
	return nil
}

func (f *fakeDB) SoftDelete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return repository.ErrNotFound
	}
	m.IsDeleted = true
	m.Content = ""
	return nil
}

// fakeMessageStore / fakeConvStore разводят перегруженные имена fakeDB по
// интерфейсам конвейера.
type fakeMessageStore struct{ db *fakeDB }

func (s fakeMessageStore) Create(ctx context.Context, m *model.Message) (bool, error) {
	return s.db.CreateMessage(ctx, m)
}
func (s fakeMessageStore) GetByID(ctx context.Context, id string) (*model.Message, error) {
	return s.db.GetMessage(ctx, id)
}
func (s fakeMessageStore) AdvanceStatus(ctx context.Context, ids []string, readerID string, st model.MessageStatus) ([]repository.StatusRow, error) {
	return s.db.AdvanceStatus(ctx, ids, readerID, st)
}
func (s fakeMessageStore) MarkConversationRead(ctx context.Context, cid, readerID string) ([]repository.StatusRow, error) {
	return s.db.MarkConversationRead(ctx, cid, readerID)
}
func (s fakeMessageStore) ArchiveVersion(ctx context.Context, id, content string, at time.Time) error {
	return s.db.ArchiveVersion(ctx, id, content, at)
}
func (s fakeMessageStore) UpdateContent(ctx context.Context, id, content string, at time.Time) error {
	return s.db.UpdateContent(ctx, id, content, at)
}
func (s fakeMessageStore) SoftDelete(ctx context.Context, id string) error {
	return s.db.SoftDelete(ctx, id)
}

type fakeConvStore struct{ db *fakeDB }

func (s fakeConvStore) Create(ctx context.Context, c *model.Conversation) error {
	return s.db.Create(ctx, c)
}
func (s fakeConvStore) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	return s.db.GetConversation(ctx, id)
}
func (s fakeConvStore) FindDirect(ctx context.Context, u1, u2 string) (*model.Conversation, error) {
	return s.db.FindDirect(ctx, u1, u2)
}
func (s fakeConvStore) TouchLastMessage(ctx context.Context, id string, at time.Time) error {
	return s.db.TouchLastMessage(ctx, id, at)
}

// fakeFanout записывает вызовы.
type fakeFanout struct {
	mu          sync.Mutex
	newMessages []*model.Message
	updated     []string
	deleted     []string
	receipts    []*model.Receipt
	convOps     []*model.ConversationOp
}

func (f *fakeFanout) NewMessage(conversationID string, m *model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newMessages = append(f.newMessages, m)
}

func (f *fakeFanout) MessageUpdated(conversationID, messageID, content string, editedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, messageID)
}

func (f *fakeFanout) MessageDeleted(conversationID, messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
}

func (f *fakeFanout) ReceiptToSender(r *model.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, r)
}

func (f *fakeFanout) ConversationChanged(op *model.ConversationOp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convOps = append(f.convOps, op)
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []string // userID
	datas []map[string]string
}

func (n *fakeNotifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, userID)
	n.datas = append(n.datas, data)
}
