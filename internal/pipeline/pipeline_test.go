package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/presence"
	"github.com/chatserver/internal/storage/memory"
)

func newTestPipeline(t *testing.T) (*Pipeline, *fakeDB, *memory.Client, *fakeFanout, *fakeNotifier) {
	t.Helper()
	db := newFakeDB()
	store := memory.New()
	fan := &fakeFanout{}
	notif := &fakeNotifier{}
	p := New(store, fakeMessageStore{db}, fakeConvStore{db}, db, db, presence.NewRegistry(store), fan, notif)
	return p, db, store, fan, notif
}

// dequeueEnvelope снимает один конверт из очереди или падает по таймауту.
func dequeueEnvelope(t *testing.T, store *memory.Client) *model.Envelope {
	t.Helper()
	payload, err := store.Dequeue(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if payload == nil {
		t.Fatal("queue is empty, expected an envelope")
	}
	env, err := decodeEnvelope(payload)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func mustBeEmpty(t *testing.T, store *memory.Client) {
	t.Helper()
	payload, err := store.Dequeue(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if payload != nil {
		t.Fatalf("queue expected empty, got %s", payload)
	}
}

func TestSubmitCreatesDirectConversation(t *testing.T) {
	ctx := context.Background()
	p, db, store, _, _ := newTestPipeline(t)
	db.addUser("alice", "alice")
	db.addUser("bob", "bob")

	ack, err := p.Submit(ctx, "alice", Draft{ReceiverID: "bob", Content: "hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack.MessageID == "" || ack.ConversationID == "" {
		t.Fatalf("ack incomplete: %+v", ack)
	}

	conv, err := db.GetConversation(ctx, ack.ConversationID)
	if err != nil {
		t.Fatalf("conversation not created: %v", err)
	}
	if conv.Type != model.ConversationTypeDirect {
		t.Fatalf("conversation type = %s; want direct", conv.Type)
	}
	parts, _ := db.ListActive(ctx, conv.ID)
	if len(parts) != 2 {
		t.Fatalf("participants = %d; want 2", len(parts))
	}

	env := dequeueEnvelope(t, store)
	if env.Kind != model.EnvelopeMessageCreate {
		t.Fatalf("envelope kind = %s; want message_create", env.Kind)
	}
	if env.Message.ID != ack.MessageID || env.Message.Status != model.MessageStatusSent {
		t.Fatalf("queued message mismatch: %+v", env.Message)
	}

	// Второе сообщение той же паре использует существующий чат.
	ack2, err := p.Submit(ctx, "bob", Draft{ReceiverID: "alice", Content: "hello"})
	if err != nil {
		t.Fatalf("Submit reply: %v", err)
	}
	if ack2.ConversationID != ack.ConversationID {
		t.Fatalf("reply created a second direct conversation: %s vs %s", ack2.ConversationID, ack.ConversationID)
	}
}

func TestSubmitClientTempIDDedup(t *testing.T) {
	ctx := context.Background()
	p, db, store, _, _ := newTestPipeline(t)
	db.addUser("alice", "alice")
	db.addUser("bob", "bob")
	db.addConversation("conv1", model.ConversationTypeDirect, "alice", "bob")

	draft := Draft{ConversationID: "conv1", Content: "hi", ClientTempID: "tmp-1"}
	ack1, err := p.Submit(ctx, "alice", draft)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ack2, err := p.Submit(ctx, "alice", draft)
	if err != nil {
		t.Fatalf("Submit retry: %v", err)
	}
	if ack1.MessageID != ack2.MessageID {
		t.Fatalf("retry got a new server id: %s vs %s", ack1.MessageID, ack2.MessageID)
	}

	dequeueEnvelope(t, store)
	mustBeEmpty(t, store) // повтор ничего не ставит в очередь
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	p, db, _, _, _ := newTestPipeline(t)
	db.addUser("alice", "alice")
	db.addUser("bob", "bob")
	db.addConversation("conv1", model.ConversationTypeDirect, "alice", "bob")

	cases := []struct {
		name  string
		actor string
		draft Draft
		code  model.ErrorCode
	}{
		{"no target", "alice", Draft{Content: "hi"}, model.ErrValidation},
		{"both targets", "alice", Draft{ConversationID: "conv1", ReceiverID: "bob", Content: "hi"}, model.ErrValidation},
		{"empty content", "alice", Draft{ConversationID: "conv1"}, model.ErrValidation},
		{"self message", "alice", Draft{ReceiverID: "alice", Content: "hi"}, model.ErrValidation},
		{"unknown receiver", "alice", Draft{ReceiverID: "ghost", Content: "hi"}, model.ErrNotFound},
		{"unknown conversation", "alice", Draft{ConversationID: "nope", Content: "hi"}, model.ErrNotFound},
		{"not a participant", "ghost", Draft{ConversationID: "conv1", Content: "hi"}, model.ErrNotParticipant},
		{"bad type", "alice", Draft{ConversationID: "conv1", Content: "hi", Type: "video"}, model.ErrValidation},
	}
	for _, tc := range cases {
		_, err := p.Submit(ctx, tc.actor, tc.draft)
		var opErr *model.OpError
		if !errors.As(err, &opErr) {
			t.Fatalf("%s: want OpError, got %v", tc.name, err)
		}
		if opErr.Code != tc.code {
			t.Fatalf("%s: code = %s; want %s", tc.name, opErr.Code, tc.code)
		}
	}
}

func TestSubmitClosedConversation(t *testing.T) {
	ctx := context.Background()
	p, db, _, _, _ := newTestPipeline(t)
	db.addUser("alice", "alice")
	db.addConversation("conv1", model.ConversationTypeGroup, "alice")
	db.convs["conv1"].Status = model.ConversationClosed

	_, err := p.Submit(ctx, "alice", Draft{ConversationID: "conv1", Content: "hi"})
	var opErr *model.OpError
	if !errors.As(err, &opErr) || opErr.Code != model.ErrConversationClosed {
		t.Fatalf("want CONVERSATION_CLOSED, got %v", err)
	}
}

func TestMarkReadResetsCountersIdempotent(t *testing.T) {
	ctx := context.Background()
	p, db, store, _, _ := newTestPipeline(t)
	db.addUser("alice", "alice")
	db.addUser("bob", "bob")
	db.addConversation("conv1", model.ConversationTypeDirect, "alice", "bob")

	// Три сообщения от bob, счётчики alice выставлены как после доставки.
	for _, id := range []string{"m1", "m2", "m3"} {
		db.msgs[id] = &model.Message{ID: id, ConversationID: "conv1", SenderID: "bob", Status: model.MessageStatusSent}
	}
	db.parts["conv1"][0].UnreadCount = 3
	store.SetUnread(ctx, "conv1", "alice", 3)

	if err := p.MarkRead(ctx, "alice", "conv1", nil); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if n := db.unreadOf("conv1", "alice"); n != 0 {
		t.Fatalf("persisted unread = %d; want 0", n)
	}
	if n, _, ok, _ := store.GetUnread(ctx, "conv1", "alice"); !ok || n != 0 {
		t.Fatalf("cached unread = %d (ok=%v); want 0", n, ok)
	}

	env := dequeueEnvelope(t, store)
	if env.Kind != model.EnvelopeReceipt {
		t.Fatalf("envelope kind = %s; want receipt", env.Kind)
	}
	if env.Receipt.SenderID != "bob" || env.Receipt.Status != model.MessageStatusRead || len(env.Receipt.MessageIDs) != 3 {
		t.Fatalf("receipt mismatch: %+v", env.Receipt)
	}

	// Повтор — ноль новых переходов, ноль новых квитанций.
	if err := p.MarkRead(ctx, "alice", "conv1", nil); err != nil {
		t.Fatalf("MarkRead repeat: %v", err)
	}
	mustBeEmpty(t, store)
}

func TestMarkDeliveredNeverRegressesRead(t *testing.T) {
	ctx := context.Background()
	p, db, store, _, _ := newTestPipeline(t)
	db.addUser("alice", "alice")
	db.msgs["m1"] = &model.Message{ID: "m1", ConversationID: "conv1", SenderID: "bob", Status: model.MessageStatusRead}

	if err := p.MarkDelivered(ctx, "alice", []string{"m1"}); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if db.msgs["m1"].Status != model.MessageStatusRead {
		t.Fatalf("status regressed to %s", db.msgs["m1"].Status)
	}
	mustBeEmpty(t, store)
}

func TestMarkDeliveredSkipsOwnMessages(t *testing.T) {
	ctx := context.Background()
	p, db, store, _, _ := newTestPipeline(t)
	db.msgs["m1"] = &model.Message{ID: "m1", ConversationID: "conv1", SenderID: "alice", Status: model.MessageStatusSent}

	if err := p.MarkDelivered(ctx, "alice", []string{"m1"}); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if db.msgs["m1"].Status != model.MessageStatusSent {
		t.Fatalf("own message advanced to %s", db.msgs["m1"].Status)
	}
	mustBeEmpty(t, store)
}

func TestEditMessageArchivesVersion(t *testing.T) {
	ctx := context.Background()
	p, db, _, fan, _ := newTestPipeline(t)
	db.msgs["m1"] = &model.Message{ID: "m1", ConversationID: "conv1", SenderID: "alice", Content: "original", Status: model.MessageStatusSent}

	if err := p.EditMessage(ctx, "alice", "m1", "edited"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if db.msgs["m1"].Content != "edited" || db.msgs["m1"].EditedAt == nil {
		t.Fatalf("message not edited: %+v", db.msgs["m1"])
	}
	if got := db.versions["m1"]; len(got) != 1 || got[0] != "original" {
		t.Fatalf("version archive = %v; want [original]", got)
	}
	if len(fan.updated) != 1 {
		t.Fatalf("fanout updated = %d calls; want 1", len(fan.updated))
	}

	// Чужое сообщение не редактируется.
	err := p.EditMessage(ctx, "bob", "m1", "hack")
	var opErr *model.OpError
	if !errors.As(err, &opErr) || opErr.Code != model.ErrValidation {
		t.Fatalf("foreign edit: want VALIDATION, got %v", err)
	}
}

func TestDeleteMessageSoft(t *testing.T) {
	ctx := context.Background()
	p, db, _, fan, _ := newTestPipeline(t)
	db.msgs["m1"] = &model.Message{ID: "m1", ConversationID: "conv1", SenderID: "alice", Content: "secret", Status: model.MessageStatusSent}

	if err := p.DeleteMessage(ctx, "alice", "m1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if !db.msgs["m1"].IsDeleted || db.msgs["m1"].Content != "" {
		t.Fatalf("message not soft-deleted: %+v", db.msgs["m1"])
	}
	if got := db.versions["m1"]; len(got) != 1 || got[0] != "secret" {
		t.Fatalf("version archive = %v; want [secret]", got)
	}
	if len(fan.deleted) != 1 {
		t.Fatalf("fanout deleted = %d calls; want 1", len(fan.deleted))
	}

	// Удалённое нельзя редактировать.
	err := p.EditMessage(ctx, "alice", "m1", "resurrect")
	var opErr *model.OpError
	if !errors.As(err, &opErr) || opErr.Code != model.ErrValidation {
		t.Fatalf("edit of deleted: want VALIDATION, got %v", err)
	}
}
