package storage

import (
	"context"
	"time"
)

// Store — эфемерное разделяемое хранилище: присутствие, счётчики непрочитанных,
// typing-статусы, очередь доставки и офлайн-инбоксы.
// Реализации: redis.Client, memory.Client (для -dev без Redis и для тестов).
//
// All mutations must be expressible as atomic primitives of the backing store
// (set/hash ops, counters, list push/pop) — multiple process instances may run
// behind a load balancer, so client-side locking is not an option.
type Store interface {
	// Presence: per-user set of live connection handles plus cached profile
	// fields. AddConnection returns the handle count after the add;
	// RemoveConnection returns the count after the remove (0 = offline).
	AddConnection(ctx context.Context, userID, handle string, info map[string]string) (total int, err error)
	RemoveConnection(ctx context.Context, userID, handle string) (remaining int, err error)
	// TouchPresence re-asserts a live handle and refreshes its expiry. Driven
	// by the connection's ping cycle — without it an idle socket would age out
	// of the store and read as offline while still connected.
	TouchPresence(ctx context.Context, userID, handle string) error
	GetPresence(ctx context.Context, userID string) (handles []string, info map[string]string, err error)
	ListOnline(ctx context.Context) ([]string, error)

	// Unread counters (fast cache; the persisted row is the system-of-record).
	// GetUnread reports the counter age so callers can repair stale values.
	IncrUnread(ctx context.Context, conversationID, userID string) (int64, error)
	SetUnread(ctx context.Context, conversationID, userID string, n int64) error
	GetUnread(ctx context.Context, conversationID, userID string) (n int64, age time.Duration, ok bool, err error)

	// Typing state: short-TTL timestamps, evicted lazily on read.
	SetTyping(ctx context.Context, conversationID, userID string, at time.Time) error
	ListTyping(ctx context.Context, conversationID string, cutoff time.Time) (map[string]time.Time, error)

	// Delivery queue (FIFO). Dequeue blocks up to wait and returns nil when idle.
	Enqueue(ctx context.Context, payload []byte) error
	Dequeue(ctx context.Context, wait time.Duration) ([]byte, error)
	EnqueueDead(ctx context.Context, payload []byte) error

	// Offline inbox: TTL-bounded per-user list of pending wire events.
	PushInbox(ctx context.Context, userID string, payload []byte) error
	DrainInbox(ctx context.Context, userID string) ([][]byte, error)

	// PutClientTempID records (sender, clientTempId) → messageID once.
	// If the pair was already recorded it returns the original message id
	// with created=false, making message submission idempotent.
	PutClientTempID(ctx context.Context, senderID, tempID, messageID string) (existing string, created bool, err error)

	Close() error
}
