// Package typing keeps short-lived "user is typing" state. Entries are never
// explicitly deleted: they age out of reads past the activity window and the
// backing store expires the keys.
package typing

import (
	"context"
	"time"

	"github.com/chatserver/internal/storage"
)

// ActivityWindow — сколько держится typing-статус после последнего сигнала.
const ActivityWindow = 5 * time.Second

type Tracker struct {
	store storage.Store
	now   func() time.Time
}

func NewTracker(store storage.Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// Set stamps userID as typing in the conversation right now. Repeated calls
// just slide the window forward.
func (t *Tracker) Set(ctx context.Context, conversationID, userID string) error {
	return t.store.SetTyping(ctx, conversationID, userID, t.now().UTC())
}

// Active returns the users still inside the activity window. Stale entries
// are filtered out here rather than reaped by a background job.
func (t *Tracker) Active(ctx context.Context, conversationID string) ([]string, error) {
	cutoff := t.now().UTC().Add(-ActivityWindow)
	stamps, err := t.store.ListTyping(ctx, conversationID, cutoff)
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(stamps))
	for uid := range stamps {
		users = append(users, uid)
	}
	return users, nil
}
