// Package presence tracks which users currently hold live connections.
//
// A user may be connected from several devices at once, so the registry keeps
// a set of connection handles per user and only flips the externally visible
// online/offline status at the empty/non-empty boundary of that set —
// effectively a reference count. All mutations are commutative set operations
// against the shared store, so concurrent connect/disconnect from the same
// user never lose a handle.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/storage"
)

// MaxBatchSize bounds GetPresenceBatch requests.
const MaxBatchSize = 100

// ErrBatchTooLarge возвращается, когда запрошено больше MaxBatchSize пользователей.
var ErrBatchTooLarge = errors.New("presence: too many user ids in batch")

// ProfileHints — кешируемые поля профиля, чтобы снапшоты присутствия
// не ходили в БД.
type ProfileHints struct {
	Username  string
	AvatarURL string
}

type Registry struct {
	store storage.Store
}

func NewRegistry(store storage.Store) *Registry {
	return &Registry{store: store}
}

// AddConnection idempotently appends handle to the user's handle set and
// refreshes its TTL. first is true when this was the user's first live
// handle — the caller then broadcasts "online" and clears last-seen.
// Store errors fail closed: no status change is reported.
func (r *Registry) AddConnection(ctx context.Context, userID, handle string, hints ProfileHints) (*model.PresenceRecord, bool, error) {
	info := map[string]string{
		"username":   hints.Username,
		"avatar_url": hints.AvatarURL,
	}
	total, err := r.store.AddConnection(ctx, userID, handle, info)
	if err != nil {
		return nil, false, err
	}
	rec := &model.PresenceRecord{
		UserID:    userID,
		Handles:   []string{handle},
		Username:  hints.Username,
		AvatarURL: hints.AvatarURL,
		IsOnline:  true,
	}
	return rec, total == 1, nil
}

// Touch refreshes the expiry of a live handle and re-registers it if the
// record already aged out of the store. Called on the connection's ping cycle
// so an idle socket never reads as offline while still connected.
func (r *Registry) Touch(ctx context.Context, userID, handle string) error {
	return r.store.TouchPresence(ctx, userID, handle)
}

// RemoveConnection removes handle. While other handles remain the user stays
// online and no externally visible state changes. On the last handle the user
// goes offline and lastSeen is stamped — the caller broadcasts "offline".
func (r *Registry) RemoveConnection(ctx context.Context, userID, handle string) (stillOnline bool, lastSeen *time.Time, err error) {
	remaining, err := r.store.RemoveConnection(ctx, userID, handle)
	if err != nil {
		return false, nil, err
	}
	if remaining > 0 {
		return true, nil, nil
	}
	now := time.Now().UTC()
	return false, &now, nil
}

// GetPresence returns a read-only snapshot. An absent record means offline
// with no last-seen — a record with zero handles is never reported online.
func (r *Registry) GetPresence(ctx context.Context, userID string) (*model.PresenceRecord, error) {
	handles, info, err := r.store.GetPresence(ctx, userID)
	if err != nil {
		return nil, err
	}
	rec := &model.PresenceRecord{UserID: userID}
	if len(handles) == 0 {
		return rec, nil
	}
	rec.Handles = handles
	rec.IsOnline = true
	rec.Username = info["username"]
	rec.AvatarURL = info["avatar_url"]
	return rec, nil
}

func (r *Registry) GetPresenceBatch(ctx context.Context, userIDs []string) ([]model.PresenceRecord, error) {
	if len(userIDs) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	out := make([]model.PresenceRecord, 0, len(userIDs))
	for _, uid := range userIDs {
		rec, err := r.GetPresence(ctx, uid)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	handles, _, err := r.store.GetPresence(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(handles) > 0, nil
}

// ListOnline enumerates currently-online users for initial-sync payloads.
func (r *Registry) ListOnline(ctx context.Context) ([]model.PresenceSummary, error) {
	ids, err := r.store.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.PresenceSummary, 0, len(ids))
	for _, uid := range ids {
		handles, info, err := r.store.GetPresence(ctx, uid)
		if err != nil {
			return nil, err
		}
		// Индекс online может отставать от множества handle-ов; перепроверяем.
		if len(handles) == 0 {
			continue
		}
		out = append(out, model.PresenceSummary{
			UserID:    uid,
			Username:  info["username"],
			AvatarURL: info["avatar_url"],
		})
	}
	return out, nil
}
