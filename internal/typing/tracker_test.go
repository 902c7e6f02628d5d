package typing

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/chatserver/internal/storage/memory"
)

func TestActiveSlidingWindow(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(memory.New())

	base := time.Now()
	tr.now = func() time.Time { return base }

	if err := tr.Set(ctx, "conv1", "alice"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	tr.now = func() time.Time { return base.Add(3 * time.Second) }
	if err := tr.Set(ctx, "conv1", "bob"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	users, err := tr.Active(ctx, "conv1")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	sort.Strings(users)
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("active = %v; want [alice bob]", users)
	}

	// Через 6 секунд после сигнала alice её окно истекло, bob ещё внутри.
	tr.now = func() time.Time { return base.Add(6 * time.Second) }
	users, err = tr.Active(ctx, "conv1")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(users) != 1 || users[0] != "bob" {
		t.Fatalf("active = %v; want [bob]", users)
	}
}

func TestSetSlidesWindowForward(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(memory.New())

	base := time.Now()
	tr.now = func() time.Time { return base }
	tr.Set(ctx, "conv1", "alice")

	// Повторный сигнал продлевает окно.
	tr.now = func() time.Time { return base.Add(4 * time.Second) }
	tr.Set(ctx, "conv1", "alice")

	tr.now = func() time.Time { return base.Add(7 * time.Second) }
	users, err := tr.Active(ctx, "conv1")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(users) != 1 || users[0] != "alice" {
		t.Fatalf("active = %v; want [alice] (window slid to the second signal)", users)
	}
}

func TestActiveEmptyConversation(t *testing.T) {
	tr := NewTracker(memory.New())
	users, err := tr.Active(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("active = %v; want empty", users)
	}
}
