package memory

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	ctx := context.Background()
	c := New()

	c.Enqueue(ctx, []byte("a"))
	c.Enqueue(ctx, []byte("b"))

	for _, want := range []string{"a", "b"} {
		got, err := c.Dequeue(ctx, 100*time.Millisecond)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if string(got) != want {
			t.Fatalf("Dequeue = %q; want %q", got, want)
		}
	}

	// Пустая очередь: nil без ошибки по истечении wait.
	got, err := c.Dequeue(ctx, 20*time.Millisecond)
	if err != nil || got != nil {
		t.Fatalf("idle Dequeue = %q, %v; want nil, nil", got, err)
	}
}

func TestInboxDrainOnce(t *testing.T) {
	ctx := context.Background()
	c := New()

	c.PushInbox(ctx, "u1", []byte("m1"))
	c.PushInbox(ctx, "u1", []byte("m2"))

	out, err := c.DrainInbox(ctx, "u1")
	if err != nil {
		t.Fatalf("DrainInbox: %v", err)
	}
	if len(out) != 2 || string(out[0]) != "m1" || string(out[1]) != "m2" {
		t.Fatalf("drained = %q; want [m1 m2] oldest first", out)
	}

	// Повторный дренаж пуст — инбокс одноразовый.
	out, _ = c.DrainInbox(ctx, "u1")
	if len(out) != 0 {
		t.Fatalf("second drain = %q; want empty", out)
	}
}

func TestInboxTrimsOldest(t *testing.T) {
	ctx := context.Background()
	c := New()

	for i := 0; i < maxInboxLen+10; i++ {
		c.PushInbox(ctx, "u1", []byte(fmt.Sprintf("m%d", i)))
	}
	out, _ := c.DrainInbox(ctx, "u1")
	if len(out) != maxInboxLen {
		t.Fatalf("drained = %d entries; want %d", len(out), maxInboxLen)
	}
	if string(out[0]) != "m10" {
		t.Fatalf("oldest kept = %q; want m10 (first ten trimmed)", out[0])
	}
}

func TestPutClientTempIDOnce(t *testing.T) {
	ctx := context.Background()
	c := New()

	got, created, err := c.PutClientTempID(ctx, "u1", "tmp", "m1")
	if err != nil || !created || got != "m1" {
		t.Fatalf("first put = %q, %v, %v; want m1, true, nil", got, created, err)
	}
	got, created, err = c.PutClientTempID(ctx, "u1", "tmp", "m2")
	if err != nil || created || got != "m1" {
		t.Fatalf("second put = %q, %v, %v; want original m1, false, nil", got, created, err)
	}

	// Другой отправитель с тем же temp id — независимая запись.
	got, created, _ = c.PutClientTempID(ctx, "u2", "tmp", "m3")
	if !created || got != "m3" {
		t.Fatalf("other sender put = %q, %v; want m3, true", got, created)
	}
}

func TestUnreadCounter(t *testing.T) {
	ctx := context.Background()
	c := New()

	if _, _, ok, _ := c.GetUnread(ctx, "conv1", "u1"); ok {
		t.Fatal("missing counter must report ok=false")
	}
	c.IncrUnread(ctx, "conv1", "u1")
	c.IncrUnread(ctx, "conv1", "u1")
	n, age, ok, err := c.GetUnread(ctx, "conv1", "u1")
	if err != nil || !ok || n != 2 {
		t.Fatalf("GetUnread = %d, %v, %v; want 2, true, nil", n, ok, err)
	}
	if age < 0 || age > time.Minute {
		t.Fatalf("age = %v; want a fresh stamp", age)
	}

	c.SetUnread(ctx, "conv1", "u1", 0)
	if n, _, _, _ := c.GetUnread(ctx, "conv1", "u1"); n != 0 {
		t.Fatalf("after reset n = %d; want 0", n)
	}
}
