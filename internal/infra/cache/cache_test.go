package cache

import (
	"context"
	"testing"
	"time"
)

// fixedClock returns a clock function that can be advanced manually.
func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	t := start
	return func() time.Time { return t }, func(d time.Duration) { t = t.Add(d) }
}

func TestMemory_SetGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || got != "v" {
		t.Errorf("Get = (%q, %v, %v), want (v, true, nil)", got, ok, err)
	}

	_, ok, _ = m.Get(ctx, "missing")
	if ok {
		t.Error("missing key reported present")
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	m := NewMemory()
	now, advance := fixedClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m.Now = now
	ctx := context.Background()

	m.Set(ctx, "k", "v", 5*time.Minute)

	advance(4 * time.Minute)
	if _, ok, _ := m.Get(ctx, "k"); !ok {
		t.Error("entry expired before TTL")
	}

	advance(2 * time.Minute)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("entry survived past TTL")
	}
	if m.Len() != 0 {
		t.Errorf("expired entry not dropped, len = %d", m.Len())
	}
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "a", "1", time.Minute)
	m.Set(ctx, "b", "2", time.Minute)
	if err := m.Delete(ctx, "a", "nope"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Error("deleted key still present")
	}
	if _, ok, _ := m.Get(ctx, "b"); !ok {
		t.Error("unrelated key deleted")
	}
}

func TestMemory_DeletePrefix(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "exp:1:user:5", "thompson:12", time.Hour)
	m.Set(ctx, "exp:1:user:6", "egreedy:40", time.Hour)
	m.Set(ctx, "exp:2:user:5", "ucb:7", time.Hour)

	if err := m.DeletePrefix(ctx, "exp:1:"); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "exp:1:user:5"); ok {
		t.Error("prefixed key survived")
	}
	if _, ok, _ := m.Get(ctx, "exp:2:user:5"); !ok {
		t.Error("other experiment's key deleted")
	}
}
