package reward

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/infra/cache"
	"github.com/recolab/banditd/internal/infra/sqlite"
	"github.com/recolab/banditd/internal/policy"
)

func newTestWorker(t *testing.T) (*Worker, *sqlite.DB, *policy.StateStore) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := policy.NewStateStore(db, cache.NewMemory(), zerolog.Nop())
	registry := policy.NewRegistry(store)
	w := NewWorker(db, NewCalculator(ModeBinary), registry, zerolog.Nop())
	return w, db, store
}

func insertServe(t *testing.T, db *sqlite.DB, userID, movieID int64, policyName, armID string, servedAt time.Time) int64 {
	t.Helper()
	e := &domain.Event{
		UserID:   userID,
		MovieID:  &movieID,
		ServedAt: servedAt,
		Policy:   &policyName,
		ArmID:    &armID,
		Context:  map[string]string{"user_type": "regular"},
	}
	id, err := db.InsertEvent(e)
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	return id
}

func TestProcessPending_AttributesAndUpdatesPolicy(t *testing.T) {
	w, db, store := newTestWorker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	clicked := insertServe(t, db, 7, 100, policy.NameThompson, "svd", now.Add(-time.Hour))
	ignored := insertServe(t, db, 7, 200, policy.NameThompson, "graph", now.Add(-time.Hour))
	if _, err := db.MarkInteraction(clicked, domain.InteractionClick, nil, now.Add(-30*time.Minute)); err != nil {
		t.Fatalf("MarkInteraction: %v", err)
	}

	stats, err := w.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if stats.Processed != 2 {
		t.Errorf("processed = %d, want 2", stats.Processed)
	}
	if stats.PolicyUpdates != 2 {
		t.Errorf("policy updates = %d, want 2", stats.PolicyUpdates)
	}

	e1, _ := db.GetEvent(clicked)
	if e1.Reward == nil || *e1.Reward != 1.0 {
		t.Errorf("clicked event reward = %v, want 1.0", e1.Reward)
	}
	e2, _ := db.GetEvent(ignored)
	if e2.Reward == nil || *e2.Reward != 0.0 {
		t.Errorf("ignored event reward = %v, want 0.0", e2.Reward)
	}

	sel := domain.SelectionContext{Extra: map[string]string{"user_type": "regular"}}
	st, err := store.Get(ctx, policy.NameThompson, "svd", sel.Key())
	if err != nil {
		t.Fatalf("Get state: %v", err)
	}
	if st.Count != 1 || st.SumReward != 1.0 || st.Alpha != 2.0 {
		t.Errorf("state after update = %+v, want count 1, sum 1, α 2", st)
	}
}

func TestProcessPending_SecondPassIsNoOp(t *testing.T) {
	w, db, store := newTestWorker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id := insertServe(t, db, 7, 100, policy.NameEGreedy, "svd", now.Add(-time.Hour))
	if _, err := db.MarkInteraction(id, domain.InteractionClick, nil, now.Add(-30*time.Minute)); err != nil {
		t.Fatalf("MarkInteraction: %v", err)
	}

	if _, err := w.ProcessPending(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	stats, err := w.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats.Processed != 0 || stats.PolicyUpdates != 0 {
		t.Errorf("second pass touched events: %+v", stats)
	}

	sel := domain.SelectionContext{Extra: map[string]string{"user_type": "regular"}}
	st, _ := store.Get(ctx, policy.NameEGreedy, "svd", sel.Key())
	if st.Count != 1 {
		t.Errorf("state double-counted: count = %d, want 1", st.Count)
	}
}

func TestSetReward_Idempotent(t *testing.T) {
	_, db, _ := newTestWorker(t)
	id := insertServe(t, db, 1, 1, policy.NameUCB, "svd", time.Now().UTC())

	mutated, err := db.SetReward(id, 0.7)
	if err != nil || !mutated {
		t.Fatalf("first SetReward = (%v, %v), want (true, nil)", mutated, err)
	}
	mutated, err = db.SetReward(id, 0.2)
	if err != nil {
		t.Fatalf("second SetReward: %v", err)
	}
	if mutated {
		t.Error("second SetReward mutated an already-rewarded event")
	}
	e, _ := db.GetEvent(id)
	if *e.Reward != 0.7 {
		t.Errorf("reward = %g, want first-write 0.7", *e.Reward)
	}
}

func TestSweep_ZeroFillsOldEvents(t *testing.T) {
	w, db, _ := newTestWorker(t)
	now := time.Now().UTC()

	old := insertServe(t, db, 1, 1, policy.NameUCB, "svd", now.Add(-31*24*time.Hour))
	fresh := insertServe(t, db, 1, 2, policy.NameUCB, "svd", now.Add(-time.Hour))

	n, err := w.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	oldEvent, _ := db.GetEvent(old)
	if oldEvent.Reward == nil || *oldEvent.Reward != 0.0 {
		t.Errorf("old event reward = %v, want 0.0", oldEvent.Reward)
	}
	freshEvent, _ := db.GetEvent(fresh)
	if freshEvent.Reward != nil {
		t.Errorf("fresh event swept early: reward = %v", freshEvent.Reward)
	}
}

func TestRetryStale_PicksUpStragglers(t *testing.T) {
	w, db, _ := newTestWorker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Outside the pending look-back but old enough for the retry pass.
	stale := insertServe(t, db, 3, 9, policy.NameEGreedy, "svd", now.Add(-26*time.Hour))

	stats, err := w.RetryStale(ctx)
	if err != nil {
		t.Fatalf("RetryStale: %v", err)
	}
	if stats.Processed != 1 {
		t.Errorf("retried = %d, want 1", stats.Processed)
	}
	e, _ := db.GetEvent(stale)
	if e.Reward == nil {
		t.Error("stale event still unattributed")
	}
}

func TestMarkInteraction_Idempotent(t *testing.T) {
	_, db, _ := newTestWorker(t)
	id := insertServe(t, db, 1, 1, policy.NameUCB, "svd", time.Now().UTC())
	at := time.Now().UTC()

	mutated, err := db.MarkInteraction(id, domain.InteractionClick, nil, at)
	if err != nil || !mutated {
		t.Fatalf("first mark = (%v, %v), want (true, nil)", mutated, err)
	}
	mutated, err = db.MarkInteraction(id, domain.InteractionClick, nil, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if mutated {
		t.Error("second mark mutated the event")
	}
	e, _ := db.GetEvent(id)
	if !e.ClickedAt.Equal(at.Truncate(time.Millisecond)) {
		t.Errorf("clicked_at = %v, want first timestamp %v", e.ClickedAt, at)
	}
}
