package experiment

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/infra/cache"
	"github.com/recolab/banditd/internal/infra/sqlite"
)

var testPolicies = []string{"thompson", "egreedy", "ucb"}

func newTestManager(t *testing.T) (*Manager, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewManager(db, cache.NewMemory(), zerolog.Nop()), db
}

func createActive(t *testing.T, m *Manager, trafficPct float64) *domain.Experiment {
	t.Helper()
	exp, err := m.Create(CreateParams{
		Name:          "bandit rollout",
		StartAt:       m.Now().Add(-time.Hour),
		TrafficPct:    trafficPct,
		DefaultPolicy: "control",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return exp
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestCreate_Validation(t *testing.T) {
	m, _ := newTestManager(t)
	start := time.Now()
	early := start.Add(-time.Hour)

	tests := []struct {
		name   string
		params CreateParams
	}{
		{"empty_name", CreateParams{StartAt: start, TrafficPct: 1, DefaultPolicy: "control"}},
		{"traffic_above_one", CreateParams{Name: "x", StartAt: start, TrafficPct: 1.5, DefaultPolicy: "control"}},
		{"traffic_negative", CreateParams{Name: "x", StartAt: start, TrafficPct: -0.1, DefaultPolicy: "control"}},
		{"no_default_policy", CreateParams{Name: "x", StartAt: start, TrafficPct: 1}},
		{"end_before_start", CreateParams{Name: "x", StartAt: start, EndAt: &early, TrafficPct: 1, DefaultPolicy: "control"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Create(tt.params); !errors.Is(err, domain.ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestEnd_SetsEndAtAndRejectsSecondEnd(t *testing.T) {
	m, _ := newTestManager(t)
	exp := createActive(t, m, 1)
	ctx := context.Background()

	ended, err := m.End(ctx, exp.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.EndAt == nil {
		t.Fatal("end_at not set")
	}
	if _, err := m.End(ctx, exp.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("second End err = %v, want ErrConflict", err)
	}
}

func TestUpdate_EndedExperimentConflicts(t *testing.T) {
	m, _ := newTestManager(t)
	exp := createActive(t, m, 1)
	if _, err := m.End(context.Background(), exp.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	name := "renamed"
	if _, err := m.Update(exp.ID, UpdateParams{Name: &name}); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestList_FiltersByDerivedStatus(t *testing.T) {
	m, _ := newTestManager(t)
	createActive(t, m, 1)
	if _, err := m.Create(CreateParams{
		Name: "future", StartAt: m.Now().Add(48 * time.Hour), TrafficPct: 1, DefaultPolicy: "control",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	active, err := m.List(domain.StatusActive)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(active) != 1 || active[0].Name != "bandit rollout" {
		t.Errorf("active list = %v", active)
	}
	scheduled, _ := m.List(domain.StatusScheduled)
	if len(scheduled) != 1 || scheduled[0].Name != "future" {
		t.Errorf("scheduled list = %v", scheduled)
	}
	all, _ := m.List("")
	if len(all) != 2 {
		t.Errorf("unfiltered list len = %d, want 2", len(all))
	}
}

// ─── Assignment ─────────────────────────────────────────────────────────────

func TestAssign_Sticky(t *testing.T) {
	m, db := newTestManager(t)
	exp := createActive(t, m, 1)
	ctx := context.Background()

	policy, bucket, err := m.Assign(ctx, exp.ID, 12345, testPolicies)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	for i := 0; i < 5; i++ {
		p2, b2, err := m.Assign(ctx, exp.ID, 12345, testPolicies)
		if err != nil {
			t.Fatalf("repeat Assign: %v", err)
		}
		if p2 != policy || b2 != bucket {
			t.Fatalf("assignment not sticky: (%s, %d) vs (%s, %d)", p2, b2, policy, bucket)
		}
	}

	if n, _ := db.CountAssignments(exp.ID); n != 1 {
		t.Errorf("assignment rows = %d, want 1", n)
	}
}

func TestAssign_Deterministic(t *testing.T) {
	// The same (experiment, user) must map to the same (policy, bucket) on a
	// second manager instance with a cold cache.
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	m1 := NewManager(db, cache.NewMemory(), zerolog.Nop())
	exp, err := m1.Create(CreateParams{
		Name: "x", StartAt: time.Now().Add(-time.Hour), TrafficPct: 1, DefaultPolicy: "control",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	policy, bucket, err := m1.Assign(context.Background(), exp.ID, 777, testPolicies)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	m2 := NewManager(db, cache.NewMemory(), zerolog.Nop())
	p2, b2, err := m2.Assign(context.Background(), exp.ID, 777, testPolicies)
	if err != nil {
		t.Fatalf("Assign on second manager: %v", err)
	}
	if p2 != policy || b2 != bucket {
		t.Errorf("assignment differs across processes: (%s, %d) vs (%s, %d)", p2, b2, policy, bucket)
	}
}

func TestAssign_TrafficGating(t *testing.T) {
	m, db := newTestManager(t)
	exp := createActive(t, m, 0.5)
	ctx := context.Background()

	const users = 4000
	inExperiment := 0
	for uid := int64(0); uid < users; uid++ {
		policy, bucket, err := m.Assign(ctx, exp.ID, uid, testPolicies)
		if err != nil {
			t.Fatalf("Assign: %v", err)
		}
		if policy != "control" {
			inExperiment++
			if bucket >= 50 {
				t.Fatalf("user %d assigned with bucket %d ≥ 50", uid, bucket)
			}
		} else if bucket < 50 && bucket != 0 {
			t.Fatalf("user %d gated out with in-traffic bucket %d", uid, bucket)
		}
	}

	share := float64(inExperiment) / users
	if math.Abs(share-0.5) > 0.05 {
		t.Errorf("in-experiment share = %.3f, want ≈ 0.5", share)
	}
	if rows, _ := db.CountAssignments(exp.ID); rows != int64(inExperiment) {
		t.Errorf("persisted rows = %d, want %d (gated users must not persist)", rows, inExperiment)
	}
}

func TestAssign_ScheduledAndEndedFallBack(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	future, err := m.Create(CreateParams{
		Name: "future", StartAt: m.Now().Add(24 * time.Hour), TrafficPct: 1, DefaultPolicy: "control",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	policy, bucket, err := m.Assign(ctx, future.ID, 42, testPolicies)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if policy != "control" || bucket != 0 {
		t.Errorf("scheduled experiment returned (%s, %d), want (control, 0)", policy, bucket)
	}
	if n, _ := db.CountAssignments(future.ID); n != 0 {
		t.Errorf("scheduled experiment persisted %d assignments", n)
	}

	ended := createActive(t, m, 1)
	if _, err := m.End(ctx, ended.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	policy, bucket, err = m.Assign(ctx, ended.ID, 43, testPolicies)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if policy != "control" || bucket != 0 {
		t.Errorf("ended experiment returned (%s, %d), want (control, 0)", policy, bucket)
	}
	if n, _ := db.CountAssignments(ended.ID); n != 0 {
		t.Errorf("ended experiment persisted %d assignments", n)
	}
}

func TestAssign_UnknownExperiment(t *testing.T) {
	m, _ := newTestManager(t)
	_, _, err := m.Assign(context.Background(), uuid.New(), 1, testPolicies)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEnd_ClearsAssignmentCache(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	mem := cache.NewMemory()
	m := NewManager(db, mem, zerolog.Nop())

	exp, err := m.Create(CreateParams{
		Name: "x", StartAt: time.Now().Add(-time.Hour), TrafficPct: 1, DefaultPolicy: "control",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ctx := context.Background()
	if _, _, err := m.Assign(ctx, exp.ID, 9, testPolicies); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if mem.Len() == 0 {
		t.Fatal("assignment not cached")
	}
	if _, err := m.End(ctx, exp.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, ok, _ := mem.Get(ctx, assignmentCacheKey(exp.ID, 9)); ok {
		t.Error("assignment cache survived experiment end")
	}
}

// ─── Stats & Validation ─────────────────────────────────────────────────────

func TestGetStats(t *testing.T) {
	m, _ := newTestManager(t)
	exp := createActive(t, m, 1)
	ctx := context.Background()
	for uid := int64(0); uid < 60; uid++ {
		if _, _, err := m.Assign(ctx, exp.ID, uid, testPolicies); err != nil {
			t.Fatalf("Assign: %v", err)
		}
	}

	stats, err := m.GetStats(exp.ID)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.AssignedUsers != 60 {
		t.Errorf("assigned users = %d, want 60", stats.AssignedUsers)
	}
	var sum int64
	for _, n := range stats.PolicyDistribution {
		sum += n
	}
	if sum != 60 {
		t.Errorf("distribution sums to %d, want 60", sum)
	}
	if stats.Status != domain.StatusActive {
		t.Errorf("status = %q, want active", stats.Status)
	}
}

func TestValidate(t *testing.T) {
	m, _ := newTestManager(t)

	farFuture, err := m.Create(CreateParams{
		Name: "later", StartAt: m.Now().Add(45 * 24 * time.Hour), TrafficPct: 1, DefaultPolicy: "control",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	v, err := m.Validate(farFuture.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !v.Valid {
		t.Errorf("far-future start should be a warning, not an issue: %v", v.Issues)
	}
	if len(v.Warnings) == 0 {
		t.Error("expected a far-future warning")
	}

	active := createActive(t, m, 1)
	v, _ = m.Validate(active.ID)
	if !v.Valid {
		t.Errorf("healthy experiment reported invalid: %v", v.Issues)
	}
	found := false
	for _, w := range v.Warnings {
		if w == "no user assignments found for active experiment" {
			found = true
		}
	}
	if !found {
		t.Error("expected zero-assignment warning for active experiment")
	}
}

func TestTrafficAllocation(t *testing.T) {
	m, _ := newTestManager(t)
	exp := createActive(t, m, 0.9)
	alloc, err := m.TrafficAllocation(exp.ID, testPolicies)
	if err != nil {
		t.Fatalf("TrafficAllocation: %v", err)
	}
	for _, p := range testPolicies {
		if math.Abs(alloc[p]-0.3) > 1e-9 {
			t.Errorf("allocation[%s] = %g, want 0.3", p, alloc[p])
		}
	}
}
