package guardrails

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/experiment"
	"github.com/recolab/banditd/internal/infra/cache"
	"github.com/recolab/banditd/internal/infra/sqlite"
)

func newHarness(t *testing.T) (*Engine, *Monitor, *experiment.Manager, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	manager := experiment.NewManager(db, cache.NewMemory(), zerolog.Nop())
	engine := NewEngine(db, zerolog.Nop())
	monitor := NewMonitor(engine, manager, zerolog.Nop())
	return engine, monitor, manager, db
}

func createActive(t *testing.T, m *experiment.Manager) *domain.Experiment {
	t.Helper()
	exp, err := m.Create(experiment.CreateParams{
		Name:          "guarded",
		StartAt:       time.Now().Add(-2 * time.Hour),
		TrafficPct:    1,
		DefaultPolicy: "control",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return exp
}

// serve inserts one event into the experiment's recent window.
func serve(t *testing.T, db *sqlite.DB, exp *domain.Experiment, policyName, armID string, latencyMs float64, reward *float64, failed bool) {
	t.Helper()
	ctx := map[string]string{"user_type": "regular"}
	if failed {
		ctx["serve_failed"] = "true"
	}
	e := &domain.Event{
		UserID:       1,
		ServedAt:     time.Now().UTC().Add(-5 * time.Minute),
		ExperimentID: &exp.ID,
		Policy:       &policyName,
		ArmID:        &armID,
		LatencyMs:    &latencyMs,
		Reward:       reward,
		Context:      ctx,
	}
	if _, err := db.InsertEvent(e); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
}

func rewardPtr(v float64) *float64 { return &v }

// ─── Engine ─────────────────────────────────────────────────────────────────

func TestCheck_HealthyExperimentPasses(t *testing.T) {
	engine, _, manager, db := newHarness(t)
	exp := createActive(t, manager)

	for i := 0; i < 40; i++ {
		arm := []string{"svd", "graph", "embeddings"}[i%3]
		serve(t, db, exp, "thompson", arm, 40, rewardPtr(0.6), false)
	}

	summary, err := engine.Check(exp.ID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if summary.OverallStatus != StatusPass {
		t.Errorf("overall = %q, want pass: %+v", summary.OverallStatus, summary.Checks)
	}
	if summary.ShouldRollback {
		t.Error("healthy experiment flagged for rollback")
	}
}

func TestCheck_LatencyAndErrorsTriggerRollback(t *testing.T) {
	// S6: p95 latency 150ms (FAIL) plus 2% error rate (FAIL), both critical.
	engine, _, manager, db := newHarness(t)
	exp := createActive(t, manager)

	for i := 0; i < 98; i++ {
		serve(t, db, exp, "thompson", "svd", 150, rewardPtr(0.5), false)
	}
	serve(t, db, exp, "thompson", "svd", 150, nil, true)
	serve(t, db, exp, "thompson", "svd", 150, nil, true)

	summary, err := engine.Check(exp.ID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !summary.ShouldRollback {
		t.Fatalf("should_rollback = false, checks: %+v", summary.Checks)
	}
	statuses := map[string]Status{}
	for _, c := range summary.Checks {
		statuses[c.Name] = c.Status
	}
	if statuses[CheckLatencyP95] != StatusFail {
		t.Errorf("latency check = %q, want fail", statuses[CheckLatencyP95])
	}
	if statuses[CheckErrorRate] != StatusFail {
		t.Errorf("error rate check = %q, want fail", statuses[CheckErrorRate])
	}
}

func TestCheck_ConcentrationIsWarningOnly(t *testing.T) {
	engine, _, manager, db := newHarness(t)
	exp := createActive(t, manager)

	// One arm dominates but latency and errors are fine.
	for i := 0; i < 30; i++ {
		serve(t, db, exp, "thompson", "svd", 30, rewardPtr(0.5), false)
	}
	serve(t, db, exp, "thompson", "graph", 30, rewardPtr(0.5), false)

	summary, err := engine.Check(exp.ID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if summary.OverallStatus != StatusWarning {
		t.Errorf("overall = %q, want warning", summary.OverallStatus)
	}
	if summary.ShouldRollback {
		t.Error("warning-only summary must not roll back")
	}
}

func TestCheck_RewardDropAgainstControl(t *testing.T) {
	engine, _, manager, db := newHarness(t)
	exp := createActive(t, manager)

	for i := 0; i < 20; i++ {
		serve(t, db, exp, "control", "svd", 30, rewardPtr(0.8), false)
		serve(t, db, exp, "thompson", "graph", 30, rewardPtr(0.2), false)
	}

	summary, err := engine.Check(exp.ID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	var drop *Result
	for i := range summary.Checks {
		if summary.Checks[i].Name == CheckRewardDrop {
			drop = &summary.Checks[i]
		}
	}
	if drop == nil || drop.Status != StatusWarning {
		t.Errorf("reward drop = %+v, want warning", drop)
	}
}

func TestCheck_NoControlDataPassesWithNote(t *testing.T) {
	engine, _, manager, db := newHarness(t)
	exp := createActive(t, manager)
	serve(t, db, exp, "thompson", "svd", 30, rewardPtr(0.4), false)

	summary, err := engine.Check(exp.ID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	for _, c := range summary.Checks {
		if c.Name == CheckRewardDrop {
			if c.Status != StatusPass {
				t.Errorf("reward drop without control = %q, want pass", c.Status)
			}
			if c.Message != "no control group data available" {
				t.Errorf("message = %q", c.Message)
			}
		}
	}
}

func TestCheck_EndedExperimentSkipped(t *testing.T) {
	engine, _, manager, _ := newHarness(t)
	exp := createActive(t, manager)
	if _, err := manager.End(context.Background(), exp.ID); err != nil {
		t.Fatalf("End: %v", err)
	}

	summary, err := engine.Check(exp.ID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(summary.Checks) != 0 || summary.ShouldRollback {
		t.Errorf("ended experiment still checked: %+v", summary)
	}
}

func TestUpdateThresholds(t *testing.T) {
	engine, _, _, _ := newHarness(t)
	custom := Thresholds{ErrorRate: 0.10, LatencyP95Ms: 500, ArmConcentration: 0.9, RewardDrop: 0.5}
	engine.UpdateThresholds(custom)
	if got := engine.Thresholds(); got != custom {
		t.Errorf("thresholds = %+v, want %+v", got, custom)
	}
}

// ─── Monitor ────────────────────────────────────────────────────────────────

func TestMonitor_RollsBackAndCoolsDown(t *testing.T) {
	_, monitor, manager, db := newHarness(t)
	exp := createActive(t, manager)

	// Breach both critical guardrails.
	for i := 0; i < 50; i++ {
		serve(t, db, exp, "thompson", "svd", 400, rewardPtr(0.5), i%10 == 0)
	}

	ctx := context.Background()
	monitor.RunOnce(ctx)

	got, err := manager.Get(exp.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.EndAt == nil {
		t.Fatal("experiment not ended by rollback")
	}
	if monitor.Attempts(exp.ID) != 1 {
		t.Errorf("attempts = %d, want 1", monitor.Attempts(exp.ID))
	}

	// A second tick inside the cooldown must be a no-op.
	monitor.RunOnce(ctx)
	if monitor.Attempts(exp.ID) != 1 {
		t.Errorf("cooldown violated: attempts = %d", monitor.Attempts(exp.ID))
	}
}

func TestMonitor_AttemptCapEmitsAlertInsteadOfActing(t *testing.T) {
	_, monitor, manager, db := newHarness(t)
	monitor.Cooldown = 0
	monitor.MaxAttempts = 0

	exp := createActive(t, manager)
	for i := 0; i < 50; i++ {
		serve(t, db, exp, "thompson", "svd", 400, rewardPtr(0.5), true)
	}

	monitor.RunOnce(context.Background())
	got, _ := manager.Get(exp.ID)
	if got.EndAt != nil {
		t.Error("experiment ended despite exhausted attempt cap")
	}
}
