package decision

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/infra/sqlite"
)

// ─── Statistics ─────────────────────────────────────────────────────────────

func TestConfidenceInterval_SmallSampleWiderThanLarge(t *testing.T) {
	loSmall, hiSmall := confidenceInterval(0.5, 0.2, 10, 0.95)
	loLarge, hiLarge := confidenceInterval(0.5, 0.2, 1000, 0.95)

	if hiSmall-loSmall <= hiLarge-loLarge {
		t.Errorf("small-sample CI (%.4f) not wider than large-sample CI (%.4f)",
			hiSmall-loSmall, hiLarge-loLarge)
	}
	if loLarge >= 0.5 || hiLarge <= 0.5 {
		t.Errorf("CI (%.4f, %.4f) does not bracket the mean", loLarge, hiLarge)
	}
}

func TestConfidenceInterval_DegenerateSample(t *testing.T) {
	lo, hi := confidenceInterval(0.4, 0.1, 1, 0.95)
	if lo != 0.4 || hi != 0.4 {
		t.Errorf("n=1 CI = (%g, %g), want collapsed to the mean", lo, hi)
	}
}

func TestWelchTTest_SeparatedSamples(t *testing.T) {
	a := make([]float64, 200)
	b := make([]float64, 200)
	for i := range a {
		a[i] = 0.8 + 0.01*float64(i%5)
		b[i] = 0.2 + 0.01*float64(i%5)
	}
	if p := welchTTest(a, b); p > 1e-6 {
		t.Errorf("p = %g for clearly separated samples, want ≈ 0", p)
	}
}

func TestWelchTTest_IdenticalSamples(t *testing.T) {
	a := []float64{0.1, 0.5, 0.9, 0.3, 0.7, 0.2, 0.8}
	if p := welchTTest(a, a); p < 0.99 {
		t.Errorf("p = %g for identical samples, want ≈ 1", p)
	}
}

func TestWelchTTest_Degenerate(t *testing.T) {
	if p := welchTTest([]float64{1}, []float64{0, 1}); p != 1 {
		t.Errorf("p = %g for undersized sample, want 1", p)
	}
	if p := welchTTest([]float64{0.5, 0.5}, []float64{0.5, 0.5}); p != 1 {
		t.Errorf("p = %g for zero-variance equal samples, want 1", p)
	}
	if p := welchTTest([]float64{1, 1}, []float64{0, 0}); p != 0 {
		t.Errorf("p = %g for zero-variance distinct samples, want 0", p)
	}
}

// ─── Decision Rules ─────────────────────────────────────────────────────────

func TestDecide_Rules(t *testing.T) {
	crit := DefaultCriteria()
	perf := []PolicyPerformance{{Policy: "thompson"}, {Policy: "control"}}

	tests := []struct {
		name        string
		uplift      float64
		significant bool
		window      int
		best        string
		want        Type
		confidence  float64
	}{
		{"too_early", 0.10, true, 3, "thompson", Iterate, 0},
		{"max_duration_positive", 0.05, true, 14, "thompson", Ship, 0.8},
		{"max_duration_flat", 0.01, false, 14, "thompson", Kill, 0.9},
		{"mid_flight_ship", 0.05, true, 10, "thompson", Ship, 0.7 + 0.02*10},
		{"mid_flight_ship_confidence_cap", 0.50, true, 10, "thompson", Ship, 0.95},
		{"mid_flight_drop", -0.06, false, 10, "thompson", Kill, 0.8},
		{"mid_flight_inconclusive", 0.01, false, 10, "thompson", Iterate, 0.5},
		{"uplift_without_significance", 0.10, false, 10, "thompson", Iterate, 0.5},
		{"control_best_never_ships", 0.05, true, 10, "control", Iterate, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, confidence, reasoning := decide(perf, tt.best, tt.uplift, tt.significant, tt.window, crit)
			if decision != tt.want {
				t.Errorf("decision = %q (%s), want %q", decision, reasoning, tt.want)
			}
			if math.Abs(confidence-tt.confidence) > 1e-9 {
				t.Errorf("confidence = %g, want %g", confidence, tt.confidence)
			}
		})
	}
}

// ─── Engine over the Store ──────────────────────────────────────────────────

func newTestEngine(t *testing.T) (*Engine, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewEngine(db, zerolog.Nop()), db
}

func seedRewarded(t *testing.T, db *sqlite.DB, exp *domain.Experiment, policyName string, n int, mean float64) {
	t.Helper()
	events := make([]*domain.Event, 0, n)
	for i := 0; i < n; i++ {
		// Alternate around the mean so the variance is non-zero.
		r := mean + 0.1
		if i%2 == 0 {
			r = mean - 0.1
		}
		if r < 0 {
			r = 0
		}
		if r > 1 {
			r = 1
		}
		reward := r
		events = append(events, &domain.Event{
			UserID:       int64(i),
			ServedAt:     time.Now().UTC().Add(-time.Duration(i%72) * time.Hour),
			ExperimentID: &exp.ID,
			Policy:       &policyName,
			Reward:       &reward,
		})
	}
	if err := db.InsertEvents(events); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}
}

func makeExperiment(t *testing.T, db *sqlite.DB, ageDays int) *domain.Experiment {
	t.Helper()
	exp := &domain.Experiment{
		ID:            uuid.New(),
		Name:          "decision test",
		StartAt:       time.Now().UTC().Add(-time.Duration(ageDays) * 24 * time.Hour),
		TrafficPct:    1,
		DefaultPolicy: "control",
		CreatedAt:     time.Now().UTC(),
	}
	if err := db.InsertExperiment(exp); err != nil {
		t.Fatalf("InsertExperiment: %v", err)
	}
	return exp
}

func TestAnalyze_ShipOnClearWinner(t *testing.T) {
	engine, db := newTestEngine(t)
	crit := DefaultCriteria()
	crit.MinEventsPerPolicy = 200
	engine.UpdateCriteria(crit)

	exp := makeExperiment(t, db, 10)
	seedRewarded(t, db, exp, "control", 400, 0.3)
	seedRewarded(t, db, exp, "thompson", 400, 0.6)

	res, err := engine.Analyze(exp.ID, 10)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Decision != Ship {
		t.Errorf("decision = %q (%s), want ship", res.Decision, res.Reasoning)
	}
	if res.BestPolicy != "thompson" {
		t.Errorf("best policy = %q, want thompson", res.BestPolicy)
	}
	if !res.Significant {
		t.Error("clear separation not significant")
	}
	if res.Uplift < 0.9 {
		t.Errorf("uplift = %g, want ≈ 1.0", res.Uplift)
	}
	if len(res.Recs) == 0 {
		t.Error("no recommendations generated")
	}
}

func TestAnalyze_SkipsUnderpopulatedPolicies(t *testing.T) {
	engine, db := newTestEngine(t)
	crit := DefaultCriteria()
	crit.MinEventsPerPolicy = 200
	engine.UpdateCriteria(crit)

	exp := makeExperiment(t, db, 10)
	seedRewarded(t, db, exp, "control", 400, 0.5)
	seedRewarded(t, db, exp, "ucb", 50, 0.9) // below the floor

	res, err := engine.Analyze(exp.ID, 10)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	for _, p := range res.Performance {
		if p.Policy == "ucb" {
			t.Error("underpopulated policy not skipped")
		}
	}
}

func TestAnalyze_RecordsAndReplaysHistory(t *testing.T) {
	engine, db := newTestEngine(t)
	crit := DefaultCriteria()
	crit.MinEventsPerPolicy = 100
	engine.UpdateCriteria(crit)

	exp := makeExperiment(t, db, 10)
	seedRewarded(t, db, exp, "control", 300, 0.4)
	seedRewarded(t, db, exp, "egreedy", 300, 0.4)

	res, err := engine.Analyze(exp.ID, 10)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if err := engine.Record(res); err != nil {
		t.Fatalf("Record: %v", err)
	}

	history, err := engine.History(exp.ID, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history len = %d, want 1", len(history))
	}
	if history[0].Decision != string(res.Decision) {
		t.Errorf("persisted decision = %q, want %q", history[0].Decision, res.Decision)
	}
}
