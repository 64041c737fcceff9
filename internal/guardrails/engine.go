// Package guardrails runs the live safety checks over recent experiment
// traffic and decides when an experiment must be rolled back.
package guardrails

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/infra/observability"
	"github.com/recolab/banditd/internal/infra/sqlite"
)

// Status is a check verdict.
type Status string

const (
	StatusPass    Status = "pass"
	StatusWarning Status = "warning"
	StatusFail    Status = "fail"
)

// Check names.
const (
	CheckErrorRate        = "error_rate"
	CheckLatencyP95       = "latency_p95"
	CheckArmConcentration = "arm_concentration"
	CheckRewardDrop       = "reward_drop"
)

// Thresholds configures the four checks. Values are read-mostly and updated
// atomically through UpdateThresholds.
type Thresholds struct {
	ErrorRate        float64 `json:"error_rate"`        // share of failed serves, FAIL above
	LatencyP95Ms     float64 `json:"latency_p95"`       // milliseconds, FAIL above
	ArmConcentration float64 `json:"arm_concentration"` // top-arm share, WARNING above
	RewardDrop       float64 `json:"reward_drop"`       // relative drop vs control, WARNING above
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRate:        0.01,
		LatencyP95Ms:     120,
		ArmConcentration: 0.50,
		RewardDrop:       0.05,
	}
}

// Result is one check's outcome.
type Result struct {
	Name      string  `json:"name"`
	Status    Status  `json:"status"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message"`
}

// Summary is the full guardrail report for one experiment window.
type Summary struct {
	ExperimentID   uuid.UUID             `json:"experiment_id"`
	OverallStatus  Status                `json:"overall_status"`
	CheckedAt      time.Time             `json:"checked_at"`
	Checks         []Result              `json:"checks"`
	Metrics        sqlite.WindowMetrics  `json:"recent_metrics"`
	ShouldRollback bool                  `json:"should_rollback"`
}

// Engine evaluates the guardrails over a rolling window of events.
type Engine struct {
	db  *sqlite.DB
	log zerolog.Logger

	mu         sync.RWMutex
	thresholds Thresholds
	critical   map[string]bool

	// Window is the look-back for the metric snapshot.
	Window time.Duration
	// FailCount is how many FAILs trigger a rollback regardless of
	// criticality.
	FailCount int

	// Now is an injectable clock for testing.
	Now func() time.Time
}

// NewEngine creates a guardrails engine with default thresholds, a
// 30-minute window, and {error_rate, latency_p95} as the critical set.
func NewEngine(db *sqlite.DB, log zerolog.Logger) *Engine {
	return &Engine{
		db:         db,
		log:        log.With().Str("component", "guardrails").Logger(),
		thresholds: DefaultThresholds(),
		critical:   map[string]bool{CheckErrorRate: true, CheckLatencyP95: true},
		Window:     30 * time.Minute,
		FailCount:  2,
		Now:        time.Now,
	}
}

// Thresholds returns a copy of the current thresholds.
func (e *Engine) Thresholds() Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds
}

// UpdateThresholds replaces the thresholds atomically.
func (e *Engine) UpdateThresholds(t Thresholds) {
	e.mu.Lock()
	e.thresholds = t
	e.mu.Unlock()
	e.log.Info().Interface("thresholds", t).Msg("guardrail thresholds updated")
}

// Check evaluates all guardrails for an experiment. A panicking or failing
// check becomes a synthetic FAIL result; it never aborts the run.
func (e *Engine) Check(experimentID uuid.UUID) (*Summary, error) {
	exp, err := e.db.GetExperiment(experimentID)
	if err != nil {
		return nil, err
	}
	now := e.Now()
	if exp.StatusAt(now) == domain.StatusEnded {
		return &Summary{
			ExperimentID:  experimentID,
			OverallStatus: StatusPass,
			CheckedAt:     now,
			Checks:        []Result{},
		}, nil
	}

	metrics, err := e.db.GuardrailWindow(experimentID, now.Add(-e.Window))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}

	t := e.Thresholds()
	checks := []Result{
		e.runCheck(CheckErrorRate, func() Result { return checkErrorRate(metrics, t) }),
		e.runCheck(CheckLatencyP95, func() Result { return checkLatencyP95(metrics, t) }),
		e.runCheck(CheckArmConcentration, func() Result { return checkArmConcentration(metrics, t) }),
		e.runCheck(CheckRewardDrop, func() Result { return checkRewardDrop(metrics, t) }),
	}
	for _, c := range checks {
		observability.GuardrailChecks.WithLabelValues(c.Name, string(c.Status)).Inc()
	}

	summary := &Summary{
		ExperimentID:   experimentID,
		OverallStatus:  overallStatus(checks),
		CheckedAt:      now,
		Checks:         checks,
		Metrics:        metrics,
		ShouldRollback: e.shouldRollback(checks),
	}
	return summary, nil
}

// runCheck converts a panic inside a check into a synthetic FAIL.
func (e *Engine) runCheck(name string, fn func() Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("check", name).Interface("panic", r).Msg("guardrail check panicked")
			res = Result{
				Name:    name,
				Status:  StatusFail,
				Message: fmt.Sprintf("check failed: %v", r),
			}
		}
	}()
	return fn()
}

func (e *Engine) shouldRollback(checks []Result) bool {
	e.mu.RLock()
	critical := e.critical
	failCount := e.FailCount
	e.mu.RUnlock()

	fails := 0
	for _, c := range checks {
		if c.Status != StatusFail {
			continue
		}
		fails++
		if critical[c.Name] {
			return true
		}
	}
	return fails >= failCount
}

func overallStatus(checks []Result) Status {
	overall := StatusPass
	for _, c := range checks {
		switch c.Status {
		case StatusFail:
			return StatusFail
		case StatusWarning:
			overall = StatusWarning
		}
	}
	return overall
}

// ─── Checks ─────────────────────────────────────────────────────────────────

func checkErrorRate(m sqlite.WindowMetrics, t Thresholds) Result {
	var rate float64
	if m.TotalEvents > 0 {
		rate = float64(m.FailedServes) / float64(m.TotalEvents)
	}
	r := Result{Name: CheckErrorRate, Value: rate, Threshold: t.ErrorRate}
	if rate < t.ErrorRate {
		r.Status = StatusPass
		r.Message = fmt.Sprintf("error rate %.2f%% under threshold %.2f%%", rate*100, t.ErrorRate*100)
	} else {
		r.Status = StatusFail
		r.Message = fmt.Sprintf("error rate %.2f%% exceeds threshold %.2f%%", rate*100, t.ErrorRate*100)
	}
	return r
}

func checkLatencyP95(m sqlite.WindowMetrics, t Thresholds) Result {
	r := Result{Name: CheckLatencyP95, Value: m.P95Latency, Threshold: t.LatencyP95Ms}
	if m.P95Latency < t.LatencyP95Ms {
		r.Status = StatusPass
		r.Message = fmt.Sprintf("p95 latency %.1fms under threshold %.0fms", m.P95Latency, t.LatencyP95Ms)
	} else {
		r.Status = StatusFail
		r.Message = fmt.Sprintf("p95 latency %.1fms exceeds threshold %.0fms", m.P95Latency, t.LatencyP95Ms)
	}
	return r
}

func checkArmConcentration(m sqlite.WindowMetrics, t Thresholds) Result {
	r := Result{Name: CheckArmConcentration, Value: m.ArmConcentration, Threshold: t.ArmConcentration}
	if m.ArmConcentration < t.ArmConcentration {
		r.Status = StatusPass
		r.Message = fmt.Sprintf("top arm at %.1f%% of serves", m.ArmConcentration*100)
	} else {
		r.Status = StatusWarning
		r.Message = fmt.Sprintf("top arm at %.1f%% of serves exceeds %.0f%%", m.ArmConcentration*100, t.ArmConcentration*100)
	}
	return r
}

func checkRewardDrop(m sqlite.WindowMetrics, t Thresholds) Result {
	r := Result{Name: CheckRewardDrop, Threshold: t.RewardDrop}
	if m.ControlReward == 0 {
		r.Status = StatusPass
		r.Message = "no control group data available"
		return r
	}
	drop := (m.ControlReward - m.AvgReward) / m.ControlReward
	r.Value = drop
	if drop < t.RewardDrop {
		r.Status = StatusPass
		r.Message = fmt.Sprintf("reward drop %.1f%% under threshold %.0f%%", drop*100, t.RewardDrop*100)
	} else {
		r.Status = StatusWarning
		r.Message = fmt.Sprintf("reward drop %.1f%% exceeds threshold %.0f%%", drop*100, t.RewardDrop*100)
	}
	return r
}
