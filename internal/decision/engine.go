// Package decision implements the daily ship/iterate/kill analysis over
// rolling windows of attributed rewards.
package decision

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/infra/observability"
	"github.com/recolab/banditd/internal/infra/sqlite"
	"github.com/recolab/banditd/internal/policy"
)

// Type is a decision outcome.
type Type string

const (
	Ship    Type = "ship"
	Iterate Type = "iterate"
	Kill    Type = "kill"
)

// Criteria configures the decision rules. Read-mostly; replaced atomically
// via UpdateCriteria.
type Criteria struct {
	MinUplift          float64 `json:"min_uplift"`            // ship threshold
	MinWindowDays      int     `json:"min_window_days"`       // below ⇒ iterate
	MaxExperimentDays  int     `json:"max_experiment_days"`   // at or above ⇒ forced verdict
	MinEventsPerPolicy int64   `json:"min_events_per_policy"` // below ⇒ policy skipped
	SignificanceLevel  float64 `json:"significance_level"`    // p-value threshold
	MaxSampleSize      int     `json:"max_sample_size"`       // t-test draw bound
}

// DefaultCriteria returns the production defaults.
func DefaultCriteria() Criteria {
	return Criteria{
		MinUplift:          0.03,
		MinWindowDays:      7,
		MaxExperimentDays:  14,
		MinEventsPerPolicy: 1000,
		SignificanceLevel:  0.05,
		MaxSampleSize:      10000,
	}
}

// PolicyPerformance is one policy's window rollup.
type PolicyPerformance struct {
	Policy      string    `json:"policy"`
	TotalEvents int64     `json:"total_events"`
	TotalReward float64   `json:"total_reward"`
	MeanReward  float64   `json:"mean_reward"`
	RewardStd   float64   `json:"reward_std"`
	Interval    []float64 `json:"confidence_interval"`
	PValue      *float64  `json:"p_value,omitempty"`
}

// Result is the full analysis for one experiment.
type Result struct {
	ExperimentID uuid.UUID           `json:"experiment_id"`
	Decision     Type                `json:"decision"`
	Confidence   float64             `json:"confidence"`
	AnalyzedAt   time.Time           `json:"analysis_date"`
	WindowDays   int                 `json:"window_days"`
	Performance  []PolicyPerformance `json:"policy_performance"`
	BestPolicy   string              `json:"best_policy"`
	Uplift       float64             `json:"uplift_vs_control"`
	Significant  bool                `json:"statistical_significance"`
	Reasoning    string              `json:"reasoning"`
	Recs         []string            `json:"recommendations"`
}

// Engine analyzes experiments and records decisions to the audit log.
type Engine struct {
	db  *sqlite.DB
	log zerolog.Logger

	mu       sync.RWMutex
	criteria Criteria

	// Now is an injectable clock for testing.
	Now func() time.Time
}

// NewEngine creates a decision engine with default criteria.
func NewEngine(db *sqlite.DB, log zerolog.Logger) *Engine {
	return &Engine{
		db:       db,
		log:      log.With().Str("component", "decisions").Logger(),
		criteria: DefaultCriteria(),
		Now:      time.Now,
	}
}

// Criteria returns a copy of the active criteria.
func (e *Engine) Criteria() Criteria {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.criteria
}

// UpdateCriteria replaces the criteria atomically.
func (e *Engine) UpdateCriteria(c Criteria) {
	e.mu.Lock()
	e.criteria = c
	e.mu.Unlock()
	e.log.Info().Interface("criteria", c).Msg("decision criteria updated")
}

// Analyze runs the decision analysis for one experiment.
// windowDays ≤ 0 derives the window from the experiment's age, bounded to
// [min_window_days, max_experiment_days].
func (e *Engine) Analyze(experimentID uuid.UUID, windowDays int) (*Result, error) {
	exp, err := e.db.GetExperiment(experimentID)
	if err != nil {
		return nil, err
	}
	crit := e.Criteria()
	now := e.Now()

	if windowDays <= 0 {
		windowDays = e.analysisWindow(exp, now, crit)
	}
	since := now.Add(-time.Duration(windowDays) * 24 * time.Hour)

	perf, err := e.policyPerformance(experimentID, since, crit)
	if err != nil {
		return nil, err
	}
	if len(perf) == 0 {
		return nil, fmt.Errorf("%w: no policy has %d attributed events", domain.ErrInvalidArgument, crit.MinEventsPerPolicy)
	}

	best := bestPolicy(perf)
	uplift := upliftVsControl(perf)
	significant := isSignificant(perf, crit)
	decision, confidence, reasoning := decide(perf, best, uplift, significant, windowDays, crit)

	res := &Result{
		ExperimentID: experimentID,
		Decision:     decision,
		Confidence:   confidence,
		AnalyzedAt:   now,
		WindowDays:   windowDays,
		Performance:  perf,
		BestPolicy:   best,
		Uplift:       uplift,
		Significant:  significant,
		Reasoning:    reasoning,
		Recs:         recommendations(decision, best, uplift),
	}
	return res, nil
}

// Record appends a result to the decision audit log.
func (e *Engine) Record(res *Result) error {
	recs, _ := json.Marshal(res.Recs)
	perf, _ := json.Marshal(res.Performance)
	_, err := e.db.InsertDecision(&sqlite.DecisionRecord{
		ExperimentID:    res.ExperimentID,
		Decision:        string(res.Decision),
		Confidence:      res.Confidence,
		WindowDays:      res.WindowDays,
		BestPolicy:      res.BestPolicy,
		Uplift:          res.Uplift,
		Significant:     res.Significant,
		Reasoning:       res.Reasoning,
		Recommendations: string(recs),
		Performance:     string(perf),
		AnalyzedAt:      res.AnalyzedAt,
	})
	if err != nil {
		return err
	}
	observability.Decisions.WithLabelValues(string(res.Decision)).Inc()
	e.log.Info().Str("experiment", res.ExperimentID.String()).Str("decision", string(res.Decision)).
		Float64("confidence", res.Confidence).Str("reasoning", res.Reasoning).Msg("decision recorded")
	return nil
}

// History returns the persisted decisions for an experiment.
func (e *Engine) History(experimentID uuid.UUID, limit int) ([]sqlite.DecisionRecord, error) {
	return e.db.ListDecisions(experimentID, limit)
}

// RunDaily analyzes and records every active experiment. One failure never
// halts the batch; acting on the decision stays with the operator and the
// guardrails.
func (e *Engine) RunDaily(experiments []*domain.Experiment) {
	for _, exp := range experiments {
		res, err := e.Analyze(exp.ID, 0)
		if err != nil {
			e.log.Warn().Err(err).Str("experiment", exp.ID.String()).Msg("decision analysis skipped")
			continue
		}
		if err := e.Record(res); err != nil {
			e.log.Error().Err(err).Str("experiment", exp.ID.String()).Msg("decision record failed")
		}
	}
}

// ─── Analysis Internals ─────────────────────────────────────────────────────

func (e *Engine) analysisWindow(exp *domain.Experiment, now time.Time, crit Criteria) int {
	end := now
	if exp.EndAt != nil && exp.EndAt.Before(now) {
		end = *exp.EndAt
	}
	age := int(end.Sub(exp.StartAt).Hours() / 24)
	if age < crit.MinWindowDays {
		age = crit.MinWindowDays
	}
	if age > crit.MaxExperimentDays {
		age = crit.MaxExperimentDays
	}
	return age
}

func (e *Engine) policyPerformance(experimentID uuid.UUID, since time.Time, crit Criteria) ([]PolicyPerformance, error) {
	var (
		out      []PolicyPerformance
		control  []float64
		haveCtrl bool
	)

	names := append(policy.BanditNames(), policy.NameControl)
	for _, name := range names {
		agg, err := e.db.PolicyAggregateSince(experimentID, name, since)
		if err != nil {
			return nil, err
		}
		if agg.TotalEvents < crit.MinEventsPerPolicy {
			continue
		}
		lo, hi := confidenceInterval(agg.MeanReward, agg.StdReward, agg.TotalEvents, 0.95)
		p := PolicyPerformance{
			Policy:      name,
			TotalEvents: agg.TotalEvents,
			TotalReward: agg.TotalReward,
			MeanReward:  agg.MeanReward,
			RewardStd:   agg.StdReward,
			Interval:    []float64{lo, hi},
		}
		out = append(out, p)
		if name == policy.NameControl {
			haveCtrl = true
			control, err = e.db.PolicyRewardSample(experimentID, name, since, crit.MaxSampleSize)
			if err != nil {
				return nil, err
			}
		}
	}

	if haveCtrl {
		for i := range out {
			if out[i].Policy == policy.NameControl {
				continue
			}
			sample, err := e.db.PolicyRewardSample(experimentID, out[i].Policy, since, crit.MaxSampleSize)
			if err != nil {
				return nil, err
			}
			pv := welchTTest(sample, control)
			out[i].PValue = &pv
		}
	}
	return out, nil
}

func bestPolicy(perf []PolicyPerformance) string {
	best := perf[0]
	for _, p := range perf[1:] {
		if p.MeanReward > best.MeanReward {
			best = p
		}
	}
	return best.Policy
}

func isBandit(name string) bool {
	for _, b := range policy.BanditNames() {
		if b == name {
			return true
		}
	}
	return false
}

func bestBandit(perf []PolicyPerformance) *PolicyPerformance {
	var best *PolicyPerformance
	for i := range perf {
		if !isBandit(perf[i].Policy) {
			continue
		}
		if best == nil || perf[i].MeanReward > best.MeanReward {
			best = &perf[i]
		}
	}
	return best
}

func controlOf(perf []PolicyPerformance) *PolicyPerformance {
	for i := range perf {
		if perf[i].Policy == policy.NameControl {
			return &perf[i]
		}
	}
	return nil
}

func upliftVsControl(perf []PolicyPerformance) float64 {
	control := controlOf(perf)
	best := bestBandit(perf)
	if control == nil || best == nil || control.MeanReward == 0 {
		return 0
	}
	return (best.MeanReward - control.MeanReward) / control.MeanReward
}

func isSignificant(perf []PolicyPerformance, crit Criteria) bool {
	best := bestBandit(perf)
	if best == nil || best.PValue == nil {
		return false
	}
	return *best.PValue < crit.SignificanceLevel
}

// decide applies the decision rules in order.
func decide(perf []PolicyPerformance, best string, uplift float64, significant bool, windowDays int, crit Criteria) (Type, float64, string) {
	if windowDays < crit.MinWindowDays {
		return Iterate, 0, "insufficient data for decision"
	}
	if windowDays >= crit.MaxExperimentDays {
		if uplift >= crit.MinUplift && significant {
			return Ship, 0.8, "maximum duration reached with positive results"
		}
		return Kill, 0.9, "maximum duration reached without significant improvement"
	}
	if uplift >= crit.MinUplift && significant && isBandit(best) {
		confidence := 0.7 + (uplift-crit.MinUplift)*10
		if confidence > 0.95 {
			confidence = 0.95
		}
		return Ship, confidence, fmt.Sprintf("significant uplift: %.1f%% vs control, p < %g", uplift*100, crit.SignificanceLevel)
	}
	if uplift <= -0.05 {
		return Kill, 0.8, fmt.Sprintf("significant drop: %.1f%% vs control", uplift*100)
	}
	return Iterate, 0.5, "inconclusive results, need more data"
}

func recommendations(decision Type, best string, uplift float64) []string {
	var recs []string
	switch decision {
	case Ship:
		recs = append(recs,
			fmt.Sprintf("ship %s policy to production", best),
			"monitor performance for 48 hours after rollout",
			"consider gradual rollout (10% → 50% → 100%)")
	case Kill:
		recs = append(recs,
			"end experiment and revert to control",
			"analyze failure modes and policy behavior",
			"consider policy parameter tuning")
	default:
		recs = append(recs,
			"extend experiment for additional data collection",
			"monitor guardrails for any issues",
			"consider increasing traffic allocation")
	}
	if uplift > 0 {
		recs = append(recs, "positive trend detected, continue monitoring")
	} else {
		recs = append(recs, "negative trend detected, investigate causes")
	}
	return recs
}
