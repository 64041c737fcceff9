package reward

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/infra/observability"
	"github.com/recolab/banditd/internal/infra/sqlite"
	"github.com/recolab/banditd/internal/policy"
)

// Worker drains pending events, computes rewards, and fans the results out
// to the policy engine. It is driven by the daemon's periodic task group:
// a 5-minute pending pass, a 15-minute retry pass for stragglers, and an
// hourly sweep that terminally zero-fills events past the attribution
// horizon.
type Worker struct {
	db       *sqlite.DB
	calc     *Calculator
	registry *policy.Registry
	log      zerolog.Logger

	BatchSize  int
	LookBack   time.Duration // pending pass horizon
	RetryDelay time.Duration // minimum age before the retry pass picks an event up
	SweepAge   time.Duration // age at which unrewarded events become reward 0

	// Now is an injectable clock for testing.
	Now func() time.Time
}

// NewWorker creates a reward worker with production defaults.
func NewWorker(db *sqlite.DB, calc *Calculator, registry *policy.Registry, log zerolog.Logger) *Worker {
	return &Worker{
		db:         db,
		calc:       calc,
		registry:   registry,
		log:        log.With().Str("component", "reward_worker").Logger(),
		BatchSize:  100,
		LookBack:   24 * time.Hour,
		RetryDelay: 5 * time.Minute,
		SweepAge:   30 * 24 * time.Hour,
		Now:        time.Now,
	}
}

// RunStats summarizes one processing pass.
type RunStats struct {
	Processed     int      `json:"processed"`
	Failed        int      `json:"failed"`
	PolicyUpdates int      `json:"policy_updates"`
	Errors        []string `json:"errors,omitempty"`
}

// ProcessPending computes rewards for events inside the look-back horizon
// that have none yet, then updates policy state for each attributed event.
func (w *Worker) ProcessPending(ctx context.Context) (RunStats, error) {
	var stats RunStats
	since := w.Now().Add(-w.LookBack)

	for {
		events, err := w.db.PendingEvents(since, w.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("load pending events: %w", err)
		}
		if len(events) == 0 {
			break
		}

		batch, err := w.processBatch(ctx, events)
		stats.Processed += batch.Processed
		stats.Failed += batch.Failed
		stats.PolicyUpdates += batch.PolicyUpdates
		stats.Errors = append(stats.Errors, batch.Errors...)
		if err != nil {
			return stats, err
		}
		observability.RewardsComputed.WithLabelValues("pending").Add(float64(batch.Processed))
		if batch.Processed == 0 || len(events) < w.BatchSize {
			break
		}
	}

	if stats.Processed > 0 {
		w.log.Info().Int("processed", stats.Processed).Int("failed", stats.Failed).
			Int("policy_updates", stats.PolicyUpdates).Msg("reward pass complete")
	}
	return stats, nil
}

// RetryStale reprocesses unrewarded events old enough to have missed the
// main pass, one batch per tick.
func (w *Worker) RetryStale(ctx context.Context) (RunStats, error) {
	events, err := w.db.StaleEvents(w.Now().Add(-w.RetryDelay), w.BatchSize)
	if err != nil {
		return RunStats{}, fmt.Errorf("load stale events: %w", err)
	}
	if len(events) == 0 {
		return RunStats{}, nil
	}
	stats, err := w.processBatch(ctx, events)
	observability.RewardsComputed.WithLabelValues("retry").Add(float64(stats.Processed))
	if stats.Processed > 0 {
		w.log.Info().Int("retried", stats.Processed).Msg("retry pass complete")
	}
	return stats, err
}

// Sweep terminally attributes reward 0.0 (no interaction) to events older
// than the sweep age.
func (w *Worker) Sweep(ctx context.Context) (int64, error) {
	n, err := w.db.SweepUnrewarded(w.Now().Add(-w.SweepAge))
	if err != nil {
		return 0, err
	}
	observability.RewardsComputed.WithLabelValues("sweep").Add(float64(n))
	if n > 0 {
		w.log.Info().Int64("events", n).Msg("zero-filled events past attribution horizon")
	}
	return n, nil
}

// ─── Batch Processing ───────────────────────────────────────────────────────

// processBatch computes rewards for a batch, persists them, and fans policy
// updates out grouped by (policy, arm, context). One failing group never
// aborts the others.
func (w *Worker) processBatch(ctx context.Context, events []*domain.Event) (RunStats, error) {
	var stats RunStats

	rewards := w.batchCompute(events)
	for _, e := range events {
		r, ok := rewards[e.ID]
		if !ok {
			stats.Failed++
			continue
		}
		if _, err := w.db.SetReward(e.ID, r); err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, err.Error())
			continue
		}
		stats.Processed++
	}

	stats.PolicyUpdates = w.applyPolicyUpdates(ctx, events, rewards, &stats)
	return stats, nil
}

// batchCompute evaluates rewards, fetching each user's interactions once.
func (w *Worker) batchCompute(events []*domain.Event) map[int64]float64 {
	byUser := make(map[int64][]*domain.Event)
	for _, e := range events {
		byUser[e.UserID] = append(byUser[e.UserID], e)
	}

	rewards := make(map[int64]float64, len(events))
	for userID, userEvents := range byUser {
		earliest := userEvents[0].ServedAt
		for _, e := range userEvents[1:] {
			if e.ServedAt.Before(earliest) {
				earliest = e.ServedAt
			}
		}

		interactions, err := w.db.InteractionsForUser(userID, earliest)
		if err != nil {
			// Leave this user's rewards unattributed; the retry tick picks
			// them up.
			w.log.Warn().Err(err).Int64("user", userID).Msg("interaction fetch failed")
			continue
		}
		byMovie := make(map[int64][]domain.Interaction)
		for _, in := range interactions {
			byMovie[in.MovieID] = append(byMovie[in.MovieID], in)
		}

		for _, e := range userEvents {
			var movieInteractions []domain.Interaction
			if e.MovieID != nil {
				movieInteractions = byMovie[*e.MovieID]
			}
			rewards[e.ID] = w.calc.Compute(e, movieInteractions)
		}
	}
	return rewards
}

type updateGroup struct {
	policyName string
	armID      string
	sel        domain.SelectionContext
	rewards    []float64
}

// applyPolicyUpdates groups attributed events by (policy, arm, context key)
// and applies each group's rewards in order.
func (w *Worker) applyPolicyUpdates(ctx context.Context, events []*domain.Event, rewards map[int64]float64, stats *RunStats) int {
	groups := make(map[string]*updateGroup)
	var order []string
	for _, e := range events {
		if e.Policy == nil || e.ArmID == nil {
			continue
		}
		r, ok := rewards[e.ID]
		if !ok {
			continue
		}
		sel := domain.SelectionContext{Extra: e.Context}
		key := *e.Policy + "|" + *e.ArmID + "|" + sel.Key()
		g, ok := groups[key]
		if !ok {
			g = &updateGroup{policyName: *e.Policy, armID: *e.ArmID, sel: sel}
			groups[key] = g
			order = append(order, key)
		}
		g.rewards = append(g.rewards, r)
	}

	updates := 0
	for _, key := range order {
		g := groups[key]
		p, err := w.registry.New(g.policyName)
		if err != nil {
			// Control and unknown labels carry no learnable state.
			continue
		}
		for _, r := range g.rewards {
			if err := p.Update(ctx, g.armID, r, g.sel); err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("update %s/%s: %v", g.policyName, g.armID, err))
				w.log.Error().Err(err).Str("policy", g.policyName).Str("arm", g.armID).
					Msg("policy update failed")
				break
			}
			updates++
			observability.PolicyUpdates.WithLabelValues(g.policyName).Inc()
		}
	}
	return updates
}

// ProcessingStats reports overall attribution progress.
type ProcessingStats struct {
	TotalEvents     int64   `json:"total_events"`
	ProcessedEvents int64   `json:"processed_events"`
	PendingEvents   int64   `json:"pending_events"`
	ProcessingRate  float64 `json:"processing_rate"`
}

// Stats returns attribution progress over the whole event log.
func (w *Worker) Stats() (ProcessingStats, error) {
	total, rewarded, err := w.db.PendingCounts()
	if err != nil {
		return ProcessingStats{}, err
	}
	s := ProcessingStats{
		TotalEvents:     total,
		ProcessedEvents: rewarded,
		PendingEvents:   total - rewarded,
	}
	if total > 0 {
		s.ProcessingRate = float64(rewarded) / float64(total)
	}
	return s, nil
}
