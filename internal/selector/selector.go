// Package selector orchestrates one recommendation request: resolve the
// user's policy through the experiment manager, choose an arm through the
// policy engine, and log the serve. The caller (the external recommender)
// turns the arm into concrete items.
package selector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/experiment"
	"github.com/recolab/banditd/internal/infra/observability"
	"github.com/recolab/banditd/internal/infra/sqlite"
	"github.com/recolab/banditd/internal/policy"
)

// Selection is the bandit verdict for one request.
type Selection struct {
	ExperimentID uuid.UUID      `json:"experiment_id"`
	Policy       string         `json:"policy"`
	Bucket       int            `json:"bucket"`
	ArmID        string         `json:"arm_id,omitempty"`
	PScore       *float64       `json:"p_score,omitempty"`
	Confidence   float64        `json:"confidence"`
	ContextKey   string         `json:"context_key"`
	LatencyMs    float64        `json:"latency_ms"`
	Fallback     bool           `json:"fallback,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Selector wires the experiment manager and the policy registry.
type Selector struct {
	manager  *experiment.Manager
	registry *policy.Registry
	db       *sqlite.DB
	log      zerolog.Logger

	// Policies is the roster handed to the assignment hash.
	Policies []string
	// Budget bounds the policy-state read; beyond it the request falls back
	// to the experiment's default policy.
	Budget time.Duration

	// Now is an injectable clock for testing.
	Now func() time.Time
}

// New creates a selector with the full bandit roster plus control and a
// 100ms selection budget.
func New(manager *experiment.Manager, registry *policy.Registry, db *sqlite.DB, log zerolog.Logger) *Selector {
	return &Selector{
		manager:  manager,
		registry: registry,
		db:       db,
		log:      log.With().Str("component", "selector").Logger(),
		Policies: append(policy.BanditNames(), policy.NameControl),
		Budget:   100 * time.Millisecond,
		Now:      time.Now,
	}
}

// Select resolves (experiment, policy) for the user and picks an arm.
// For the control group the arm stays empty: the caller serves its default
// pipeline. Transient policy-engine failures never propagate — the request
// falls back to the default policy with a context flag instead.
func (s *Selector) Select(ctx context.Context, experimentID uuid.UUID, userID int64, sel domain.SelectionContext, arms []string) (*Selection, error) {
	if len(arms) == 0 {
		return nil, domain.ErrNoArms
	}
	start := s.Now()

	assigned, bucket, err := s.manager.Assign(ctx, experimentID, userID, s.Policies)
	if err != nil {
		return nil, err
	}

	out := &Selection{
		ExperimentID: experimentID,
		Policy:       assigned,
		Bucket:       bucket,
		ContextKey:   sel.Key(),
	}

	if assigned != policy.NameControl {
		if res, ok := s.selectWithBudget(ctx, assigned, sel, arms); ok {
			out.ArmID = res.ArmID
			out.PScore = res.PScore
			out.Confidence = res.Confidence
			out.Metadata = res.Metadata
			observability.Selections.WithLabelValues(assigned, res.ArmID).Inc()
		} else {
			// Fall back to the default policy; the event context records it
			// so downstream attribution can tell these serves apart.
			exp, err := s.manager.Get(experimentID)
			if err != nil {
				return nil, err
			}
			out.Policy = exp.DefaultPolicy
			out.Fallback = true
			observability.SelectionFallbacks.Inc()
		}
	}

	out.LatencyMs = float64(s.Now().Sub(start)) / float64(time.Millisecond)
	observability.SelectionLatency.Observe(out.LatencyMs)
	return out, nil
}

// selectWithBudget runs the policy selection under the latency budget.
func (s *Selector) selectWithBudget(ctx context.Context, name string, sel domain.SelectionContext, arms []string) (policy.Result, bool) {
	p, err := s.registry.New(name)
	if err != nil {
		s.log.Warn().Str("policy", name).Msg("assigned policy unknown to registry")
		return policy.Result{}, false
	}

	budgetCtx, cancel := context.WithTimeout(ctx, s.Budget)
	defer cancel()

	type outcome struct {
		res policy.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.Select(budgetCtx, sel, arms)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			s.log.Warn().Err(o.err).Str("policy", name).Msg("policy selection failed, falling back")
			return policy.Result{}, false
		}
		return o.res, true
	case <-budgetCtx.Done():
		s.log.Warn().Str("policy", name).Dur("budget", s.Budget).Msg("selection budget exceeded, falling back")
		return policy.Result{}, false
	}
}

// ServeItem describes one item the caller actually served for a selection.
type ServeItem struct {
	MovieID   *int64  `json:"movie_id,omitempty"`
	Algorithm string  `json:"algorithm"`
	Position  int     `json:"position"`
	Score     float64 `json:"score"`
}

// RecordServes appends one event per served item to the log. Selection
// fields are stamped onto every event; the fallback flag lands in the
// context map.
func (s *Selector) RecordServes(userID int64, selResult *Selection, sel domain.SelectionContext, items []ServeItem) ([]int64, error) {
	now := s.Now().UTC()
	ctxMap := sel.Map()
	if selResult.Fallback {
		ctxMap["fallback"] = "true"
	}

	events := make([]*domain.Event, len(items))
	for i, item := range items {
		e := &domain.Event{
			UserID:       userID,
			MovieID:      item.MovieID,
			Algorithm:    item.Algorithm,
			Position:     item.Position,
			Score:        item.Score,
			Context:      ctxMap,
			ExperimentID: &selResult.ExperimentID,
			Policy:       &selResult.Policy,
			PScore:       selResult.PScore,
			LatencyMs:    &selResult.LatencyMs,
			ServedAt:     now,
			CreatedAt:    now,
		}
		if selResult.ArmID != "" {
			arm := selResult.ArmID
			e.ArmID = &arm
		}
		events[i] = e
	}
	if err := s.db.InsertEvents(events); err != nil {
		return nil, err
	}
	ids := make([]int64, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids, nil
}
