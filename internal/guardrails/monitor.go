package guardrails

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/experiment"
	"github.com/recolab/banditd/internal/infra/observability"
)

// Monitor periodically checks every active experiment and performs the
// automatic rollback when the engine says so. A per-experiment cooldown and
// attempt cap prevent rollback thrash; exceeding the cap emits a critical
// alert instead of acting.
type Monitor struct {
	engine  *Engine
	manager *experiment.Manager
	log     zerolog.Logger

	Cooldown    time.Duration
	MaxAttempts int

	mu      sync.Mutex
	history map[uuid.UUID]*rollbackRecord

	// Now is an injectable clock for testing.
	Now func() time.Time
}

type rollbackRecord struct {
	attempts     int
	lastRollback time.Time
}

// NewMonitor creates a monitor with a 1-hour cooldown and a cap of 3
// rollback attempts per experiment.
func NewMonitor(engine *Engine, manager *experiment.Manager, log zerolog.Logger) *Monitor {
	return &Monitor{
		engine:      engine,
		manager:     manager,
		log:         log.With().Str("component", "guardrail_monitor").Logger(),
		Cooldown:    time.Hour,
		MaxAttempts: 3,
		history:     make(map[uuid.UUID]*rollbackRecord),
		Now:         time.Now,
	}
}

// RunOnce checks all active experiments. One failing experiment never halts
// the batch.
func (m *Monitor) RunOnce(ctx context.Context) {
	active, err := m.manager.Active()
	if err != nil {
		m.log.Error().Err(err).Msg("listing active experiments failed")
		return
	}
	for _, exp := range active {
		if err := m.checkExperiment(ctx, exp.ID); err != nil {
			m.log.Error().Err(err).Str("experiment", exp.ID.String()).Msg("guardrail check failed")
		}
	}
}

func (m *Monitor) checkExperiment(ctx context.Context, id uuid.UUID) error {
	if m.inCooldown(id) {
		m.log.Debug().Str("experiment", id.String()).Msg("in rollback cooldown, skipping")
		return nil
	}

	summary, err := m.engine.Check(id)
	if err != nil {
		return err
	}
	for _, c := range summary.Checks {
		if c.Status != StatusPass {
			m.log.Warn().Str("experiment", id.String()).Str("check", c.Name).
				Str("status", string(c.Status)).Str("detail", c.Message).Msg("guardrail not passing")
		}
	}

	if !summary.ShouldRollback {
		return nil
	}
	return m.rollback(ctx, id, summary)
}

func (m *Monitor) rollback(ctx context.Context, id uuid.UUID, summary *Summary) error {
	m.mu.Lock()
	rec := m.history[id]
	if rec == nil {
		rec = &rollbackRecord{}
		m.history[id] = rec
	}
	if rec.attempts >= m.MaxAttempts {
		m.mu.Unlock()
		m.log.Error().Str("experiment", id.String()).Int("attempts", rec.attempts).
			Msg("CRITICAL: rollback attempt cap exceeded, manual intervention required")
		return nil
	}
	rec.attempts++
	rec.lastRollback = m.Now()
	m.mu.Unlock()

	if _, err := m.manager.End(ctx, id); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Already ended by an operator or a concurrent tick.
			return nil
		}
		m.log.Error().Err(err).Str("experiment", id.String()).Msg("rollback failed")
		return err
	}

	observability.Rollbacks.Inc()
	failed := make([]string, 0, len(summary.Checks))
	for _, c := range summary.Checks {
		if c.Status == StatusFail {
			failed = append(failed, c.Name)
		}
	}
	m.log.Warn().Str("experiment", id.String()).Strs("failed_checks", failed).
		Msg("experiment rolled back by guardrails")
	return nil
}

func (m *Monitor) inCooldown(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.history[id]
	if rec == nil || rec.lastRollback.IsZero() {
		return false
	}
	return m.Now().Before(rec.lastRollback.Add(m.Cooldown))
}

// Attempts reports the rollback attempts recorded for an experiment.
func (m *Monitor) Attempts(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.history[id]; rec != nil {
		return rec.attempts
	}
	return 0
}
