// Analytics queries over the event log. All aggregations are stateless and
// idempotent; callers supply the time range and filters.
package sqlite

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/recolab/banditd/internal/domain"
)

// ─── Summary Aggregates ─────────────────────────────────────────────────────

// ActiveUsers counts distinct users served in an experiment since cutoff.
func (db *DB) ActiveUsers(experimentID uuid.UUID, since time.Time) (int64, error) {
	var n int64
	err := db.db.QueryRow(`
		SELECT COUNT(DISTINCT user_id) FROM recommendation_events
		WHERE experiment_id = ? AND served_at >= ?
	`, experimentID.String(), fmtTime(since)).Scan(&n)
	return n, err
}

// TotalServes counts all events for an experiment.
func (db *DB) TotalServes(experimentID uuid.UUID) (int64, error) {
	var n int64
	err := db.db.QueryRow(`
		SELECT COUNT(*) FROM recommendation_events WHERE experiment_id = ?
	`, experimentID.String()).Scan(&n)
	return n, err
}

// MeanReward averages attributed rewards for an experiment since cutoff.
// Returns 0 when no rewarded events exist.
func (db *DB) MeanReward(experimentID uuid.UUID, since time.Time) (float64, error) {
	var mean sql.NullFloat64
	err := db.db.QueryRow(`
		SELECT AVG(reward) FROM recommendation_events
		WHERE experiment_id = ? AND served_at >= ? AND reward IS NOT NULL
	`, experimentID.String(), fmtTime(since)).Scan(&mean)
	return mean.Float64, err
}

// PolicyMeanRewards returns each policy's mean attributed reward over the
// experiment's full history. Feeds the regret figure in the summary.
func (db *DB) PolicyMeanRewards(experimentID uuid.UUID) (map[string]float64, error) {
	rows, err := db.db.Query(`
		SELECT policy, AVG(reward) FROM recommendation_events
		WHERE experiment_id = ? AND reward IS NOT NULL AND policy IS NOT NULL
		GROUP BY policy
	`, experimentID.String())
	if err != nil {
		return nil, fmt.Errorf("policy mean rewards: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var policy string
		var mean float64
		if err := rows.Scan(&policy, &mean); err != nil {
			return nil, err
		}
		out[policy] = mean
	}
	return out, rows.Err()
}

// ─── Timeseries ─────────────────────────────────────────────────────────────

// TimeseriesPoint is one bucketed metric value.
type TimeseriesPoint struct {
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Timeseries returns a bucketed metric for charting.
// metric ∈ {reward, ctr, latency_p95, serves}; granularity ∈ {hour, day}.
func (db *DB) Timeseries(experimentID uuid.UUID, metric, granularity, policy string) ([]TimeseriesPoint, error) {
	bucket := `strftime('%Y-%m-%d %H:00:00', served_at)`
	if granularity == "day" {
		bucket = `strftime('%Y-%m-%d', served_at)`
	}

	policyFilter := ""
	args := []any{experimentID.String()}
	if policy != "" {
		policyFilter = ` AND policy = ?`
		args = append(args, policy)
	}

	// p95 has no SQL aggregate here; bucket the raw latencies and rank in Go.
	if metric == "latency_p95" {
		rows, err := db.db.Query(`
			SELECT `+bucket+` AS bucket, latency_ms
			FROM recommendation_events
			WHERE experiment_id = ? AND latency_ms IS NOT NULL`+policyFilter+`
			ORDER BY bucket
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("timeseries latency: %w", err)
		}
		defer rows.Close()

		byBucket := make(map[string][]float64)
		var order []string
		for rows.Next() {
			var b string
			var latency float64
			if err := rows.Scan(&b, &latency); err != nil {
				return nil, err
			}
			if _, ok := byBucket[b]; !ok {
				order = append(order, b)
			}
			byBucket[b] = append(byBucket[b], latency)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

		out := make([]TimeseriesPoint, 0, len(order))
		for _, b := range order {
			out = append(out, TimeseriesPoint{Timestamp: b, Value: percentile(byBucket[b], 0.95)})
		}
		return out, nil
	}

	var selectClause, whereClause string
	switch metric {
	case "reward":
		selectClause = `AVG(reward)`
		whereClause = ` AND reward IS NOT NULL`
	case "ctr":
		selectClause = `AVG(CASE WHEN reward > 0 THEN 1.0 ELSE 0.0 END)`
	case "serves":
		selectClause = `COUNT(*)`
	default:
		return nil, fmt.Errorf("%w: metric %q", domain.ErrInvalidArgument, metric)
	}

	rows, err := db.db.Query(`
		SELECT `+bucket+` AS bucket, `+selectClause+`
		FROM recommendation_events
		WHERE experiment_id = ?`+whereClause+policyFilter+`
		GROUP BY bucket ORDER BY bucket
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("timeseries %s: %w", metric, err)
	}
	defer rows.Close()

	var out []TimeseriesPoint
	for rows.Next() {
		var p TimeseriesPoint
		var value sql.NullFloat64
		if err := rows.Scan(&p.Timestamp, &value); err != nil {
			return nil, err
		}
		p.Value = value.Float64
		out = append(out, p)
	}
	return out, rows.Err()
}

// ─── Arm Performance ────────────────────────────────────────────────────────

// ArmPerformance aggregates one arm's serving outcomes.
type ArmPerformance struct {
	ArmID       string  `json:"arm_id"`
	Serves      int64   `json:"serves"`
	RewardRate  float64 `json:"reward_rate"`
	TotalReward float64 `json:"total_reward"`
	AvgLatency  float64 `json:"avg_latency"`
	UniqueUsers int64   `json:"unique_users"`
	Regret      float64 `json:"regret"`
}

// ArmPerformances returns per-arm aggregates with regret vs the best arm.
// sort ∈ {reward_rate, serves, regret}.
func (db *DB) ArmPerformances(experimentID uuid.UUID, sortBy, policy string, limit int) ([]ArmPerformance, error) {
	policyFilter := ""
	args := []any{experimentID.String()}
	if policy != "" {
		policyFilter = ` AND policy = ?`
		args = append(args, policy)
	}

	rows, err := db.db.Query(`
		SELECT arm_id, COUNT(*),
			COALESCE(AVG(reward), 0), COALESCE(SUM(reward), 0),
			COALESCE(AVG(latency_ms), 0), COUNT(DISTINCT user_id)
		FROM recommendation_events
		WHERE experiment_id = ? AND arm_id IS NOT NULL`+policyFilter+`
		GROUP BY arm_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("arm performances: %w", err)
	}
	defer rows.Close()

	var arms []ArmPerformance
	for rows.Next() {
		var a ArmPerformance
		if err := rows.Scan(&a.ArmID, &a.Serves, &a.RewardRate, &a.TotalReward, &a.AvgLatency, &a.UniqueUsers); err != nil {
			return nil, err
		}
		arms = append(arms, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(arms) == 0 {
		return nil, nil
	}

	best := arms[0].RewardRate
	for _, a := range arms[1:] {
		if a.RewardRate > best {
			best = a.RewardRate
		}
	}
	for i := range arms {
		arms[i].Regret = best - arms[i].RewardRate
	}

	sort.Slice(arms, func(i, j int) bool {
		switch sortBy {
		case "serves":
			return arms[i].Serves > arms[j].Serves
		case "regret":
			return arms[i].Regret > arms[j].Regret
		default: // reward_rate
			return arms[i].RewardRate > arms[j].RewardRate
		}
	})
	if limit > 0 && len(arms) > limit {
		arms = arms[:limit]
	}
	return arms, nil
}

// ─── Cohorts ────────────────────────────────────────────────────────────────

// CohortCell is one (cohort, policy) aggregate.
type CohortCell struct {
	Events      int64   `json:"events"`
	RewardRate  float64 `json:"reward_rate"`
	UniqueUsers int64   `json:"unique_users"`
}

// CohortBreakdown returns a cohort × policy matrix.
// breakdown ∈ {user_type, time_period}, extracted from the event context.
func (db *DB) CohortBreakdown(experimentID uuid.UUID, breakdown string) (map[string]map[string]CohortCell, error) {
	if breakdown != "user_type" && breakdown != "time_period" {
		return nil, fmt.Errorf("%w: breakdown %q", domain.ErrInvalidArgument, breakdown)
	}

	rows, err := db.db.Query(`
		SELECT COALESCE(json_extract(context, '$.`+breakdown+`'), 'unknown') AS cohort,
			policy, COUNT(*), COALESCE(AVG(reward), 0), COUNT(DISTINCT user_id)
		FROM recommendation_events
		WHERE experiment_id = ? AND context IS NOT NULL AND policy IS NOT NULL
		GROUP BY cohort, policy
		ORDER BY cohort, policy
	`, experimentID.String())
	if err != nil {
		return nil, fmt.Errorf("cohort breakdown: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]CohortCell)
	for rows.Next() {
		var cohort, policy string
		var cell CohortCell
		if err := rows.Scan(&cohort, &policy, &cell.Events, &cell.RewardRate, &cell.UniqueUsers); err != nil {
			return nil, err
		}
		if out[cohort] == nil {
			out[cohort] = make(map[string]CohortCell)
		}
		out[cohort][policy] = cell
	}
	return out, rows.Err()
}

// ─── Event Log Pages & Export ───────────────────────────────────────────────

// EventPage returns a page of an experiment's events, newest first, with the
// total matching count for pagination.
func (db *DB) EventPage(experimentID uuid.UUID, policy string, limit, offset int) ([]*domain.Event, int64, error) {
	policyFilter := ""
	args := []any{experimentID.String()}
	if policy != "" {
		policyFilter = ` AND policy = ?`
		args = append(args, policy)
	}

	var total int64
	if err := db.db.QueryRow(`
		SELECT COUNT(*) FROM recommendation_events WHERE experiment_id = ?`+policyFilter,
		args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	rows, err := db.db.Query(`
		SELECT `+eventColumns+` FROM recommendation_events
		WHERE experiment_id = ?`+policyFilter+`
		ORDER BY served_at DESC, id DESC LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("event page: %w", err)
	}
	events, err := collectEvents(rows)
	return events, total, err
}

// ForEachEvent streams an experiment's events oldest-first through fn,
// without materializing the full result set. Used by the export endpoint
// and the offline evaluator.
func (db *DB) ForEachEvent(experimentID uuid.UUID, policy string, fn func(*domain.Event) error) error {
	policyFilter := ""
	args := []any{experimentID.String()}
	if policy != "" {
		policyFilter = ` AND policy = ?`
		args = append(args, policy)
	}

	rows, err := db.db.Query(`
		SELECT `+eventColumns+` FROM recommendation_events
		WHERE experiment_id = ?`+policyFilter+`
		ORDER BY served_at, id
	`, args...)
	if err != nil {
		return fmt.Errorf("export events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ─── Reward Statistics ──────────────────────────────────────────────────────

// RewardStats summarizes attributed rewards for the evaluator and worker
// status surfaces.
type RewardStats struct {
	Count        int64   `json:"count"`
	MeanReward   float64 `json:"mean_reward"`
	StdReward    float64 `json:"std_reward"`
	MinReward    float64 `json:"min_reward"`
	MaxReward    float64 `json:"max_reward"`
	PositiveRate float64 `json:"positive_rate"`
}

// RewardStatistics aggregates rewards, optionally filtered by experiment,
// policy, and arm.
func (db *DB) RewardStatistics(experimentID *uuid.UUID, policy, armID string) (RewardStats, error) {
	q := `
		SELECT COUNT(*), COALESCE(AVG(reward), 0), COALESCE(AVG(reward * reward), 0),
			COALESCE(MIN(reward), 0), COALESCE(MAX(reward), 0),
			COALESCE(AVG(CASE WHEN reward > 0.5 THEN 1.0 ELSE 0.0 END), 0)
		FROM recommendation_events WHERE reward IS NOT NULL`
	var args []any
	if experimentID != nil {
		q += ` AND experiment_id = ?`
		args = append(args, experimentID.String())
	}
	if policy != "" {
		q += ` AND policy = ?`
		args = append(args, policy)
	}
	if armID != "" {
		q += ` AND arm_id = ?`
		args = append(args, armID)
	}

	var s RewardStats
	var meanSq float64
	if err := db.db.QueryRow(q, args...).Scan(&s.Count, &s.MeanReward, &meanSq,
		&s.MinReward, &s.MaxReward, &s.PositiveRate); err != nil {
		return RewardStats{}, fmt.Errorf("reward statistics: %w", err)
	}
	if s.Count > 1 {
		variance := (meanSq - s.MeanReward*s.MeanReward) * float64(s.Count) / float64(s.Count-1)
		if variance > 0 {
			s.StdReward = math.Sqrt(variance)
		}
	}
	return s, nil
}

// PendingCounts reports total vs rewarded events for the worker status.
func (db *DB) PendingCounts() (total, rewarded int64, err error) {
	err = db.db.QueryRow(`
		SELECT COUNT(*), SUM(CASE WHEN reward IS NOT NULL THEN 1 ELSE 0 END)
		FROM recommendation_events
	`).Scan(&total, &rewarded)
	return
}

// ─── Guardrail Window Metrics ───────────────────────────────────────────────

// WindowMetrics is the rolling-window snapshot the guardrails engine reads.
type WindowMetrics struct {
	TotalEvents      int64   `json:"total_events"`
	AvgLatency       float64 `json:"avg_latency"`
	P95Latency       float64 `json:"p95_latency"`
	AvgReward        float64 `json:"avg_reward"`
	UniqueUsers      int64   `json:"unique_users"`
	ArmConcentration float64 `json:"arm_concentration"` // share of the single most-served arm, 0..1
	ControlReward    float64 `json:"control_reward"`
	FailedServes     int64   `json:"failed_serves"`
}

// GuardrailWindow collects the metrics for one experiment over events served
// at or after since.
func (db *DB) GuardrailWindow(experimentID uuid.UUID, since time.Time) (WindowMetrics, error) {
	var (
		m         WindowMetrics
		avgLat    sql.NullFloat64
		avgReward sql.NullFloat64
	)
	expID := experimentID.String()
	cutoff := fmtTime(since)

	err := db.db.QueryRow(`
		SELECT COUNT(*), AVG(latency_ms), AVG(reward), COUNT(DISTINCT user_id),
			SUM(CASE WHEN json_extract(context, '$.serve_failed') = 'true' THEN 1 ELSE 0 END)
		FROM recommendation_events
		WHERE experiment_id = ? AND served_at >= ?
	`, expID, cutoff).Scan(&m.TotalEvents, &avgLat, &avgReward, &m.UniqueUsers, &m.FailedServes)
	if err != nil {
		return m, fmt.Errorf("guardrail window: %w", err)
	}
	m.AvgLatency = avgLat.Float64
	m.AvgReward = avgReward.Float64

	// p95 latency over the window.
	rows, err := db.db.Query(`
		SELECT latency_ms FROM recommendation_events
		WHERE experiment_id = ? AND served_at >= ? AND latency_ms IS NOT NULL
	`, expID, cutoff)
	if err != nil {
		return m, fmt.Errorf("guardrail latencies: %w", err)
	}
	var latencies []float64
	for rows.Next() {
		var l float64
		if err := rows.Scan(&l); err != nil {
			rows.Close()
			return m, err
		}
		latencies = append(latencies, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return m, err
	}
	m.P95Latency = percentile(latencies, 0.95)

	// Top-arm concentration.
	var topShare sql.NullFloat64
	err = db.db.QueryRow(`
		SELECT MAX(cnt) * 1.0 / SUM(cnt) FROM (
			SELECT COUNT(*) AS cnt FROM recommendation_events
			WHERE experiment_id = ? AND served_at >= ? AND arm_id IS NOT NULL
			GROUP BY arm_id
		)
	`, expID, cutoff).Scan(&topShare)
	if err != nil && err != sql.ErrNoRows {
		return m, fmt.Errorf("arm concentration: %w", err)
	}
	m.ArmConcentration = topShare.Float64

	// Control-group mean reward for the drop comparison.
	var control sql.NullFloat64
	err = db.db.QueryRow(`
		SELECT AVG(reward) FROM recommendation_events
		WHERE experiment_id = ? AND served_at >= ? AND policy = 'control' AND reward IS NOT NULL
	`, expID, cutoff).Scan(&control)
	if err != nil && err != sql.ErrNoRows {
		return m, fmt.Errorf("control reward: %w", err)
	}
	m.ControlReward = control.Float64

	return m, nil
}

// ─── Decision Engine Queries ────────────────────────────────────────────────

// PolicyAggregate is the per-policy rollup the decision engine analyzes.
type PolicyAggregate struct {
	Policy      string
	TotalEvents int64
	TotalReward float64
	MeanReward  float64
	StdReward   float64
}

// PolicyAggregateSince rolls up one policy's rewards since cutoff.
func (db *DB) PolicyAggregateSince(experimentID uuid.UUID, policy string, since time.Time) (PolicyAggregate, error) {
	var a PolicyAggregate
	var meanSq float64
	a.Policy = policy
	err := db.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(reward), 0), COALESCE(AVG(reward), 0), COALESCE(AVG(reward * reward), 0)
		FROM recommendation_events
		WHERE experiment_id = ? AND policy = ? AND served_at >= ? AND reward IS NOT NULL
	`, experimentID.String(), policy, fmtTime(since)).Scan(&a.TotalEvents, &a.TotalReward, &a.MeanReward, &meanSq)
	if err != nil {
		return a, fmt.Errorf("policy aggregate: %w", err)
	}
	if a.TotalEvents > 1 {
		variance := (meanSq - a.MeanReward*a.MeanReward) * float64(a.TotalEvents) / float64(a.TotalEvents-1)
		if variance > 0 {
			a.StdReward = math.Sqrt(variance)
		}
	}
	return a, nil
}

// PolicyRewardSample returns up to limit raw rewards for a policy since
// cutoff, in serve order. Bounded input for the t-test.
func (db *DB) PolicyRewardSample(experimentID uuid.UUID, policy string, since time.Time, limit int) ([]float64, error) {
	rows, err := db.db.Query(`
		SELECT reward FROM recommendation_events
		WHERE experiment_id = ? AND policy = ? AND served_at >= ? AND reward IS NOT NULL
		ORDER BY served_at LIMIT ?
	`, experimentID.String(), policy, fmtTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("reward sample: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var r float64
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// percentile returns the p-th percentile of values (the element at index
// floor((n−1)·p) of the sorted values), 0 when empty. The input slice is
// sorted in place.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	idx := int(float64(len(values)-1) * p)
	return values[idx]
}
