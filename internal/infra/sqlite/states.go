// Policy state persistence. Updates are additive deltas applied in a single
// upsert so concurrent updates to the same (policy, arm, context) cell
// serialize on the writer and commute.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/recolab/banditd/internal/domain"
)

// GetState retrieves the state for one cell, returning the lazily-created
// default when no row exists yet.
func (db *DB) GetState(policy, armID, contextKey string) (domain.PolicyState, error) {
	var (
		s        domain.PolicyState
		lastSel  sql.NullString
		updated  string
	)
	err := db.db.QueryRow(`
		SELECT policy, arm_id, context_key, count, sum_reward, alpha, beta, last_selected_at, updated_at
		FROM policy_states
		WHERE policy = ? AND arm_id = ? AND context_key = ?
	`, policy, armID, contextKey).Scan(
		&s.Policy, &s.ArmID, &s.ContextKey, &s.Count, &s.SumReward,
		&s.Alpha, &s.Beta, &lastSel, &updated)
	if err == sql.ErrNoRows {
		return domain.DefaultPolicyState(policy, armID, contextKey), nil
	}
	if err != nil {
		return domain.PolicyState{}, fmt.Errorf("get state: %w", err)
	}
	s.LastSelectedAt = parseTimePtr(lastSel)
	s.UpdatedAt = parseTime(updated)
	return s, nil
}

// ApplyStateDelta atomically adds a delta to a cell, creating it from the
// default (0, 0, 1, 1) state if absent. mean_reward is recomputed from the
// final counters inside the same statement.
func (db *DB) ApplyStateDelta(policy, armID, contextKey string, d domain.StateDelta) error {
	now := fmtTime(d.LastSelectedAt)
	_, err := db.db.Exec(`
		INSERT INTO policy_states
			(policy, arm_id, context_key, count, sum_reward, mean_reward, alpha, beta, last_selected_at, updated_at)
		VALUES (?, ?, ?, ?, ?,
			CASE WHEN ? > 0 THEN ? / CAST(? AS REAL) ELSE 0 END,
			1.0 + ?, 1.0 + ?, ?, ?)
		ON CONFLICT(policy, arm_id, context_key) DO UPDATE SET
			count            = count + excluded.count,
			sum_reward       = sum_reward + excluded.sum_reward,
			mean_reward      = CASE WHEN count + excluded.count > 0
				THEN (sum_reward + excluded.sum_reward) / CAST(count + excluded.count AS REAL)
				ELSE 0 END,
			alpha            = alpha + ?,
			beta             = beta + ?,
			last_selected_at = ?,
			updated_at       = ?
	`, policy, armID, contextKey, d.Count, d.SumReward,
		d.Count, d.SumReward, d.Count,
		d.Alpha, d.Beta, now, now,
		d.Alpha, d.Beta, now, now)
	if err != nil {
		return fmt.Errorf("apply state delta: %w", err)
	}
	return nil
}

// ListStates returns all persisted cells for a policy, optionally narrowed
// to one context key. Used by the policy-stats surface.
func (db *DB) ListStates(policy, contextKey string) ([]domain.PolicyState, error) {
	q := `
		SELECT policy, arm_id, context_key, count, sum_reward, alpha, beta, last_selected_at, updated_at
		FROM policy_states WHERE policy = ?`
	args := []any{policy}
	if contextKey != "" {
		q += ` AND context_key = ?`
		args = append(args, contextKey)
	}
	q += ` ORDER BY arm_id`

	rows, err := db.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var out []domain.PolicyState
	for rows.Next() {
		var (
			s       domain.PolicyState
			lastSel sql.NullString
			updated string
		)
		if err := rows.Scan(&s.Policy, &s.ArmID, &s.ContextKey, &s.Count, &s.SumReward,
			&s.Alpha, &s.Beta, &lastSel, &updated); err != nil {
			return nil, err
		}
		s.LastSelectedAt = parseTimePtr(lastSel)
		s.UpdatedAt = parseTime(updated)
		out = append(out, s)
	}
	return out, rows.Err()
}
