package domain

import "time"

// ─── Policy State ───────────────────────────────────────────────────────────

// PolicyState holds the learned statistics for one (policy, arm, context)
// cell. Count, Alpha and Beta are monotonically non-decreasing; MeanReward
// is always derived from SumReward/Count, never stored independently.
type PolicyState struct {
	Policy         string     `json:"policy"`
	ArmID          string     `json:"arm_id"`
	ContextKey     string     `json:"context_key"`
	Count          int64      `json:"count"`
	SumReward      float64    `json:"sum_reward"`
	Alpha          float64    `json:"alpha"`
	Beta           float64    `json:"beta"`
	LastSelectedAt *time.Time `json:"last_selected_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// DefaultPolicyState returns the lazily-created zero state for a cell.
func DefaultPolicyState(policy, armID, contextKey string) PolicyState {
	return PolicyState{
		Policy:     policy,
		ArmID:      armID,
		ContextKey: contextKey,
		Alpha:      1.0,
		Beta:       1.0,
	}
}

// MeanReward returns SumReward/Count, or 0 for an unpulled cell.
func (s PolicyState) MeanReward() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.SumReward / float64(s.Count)
}

// StateDelta is an additive update applied atomically to a PolicyState.
// All deltas commute, so concurrent updates to the same cell converge to
// the same final state under any serialization.
type StateDelta struct {
	Count          int64
	SumReward      float64
	Alpha          float64
	Beta           float64
	LastSelectedAt time.Time
}
