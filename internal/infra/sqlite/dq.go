// Data-quality checks over the event log, used by the dq-gate CLI.
package sqlite

import "fmt"

// DQViolation is one failed data-quality rule.
type DQViolation struct {
	Rule  string `json:"rule"`
	Count int64  `json:"count"`
}

// DataQualityViolations runs schema and range checks over
// recommendation_events and returns the rules with offending rows.
func (db *DB) DataQualityViolations() ([]DQViolation, error) {
	rules := []struct {
		name  string
		query string
	}{
		{"reward_out_of_range", `SELECT COUNT(*) FROM recommendation_events WHERE reward IS NOT NULL AND (reward < 0 OR reward > 1)`},
		{"p_score_out_of_range", `SELECT COUNT(*) FROM recommendation_events WHERE p_score IS NOT NULL AND (p_score <= 0 OR p_score > 1)`},
		{"negative_latency", `SELECT COUNT(*) FROM recommendation_events WHERE latency_ms IS NOT NULL AND latency_ms < 0`},
		{"negative_position", `SELECT COUNT(*) FROM recommendation_events WHERE position < 0`},
		{"arm_without_policy", `SELECT COUNT(*) FROM recommendation_events WHERE arm_id IS NOT NULL AND policy IS NULL`},
		{"ucb_with_p_score", `SELECT COUNT(*) FROM recommendation_events WHERE policy = 'ucb' AND p_score IS NOT NULL`},
		{"rating_out_of_range", `SELECT COUNT(*) FROM recommendation_events WHERE rating_value IS NOT NULL AND (rating_value < 0.5 OR rating_value > 5)`},
		{"served_before_epoch", `SELECT COUNT(*) FROM recommendation_events WHERE served_at < '2000-01-01'`},
	}

	var out []DQViolation
	for _, rule := range rules {
		var n int64
		if err := db.db.QueryRow(rule.query).Scan(&n); err != nil {
			return nil, fmt.Errorf("dq rule %s: %w", rule.name, err)
		}
		if n > 0 {
			out = append(out, DQViolation{Rule: rule.name, Count: n})
		}
	}
	return out, nil
}
