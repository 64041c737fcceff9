// Decision audit log persistence.
package sqlite

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DecisionRecord is one persisted ship/iterate/kill analysis.
type DecisionRecord struct {
	ID              int64     `json:"id"`
	ExperimentID    uuid.UUID `json:"experiment_id"`
	Decision        string    `json:"decision"`
	Confidence      float64   `json:"confidence"`
	WindowDays      int       `json:"window_days"`
	BestPolicy      string    `json:"best_policy"`
	Uplift          float64   `json:"uplift_vs_control"`
	Significant     bool      `json:"statistical_significance"`
	Reasoning       string    `json:"reasoning"`
	Recommendations string    `json:"recommendations"` // JSON array
	Performance     string    `json:"performance"`     // JSON array
	AnalyzedAt      time.Time `json:"analyzed_at"`
}

// InsertDecision appends a decision to the audit log.
func (db *DB) InsertDecision(r *DecisionRecord) (int64, error) {
	res, err := db.db.Exec(`
		INSERT INTO decision_log
			(experiment_id, decision, confidence, window_days, best_policy,
			 uplift, significant, reasoning, recommendations, performance, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ExperimentID.String(), r.Decision, r.Confidence, r.WindowDays, r.BestPolicy,
		r.Uplift, r.Significant, r.Reasoning, r.Recommendations, r.Performance,
		fmtTime(r.AnalyzedAt))
	if err != nil {
		return 0, fmt.Errorf("insert decision: %w", err)
	}
	return res.LastInsertId()
}

// ListDecisions returns an experiment's decision history, newest first.
func (db *DB) ListDecisions(experimentID uuid.UUID, limit int) ([]DecisionRecord, error) {
	rows, err := db.db.Query(`
		SELECT id, experiment_id, decision, confidence, window_days, best_policy,
			uplift, significant, reasoning, recommendations, performance, analyzed_at
		FROM decision_log
		WHERE experiment_id = ?
		ORDER BY analyzed_at DESC, id DESC LIMIT ?
	`, experimentID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var r DecisionRecord
		var expID, analyzed string
		if err := rows.Scan(&r.ID, &expID, &r.Decision, &r.Confidence, &r.WindowDays,
			&r.BestPolicy, &r.Uplift, &r.Significant, &r.Reasoning,
			&r.Recommendations, &r.Performance, &analyzed); err != nil {
			return nil, err
		}
		if id, err := uuid.Parse(expID); err == nil {
			r.ExperimentID = id
		}
		r.AnalyzedAt = parseTime(analyzed)
		out = append(out, r)
	}
	return out, rows.Err()
}
