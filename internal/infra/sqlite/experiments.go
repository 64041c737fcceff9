// Experiment, assignment, and arm catalog persistence.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/recolab/banditd/internal/domain"
)

// ─── Experiment Operations ──────────────────────────────────────────────────

// InsertExperiment persists a new experiment.
func (db *DB) InsertExperiment(e *domain.Experiment) error {
	_, err := db.db.Exec(`
		INSERT INTO experiments (id, name, start_at, end_at, traffic_pct, default_policy, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID.String(), e.Name, fmtTime(e.StartAt), fmtTimePtr(e.EndAt),
		e.TrafficPct, e.DefaultPolicy, e.Notes, fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert experiment: %w", err)
	}
	return nil
}

// GetExperiment retrieves an experiment by id.
func (db *DB) GetExperiment(id uuid.UUID) (*domain.Experiment, error) {
	row := db.db.QueryRow(`
		SELECT id, name, start_at, end_at, traffic_pct, default_policy, notes, created_at
		FROM experiments WHERE id = ?
	`, id.String())
	e, err := scanExperiment(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return e, err
}

// UpdateExperiment persists the mutable fields (name, end_at, traffic_pct, notes).
func (db *DB) UpdateExperiment(e *domain.Experiment) error {
	res, err := db.db.Exec(`
		UPDATE experiments SET name = ?, end_at = ?, traffic_pct = ?, notes = ?
		WHERE id = ?
	`, e.Name, fmtTimePtr(e.EndAt), e.TrafficPct, e.Notes, e.ID.String())
	if err != nil {
		return fmt.Errorf("update experiment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListExperiments returns all experiments, newest first.
// Status filtering happens in the manager since status is clock-derived.
func (db *DB) ListExperiments() ([]*domain.Experiment, error) {
	rows, err := db.db.Query(`
		SELECT id, name, start_at, end_at, traffic_pct, default_policy, notes, created_at
		FROM experiments ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExperiment(row rowScanner) (*domain.Experiment, error) {
	var (
		e       domain.Experiment
		id      string
		endAt   sql.NullString
		notes   sql.NullString
		startAt string
		created string
	)
	if err := row.Scan(&id, &e.Name, &startAt, &endAt, &e.TrafficPct, &e.DefaultPolicy, &notes, &created); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse experiment id %q: %w", id, err)
	}
	e.ID = parsed
	e.StartAt = parseTime(startAt)
	e.EndAt = parseTimePtr(endAt)
	e.Notes = notes.String
	e.CreatedAt = parseTime(created)
	return &e, nil
}

// ─── Assignment Operations ──────────────────────────────────────────────────

// GetAssignment retrieves the sticky assignment for (experiment, user).
func (db *DB) GetAssignment(experimentID uuid.UUID, userID int64) (*domain.Assignment, error) {
	var (
		a        domain.Assignment
		assigned string
	)
	err := db.db.QueryRow(`
		SELECT policy, bucket, assigned_at FROM policy_assignments
		WHERE experiment_id = ? AND user_id = ?
	`, experimentID.String(), userID).Scan(&a.Policy, &a.Bucket, &assigned)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	a.ExperimentID = experimentID
	a.UserID = userID
	a.AssignedAt = parseTime(assigned)
	return &a, nil
}

// InsertAssignment persists an assignment. The first successful write wins:
// a concurrent duplicate is swallowed by the uniqueness constraint and the
// caller reads the surviving row back.
func (db *DB) InsertAssignment(a *domain.Assignment) error {
	_, err := db.db.Exec(`
		INSERT OR IGNORE INTO policy_assignments (experiment_id, user_id, policy, bucket, assigned_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.ExperimentID.String(), a.UserID, a.Policy, a.Bucket, fmtTime(a.AssignedAt))
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

// ListAssignments returns a page of an experiment's assignments.
func (db *DB) ListAssignments(experimentID uuid.UUID, policy string, limit, offset int) ([]*domain.Assignment, error) {
	q := `
		SELECT user_id, policy, bucket, assigned_at FROM policy_assignments
		WHERE experiment_id = ?`
	args := []any{experimentID.String()}
	if policy != "" {
		q += ` AND policy = ?`
		args = append(args, policy)
	}
	q += ` ORDER BY assigned_at, user_id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Assignment
	for rows.Next() {
		a := &domain.Assignment{ExperimentID: experimentID}
		var assigned string
		if err := rows.Scan(&a.UserID, &a.Policy, &a.Bucket, &assigned); err != nil {
			return nil, err
		}
		a.AssignedAt = parseTime(assigned)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAssignments returns an experiment's total assignment count.
func (db *DB) CountAssignments(experimentID uuid.UUID) (int64, error) {
	var n int64
	err := db.db.QueryRow(`
		SELECT COUNT(*) FROM policy_assignments WHERE experiment_id = ?
	`, experimentID.String()).Scan(&n)
	return n, err
}

// AssignmentCountsByPolicy returns per-policy assignment counts.
func (db *DB) AssignmentCountsByPolicy(experimentID uuid.UUID) (map[string]int64, error) {
	rows, err := db.db.Query(`
		SELECT policy, COUNT(*) FROM policy_assignments
		WHERE experiment_id = ? GROUP BY policy
	`, experimentID.String())
	if err != nil {
		return nil, fmt.Errorf("assignment counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var policy string
		var n int64
		if err := rows.Scan(&policy, &n); err != nil {
			return nil, err
		}
		out[policy] = n
	}
	return out, rows.Err()
}

// ─── Arm Catalog Operations ─────────────────────────────────────────────────

// UpsertArm registers an arm. Metadata is an opaque blob the service never
// interprets.
func (db *DB) UpsertArm(a *domain.Arm) error {
	_, err := db.db.Exec(`
		INSERT INTO arm_catalog (arm_id, title, metadata, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(arm_id) DO UPDATE SET title = excluded.title, metadata = excluded.metadata
	`, a.ID, a.Title, a.Metadata, fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert arm: %w", err)
	}
	return nil
}

// ListArms returns the full arm catalog.
func (db *DB) ListArms() ([]domain.Arm, error) {
	rows, err := db.db.Query(`SELECT arm_id, title, metadata, created_at FROM arm_catalog ORDER BY arm_id`)
	if err != nil {
		return nil, fmt.Errorf("list arms: %w", err)
	}
	defer rows.Close()

	var out []domain.Arm
	for rows.Next() {
		var a domain.Arm
		var metadata sql.NullString
		var created string
		if err := rows.Scan(&a.ID, &a.Title, &metadata, &created); err != nil {
			return nil, err
		}
		a.Metadata = metadata.String
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// EndExperiment sets end_at if not already set. Reports whether the row
// mutated (false means the experiment was already ended).
func (db *DB) EndExperiment(id uuid.UUID, at time.Time) (bool, error) {
	res, err := db.db.Exec(`
		UPDATE experiments SET end_at = ? WHERE id = ? AND end_at IS NULL
	`, fmtTime(at), id.String())
	if err != nil {
		return false, fmt.Errorf("end experiment: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
