// Package sqlite is the durable store for the bandit service.
// Persistence for experiments, policy assignments, the arm catalog,
// policy states, the recommendation event log, and the decision audit log.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is the stored timestamp format. Fixed width so string
// comparison in SQL matches chronological order. All times are UTC.
const timeLayout = "2006-01-02 15:04:05.000"

// DB wraps the SQLite handle.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies migrations.
// Use ":memory:" for tests.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single writer keeps policy-state updates serialized; WAL keeps
	// readers from blocking behind it.
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	db := &DB{db: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying handle.
func (db *DB) Close() error { return db.db.Close() }

func (db *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema migration statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// Experiments
		`CREATE TABLE IF NOT EXISTS experiments (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			start_at       TEXT NOT NULL,
			end_at         TEXT,
			traffic_pct    REAL NOT NULL DEFAULT 1.0 CHECK(traffic_pct >= 0 AND traffic_pct <= 1),
			default_policy TEXT NOT NULL,
			notes          TEXT,
			created_at     TEXT NOT NULL
		)`,

		// Sticky user-to-policy assignments
		`CREATE TABLE IF NOT EXISTS policy_assignments (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			experiment_id TEXT NOT NULL,
			user_id       INTEGER NOT NULL,
			policy        TEXT NOT NULL,
			bucket        INTEGER NOT NULL CHECK(bucket >= 0 AND bucket <= 99),
			assigned_at   TEXT NOT NULL,
			UNIQUE(experiment_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_experiment ON policy_assignments(experiment_id, policy)`,

		// Arm catalog
		`CREATE TABLE IF NOT EXISTS arm_catalog (
			arm_id     TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			metadata   TEXT,
			created_at TEXT NOT NULL
		)`,

		// Per-(policy, arm, context) learned state
		`CREATE TABLE IF NOT EXISTS policy_states (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			policy           TEXT NOT NULL,
			arm_id           TEXT NOT NULL,
			context_key      TEXT NOT NULL,
			count            INTEGER NOT NULL DEFAULT 0,
			sum_reward       REAL NOT NULL DEFAULT 0,
			mean_reward      REAL NOT NULL DEFAULT 0,
			alpha            REAL NOT NULL DEFAULT 1.0,
			beta             REAL NOT NULL DEFAULT 1.0,
			last_selected_at TEXT,
			updated_at       TEXT NOT NULL,
			UNIQUE(policy, arm_id, context_key)
		)`,

		// Append-only recommendation event log
		`CREATE TABLE IF NOT EXISTS recommendation_events (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id            INTEGER NOT NULL,
			movie_id           INTEGER,
			algorithm          TEXT NOT NULL DEFAULT '',
			position           INTEGER NOT NULL DEFAULT 0,
			score              REAL NOT NULL DEFAULT 0,
			clicked            INTEGER NOT NULL DEFAULT 0,
			clicked_at         TEXT,
			rated              INTEGER NOT NULL DEFAULT 0,
			rated_at           TEXT,
			rating_value       REAL,
			thumbs_up          INTEGER NOT NULL DEFAULT 0,
			thumbs_up_at       TEXT,
			thumbs_down        INTEGER NOT NULL DEFAULT 0,
			thumbs_down_at     TEXT,
			added_to_watchlist INTEGER NOT NULL DEFAULT 0,
			added_to_favorites INTEGER NOT NULL DEFAULT 0,
			context            TEXT,
			experiment_id      TEXT,
			policy             TEXT,
			arm_id             TEXT,
			p_score            REAL,
			latency_ms         REAL,
			reward             REAL,
			served_at          TEXT NOT NULL,
			created_at         TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_experiment ON recommendation_events(experiment_id, served_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_policy ON recommendation_events(policy)`,
		`CREATE INDEX IF NOT EXISTS idx_events_arm ON recommendation_events(arm_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_served ON recommendation_events(served_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_pending ON recommendation_events(reward, served_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user_movie ON recommendation_events(user_id, movie_id)`,

		// Late user interactions feeding delayed reward attribution
		`CREATE TABLE IF NOT EXISTS interactions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id     INTEGER NOT NULL,
			movie_id    INTEGER NOT NULL,
			kind        TEXT NOT NULL,
			value       REAL NOT NULL DEFAULT 0,
			watch_ratio REAL NOT NULL DEFAULT 0,
			at          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_user_movie ON interactions(user_id, movie_id, at)`,

		// Ship/iterate/kill decision audit log
		`CREATE TABLE IF NOT EXISTS decision_log (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			experiment_id   TEXT NOT NULL,
			decision        TEXT NOT NULL,
			confidence      REAL NOT NULL,
			window_days     INTEGER NOT NULL,
			best_policy     TEXT,
			uplift          REAL NOT NULL DEFAULT 0,
			significant     INTEGER NOT NULL DEFAULT 0,
			reasoning       TEXT NOT NULL DEFAULT '',
			recommendations TEXT NOT NULL DEFAULT '[]',
			performance     TEXT NOT NULL DEFAULT '[]',
			analyzed_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_experiment ON decision_log(experiment_id, analyzed_at)`,
	}
}

// ─── Timestamp Helpers ──────────────────────────────────────────────────────

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Legacy rows written by sqlite's datetime() lack milliseconds.
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t.UTC()
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
