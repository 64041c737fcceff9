// Event log operations: append-only serves, idempotent interaction flags,
// set-once reward attribution, and the pending/sweep queries driven by the
// reward worker.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/recolab/banditd/internal/domain"
)

const eventColumns = `id, user_id, movie_id, algorithm, position, score,
	clicked, clicked_at, rated, rated_at, rating_value,
	thumbs_up, thumbs_up_at, thumbs_down, thumbs_down_at,
	added_to_watchlist, added_to_favorites,
	context, experiment_id, policy, arm_id, p_score, latency_ms, reward,
	served_at, created_at`

// ─── Append ─────────────────────────────────────────────────────────────────

// InsertEvent appends a single recommendation event and returns its id.
func (db *DB) InsertEvent(e *domain.Event) (int64, error) {
	var ctxJSON any
	if len(e.Context) > 0 {
		b, err := json.Marshal(e.Context)
		if err != nil {
			return 0, fmt.Errorf("marshal context: %w", err)
		}
		ctxJSON = string(b)
	}

	var expID any
	if e.ExperimentID != nil {
		expID = e.ExperimentID.String()
	}

	created := e.CreatedAt
	if created.IsZero() {
		created = e.ServedAt
	}

	res, err := db.db.Exec(`
		INSERT INTO recommendation_events
			(user_id, movie_id, algorithm, position, score,
			 context, experiment_id, policy, arm_id, p_score, latency_ms, reward,
			 served_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.UserID, e.MovieID, e.Algorithm, e.Position, e.Score,
		ctxJSON, expID, e.Policy, e.ArmID, e.PScore, e.LatencyMs, e.Reward,
		fmtTime(e.ServedAt), fmtTime(created))
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

// InsertEvents appends a batch of events in one transaction, filling in the
// assigned ids.
func (db *DB) InsertEvents(events []*domain.Event) error {
	tx, err := db.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, e := range events {
		var ctxJSON any
		if len(e.Context) > 0 {
			b, err := json.Marshal(e.Context)
			if err != nil {
				return fmt.Errorf("marshal context: %w", err)
			}
			ctxJSON = string(b)
		}
		var expID any
		if e.ExperimentID != nil {
			expID = e.ExperimentID.String()
		}
		created := e.CreatedAt
		if created.IsZero() {
			created = e.ServedAt
		}
		res, err := tx.Exec(`
			INSERT INTO recommendation_events
				(user_id, movie_id, algorithm, position, score,
				 context, experiment_id, policy, arm_id, p_score, latency_ms, reward,
				 served_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.UserID, e.MovieID, e.Algorithm, e.Position, e.Score,
			ctxJSON, expID, e.Policy, e.ArmID, e.PScore, e.LatencyMs, e.Reward,
			fmtTime(e.ServedAt), fmtTime(created))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		e.ID, _ = res.LastInsertId()
	}
	return tx.Commit()
}

// GetEvent retrieves a single event by id.
func (db *DB) GetEvent(id int64) (*domain.Event, error) {
	row := db.db.QueryRow(`SELECT `+eventColumns+` FROM recommendation_events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return e, err
}

// ─── Interaction Flags ──────────────────────────────────────────────────────

// MarkInteraction sets an interaction flag on an event. Idempotent: a second
// call with the same (event, kind) is a no-op and reports false.
func (db *DB) MarkInteraction(eventID int64, kind domain.InteractionKind, value *float64, at time.Time) (bool, error) {
	var res sql.Result
	var err error
	ts := fmtTime(at)

	switch kind {
	case domain.InteractionClick:
		res, err = db.db.Exec(`
			UPDATE recommendation_events SET clicked = 1, clicked_at = ?
			WHERE id = ? AND clicked = 0`, ts, eventID)
	case domain.InteractionRating:
		res, err = db.db.Exec(`
			UPDATE recommendation_events SET rated = 1, rated_at = ?, rating_value = ?
			WHERE id = ? AND rated = 0`, ts, value, eventID)
	case domain.InteractionThumbsUp:
		res, err = db.db.Exec(`
			UPDATE recommendation_events SET thumbs_up = 1, thumbs_up_at = ?
			WHERE id = ? AND thumbs_up = 0`, ts, eventID)
	case domain.InteractionThumbsDown:
		res, err = db.db.Exec(`
			UPDATE recommendation_events SET thumbs_down = 1, thumbs_down_at = ?
			WHERE id = ? AND thumbs_down = 0`, ts, eventID)
	case domain.InteractionFavorite:
		res, err = db.db.Exec(`
			UPDATE recommendation_events SET added_to_favorites = 1
			WHERE id = ? AND added_to_favorites = 0`, eventID)
	case domain.InteractionWatchlist:
		res, err = db.db.Exec(`
			UPDATE recommendation_events SET added_to_watchlist = 1
			WHERE id = ? AND added_to_watchlist = 0`, eventID)
	default:
		return false, fmt.Errorf("%w: interaction kind %q", domain.ErrInvalidArgument, kind)
	}
	if err != nil {
		return false, fmt.Errorf("mark %s: %w", kind, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetReward sets the event's reward iff currently unset.
// Reports whether the row mutated.
func (db *DB) SetReward(eventID int64, reward float64) (bool, error) {
	res, err := db.db.Exec(`
		UPDATE recommendation_events SET reward = ?
		WHERE id = ? AND reward IS NULL
	`, reward, eventID)
	if err != nil {
		return false, fmt.Errorf("set reward: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LatestEventID returns the most recently served event for (user, movie),
// used by the tracking write paths to attach interactions.
func (db *DB) LatestEventID(userID, movieID int64) (int64, error) {
	var id int64
	err := db.db.QueryRow(`
		SELECT id FROM recommendation_events
		WHERE user_id = ? AND movie_id = ?
		ORDER BY served_at DESC, id DESC LIMIT 1
	`, userID, movieID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, domain.ErrNotFound
	}
	return id, err
}

// ─── Reward Worker Queries ──────────────────────────────────────────────────

// PendingEvents returns events with no reward served at or after since.
func (db *DB) PendingEvents(since time.Time, limit int) ([]*domain.Event, error) {
	rows, err := db.db.Query(`
		SELECT `+eventColumns+` FROM recommendation_events
		WHERE reward IS NULL AND served_at >= ?
		ORDER BY served_at, id LIMIT ?
	`, fmtTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	return collectEvents(rows)
}

// StaleEvents returns unrewarded events served before cutoff, oldest first.
// Used by the retry tick.
func (db *DB) StaleEvents(cutoff time.Time, limit int) ([]*domain.Event, error) {
	rows, err := db.db.Query(`
		SELECT `+eventColumns+` FROM recommendation_events
		WHERE reward IS NULL AND served_at < ?
		ORDER BY served_at, id LIMIT ?
	`, fmtTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("stale events: %w", err)
	}
	return collectEvents(rows)
}

// SweepUnrewarded terminally attributes reward 0.0 to unrewarded events
// served before cutoff. Returns the number of events swept.
func (db *DB) SweepUnrewarded(cutoff time.Time) (int64, error) {
	res, err := db.db.Exec(`
		UPDATE recommendation_events SET reward = 0.0
		WHERE reward IS NULL AND served_at < ?
	`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sweep unrewarded: %w", err)
	}
	return res.RowsAffected()
}

// ─── Interactions ───────────────────────────────────────────────────────────

// InsertInteraction records a late user interaction.
func (db *DB) InsertInteraction(in domain.Interaction) error {
	_, err := db.db.Exec(`
		INSERT INTO interactions (user_id, movie_id, kind, value, watch_ratio, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, in.UserID, in.MovieID, in.Kind, in.Value, in.WatchRatio, fmtTime(in.At))
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

// InteractionsForUser returns all of a user's interactions at or after since,
// ordered by time. The reward worker fetches once per user and filters per
// event window in memory.
func (db *DB) InteractionsForUser(userID int64, since time.Time) ([]domain.Interaction, error) {
	rows, err := db.db.Query(`
		SELECT user_id, movie_id, kind, value, watch_ratio, at
		FROM interactions
		WHERE user_id = ? AND at >= ?
		ORDER BY at
	`, userID, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("interactions for user: %w", err)
	}
	defer rows.Close()

	var out []domain.Interaction
	for rows.Next() {
		var in domain.Interaction
		var at string
		if err := rows.Scan(&in.UserID, &in.MovieID, &in.Kind, &in.Value, &in.WatchRatio, &at); err != nil {
			return nil, err
		}
		in.At = parseTime(at)
		out = append(out, in)
	}
	return out, rows.Err()
}

// ─── Scanning ───────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var (
		e           domain.Event
		movieID     sql.NullInt64
		clickedAt   sql.NullString
		ratedAt     sql.NullString
		ratingValue sql.NullFloat64
		thumbsUpAt  sql.NullString
		thumbsDnAt  sql.NullString
		ctxJSON     sql.NullString
		expID       sql.NullString
		policy      sql.NullString
		armID       sql.NullString
		pScore      sql.NullFloat64
		latencyMs   sql.NullFloat64
		reward      sql.NullFloat64
		servedAt    string
		createdAt   string
	)

	err := row.Scan(&e.ID, &e.UserID, &movieID, &e.Algorithm, &e.Position, &e.Score,
		&e.Clicked, &clickedAt, &e.Rated, &ratedAt, &ratingValue,
		&e.ThumbsUp, &thumbsUpAt, &e.ThumbsDown, &thumbsDnAt,
		&e.AddedToWatchlist, &e.AddedToFavorites,
		&ctxJSON, &expID, &policy, &armID, &pScore, &latencyMs, &reward,
		&servedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	if movieID.Valid {
		e.MovieID = &movieID.Int64
	}
	e.ClickedAt = parseTimePtr(clickedAt)
	e.RatedAt = parseTimePtr(ratedAt)
	if ratingValue.Valid {
		e.RatingValue = &ratingValue.Float64
	}
	e.ThumbsUpAt = parseTimePtr(thumbsUpAt)
	e.ThumbsDownAt = parseTimePtr(thumbsDnAt)
	if ctxJSON.Valid && ctxJSON.String != "" {
		_ = json.Unmarshal([]byte(ctxJSON.String), &e.Context)
	}
	if expID.Valid {
		if id, err := uuid.Parse(expID.String); err == nil {
			e.ExperimentID = &id
		}
	}
	if policy.Valid {
		e.Policy = &policy.String
	}
	if armID.Valid {
		e.ArmID = &armID.String
	}
	if pScore.Valid {
		e.PScore = &pScore.Float64
	}
	if latencyMs.Valid {
		e.LatencyMs = &latencyMs.Float64
	}
	if reward.Valid {
		e.Reward = &reward.Float64
	}
	e.ServedAt = parseTime(servedAt)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

func collectEvents(rows *sql.Rows) ([]*domain.Event, error) {
	defer rows.Close()
	var out []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
