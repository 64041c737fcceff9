// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of the service — it depends on nothing.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ─── Experiment Types ───────────────────────────────────────────────────────

// ExperimentStatus is derived from the clock, never stored.
type ExperimentStatus string

const (
	StatusScheduled ExperimentStatus = "scheduled"
	StatusActive    ExperimentStatus = "active"
	StatusEnded     ExperimentStatus = "ended"
)

// Experiment is a bandit A/B experiment. Experiments are never physically
// deleted; ending one sets EndAt.
type Experiment struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	StartAt       time.Time  `json:"start_at"`
	EndAt         *time.Time `json:"end_at,omitempty"`
	TrafficPct    float64    `json:"traffic_pct"`
	DefaultPolicy string     `json:"default_policy"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// StatusAt derives the lifecycle status at the given instant.
func (e *Experiment) StatusAt(now time.Time) ExperimentStatus {
	if now.Before(e.StartAt) {
		return StatusScheduled
	}
	if e.EndAt != nil && !now.Before(*e.EndAt) {
		return StatusEnded
	}
	return StatusActive
}

// ActiveAt reports whether the experiment is serving traffic at now.
func (e *Experiment) ActiveAt(now time.Time) bool {
	return e.StatusAt(now) == StatusActive
}

// Assignment is the sticky (experiment, user) → (policy, bucket) relation.
// Once persisted it is immutable for the life of the experiment.
type Assignment struct {
	ExperimentID uuid.UUID `json:"experiment_id"`
	UserID       int64     `json:"user_id"`
	Policy       string    `json:"policy"`
	Bucket       int       `json:"bucket"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// Arm is a catalog entry for a recommendation strategy. Written once,
// read-only at request time.
type Arm struct {
	ID        string    `json:"arm_id"`
	Title     string    `json:"title"`
	Metadata  string    `json:"metadata,omitempty"` // opaque JSON blob
	CreatedAt time.Time `json:"created_at"`
}
