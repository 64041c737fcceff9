package domain

import (
	"time"

	"github.com/google/uuid"
)

// ─── Recommendation Events ──────────────────────────────────────────────────

// Event is one served recommendation with its bandit provenance and the
// interaction flags that arrive later. ServedAt is set at creation and
// never changes; Reward is set at most once.
type Event struct {
	ID        int64   `json:"id"`
	UserID    int64   `json:"user_id"`
	MovieID   *int64  `json:"movie_id,omitempty"`
	Algorithm string  `json:"algorithm"`
	Position  int     `json:"position"`
	Score     float64 `json:"score"`

	// Interaction flags, set after serving.
	Clicked          bool       `json:"clicked"`
	ClickedAt        *time.Time `json:"clicked_at,omitempty"`
	Rated            bool       `json:"rated"`
	RatedAt          *time.Time `json:"rated_at,omitempty"`
	RatingValue      *float64   `json:"rating_value,omitempty"`
	ThumbsUp         bool       `json:"thumbs_up"`
	ThumbsUpAt       *time.Time `json:"thumbs_up_at,omitempty"`
	ThumbsDown       bool       `json:"thumbs_down"`
	ThumbsDownAt     *time.Time `json:"thumbs_down_at,omitempty"`
	AddedToWatchlist bool       `json:"added_to_watchlist"`
	AddedToFavorites bool       `json:"added_to_favorites"`

	// Bandit fields.
	Context      map[string]string `json:"context,omitempty"`
	ExperimentID *uuid.UUID        `json:"experiment_id,omitempty"`
	Policy       *string           `json:"policy,omitempty"`
	ArmID        *string           `json:"arm_id,omitempty"`
	PScore       *float64          `json:"p_score,omitempty"`
	LatencyMs    *float64          `json:"latency_ms,omitempty"`
	Reward       *float64          `json:"reward,omitempty"`

	ServedAt  time.Time `json:"served_at"`
	CreatedAt time.Time `json:"created_at"`
}

// ContextKey returns the state-partitioning key for the event's context.
func (e *Event) ContextKey() string {
	return ContextKeyFromMap(e.Context)
}

// InteractionKind identifies a tracked user action.
type InteractionKind string

const (
	InteractionClick      InteractionKind = "click"
	InteractionRating     InteractionKind = "rating"
	InteractionThumbsUp   InteractionKind = "thumbs_up"
	InteractionThumbsDown InteractionKind = "thumbs_down"
	InteractionFavorite   InteractionKind = "favorite"
	InteractionWatchlist  InteractionKind = "watchlist"
	InteractionWatch      InteractionKind = "watch"
)

// Interaction is one user action against an item, recorded by the tracking
// write paths and consumed by the reward calculator.
type Interaction struct {
	UserID     int64           `json:"user_id"`
	MovieID    int64           `json:"movie_id"`
	Kind       InteractionKind `json:"kind"`
	Value      float64         `json:"value,omitempty"`       // rating value for Kind == rating
	WatchRatio float64         `json:"watch_ratio,omitempty"` // fraction watched for Kind == watch
	At         time.Time       `json:"at"`
}
