package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/selector"
)

// ─── Arm Selection ──────────────────────────────────────────────────────────

type selectRequest struct {
	ExperimentID uuid.UUID               `json:"experiment_id"`
	UserID       int64                   `json:"user_id"`
	Arms         []string                `json:"arms"`
	Context      domain.SelectionContext `json:"context"`
}

// POST /select
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.ExperimentID == uuid.Nil {
		badRequest(w, "experiment_id required")
		return
	}
	res, err := s.selector.Select(r.Context(), req.ExperimentID, req.UserID, req.Context, req.Arms)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Serve Logging ──────────────────────────────────────────────────────────

type recordServesRequest struct {
	UserID    int64                   `json:"user_id"`
	Selection *selector.Selection     `json:"selection"`
	Context   domain.SelectionContext `json:"context"`
	Items     []selector.ServeItem    `json:"items"`
}

// POST /events
func (s *Server) handleRecordServes(w http.ResponseWriter, r *http.Request) {
	var req recordServesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Selection == nil {
		badRequest(w, "selection required")
		return
	}
	if len(req.Items) == 0 {
		badRequest(w, "items required")
		return
	}
	ids, err := s.selector.RecordServes(req.UserID, req.Selection, req.Context, req.Items)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"event_ids": ids})
}

// ─── Feedback Tracking ──────────────────────────────────────────────────────
// Each tracking call attaches to the most recent event for (user, item),
// flips the interaction flag idempotently, and records a late interaction
// for the reward window.

type trackRequest struct {
	UserID  int64    `json:"user_id"`
	MovieID int64    `json:"movie_id"`
	Rating  *float64 `json:"rating,omitempty"`
}

func (s *Server) track(w http.ResponseWriter, r *http.Request, kind domain.InteractionKind, needsValue bool) {
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if needsValue {
		if req.Rating == nil {
			badRequest(w, "rating required")
			return
		}
		if *req.Rating < 0.5 || *req.Rating > 5 {
			badRequest(w, fmt.Sprintf("rating %g outside [0.5, 5]", *req.Rating))
			return
		}
	}
	now := s.selector.Now().UTC()

	// Late-interaction record feeds the reward window even when no event
	// matches (organic interaction).
	interaction := domain.Interaction{
		UserID:  req.UserID,
		MovieID: req.MovieID,
		Kind:    kind,
		At:      now,
	}
	if req.Rating != nil {
		interaction.Value = *req.Rating
	}
	if err := s.db.InsertInteraction(interaction); err != nil {
		writeError(w, err)
		return
	}

	eventID, err := s.db.LatestEventID(req.UserID, req.MovieID)
	if err == domain.ErrNotFound {
		writeJSON(w, http.StatusOK, map[string]any{"attached": false})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	mutated, err := s.db.MarkInteraction(eventID, kind, req.Rating, now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"attached": true,
		"event_id": eventID,
		"mutated":  mutated,
	})
}

// POST /track/click
func (s *Server) handleTrackClick(w http.ResponseWriter, r *http.Request) {
	s.track(w, r, domain.InteractionClick, false)
}

// POST /track/rating
func (s *Server) handleTrackRating(w http.ResponseWriter, r *http.Request) {
	s.track(w, r, domain.InteractionRating, true)
}

// POST /track/thumbs-up, /track/thumbs-down
func (s *Server) handleTrackThumbs(kind domain.InteractionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.track(w, r, kind, false)
	}
}

// POST /track/favorite, /track/watchlist
func (s *Server) handleTrackFlag(kind domain.InteractionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.track(w, r, kind, false)
	}
}
