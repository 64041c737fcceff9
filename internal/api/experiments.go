package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/experiment"
	"github.com/recolab/banditd/internal/policy"
)

func experimentID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: experiment id %q", domain.ErrInvalidArgument, raw)
	}
	return id, nil
}

// ─── Lifecycle Handlers ─────────────────────────────────────────────────────

type createExperimentRequest struct {
	Name          string     `json:"name"`
	StartAt       time.Time  `json:"start_at"`
	EndAt         *time.Time `json:"end_at,omitempty"`
	TrafficPct    float64    `json:"traffic_pct"`
	DefaultPolicy string     `json:"default_policy"`
	Notes         string     `json:"notes,omitempty"`
}

// POST /experiments
func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.DefaultPolicy != "" && !s.registry.Known(req.DefaultPolicy) {
		badRequest(w, fmt.Sprintf("unknown policy %q", req.DefaultPolicy))
		return
	}
	exp, err := s.manager.Create(experiment.CreateParams{
		Name:          req.Name,
		StartAt:       req.StartAt,
		EndAt:         req.EndAt,
		TrafficPct:    req.TrafficPct,
		DefaultPolicy: req.DefaultPolicy,
		Notes:         req.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

// GET /experiments?status=active|scheduled|ended
func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	status := domain.ExperimentStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.StatusActive, domain.StatusScheduled, domain.StatusEnded:
	default:
		badRequest(w, fmt.Sprintf("invalid status %q", status))
		return
	}
	exps, err := s.manager.List(status)
	if err != nil {
		writeError(w, err)
		return
	}
	if exps == nil {
		exps = []*domain.Experiment{}
	}
	writeJSON(w, http.StatusOK, exps)
}

// GET /experiments/{id}
func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	exp, err := s.manager.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

type updateExperimentRequest struct {
	Name       *string    `json:"name,omitempty"`
	EndAt      *time.Time `json:"end_at,omitempty"`
	TrafficPct *float64   `json:"traffic_pct,omitempty"`
	Notes      *string    `json:"notes,omitempty"`
}

// PATCH /experiments/{id}
func (s *Server) handleUpdateExperiment(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	exp, err := s.manager.Update(id, experiment.UpdateParams{
		Name:       req.Name,
		EndAt:      req.EndAt,
		TrafficPct: req.TrafficPct,
		Notes:      req.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// POST /experiments/{id}/stop
func (s *Server) handleStopExperiment(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	exp, err := s.manager.End(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// GET /experiments/{id}/assignments?policy=&limit=&offset=
func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 100, 1, 1000)
	offset := queryInt(r, "offset", 0, 0, 1<<30)
	assignments, err := s.manager.Assignments(id, r.URL.Query().Get("policy"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if assignments == nil {
		assignments = []*domain.Assignment{}
	}
	writeJSON(w, http.StatusOK, assignments)
}

// GET /experiments/{id}/validate
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.manager.Validate(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GET /experiments/{id}/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.manager.GetStats(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /experiments/{id}/traffic-allocation
func (s *Server) handleTrafficAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	alloc, err := s.manager.TrafficAllocation(id, append(policy.BanditNames(), policy.NameControl))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

// ─── Arm Catalog ────────────────────────────────────────────────────────────

type registerArmRequest struct {
	ArmID    string          `json:"arm_id"`
	Title    string          `json:"title"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// POST /arms
func (s *Server) handleRegisterArm(w http.ResponseWriter, r *http.Request) {
	var req registerArmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.ArmID == "" || req.Title == "" {
		badRequest(w, "arm_id and title required")
		return
	}
	arm := &domain.Arm{
		ID:        req.ArmID,
		Title:     req.Title,
		Metadata:  string(req.Metadata),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.UpsertArm(arm); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, arm)
}

// GET /arms
func (s *Server) handleListArms(w http.ResponseWriter, r *http.Request) {
	arms, err := s.db.ListArms()
	if err != nil {
		writeError(w, err)
		return
	}
	if arms == nil {
		arms = []domain.Arm{}
	}
	writeJSON(w, http.StatusOK, arms)
}
