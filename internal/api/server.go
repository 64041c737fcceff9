// Package api provides the HTTP server for the bandit experimentation
// service: experiment lifecycle, arm selection, feedback tracking, and the
// analytics read side.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/recolab/banditd/internal/decision"
	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/experiment"
	"github.com/recolab/banditd/internal/guardrails"
	"github.com/recolab/banditd/internal/infra/sqlite"
	"github.com/recolab/banditd/internal/policy"
	"github.com/recolab/banditd/internal/reward"
	"github.com/recolab/banditd/internal/selector"
)

// Server is the HTTP API server.
type Server struct {
	db         *sqlite.DB
	manager    *experiment.Manager
	registry   *policy.Registry
	selector   *selector.Selector
	guardrails *guardrails.Engine
	decisions  *decision.Engine
	worker     *reward.Worker
	log        zerolog.Logger

	metricsEnabled bool
}

// NewServer wires the API over the service components.
func NewServer(db *sqlite.DB, manager *experiment.Manager, registry *policy.Registry,
	sel *selector.Selector, g *guardrails.Engine, d *decision.Engine, w *reward.Worker,
	log zerolog.Logger) *Server {
	return &Server{
		db:         db,
		manager:    manager,
		registry:   registry,
		selector:   sel,
		guardrails: g,
		decisions:  d,
		worker:     w,
		log:        log.With().Str("component", "api").Logger(),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Serving path
	r.Post("/select", s.handleSelect)
	r.Post("/events", s.handleRecordServes)

	// Feedback write paths
	r.Route("/track", func(r chi.Router) {
		r.Post("/click", s.handleTrackClick)
		r.Post("/rating", s.handleTrackRating)
		r.Post("/thumbs-up", s.handleTrackThumbs(domain.InteractionThumbsUp))
		r.Post("/thumbs-down", s.handleTrackThumbs(domain.InteractionThumbsDown))
		r.Post("/favorite", s.handleTrackFlag(domain.InteractionFavorite))
		r.Post("/watchlist", s.handleTrackFlag(domain.InteractionWatchlist))
	})

	// Arm catalog
	r.Post("/arms", s.handleRegisterArm)
	r.Get("/arms", s.handleListArms)

	// Experiment lifecycle + analytics
	r.Route("/experiments", func(r chi.Router) {
		r.Post("/", s.handleCreateExperiment)
		r.Get("/", s.handleListExperiments)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetExperiment)
			r.Patch("/", s.handleUpdateExperiment)
			r.Post("/stop", s.handleStopExperiment)
			r.Get("/assignments", s.handleAssignments)
			r.Get("/validate", s.handleValidate)
			r.Get("/stats", s.handleStats)
			r.Get("/traffic-allocation", s.handleTrafficAllocation)

			r.Get("/summary", s.handleSummary)
			r.Get("/timeseries", s.handleTimeseries)
			r.Get("/arms", s.handleArmPerformance)
			r.Get("/cohorts", s.handleCohorts)
			r.Get("/events", s.handleEventLog)
			r.Get("/export", s.handleExport)
			r.Get("/guardrails", s.handleGuardrails)
			r.Get("/decisions", s.handleDecisions)
			r.Get("/policy-stats", s.handlePolicyStats)
		})
	})

	// Operational configuration
	r.Put("/guardrails/thresholds", s.handleUpdateThresholds)
	r.Put("/decisions/criteria", s.handleUpdateCriteria)
	r.Get("/worker/stats", s.handleWorkerStats)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Response Helpers ───────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error onto its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errStatus(err), map[string]any{
		"error": map[string]any{
			"message": err.Error(),
		},
	})
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrNoArms),
		errors.Is(err, domain.ErrUnknownPolicy):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]any{"message": msg},
	})
}

// queryInt parses an integer query parameter with a default and bounds.
func queryInt(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min {
		return def
	}
	if v > max {
		return max
	}
	return v
}
