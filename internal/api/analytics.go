package api

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/infra/sqlite"
	"github.com/recolab/banditd/internal/policy"
)

// ─── Summary ────────────────────────────────────────────────────────────────

// GET /experiments/{id}/summary
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
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
	now := s.selector.Now()

	split, err := s.db.AssignmentCountsByPolicy(id)
	if err != nil {
		writeError(w, err)
		return
	}
	var totalAssigned int64
	for _, n := range split {
		totalAssigned += n
	}
	trafficSplit := make([]map[string]any, 0, len(split))
	for p, n := range split {
		pct := 0.0
		if totalAssigned > 0 {
			pct = float64(n) * 100 / float64(totalAssigned)
		}
		trafficSplit = append(trafficSplit, map[string]any{
			"policy": p, "user_count": n, "percentage": pct,
		})
	}

	users24h, err := s.db.ActiveUsers(id, now.Add(-24*time.Hour))
	if err != nil {
		writeError(w, err)
		return
	}
	users7d, _ := s.db.ActiveUsers(id, now.Add(-7*24*time.Hour))
	serves, _ := s.db.TotalServes(id)
	mean24h, _ := s.db.MeanReward(id, now.Add(-24*time.Hour))
	mean7d, _ := s.db.MeanReward(id, now.Add(-7*24*time.Hour))

	// Current regret: best policy's overall mean vs the experiment's 7-day
	// mean. Not gated on sample size, so early numbers are noisy.
	var regret float64
	if byPolicy, err := s.db.PolicyMeanRewards(id); err == nil && len(byPolicy) > 0 {
		best := 0.0
		for _, m := range byPolicy {
			if m > best {
				best = m
			}
		}
		regret = best - mean7d
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"experiment": map[string]any{
			"id":          exp.ID,
			"name":        exp.Name,
			"start_at":    exp.StartAt,
			"end_at":      exp.EndAt,
			"traffic_pct": exp.TrafficPct,
			"status":      exp.StatusAt(now),
		},
		"traffic_split": trafficSplit,
		"active_users":  map[string]int64{"24h": users24h, "7d": users7d},
		"serves":        map[string]int64{"total": serves},
		"rewards": map[string]float64{
			"mean_24h":       mean24h,
			"mean_7d":        mean7d,
			"current_regret": regret,
		},
	})
}

// ─── Timeseries, Arms, Cohorts ──────────────────────────────────────────────

// GET /experiments/{id}/timeseries?metric=&granularity=&policy=
func (s *Server) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.manager.Get(id); err != nil {
		writeError(w, err)
		return
	}
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		metric = "reward"
	}
	switch metric {
	case "reward", "ctr", "latency_p95", "serves":
	default:
		badRequest(w, fmt.Sprintf("invalid metric %q", metric))
		return
	}
	granularity := r.URL.Query().Get("granularity")
	if granularity == "" {
		granularity = "hour"
	}
	if granularity != "hour" && granularity != "day" {
		badRequest(w, fmt.Sprintf("invalid granularity %q", granularity))
		return
	}

	points, err := s.db.Timeseries(id, metric, granularity, r.URL.Query().Get("policy"))
	if err != nil {
		writeError(w, err)
		return
	}
	if points == nil {
		points = []sqlite.TimeseriesPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// GET /experiments/{id}/arms?sort=&limit=&policy=
func (s *Server) handleArmPerformance(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.manager.Get(id); err != nil {
		writeError(w, err)
		return
	}
	sortBy := r.URL.Query().Get("sort")
	if sortBy == "" {
		sortBy = "reward_rate"
	}
	switch sortBy {
	case "reward_rate", "serves", "regret":
	default:
		badRequest(w, fmt.Sprintf("invalid sort %q", sortBy))
		return
	}
	limit := queryInt(r, "limit", 20, 1, 100)

	arms, err := s.db.ArmPerformances(id, sortBy, r.URL.Query().Get("policy"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if arms == nil {
		arms = []sqlite.ArmPerformance{}
	}
	writeJSON(w, http.StatusOK, arms)
}

// GET /experiments/{id}/cohorts?breakdown=
func (s *Server) handleCohorts(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.manager.Get(id); err != nil {
		writeError(w, err)
		return
	}
	breakdown := r.URL.Query().Get("breakdown")
	if breakdown == "" {
		breakdown = "user_type"
	}
	cohorts, err := s.db.CohortBreakdown(id, breakdown)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cohorts)
}

// ─── Event Log & Export ─────────────────────────────────────────────────────

// GET /experiments/{id}/events?policy=&limit=&offset=
func (s *Server) handleEventLog(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.manager.Get(id); err != nil {
		writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 1000, 1, 10000)
	offset := queryInt(r, "offset", 0, 0, 1<<30)

	events, total, err := s.db.EventPage(id, r.URL.Query().Get("policy"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"pagination": map[string]any{
			"total":    total,
			"limit":    limit,
			"offset":   offset,
			"has_more": int64(offset+limit) < total,
		},
	})
}

// GET /experiments/{id}/export?format=csv|json&policy=
// Rows stream straight from the store cursor; large exports never
// materialize in memory.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.manager.Get(id); err != nil {
		writeError(w, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	policyFilter := r.URL.Query().Get("policy")

	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="experiment_%s.csv"`, id))
		cw := csv.NewWriter(w)
		cw.Write([]string{"id", "user_id", "movie_id", "algorithm", "position", "score",
			"policy", "arm_id", "p_score", "latency_ms", "reward", "served_at"})
		err = s.db.ForEachEvent(id, policyFilter, func(e *domain.Event) error {
			cw.Write(exportRow(e))
			return cw.Error()
		})
		cw.Flush()
		if err != nil {
			s.log.Error().Err(err).Msg("csv export aborted")
		}
	case "json":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="experiment_%s.json"`, id))
		enc := json.NewEncoder(w)
		w.Write([]byte("[\n"))
		first := true
		err = s.db.ForEachEvent(id, policyFilter, func(e *domain.Event) error {
			if !first {
				w.Write([]byte(",\n"))
			}
			first = false
			return enc.Encode(e)
		})
		w.Write([]byte("]\n"))
		if err != nil {
			s.log.Error().Err(err).Msg("json export aborted")
		}
	default:
		badRequest(w, fmt.Sprintf("invalid format %q", format))
	}
}

func exportRow(e *domain.Event) []string {
	f := func(p *float64) string {
		if p == nil {
			return ""
		}
		return strconv.FormatFloat(*p, 'f', -1, 64)
	}
	str := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	movie := ""
	if e.MovieID != nil {
		movie = strconv.FormatInt(*e.MovieID, 10)
	}
	return []string{
		strconv.FormatInt(e.ID, 10),
		strconv.FormatInt(e.UserID, 10),
		movie,
		e.Algorithm,
		strconv.Itoa(e.Position),
		strconv.FormatFloat(e.Score, 'f', -1, 64),
		str(e.Policy),
		str(e.ArmID),
		f(e.PScore),
		f(e.LatencyMs),
		f(e.Reward),
		e.ServedAt.Format(time.RFC3339Nano),
	}
}

// ─── Guardrails, Decisions & Policy Stats ───────────────────────────────────

// GET /experiments/{id}/guardrails
func (s *Server) handleGuardrails(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := s.guardrails.Check(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GET /experiments/{id}/decisions
func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.manager.Get(id); err != nil {
		writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 30, 1, 365)
	history, err := s.decisions.History(id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if history == nil {
		history = []sqlite.DecisionRecord{}
	}
	writeJSON(w, http.StatusOK, history)
}

// GET /experiments/{id}/policy-stats?policy=&arms=a,b,c
func (s *Server) handlePolicyStats(w http.ResponseWriter, r *http.Request) {
	if _, err := experimentID(r); err != nil {
		writeError(w, err)
		return
	}
	name := r.URL.Query().Get("policy")
	if name == "" {
		name = policy.NameThompson
	}

	var arms []string
	if raw := r.URL.Query().Get("arms"); raw != "" {
		arms = splitComma(raw)
	} else {
		catalog, err := s.db.ListArms()
		if err != nil {
			writeError(w, err)
			return
		}
		for _, a := range catalog {
			arms = append(arms, a.ID)
		}
	}

	var sel domain.SelectionContext
	if raw := r.URL.Query().Get("context"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &sel); err != nil {
			badRequest(w, "invalid context parameter")
			return
		}
	}

	stats, err := s.registry.ArmStatistics(r.Context(), name, sel, arms)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policy":      name,
		"context_key": sel.Key(),
		"arms":        stats,
	})
}

func splitComma(raw string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// ─── Operational Configuration ──────────────────────────────────────────────

// PUT /guardrails/thresholds
func (s *Server) handleUpdateThresholds(w http.ResponseWriter, r *http.Request) {
	t := s.guardrails.Thresholds()
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	s.guardrails.UpdateThresholds(t)
	writeJSON(w, http.StatusOK, t)
}

// PUT /decisions/criteria
func (s *Server) handleUpdateCriteria(w http.ResponseWriter, r *http.Request) {
	c := s.decisions.Criteria()
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	s.decisions.UpdateCriteria(c)
	writeJSON(w, http.StatusOK, c)
}

// GET /worker/stats
func (s *Server) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.worker.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
