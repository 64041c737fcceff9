// Package experiment manages bandit experiments: lifecycle, deterministic
// sticky user-to-policy assignment, and traffic gating.
package experiment

import (
	"context"
	"crypto/md5"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/infra/cache"
	"github.com/recolab/banditd/internal/infra/sqlite"
)

// assignmentCacheTTL bounds staleness of cached assignments. Ending an
// experiment clears its whole prefix immediately.
const assignmentCacheTTL = time.Hour

// Manager owns Experiment and PolicyAssignment records.
type Manager struct {
	db    *sqlite.DB
	cache cache.Cache
	log   zerolog.Logger

	// Now is an injectable clock for testing.
	Now func() time.Time
}

// NewManager creates a manager. cache may be nil to disable assignment
// caching.
func NewManager(db *sqlite.DB, c cache.Cache, log zerolog.Logger) *Manager {
	return &Manager{
		db:    db,
		cache: c,
		log:   log.With().Str("component", "experiments").Logger(),
		Now:   time.Now,
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// CreateParams are the operator-supplied experiment fields.
type CreateParams struct {
	Name          string
	StartAt       time.Time
	EndAt         *time.Time
	TrafficPct    float64
	DefaultPolicy string
	Notes         string
}

// Create validates and persists a new experiment.
func (m *Manager) Create(p CreateParams) (*domain.Experiment, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	if p.TrafficPct < 0 || p.TrafficPct > 1 {
		return nil, fmt.Errorf("%w: traffic_pct %f outside [0, 1]", domain.ErrInvalidArgument, p.TrafficPct)
	}
	if p.DefaultPolicy == "" {
		return nil, fmt.Errorf("%w: default_policy required", domain.ErrInvalidArgument)
	}
	if p.EndAt != nil && p.EndAt.Before(p.StartAt) {
		return nil, fmt.Errorf("%w: end_at before start_at", domain.ErrInvalidArgument)
	}

	exp := &domain.Experiment{
		ID:            uuid.New(),
		Name:          p.Name,
		StartAt:       p.StartAt.UTC(),
		EndAt:         p.EndAt,
		TrafficPct:    p.TrafficPct,
		DefaultPolicy: p.DefaultPolicy,
		Notes:         p.Notes,
		CreatedAt:     m.Now().UTC(),
	}
	if err := m.db.InsertExperiment(exp); err != nil {
		return nil, err
	}
	m.log.Info().Str("experiment", exp.ID.String()).Str("name", exp.Name).
		Float64("traffic_pct", exp.TrafficPct).Msg("experiment created")
	return exp, nil
}

// Get retrieves an experiment.
func (m *Manager) Get(id uuid.UUID) (*domain.Experiment, error) {
	return m.db.GetExperiment(id)
}

// UpdateParams are the mutable experiment fields; nil means unchanged.
type UpdateParams struct {
	Name       *string
	EndAt      *time.Time
	TrafficPct *float64
	Notes      *string
}

// Update mutates an experiment. Ended experiments reject mutation.
func (m *Manager) Update(id uuid.UUID, p UpdateParams) (*domain.Experiment, error) {
	exp, err := m.db.GetExperiment(id)
	if err != nil {
		return nil, err
	}
	if exp.StatusAt(m.Now()) == domain.StatusEnded {
		return nil, fmt.Errorf("%w: %v", domain.ErrConflict, domain.ErrExperimentEnded)
	}

	if p.Name != nil {
		if *p.Name == "" {
			return nil, fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
		}
		exp.Name = *p.Name
	}
	if p.TrafficPct != nil {
		if *p.TrafficPct < 0 || *p.TrafficPct > 1 {
			return nil, fmt.Errorf("%w: traffic_pct %f outside [0, 1]", domain.ErrInvalidArgument, *p.TrafficPct)
		}
		exp.TrafficPct = *p.TrafficPct
	}
	if p.EndAt != nil {
		if p.EndAt.Before(exp.StartAt) {
			return nil, fmt.Errorf("%w: end_at before start_at", domain.ErrInvalidArgument)
		}
		exp.EndAt = p.EndAt
	}
	if p.Notes != nil {
		exp.Notes = *p.Notes
	}

	if err := m.db.UpdateExperiment(exp); err != nil {
		return nil, err
	}
	return exp, nil
}

// End terminates an experiment by setting end_at to now and clears its
// cached assignments. Ending an already-ended experiment is a conflict.
func (m *Manager) End(ctx context.Context, id uuid.UUID) (*domain.Experiment, error) {
	if _, err := m.db.GetExperiment(id); err != nil {
		return nil, err
	}
	mutated, err := m.db.EndExperiment(id, m.Now())
	if err != nil {
		return nil, err
	}
	if !mutated {
		return nil, fmt.Errorf("%w: %v", domain.ErrConflict, domain.ErrExperimentEnded)
	}

	if m.cache != nil {
		if err := m.cache.DeletePrefix(ctx, assignmentPrefix(id)); err != nil {
			m.log.Warn().Err(err).Msg("assignment cache clear failed")
		}
	}
	m.log.Info().Str("experiment", id.String()).Msg("experiment ended")
	return m.db.GetExperiment(id)
}

// List returns experiments, optionally filtered by derived status.
func (m *Manager) List(status domain.ExperimentStatus) ([]*domain.Experiment, error) {
	all, err := m.db.ListExperiments()
	if err != nil {
		return nil, err
	}
	if status == "" {
		return all, nil
	}
	now := m.Now()
	out := all[:0]
	for _, e := range all {
		if e.StatusAt(now) == status {
			out = append(out, e)
		}
	}
	return out, nil
}

// Active returns the experiments currently serving traffic.
func (m *Manager) Active() ([]*domain.Experiment, error) {
	return m.List(domain.StatusActive)
}

// ─── Assignment ─────────────────────────────────────────────────────────────

func assignmentPrefix(experimentID uuid.UUID) string {
	return "exp:" + experimentID.String() + ":"
}

func assignmentCacheKey(experimentID uuid.UUID, userID int64) string {
	return assignmentPrefix(experimentID) + "user:" + strconv.FormatInt(userID, 10)
}

// Assign resolves the sticky (policy, bucket) for a user, creating the
// assignment lazily on first contact inside an active experiment.
//
// The algorithm is deterministic across processes: the 128-bit MD5 of
// "experiment_id:user_id" drives both the traffic bucket (mod 100) and the
// policy index (mod len(policies)). Users outside traffic_pct, and requests
// against scheduled or ended experiments, fall back to the default policy
// without persisting anything.
func (m *Manager) Assign(ctx context.Context, experimentID uuid.UUID, userID int64, policies []string) (string, int, error) {
	if len(policies) == 0 {
		return "", 0, fmt.Errorf("%w: policies required", domain.ErrInvalidArgument)
	}

	// Sticky fast path.
	if policy, bucket, ok := m.cachedAssignment(ctx, experimentID, userID); ok {
		return policy, bucket, nil
	}
	if a, err := m.db.GetAssignment(experimentID, userID); err == nil {
		m.cacheAssignment(ctx, experimentID, userID, a.Policy, a.Bucket)
		return a.Policy, a.Bucket, nil
	} else if err != domain.ErrNotFound {
		return "", 0, err
	}

	exp, err := m.db.GetExperiment(experimentID)
	if err != nil {
		return "", 0, err
	}
	if exp.StatusAt(m.Now()) != domain.StatusActive {
		return exp.DefaultPolicy, 0, nil
	}

	h := assignmentHash(experimentID, userID)
	bucket := int(new(big.Int).Mod(h, big.NewInt(100)).Int64())
	if bucket >= int(exp.TrafficPct*100) {
		// Out of experiment traffic; nothing persisted.
		return exp.DefaultPolicy, bucket, nil
	}

	idx := int(new(big.Int).Mod(h, big.NewInt(int64(len(policies)))).Int64())
	assignment := &domain.Assignment{
		ExperimentID: experimentID,
		UserID:       userID,
		Policy:       policies[idx],
		Bucket:       bucket,
		AssignedAt:   m.Now(),
	}
	if err := m.db.InsertAssignment(assignment); err != nil {
		return "", 0, err
	}

	// The first successful persist wins: read back so concurrent callers
	// converge on the surviving row.
	a, err := m.db.GetAssignment(experimentID, userID)
	if err != nil {
		return "", 0, err
	}
	m.cacheAssignment(ctx, experimentID, userID, a.Policy, a.Bucket)
	m.log.Debug().Str("experiment", experimentID.String()).Int64("user", userID).
		Str("policy", a.Policy).Int("bucket", a.Bucket).Msg("user assigned")
	return a.Policy, a.Bucket, nil
}

// assignmentHash is the deterministic 128-bit assignment hash.
func assignmentHash(experimentID uuid.UUID, userID int64) *big.Int {
	sum := md5.Sum([]byte(experimentID.String() + ":" + strconv.FormatInt(userID, 10)))
	return new(big.Int).SetBytes(sum[:])
}

func (m *Manager) cachedAssignment(ctx context.Context, experimentID uuid.UUID, userID int64) (string, int, bool) {
	if m.cache == nil {
		return "", 0, false
	}
	raw, ok, err := m.cache.Get(ctx, assignmentCacheKey(experimentID, userID))
	if err != nil {
		m.log.Warn().Err(err).Msg("assignment cache read failed")
		return "", 0, false
	}
	if !ok {
		return "", 0, false
	}
	sep := strings.LastIndex(raw, ":")
	if sep < 0 {
		return "", 0, false
	}
	bucket, err := strconv.Atoi(raw[sep+1:])
	if err != nil {
		return "", 0, false
	}
	return raw[:sep], bucket, true
}

func (m *Manager) cacheAssignment(ctx context.Context, experimentID uuid.UUID, userID int64, policy string, bucket int) {
	if m.cache == nil {
		return
	}
	val := policy + ":" + strconv.Itoa(bucket)
	if err := m.cache.Set(ctx, assignmentCacheKey(experimentID, userID), val, assignmentCacheTTL); err != nil {
		m.log.Warn().Err(err).Msg("assignment cache write failed")
	}
}

// Assignments returns a page of an experiment's assignments.
func (m *Manager) Assignments(id uuid.UUID, policy string, limit, offset int) ([]*domain.Assignment, error) {
	if _, err := m.db.GetExperiment(id); err != nil {
		return nil, err
	}
	return m.db.ListAssignments(id, policy, limit, offset)
}

// ─── Stats, Validation & Allocation ─────────────────────────────────────────

// Stats summarizes an experiment's assignment distribution.
type Stats struct {
	Experiment         *domain.Experiment      `json:"experiment"`
	Status             domain.ExperimentStatus `json:"status"`
	AssignedUsers      int64                   `json:"assigned_users"`
	PolicyDistribution map[string]int64        `json:"policy_distribution"`
}

// GetStats returns assignment counts by policy.
func (m *Manager) GetStats(id uuid.UUID) (*Stats, error) {
	exp, err := m.db.GetExperiment(id)
	if err != nil {
		return nil, err
	}
	counts, err := m.db.AssignmentCountsByPolicy(id)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	return &Stats{
		Experiment:         exp,
		Status:             exp.StatusAt(m.Now()),
		AssignedUsers:      total,
		PolicyDistribution: counts,
	}, nil
}

// Validation is the health report for an experiment's configuration.
type Validation struct {
	Valid           bool                    `json:"valid"`
	Issues          []string                `json:"issues"`
	Warnings        []string                `json:"warnings"`
	AssignmentCount int64                   `json:"assignment_count"`
	Status          domain.ExperimentStatus `json:"status"`
}

// Validate checks configuration and data health.
func (m *Manager) Validate(id uuid.UUID) (*Validation, error) {
	exp, err := m.db.GetExperiment(id)
	if err != nil {
		return nil, err
	}
	now := m.Now()
	v := &Validation{Issues: []string{}, Warnings: []string{}, Status: exp.StatusAt(now)}

	if exp.StartAt.After(now.Add(30 * 24 * time.Hour)) {
		v.Warnings = append(v.Warnings, "experiment starts more than 30 days in the future")
	}
	if exp.EndAt != nil && exp.EndAt.Before(exp.StartAt) {
		v.Issues = append(v.Issues, "end date is before start date")
	}
	if exp.TrafficPct <= 0 {
		v.Issues = append(v.Issues, "traffic percentage must be positive")
	} else if exp.TrafficPct > 1 {
		v.Issues = append(v.Issues, "traffic percentage cannot exceed 100%")
	}

	count, err := m.db.CountAssignments(id)
	if err != nil {
		return nil, err
	}
	v.AssignmentCount = count
	if count == 0 && v.Status == domain.StatusActive {
		v.Warnings = append(v.Warnings, "no user assignments found for active experiment")
	}

	v.Valid = len(v.Issues) == 0
	return v, nil
}

// TrafficAllocation splits traffic_pct equally across the given policies.
func (m *Manager) TrafficAllocation(id uuid.UUID, policies []string) (map[string]float64, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("%w: policies required", domain.ErrInvalidArgument)
	}
	exp, err := m.db.GetExperiment(id)
	if err != nil {
		return nil, err
	}
	share := exp.TrafficPct / float64(len(policies))
	out := make(map[string]float64, len(policies))
	for _, p := range policies {
		out[p] = share
	}
	return out, nil
}
