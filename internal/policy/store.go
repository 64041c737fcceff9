package policy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/infra/cache"
	"github.com/recolab/banditd/internal/infra/sqlite"
)

// stateCacheTTL bounds staleness of the read-through cache.
const stateCacheTTL = 5 * time.Minute

// StateStore serves policy state with a read-through cache over the durable
// store. Cache failures degrade to direct reads; updates write through the
// store and invalidate the cached cell.
type StateStore struct {
	db    *sqlite.DB
	cache cache.Cache
	ttl   time.Duration
	log   zerolog.Logger

	// Now is an injectable clock for testing.
	Now func() time.Time
}

// NewStateStore creates a state store. cache may be nil to disable caching.
func NewStateStore(db *sqlite.DB, c cache.Cache, log zerolog.Logger) *StateStore {
	return &StateStore{
		db:    db,
		cache: c,
		ttl:   stateCacheTTL,
		log:   log.With().Str("component", "state_store").Logger(),
		Now:   time.Now,
	}
}

func stateCacheKey(policy, armID, contextKey string) string {
	return "policy_state:" + policy + ":" + armID + ":" + contextKey
}

// Get returns a well-formed state for the cell, creating the default lazily.
func (s *StateStore) Get(ctx context.Context, policy, armID, contextKey string) (domain.PolicyState, error) {
	key := stateCacheKey(policy, armID, contextKey)
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, key); err != nil {
			s.log.Warn().Err(err).Msg("cache read failed, falling back to store")
		} else if ok {
			var st domain.PolicyState
			if err := json.Unmarshal([]byte(raw), &st); err == nil {
				return st, nil
			}
		}
	}

	st, err := s.db.GetState(policy, armID, contextKey)
	if err != nil {
		return domain.PolicyState{}, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(st); err == nil {
			if err := s.cache.Set(ctx, key, string(raw), s.ttl); err != nil {
				s.log.Warn().Err(err).Msg("cache write failed")
			}
		}
	}
	return st, nil
}

// GetAll fetches states for every arm in one context.
func (s *StateStore) GetAll(ctx context.Context, policy string, arms []string, contextKey string) ([]domain.PolicyState, error) {
	out := make([]domain.PolicyState, len(arms))
	for i, arm := range arms {
		st, err := s.Get(ctx, policy, arm, contextKey)
		if err != nil {
			return nil, err
		}
		out[i] = st
	}
	return out, nil
}

// Update applies an additive delta atomically and invalidates the cached
// cell. The final mean_reward is derived inside the store, never cached
// stale.
func (s *StateStore) Update(ctx context.Context, policy, armID, contextKey string, d domain.StateDelta) error {
	if d.LastSelectedAt.IsZero() {
		d.LastSelectedAt = s.Now()
	}
	if err := s.db.ApplyStateDelta(policy, armID, contextKey, d); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, stateCacheKey(policy, armID, contextKey)); err != nil {
			s.log.Warn().Err(err).Msg("cache invalidation failed")
		}
	}
	return nil
}

// List exposes the persisted cells for the policy-stats surface.
func (s *StateStore) List(policy, contextKey string) ([]domain.PolicyState, error) {
	return s.db.ListStates(policy, contextKey)
}
