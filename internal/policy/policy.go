// Package policy implements the bandit policy engine: Thompson Sampling,
// ε-greedy, and UCB1 over a shared persistent state store, with propensity
// scores for unbiased offline estimation.
package policy

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/recolab/banditd/internal/domain"
)

// Policy names understood by the registry. "control" is a reserved label
// for the non-bandit comparison group and has no Policy implementation.
const (
	NameThompson = "thompson"
	NameEGreedy  = "egreedy"
	NameUCB      = "ucb"
	NameControl  = "control"
)

// Result is the outcome of one arm selection.
type Result struct {
	ArmID string `json:"arm_id"`
	// PScore is the propensity of the chosen arm under the policy.
	// Nil for UCB1, which has no analytic propensity.
	PScore     *float64       `json:"p_score,omitempty"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Policy is the capability set shared by all bandit algorithms.
type Policy interface {
	// Name is the registry identifier.
	Name() string
	// Select chooses an arm for the given context. Fails with ErrNoArms on
	// an empty arm list.
	Select(ctx context.Context, sel domain.SelectionContext, arms []string) (Result, error)
	// Update feeds an observed reward in [0, 1] back into the state store.
	Update(ctx context.Context, armID string, reward float64, sel domain.SelectionContext) error
}

// ─── Registry ───────────────────────────────────────────────────────────────

// Registry constructs policies by name over a shared state store. Callers
// that only hold a policy name (the reward worker, the selection path) get
// an instance on demand instead of wiring each policy everywhere.
type Registry struct {
	store *StateStore

	mu       sync.Mutex
	epsilon  float64
	minPulls int
	rng      *rand.Rand
}

// NewRegistry creates a registry with default policy parameters
// (ε = 0.1, min_pulls = 1).
func NewRegistry(store *StateStore) *Registry {
	return &Registry{
		store:    store,
		epsilon:  0.1,
		minPulls: 1,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetEpsilon adjusts the ε-greedy exploration rate for policies created
// after the call.
func (r *Registry) SetEpsilon(epsilon float64) error {
	if epsilon < 0 || epsilon > 1 {
		return fmt.Errorf("%w: epsilon %f outside [0, 1]", domain.ErrInvalidArgument, epsilon)
	}
	r.mu.Lock()
	r.epsilon = epsilon
	r.mu.Unlock()
	return nil
}

// SetMinPulls adjusts the UCB1 cold-start threshold.
func (r *Registry) SetMinPulls(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: min_pulls %d < 1", domain.ErrInvalidArgument, n)
	}
	r.mu.Lock()
	r.minPulls = n
	r.mu.Unlock()
	return nil
}

// New returns a policy instance by name.
func (r *Registry) New(name string) (Policy, error) {
	r.mu.Lock()
	epsilon, minPulls := r.epsilon, r.minPulls
	seed := r.rng.Int63()
	r.mu.Unlock()

	rng := rand.New(rand.NewSource(seed))
	switch name {
	case NameThompson:
		return NewThompson(r.store, rng), nil
	case NameEGreedy:
		return NewEpsilonGreedy(r.store, epsilon, rng), nil
	case NameUCB:
		return NewUCB1(r.store, minPulls, rng), nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownPolicy, name)
	}
}

// Known reports whether name resolves to a bandit policy or the control
// label.
func (r *Registry) Known(name string) bool {
	switch name {
	case NameThompson, NameEGreedy, NameUCB, NameControl:
		return true
	}
	return false
}

// BanditNames lists the learnable policies.
func BanditNames() []string {
	return []string{NameThompson, NameEGreedy, NameUCB}
}

// ─── Shared Helpers ─────────────────────────────────────────────────────────

func validateSelect(arms []string) error {
	if len(arms) == 0 {
		return domain.ErrNoArms
	}
	return nil
}

func validateReward(reward float64) error {
	if reward < 0 || reward > 1 {
		return fmt.Errorf("%w: reward %f outside [0, 1]", domain.ErrInvalidArgument, reward)
	}
	return nil
}

// pickTied breaks ties uniformly at random among the indexes whose score
// equals best.
func pickTied(rng *rand.Rand, scores []float64, best float64) int {
	var tied []int
	for i, s := range scores {
		if s == best {
			tied = append(tied, i)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return tied[rng.Intn(len(tied))]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
