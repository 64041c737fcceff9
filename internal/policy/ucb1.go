package policy

import (
	"context"
	"math"
	"math/rand"

	"github.com/recolab/banditd/internal/domain"
)

// UCB1 selects the arm with the highest upper confidence bound:
//
//	UCB(arm) = mean(arm) + sqrt(2 · ln(max(N, 1)) / n(arm))
//
// Arms with fewer than minPulls observations get an infinite bound so
// every arm is tried before the formula applies. UCB1 is deterministic
// given state, so it has no analytic propensity: PScore is nil and must
// not be fabricated.
type UCB1 struct {
	store    *StateStore
	minPulls int
	rng      *rand.Rand
}

// NewUCB1 creates a UCB1 policy.
func NewUCB1(store *StateStore, minPulls int, rng *rand.Rand) *UCB1 {
	if minPulls < 1 {
		minPulls = 1
	}
	return &UCB1{store: store, minPulls: minPulls, rng: rng}
}

// Name implements Policy.
func (u *UCB1) Name() string { return NameUCB }

// Select implements Policy.
func (u *UCB1) Select(ctx context.Context, sel domain.SelectionContext, arms []string) (Result, error) {
	if err := validateSelect(arms); err != nil {
		return Result{}, err
	}
	contextKey := sel.Key()

	states, err := u.store.GetAll(ctx, NameUCB, arms, contextKey)
	if err != nil {
		return Result{}, err
	}

	var totalPulls int64
	for _, st := range states {
		totalPulls += st.Count
	}

	bounds := make([]float64, len(arms))
	best := math.Inf(-1)
	for i, st := range states {
		bounds[i] = ucbValue(st.MeanReward(), st.Count, totalPulls, u.minPulls)
		if bounds[i] > best {
			best = bounds[i]
		}
	}
	idx := pickTied(u.rng, bounds, best)
	chosen := states[idx]

	confidence := bounds[idx]
	coldStart := chosen.Count < int64(u.minPulls)
	if coldStart {
		confidence = 0
	}

	return Result{
		ArmID:      arms[idx],
		PScore:     nil,
		Confidence: confidence,
		Metadata: map[string]any{
			"ucb_value":   confidence,
			"mean_reward": chosen.MeanReward(),
			"arm_count":   chosen.Count,
			"total_pulls": totalPulls,
			"cold_start":  coldStart,
		},
	}, nil
}

// Update implements Policy.
func (u *UCB1) Update(ctx context.Context, armID string, reward float64, sel domain.SelectionContext) error {
	if err := validateReward(reward); err != nil {
		return err
	}
	return u.store.Update(ctx, NameUCB, armID, sel.Key(), domain.StateDelta{
		Count:     1,
		SumReward: reward,
	})
}

// MinPulls returns the cold-start threshold.
func (u *UCB1) MinPulls() int { return u.minPulls }

func ucbValue(mean float64, pulls, totalPulls int64, minPulls int) float64 {
	if pulls < int64(minPulls) {
		return math.Inf(1)
	}
	n := totalPulls
	if n < 1 {
		n = 1
	}
	return mean + math.Sqrt(2*math.Log(float64(n))/float64(pulls))
}
