package policy

import (
	"context"
	"math/rand"

	"github.com/recolab/banditd/internal/domain"
)

// EpsilonGreedy explores uniformly with probability ε and otherwise
// exploits the arm with the highest mean reward, ties broken uniformly.
type EpsilonGreedy struct {
	store   *StateStore
	epsilon float64
	rng     *rand.Rand
}

// NewEpsilonGreedy creates an ε-greedy policy.
func NewEpsilonGreedy(store *StateStore, epsilon float64, rng *rand.Rand) *EpsilonGreedy {
	return &EpsilonGreedy{store: store, epsilon: epsilon, rng: rng}
}

// Name implements Policy.
func (e *EpsilonGreedy) Name() string { return NameEGreedy }

// Select implements Policy.
//
// Propensity accounts for ties: with k arms sharing the best mean, each
// tied arm receives ((1−ε) + ε·k/n)/k — the exploitation mass split evenly
// plus its exploration share. Non-best arms receive ε/n.
func (e *EpsilonGreedy) Select(ctx context.Context, sel domain.SelectionContext, arms []string) (Result, error) {
	if err := validateSelect(arms); err != nil {
		return Result{}, err
	}
	contextKey := sel.Key()

	states, err := e.store.GetAll(ctx, NameEGreedy, arms, contextKey)
	if err != nil {
		return Result{}, err
	}

	means := make([]float64, len(arms))
	bestMean := -1.0
	for i, st := range states {
		means[i] = st.MeanReward()
		if means[i] > bestMean {
			bestMean = means[i]
		}
	}
	tied := 0
	for _, m := range means {
		if m == bestMean {
			tied++
		}
	}
	n := float64(len(arms))

	var (
		idx        int
		action     string
		confidence float64
	)
	if e.rng.Float64() < e.epsilon {
		idx = e.rng.Intn(len(arms))
		action = "explore"
		confidence = 0.5
	} else {
		idx = pickTied(e.rng, means, bestMean)
		action = "exploit"
		confidence = bestMean
	}

	// Propensity depends on whether the chosen arm is among the best, not
	// on which branch the coin landed in.
	var p float64
	if means[idx] == bestMean {
		p = ((1-e.epsilon) + e.epsilon*float64(tied)/n) / float64(tied)
	} else {
		p = e.epsilon / n
	}

	return Result{
		ArmID:      arms[idx],
		PScore:     &p,
		Confidence: confidence,
		Metadata: map[string]any{
			"action":        action,
			"epsilon":       e.epsilon,
			"arm_count":     len(arms),
			"selected_mean": means[idx],
		},
	}, nil
}

// Update implements Policy. ε-greedy only tracks counts and reward sums;
// the Beta parameters stay at their priors.
func (e *EpsilonGreedy) Update(ctx context.Context, armID string, reward float64, sel domain.SelectionContext) error {
	if err := validateReward(reward); err != nil {
		return err
	}
	return e.store.Update(ctx, NameEGreedy, armID, sel.Key(), domain.StateDelta{
		Count:     1,
		SumReward: reward,
	})
}

// Epsilon returns the exploration rate.
func (e *EpsilonGreedy) Epsilon() float64 { return e.epsilon }
