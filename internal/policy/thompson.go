package policy

import (
	"context"
	"math/rand"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/recolab/banditd/internal/domain"
)

// Thompson implements Thompson Sampling with Beta posteriors.
//
// Each arm's reward probability carries a Beta(α, β) posterior; selection
// draws one sample per arm and picks the argmax. Rewards update the
// posterior additively: α += reward, β += (1 − reward). Continuous rewards
// in (0, 1) use the same rule; this is an approximation, not exact Beta
// moment matching.
type Thompson struct {
	store *StateStore
	rng   *rand.Rand
	src   xrand.Source
}

// NewThompson creates a Thompson Sampling policy.
func NewThompson(store *StateStore, rng *rand.Rand) *Thompson {
	return &Thompson{
		store: store,
		rng:   rng,
		src:   xrand.NewSource(uint64(rng.Int63())),
	}
}

// Name implements Policy.
func (t *Thompson) Name() string { return NameThompson }

// Select draws s_a ~ Beta(α_a, β_a) per arm and chooses the argmax, ties
// broken uniformly.
func (t *Thompson) Select(ctx context.Context, sel domain.SelectionContext, arms []string) (Result, error) {
	if err := validateSelect(arms); err != nil {
		return Result{}, err
	}
	contextKey := sel.Key()

	states, err := t.store.GetAll(ctx, NameThompson, arms, contextKey)
	if err != nil {
		return Result{}, err
	}

	samples := make([]float64, len(arms))
	best := -1.0
	for i, st := range states {
		dist := distuv.Beta{Alpha: st.Alpha, Beta: st.Beta, Src: t.src}
		samples[i] = dist.Rand()
		if samples[i] > best {
			best = samples[i]
		}
	}
	idx := pickTied(t.rng, samples, best)
	chosen := states[idx]

	p := thompsonPropensity(states, idx)
	return Result{
		ArmID:      arms[idx],
		PScore:     &p,
		Confidence: samples[idx],
		Metadata: map[string]any{
			"sample_value": samples[idx],
			"alpha":        chosen.Alpha,
			"beta":         chosen.Beta,
			"mean_reward":  chosen.MeanReward(),
			"arm_count":    chosen.Count,
		},
	}, nil
}

// Update applies the Beta posterior update atomically.
func (t *Thompson) Update(ctx context.Context, armID string, reward float64, sel domain.SelectionContext) error {
	if err := validateReward(reward); err != nil {
		return err
	}
	return t.store.Update(ctx, NameThompson, armID, sel.Key(), domain.StateDelta{
		Count:     1,
		SumReward: reward,
		Alpha:     reward,
		Beta:      1 - reward,
	})
}

// thompsonPropensity approximates P(arm is argmax) by normalizing the
// posterior means, clamped to [0.01, 0.99]. A Monte-Carlo estimator over
// Beta draws would be higher fidelity; the output contract is only that
// the score stays inside the clamp range.
func thompsonPropensity(states []domain.PolicyState, idx int) float64 {
	var total float64
	for _, st := range states {
		total += st.Alpha / (st.Alpha + st.Beta)
	}
	if total <= 0 {
		return clamp(1.0/float64(len(states)), 0.01, 0.99)
	}
	mean := states[idx].Alpha / (states[idx].Alpha + states[idx].Beta)
	return clamp(mean/total, 0.01, 0.99)
}
