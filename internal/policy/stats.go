package policy

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/recolab/banditd/internal/domain"
)

// ArmStats is the diagnostic view of one arm's learned state, shaped per
// policy: Thompson exposes the Beta posterior, UCB1 its bound, ε-greedy the
// selection probability.
type ArmStats struct {
	ArmID      string  `json:"arm_id"`
	Count      int64   `json:"count"`
	MeanReward float64 `json:"mean_reward"`
	SumReward  float64 `json:"sum_reward"`

	// Thompson Sampling
	Alpha         *float64   `json:"alpha,omitempty"`
	Beta          *float64   `json:"beta,omitempty"`
	ExpectedValue *float64   `json:"expected_value,omitempty"`
	StdDev        *float64   `json:"std_dev,omitempty"`
	Interval      []float64  `json:"confidence_interval,omitempty"`

	// UCB1
	UCBValue  *float64 `json:"ucb_value,omitempty"`
	ColdStart *bool    `json:"is_cold_start,omitempty"`

	// ε-greedy
	SelectionProbability *float64 `json:"selection_probability,omitempty"`
}

// ArmStatistics returns per-arm diagnostics for a policy in one context.
func (r *Registry) ArmStatistics(ctx context.Context, name string, sel domain.SelectionContext, arms []string) ([]ArmStats, error) {
	if err := validateSelect(arms); err != nil {
		return nil, err
	}
	r.mu.Lock()
	epsilon, minPulls := r.epsilon, r.minPulls
	r.mu.Unlock()

	states, err := r.store.GetAll(ctx, name, arms, sel.Key())
	if err != nil {
		return nil, err
	}

	out := make([]ArmStats, len(arms))
	for i, st := range states {
		out[i] = ArmStats{
			ArmID:      arms[i],
			Count:      st.Count,
			MeanReward: st.MeanReward(),
			SumReward:  st.SumReward,
		}
	}

	switch name {
	case NameThompson:
		for i, st := range states {
			a, b := st.Alpha, st.Beta
			expected := a / (a + b)
			variance := (a * b) / ((a + b) * (a + b) * (a + b + 1))
			std := math.Sqrt(variance)
			lo, hi := betaInterval(a, b, 0.95)
			out[i].Alpha = &a
			out[i].Beta = &b
			out[i].ExpectedValue = &expected
			out[i].StdDev = &std
			out[i].Interval = []float64{lo, hi}
		}
	case NameUCB:
		var total int64
		for _, st := range states {
			total += st.Count
		}
		for i, st := range states {
			cold := st.Count < int64(minPulls)
			var v float64
			if !cold {
				v = ucbValue(st.MeanReward(), st.Count, total, minPulls)
			}
			out[i].UCBValue = &v
			out[i].ColdStart = &cold
		}
	case NameEGreedy:
		best := -1.0
		for _, st := range states {
			if m := st.MeanReward(); m > best {
				best = m
			}
		}
		tied := 0
		for _, st := range states {
			if st.MeanReward() == best {
				tied++
			}
		}
		n := float64(len(arms))
		for i, st := range states {
			var p float64
			if st.MeanReward() == best {
				p = ((1-epsilon) + epsilon*float64(tied)/n) / float64(tied)
			} else {
				p = epsilon / n
			}
			out[i].SelectionProbability = &p
		}
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownPolicy, name)
	}
	return out, nil
}

// betaInterval returns the central credible interval of Beta(a, b).
func betaInterval(a, b, confidence float64) (float64, float64) {
	dist := distuv.Beta{Alpha: a, Beta: b}
	tail := (1 - confidence) / 2
	return dist.Quantile(tail), dist.Quantile(1 - tail)
}
