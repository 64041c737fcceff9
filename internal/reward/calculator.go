// Package reward maps user interactions onto scalar rewards in [0, 1] and
// drives the delayed attribution pipeline that feeds policy learning.
package reward

import (
	"time"

	"github.com/recolab/banditd/internal/domain"
)

// Mode selects the reward definition.
type Mode string

const (
	// ModeBinary collapses the response to {0, 1} with 0.7 for
	// watchlist-only engagement.
	ModeBinary Mode = "binary"
	// ModeScaled sums signed signal weights and clamps to [0, 1].
	ModeScaled Mode = "scaled"
)

// Calculator computes rewards from an event plus the user's interactions
// with the same item inside the attribution window. Compute is a pure
// function of its inputs: recomputation with unchanged inputs always
// yields the same value.
type Calculator struct {
	Mode            Mode
	Window          time.Duration
	RatingPositive  float64 // rating at or above ⇒ strong positive
	RatingNegative  float64 // rating at or below ⇒ strong negative
	WatchThreshold  float64 // watched fraction at or above ⇒ strong positive
}

// NewCalculator returns a calculator in the given mode with production
// defaults: 24-hour window, positive rating ≥ 4.0, negative ≤ 2.0, watch ≥ 0.5.
func NewCalculator(mode Mode) *Calculator {
	return &Calculator{
		Mode:           mode,
		Window:         24 * time.Hour,
		RatingPositive: 4.0,
		RatingNegative: 2.0,
		WatchThreshold: 0.5,
	}
}

// Compute returns the reward for an event given the user's interactions
// with the same item. Interactions outside [served_at, served_at + window]
// are ignored.
func (c *Calculator) Compute(e *domain.Event, interactions []domain.Interaction) float64 {
	if e.Reward != nil {
		return *e.Reward
	}
	windowed := c.inWindow(e, interactions)
	if c.Mode == ModeScaled {
		return c.scaled(e, windowed)
	}
	return c.binary(e, windowed)
}

func (c *Calculator) inWindow(e *domain.Event, interactions []domain.Interaction) []domain.Interaction {
	start := e.ServedAt
	end := start.Add(c.Window)
	out := interactions[:0:0]
	for _, in := range interactions {
		if in.At.Before(start) || in.At.After(end) {
			continue
		}
		out = append(out, in)
	}
	return out
}

// binary: the event's own flags are checked first (strong positives, then
// strong negatives); windowed interactions follow in time order and the
// first strong signal decides. Watchlist engagement without any strong
// signal gives 0.7; otherwise no interaction means 0.
func (c *Calculator) binary(e *domain.Event, interactions []domain.Interaction) float64 {
	if e.Clicked || e.ThumbsUp || e.AddedToFavorites {
		return 1.0
	}
	if e.ThumbsDown {
		return 0.0
	}
	if e.Rated && e.RatingValue != nil {
		if *e.RatingValue >= c.RatingPositive {
			return 1.0
		}
		if *e.RatingValue <= c.RatingNegative {
			return 0.0
		}
		// Mid-range ratings contribute nothing either way.
	}
	watchlistOnly := e.AddedToWatchlist
	for _, in := range interactions {
		switch in.Kind {
		case domain.InteractionRating:
			if in.Value >= c.RatingPositive {
				return 1.0
			}
			if in.Value <= c.RatingNegative {
				return 0.0
			}
		case domain.InteractionWatch:
			if in.WatchRatio >= c.WatchThreshold {
				return 1.0
			}
		case domain.InteractionClick, domain.InteractionThumbsUp, domain.InteractionFavorite:
			return 1.0
		case domain.InteractionThumbsDown:
			return 0.0
		case domain.InteractionWatchlist:
			watchlistOnly = true
		}
	}
	if watchlistOnly {
		return 0.7
	}
	return 0.0
}

// Signal weights for scaled mode.
const (
	weightClick      = 0.3
	weightThumbsUp   = 0.4
	weightThumbsDown = -0.3
	weightFavorite   = 0.5
	weightWatchlist  = 0.2
	weightRating     = 0.6 // in-event rating
	weightLateRating = 0.4
	weightLateWatch  = 0.3
	weightLateFav    = 0.3
	weightLateList   = 0.1
)

func (c *Calculator) scaled(e *domain.Event, interactions []domain.Interaction) float64 {
	var total float64
	if e.Clicked {
		total += weightClick
	}
	if e.ThumbsUp {
		total += weightThumbsUp
	}
	if e.ThumbsDown {
		total += weightThumbsDown
	}
	if e.AddedToFavorites {
		total += weightFavorite
	}
	if e.AddedToWatchlist {
		total += weightWatchlist
	}
	if e.Rated && e.RatingValue != nil {
		total += (*e.RatingValue - 1.0) / 4.0 * weightRating
	}

	for _, in := range interactions {
		switch in.Kind {
		case domain.InteractionRating:
			total += (in.Value - 1.0) / 4.0 * weightLateRating
		case domain.InteractionWatch:
			total += in.WatchRatio * weightLateWatch
		case domain.InteractionFavorite:
			total += weightLateFav
		case domain.InteractionWatchlist:
			total += weightLateList
		}
	}

	if total < 0 {
		return 0
	}
	if total > 1 {
		return 1
	}
	return total
}
