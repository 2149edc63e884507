package search

import (
	"math"
	"time"
)

// DecayParameters tune the temporal boost applied to recency-sensitive
// results.
type DecayParameters struct {
	DecayDays  float64
	MinBoost   float64
	MaxAgeDays float64
}

// DefaultDecayParameters are the platform defaults: one-year half-scale,
// floor at 0.1, hard clamp at five years.
var DefaultDecayParameters = DecayParameters{
	DecayDays:  365,
	MinBoost:   0.1,
	MaxAgeDays: 1825,
}

// DecayBoost computes the multiplicative recency boost for a result with
// timestamp ts at the given now:
//
//	boost = max(minBoost, exp(-ageDays/decayDays))
//
// clamped to minBoost once ageDays >= maxAgeDays. Zero timestamps leave
// the score unchanged (boost 1).
func DecayBoost(ts time.Time, now time.Time, p DecayParameters) float64 {
	if ts.IsZero() {
		return 1.0
	}
	ageDays := now.Sub(ts).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	if ageDays >= p.MaxAgeDays {
		return p.MinBoost
	}
	boost := math.Exp(-ageDays / p.DecayDays)
	if boost < p.MinBoost {
		return p.MinBoost
	}
	return boost
}

// ApplyDecay rescales scored items by their recency boost. It runs after
// score normalization and before the final sort; items without a
// timestamp keep their score.
func ApplyDecay(items []Item, now time.Time, p DecayParameters) {
	for i := range items {
		items[i].Score *= DecayBoost(items[i].Timestamp, now, p)
	}
}
