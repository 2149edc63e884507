package search

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecayBoost(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := DefaultDecayParameters

	t.Run("ZeroTimestampUntouched", func(t *testing.T) {
		assert.Equal(t, 1.0, DecayBoost(time.Time{}, now, p))
	})

	t.Run("FreshResultFullBoost", func(t *testing.T) {
		assert.InDelta(t, 1.0, DecayBoost(now, now, p), 1e-9)
	})

	t.Run("FutureTimestampClampsToNow", func(t *testing.T) {
		assert.Equal(t, 1.0, DecayBoost(now.Add(48*time.Hour), now, p))
	})

	t.Run("OneDecayPeriodIsEInverse", func(t *testing.T) {
		ts := now.Add(-time.Duration(p.DecayDays*24) * time.Hour)
		assert.InDelta(t, math.Exp(-1), DecayBoost(ts, now, p), 1e-9)
	})

	t.Run("FloorsAtMinBoost", func(t *testing.T) {
		// exp(-1200/365) ~ 0.037, below the 0.1 floor.
		ts := now.Add(-1200 * 24 * time.Hour)
		assert.Equal(t, p.MinBoost, DecayBoost(ts, now, p))
	})

	t.Run("MaxAgeClampsToMinBoost", func(t *testing.T) {
		ts := now.Add(-time.Duration(p.MaxAgeDays*24) * time.Hour)
		assert.Equal(t, p.MinBoost, DecayBoost(ts, now, p))
	})

	t.Run("MonotonicallyDecreasing", func(t *testing.T) {
		young := DecayBoost(now.Add(-30*24*time.Hour), now, p)
		old := DecayBoost(now.Add(-300*24*time.Hour), now, p)
		assert.Greater(t, young, old)
		assert.Less(t, young, 1.0)
	})
}

func TestApplyDecay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	items := []Item{
		{ID: "fresh", Score: 1.0, Timestamp: now},
		{ID: "aged", Score: 1.0, Timestamp: now.Add(-365 * 24 * time.Hour)},
		{ID: "untimed", Score: 1.0},
	}

	ApplyDecay(items, now, DefaultDecayParameters)

	assert.InDelta(t, 1.0, items[0].Score, 1e-9)
	assert.InDelta(t, math.Exp(-1), items[1].Score, 1e-9)
	assert.Equal(t, 1.0, items[2].Score, "missing timestamp keeps the raw score")
}
