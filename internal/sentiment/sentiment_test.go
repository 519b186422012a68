package sentiment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func TestTimelineCarryForwardAndRenormalization(t *testing.T) {
	tl := NewTimeline(
		[]Entry{{Timestamp: t0, Score: 0.8}, {Timestamp: t0.Add(4 * time.Hour), Score: 0.2}},
		[]Entry{{Timestamp: t0, Score: -0.4}},
		0, 0,
	)

	snap := tl.At(t0.Add(time.Hour))
	assert.True(t, snap.SymbolPresent)
	assert.True(t, snap.GlobalPresent)
	// 0.6*0.8 + 0.4*(-0.4)
	assert.InDelta(t, 0.32, snap.Combined, 1e-9)

	// Later symbol entry carries forward
	snap = tl.At(t0.Add(5 * time.Hour))
	assert.InDelta(t, 0.6*0.2+0.4*(-0.4), snap.Combined, 1e-9)
	// Age follows the stalest contributor (global at t0)
	assert.InDelta(t, 5.0, snap.AgeHours, 1e-9)
}

func TestTimelineMissingScopeRenormalizes(t *testing.T) {
	tl := NewTimeline(nil, []Entry{{Timestamp: t0, Score: -0.5}}, 0, 0)

	snap := tl.At(t0.Add(time.Hour))
	assert.False(t, snap.SymbolPresent)
	// Global-only: weight renormalizes so combined equals the raw score
	assert.InDelta(t, -0.5, snap.Combined, 1e-9)

	// Before any entry: missing entirely
	snap = tl.At(t0.Add(-time.Hour))
	assert.True(t, snap.Missing())
}

func TestAlignmentRescaling(t *testing.T) {
	assert.InDelta(t, 0.15, Snapshot{Combined: -0.7, SymbolPresent: true}.Alignment(), 1e-9)
	assert.InDelta(t, 0.5, Snapshot{Combined: 0}.Alignment(), 1e-9)
	assert.InDelta(t, 1.0, Snapshot{Combined: 1}.Alignment(), 1e-9)
}

func TestFearBuyDeepNegative(t *testing.T) {
	profile := Profile{Bias: BiasFearBuy, NegativeBuyThreshold: 0.6}

	// combined -0.7 fresh: allowed, modest size-up
	d := Gate(profile, Snapshot{Combined: -0.7, SymbolPresent: true, AgeHours: 2})
	assert.True(t, d.Allowed)
	assert.GreaterOrEqual(t, d.SizeMultiplier, 1.0)
	assert.LessOrEqual(t, d.SizeMultiplier, 1.15)

	// Same score two days stale: decay lands the multiplier well below 1
	d = Gate(profile, Snapshot{Combined: -0.7, SymbolPresent: true, AgeHours: 48})
	assert.True(t, d.Allowed)
	assert.GreaterOrEqual(t, d.SizeMultiplier, 0.5)
	assert.LessOrEqual(t, d.SizeMultiplier, 0.9)
}

func TestFearBuyStrongPositiveScalesDown(t *testing.T) {
	profile := Profile{Bias: BiasFearBuy, NegativeBuyThreshold: 0.6}

	d := Gate(profile, Snapshot{Combined: 0.8, SymbolPresent: true})
	assert.True(t, d.Allowed)
	assert.Equal(t, "fear_buy_strong_positive", d.Reason)
	assert.InDelta(t, (0.8+0.6*0.9)*0.85, d.SizeMultiplier, 1e-9)

	// Mild positive is neither fear nor conviction
	d = Gate(profile, Snapshot{Combined: 0.2, SymbolPresent: true})
	assert.False(t, d.Allowed)
}

func TestRiskOnThreshold(t *testing.T) {
	profile := Profile{Bias: BiasRiskOn, MinAlignment: 0.6}

	d := Gate(profile, Snapshot{Combined: 0.4, SymbolPresent: true}) // alignment 0.7
	assert.True(t, d.Allowed)

	d = Gate(profile, Snapshot{Combined: 0.1, SymbolPresent: true}) // alignment 0.55
	assert.False(t, d.Allowed)
}

func TestContrarianNeedsExtremes(t *testing.T) {
	profile := Profile{Bias: BiasContrarian, ExtremeThreshold: 0.6}

	assert.True(t, Gate(profile, Snapshot{Combined: -0.8, SymbolPresent: true}).Allowed)
	assert.True(t, Gate(profile, Snapshot{Combined: 0.7, SymbolPresent: true}).Allowed)
	assert.False(t, Gate(profile, Snapshot{Combined: 0.3, SymbolPresent: true}).Allowed)
}

func TestBalancedAllowsEitherSide(t *testing.T) {
	profile := Profile{Bias: BiasBalanced}

	for _, combined := range []float64{-0.9, -0.2, 0, 0.4, 0.9} {
		d := Gate(profile, Snapshot{Combined: combined, SymbolPresent: true})
		assert.True(t, d.Allowed, "combined=%v", combined)
		assert.GreaterOrEqual(t, d.SizeMultiplier, MinMultiplier)
		assert.LessOrEqual(t, d.SizeMultiplier, MaxMultiplier)
	}
}

func TestMissingScoreFollowsProfile(t *testing.T) {
	missing := Snapshot{}

	d := Gate(Profile{Bias: BiasRiskOn, AllowMissing: true}, missing)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1.0, d.SizeMultiplier)

	d = Gate(Profile{Bias: BiasRiskOn}, missing)
	assert.False(t, d.Allowed)
}

func TestMultiplierAlwaysBounded(t *testing.T) {
	// Very stale extreme score must still respect the floor
	d := Gate(Profile{Bias: BiasContrarian, ExtremeThreshold: 0.5},
		Snapshot{Combined: -1, SymbolPresent: true, AgeHours: 500})
	assert.True(t, d.Allowed)
	assert.GreaterOrEqual(t, d.SizeMultiplier, MinMultiplier)
	assert.LessOrEqual(t, d.SizeMultiplier, MaxMultiplier)
}

func TestProfileValidation(t *testing.T) {
	require.NoError(t, Profile{Bias: BiasBalanced}.Validate())
	assert.Error(t, Profile{Bias: "vibes"}.Validate())
	assert.Error(t, Profile{Bias: BiasRiskOn, MinAlignment: 1.5}.Validate())
	assert.Error(t, Profile{Bias: BiasFearBuy, NegativeBuyThreshold: -0.1}.Validate())
}
