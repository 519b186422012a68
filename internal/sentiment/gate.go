package sentiment

import (
	"crypto-trading-core/internal/errs"
)

// Bias selects how a strategy wants sentiment to gate its entries
type Bias string

const (
	BiasRiskOn     Bias = "risk_on"
	BiasFearBuy    Bias = "fear_buy"
	BiasContrarian Bias = "contrarian"
	BiasBalanced   Bias = "balanced"
)

// Size multiplier bounds and staleness schedule
const (
	MinMultiplier = 0.2
	MaxMultiplier = 1.8

	// Scores older than this decay the size multiplier
	StaleAfterHours = 24.0
	// Decay reaches its floor this many hours past the staleness line
	decayRampHours = 72.0
	decayFloor     = 0.3
)

// Profile is a strategy's sentiment gating configuration
type Profile struct {
	Bias                 Bias    `json:"bias"`
	SymbolWeight         float64 `json:"symbol_weight"`
	GlobalWeight         float64 `json:"global_weight"`
	MinAlignment         float64 `json:"min_alignment"`
	NegativeBuyThreshold float64 `json:"negative_buy_threshold"`
	ExtremeThreshold     float64 `json:"extreme_threshold"`
	AllowMissing         bool    `json:"allow_missing"`
}

// Validate rejects malformed profiles at load time
func (p Profile) Validate() error {
	const op = "sentiment.Profile.Validate"
	switch p.Bias {
	case BiasRiskOn, BiasFearBuy, BiasContrarian, BiasBalanced:
	default:
		return errs.Config(op, "unknown sentiment bias "+string(p.Bias))
	}
	if p.MinAlignment < 0 || p.MinAlignment > 1 {
		return errs.Config(op, "min_alignment must be in [0, 1]")
	}
	if p.NegativeBuyThreshold < 0 || p.NegativeBuyThreshold > 1 {
		return errs.Config(op, "negative_buy_threshold must be in [0, 1]")
	}
	if p.ExtremeThreshold < 0 || p.ExtremeThreshold > 1 {
		return errs.Config(op, "extreme_threshold must be in [0, 1]")
	}
	return nil
}

// Decision is the gate's verdict for one entry attempt
type Decision struct {
	Allowed        bool    `json:"allowed"`
	SizeMultiplier float64 `json:"size_multiplier"`
	Reason         string  `json:"reason"`
}

// Gate applies the profile's bias to the snapshot. The returned size
// multiplier is always within [0.2, 1.8]; stale scores decay it.
func Gate(profile Profile, snap Snapshot) Decision {
	if snap.Missing() {
		if profile.AllowMissing {
			return Decision{Allowed: true, SizeMultiplier: 1.0, Reason: "missing_allowed"}
		}
		return Decision{Allowed: false, SizeMultiplier: 0, Reason: "missing_blocked"}
	}

	alignment := snap.Alignment()
	var d Decision

	switch profile.Bias {
	case BiasRiskOn:
		minAlign := profile.MinAlignment
		if minAlign <= 0 {
			minAlign = 0.5
		}
		if alignment >= minAlign {
			d = Decision{Allowed: true, SizeMultiplier: 0.8 + 0.6*alignment, Reason: "risk_on_aligned"}
		} else {
			d = Decision{Reason: "risk_on_below_min"}
		}

	case BiasFearBuy:
		switch {
		case alignment <= 1-profile.NegativeBuyThreshold:
			// Buying fear: deeper negatives size up slightly
			d = Decision{Allowed: true, SizeMultiplier: 1 + 0.2*abs(snap.Combined), Reason: "fear_buy_deep_negative"}
		case snap.Combined >= 0.5:
			d = Decision{Allowed: true, SizeMultiplier: (0.8 + 0.6*alignment) * 0.85, Reason: "fear_buy_strong_positive"}
		default:
			d = Decision{Reason: "fear_buy_neutral"}
		}

	case BiasContrarian:
		threshold := profile.ExtremeThreshold
		if threshold <= 0 {
			threshold = 0.5
		}
		if abs(snap.Combined) >= threshold {
			d = Decision{Allowed: true, SizeMultiplier: 1 + 0.2*abs(snap.Combined), Reason: "contrarian_extreme"}
		} else {
			d = Decision{Reason: "contrarian_not_extreme"}
		}

	case BiasBalanced:
		d = Decision{Allowed: true, SizeMultiplier: 0.8 + 0.6*alignment, Reason: "balanced"}

	default:
		d = Decision{Reason: "unknown_bias"}
	}

	if !d.Allowed {
		return d
	}

	d.SizeMultiplier *= staleDecay(snap.AgeHours)
	if d.SizeMultiplier < MinMultiplier {
		d.SizeMultiplier = MinMultiplier
	}
	if d.SizeMultiplier > MaxMultiplier {
		d.SizeMultiplier = MaxMultiplier
	}
	return d
}

// AlignmentScore is the stale-decayed alignment used by the activation
// scorer. Missing sentiment scores neutral.
func AlignmentScore(snap Snapshot) float64 {
	if snap.Missing() {
		return 0.5
	}
	return snap.Alignment() * staleDecay(snap.AgeHours)
}

// staleDecay ramps linearly from 1.0 at the staleness line to the floor
func staleDecay(ageHours float64) float64 {
	if ageHours <= StaleAfterHours {
		return 1.0
	}
	decay := 1 - (ageHours-StaleAfterHours)/decayRampHours
	if decay < decayFloor {
		return decayFloor
	}
	return decay
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
