// Package strategy defines the strategy record, its typed parameters and
// the per-type entry/exit predicates evaluated by the backtest engine and
// the live activation loop.
package strategy

import (
	"time"

	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/regime"
	"crypto-trading-core/internal/sentiment"
)

// Type names the strategy family
type Type string

const (
	Momentum       Type = "momentum"
	MeanReversion  Type = "mean_reversion"
	Breakout       Type = "breakout"
	TrendFollowing Type = "trend_following"
	Scalping       Type = "scalping"
	Swing          Type = "swing"
	Arbitrage      Type = "arbitrage"
	Hybrid         Type = "hybrid"
)

// Types lists every strategy family
var Types = []Type{Momentum, MeanReversion, Breakout, TrendFollowing, Scalping, Swing, Arbitrage, Hybrid}

// Status tracks where a strategy sits in its lifecycle
type Status string

const (
	StatusCandidate Status = "candidate"
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusRetired   Status = "retired"
)

// Params is the numeric genome shared by all strategy families. Each
// family reads the genes it cares about; the learning layer crosses and
// mutates them uniformly.
type Params struct {
	RSIOversold       float64 `json:"rsi_oversold"`
	RSIOverbought     float64 `json:"rsi_overbought"`
	MomentumThreshold float64 `json:"momentum_threshold"` // fractional close-over-SMA distance
	BreakoutLookback  int     `json:"breakout_lookback"`
	BandTolerance     float64 `json:"band_tolerance"` // fraction of band width for reversion entries
	DeviationPct      float64 `json:"deviation_pct"`  // arbitrage-style deviation from fair value
}

// DefaultParams are sane starting genes for a fresh strategy
func DefaultParams() Params {
	return Params{
		RSIOversold:       30,
		RSIOverbought:     70,
		MomentumThreshold: 0.005,
		BreakoutLookback:  20,
		BandTolerance:     0.0,
		DeviationPct:      0.01,
	}
}

// RiskParams bound every position the strategy opens
type RiskParams struct {
	PositionSizePct float64 `json:"position_size_pct"` // fraction of capital per position
	StopLossPct     float64 `json:"stop_loss_pct"`
	TakeProfitPct   float64 `json:"take_profit_pct"`
	MaxPositions    int     `json:"max_positions"`
	MaxHoldingBars  int     `json:"max_holding_bars"`
}

// Record is a complete strategy specification
type Record struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Type              Type              `json:"type"`
	Timeframe         string            `json:"timeframe"`
	Symbols           []string          `json:"symbols"`
	Parameters        Params            `json:"parameters"`
	Risk              RiskParams        `json:"risk"`
	Sentiment         sentiment.Profile `json:"sentiment"`
	RegimePreferences []regime.Regime   `json:"regime_preferences"`
	Status            Status            `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	Generation        int               `json:"generation"` // 0 for hand-written, >0 for GA offspring
}

// Validate rejects malformed records at load time; there is no silent
// defaulting of unknown types or out-of-range genes.
func (r *Record) Validate() error {
	const op = "strategy.Record.Validate"
	if r.ID == "" {
		return errs.Config(op, "strategy id is required")
	}
	if !validType(r.Type) {
		return errs.Config(op, "unknown strategy type "+string(r.Type))
	}
	if r.Timeframe == "" {
		return errs.Config(op, "timeframe is required")
	}
	if len(r.Symbols) == 0 {
		return errs.Config(op, "at least one symbol is required")
	}
	p := r.Parameters
	if p.RSIOversold < 0 || p.RSIOverbought > 100 || p.RSIOversold >= p.RSIOverbought {
		return errs.Config(op, "RSI thresholds must satisfy 0 <= oversold < overbought <= 100")
	}
	if p.BreakoutLookback <= 0 {
		return errs.Config(op, "breakout lookback must be positive")
	}
	if r.Risk.PositionSizePct <= 0 || r.Risk.PositionSizePct > 1 {
		return errs.Config(op, "position size pct must be in (0, 1]")
	}
	if r.Risk.MaxPositions <= 0 {
		return errs.Config(op, "max positions must be positive")
	}
	if err := r.Sentiment.Validate(); err != nil {
		return err
	}
	for _, rg := range r.RegimePreferences {
		if !rg.Valid() {
			return errs.Config(op, "unknown regime preference "+string(rg))
		}
	}
	return nil
}

func validType(t Type) bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// PrefersRegime reports whether rg is among the strategy's preferred regimes
func (r *Record) PrefersRegime(rg regime.Regime) bool {
	for _, pref := range r.RegimePreferences {
		if pref == rg {
			return true
		}
	}
	return false
}
