package strategy

import (
	"math"

	"crypto-trading-core/internal/market"
)

// EntrySignal is the outcome of evaluating an entry predicate at a candle
type EntrySignal struct {
	Enter  bool
	Side   market.Side
	Reason string
}

// ExitSignal is the outcome of evaluating an exit predicate
type ExitSignal struct {
	Exit   bool
	Reason string
}

// EvaluateEntry runs the family-specific entry predicate at candle index i.
// candles and indicators are aligned; callers guarantee i is past the
// indicator warm-up.
func EvaluateEntry(r *Record, candles []market.Candle, ind []market.IndicatorSnapshot, i int) EntrySignal {
	if i <= 0 || i >= len(candles) || i >= len(ind) {
		return EntrySignal{}
	}
	close := candles[i].Close
	s := ind[i]
	p := r.Parameters

	switch r.Type {
	case Momentum:
		if s.SMA20 > 0 && close > s.SMA20*(1+p.MomentumThreshold) &&
			s.RSI > 55 && s.EMA12 > s.EMA26 {
			return EntrySignal{Enter: true, Side: market.SideLong, Reason: "momentum_confirmed"}
		}
		if s.SMA20 > 0 && close < s.SMA20*(1-p.MomentumThreshold) &&
			s.RSI < 45 && s.EMA12 < s.EMA26 {
			return EntrySignal{Enter: true, Side: market.SideShort, Reason: "momentum_down_confirmed"}
		}

	case MeanReversion:
		if s.BBLower > 0 && close <= s.BBLower*(1+p.BandTolerance) && s.RSI < p.RSIOversold {
			return EntrySignal{Enter: true, Side: market.SideLong, Reason: "reversion_lower_band"}
		}
		if s.BBUpper > 0 && close >= s.BBUpper*(1-p.BandTolerance) && s.RSI > p.RSIOverbought {
			return EntrySignal{Enter: true, Side: market.SideShort, Reason: "reversion_upper_band"}
		}

	case Breakout:
		lookback := p.BreakoutLookback
		if i <= lookback {
			return EntrySignal{}
		}
		if close > market.HighestHigh(candles[:i], lookback) {
			return EntrySignal{Enter: true, Side: market.SideLong, Reason: "breakout_above_range"}
		}
		if close < market.LowestLow(candles[:i], lookback) {
			return EntrySignal{Enter: true, Side: market.SideShort, Reason: "breakout_below_range"}
		}

	case TrendFollowing:
		if s.EMA12 > s.EMA26 && s.SMA20 > 0 && close > s.SMA20 &&
			ind[i-1].EMA12 <= ind[i-1].EMA26 {
			return EntrySignal{Enter: true, Side: market.SideLong, Reason: "trend_ema_cross"}
		}
		if s.EMA12 < s.EMA26 && s.SMA20 > 0 && close < s.SMA20 &&
			ind[i-1].EMA12 >= ind[i-1].EMA26 {
			return EntrySignal{Enter: true, Side: market.SideShort, Reason: "trend_ema_cross_down"}
		}

	case Scalping:
		// Quick pullback in an up-drifting market
		if s.EMA12 > 0 && close < s.EMA12 && close > s.EMA26 && s.RSI < 45 {
			return EntrySignal{Enter: true, Side: market.SideLong, Reason: "scalp_pullback"}
		}

	case Swing:
		// RSI recovering out of oversold
		if ind[i-1].RSI > 0 && ind[i-1].RSI < p.RSIOversold && s.RSI >= p.RSIOversold {
			return EntrySignal{Enter: true, Side: market.SideLong, Reason: "swing_rsi_recovery"}
		}

	case Arbitrage:
		// Deviation from the moving-average fair value
		if s.SMA20 > 0 && (s.SMA20-close)/s.SMA20 >= p.DeviationPct {
			return EntrySignal{Enter: true, Side: market.SideLong, Reason: "deviation_below_fair"}
		}

	case Hybrid:
		if momentum := EvaluateEntry(&Record{Type: Momentum, Parameters: p}, candles, ind, i); momentum.Enter {
			return EntrySignal{Enter: true, Side: momentum.Side, Reason: "hybrid_" + momentum.Reason}
		}
		if reversion := EvaluateEntry(&Record{Type: MeanReversion, Parameters: p}, candles, ind, i); reversion.Enter {
			return EntrySignal{Enter: true, Side: reversion.Side, Reason: "hybrid_" + reversion.Reason}
		}
	}
	return EntrySignal{}
}

// EvaluateExit runs the family-specific exit predicate for a position of the
// given side opened at entryPrice, held for barsHeld candles. Short exits
// mirror the long conditions.
func EvaluateExit(r *Record, candles []market.Candle, ind []market.IndicatorSnapshot, i int, side market.Side, entryPrice float64, barsHeld int) ExitSignal {
	if i < 0 || i >= len(candles) || i >= len(ind) {
		return ExitSignal{}
	}
	close := candles[i].Close
	s := ind[i]
	p := r.Parameters
	short := side == market.SideShort

	if r.Risk.MaxHoldingBars > 0 && barsHeld >= r.Risk.MaxHoldingBars {
		return ExitSignal{Exit: true, Reason: "max_holding"}
	}

	switch r.Type {
	case Momentum, TrendFollowing:
		if short {
			if s.RSI > 0 && s.RSI <= p.RSIOversold {
				return ExitSignal{Exit: true, Reason: "rsi_oversold"}
			}
			if s.EMA12 > s.EMA26 {
				return ExitSignal{Exit: true, Reason: "ema_cross_up"}
			}
			break
		}
		if s.RSI >= p.RSIOverbought {
			return ExitSignal{Exit: true, Reason: "rsi_overbought"}
		}
		if s.EMA12 < s.EMA26 {
			return ExitSignal{Exit: true, Reason: "ema_cross_down"}
		}

	case MeanReversion, Arbitrage:
		// Either side closes once price reverts to the band middle
		if s.BBMiddle > 0 {
			if short && close <= s.BBMiddle {
				return ExitSignal{Exit: true, Reason: "reverted_to_mean"}
			}
			if !short && close >= s.BBMiddle {
				return ExitSignal{Exit: true, Reason: "reverted_to_mean"}
			}
		}

	case Breakout:
		if short {
			if s.SMA20 > 0 && close > s.SMA20 {
				return ExitSignal{Exit: true, Reason: "reclaimed_breakout_base"}
			}
			break
		}
		if s.SMA20 > 0 && close < s.SMA20 {
			return ExitSignal{Exit: true, Reason: "lost_breakout_base"}
		}

	case Scalping:
		// Scalps take small gains quickly
		if entryPrice > 0 && side.Sign()*(close-entryPrice)/entryPrice >= 0.004 {
			return ExitSignal{Exit: true, Reason: "scalp_target"}
		}
		if s.EMA12 > 0 && close > s.EMA12 && s.RSI > 55 {
			return ExitSignal{Exit: true, Reason: "scalp_momentum_spent"}
		}

	case Swing:
		if s.RSI >= 60 {
			return ExitSignal{Exit: true, Reason: "swing_target_rsi"}
		}

	case Hybrid:
		if hit := EvaluateExit(&Record{Type: Momentum, Parameters: p, Risk: r.Risk}, candles, ind, i, side, entryPrice, barsHeld); hit.Exit {
			return hit
		}
		if hit := EvaluateExit(&Record{Type: MeanReversion, Parameters: p, Risk: r.Risk}, candles, ind, i, side, entryPrice, barsHeld); hit.Exit {
			return hit
		}
	}
	return ExitSignal{}
}

// RiskExit checks the fixed stop-loss/take-profit thresholds against the
// candle's range. Longs stop on the low and take profit on the high; shorts
// mirror both around the entry.
func RiskExit(r *Record, c market.Candle, side market.Side, entryPrice float64) ExitSignal {
	if entryPrice <= 0 {
		return ExitSignal{}
	}
	sign := side.Sign()
	if r.Risk.StopLossPct > 0 {
		stop := entryPrice * (1 - sign*r.Risk.StopLossPct)
		if (sign > 0 && c.Low <= stop) || (sign < 0 && c.High >= stop) {
			return ExitSignal{Exit: true, Reason: "stop_loss"}
		}
	}
	if r.Risk.TakeProfitPct > 0 {
		target := entryPrice * (1 + sign*r.Risk.TakeProfitPct)
		if (sign > 0 && c.High >= target) || (sign < 0 && c.Low <= target) {
			return ExitSignal{Exit: true, Reason: "take_profit"}
		}
	}
	return ExitSignal{}
}

// TrendStrength is a bounded [-1, 1] trend score from the EMA separation,
// used when snapshotting market conditions.
func TrendStrength(s market.IndicatorSnapshot) float64 {
	if s.EMA26 <= 0 {
		return 0
	}
	return math.Max(-1, math.Min(1, (s.EMA12-s.EMA26)/s.EMA26*50))
}
