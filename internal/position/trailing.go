package position

import (
	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/market"
)

// StopType identifies the trailing-stop variant on a position
type StopType string

const (
	StopPercentage StopType = "percentage"
	StopATR        StopType = "atr"
	StopChandelier StopType = "chandelier"
	StopParabolic  StopType = "parabolic_sar"
)

// TrailingStop ratchets a protective price level behind a position. Update
// returns the current stop; the level only ever moves in the favorable
// direction. Candles feed the ATR-family stops and are ignored by the rest.
type TrailingStop interface {
	Type() StopType
	Update(price float64, candles []market.Candle) float64
	Stop() float64
	Triggered(price float64) bool
}

// triggered is the shared crossing check: longs stop out at or below the
// level, shorts at or above.
func triggered(side market.Side, price, stop float64) bool {
	if stop <= 0 {
		return false
	}
	if side == market.SideLong {
		return price <= stop
	}
	return price >= stop
}

// ratchet keeps the better of the existing and candidate stop levels
func ratchet(side market.Side, current, candidate float64) float64 {
	if current <= 0 {
		return candidate
	}
	if side == market.SideLong {
		if candidate > current {
			return candidate
		}
		return current
	}
	if candidate < current {
		return candidate
	}
	return current
}

// PercentageStop trails the watermark by a fixed fraction
type PercentageStop struct {
	side      market.Side
	pct       float64
	watermark float64
	stop      float64
}

// NewPercentageStop creates a percentage trailing stop; pct is the trail
// distance as a fraction, e.g. 0.05 for 5%.
func NewPercentageStop(side market.Side, pct float64) (*PercentageStop, error) {
	if pct <= 0 || pct >= 1 {
		return nil, errs.Validation("position.NewPercentageStop", "trail percentage must be in (0, 1)")
	}
	return &PercentageStop{side: side, pct: pct}, nil
}

func (s *PercentageStop) Type() StopType { return StopPercentage }

func (s *PercentageStop) Update(price float64, _ []market.Candle) float64 {
	if s.watermark == 0 ||
		(s.side == market.SideLong && price > s.watermark) ||
		(s.side == market.SideShort && price < s.watermark) {
		s.watermark = price
	}

	var candidate float64
	if s.side == market.SideLong {
		candidate = s.watermark * (1 - s.pct)
	} else {
		candidate = s.watermark * (1 + s.pct)
	}
	s.stop = ratchet(s.side, s.stop, candidate)
	return s.stop
}

func (s *PercentageStop) Stop() float64 { return s.stop }

func (s *PercentageStop) Triggered(price float64) bool { return triggered(s.side, price, s.stop) }

// ATRStop trails the watermark by a multiple of the average true range
type ATRStop struct {
	side       market.Side
	multiplier float64
	period     int
	watermark  float64
	stop       float64
}

// NewATRStop creates an ATR trailing stop; period 0 uses the standard 14.
func NewATRStop(side market.Side, multiplier float64, period int) (*ATRStop, error) {
	if multiplier <= 0 {
		return nil, errs.Validation("position.NewATRStop", "ATR multiplier must be positive")
	}
	if period <= 0 {
		period = market.ATRPeriod
	}
	return &ATRStop{side: side, multiplier: multiplier, period: period}, nil
}

func (s *ATRStop) Type() StopType { return StopATR }

func (s *ATRStop) Update(price float64, candles []market.Candle) float64 {
	if s.watermark == 0 ||
		(s.side == market.SideLong && price > s.watermark) ||
		(s.side == market.SideShort && price < s.watermark) {
		s.watermark = price
	}

	atr := market.ATR(candles, s.period)
	if atr <= 0 {
		return s.stop
	}

	var candidate float64
	if s.side == market.SideLong {
		candidate = s.watermark - s.multiplier*atr
	} else {
		candidate = s.watermark + s.multiplier*atr
	}
	s.stop = ratchet(s.side, s.stop, candidate)
	return s.stop
}

func (s *ATRStop) Stop() float64 { return s.stop }

func (s *ATRStop) Triggered(price float64) bool { return triggered(s.side, price, s.stop) }

// ChandelierStop anchors the ATR trail to the rolling extreme of the
// candle highs (lows for shorts) rather than the traded price watermark.
type ChandelierStop struct {
	side       market.Side
	multiplier float64
	period     int
	lookback   int
	stop       float64
}

// NewChandelierStop creates a chandelier exit; lookback 0 uses the
// standard 22 bars.
func NewChandelierStop(side market.Side, multiplier float64, lookback int) (*ChandelierStop, error) {
	if multiplier <= 0 {
		return nil, errs.Validation("position.NewChandelierStop", "ATR multiplier must be positive")
	}
	if lookback <= 0 {
		lookback = 22
	}
	return &ChandelierStop{side: side, multiplier: multiplier, period: market.ATRPeriod, lookback: lookback}, nil
}

func (s *ChandelierStop) Type() StopType { return StopChandelier }

func (s *ChandelierStop) Update(_ float64, candles []market.Candle) float64 {
	atr := market.ATR(candles, s.period)
	if atr <= 0 || len(candles) == 0 {
		return s.stop
	}

	var candidate float64
	if s.side == market.SideLong {
		candidate = market.HighestHigh(candles, s.lookback) - s.multiplier*atr
	} else {
		candidate = market.LowestLow(candles, s.lookback) + s.multiplier*atr
	}
	s.stop = ratchet(s.side, s.stop, candidate)
	return s.stop
}

func (s *ChandelierStop) Stop() float64 { return s.stop }

func (s *ChandelierStop) Triggered(price float64) bool { return triggered(s.side, price, s.stop) }

// Parabolic SAR acceleration schedule
const (
	sarInitialAF   = 0.02
	sarIncrementAF = 0.02
	sarMaxAF       = 0.20
)

// ParabolicSARStop runs the classic SAR recursion constrained to the
// favorable direction only; the stop never retreats.
type ParabolicSARStop struct {
	side    market.Side
	sar     float64
	extreme float64
	af      float64
	primed  bool
}

// NewParabolicSARStop creates a parabolic SAR stop seeded at the entry price
func NewParabolicSARStop(side market.Side, entryPrice float64) (*ParabolicSARStop, error) {
	if entryPrice <= 0 {
		return nil, errs.Validation("position.NewParabolicSARStop", "entry price must be positive")
	}
	return &ParabolicSARStop{side: side, sar: entryPrice, extreme: entryPrice, af: sarInitialAF}, nil
}

func (s *ParabolicSARStop) Type() StopType { return StopParabolic }

func (s *ParabolicSARStop) Update(price float64, _ []market.Candle) float64 {
	if !s.primed {
		// First tick establishes the SAR on the losing side of entry
		s.primed = true
		if s.side == market.SideLong {
			s.sar = s.sar * (1 - sarInitialAF)
		} else {
			s.sar = s.sar * (1 + sarInitialAF)
		}
	}

	newExtreme := (s.side == market.SideLong && price > s.extreme) ||
		(s.side == market.SideShort && price < s.extreme)
	if newExtreme {
		s.extreme = price
		s.af += sarIncrementAF
		if s.af > sarMaxAF {
			s.af = sarMaxAF
		}
	}

	candidate := s.sar + s.af*(s.extreme-s.sar)
	s.sar = ratchet(s.side, s.sar, candidate)
	return s.sar
}

func (s *ParabolicSARStop) Stop() float64 { return s.sar }

func (s *ParabolicSARStop) Triggered(price float64) bool { return triggered(s.side, price, s.sar) }
