// Package regime classifies market state for the backtest engine and the
// strategy activation loop.
package regime

import (
	"math"
	"time"

	"crypto-trading-core/internal/market"
)

// Regime represents the current market regime classification
type Regime string

const (
	BullTrending   Regime = "bull_trending"
	BearTrending   Regime = "bear_trending"
	SidewaysRange  Regime = "sideways_range"
	HighVolatility Regime = "high_volatility"
	LowVolatility  Regime = "low_volatility"
	Crisis         Regime = "crisis"
	Recovery       Regime = "recovery"
)

// All lists every known regime, in a stable order
func All() []Regime {
	return []Regime{
		BullTrending, BearTrending, SidewaysRange,
		HighVolatility, LowVolatility, Crisis, Recovery,
	}
}

// Valid reports whether r is a known regime label
func (r Regime) Valid() bool {
	for _, known := range All() {
		if r == known {
			return true
		}
	}
	return false
}

// MarketConditions is a point-in-time snapshot of the market state used by
// the activation system's nearest-neighbour search.
type MarketConditions struct {
	Timestamp      time.Time `json:"timestamp"`
	Regime         Regime    `json:"regime"`
	Volatility     float64   `json:"volatility"`
	TrendStrength  float64   `json:"trend_strength"`
	VolumeTrend    float64   `json:"volume_trend"`
	SentimentScore float64   `json:"sentiment_score"`
	FearGreedIndex float64   `json:"fear_greed_index"`
	BTCCorrelation float64   `json:"btc_correlation"`
	Liquidity      float64   `json:"liquidity"`
	Macro          float64   `json:"macro"`
}

// FeatureVector returns the fixed 8-feature representation used for
// condition similarity. Order is stable; standardization happens in the
// activation scorer against the historical distribution.
func (mc MarketConditions) FeatureVector() [8]float64 {
	return [8]float64{
		mc.Volatility,
		mc.TrendStrength,
		mc.VolumeTrend,
		mc.SentimentScore,
		mc.FearGreedIndex,
		mc.BTCCorrelation,
		mc.Liquidity,
		mc.Macro,
	}
}

// Labeling thresholds for the per-candle classifier.
const (
	shortWindow      = 12
	longWindow       = 36
	highVolThreshold = 0.025
	lowVolThreshold  = 0.005
)

// LabelSeries assigns a regime label to every candle using a 12/36-bar
// moving-average cross with volatility bands. Candles before the long
// window resolve to SidewaysRange.
func LabelSeries(candles []market.Candle) []Regime {
	labels := make([]Regime, len(candles))
	for i := range candles {
		labels[i] = LabelAt(candles, i)
	}
	return labels
}

// LabelAt classifies the regime at candle index i.
func LabelAt(candles []market.Candle, i int) Regime {
	if i+1 < longWindow {
		return SidewaysRange
	}

	shortMA := closeMean(candles, i, shortWindow)
	longMA := closeMean(candles, i, longWindow)

	// Volatility band: stdev of closes over the long window, relative to mean
	variance := 0.0
	for j := i - longWindow + 1; j <= i; j++ {
		diff := candles[j].Close - longMA
		variance += diff * diff
	}
	stdev := math.Sqrt(variance / float64(longWindow))
	stdevRatio := 0.0
	if longMA > 0 {
		stdevRatio = stdev / longMA
	}

	switch {
	case stdevRatio >= highVolThreshold:
		return HighVolatility
	case stdevRatio <= lowVolThreshold:
		return LowVolatility
	}

	lastUp := candles[i].Close > candles[i-1].Close
	switch {
	case shortMA > longMA && lastUp:
		return BullTrending
	case shortMA < longMA && !lastUp:
		return BearTrending
	default:
		return SidewaysRange
	}
}

func closeMean(candles []market.Candle, end, window int) float64 {
	sum := 0.0
	for j := end - window + 1; j <= end; j++ {
		sum += candles[j].Close
	}
	return sum / float64(window)
}

// Classify maps a full conditions snapshot to a regime. Used by the
// activation loop where the inputs are aggregate features rather than a
// candle series.
func Classify(mc MarketConditions) Regime {
	switch {
	case mc.Volatility >= 0.08 && mc.SentimentScore < -0.5:
		return Crisis
	case mc.Volatility >= 0.05:
		return HighVolatility
	case mc.Volatility <= 0.01 && math.Abs(mc.TrendStrength) < 0.2:
		return LowVolatility
	case mc.TrendStrength >= 0.3 && mc.SentimentScore >= 0:
		return BullTrending
	case mc.TrendStrength <= -0.3:
		return BearTrending
	case mc.TrendStrength >= 0.2 && mc.SentimentScore > 0.3:
		return Recovery
	default:
		return SidewaysRange
	}
}
