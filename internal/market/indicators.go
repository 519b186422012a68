package market

import "math"

// Default indicator periods used by the backtest preparation pass.
const (
	RSIPeriod       = 14
	SMAPeriod       = 20
	EMAFastPeriod   = 12
	EMASlowPeriod   = 26
	BollingerPeriod = 20
	BollingerStdDev = 2.0
	ATRPeriod       = 14
	VolumeSMAPeriod = 20
)

// IndicatorSnapshot holds every indicator value at one candle. A zero value
// means the indicator did not have enough history yet at that index.
type IndicatorSnapshot struct {
	RSI       float64 `json:"rsi"`
	SMA20     float64 `json:"sma_20"`
	EMA12     float64 `json:"ema_12"`
	EMA26     float64 `json:"ema_26"`
	BBUpper   float64 `json:"bb_upper"`
	BBMiddle  float64 `json:"bb_middle"`
	BBLower   float64 `json:"bb_lower"`
	ATR       float64 `json:"atr"`
	VolumeSMA float64 `json:"volume_sma"`
}

// ComputeIndicators produces one snapshot per candle in a single pass over
// the series. EMAs are seeded with the SMA of the first period closes; RSI
// and ATR use Wilder smoothing.
func ComputeIndicators(candles []Candle) []IndicatorSnapshot {
	n := len(candles)
	out := make([]IndicatorSnapshot, n)
	if n == 0 {
		return out
	}

	computeRSI(candles, out)
	computeSMA(candles, out)
	computeEMA(candles, out, EMAFastPeriod, func(s *IndicatorSnapshot, v float64) { s.EMA12 = v })
	computeEMA(candles, out, EMASlowPeriod, func(s *IndicatorSnapshot, v float64) { s.EMA26 = v })
	computeBollinger(candles, out)
	computeATR(candles, out)
	computeVolumeSMA(candles, out)

	return out
}

// ============================================================================
// RSI (Wilder)
// ============================================================================

func computeRSI(candles []Candle, out []IndicatorSnapshot) {
	period := RSIPeriod
	if len(candles) < period+1 {
		return
	}

	gains, losses := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	out[period].RSI = rsiFrom(avgGain, avgLoss)

	for i := period + 1; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i].RSI = rsiFrom(avgGain, avgLoss)
	}
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// MOVING AVERAGES
// ============================================================================

func computeSMA(candles []Candle, out []IndicatorSnapshot) {
	period := SMAPeriod
	if len(candles) < period {
		return
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += candles[i].Close
	}
	out[period-1].SMA20 = sum / float64(period)
	for i := period; i < len(candles); i++ {
		sum += candles[i].Close - candles[i-period].Close
		out[i].SMA20 = sum / float64(period)
	}
}

func computeEMA(candles []Candle, out []IndicatorSnapshot, period int, set func(*IndicatorSnapshot, float64)) {
	if len(candles) < period {
		return
	}

	// Seed with the SMA of the first period closes
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += candles[i].Close
	}
	ema := sum / float64(period)
	set(&out[period-1], ema)

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(candles); i++ {
		ema = (candles[i].Close * multiplier) + (ema * (1 - multiplier))
		set(&out[i], ema)
	}
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

func computeBollinger(candles []Candle, out []IndicatorSnapshot) {
	period := BollingerPeriod
	if len(candles) < period {
		return
	}
	for i := period - 1; i < len(candles); i++ {
		sum := 0.0
		for j := i - period + 1; j <= i; j++ {
			sum += candles[j].Close
		}
		middle := sum / float64(period)

		variance := 0.0
		for j := i - period + 1; j <= i; j++ {
			diff := candles[j].Close - middle
			variance += diff * diff
		}
		stdDev := math.Sqrt(variance / float64(period))

		out[i].BBMiddle = middle
		out[i].BBUpper = middle + stdDev*BollingerStdDev
		out[i].BBLower = middle - stdDev*BollingerStdDev
	}
}

// ============================================================================
// ATR (Wilder)
// ============================================================================

func computeATR(candles []Candle, out []IndicatorSnapshot) {
	period := ATRPeriod
	if len(candles) < period+1 {
		return
	}

	trSum := 0.0
	for i := 1; i <= period; i++ {
		trSum += TrueRange(candles[i], candles[i-1].Close)
	}
	atr := trSum / float64(period)
	out[period].ATR = atr

	for i := period + 1; i < len(candles); i++ {
		tr := TrueRange(candles[i], candles[i-1].Close)
		atr = (atr*float64(period-1) + tr) / float64(period)
		out[i].ATR = atr
	}
}

// TrueRange computes the true range of a candle against the previous close
func TrueRange(c Candle, prevClose float64) float64 {
	return math.Max(
		c.High-c.Low,
		math.Max(
			math.Abs(c.High-prevClose),
			math.Abs(c.Low-prevClose),
		),
	)
}

// ATR computes the Wilder-averaged ATR over the most recent candles. Used by
// the trailing-stop evaluators which update on demand rather than per series.
func ATR(candles []Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}

	start := len(candles) - period
	trSum := 0.0
	for i := start; i < len(candles); i++ {
		trSum += TrueRange(candles[i], candles[i-1].Close)
	}
	return trSum / float64(period)
}

// HighestHigh returns the rolling max(high) over the trailing lookback window
func HighestHigh(candles []Candle, lookback int) float64 {
	if len(candles) == 0 {
		return 0
	}
	start := len(candles) - lookback
	if start < 0 {
		start = 0
	}
	highest := candles[start].High
	for i := start + 1; i < len(candles); i++ {
		if candles[i].High > highest {
			highest = candles[i].High
		}
	}
	return highest
}

// LowestLow returns the rolling min(low) over the trailing lookback window
func LowestLow(candles []Candle, lookback int) float64 {
	if len(candles) == 0 {
		return 0
	}
	start := len(candles) - lookback
	if start < 0 {
		start = 0
	}
	lowest := candles[start].Low
	for i := start + 1; i < len(candles); i++ {
		if candles[i].Low < lowest {
			lowest = candles[i].Low
		}
	}
	return lowest
}

func computeVolumeSMA(candles []Candle, out []IndicatorSnapshot) {
	period := VolumeSMAPeriod
	if len(candles) < period {
		return
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += candles[i].Volume
	}
	out[period-1].VolumeSMA = sum / float64(period)
	for i := period; i < len(candles); i++ {
		sum += candles[i].Volume - candles[i-period].Volume
		out[i].VolumeSMA = sum / float64(period)
	}
}
