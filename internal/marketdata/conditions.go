package marketdata

import (
	"context"
	"math"
	"time"

	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/market"
	"crypto-trading-core/internal/regime"
	"crypto-trading-core/internal/sentiment"
)

const (
	conditionsBars    = 72
	referenceSymbol   = "BTCUSDT"
	globalSentimentID = "global"
)

// ConditionsProvider assembles the 8-feature market-conditions snapshot
// the activation loop feeds into its nearest-neighbour search. All inputs
// come from the market-data service; any fetch failure propagates so the
// caller keeps its current active set.
type ConditionsProvider struct {
	client   *Client
	symbol   string
	interval string
}

// NewConditionsProvider creates a provider for one symbol and interval
func NewConditionsProvider(client *Client, symbol, interval string) *ConditionsProvider {
	return &ConditionsProvider{client: client, symbol: symbol, interval: interval}
}

// CurrentConditions fetches recent candles and sentiment and derives the
// conditions snapshot. The regime label comes from the candle series.
func (p *ConditionsProvider) CurrentConditions(ctx context.Context) (regime.MarketConditions, error) {
	const op = "marketdata.CurrentConditions"

	candles, err := p.client.Candles(ctx, p.symbol, p.interval, conditionsBars, time.Time{}, time.Time{})
	if err != nil {
		return regime.MarketConditions{}, err
	}
	if len(candles) < 2 {
		return regime.MarketConditions{}, errs.Upstream(op, errs.Validation(op, "not enough candles for conditions"))
	}

	symbolSent, err := p.client.SentimentBySymbol(ctx, p.symbol, 48)
	if err != nil {
		return regime.MarketConditions{}, err
	}
	globalSent, err := p.client.SentimentByType(ctx, globalSentimentID, 48)
	if err != nil {
		return regime.MarketConditions{}, err
	}

	now := candles[len(candles)-1].Time()
	snap := sentiment.NewTimeline(symbolSent, globalSent, 0, 0).At(now)

	mc := regime.MarketConditions{
		Timestamp:      now,
		Volatility:     returnStdev(candles),
		TrendStrength:  trendStrength(candles),
		VolumeTrend:    volumeTrend(candles),
		SentimentScore: snap.Combined,
		FearGreedIndex: fearGreed(snap),
		BTCCorrelation: 1.0,
		Liquidity:      relativeVolume(candles),
		Macro:          snap.GlobalScore,
	}
	mc.Regime = regime.LabelAt(candles, len(candles)-1)

	if p.symbol != referenceSymbol {
		btc, err := p.client.Candles(ctx, referenceSymbol, p.interval, conditionsBars, time.Time{}, time.Time{})
		if err != nil {
			return regime.MarketConditions{}, err
		}
		mc.BTCCorrelation = returnCorrelation(candles, btc)
	}
	return mc, nil
}

// returnStdev is the standard deviation of close-to-close returns
func returnStdev(candles []market.Candle) float64 {
	rets := closeReturns(candles)
	if len(rets) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	variance := 0.0
	for _, r := range rets {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(rets)))
}

// trendStrength maps the close's distance from its long mean into [-1, 1]
func trendStrength(candles []market.Candle) float64 {
	window := 36
	if len(candles) < window {
		window = len(candles)
	}
	sum := 0.0
	for _, c := range candles[len(candles)-window:] {
		sum += c.Close
	}
	mean := sum / float64(window)
	if mean <= 0 {
		return 0
	}
	t := (candles[len(candles)-1].Close - mean) / mean * 20
	return math.Max(-1, math.Min(1, t))
}

// volumeTrend compares recent volume against the preceding baseline
func volumeTrend(candles []market.Candle) float64 {
	if len(candles) < 3 {
		return 0
	}
	split := len(candles) - len(candles)/3
	baseline := meanVolume(candles[:split])
	recent := meanVolume(candles[split:])
	if baseline <= 0 {
		return 0
	}
	return recent/baseline - 1
}

// relativeVolume is the recent-to-full volume ratio, a liquidity proxy
// clamped to [0, 1]
func relativeVolume(candles []market.Candle) float64 {
	full := meanVolume(candles)
	if full <= 0 {
		return 0
	}
	split := len(candles) - len(candles)/6
	if split >= len(candles) {
		split = len(candles) - 1
	}
	ratio := meanVolume(candles[split:]) / full
	return math.Min(1, ratio)
}

func meanVolume(candles []market.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range candles {
		sum += c.Volume
	}
	return sum / float64(len(candles))
}

// fearGreed rescales the combined sentiment score to the 0-100 index
func fearGreed(snap sentiment.Snapshot) float64 {
	if snap.Missing() {
		return 50
	}
	return 50 + 50*snap.Combined
}

// returnCorrelation is the Pearson correlation of the two series' returns
// over their overlapping tail
func returnCorrelation(a, b []market.Candle) float64 {
	ra := closeReturns(a)
	rb := closeReturns(b)
	n := len(ra)
	if len(rb) < n {
		n = len(rb)
	}
	if n < 2 {
		return 0
	}
	ra = ra[len(ra)-n:]
	rb = rb[len(rb)-n:]

	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += ra[i]
		meanB += rb[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := ra[i] - meanA
		db := rb[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA <= 0 || varB <= 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

func closeReturns(candles []market.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	rets := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		if candles[i-1].Close > 0 {
			rets = append(rets, candles[i].Close/candles[i-1].Close-1)
		}
	}
	return rets
}
