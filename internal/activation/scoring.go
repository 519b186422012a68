// Package activation decides which strategies run, by matching current
// market conditions against history and scoring each candidate's past
// performance under similar conditions.
package activation

import (
	"math"
	"sort"
	"time"

	"crypto-trading-core/internal/regime"
	"crypto-trading-core/internal/strategy"
)

// TradeOutcome is one historical trade result attributed to a strategy
type TradeOutcome struct {
	StrategyID string    `json:"strategy_id"`
	Timestamp  time.Time `json:"timestamp"`
	ReturnPct  float64   `json:"return_pct"`
}

// neighbor pairs a historical snapshot with its similarity to the query
type neighbor struct {
	conditions regime.MarketConditions
	similarity float64
}

// nearestConditions returns the k historical snapshots closest to the
// query by Euclidean distance over the 8-feature vector, standardized
// against the historical distribution.
func nearestConditions(history []regime.MarketConditions, query regime.MarketConditions, k int) []neighbor {
	if len(history) == 0 || k <= 0 {
		return nil
	}

	means, stdevs := featureStats(history)
	queryVec := standardize(query.FeatureVector(), means, stdevs)

	neighbors := make([]neighbor, 0, len(history))
	for _, mc := range history {
		vec := standardize(mc.FeatureVector(), means, stdevs)
		dist := 0.0
		for f := range vec {
			diff := vec[f] - queryVec[f]
			dist += diff * diff
		}
		dist = math.Sqrt(dist)
		neighbors = append(neighbors, neighbor{
			conditions: mc,
			similarity: 1 / (1 + dist),
		})
	}

	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].similarity > neighbors[j].similarity
	})
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors
}

func featureStats(history []regime.MarketConditions) (means, stdevs [8]float64) {
	n := float64(len(history))
	for _, mc := range history {
		vec := mc.FeatureVector()
		for f := range vec {
			means[f] += vec[f]
		}
	}
	for f := range means {
		means[f] /= n
	}
	for _, mc := range history {
		vec := mc.FeatureVector()
		for f := range vec {
			diff := vec[f] - means[f]
			stdevs[f] += diff * diff
		}
	}
	for f := range stdevs {
		stdevs[f] = math.Sqrt(stdevs[f] / n)
	}
	return means, stdevs
}

func standardize(vec, means, stdevs [8]float64) [8]float64 {
	var out [8]float64
	for f := range vec {
		if stdevs[f] > 0 {
			out[f] = (vec[f] - means[f]) / stdevs[f]
		} else {
			out[f] = 0
		}
	}
	return out
}

// windowedTrades selects the strategy's trades that occurred within the
// window around any of the matched historical snapshots.
func windowedTrades(trades []TradeOutcome, neighbors []neighbor, window time.Duration) []TradeOutcome {
	var out []TradeOutcome
	for _, tr := range trades {
		for _, nb := range neighbors {
			delta := tr.Timestamp.Sub(nb.conditions.Timestamp)
			if delta < 0 {
				delta = -delta
			}
			if delta <= window {
				out = append(out, tr)
				break
			}
		}
	}
	return out
}

// performance summarizes the windowed trade sample
type performance struct {
	trades       int
	sharpe       float64
	winRate      float64
	maxDrawdown  float64
	profitFactor float64
	consistency  float64
}

// scoreTrades computes the performance bundle over the trade sample.
// Consistency is the positive ratio damped by return dispersion.
func scoreTrades(trades []TradeOutcome) performance {
	p := performance{trades: len(trades)}
	if len(trades) == 0 {
		return p
	}

	var grossProfit, grossLoss, sum float64
	wins := 0
	equity, peak, maxDD := 1.0, 1.0, 0.0
	for _, tr := range trades {
		sum += tr.ReturnPct
		if tr.ReturnPct > 0 {
			wins++
			grossProfit += tr.ReturnPct
		} else {
			grossLoss += -tr.ReturnPct
		}
		equity *= 1 + tr.ReturnPct/100
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	mean := sum / float64(len(trades))
	p.winRate = float64(wins) / float64(len(trades))
	p.maxDrawdown = maxDD * 100
	if grossLoss > 0 {
		p.profitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		p.profitFactor = math.Inf(1)
	}

	variance := 0.0
	for _, tr := range trades {
		variance += (tr.ReturnPct - mean) * (tr.ReturnPct - mean)
	}
	variance /= float64(len(trades))
	stdev := math.Sqrt(variance)

	if stdev > 1e-12 {
		p.sharpe = mean / stdev * math.Sqrt(252)
	} else if mean > 0 {
		p.sharpe = math.Inf(1)
	}

	// Positive-ratio damped by dispersion of the fractional returns
	p.consistency = p.winRate * (1 - math.Min(1, stdev/100/0.1))
	return p
}

// regimeSuitability is the fixed multiplier table of strategy family by
// market regime.
var regimeSuitability = map[strategy.Type]map[regime.Regime]float64{
	strategy.Momentum: {
		regime.BullTrending: 1.3, regime.BearTrending: 0.6, regime.SidewaysRange: 0.7,
		regime.HighVolatility: 0.8, regime.LowVolatility: 0.9, regime.Crisis: 0.4, regime.Recovery: 1.2,
	},
	strategy.MeanReversion: {
		regime.BullTrending: 0.8, regime.BearTrending: 0.8, regime.SidewaysRange: 1.3,
		regime.HighVolatility: 0.9, regime.LowVolatility: 1.1, regime.Crisis: 0.5, regime.Recovery: 0.9,
	},
	strategy.Breakout: {
		regime.BullTrending: 1.2, regime.BearTrending: 0.9, regime.SidewaysRange: 0.6,
		regime.HighVolatility: 1.2, regime.LowVolatility: 0.5, regime.Crisis: 0.7, regime.Recovery: 1.1,
	},
	strategy.TrendFollowing: {
		regime.BullTrending: 1.3, regime.BearTrending: 1.1, regime.SidewaysRange: 0.5,
		regime.HighVolatility: 0.8, regime.LowVolatility: 0.8, regime.Crisis: 0.6, regime.Recovery: 1.1,
	},
	strategy.Scalping: {
		regime.BullTrending: 1.0, regime.BearTrending: 1.0, regime.SidewaysRange: 1.2,
		regime.HighVolatility: 1.3, regime.LowVolatility: 0.7, regime.Crisis: 0.8, regime.Recovery: 1.0,
	},
	strategy.Swing: {
		regime.BullTrending: 1.1, regime.BearTrending: 0.9, regime.SidewaysRange: 1.1,
		regime.HighVolatility: 0.7, regime.LowVolatility: 1.0, regime.Crisis: 0.5, regime.Recovery: 1.2,
	},
	strategy.Arbitrage: {
		regime.BullTrending: 0.9, regime.BearTrending: 0.9, regime.SidewaysRange: 1.2,
		regime.HighVolatility: 1.1, regime.LowVolatility: 1.0, regime.Crisis: 0.9, regime.Recovery: 0.9,
	},
	strategy.Hybrid: {
		regime.BullTrending: 1.1, regime.BearTrending: 0.9, regime.SidewaysRange: 1.0,
		regime.HighVolatility: 0.9, regime.LowVolatility: 0.9, regime.Crisis: 0.6, regime.Recovery: 1.0,
	},
}

// Suitability returns the regime multiplier for a strategy family; unknown
// combinations score neutral.
func Suitability(t strategy.Type, rg regime.Regime) float64 {
	if table, ok := regimeSuitability[t]; ok {
		if mult, ok := table[rg]; ok {
			return mult
		}
	}
	return 1.0
}
