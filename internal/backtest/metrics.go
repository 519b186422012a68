package backtest

import (
	"math"

	"crypto-trading-core/internal/regime"
	"crypto-trading-core/internal/strategy"
)

const tradingDaysPerYear = 252

// computeMetrics fills the core, sentiment and regime metric bundles from
// the trade list and equity curve.
func (e *Engine) computeMetrics(rec *strategy.Record, r *Result, gate *gateCounters) {
	r.TotalTrades = len(r.Trades)
	r.TotalReturnPct = (r.FinalCapital - e.cfg.InitialCapital) / e.cfg.InitialCapital * 100

	grossProfit, grossLoss := 0.0, 0.0
	for _, t := range r.Trades {
		r.TotalFees += t.Fees
		if t.PnL > 0 {
			r.WinningTrades++
			grossProfit += t.PnL
		} else {
			r.LosingTrades++
			grossLoss += -t.PnL
		}
	}
	if r.TotalTrades > 0 {
		r.WinRate = float64(r.WinningTrades) / float64(r.TotalTrades)
	}
	if grossLoss > 0 {
		r.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		r.ProfitFactor = math.Inf(1)
	}

	r.AvgDrawdownPct, r.MaxDrawdownPct = drawdowns(r.EquityCurve)
	r.SharpeRatio = sharpe(r.EquityCurve)

	r.Sentiment = sentimentMetrics(r.Trades, gate, string(rec.Sentiment.Bias))
	r.Regime = regimeMetrics(rec, r.Trades)
}

// drawdowns walks the equity curve and returns the average depth across
// completed drawdown episodes and the worst peak-to-trough depth, both in
// percent.
func drawdowns(curve []EquityPoint) (avg, max float64) {
	if len(curve) == 0 {
		return 0, 0
	}

	peak := curve[0].Equity
	episodeWorst := 0.0
	var episodes []float64

	for _, pt := range curve {
		if pt.Equity >= peak {
			if episodeWorst > 0 {
				episodes = append(episodes, episodeWorst)
				episodeWorst = 0
			}
			peak = pt.Equity
			continue
		}
		dd := (peak - pt.Equity) / peak * 100
		if dd > episodeWorst {
			episodeWorst = dd
		}
		if dd > max {
			max = dd
		}
	}
	if episodeWorst > 0 {
		episodes = append(episodes, episodeWorst)
	}

	for _, dd := range episodes {
		avg += dd
	}
	if len(episodes) > 0 {
		avg /= float64(len(episodes))
	}
	return avg, max
}

// sharpe buckets the equity curve into daily returns and annualizes by
// sqrt(252).
func sharpe(curve []EquityPoint) float64 {
	if len(curve) < 2 {
		return 0
	}

	// Last equity sample per calendar day
	var days []float64
	lastDay := ""
	for _, pt := range curve {
		day := pt.Timestamp.Format("2006-01-02")
		if day != lastDay {
			days = append(days, pt.Equity)
			lastDay = day
		} else {
			days[len(days)-1] = pt.Equity
		}
	}
	if len(days) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(days)-1)
	for i := 1; i < len(days); i++ {
		if days[i-1] > 0 {
			returns = append(returns, (days[i]-days[i-1])/days[i-1])
		}
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, ret := range returns {
		mean += ret
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, ret := range returns {
		variance += (ret - mean) * (ret - mean)
	}
	variance /= float64(len(returns) - 1)
	stdev := math.Sqrt(variance)
	if stdev < 1e-12 {
		return 0
	}
	return mean / stdev * math.Sqrt(tradingDaysPerYear)
}

func sentimentMetrics(trades []Trade, gate *gateCounters, bias string) SentimentMetrics {
	sm := SentimentMetrics{
		PositiveTriggers:  gate.positive,
		NegativeTriggers:  gate.negative,
		WinsBySentiment:   make(map[string]int),
		LossesBySentiment: make(map[string]int),
	}
	if gate.evaluations > 0 {
		sm.AllowedRate = float64(gate.allowed) / float64(gate.evaluations)
		sm.BlockedRate = float64(gate.blocked) / float64(gate.evaluations)
		sm.MissingRate = float64(gate.missing) / float64(gate.evaluations)
	}
	if scored := gate.evaluations - gate.missing; scored > 0 {
		sm.AverageAlignment = gate.alignmentSum / float64(scored)
	}

	for _, t := range trades {
		if t.PnL > 0 {
			sm.WinsBySentiment[t.SentimentLabel]++
		} else {
			sm.LossesBySentiment[t.SentimentLabel]++
		}
	}
	sm.DominantBias = bias
	return sm
}

func regimeMetrics(rec *strategy.Record, trades []Trade) RegimeMetrics {
	rm := RegimeMetrics{
		TradesPerRegime:  make(map[regime.Regime]int),
		WinRatePerRegime: make(map[regime.Regime]float64),
	}
	if len(trades) == 0 {
		return rm
	}

	wins := make(map[regime.Regime]int)
	preferred := 0
	for _, t := range trades {
		rm.TradesPerRegime[t.Regime]++
		if t.PnL > 0 {
			wins[t.Regime]++
		}
		if rec.PrefersRegime(t.Regime) {
			preferred++
		}
	}
	for rg, n := range rm.TradesPerRegime {
		rm.WinRatePerRegime[rg] = float64(wins[rg]) / float64(n)
	}
	rm.PreferredHitRate = float64(preferred) / float64(len(trades))

	// Bias score: mean win rate inside preferred regimes vs outside
	var prefSum, otherSum float64
	var prefN, otherN int
	for rg, wr := range rm.WinRatePerRegime {
		if rec.PrefersRegime(rg) {
			prefSum += wr
			prefN++
		} else {
			otherSum += wr
			otherN++
		}
	}
	if prefN > 0 && otherN > 0 {
		rm.RegimeBiasScore = prefSum/float64(prefN) - otherSum/float64(otherN)
	}
	return rm
}
