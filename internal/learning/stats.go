// Package learning turns batches of backtest results into ranked
// statistics, pattern scores and fresh GA-synthesized strategy candidates.
package learning

import (
	"fmt"
	"math"
	"sort"

	"crypto-trading-core/internal/backtest"
	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/strategy"
)

// Sample couples a strategy record with one of its backtest results
type Sample struct {
	Record *strategy.Record
	Result *backtest.Result
}

// GroupKey buckets samples by family and timeframe
type GroupKey struct {
	Type      strategy.Type
	Timeframe string
}

// GroupStats aggregates one bucket
type GroupStats struct {
	Samples      int     `json:"samples"`
	AvgReturnPct float64 `json:"avg_return_pct"`
	AvgSharpe    float64 `json:"avg_sharpe"`
	AvgWinRate   float64 `json:"avg_win_rate"`
	BestSharpe   float64 `json:"best_sharpe"`
}

// Aggregate buckets the batch by strategy type and timeframe
func Aggregate(samples []Sample) map[GroupKey]GroupStats {
	sums := make(map[GroupKey]GroupStats)
	for _, s := range samples {
		if s.Record == nil || s.Result == nil {
			continue
		}
		key := GroupKey{Type: s.Record.Type, Timeframe: s.Record.Timeframe}
		g := sums[key]
		sharpe := boundedSharpe(s.Result.SharpeRatio)
		g.Samples++
		g.AvgReturnPct += s.Result.TotalReturnPct
		g.AvgSharpe += sharpe
		g.AvgWinRate += s.Result.WinRate
		if sharpe > g.BestSharpe || g.Samples == 1 {
			g.BestSharpe = sharpe
		}
		sums[key] = g
	}
	for key, g := range sums {
		n := float64(g.Samples)
		g.AvgReturnPct /= n
		g.AvgSharpe /= n
		g.AvgWinRate /= n
		sums[key] = g
	}
	return sums
}

// Fitness is the composite score used for ranking and GA parent selection.
// Drawdown subtracts so two equally profitable runs rank by smoothness.
func Fitness(res *backtest.Result) float64 {
	if res == nil {
		return 0
	}
	return 0.5*boundedSharpe(res.SharpeRatio) +
		0.3*res.TotalReturnPct/10 +
		0.2*res.WinRate*10 -
		res.MaxDrawdownPct/100
}

// boundedSharpe caps degenerate ratios so they sort sanely
func boundedSharpe(s float64) float64 {
	if math.IsInf(s, 1) || s > 100 {
		return 100
	}
	if math.IsInf(s, -1) || s < -100 {
		return -100
	}
	return s
}

// Rank returns the batch sorted by descending fitness
func Rank(samples []Sample) []Sample {
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if s.Record != nil && s.Result != nil {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return Fitness(out[i].Result) > Fitness(out[j].Result)
	})
	return out
}

// Chi-square critical values for one degree of freedom
var chiSquareCritical = map[float64]float64{
	0.90: 2.706,
	0.95: 3.841,
	0.99: 6.635,
}

// ABResult is the outcome of a win/loss significance test
type ABResult struct {
	ChiSquare     float64 `json:"chi_square"`
	CriticalValue float64 `json:"critical_value"`
	Confidence    float64 `json:"confidence"`
	Significant   bool    `json:"significant"`
	Winner        string  `json:"winner"` // control, treatment or none
	ControlRate   float64 `json:"control_rate"`
	TreatmentRate float64 `json:"treatment_rate"`
}

// ChiSquareAB tests whether the treatment win rate differs from the
// control win rate, using a 2x2 contingency table with one degree of
// freedom. The winner is only declared when the difference is significant.
func ChiSquareAB(controlWins, controlLosses, treatmentWins, treatmentLosses int, confidence float64) (ABResult, error) {
	const op = "learning.ChiSquareAB"

	critical, ok := chiSquareCritical[confidence]
	if !ok {
		return ABResult{}, errs.Validation(op, fmt.Sprintf("unsupported confidence level %v", confidence))
	}
	if controlWins < 0 || controlLosses < 0 || treatmentWins < 0 || treatmentLosses < 0 {
		return ABResult{}, errs.Validation(op, "win/loss counts must be non-negative")
	}

	a := float64(controlWins)
	b := float64(controlLosses)
	c := float64(treatmentWins)
	d := float64(treatmentLosses)
	n := a + b + c + d
	if a+b == 0 || c+d == 0 {
		return ABResult{}, errs.Validation(op, "both groups need at least one observation")
	}

	res := ABResult{
		Confidence:    confidence,
		CriticalValue: critical,
		ControlRate:   a / (a + b),
		TreatmentRate: c / (c + d),
		Winner:        "none",
	}

	// Marginal totals; a zero column means both groups agree completely
	if (a+c) > 0 && (b+d) > 0 {
		diff := a*d - b*c
		res.ChiSquare = n * diff * diff / ((a + b) * (c + d) * (a + c) * (b + d))
	}

	res.Significant = res.ChiSquare >= critical
	if res.Significant {
		if res.TreatmentRate > res.ControlRate {
			res.Winner = "treatment"
		} else if res.ControlRate > res.TreatmentRate {
			res.Winner = "control"
		}
	}
	return res, nil
}
