package execution

import (
	"time"

	"crypto-trading-core/internal/exchange"
	"crypto-trading-core/internal/market"
)

// ExecutionReport captures the realized quality of one completed plan
type ExecutionReport struct {
	OrderID           string        `json:"order_id"`
	Symbol            string        `json:"symbol"`
	Side              market.Side   `json:"side"`
	AvgExecutionPrice float64       `json:"avg_execution_price"`
	ArrivalPrice      float64       `json:"arrival_price"`
	SlippageBps       float64       `json:"slippage_bps"`
	MarketImpactBps   float64       `json:"market_impact_bps"`
	FillRate          float64       `json:"fill_rate"`
	TotalFees         float64       `json:"total_fees"`
	ExpectedDuration  time.Duration `json:"expected_duration"`
	ActualDuration    time.Duration `json:"actual_duration"`
	PriceScore        float64       `json:"price_score"`
	SpeedScore        float64       `json:"speed_score"`
	FillScore         float64       `json:"fill_score"`
	OverallScore      float64       `json:"overall_score"`
}

// BuildReport computes the execution quality of a plan from its fills.
// benchmark is a VWAP or mid-price reference for market impact; pass 0 to
// skip the impact calculation.
func BuildReport(plan *ExecutionPlan, fills []exchange.Fill, benchmark float64, actualDuration time.Duration) ExecutionReport {
	report := ExecutionReport{
		OrderID:          plan.OrderID,
		Symbol:           plan.Symbol,
		Side:             plan.Side,
		ArrivalPrice:     plan.ArrivalPrice,
		ExpectedDuration: plan.EndTime.Sub(plan.StartTime),
		ActualDuration:   actualDuration,
	}

	totalQty, totalNotional := 0.0, 0.0
	for _, f := range fills {
		totalQty += f.Size
		totalNotional += f.Price * f.Size
		report.TotalFees += f.Fee
	}
	if totalQty > 0 {
		report.AvgExecutionPrice = totalNotional / totalQty
	}
	if plan.TotalQuantity > 0 {
		report.FillRate = totalQty / plan.TotalQuantity
	}

	// Signed slippage: positive means paying up for buys, selling down
	// for sells.
	if plan.ArrivalPrice > 0 && totalQty > 0 {
		report.SlippageBps = plan.Side.Sign() * (report.AvgExecutionPrice - plan.ArrivalPrice) / plan.ArrivalPrice * 10000
	}
	if benchmark > 0 && totalQty > 0 {
		report.MarketImpactBps = plan.Side.Sign() * (report.AvgExecutionPrice - benchmark) / benchmark * 10000
	}

	report.PriceScore = priceScore(report.SlippageBps)
	report.SpeedScore = speedScore(report.ActualDuration, report.ExpectedDuration)
	report.FillScore = report.FillRate * 100
	report.OverallScore = 0.5*report.PriceScore + 0.3*report.SpeedScore + 0.2*report.FillScore
	return report
}

// priceScore is linear from 100 below 5 bps of slippage to 0 at 50 bps
func priceScore(slippageBps float64) float64 {
	abs := slippageBps
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs < 5:
		return 100
	case abs >= 50:
		return 0
	default:
		return 100 * (50 - abs) / 45
	}
}

// speedScore is 100 at or under the expected duration, 0 at double it
func speedScore(actual, expected time.Duration) float64 {
	if expected <= 0 || actual <= expected {
		return 100
	}
	ratio := float64(actual) / float64(expected)
	if ratio >= 2 {
		return 0
	}
	return 100 * (2 - ratio)
}
