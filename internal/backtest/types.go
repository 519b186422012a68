// Package backtest runs deterministic event-time simulations of a single
// strategy against a candle series, enriched by sentiment timelines and a
// regime label per candle.
package backtest

import (
	"time"

	"crypto-trading-core/internal/market"
	"crypto-trading-core/internal/regime"
)

// Config bounds a backtest run
type Config struct {
	InitialCapital float64 `json:"initial_capital"`
	FeePct         float64 `json:"fee_pct"` // per side, e.g. 0.001 for 10 bps
	WarmupBars     int     `json:"warmup_bars"`
}

// Trade is one completed round trip in the simulation
type Trade struct {
	StrategyID     string        `json:"strategy_id"`
	Symbol         string        `json:"symbol"`
	Side           market.Side   `json:"side"`
	EntryTime      time.Time     `json:"entry_time"`
	ExitTime       time.Time     `json:"exit_time"`
	EntryPrice     float64       `json:"entry_price"`
	ExitPrice      float64       `json:"exit_price"`
	Quantity       float64       `json:"quantity"`
	PnL            float64       `json:"pnl"`
	PnLPct         float64       `json:"pnl_pct"`
	Fees           float64       `json:"fees"`
	BarsHeld       int           `json:"bars_held"`
	EntryReason    string        `json:"entry_reason"`
	ExitReason     string        `json:"exit_reason"`
	Regime         regime.Regime `json:"regime"`
	SentimentLabel string        `json:"sentiment_label"` // positive / neutral / negative / missing
	Alignment      float64       `json:"alignment"`
}

// EquityPoint samples the account equity at one candle
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// SentimentMetrics summarizes how the sentiment gate shaped the run
type SentimentMetrics struct {
	AllowedRate       float64        `json:"allowed_rate"`
	BlockedRate       float64        `json:"blocked_rate"`
	MissingRate       float64        `json:"missing_rate"`
	PositiveTriggers  int            `json:"positive_triggers"`
	NegativeTriggers  int            `json:"negative_triggers"`
	AverageAlignment  float64        `json:"average_alignment"`
	DominantBias      string         `json:"dominant_bias"`
	WinsBySentiment   map[string]int `json:"wins_by_sentiment"`
	LossesBySentiment map[string]int `json:"losses_by_sentiment"`
}

// RegimeMetrics summarizes performance by market regime
type RegimeMetrics struct {
	TradesPerRegime  map[regime.Regime]int     `json:"trades_per_regime"`
	WinRatePerRegime map[regime.Regime]float64 `json:"win_rate_per_regime"`
	PreferredHitRate float64                   `json:"preferred_hit_rate"`

	// Mean win rate in preferred regimes minus mean win rate elsewhere
	RegimeBiasScore float64 `json:"regime_bias_score"`
}

// Result is the full metric bundle of one run
type Result struct {
	RunID      string    `json:"run_id"`
	StrategyID string    `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`

	TotalTrades   int `json:"total_trades"`
	WinningTrades int `json:"winning_trades"`
	LosingTrades  int `json:"losing_trades"`

	TotalReturnPct float64 `json:"total_return_pct"`
	WinRate        float64 `json:"win_rate"`
	ProfitFactor   float64 `json:"profit_factor"`
	AvgDrawdownPct float64 `json:"avg_drawdown_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	TotalFees      float64 `json:"total_fees"`
	FinalCapital   float64 `json:"final_capital"`

	MonthlyReturns map[string]float64 `json:"monthly_returns"` // "2026-01" -> pct

	Sentiment SentimentMetrics `json:"sentiment_metrics"`
	Regime    RegimeMetrics    `json:"regime_metrics"`

	Trades      []Trade       `json:"trades"`
	EquityCurve []EquityPoint `json:"equity_curve"`
}
