package backtest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-core/internal/events"
	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/market"
	"crypto-trading-core/internal/metrics"
	"crypto-trading-core/internal/sentiment"
	"crypto-trading-core/internal/strategy"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func hourlyCandles(closes []float64) []market.Candle {
	candles := make([]market.Candle, len(closes))
	for i, c := range closes {
		t := base.Add(time.Duration(i) * time.Hour)
		candles[i] = market.Candle{
			OpenTime:  t.UnixMilli(),
			Open:      c,
			High:      c * 1.01,
			Low:       c * 0.99,
			Close:     c,
			Volume:    100,
			CloseTime: t.Add(time.Hour).UnixMilli() - 1,
		}
	}
	return candles
}

func uptrendCloses(n int) []float64 {
	closes := make([]float64, n)
	price := 100.0
	for i := range closes {
		closes[i] = price
		price *= 1.01
	}
	return closes
}

func downtrendCloses(n int) []float64 {
	closes := make([]float64, n)
	price := 100.0
	for i := range closes {
		closes[i] = price
		price *= 0.99
	}
	return closes
}

func momentumRecord() *strategy.Record {
	return &strategy.Record{
		ID:         "bt-momentum",
		Name:       "momentum",
		Type:       strategy.Momentum,
		Timeframe:  "1h",
		Symbols:    []string{"BTCUSDT"},
		Parameters: strategy.DefaultParams(),
		Risk: strategy.RiskParams{
			PositionSizePct: 0.2,
			TakeProfitPct:   0.05,
			StopLossPct:     0.10,
			MaxPositions:    1,
		},
		Sentiment: sentiment.Profile{Bias: sentiment.BiasBalanced, AllowMissing: true},
	}
}

func testEngine(cfg Config) *Engine {
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stdout", Component: "test"})
	return NewEngine(cfg, logger, metrics.NewRegistry(), events.NewEventBus())
}

func TestRunRejectsShortSeries(t *testing.T) {
	e := testEngine(Config{})
	_, err := e.Run(context.Background(), momentumRecord(), hourlyCandles(uptrendCloses(30)), nil, nil)
	assert.Error(t, err)
}

func TestMomentumUptrendProducesWinningTrades(t *testing.T) {
	e := testEngine(Config{InitialCapital: 10000, FeePct: 0.001})
	candles := hourlyCandles(uptrendCloses(400))

	res, err := e.Run(context.Background(), momentumRecord(), candles, nil, nil)
	require.NoError(t, err)

	assert.Greater(t, res.TotalTrades, 1)
	assert.Equal(t, res.TotalTrades, res.WinningTrades+res.LosingTrades)
	assert.Greater(t, res.TotalReturnPct, 0.0)
	assert.Greater(t, res.FinalCapital, 10000.0)
	assert.Equal(t, 1.0, res.WinRate)
	assert.True(t, math.IsInf(res.ProfitFactor, 1))

	// A relentless uptrend pins RSI overbought, so exits come from the
	// momentum predicate after a single profitable bar
	for _, tr := range res.Trades {
		assert.Equal(t, "rsi_overbought", tr.ExitReason)
		assert.Greater(t, tr.PnL, 0.0)
		assert.NotEmpty(t, string(tr.Regime))
	}

	// 400 hourly candles span ~17 days in one month
	assert.Contains(t, res.MonthlyReturns, "2026-01")
	assert.NotEmpty(t, res.EquityCurve)
}

func TestMomentumDowntrendShortsProfit(t *testing.T) {
	e := testEngine(Config{InitialCapital: 10000, FeePct: 0.001})
	candles := hourlyCandles(downtrendCloses(400))

	res, err := e.Run(context.Background(), momentumRecord(), candles, nil, nil)
	require.NoError(t, err)

	require.Greater(t, res.TotalTrades, 1)
	assert.Greater(t, res.TotalReturnPct, 0.0)
	assert.Greater(t, res.FinalCapital, 10000.0)

	// A relentless downtrend only offers short entries, and each one rides
	// the fall to its mirrored profit target; only the final trade may be
	// cut off by the end of the series
	for i, tr := range res.Trades {
		assert.Equal(t, market.SideShort, tr.Side)
		assert.Greater(t, tr.PnL, 0.0)
		assert.Less(t, tr.ExitPrice, tr.EntryPrice)
		if i < len(res.Trades)-1 {
			assert.Equal(t, "take_profit", tr.ExitReason)
		}
	}
}

func TestSimulationStartsAfterWarmup(t *testing.T) {
	e := testEngine(Config{InitialCapital: 10000})
	candles := hourlyCandles(uptrendCloses(120))

	res, err := e.Run(context.Background(), momentumRecord(), candles, nil, nil)
	require.NoError(t, err)

	warmupEnd := candles[DefaultWarmupBars].Time()
	for _, tr := range res.Trades {
		assert.False(t, tr.EntryTime.Before(warmupEnd))
	}
	assert.Equal(t, warmupEnd, res.StartTime)
}

func TestSentimentGateBlocksEntries(t *testing.T) {
	e := testEngine(Config{InitialCapital: 10000})
	candles := hourlyCandles(uptrendCloses(200))

	rec := momentumRecord()
	rec.Sentiment = sentiment.Profile{Bias: sentiment.BiasRiskOn, MinAlignment: 0.6}
	bearish := []sentiment.Entry{{Timestamp: base, Score: -0.9}}

	res, err := e.Run(context.Background(), rec, candles, bearish, nil)
	require.NoError(t, err)

	assert.Zero(t, res.TotalTrades)
	assert.Equal(t, 1.0, res.Sentiment.BlockedRate)
	assert.Zero(t, res.Sentiment.AllowedRate)
	assert.InDelta(t, 0.05, res.Sentiment.AverageAlignment, 1e-9)
}

func TestMissingSentimentFollowsProfile(t *testing.T) {
	e := testEngine(Config{InitialCapital: 10000})
	candles := hourlyCandles(uptrendCloses(200))

	strict := momentumRecord()
	strict.Sentiment.AllowMissing = false
	res, err := e.Run(context.Background(), strict, candles, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, res.TotalTrades)
	assert.Equal(t, 1.0, res.Sentiment.MissingRate)

	relaxed := momentumRecord()
	res, err = e.Run(context.Background(), relaxed, candles, nil, nil)
	require.NoError(t, err)
	assert.Greater(t, res.TotalTrades, 0)
}

func TestPositiveSentimentSizesEntries(t *testing.T) {
	e := testEngine(Config{InitialCapital: 10000})
	candles := hourlyCandles(uptrendCloses(200))

	rec := momentumRecord()
	rec.Sentiment = sentiment.Profile{Bias: sentiment.BiasRiskOn, MinAlignment: 0.5}
	bullish := []sentiment.Entry{{Timestamp: base, Score: 0.8}}

	res, err := e.Run(context.Background(), rec, candles, bullish, nil)
	require.NoError(t, err)

	assert.Greater(t, res.TotalTrades, 0)
	assert.Greater(t, res.Sentiment.PositiveTriggers, 0)
	assert.Equal(t, "risk_on", res.Sentiment.DominantBias)
	for _, tr := range res.Trades {
		assert.Equal(t, "positive", tr.SentimentLabel)
	}
}

func TestRegimeMetricsTagTrades(t *testing.T) {
	e := testEngine(Config{InitialCapital: 10000})
	candles := hourlyCandles(uptrendCloses(300))

	rec := momentumRecord()
	res, err := e.Run(context.Background(), rec, candles, nil, nil)
	require.NoError(t, err)
	require.Greater(t, res.TotalTrades, 0)

	total := 0
	for _, n := range res.Regime.TradesPerRegime {
		total += n
	}
	assert.Equal(t, res.TotalTrades, total)
	for rg, wr := range res.Regime.WinRatePerRegime {
		assert.GreaterOrEqual(t, wr, 0.0, rg)
		assert.LessOrEqual(t, wr, 1.0, rg)
	}
}

func TestDrawdownComputation(t *testing.T) {
	curve := []EquityPoint{
		{Equity: 100}, {Equity: 110}, {Equity: 99}, {Equity: 115}, {Equity: 103.5},
	}
	avg, max := drawdowns(curve)

	// Episode 1: 110 -> 99 = 10%; episode 2: 115 -> 103.5 = 10%
	assert.InDelta(t, 10.0, max, 1e-9)
	assert.InDelta(t, 10.0, avg, 1e-9)
}

func TestSharpeOfSteadyGrowth(t *testing.T) {
	var curve []EquityPoint
	equity := 100.0
	for day := 0; day < 30; day++ {
		equity *= 1.01
		curve = append(curve, EquityPoint{
			Timestamp: base.AddDate(0, 0, day),
			Equity:    equity,
		})
	}
	// Constant daily returns have zero variance
	assert.Equal(t, 0.0, sharpe(curve))

	// Alternating gains and losses produce a finite ratio
	curve = nil
	equity = 100
	for day := 0; day < 60; day++ {
		if day%2 == 0 {
			equity *= 1.02
		} else {
			equity *= 0.995
		}
		curve = append(curve, EquityPoint{Timestamp: base.AddDate(0, 0, day), Equity: equity})
	}
	s := sharpe(curve)
	assert.Greater(t, s, 0.0)
}
