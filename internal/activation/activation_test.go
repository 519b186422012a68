package activation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-core/internal/events"
	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/metrics"
	"crypto-trading-core/internal/regime"
	"crypto-trading-core/internal/sentiment"
	"crypto-trading-core/internal/strategy"
)

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func newTestEngine(cfg Config) *Engine {
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stdout", Component: "test"})
	return NewEngine(cfg, logger, metrics.NewRegistry(), events.NewEventBus())
}

func bullConditions(ts time.Time) regime.MarketConditions {
	return regime.MarketConditions{
		Timestamp:      ts,
		Regime:         regime.BullTrending,
		Volatility:     0.02,
		TrendStrength:  0.5,
		VolumeTrend:    0.1,
		SentimentScore: 0.3,
		FearGreedIndex: 60,
		BTCCorrelation: 0.8,
		Liquidity:      0.7,
		Macro:          0.1,
	}
}

func candidate(id string) *strategy.Record {
	return &strategy.Record{
		ID:         id,
		Type:       strategy.Momentum,
		Timeframe:  "1h",
		Symbols:    []string{"BTCUSDT"},
		Parameters: strategy.DefaultParams(),
		Risk:       strategy.RiskParams{PositionSizePct: 0.1, MaxPositions: 2},
		Sentiment:  sentiment.Profile{Bias: sentiment.BiasBalanced, AllowMissing: true},
	}
}

// seedHistory records n snapshots around t0: mostly exact bull conditions
// with choppy outliers mixed in so standardization has a nonzero spread
func seedHistory(e *Engine, n int) {
	for i := 0; i < n; i++ {
		mc := bullConditions(t0.Add(time.Duration(i) * time.Hour))
		if i%3 == 2 {
			mc.Regime = regime.HighVolatility
			mc.Volatility = 0.09
			mc.TrendStrength = -0.4
			mc.SentimentScore = -0.5
			mc.FearGreedIndex = 20
		}
		e.RecordConditions(mc)
	}
}

func seedTrades(e *Engine, id string, returns []float64) {
	for i, ret := range returns {
		e.RecordTrade(TradeOutcome{
			StrategyID: id,
			Timestamp:  t0.Add(time.Duration(i) * time.Hour),
			ReturnPct:  ret,
		})
	}
}

func TestSuitabilityLookup(t *testing.T) {
	assert.Equal(t, 1.3, Suitability(strategy.Momentum, regime.BullTrending))
	assert.Equal(t, 0.4, Suitability(strategy.Momentum, regime.Crisis))
	assert.Equal(t, 1.0, Suitability("unknown", regime.BullTrending))
}

func TestNearestConditionsRanksBySimilarity(t *testing.T) {
	history := []regime.MarketConditions{
		bullConditions(t0),
		{Timestamp: t0, Volatility: 0.9, TrendStrength: -0.9, FearGreedIndex: 5},
		bullConditions(t0.Add(time.Hour)),
	}

	neighbors := nearestConditions(history, bullConditions(t0), 2)
	require.Len(t, neighbors, 2)
	assert.Greater(t, neighbors[0].similarity, 0.9)
	assert.Greater(t, neighbors[1].similarity, 0.9)
}

func TestScoreTrades(t *testing.T) {
	perf := scoreTrades([]TradeOutcome{
		{ReturnPct: 2}, {ReturnPct: -1}, {ReturnPct: 3}, {ReturnPct: 2},
	})
	assert.Equal(t, 4, perf.trades)
	assert.InDelta(t, 0.75, perf.winRate, 1e-9)
	assert.InDelta(t, 7.0, perf.profitFactor, 1e-9)
	assert.Greater(t, perf.sharpe, 0.0)
	assert.GreaterOrEqual(t, perf.consistency, 0.0)
	assert.LessOrEqual(t, perf.consistency, 1.0)
	assert.Greater(t, perf.maxDrawdown, 0.0)
}

func TestEvaluateActivatesStrongPerformer(t *testing.T) {
	e := newTestEngine(Config{})
	seedHistory(e, 30)
	seedTrades(e, "good", []float64{2, 1, 3, 2, 1, 3, 2, 1})

	decisions := e.Evaluate(bullConditions(t0.Add(31*time.Hour)), []*strategy.Record{candidate("good")}, sentiment.Snapshot{Combined: 0.6, SymbolPresent: true})
	require.Len(t, decisions, 1)

	d := decisions[0]
	assert.Equal(t, ActionActivate, d.Action)
	assert.GreaterOrEqual(t, d.ExpectedSharpe, 1.5)
	assert.GreaterOrEqual(t, d.Similarity, 0.7)
	assert.Contains(t, e.ActiveSet(), "good")
}

func TestEvaluateKeepsOnInsufficientTrades(t *testing.T) {
	e := newTestEngine(Config{MinHistoricalTrades: 5})
	seedHistory(e, 30)
	seedTrades(e, "thin", []float64{2, 2})

	decisions := e.Evaluate(bullConditions(t0), []*strategy.Record{candidate("thin")}, sentiment.Snapshot{})
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionKeep, decisions[0].Action)
	assert.Equal(t, "insufficient_historical_trades", decisions[0].Reason)
	assert.Empty(t, e.ActiveSet())
}

func TestEvaluateKeepsOnDissimilarConditions(t *testing.T) {
	e := newTestEngine(Config{})
	seedHistory(e, 30)
	seedTrades(e, "good", []float64{2, 1, 3, 2, 1, 3})

	// Far outside both historical clusters on every feature
	crisis := regime.MarketConditions{
		Timestamp: t0, Regime: regime.Crisis,
		Volatility: 2.0, TrendStrength: -5, SentimentScore: -5,
		FearGreedIndex: -200, BTCCorrelation: -5, Liquidity: -5, Macro: -5,
	}
	decisions := e.Evaluate(crisis, []*strategy.Record{candidate("good")}, sentiment.Snapshot{Combined: 0.6, SymbolPresent: true})
	assert.Equal(t, ActionKeep, decisions[0].Action)
	assert.Equal(t, "conditions_dissimilar", decisions[0].Reason)
}

func TestEvaluateKeepsOnMisalignedSentiment(t *testing.T) {
	e := newTestEngine(Config{})
	seedHistory(e, 30)
	seedTrades(e, "good", []float64{2, 1, 3, 2, 1, 3})

	decisions := e.Evaluate(bullConditions(t0), []*strategy.Record{candidate("good")}, sentiment.Snapshot{Combined: -0.5, SymbolPresent: true})
	assert.Equal(t, ActionKeep, decisions[0].Action)
	assert.Equal(t, "sentiment_misaligned", decisions[0].Reason)
}

func TestEvaluateDeactivatesWeakActiveStrategy(t *testing.T) {
	e := newTestEngine(Config{})
	e.SetActive([]string{"fading"})
	seedHistory(e, 30)
	seedTrades(e, "fading", []float64{-1, -2, -1, -2, -1, -2})

	decisions := e.Evaluate(bullConditions(t0), []*strategy.Record{candidate("fading")}, sentiment.Snapshot{Combined: 0.6, SymbolPresent: true})
	assert.Equal(t, ActionDeactivate, decisions[0].Action)
	assert.Empty(t, e.ActiveSet())
}

func TestMaxActiveCapDowngradesSurplus(t *testing.T) {
	e := newTestEngine(Config{MaxActiveStrategies: 1})
	seedHistory(e, 30)
	seedTrades(e, "alpha", []float64{3, 2, 4, 3, 2, 4})
	seedTrades(e, "beta", []float64{2, 1, 2, 1, 2, 1})

	decisions := e.Evaluate(bullConditions(t0),
		[]*strategy.Record{candidate("alpha"), candidate("beta")},
		sentiment.Snapshot{Combined: 0.6, SymbolPresent: true})

	activated, kept := 0, 0
	for _, d := range decisions {
		switch d.Action {
		case ActionActivate:
			activated++
		case ActionKeep:
			kept++
			assert.Equal(t, "max_active_strategies_reached", d.Reason)
		}
	}
	assert.Equal(t, 1, activated)
	assert.Equal(t, 1, kept)
	assert.Len(t, e.ActiveSet(), 1)
}

func TestDueOnCooldownAndRegimeChange(t *testing.T) {
	e := newTestEngine(Config{CooldownHours: 4})
	e.nowFn = func() time.Time { return t0 }

	seedHistory(e, 30)
	e.Evaluate(bullConditions(t0), nil, sentiment.Snapshot{})

	// Within cooldown, same regime: not due
	e.nowFn = func() time.Time { return t0.Add(time.Hour) }
	assert.False(t, e.Due(bullConditions(t0.Add(time.Hour))))

	// Regime flip forces re-evaluation regardless of cooldown
	crisis := bullConditions(t0.Add(time.Hour))
	crisis.Regime = regime.Crisis
	assert.True(t, e.Due(crisis))

	// Cooldown elapsed
	e.nowFn = func() time.Time { return t0.Add(5 * time.Hour) }
	assert.True(t, e.Due(bullConditions(t0.Add(5*time.Hour))))
}

func TestDecisionLogAccumulates(t *testing.T) {
	e := newTestEngine(Config{})
	seedHistory(e, 10)

	e.Evaluate(bullConditions(t0), []*strategy.Record{candidate("a")}, sentiment.Snapshot{})
	e.Evaluate(bullConditions(t0), []*strategy.Record{candidate("a"), candidate("b")}, sentiment.Snapshot{})
	assert.Len(t, e.Decisions(), 3)
}
