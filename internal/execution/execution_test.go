package execution

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-core/internal/events"
	"crypto-trading-core/internal/exchange"
	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/market"
	"crypto-trading-core/internal/metrics"
)

func testOrder(algo Algorithm) Order {
	return Order{
		Symbol:    "BTCUSDT",
		Side:      market.SideLong,
		Quantity:  100,
		Duration:  30 * time.Minute,
		Algorithm: algo,
	}
}

func TestTWAPSlicing(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	plan, err := BuildPlan(testOrder(TWAP), start)
	require.NoError(t, err)

	// 30 minutes at one slice per 5 minutes
	require.Len(t, plan.Slices, 6)

	total := 0.0
	for i, s := range plan.Slices {
		assert.InDelta(t, 100.0/6.0, s.Quantity, 1e-9)
		expected := start.Add(time.Duration(i) * 5 * time.Minute)
		assert.True(t, s.ScheduledTime.Equal(expected), "slice %d scheduled at %v, want %v", i, s.ScheduledTime, expected)
		assert.Equal(t, SlicePending, s.Status)
		total += s.Quantity
	}
	assert.InDelta(t, 100.0, total, 1e-9)
}

func TestTWAPMinimumSliceCount(t *testing.T) {
	order := testOrder(TWAP)
	order.Duration = 10 * time.Minute
	plan, err := BuildPlan(order, time.Now())
	require.NoError(t, err)
	assert.Len(t, plan.Slices, 5)
}

func TestVWAPProfileWeighting(t *testing.T) {
	order := testOrder(VWAP)
	order.VolumeProfile = []float64{3, 1, 1, 1, 1, 3}

	plan, err := BuildPlan(order, time.Now())
	require.NoError(t, err)
	require.Len(t, plan.Slices, 6)

	total := 0.0
	for _, s := range plan.Slices {
		total += s.Quantity
	}
	assert.InDelta(t, 100.0, total, 1e-9)
	assert.InDelta(t, 30.0, plan.Slices[0].Quantity, 1e-9)
	assert.InDelta(t, 10.0, plan.Slices[1].Quantity, 1e-9)
}

func TestVWAPZeroProfileFallsBackToUShape(t *testing.T) {
	order := testOrder(VWAP)
	order.VolumeProfile = []float64{0, 0, 0}

	plan, err := BuildPlan(order, time.Now())
	require.NoError(t, err)
	require.Len(t, plan.Slices, 6)

	total := 0.0
	for _, s := range plan.Slices {
		total += s.Quantity
	}
	assert.InDelta(t, 100.0, total, 1e-9)

	// U-shape: edges heavier than the middle
	assert.Greater(t, plan.Slices[0].Quantity, plan.Slices[2].Quantity)
	assert.Greater(t, plan.Slices[5].Quantity, plan.Slices[3].Quantity)
}

func TestPOVRescalesToParentQuantity(t *testing.T) {
	order := testOrder(POV)
	order.MarketVolumes = []float64{1000, 2000, 1000}
	order.ParticipationRate = 0.1

	plan, err := BuildPlan(order, time.Now())
	require.NoError(t, err)
	require.Len(t, plan.Slices, 3)

	total := 0.0
	for _, s := range plan.Slices {
		total += s.Quantity
	}
	assert.InDelta(t, 100.0, total, 1e-9)
	assert.InDelta(t, 25.0, plan.Slices[0].Quantity, 1e-9)
	assert.InDelta(t, 50.0, plan.Slices[1].Quantity, 1e-9)
}

func TestPOVWithoutVolumesFallsBackToTWAP(t *testing.T) {
	plan, err := BuildPlan(testOrder(POV), time.Now())
	require.NoError(t, err)
	assert.Len(t, plan.Slices, 6)
}

func TestSelectAlgorithm(t *testing.T) {
	assert.Equal(t, TWAP, SelectAlgorithm(100, 0, 0.5))
	assert.Equal(t, TWAP, SelectAlgorithm(50, 10000, 0.9))
	assert.Equal(t, VWAP, SelectAlgorithm(300, 10000, 0.5))
	assert.Equal(t, POV, SelectAlgorithm(300, 10000, 0.8))
	assert.Equal(t, VWAP, SelectAlgorithm(1000, 10000, 0.3))
	assert.Equal(t, Adaptive, SelectAlgorithm(1000, 10000, 0.8))
}

func TestOrderValidation(t *testing.T) {
	order := testOrder(TWAP)
	order.Quantity = 0
	_, err := BuildPlan(order, time.Now())
	assert.Error(t, err)

	order = testOrder("MAGIC")
	_, err = BuildPlan(order, time.Now())
	assert.Error(t, err)
}

func TestAdaptiveExecutor(t *testing.T) {
	a := NewAdaptiveExecutor(100, 4, 1.0)

	assert.InDelta(t, 25.0, a.NextSliceSize(), 1e-9)

	a.RecordExecution(25)
	assert.InDelta(t, 25.0, a.NextSliceSize(), 1e-9)

	// High volatility shrinks the next slice
	a.Adapt(0.05, 0, 0)
	assert.InDelta(t, 20.0, a.NextSliceSize(), 1e-9)

	a.RecordExecution(25)
	a.RecordExecution(25)
	a.RecordExecution(25)
	assert.Equal(t, 0.0, a.NextSliceSize())
}

func TestAdaptiveNoRemainingSlices(t *testing.T) {
	a := NewAdaptiveExecutor(100, 0, 0.5)
	assert.Equal(t, 0.0, a.NextSliceSize())
}

func TestAdaptiveUrgencyShifts(t *testing.T) {
	a := NewAdaptiveExecutor(100, 5, 0.5)

	a.Adapt(0.02, 0, 0.2) // behind schedule
	assert.InDelta(t, 0.7, a.Urgency(), 1e-9)

	a.Adapt(0.02, 25, 0) // wide spread
	assert.InDelta(t, 0.6, a.Urgency(), 1e-9)
}

func TestSplitModes(t *testing.T) {
	for _, mode := range []SplitMode{SplitEqual, SplitRandom, SplitExponential} {
		sizes, err := Split(100, 7, mode, rand.New(rand.NewSource(42)))
		require.NoError(t, err, string(mode))

		total := 0.0
		for _, s := range sizes {
			assert.Greater(t, s, 0.0, string(mode))
			total += s
		}
		assert.InDelta(t, 100.0, total, 1e-9, string(mode))
	}

	sizes, _ := Split(100, 4, SplitExponential, nil)
	assert.Greater(t, sizes[0], sizes[1])
	assert.Greater(t, sizes[1], sizes[2])

	_, err := Split(0, 4, SplitEqual, nil)
	assert.Error(t, err)
	_, err = Split(100, 4, "bogus", nil)
	assert.Error(t, err)
}

func TestIceberg(t *testing.T) {
	ib, err := NewIceberg(100, 30)
	require.NoError(t, err)

	assert.Equal(t, 30.0, ib.Next())
	ib.RecordFill(30)
	ib.RecordFill(30)
	ib.RecordFill(30)
	assert.Equal(t, 10.0, ib.Next())
	ib.RecordFill(10)
	assert.Equal(t, 0.0, ib.Next())
	assert.True(t, ib.Done())
}

func routerQuotes() []exchange.Quote {
	return []exchange.Quote{
		{Exchange: "alpha", Bid: 99.9, Ask: 100.1, BidSize: 50, AskSize: 50, FeeBps: 10},
		{Exchange: "beta", Bid: 99.8, Ask: 100.0, BidSize: 200, AskSize: 200, FeeBps: 20},
		{Exchange: "gamma", Bid: 99.7, Ask: 100.3, BidSize: 30, AskSize: 30, FeeBps: 2},
	}
}

func TestRouteBestPrice(t *testing.T) {
	decisions, err := Route(routerQuotes(), market.SideLong, 40, RouteBestPrice)
	require.NoError(t, err)
	assert.Equal(t, "beta", decisions[0].Exchange)

	decisions, err = Route(routerQuotes(), market.SideShort, 40, RouteBestPrice)
	require.NoError(t, err)
	assert.Equal(t, "alpha", decisions[0].Exchange)
}

func TestRouteBestLiquidityAndLowestFee(t *testing.T) {
	decisions, err := Route(routerQuotes(), market.SideLong, 100, RouteBestLiquidity)
	require.NoError(t, err)
	assert.Equal(t, "beta", decisions[0].Exchange)

	decisions, err = Route(routerQuotes(), market.SideLong, 10, RouteLowestFee)
	require.NoError(t, err)
	assert.Equal(t, "gamma", decisions[0].Exchange)
}

func TestRouteBalancedScoresEveryVenue(t *testing.T) {
	decisions, err := Route(routerQuotes(), market.SideLong, 40, RouteBalanced)
	require.NoError(t, err)
	require.Len(t, decisions, 3)

	for i := 1; i < len(decisions); i++ {
		assert.GreaterOrEqual(t, decisions[i-1].Score, decisions[i].Score)
	}
	// beta wins: best ask and deepest book outweigh its higher fee
	assert.Equal(t, "beta", decisions[0].Exchange)
}

func TestRouteSplitGreedyAllocation(t *testing.T) {
	decisions, err := RouteSplit(routerQuotes(), market.SideLong, 230)
	require.NoError(t, err)
	require.Len(t, decisions, 2)

	assert.Equal(t, "beta", decisions[0].Exchange)
	assert.Equal(t, 200.0, decisions[0].Quantity)
	assert.Equal(t, "alpha", decisions[1].Exchange)
	assert.Equal(t, 30.0, decisions[1].Quantity)
}

func TestRouteSplitOverflowGoesToBestVenue(t *testing.T) {
	decisions, err := RouteSplit(routerQuotes(), market.SideLong, 500)
	require.NoError(t, err)

	total := 0.0
	for _, d := range decisions {
		total += d.Quantity
	}
	assert.Equal(t, 500.0, total)
	assert.Equal(t, "beta", decisions[0].Exchange)
	assert.Greater(t, decisions[0].Quantity, 200.0)
}

func TestRouteNoQuotes(t *testing.T) {
	_, err := Route(nil, market.SideLong, 10, RouteBestPrice)
	assert.Error(t, err)
	_, err = RouteSplit(nil, market.SideLong, 10)
	assert.Error(t, err)
}

func TestBuildReportSlippageSign(t *testing.T) {
	now := time.Now()
	plan := &ExecutionPlan{
		OrderID:       "p1",
		Symbol:        "BTCUSDT",
		Side:          market.SideLong,
		TotalQuantity: 10,
		ArrivalPrice:  100,
		StartTime:     now,
		EndTime:       now.Add(10 * time.Minute),
	}
	fills := []exchange.Fill{{Price: 100.2, Size: 10, Fee: 1}}

	report := BuildReport(plan, fills, 0, 10*time.Minute)
	assert.InDelta(t, 20.0, report.SlippageBps, 1e-9)
	assert.InDelta(t, 1.0, report.FillRate, 1e-9)

	// A short filling above arrival is favorable
	plan.Side = market.SideShort
	report = BuildReport(plan, fills, 0, 10*time.Minute)
	assert.InDelta(t, -20.0, report.SlippageBps, 1e-9)
}

func TestBuildReportQualityScores(t *testing.T) {
	now := time.Now()
	plan := &ExecutionPlan{
		Side:          market.SideLong,
		TotalQuantity: 10,
		ArrivalPrice:  100,
		StartTime:     now,
		EndTime:       now.Add(10 * time.Minute),
	}

	// Under 5 bps of slippage, on time, fully filled
	fills := []exchange.Fill{{Price: 100.02, Size: 10}}
	report := BuildReport(plan, fills, 0, 10*time.Minute)
	assert.Equal(t, 100.0, report.PriceScore)
	assert.Equal(t, 100.0, report.SpeedScore)
	assert.InDelta(t, 100.0, report.FillScore, 1e-9)
	assert.InDelta(t, 100.0, report.OverallScore, 1e-9)

	// 50 bps of slippage, double the duration, half filled
	fills = []exchange.Fill{{Price: 100.5, Size: 5}}
	report = BuildReport(plan, fills, 0, 20*time.Minute)
	assert.Equal(t, 0.0, report.PriceScore)
	assert.Equal(t, 0.0, report.SpeedScore)
	assert.InDelta(t, 50.0, report.FillScore, 1e-9)
	assert.InDelta(t, 10.0, report.OverallScore, 1e-9)
}

func testEngine(t *testing.T, adapters []exchange.Adapter, onFill FillHandler) *Engine {
	t.Helper()
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stdout", Component: "test"})
	return NewEngine(EngineConfig{RoutingStrategy: RouteBestPrice}, adapters, onFill, logger, metrics.NewRegistry(), events.NewEventBus())
}

func TestEngineRunsPlanToCompletion(t *testing.T) {
	venue := exchange.NewSimulated(exchange.SimulatedConfig{
		Name: "sim", MidPrice: 100, SpreadBps: 2, DepthSize: 1000, FeeBps: 5, Seed: 7,
	})

	filled := make(chan Slice, 16)
	engine := testEngine(t, []exchange.Adapter{venue}, func(plan *ExecutionPlan, slice Slice, fills []exchange.Fill) {
		filled <- slice
	})
	defer engine.Shutdown()

	order := testOrder(TWAP)
	order.Duration = 100 * time.Millisecond

	plan, err := engine.Execute(context.Background(), order)
	require.NoError(t, err)
	assert.Greater(t, plan.ArrivalPrice, 0.0)

	engine.Wait(plan.OrderID)

	final, ok := engine.Plan(plan.OrderID)
	require.True(t, ok)
	assert.Equal(t, PlanCompleted, final.Status)
	assert.InDelta(t, 1.0, final.CompletionRate(), 1e-9)
	for _, s := range final.Slices {
		assert.Equal(t, SliceCompleted, s.Status)
		assert.Equal(t, "sim", s.Exchange)
	}
	assert.Len(t, filled, 5)

	report, ok := engine.Report(plan.OrderID)
	require.True(t, ok)
	assert.InDelta(t, 1.0, report.FillRate, 1e-9)
}

func TestEngineRetriesOnNextBestVenue(t *testing.T) {
	// flaky rejects everything; healthy quotes slightly worse but accepts
	flaky := exchange.NewSimulated(exchange.SimulatedConfig{
		Name: "flaky", MidPrice: 99.9, SpreadBps: 2, DepthSize: 1000, FailRate: 1.0, Seed: 1,
	})
	healthy := exchange.NewSimulated(exchange.SimulatedConfig{
		Name: "healthy", MidPrice: 100, SpreadBps: 2, DepthSize: 1000, Seed: 2,
	})

	engine := testEngine(t, []exchange.Adapter{flaky, healthy}, nil)
	defer engine.Shutdown()

	order := testOrder(TWAP)
	order.Duration = 50 * time.Millisecond

	plan, err := engine.Execute(context.Background(), order)
	require.NoError(t, err)
	engine.Wait(plan.OrderID)

	final, _ := engine.Plan(plan.OrderID)
	assert.Equal(t, PlanCompleted, final.Status)
	for _, s := range final.Slices {
		assert.Equal(t, SliceCompleted, s.Status)
		assert.Equal(t, "healthy", s.Exchange)
		assert.Equal(t, 2, s.Attempts)
	}
}

func TestEngineAllVenuesFailingYieldsPartial(t *testing.T) {
	broken := exchange.NewSimulated(exchange.SimulatedConfig{
		Name: "broken", MidPrice: 100, SpreadBps: 2, DepthSize: 1000, FailRate: 1.0, Seed: 3,
	})

	engine := testEngine(t, []exchange.Adapter{broken}, nil)
	defer engine.Shutdown()

	order := testOrder(TWAP)
	order.Duration = 50 * time.Millisecond

	plan, err := engine.Execute(context.Background(), order)
	require.NoError(t, err)
	engine.Wait(plan.OrderID)

	final, _ := engine.Plan(plan.OrderID)
	assert.Equal(t, PlanPartial, final.Status)
	for _, s := range final.Slices {
		assert.Equal(t, SliceFailed, s.Status)
	}
}

func TestEngineCancelMarksPendingSlicesFailed(t *testing.T) {
	venue := exchange.NewSimulated(exchange.SimulatedConfig{
		Name: "sim", MidPrice: 100, SpreadBps: 2, DepthSize: 1000, Seed: 9,
	})

	engine := testEngine(t, []exchange.Adapter{venue}, nil)
	defer engine.Shutdown()

	order := testOrder(TWAP)
	order.Duration = time.Hour // later slices never come due

	plan, err := engine.Execute(context.Background(), order)
	require.NoError(t, err)

	// Give the first slice (scheduled immediately) time to execute
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, engine.Cancel(plan.OrderID))

	final, _ := engine.Plan(plan.OrderID)
	assert.Equal(t, PlanCancelled, final.Status)
	assert.Equal(t, SliceCompleted, final.Slices[0].Status)
	for _, s := range final.Slices[1:] {
		assert.Equal(t, SliceFailed, s.Status)
	}
	assert.Equal(t, 0, final.PendingSlices())

	assert.Error(t, engine.Cancel("no-such-plan"))
}
