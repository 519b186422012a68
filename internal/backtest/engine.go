package backtest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/events"
	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/market"
	"crypto-trading-core/internal/metrics"
	"crypto-trading-core/internal/regime"
	"crypto-trading-core/internal/sentiment"
	"crypto-trading-core/internal/strategy"
)

// DefaultWarmupBars is the first simulated candle index; everything before
// it only feeds indicator history.
const DefaultWarmupBars = 50

// Engine runs backtests. Safe for concurrent use; each Run is independent.
type Engine struct {
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Registry
	bus     *events.EventBus
}

// NewEngine creates a backtest engine
func NewEngine(cfg Config, logger *logging.Logger, m *metrics.Registry, bus *events.EventBus) *Engine {
	if cfg.InitialCapital <= 0 {
		cfg.InitialCapital = 10000
	}
	if cfg.WarmupBars <= 0 {
		cfg.WarmupBars = DefaultWarmupBars
	}
	return &Engine{cfg: cfg, logger: logger.WithComponent("backtest"), metrics: m, bus: bus}
}

// simPosition is an open position inside the simulation
type simPosition struct {
	entryIndex     int
	side           market.Side
	entryPrice     float64
	quantity       float64
	entryFee       float64
	entryReason    string
	regime         regime.Regime
	sentimentLabel string
	alignment      float64
}

// value marks the position to the price. Shorts gain what the price loses,
// so the reserved notional is adjusted by the signed move.
func (p *simPosition) value(price float64) float64 {
	return p.quantity * (p.entryPrice + p.side.Sign()*(price-p.entryPrice))
}

// Run simulates the strategy over the candles. The sentiment series may be
// empty; the gate then follows the profile's allow_missing.
func (e *Engine) Run(ctx context.Context, rec *strategy.Record, candles []market.Candle, symbolSent, globalSent []sentiment.Entry) (*Result, error) {
	const op = "backtest.Run"
	started := time.Now()
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if len(candles) <= e.cfg.WarmupBars {
		return nil, errs.Validation(op, "not enough candles for the warm-up window")
	}

	indicators := market.ComputeIndicators(candles)
	regimes := regime.LabelSeries(candles)
	timeline := sentiment.NewTimeline(symbolSent, globalSent, rec.Sentiment.SymbolWeight, rec.Sentiment.GlobalWeight)

	result := &Result{
		RunID:          uuid.NewString(),
		StrategyID:     rec.ID,
		Symbol:         rec.Symbols[0],
		StartTime:      candles[e.cfg.WarmupBars].Time(),
		EndTime:        candles[len(candles)-1].Time(),
		MonthlyReturns: make(map[string]float64),
	}

	cash := e.cfg.InitialCapital
	var open []*simPosition
	var gate gateCounters

	monthStartEquity := cash
	currentMonth := monthKey(candles[e.cfg.WarmupBars].Time())

	for i := e.cfg.WarmupBars; i < len(candles); i++ {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.KindUpstream, op, err, "backtest cancelled")
		}
		c := candles[i]
		t := c.Time()

		// Month rollover closes out the bucket
		if mk := monthKey(t); mk != currentMonth {
			equity := equityAt(cash, open, candles[i-1].Close)
			if monthStartEquity > 0 {
				result.MonthlyReturns[currentMonth] = (equity - monthStartEquity) / monthStartEquity * 100
			}
			currentMonth = mk
			monthStartEquity = equity
		}

		// Exits first: risk thresholds, then the strategy predicate
		remaining := open[:0]
		for _, pos := range open {
			exitPrice, reason, exited := e.evaluateExits(rec, candles, indicators, i, pos)
			if exited {
				trade := e.closeTrade(rec, pos, candles, i, exitPrice, reason)
				result.Trades = append(result.Trades, trade)
				cash += pos.value(exitPrice) - trade.Fees + pos.entryFee // entry fee already deducted at open
				continue
			}
			remaining = append(remaining, pos)
		}
		open = remaining

		// Entry; the final candle never opens, it could only close at cost
		if i < len(candles)-1 && len(open) < rec.Risk.MaxPositions {
			if sig := strategy.EvaluateEntry(rec, candles, indicators, i); sig.Enter {
				snap := timeline.At(t)
				decision := sentiment.Gate(rec.Sentiment, snap)
				gate.record(snap, decision)

				if decision.Allowed {
					equity := equityAt(cash, open, c.Close)
					notional := equity * rec.Risk.PositionSizePct * decision.SizeMultiplier
					if notional > cash {
						notional = cash
					}
					if notional > 0 {
						fee := notional * e.cfg.FeePct
						side := sig.Side
						if side == "" {
							side = market.SideLong
						}
						pos := &simPosition{
							entryIndex:     i,
							side:           side,
							entryPrice:     c.Close,
							quantity:       notional / c.Close,
							entryFee:       fee,
							entryReason:    sig.Reason,
							regime:         regimes[i],
							sentimentLabel: sentimentLabel(snap),
							alignment:      snap.Alignment(),
						}
						cash -= notional + fee
						open = append(open, pos)
					}
				}
			}
		}

		result.EquityCurve = append(result.EquityCurve, EquityPoint{
			Timestamp: t,
			Equity:    equityAt(cash, open, c.Close),
		})
	}

	// Close whatever is still open at the final candle
	last := len(candles) - 1
	for _, pos := range open {
		trade := e.closeTrade(rec, pos, candles, last, candles[last].Close, "end_of_data")
		result.Trades = append(result.Trades, trade)
		cash += pos.value(candles[last].Close) - trade.Fees + pos.entryFee
	}

	// Final month bucket
	if monthStartEquity > 0 {
		result.MonthlyReturns[currentMonth] = (cash - monthStartEquity) / monthStartEquity * 100
	}

	result.FinalCapital = cash
	e.computeMetrics(rec, result, &gate)
	e.metrics.BacktestsRun.Inc()
	e.bus.Publish(events.Event{Type: events.EventBacktestCompleted, Data: map[string]interface{}{
		"run_id":       result.RunID,
		"strategy_id":  rec.ID,
		"total_trades": result.TotalTrades,
		"return_pct":   result.TotalReturnPct,
		"sharpe":       result.SharpeRatio,
	}})
	e.logger.WithDuration(time.Since(started)).Info("backtest completed",
		"strategy_id", rec.ID, "run_id", result.RunID,
		"trades", result.TotalTrades, "return_pct", result.TotalReturnPct)

	return result, nil
}

// evaluateExits checks stop/target thresholds against the candle range,
// then the strategy-type exit predicate at the close. Fill prices for stops
// and targets mirror around the entry for shorts.
func (e *Engine) evaluateExits(rec *strategy.Record, candles []market.Candle, ind []market.IndicatorSnapshot, i int, pos *simPosition) (float64, string, bool) {
	c := candles[i]
	sign := pos.side.Sign()
	if hit := strategy.RiskExit(rec, c, pos.side, pos.entryPrice); hit.Exit {
		if hit.Reason == "stop_loss" {
			return pos.entryPrice * (1 - sign*rec.Risk.StopLossPct), hit.Reason, true
		}
		return pos.entryPrice * (1 + sign*rec.Risk.TakeProfitPct), hit.Reason, true
	}
	if sig := strategy.EvaluateExit(rec, candles, ind, i, pos.side, pos.entryPrice, i-pos.entryIndex); sig.Exit {
		return c.Close, sig.Reason, true
	}
	return 0, "", false
}

func (e *Engine) closeTrade(rec *strategy.Record, pos *simPosition, candles []market.Candle, i int, exitPrice float64, reason string) Trade {
	exitFee := pos.quantity * exitPrice * e.cfg.FeePct
	sign := pos.side.Sign()
	pnl := sign*(exitPrice-pos.entryPrice)*pos.quantity - pos.entryFee - exitFee
	pnlPct := 0.0
	if pos.entryPrice > 0 {
		pnlPct = sign * (exitPrice - pos.entryPrice) / pos.entryPrice * 100
	}
	return Trade{
		StrategyID:     rec.ID,
		Symbol:         rec.Symbols[0],
		Side:           pos.side,
		EntryTime:      candles[pos.entryIndex].Time(),
		ExitTime:       candles[i].Time(),
		EntryPrice:     pos.entryPrice,
		ExitPrice:      exitPrice,
		Quantity:       pos.quantity,
		PnL:            pnl,
		PnLPct:         pnlPct,
		Fees:           pos.entryFee + exitFee,
		BarsHeld:       i - pos.entryIndex,
		EntryReason:    pos.entryReason,
		ExitReason:     reason,
		Regime:         pos.regime,
		SentimentLabel: pos.sentimentLabel,
		Alignment:      pos.alignment,
	}
}

func equityAt(cash float64, open []*simPosition, price float64) float64 {
	equity := cash
	for _, pos := range open {
		equity += pos.value(price)
	}
	return equity
}

func monthKey(t time.Time) string {
	return t.Format("2006-01")
}

// sentimentLabel buckets the combined score for attribution
func sentimentLabel(snap sentiment.Snapshot) string {
	if snap.Missing() {
		return "missing"
	}
	switch {
	case snap.Combined >= 0.2:
		return "positive"
	case snap.Combined <= -0.2:
		return "negative"
	default:
		return "neutral"
	}
}

// gateCounters accumulates sentiment-gate outcomes over the run
type gateCounters struct {
	evaluations  int
	allowed      int
	blocked      int
	missing      int
	positive     int
	negative     int
	alignmentSum float64
}

func (g *gateCounters) record(snap sentiment.Snapshot, d sentiment.Decision) {
	g.evaluations++
	if snap.Missing() {
		g.missing++
	} else {
		g.alignmentSum += snap.Alignment()
	}
	if d.Allowed {
		g.allowed++
		switch {
		case snap.Combined >= 0.2:
			g.positive++
		case snap.Combined <= -0.2:
			g.negative++
		}
	} else {
		g.blocked++
	}
}
