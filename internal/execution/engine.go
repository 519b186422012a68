package execution

import (
	"context"
	"sync"
	"time"

	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/events"
	"crypto-trading-core/internal/exchange"
	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/metrics"
)

// FillHandler receives the fills of every completed slice, in plan order.
// The position manager subscribes here.
type FillHandler func(plan *ExecutionPlan, slice Slice, fills []exchange.Fill)

// EngineConfig holds execution engine configuration
type EngineConfig struct {
	RoutingStrategy RoutingStrategy `json:"routing_strategy"`
	AllowSplits     bool            `json:"allow_splits"`
	QuoteTimeout    time.Duration   `json:"quote_timeout"`
	SubmitTimeout   time.Duration   `json:"submit_timeout"`

	// MinCompletionRate below which an expired plan surfaces a
	// partial_execution error instead of completing.
	MinCompletionRate float64 `json:"min_completion_rate"`
}

// Engine owns live execution plans. Each plan runs on its own goroutine
// ticking the slice schedule; two slices of the same plan never execute
// concurrently.
type Engine struct {
	cfg      EngineConfig
	adapters []exchange.Adapter
	logger   *logging.Logger
	metrics  *metrics.Registry
	bus      *events.EventBus
	onFill   FillHandler

	mu    sync.RWMutex
	plans map[string]*planRun

	wg    sync.WaitGroup
	nowFn func() time.Time
}

type planRun struct {
	mu       sync.Mutex
	plan     *ExecutionPlan
	fills    []exchange.Fill
	cancel   context.CancelFunc
	done     chan struct{}
	adaptive *AdaptiveExecutor
	report   *ExecutionReport
}

// NewEngine creates an execution engine routing across the given venues
func NewEngine(cfg EngineConfig, adapters []exchange.Adapter, onFill FillHandler, logger *logging.Logger, m *metrics.Registry, bus *events.EventBus) *Engine {
	if cfg.RoutingStrategy == "" {
		cfg.RoutingStrategy = RouteBalanced
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 2 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if cfg.MinCompletionRate <= 0 {
		cfg.MinCompletionRate = 0.5
	}
	return &Engine{
		cfg:      cfg,
		adapters: adapters,
		logger:   logger.WithComponent("execution"),
		metrics:  m,
		bus:      bus,
		onFill:   onFill,
		plans:    make(map[string]*planRun),
		nowFn:    time.Now,
	}
}

// Execute slices the parent order and starts its schedule. The returned
// plan is a snapshot; progress is observed via Plan and Report.
func (e *Engine) Execute(ctx context.Context, order Order) (*ExecutionPlan, error) {
	plan, err := BuildPlan(order, e.nowFn())
	if err != nil {
		return nil, err
	}

	// Arrival price benchmark from the current best quote
	if quotes := e.gatherQuotes(ctx, plan.Symbol); len(quotes) > 0 {
		if decisions, err := Route(quotes, plan.Side, plan.TotalQuantity, RouteBestPrice); err == nil {
			plan.ArrivalPrice = decisions[0].Price
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &planRun{
		plan:   plan,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if plan.Algorithm == Adaptive {
		run.adaptive = NewAdaptiveExecutor(plan.TotalQuantity, len(plan.Slices), order.Urgency)
	}

	e.mu.Lock()
	e.plans[plan.OrderID] = run
	e.mu.Unlock()
	e.metrics.ActivePlans.Inc()

	e.bus.Publish(events.Event{Type: events.EventPlanCreated, Data: map[string]interface{}{
		"plan_id":   plan.OrderID,
		"symbol":    plan.Symbol,
		"algorithm": string(plan.Algorithm),
		"quantity":  plan.TotalQuantity,
	}})

	e.wg.Add(1)
	go e.runPlan(runCtx, run)

	return e.snapshot(run), nil
}

// runPlan ticks the slice schedule until the plan finishes or is cancelled
func (e *Engine) runPlan(ctx context.Context, run *planRun) {
	defer e.wg.Done()
	defer close(run.done)
	defer e.metrics.ActivePlans.Dec()

	start := e.nowFn()
	for i := range run.plan.Slices {
		run.mu.Lock()
		scheduled := run.plan.Slices[i].ScheduledTime
		run.mu.Unlock()

		if wait := scheduled.Sub(e.nowFn()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				e.cancelPending(run)
				return
			}
		}
		if ctx.Err() != nil {
			e.cancelPending(run)
			return
		}

		e.executeSlice(ctx, run, i)
	}

	e.finishPlan(run, e.nowFn().Sub(start))
}

// executeSlice routes and submits one slice. A failed submission is
// retried once with the next-best routing decision; two failures mark
// the slice failed and the plan continues.
func (e *Engine) executeSlice(ctx context.Context, run *planRun, idx int) {
	run.mu.Lock()
	slice := run.plan.Slices[idx]
	quantity := slice.Quantity
	if run.adaptive != nil {
		quantity = run.adaptive.NextSliceSize()
	}
	if quantity <= 0 {
		run.plan.Slices[idx].Status = SliceCompleted
		run.mu.Unlock()
		return
	}
	run.plan.Slices[idx].Status = SliceExecuting
	run.mu.Unlock()

	quotes := e.gatherQuotes(ctx, run.plan.Symbol)
	if len(quotes) == 0 {
		e.failSlice(run, idx, errs.Upstream("execution.executeSlice", nil))
		return
	}

	var decisions []RoutingDecision
	var err error
	if e.cfg.AllowSplits {
		decisions, err = RouteSplit(quotes, run.plan.Side, quantity)
	} else {
		decisions, err = Route(quotes, run.plan.Side, quantity, e.cfg.RoutingStrategy)
	}
	if err != nil || len(decisions) == 0 {
		e.failSlice(run, idx, err)
		return
	}

	if e.cfg.AllowSplits {
		e.submitSplit(ctx, run, idx, decisions)
		return
	}

	// Try the best decision, then retry once with the next-best venue
	attempts := decisions
	if len(attempts) > 2 {
		attempts = attempts[:2]
	}
	var fills []exchange.Fill
	for _, d := range attempts {
		run.mu.Lock()
		run.plan.Slices[idx].Attempts++
		run.mu.Unlock()

		fills, err = e.submit(ctx, d.Exchange, run.plan, quantity)
		if err == nil {
			e.completeSlice(run, idx, d.Exchange, fills, quantity)
			return
		}
		e.logger.WithError(err).Warn("slice submission failed",
			"plan_id", run.plan.OrderID, "exchange", d.Exchange)
	}
	e.failSlice(run, idx, err)
}

// submitSplit sends one child order per routing decision and aggregates
func (e *Engine) submitSplit(ctx context.Context, run *planRun, idx int, decisions []RoutingDecision) {
	var all []exchange.Fill
	executed := 0.0
	venue := ""
	for _, d := range decisions {
		fills, err := e.submit(ctx, d.Exchange, run.plan, d.Quantity)
		if err != nil {
			e.logger.WithError(err).Warn("split leg failed",
				"plan_id", run.plan.OrderID, "exchange", d.Exchange)
			continue
		}
		all = append(all, fills...)
		for _, f := range fills {
			executed += f.Size
		}
		venue = d.Exchange
	}
	if executed <= 0 {
		e.failSlice(run, idx, errs.Exchange("execution.submitSplit", nil, "every split leg failed"))
		return
	}
	e.completeSlice(run, idx, venue, all, executed)
}

func (e *Engine) submit(ctx context.Context, venue string, plan *ExecutionPlan, quantity float64) ([]exchange.Fill, error) {
	adapter := e.adapterByName(venue)
	if adapter == nil {
		return nil, errs.Exchange("execution.submit", nil, "unknown venue "+venue)
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()
	return adapter.SubmitOrder(ctx, plan.Symbol, plan.Side, quantity)
}

// completeSlice records fills and notifies the fill handler. Completed
// slices are terminal.
func (e *Engine) completeSlice(run *planRun, idx int, venue string, fills []exchange.Fill, executed float64) {
	totalQty, totalNotional := 0.0, 0.0
	for _, f := range fills {
		totalQty += f.Size
		totalNotional += f.Price * f.Size
	}

	run.mu.Lock()
	s := &run.plan.Slices[idx]
	s.Status = SliceCompleted
	s.Exchange = venue
	s.ExecutedQuantity = totalQty
	if totalQty > 0 {
		s.ExecutedPrice = totalNotional / totalQty
	}
	run.fills = append(run.fills, fills...)
	if run.adaptive != nil {
		run.adaptive.RecordExecution(totalQty)
	}
	sliceCopy := *s
	run.mu.Unlock()

	e.metrics.SlicesExecuted.WithLabelValues(string(run.plan.Algorithm), venue).Inc()
	e.bus.PublishSliceExecuted(run.plan.OrderID, sliceCopy.SliceID, venue, sliceCopy.ExecutedPrice, totalQty)
	if e.onFill != nil {
		e.onFill(run.plan, sliceCopy, fills)
	}
}

func (e *Engine) failSlice(run *planRun, idx int, err error) {
	run.mu.Lock()
	run.plan.Slices[idx].Status = SliceFailed
	sliceID := run.plan.Slices[idx].SliceID
	run.mu.Unlock()

	e.metrics.SliceFailures.WithLabelValues(string(run.plan.Algorithm)).Inc()
	e.bus.Publish(events.Event{Type: events.EventSliceFailed, Data: map[string]interface{}{
		"plan_id":  run.plan.OrderID,
		"slice_id": sliceID,
	}})
	if err != nil {
		e.logger.WithError(err).Warn("slice failed", "plan_id", run.plan.OrderID, "slice_id", sliceID)
	}
}

// finishPlan closes out the plan and builds its execution report. A plan
// whose completion rate fell below the threshold surfaces as a partial
// execution.
func (e *Engine) finishPlan(run *planRun, elapsed time.Duration) {
	run.mu.Lock()
	completion := run.plan.CompletionRate()
	if completion < e.cfg.MinCompletionRate {
		run.plan.Status = PlanPartial
	} else {
		run.plan.Status = PlanCompleted
	}
	report := BuildReport(run.plan, run.fills, 0, elapsed)
	run.report = &report
	status := run.plan.Status
	run.mu.Unlock()

	e.metrics.SlippageBps.Observe(report.SlippageBps)

	if status == PlanPartial {
		e.bus.Publish(events.Event{Type: events.EventPartialExecution, Data: map[string]interface{}{
			"plan_id":         run.plan.OrderID,
			"completion_rate": completion,
		}})
		e.logger.Warn("plan completed partially",
			"plan_id", run.plan.OrderID, "completion_rate", completion)
		return
	}
	e.bus.Publish(events.Event{Type: events.EventPlanCompleted, Data: map[string]interface{}{
		"plan_id":       run.plan.OrderID,
		"slippage_bps":  report.SlippageBps,
		"overall_score": report.OverallScore,
	}})
	e.logger.WithDuration(elapsed).Info("plan completed",
		"plan_id", run.plan.OrderID, "slippage_bps", report.SlippageBps)
}

// Cancel stops a plan. Pending slices are marked failed; an in-flight
// slice completes or times out and its result is still recorded.
func (e *Engine) Cancel(planID string) error {
	e.mu.RLock()
	run, ok := e.plans[planID]
	e.mu.RUnlock()
	if !ok {
		return errs.Validation("execution.Cancel", "unknown plan "+planID)
	}

	run.cancel()
	<-run.done

	run.mu.Lock()
	run.plan.Status = PlanCancelled
	run.mu.Unlock()

	e.bus.Publish(events.Event{Type: events.EventPlanCancelled, Data: map[string]interface{}{
		"plan_id": planID,
	}})
	return nil
}

func (e *Engine) cancelPending(run *planRun) {
	run.mu.Lock()
	for i := range run.plan.Slices {
		if run.plan.Slices[i].Status == SlicePending {
			run.plan.Slices[i].Status = SliceFailed
		}
	}
	run.mu.Unlock()
}

// Plan returns a consistent snapshot of a plan's current state
func (e *Engine) Plan(planID string) (*ExecutionPlan, bool) {
	e.mu.RLock()
	run, ok := e.plans[planID]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.snapshot(run), true
}

// Report returns the execution report once the plan has finished
func (e *Engine) Report(planID string) (*ExecutionReport, bool) {
	e.mu.RLock()
	run, ok := e.plans[planID]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.report == nil {
		return nil, false
	}
	r := *run.report
	return &r, true
}

// Wait blocks until a plan's schedule has finished
func (e *Engine) Wait(planID string) {
	e.mu.RLock()
	run, ok := e.plans[planID]
	e.mu.RUnlock()
	if ok {
		<-run.done
	}
}

// Shutdown cancels every active plan and waits for their goroutines
func (e *Engine) Shutdown() {
	e.mu.RLock()
	for _, run := range e.plans {
		run.cancel()
	}
	e.mu.RUnlock()
	e.wg.Wait()
}

func (e *Engine) snapshot(run *planRun) *ExecutionPlan {
	run.mu.Lock()
	defer run.mu.Unlock()
	cp := *run.plan
	cp.Slices = make([]Slice, len(run.plan.Slices))
	copy(cp.Slices, run.plan.Slices)
	return &cp
}

// gatherQuotes collects a snapshot from every venue, skipping those that
// error or time out.
func (e *Engine) gatherQuotes(ctx context.Context, symbol string) []exchange.Quote {
	var quotes []exchange.Quote
	for _, a := range e.adapters {
		qctx, cancel := context.WithTimeout(ctx, e.cfg.QuoteTimeout)
		q, err := a.Quote(qctx, symbol)
		cancel()
		if err != nil {
			e.logger.WithError(err).Debug("quote fetch failed", "exchange", a.Name())
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes
}

func (e *Engine) adapterByName(name string) exchange.Adapter {
	for _, a := range e.adapters {
		if a.Name() == name {
			return a
		}
	}
	return nil
}
