package activation

import (
	"context"
	"sort"
	"sync"
	"time"

	"crypto-trading-core/internal/events"
	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/metrics"
	"crypto-trading-core/internal/regime"
	"crypto-trading-core/internal/sentiment"
	"crypto-trading-core/internal/strategy"
)

// Action is the activation verdict for one strategy
type Action string

const (
	ActionActivate   Action = "activate"
	ActionKeep       Action = "keep"
	ActionDeactivate Action = "deactivate"
)

// Decision records one evaluation outcome
type Decision struct {
	StrategyID     string        `json:"strategy_id"`
	Action         Action        `json:"action"`
	Reason         string        `json:"reason"`
	ExpectedSharpe float64       `json:"expected_sharpe"`
	Similarity     float64       `json:"similarity"`
	Alignment      float64       `json:"alignment"`
	Regime         regime.Regime `json:"regime"`
	Trades         int           `json:"trades"`
	DecidedAt      time.Time     `json:"decided_at"`
}

// Config tunes the activation engine. Zero values take the documented
// defaults.
type Config struct {
	CooldownHours       float64       `json:"cooldown_hours"`
	KNeighbors          int           `json:"k_neighbors"`
	TradeWindow         time.Duration `json:"trade_window"`
	MinHistoricalTrades int           `json:"min_historical_trades"`
	MinSimilarity       float64       `json:"min_similarity"`
	MinAlignment        float64       `json:"min_alignment"`
	MinSharpe           float64       `json:"min_sharpe"`
	StrongSharpe        float64       `json:"strong_sharpe"`
	MaxActiveStrategies int           `json:"max_active_strategies"`
}

func (c *Config) applyDefaults() {
	if c.CooldownHours <= 0 {
		c.CooldownHours = 4
	}
	if c.KNeighbors <= 0 {
		c.KNeighbors = 10
	}
	if c.TradeWindow <= 0 {
		c.TradeWindow = 24 * time.Hour
	}
	if c.MinHistoricalTrades <= 0 {
		c.MinHistoricalTrades = 5
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = 0.7
	}
	if c.MinAlignment <= 0 {
		c.MinAlignment = 0.45
	}
	if c.MinSharpe <= 0 {
		c.MinSharpe = 1.0
	}
	if c.StrongSharpe <= 0 {
		c.StrongSharpe = 1.5
	}
	if c.MaxActiveStrategies <= 0 {
		c.MaxActiveStrategies = 5
	}
}

// ConditionsSource supplies the current market conditions snapshot
type ConditionsSource interface {
	CurrentConditions(ctx context.Context) (regime.MarketConditions, error)
}

// Engine owns the activation state: condition history, trade outcomes and
// the active strategy set.
type Engine struct {
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Registry
	bus     *events.EventBus

	mu         sync.RWMutex
	history    []regime.MarketConditions
	trades     map[string][]TradeOutcome
	active     map[string]bool
	lastRun    time.Time
	lastRegime regime.Regime
	decisions  []Decision
	sink       func(Decision)

	nowFn func() time.Time
}

// NewEngine creates an activation engine
func NewEngine(cfg Config, logger *logging.Logger, m *metrics.Registry, bus *events.EventBus) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:     cfg,
		logger:  logger.WithComponent("activation"),
		metrics: m,
		bus:     bus,
		trades:  make(map[string][]TradeOutcome),
		active:  make(map[string]bool),
		nowFn:   time.Now,
	}
}

// RecordConditions appends a conditions snapshot to the history
func (e *Engine) RecordConditions(mc regime.MarketConditions) {
	e.mu.Lock()
	e.history = append(e.history, mc)
	e.mu.Unlock()
}

// RecordTrade attributes a closed trade to a strategy
func (e *Engine) RecordTrade(t TradeOutcome) {
	e.mu.Lock()
	e.trades[t.StrategyID] = append(e.trades[t.StrategyID], t)
	e.mu.Unlock()
}

// ActiveSet returns the currently active strategy IDs
func (e *Engine) ActiveSet() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.active))
	for id := range e.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Decisions returns the decision log, newest last
func (e *Engine) Decisions() []Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Decision, len(e.decisions))
	copy(out, e.decisions)
	return out
}

// Due reports whether the cooldown has elapsed or the regime changed; a
// regime change forces an immediate re-evaluation.
func (e *Engine) Due(current regime.MarketConditions) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if current.Regime != "" && e.lastRegime != "" && current.Regime != e.lastRegime {
		return true
	}
	return e.nowFn().Sub(e.lastRun) >= time.Duration(e.cfg.CooldownHours*float64(time.Hour))
}

// Evaluate scores every candidate against the current conditions and
// reshapes the active set. Sentiment feeds the alignment requirement.
func (e *Engine) Evaluate(current regime.MarketConditions, candidates []*strategy.Record, snap sentiment.Snapshot) []Decision {
	now := e.nowFn()

	e.mu.Lock()
	if e.lastRegime != "" && current.Regime != "" && current.Regime != e.lastRegime {
		e.metrics.RegimeSwitches.WithLabelValues(string(e.lastRegime), string(current.Regime)).Inc()
		e.bus.PublishRegimeChanged(string(e.lastRegime), string(current.Regime), current.Volatility)
		e.logger.Info("regime changed",
			"from", string(e.lastRegime), "to", string(current.Regime))
	}
	e.lastRegime = current.Regime
	e.lastRun = now
	history := make([]regime.MarketConditions, len(e.history))
	copy(history, e.history)
	tradesByStrategy := make(map[string][]TradeOutcome, len(e.trades))
	for id, ts := range e.trades {
		tradesByStrategy[id] = ts
	}
	e.mu.Unlock()

	neighbors := nearestConditions(history, current, e.cfg.KNeighbors)
	alignment := sentiment.AlignmentScore(snap)

	decisions := make([]Decision, 0, len(candidates))
	for _, rec := range candidates {
		decisions = append(decisions, e.evaluateOne(rec, current, neighbors, tradesByStrategy[rec.ID], alignment, now))
	}

	e.applyCap(decisions)
	e.commit(decisions)
	return decisions
}

// evaluateOne scores a single candidate. Activation never acts on partial
// evaluation: any missing input downgrades to keep.
func (e *Engine) evaluateOne(rec *strategy.Record, current regime.MarketConditions, neighbors []neighbor, trades []TradeOutcome, alignment float64, now time.Time) Decision {
	d := Decision{
		StrategyID: rec.ID,
		Regime:     current.Regime,
		Alignment:  alignment,
		DecidedAt:  now,
	}

	if len(neighbors) == 0 {
		d.Action = ActionKeep
		d.Reason = "no_condition_history"
		return d
	}

	simSum := 0.0
	for _, nb := range neighbors {
		simSum += nb.similarity
	}
	d.Similarity = simSum / float64(len(neighbors))

	window := windowedTrades(trades, neighbors, e.cfg.TradeWindow)
	d.Trades = len(window)
	if len(window) < e.cfg.MinHistoricalTrades {
		d.Action = ActionKeep
		d.Reason = "insufficient_historical_trades"
		return d
	}

	perf := scoreTrades(window)
	d.ExpectedSharpe = perf.sharpe * Suitability(rec.Type, current.Regime) * alignment

	active := e.isActive(rec.ID)
	switch {
	case d.Similarity < e.cfg.MinSimilarity:
		d.Action = ActionKeep
		d.Reason = "conditions_dissimilar"
	case alignment < e.cfg.MinAlignment:
		d.Action = ActionKeep
		d.Reason = "sentiment_misaligned"
	case d.ExpectedSharpe >= e.cfg.StrongSharpe:
		d.Action = ActionActivate
		d.Reason = "strong_expected_sharpe"
	case d.ExpectedSharpe >= e.cfg.MinSharpe:
		d.Action = ActionActivate
		d.Reason = "expected_sharpe_above_min"
	case active:
		d.Action = ActionDeactivate
		d.Reason = "expected_sharpe_below_min"
	default:
		d.Action = ActionKeep
		d.Reason = "expected_sharpe_below_min"
	}
	return d
}

// applyCap downgrades surplus activations to keep, weakest first
func (e *Engine) applyCap(decisions []Decision) {
	var activations []*Decision
	for i := range decisions {
		if decisions[i].Action == ActionActivate {
			activations = append(activations, &decisions[i])
		}
	}
	if len(activations) <= e.cfg.MaxActiveStrategies {
		return
	}
	sort.SliceStable(activations, func(i, j int) bool {
		return activations[i].ExpectedSharpe > activations[j].ExpectedSharpe
	})
	for _, d := range activations[e.cfg.MaxActiveStrategies:] {
		d.Action = ActionKeep
		d.Reason = "max_active_strategies_reached"
	}
}

// commit applies decisions to the active set and records them
func (e *Engine) commit(decisions []Decision) {
	e.mu.Lock()
	sink := e.sink
	for _, d := range decisions {
		switch d.Action {
		case ActionActivate:
			if !e.active[d.StrategyID] {
				e.active[d.StrategyID] = true
				e.bus.PublishStrategyActivation(d.StrategyID, string(ActionActivate), d.Reason, d.ExpectedSharpe)
			}
		case ActionDeactivate:
			if e.active[d.StrategyID] {
				delete(e.active, d.StrategyID)
				e.bus.PublishStrategyActivation(d.StrategyID, string(ActionDeactivate), d.Reason, d.ExpectedSharpe)
			}
		}
		e.metrics.ActivationDecisions.WithLabelValues(string(d.Action)).Inc()
		e.decisions = append(e.decisions, d)
		e.logger.Info("activation decision",
			"strategy_id", d.StrategyID, "action", string(d.Action),
			"reason", d.Reason, "expected_sharpe", d.ExpectedSharpe)
	}
	e.mu.Unlock()

	// The sink runs outside the lock so a slow persister cannot stall
	// evaluation.
	if sink != nil {
		for _, d := range decisions {
			sink(d)
		}
	}
}

// SetDecisionSink installs a callback invoked for every committed
// decision, typically the archive layer.
func (e *Engine) SetDecisionSink(fn func(Decision)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = fn
}

func (e *Engine) isActive(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active[id]
}

// SetActive seeds the active set, typically from persisted state at startup
func (e *Engine) SetActive(ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = make(map[string]bool, len(ids))
	for _, id := range ids {
		e.active[id] = true
	}
}

// Loop runs the cooldown cycle until the context ends. Each tick collects
// conditions from the source; evaluation runs when due or on regime change.
func (e *Engine) Loop(ctx context.Context, source ConditionsSource, candidates func() []*strategy.Record, sentimentAt func(time.Time) sentiment.Snapshot, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := source.CurrentConditions(ctx)
			if err != nil {
				// Never act on partial evaluation
				e.logger.WithError(err).Warn("conditions unavailable, keeping active set")
				continue
			}
			e.RecordConditions(current)
			if !e.Due(current) {
				continue
			}
			e.Evaluate(current, candidates(), sentimentAt(e.nowFn()))
		}
	}
}
