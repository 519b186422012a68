package position

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/events"
	"crypto-trading-core/internal/market"
	"crypto-trading-core/internal/metrics"
)

// Archiver persists terminal positions. The database layer implements it;
// tests pass nil.
type Archiver interface {
	ArchivePosition(ctx context.Context, p *Position) error
}

// OpenSpec describes a position open request
type OpenSpec struct {
	Symbol          string
	StrategyID      string
	Side            market.Side
	Size            float64
	EntryPrice      float64
	Fee             float64
	StopLossPrice   float64
	TakeProfitPrice float64
	TrailingStop    TrailingStop
	Regime          string
	SentimentScore  float64
	Timestamp       time.Time
}

// TickResult reports everything a price update triggered on one position
type TickResult struct {
	Position      *Position     `json:"position"`
	StopTriggered bool          `json:"stop_triggered"`
	StopType      StopType      `json:"stop_type,omitempty"`
	ExitActions   []ExitAction  `json:"exit_actions,omitempty"`
	LadderActions []LadderLevel `json:"ladder_actions,omitempty"`
}

// tracked pairs a position with its auxiliary structures. Its mutex
// serializes every mutation of that position; fills apply in arrival
// order.
type tracked struct {
	mu      sync.Mutex
	pos     *Position
	stop    TrailingStop
	exits   *ExitManager
	ladders []*Ladder
	candles []market.Candle
}

// Manager owns every live position. Terminal positions move to an
// in-memory archive and, when an Archiver is wired, to durable storage.
type Manager struct {
	mu      sync.RWMutex
	open    map[string]*tracked
	archive map[string]*Position

	logger   zerolog.Logger
	metrics  *metrics.Registry
	bus      *events.EventBus
	archiver Archiver

	nowFn func() time.Time
}

// NewManager creates a position manager
func NewManager(logger zerolog.Logger, m *metrics.Registry, bus *events.EventBus, archiver Archiver) *Manager {
	return &Manager{
		open:     make(map[string]*tracked),
		archive:  make(map[string]*Position),
		logger:   logger.With().Str("component", "PositionManager").Logger(),
		metrics:  m,
		bus:      bus,
		archiver: archiver,
		nowFn:    time.Now,
	}
}

// Open creates a position from the spec
func (m *Manager) Open(spec OpenSpec) (*Position, error) {
	const op = "position.Open"
	if spec.Symbol == "" {
		return nil, errs.Validation(op, "symbol is required")
	}
	if !spec.Side.Valid() {
		return nil, errs.Validation(op, "side must be long or short")
	}
	if spec.Size <= 0 || spec.EntryPrice <= 0 {
		return nil, errs.Validation(op, "size and entry price must be positive")
	}

	now := spec.Timestamp
	if now.IsZero() {
		now = m.nowFn()
	}

	p := &Position{
		PositionID:        uuid.NewString(),
		Symbol:            spec.Symbol,
		StrategyID:        spec.StrategyID,
		Side:              spec.Side,
		Status:            StatusOpen,
		InitialSize:       spec.Size,
		CurrentSize:       spec.Size,
		AverageEntryPrice: spec.EntryPrice,
		CurrentPrice:      spec.EntryPrice,
		TotalFees:         spec.Fee,
		StopLossPrice:     spec.StopLossPrice,
		TakeProfitPrice:   spec.TakeProfitPrice,
		Regime:            spec.Regime,
		SentimentScore:    spec.SentimentScore,
		OpenedAt:          now,
		LastUpdateTime:    now,
		Fills: []Fill{{
			FillID:    uuid.NewString(),
			Timestamp: now,
			Price:     spec.EntryPrice,
			Size:      spec.Size,
			Fee:       spec.Fee,
		}},
	}

	tr := &tracked{pos: p, stop: spec.TrailingStop, exits: NewExitManager()}
	if tr.stop != nil {
		tr.stop.Update(spec.EntryPrice, nil)
		p.TrailingStopPrice = tr.stop.Stop()
	}

	m.mu.Lock()
	m.open[p.PositionID] = tr
	m.mu.Unlock()

	m.metrics.OpenPositions.Inc()
	m.metrics.PositionsTotal.WithLabelValues(string(StatusOpen)).Inc()
	m.bus.PublishPositionOpened(p.PositionID, p.Symbol, string(p.Side), spec.EntryPrice, spec.Size)
	m.logger.Info().
		Str("position_id", p.PositionID).
		Str("symbol", p.Symbol).
		Str("side", string(p.Side)).
		Float64("size", spec.Size).
		Float64("entry_price", spec.EntryPrice).
		Msg("Position opened")

	return m.snapshotTracked(tr), nil
}

// AddExitCondition registers an exit condition on an open position
func (m *Manager) AddExitCondition(id string, c ExitCondition) error {
	tr, err := m.tracked(id)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	tr.exits.Add(c)
	tr.mu.Unlock()
	return nil
}

// AddLadder attaches a scale ladder evaluated on every price tick
func (m *Manager) AddLadder(id string, l *Ladder) error {
	tr, err := m.tracked(id)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	tr.ladders = append(tr.ladders, l)
	tr.mu.Unlock()
	return nil
}

// SetCandles refreshes the candle window feeding ATR-family stops
func (m *Manager) SetCandles(id string, candles []market.Candle) error {
	tr, err := m.tracked(id)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	tr.candles = candles
	tr.mu.Unlock()
	return nil
}

// UpdatePrice marks the position to the tick, re-evaluates the active
// stop and all exit conditions, and closes the position when a stop is
// crossed. Ladder and exit actions are returned for the caller to action.
func (m *Manager) UpdatePrice(id string, price float64, t time.Time) (*TickResult, error) {
	const op = "position.UpdatePrice"
	if price <= 0 {
		return nil, errs.Validation(op, "price must be positive")
	}

	tr, err := m.tracked(id)
	if err != nil {
		return nil, err
	}

	tr.mu.Lock()
	p := tr.pos
	if p.Terminal() || p.Status == StatusQuarantined {
		tr.mu.Unlock()
		return nil, errs.Validation(op, "position no longer accepts updates")
	}

	p.markPrice(price, t)

	result := &TickResult{}

	if tr.stop != nil {
		p.TrailingStopPrice = tr.stop.Update(price, tr.candles)
		if tr.stop.Triggered(price) {
			result.StopTriggered = true
			result.StopType = tr.stop.Type()
		}
	}
	if !result.StopTriggered && stopLossCrossed(p, price) {
		result.StopTriggered = true
		result.StopType = "fixed"
	}

	takeProfit := takeProfitCrossed(p, price)

	for _, l := range tr.ladders {
		result.LadderActions = append(result.LadderActions, l.Crossed(price)...)
	}
	result.ExitActions = tr.exits.Evaluate(p, price, t)
	tr.mu.Unlock()

	for _, lv := range result.LadderActions {
		m.bus.Publish(events.Event{Type: events.EventLadderLevelHit, Data: map[string]interface{}{
			"position_id":   id,
			"trigger_price": lv.TriggerPrice,
			"size":          lv.Size,
		}})
	}

	if result.StopTriggered {
		m.metrics.StopsTriggered.WithLabelValues(string(result.StopType)).Inc()
		m.bus.Publish(events.Event{Type: events.EventStopTriggered, Data: map[string]interface{}{
			"position_id": id,
			"stop_type":   string(result.StopType),
			"price":       price,
		}})
		if err := m.Close(id, Fill{Price: price, Timestamp: t}); err != nil {
			return nil, err
		}
	} else if takeProfit {
		if err := m.Close(id, Fill{Price: price, Timestamp: t}); err != nil {
			return nil, err
		}
	}

	snap, _ := m.Get(id)
	result.Position = snap
	return result, nil
}

func stopLossCrossed(p *Position, price float64) bool {
	if p.StopLossPrice <= 0 {
		return false
	}
	if p.Side == market.SideLong {
		return price <= p.StopLossPrice
	}
	return price >= p.StopLossPrice
}

func takeProfitCrossed(p *Position, price float64) bool {
	if p.TakeProfitPrice <= 0 {
		return false
	}
	if p.Side == market.SideLong {
		return price >= p.TakeProfitPrice
	}
	return price <= p.TakeProfitPrice
}

// Add scales into an open position with an opening fill
func (m *Manager) Add(id string, f Fill) (*Position, error) {
	const op = "position.Add"
	if f.Size <= 0 || f.Price <= 0 {
		return nil, errs.Validation(op, "fill size and price must be positive")
	}
	f.IsClosing = false

	tr, err := m.tracked(id)
	if err != nil {
		return nil, err
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	p := tr.pos
	if p.Terminal() || p.Status == StatusQuarantined {
		return nil, errs.Validation(op, "position no longer accepts fills")
	}

	if f.FillID == "" {
		f.FillID = uuid.NewString()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = m.nowFn()
	}
	p.applyOpeningFill(f)
	if err := p.checkConsistency(); err != nil {
		m.quarantineLocked(p, err)
		return nil, err
	}

	cp := *p
	return &cp, nil
}

// Reduce partially closes an open position with a closing fill. A fill
// larger than the current size is rejected and the position is untouched.
func (m *Manager) Reduce(id string, f Fill) (*Position, error) {
	const op = "position.Reduce"
	if f.Size <= 0 || f.Price <= 0 {
		return nil, errs.Validation(op, "fill size and price must be positive")
	}
	f.IsClosing = true

	tr, err := m.tracked(id)
	if err != nil {
		return nil, err
	}

	tr.mu.Lock()
	p := tr.pos
	if p.Terminal() || p.Status == StatusQuarantined {
		tr.mu.Unlock()
		return nil, errs.Validation(op, "position no longer accepts fills")
	}
	if f.Size > p.CurrentSize+1e-9 {
		tr.mu.Unlock()
		return nil, errs.Validation(op, "reduce size exceeds current size")
	}

	if f.FillID == "" {
		f.FillID = uuid.NewString()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = m.nowFn()
	}
	p.applyClosingFill(f)
	if err := p.checkConsistency(); err != nil {
		m.quarantineLocked(p, err)
		tr.mu.Unlock()
		return nil, err
	}

	closed := p.Status == StatusClosed
	cp := *p
	tr.mu.Unlock()

	if closed {
		m.archivePosition(id, &cp)
	}
	return &cp, nil
}

// Close fully exits the position at the fill price
func (m *Manager) Close(id string, f Fill) error {
	tr, err := m.tracked(id)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	f.Size = tr.pos.CurrentSize
	tr.mu.Unlock()

	_, err = m.Reduce(id, f)
	return err
}

// archivePosition moves a terminal position out of the live set
func (m *Manager) archivePosition(id string, p *Position) {
	m.mu.Lock()
	delete(m.open, id)
	m.archive[id] = p
	m.mu.Unlock()

	m.metrics.OpenPositions.Dec()
	m.metrics.PositionsTotal.WithLabelValues(string(p.Status)).Inc()
	m.bus.PublishPositionClosed(p.PositionID, p.Symbol, p.RealizedPnL, p.RealizedPnLPct())
	m.logger.Info().
		Str("position_id", p.PositionID).
		Str("symbol", p.Symbol).
		Float64("realized_pnl", p.RealizedPnL).
		Float64("realized_pnl_pct", p.RealizedPnLPct()).
		Msg("Position closed")

	if m.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.archiver.ArchivePosition(ctx, p); err != nil {
			m.logger.Error().Err(err).
				Str("position_id", p.PositionID).
				Msg("Failed to archive position")
		}
	}
}

// quarantineLocked isolates a position whose ledger failed to reconcile.
// Caller holds the tracked mutex.
func (m *Manager) quarantineLocked(p *Position, cause error) {
	p.Status = StatusQuarantined
	m.metrics.PositionsTotal.WithLabelValues(string(StatusQuarantined)).Inc()
	m.bus.Publish(events.Event{Type: events.EventPositionQuarantined, Data: map[string]interface{}{
		"position_id": p.PositionID,
		"symbol":      p.Symbol,
		"error":       cause.Error(),
	}})
	m.logger.Error().Err(cause).
		Str("position_id", p.PositionID).
		Msg("Position quarantined")
}

// Get returns a snapshot of a live or archived position
func (m *Manager) Get(id string) (*Position, bool) {
	m.mu.RLock()
	tr, live := m.open[id]
	archived, done := m.archive[id]
	m.mu.RUnlock()

	if live {
		return m.snapshotTracked(tr), true
	}
	if done {
		cp := *archived
		return &cp, true
	}
	return nil, false
}

// Filter narrows List queries; zero fields match everything
type Filter struct {
	Symbol     string
	StrategyID string
	Status     Status
}

// List returns snapshots of open positions matching the filter
func (m *Manager) List(f Filter) []*Position {
	m.mu.RLock()
	trs := make([]*tracked, 0, len(m.open))
	for _, tr := range m.open {
		trs = append(trs, tr)
	}
	m.mu.RUnlock()

	var out []*Position
	for _, tr := range trs {
		p := m.snapshotTracked(tr)
		if f.Symbol != "" && p.Symbol != f.Symbol {
			continue
		}
		if f.StrategyID != "" && p.StrategyID != f.StrategyID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Totals aggregates the live book
type Totals struct {
	OpenCount     int     `json:"open_count"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`
	TotalFees     float64 `json:"total_fees"`
	GrossExposure float64 `json:"gross_exposure"`
}

// Aggregate computes totals across all open positions
func (m *Manager) Aggregate() Totals {
	var t Totals
	for _, p := range m.List(Filter{}) {
		t.OpenCount++
		t.UnrealizedPnL += p.UnrealizedPnL
		t.RealizedPnL += p.RealizedPnL
		t.TotalFees += p.TotalFees
		t.GrossExposure += p.CurrentPrice * p.CurrentSize
	}
	return t
}

func (m *Manager) tracked(id string) (*tracked, error) {
	m.mu.RLock()
	tr, ok := m.open[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.Validation("position.lookup", "unknown position "+id)
	}
	return tr, nil
}

func (m *Manager) snapshotTracked(tr *tracked) *Position {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	cp := *tr.pos
	cp.Fills = make([]Fill, len(tr.pos.Fills))
	copy(cp.Fills, tr.pos.Fills)
	return &cp
}
