// Package service wires the trading core together: execution, positions,
// activation, rate limiting, caching, archival and notifications share one
// lifecycle here.
package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"crypto-trading-core/config"
	"crypto-trading-core/internal/activation"
	"crypto-trading-core/internal/backtest"
	"crypto-trading-core/internal/cache"
	"crypto-trading-core/internal/database"
	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/events"
	"crypto-trading-core/internal/exchange"
	"crypto-trading-core/internal/execution"
	"crypto-trading-core/internal/learning"
	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/marketdata"
	"crypto-trading-core/internal/metrics"
	"crypto-trading-core/internal/notification"
	"crypto-trading-core/internal/position"
	"crypto-trading-core/internal/ratelimit"
	"crypto-trading-core/internal/regime"
	"crypto-trading-core/internal/sentiment"
	"crypto-trading-core/internal/strategy"
)

// fillTarget links an execution plan to the position its fills feed.
// Entry plans carry an open template; the first fill opens the position
// at its actual executed price, later fills add to it.
type fillTarget struct {
	positionID string
	closing    bool
	spec       position.OpenSpec
}

// Service owns the core's component graph and lifecycle
type Service struct {
	cfg     *config.Config
	logger  *logging.Logger
	zlog    zerolog.Logger
	metrics *metrics.Registry
	prom    *prometheus.Registry
	bus     *events.EventBus

	redis      *redis.Client
	db         *database.DB
	repo       *database.Repository
	limiter    *ratelimit.Limiter
	cache      *cache.Manager
	positions  *position.Manager
	engine     *execution.Engine
	market     *marketdata.Client
	conditions *marketdata.ConditionsProvider
	activation *activation.Engine
	backtests  *backtest.Engine
	strategies *strategy.Registry
	notifier   *notification.Manager

	mu          sync.Mutex
	fillTargets map[string]*fillTarget
	samples     []learning.Sample

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds the component graph. Nothing external is touched until Start.
func New(cfg *config.Config, logger *logging.Logger) (*Service, error) {
	const op = "service.New"
	if cfg == nil {
		return nil, errs.Config(op, "configuration is required")
	}

	s := &Service{
		cfg:         cfg,
		logger:      logger.WithComponent("service"),
		zlog:        zerolog.New(os.Stdout).With().Timestamp().Logger(),
		metrics:     metrics.NewRegistry(),
		prom:        prometheus.NewRegistry(),
		bus:         events.NewEventBus(),
		strategies:  strategy.NewRegistry(),
		fillTargets: make(map[string]*fillTarget),
	}
	if err := s.metrics.Register(s.prom); err != nil {
		return nil, errs.Wrap(errs.KindConfig, op, err, "cannot register metrics")
	}

	s.backtests = backtest.NewEngine(cfg.Backtest, logger, s.metrics, s.bus)
	s.activation = activation.NewEngine(cfg.Activation, logger, s.metrics, s.bus)
	s.notifier = notification.NewManager(logger, s.metrics)
	return s, nil
}

// Start connects external dependencies and launches the background loops
func (s *Service) Start(ctx context.Context) error {
	const op = "service.Start"
	if s.started {
		return errs.Logic(op, "service already started")
	}

	if s.cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Address,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
			PoolSize: s.cfg.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return errs.Wrap(errs.KindUpstream, op, err, "cannot reach redis")
		}
		s.redis = client
		s.logger.Info("redis connected", "address", s.cfg.Redis.Address)
	}

	var archiver position.Archiver
	if s.cfg.Database.Enabled {
		db, err := database.NewDB(ctx, s.cfg.Database.Config, s.zlog)
		if err != nil {
			return err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return err
		}
		s.db = db
		s.repo = database.NewRepository(db, s.zlog, s.metrics)
		archiver = s.repo
	}

	s.positions = position.NewManager(s.zlog, s.metrics, s.bus, archiver)

	var store ratelimit.Store
	if s.redis != nil {
		store = ratelimit.NewRedisStore(s.redis)
	} else {
		store = ratelimit.NewMemoryStore()
	}
	limiter, err := ratelimit.NewLimiter(s.cfg.RateLimit, store, s.logger, s.metrics)
	if err != nil {
		return err
	}
	s.limiter = limiter

	var cacheClient redis.UniversalClient
	if s.redis != nil {
		cacheClient = s.redis
	}
	s.cache = cache.NewManager(s.cfg.Cache, cacheClient, s.logger, s.metrics)
	s.cache.Start()

	s.engine = execution.NewEngine(
		s.cfg.Execution, s.venues(), s.handleFill, s.logger, s.metrics, s.bus,
	)

	client, err := marketdata.NewClient(s.cfg.MarketData, s.logger, s.metrics)
	if err != nil {
		return err
	}
	s.market = client
	s.conditions = marketdata.NewConditionsProvider(
		client, s.cfg.Trading.Symbols[0], s.cfg.Trading.Interval,
	)

	if s.repo != nil {
		ids, err := s.repo.ActiveStrategyIDs(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("cannot restore active set, starting empty")
		} else if len(ids) > 0 {
			s.activation.SetActive(ids)
			s.logger.Info("active set restored", "strategies", len(ids))
		}
		s.activation.SetDecisionSink(s.persistDecision)
		s.bus.Subscribe(events.EventRegimeChanged, func(ev events.Event) {
			from, _ := ev.Data["old_regime"].(string)
			to, _ := ev.Data["new_regime"].(string)
			pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer pcancel()
			if err := s.repo.SaveRegimeChange(pctx, regime.Regime(from), regime.Regime(to), ev.Timestamp); err != nil {
				s.logger.WithError(err).Warn("regime change archive failed")
			}
		})
	}

	s.wireNotifications()

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.activation.Loop(loopCtx, s.conditions, s.strategies.Candidates, s.sentimentAt, 0)
	}()

	s.started = true
	s.bus.Publish(events.Event{Type: events.EventServiceStarted})
	s.logger.Info("service started",
		"symbols", len(s.cfg.Trading.Symbols), "dry_run", s.cfg.Trading.DryRun)
	return nil
}

// Stop drains in-flight work and releases external resources. Pending
// execution slices are cancelled, open positions get a final archive
// snapshot, then the pools close.
func (s *Service) Stop() {
	if !s.started {
		return
	}
	s.cancel()
	s.engine.Shutdown()
	s.wg.Wait()

	if s.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, pos := range s.positions.List(position.Filter{Status: position.StatusOpen}) {
			if err := s.repo.ArchivePosition(ctx, pos); err != nil {
				s.logger.WithError(err).Warn("final position snapshot failed",
					"position_id", pos.PositionID)
			}
		}
		cancel()
	}

	s.cache.Stop()
	if s.db != nil {
		s.db.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.WithError(err).Warn("redis close failed")
		}
	}

	s.started = false
	s.bus.Publish(events.Event{Type: events.EventServiceStopped})
	s.logger.Info("service stopped")
}

// Strategies exposes the strategy catalog
func (s *Service) Strategies() *strategy.Registry { return s.strategies }

// Positions exposes the position manager
func (s *Service) Positions() *position.Manager { return s.positions }

// ActiveStrategies returns the activation engine's current active set
func (s *Service) ActiveStrategies() []string { return s.activation.ActiveSet() }

// venues builds the execution venue set. Dry runs get two simulated
// venues with different cost profiles so order routing has a real choice.
func (s *Service) venues() []exchange.Adapter {
	if !s.cfg.Trading.DryRun {
		// Live adapters plug in here; until then every run is simulated
		s.logger.Warn("no live venue adapters configured, using simulated venues")
	}
	return []exchange.Adapter{
		exchange.NewSimulated(exchange.SimulatedConfig{
			Name: "sim-primary", MidPrice: 100, SpreadBps: 4, FeeBps: 10,
			DepthSize: 1000, DriftBps: 2, Seed: 1,
		}),
		exchange.NewSimulated(exchange.SimulatedConfig{
			Name: "sim-secondary", MidPrice: 100, SpreadBps: 8, FeeBps: 5,
			DepthSize: 1000, DriftBps: 2, Seed: 2,
		}),
	}
}

// SubmitEntry hands a parent order to the execution engine and opens a
// position from its fills. The open template's size and entry price are
// taken from the first executed fill, not from the request, so the
// position reflects what actually traded.
func (s *Service) SubmitEntry(ctx context.Context, spec position.OpenSpec, order execution.Order) (*execution.ExecutionPlan, error) {
	const op = "service.SubmitEntry"

	if res := s.limiter.Check(ctx, "execution", "/orders", "POST"); res.Status == ratelimit.StatusDenied {
		return nil, errs.Validation(op,
			fmt.Sprintf("order rate limit exceeded, retry in %.1fs", res.RetryAfterSec))
	}
	if order.OrderID == "" {
		order.OrderID = uuid.NewString()
	}
	if spec.Symbol == "" {
		spec.Symbol = order.Symbol
	}
	if spec.Side == "" {
		spec.Side = order.Side
	}

	s.mu.Lock()
	s.fillTargets[order.OrderID] = &fillTarget{spec: spec}
	s.mu.Unlock()

	ctx, tlog := logging.WithTraceContext(ctx)
	tlog.Info("entry order submitted",
		"order_id", order.OrderID, "symbol", order.Symbol, "quantity", order.Quantity)
	plan, err := s.engine.Execute(ctx, order)
	if err != nil {
		s.mu.Lock()
		delete(s.fillTargets, order.OrderID)
		s.mu.Unlock()
		return nil, err
	}
	return plan, nil
}

// SubmitExit executes a closing order against an existing position
func (s *Service) SubmitExit(ctx context.Context, positionID string, order execution.Order) (*execution.ExecutionPlan, error) {
	const op = "service.SubmitExit"

	if _, ok := s.positions.Get(positionID); !ok {
		return nil, errs.Validation(op, "unknown position "+positionID)
	}
	if res := s.limiter.Check(ctx, "execution", "/orders", "POST"); res.Status == ratelimit.StatusDenied {
		return nil, errs.Validation(op,
			fmt.Sprintf("order rate limit exceeded, retry in %.1fs", res.RetryAfterSec))
	}
	if order.OrderID == "" {
		order.OrderID = uuid.NewString()
	}

	s.mu.Lock()
	s.fillTargets[order.OrderID] = &fillTarget{positionID: positionID, closing: true}
	s.mu.Unlock()

	ctx, tlog := logging.WithTraceContext(ctx)
	tlog.Info("exit order submitted",
		"order_id", order.OrderID, "position_id", positionID, "quantity", order.Quantity)
	plan, err := s.engine.Execute(ctx, order)
	if err != nil {
		s.mu.Lock()
		delete(s.fillTargets, order.OrderID)
		s.mu.Unlock()
		return nil, err
	}
	return plan, nil
}

// handleFill routes executed slices into the owning position and keeps
// the plan ledger current.
func (s *Service) handleFill(plan *execution.ExecutionPlan, slice execution.Slice, fills []exchange.Fill) {
	s.mu.Lock()
	target, ok := s.fillTargets[plan.OrderID]
	if ok {
		for _, f := range fills {
			if err := s.applyFill(target, f); err != nil {
				s.logger.WithError(err).Warn("fill could not be applied",
					"position_id", target.positionID, "order_id", plan.OrderID)
			}
		}
	}
	s.mu.Unlock()

	if s.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.SavePlan(ctx, plan); err != nil {
			s.logger.WithError(err).Warn("plan ledger write failed", "order_id", plan.OrderID)
		}
	}
}

// applyFill mutates the target's position. Caller holds s.mu.
func (s *Service) applyFill(target *fillTarget, f exchange.Fill) error {
	pf := position.Fill{
		FillID:    uuid.NewString(),
		Timestamp: f.Time,
		Price:     f.Price,
		Size:      f.Size,
		Fee:       f.Fee,
		IsClosing: target.closing,
	}

	if target.closing {
		_, err := s.positions.Reduce(target.positionID, pf)
		return err
	}
	if target.positionID == "" {
		spec := target.spec
		spec.Size = f.Size
		spec.EntryPrice = f.Price
		spec.Fee = f.Fee
		spec.Timestamp = f.Time
		pos, err := s.positions.Open(spec)
		if err != nil {
			return err
		}
		target.positionID = pos.PositionID
		return nil
	}
	_, err := s.positions.Add(target.positionID, pf)
	return err
}

// PositionForOrder resolves the position an entry order opened
func (s *Service) PositionForOrder(orderID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.fillTargets[orderID]
	if !ok || target.positionID == "" {
		return "", false
	}
	return target.positionID, true
}

// RunBacktest simulates one strategy over market-data history, archives
// the result and keeps the sample for the learning pass.
func (s *Service) RunBacktest(ctx context.Context, strategyID string, from, to time.Time) (*backtest.Result, error) {
	const op = "service.RunBacktest"

	rec, ok := s.strategies.Get(strategyID)
	if !ok {
		return nil, errs.Validation(op, "unknown strategy "+strategyID)
	}
	symbol := s.cfg.Trading.Symbols[0]
	if len(rec.Symbols) > 0 {
		symbol = rec.Symbols[0]
	}

	candles, err := s.market.Candles(ctx, symbol, rec.Timeframe, 1000, from, to)
	if err != nil {
		return nil, err
	}
	hoursBack := int(time.Since(from).Hours()) + 1
	symbolSent, err := s.market.SentimentBySymbol(ctx, symbol, hoursBack)
	if err != nil {
		s.logger.WithError(err).Warn("symbol sentiment unavailable for backtest", "symbol", symbol)
	}
	globalSent, err := s.market.SentimentByType(ctx, "global", hoursBack)
	if err != nil {
		s.logger.WithError(err).Warn("global sentiment unavailable for backtest")
	}

	result, err := s.backtests.Run(ctx, rec, candles, symbolSent, globalSent)
	if err != nil {
		return nil, err
	}

	if s.repo != nil {
		if err := s.repo.SaveBacktestResult(ctx, result); err != nil {
			s.logger.WithError(err).Warn("backtest result archive failed", "run_id", result.RunID)
		}
	}

	s.mu.Lock()
	s.samples = append(s.samples, learning.Sample{Record: rec, Result: result})
	s.mu.Unlock()
	return result, nil
}

// Evolve breeds a new strategy generation from the accumulated backtest
// samples and registers the offspring as candidates.
func (s *Service) Evolve(offspring int) ([]*strategy.Record, error) {
	s.mu.Lock()
	samples := make([]learning.Sample, len(s.samples))
	copy(samples, s.samples)
	s.mu.Unlock()

	evolver := learning.NewEvolver(s.cfg.Learning, s.logger)
	children, err := evolver.Evolve(samples, offspring)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if err := s.strategies.Upsert(child); err != nil {
			s.logger.WithError(err).Warn("offspring rejected", "strategy_id", child.ID)
		}
	}
	return children, nil
}

// persistDecision is the activation engine's decision sink
func (s *Service) persistDecision(d activation.Decision) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.SaveActivationDecision(ctx, d); err != nil {
		s.logger.WithError(err).Warn("activation decision archive failed",
			"strategy_id", d.StrategyID)
	}
}

// sentimentAt builds the sentiment snapshot the activation loop feeds
// into the gate. Upstream failures degrade to a missing snapshot rather
// than blocking evaluation.
func (s *Service) sentimentAt(t time.Time) sentiment.Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	symbol := s.cfg.Trading.Symbols[0]
	symbolSent, err := s.market.SentimentBySymbol(ctx, symbol, 48)
	if err != nil {
		s.logger.WithError(err).Warn("symbol sentiment unavailable", "symbol", symbol)
	}
	globalSent, err := s.market.SentimentByType(ctx, "global", 48)
	if err != nil {
		s.logger.WithError(err).Warn("global sentiment unavailable")
	}
	if len(symbolSent) == 0 && len(globalSent) == 0 {
		return sentiment.Snapshot{}
	}
	return sentiment.NewTimeline(symbolSent, globalSent, 0, 0).At(t)
}

// wireNotifications attaches the configured channels and turns critical
// events into alerts.
func (s *Service) wireNotifications() {
	if !s.cfg.Notification.Enabled {
		return
	}
	if s.cfg.Notification.Telegram.Enabled {
		s.notifier.AddNotifier(notification.NewTelegramNotifier(s.cfg.Notification.Telegram))
	}
	if s.cfg.Notification.Discord.Enabled {
		s.notifier.AddNotifier(notification.NewDiscordNotifier(s.cfg.Notification.Discord))
	}

	s.bus.Subscribe(events.EventPositionQuarantined, func(ev events.Event) {
		alert := notification.NewAlert(
			notification.PriorityCritical, notification.AlertRisk,
			"Position quarantined",
			"A position hit an internal inconsistency and was frozen pending review.",
		)
		if symbol, ok := ev.Data["symbol"].(string); ok {
			alert.Symbol = symbol
		}
		s.dispatch(alert)
	})

	s.bus.Subscribe(events.EventStrategyActivated, func(ev events.Event) {
		id, _ := ev.Data["strategy_id"].(string)
		alert := notification.NewAlert(
			notification.PriorityMedium, notification.AlertMilestone,
			"Strategy activated", "Strategy "+id+" joined the active set.",
		)
		alert.Throttle = 15 * time.Minute
		s.dispatch(alert)
	})

	s.bus.Subscribe(events.EventPartialExecution, func(ev events.Event) {
		id, _ := ev.Data["plan_id"].(string)
		alert := notification.NewAlert(
			notification.PriorityHigh, notification.AlertRisk,
			"Partial execution", "Plan "+id+" finished below its completion threshold.",
		)
		s.dispatch(alert)
	})
}

func (s *Service) dispatch(alert *notification.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.notifier.Dispatch(ctx, alert)
}
