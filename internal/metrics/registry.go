// Package metrics exposes Prometheus collectors for the trading core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all Prometheus metrics for the trading core
type Registry struct {
	// Rate limiter metrics
	RateLimitDecisions *prometheus.CounterVec
	RedisErrors        prometheus.Counter

	// Cache performance metrics
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheHitRatio  prometheus.Gauge

	// Execution metrics
	SlicesExecuted *prometheus.CounterVec
	SliceFailures  *prometheus.CounterVec
	SlippageBps    prometheus.Histogram
	ActivePlans    prometheus.Gauge

	// Position metrics
	OpenPositions  prometheus.Gauge
	PositionsTotal *prometheus.CounterVec
	StopsTriggered *prometheus.CounterVec

	// Activation metrics
	RegimeSwitches      *prometheus.CounterVec
	ActivationDecisions *prometheus.CounterVec
	BacktestsRun        prometheus.Counter

	// Collaborator metrics
	UpstreamRequests *prometheus.CounterVec
	AlertsDispatched *prometheus.CounterVec
	ArchiveWrites    *prometheus.CounterVec
}

// NewRegistry creates a new metrics registry with all trading-core metrics
func NewRegistry() *Registry {
	return &Registry{
		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradingcore_ratelimit_decisions_total",
				Help: "Total rate-limit decisions by rule and status",
			},
			[]string{"rule", "status"},
		),
		RedisErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradingcore_redis_errors_total",
				Help: "Total shared-store failures (rate limiter fails open on these)",
			},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradingcore_cache_hits_total",
				Help: "Total cache hits by tier and strategy",
			},
			[]string{"tier", "strategy"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradingcore_cache_misses_total",
				Help: "Total cache misses by tier and strategy",
			},
			[]string{"tier", "strategy"},
		),
		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradingcore_cache_evictions_total",
				Help: "Total cache evictions by strategy",
			},
			[]string{"strategy"},
		),
		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradingcore_cache_hit_ratio",
				Help: "Current cache hit ratio (0.0 to 1.0)",
			},
		),
		SlicesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradingcore_slices_executed_total",
				Help: "Total slices executed by algorithm and exchange",
			},
			[]string{"algorithm", "exchange"},
		),
		SliceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradingcore_slice_failures_total",
				Help: "Total slice failures by algorithm",
			},
			[]string{"algorithm"},
		),
		SlippageBps: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tradingcore_slippage_bps",
				Help:    "Signed slippage versus arrival price in basis points",
				Buckets: []float64{-50, -25, -10, -5, -1, 0, 1, 5, 10, 25, 50, 100},
			},
		),
		ActivePlans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradingcore_active_plans",
				Help: "Execution plans currently ticking",
			},
		),
		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradingcore_open_positions",
				Help: "Positions currently open or partially closed",
			},
		),
		PositionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradingcore_positions_total",
				Help: "Total position lifecycle transitions by status",
			},
			[]string{"status"},
		),
		StopsTriggered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradingcore_stops_triggered_total",
				Help: "Trailing stop triggers by stop type",
			},
			[]string{"type"},
		),
		RegimeSwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradingcore_regime_switches_total",
				Help: "Regime transitions by from/to regime",
			},
			[]string{"from", "to"},
		),
		ActivationDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradingcore_activation_decisions_total",
				Help: "Strategy activation decisions by action",
			},
			[]string{"action"},
		),
		BacktestsRun: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradingcore_backtests_total",
				Help: "Backtest simulations completed",
			},
		),
		UpstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradingcore_upstream_requests_total",
				Help: "Market-data service requests by endpoint and outcome",
			},
			[]string{"endpoint", "status"},
		),
		AlertsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradingcore_alerts_dispatched_total",
				Help: "Alert deliveries by channel and outcome",
			},
			[]string{"channel", "status"},
		),
		ArchiveWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradingcore_archive_writes_total",
				Help: "Database archive writes by table and outcome",
			},
			[]string{"table", "status"},
		),
	}
}

// Register registers every collector on the given registerer.
func (r *Registry) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		r.RateLimitDecisions, r.RedisErrors,
		r.CacheHits, r.CacheMisses, r.CacheEvictions, r.CacheHitRatio,
		r.SlicesExecuted, r.SliceFailures, r.SlippageBps, r.ActivePlans,
		r.OpenPositions, r.PositionsTotal, r.StopsTriggered,
		r.RegimeSwitches, r.ActivationDecisions, r.BacktestsRun,
		r.UpstreamRequests, r.AlertsDispatched, r.ArchiveWrites,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
