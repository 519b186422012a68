package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/activation"
	"crypto-trading-core/internal/backtest"
	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/execution"
	"crypto-trading-core/internal/metrics"
	"crypto-trading-core/internal/position"
	"crypto-trading-core/internal/regime"
)

// Repository persists the core's owned state. It satisfies
// position.Archiver so the position manager can hand closed positions
// straight to it.
type Repository struct {
	db      *DB
	logger  zerolog.Logger
	metrics *metrics.Registry
}

// NewRepository creates a repository over an open pool
func NewRepository(db *DB, logger zerolog.Logger, m *metrics.Registry) *Repository {
	return &Repository{
		db:      db,
		logger:  logger.With().Str("component", "archive").Logger(),
		metrics: m,
	}
}

// ArchivePosition appends the position to the log and upserts its current
// snapshot, in one transaction.
func (r *Repository) ArchivePosition(ctx context.Context, pos *position.Position) error {
	const op = "database.ArchivePosition"

	snapshot, err := json.Marshal(pos)
	if err != nil {
		return errs.Wrap(errs.KindLogic, op, err, "cannot serialize position")
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return r.fail(op, "position_log", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO position_log (position_id, status, snapshot) VALUES ($1, $2, $3)`,
		pos.PositionID, string(pos.Status), snapshot,
	)
	if err != nil {
		return r.fail(op, "position_log", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO position_snapshots (
			position_id, symbol, strategy_id, side, status,
			current_size, realized_pnl, snapshot, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CURRENT_TIMESTAMP)
		ON CONFLICT (position_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_size = EXCLUDED.current_size,
			realized_pnl = EXCLUDED.realized_pnl,
			snapshot = EXCLUDED.snapshot,
			updated_at = CURRENT_TIMESTAMP`,
		pos.PositionID, pos.Symbol, pos.StrategyID, string(pos.Side), string(pos.Status),
		pos.CurrentSize, pos.RealizedPnL, snapshot,
	)
	if err != nil {
		return r.fail(op, "position_snapshots", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return r.fail(op, "position_snapshots", err)
	}
	r.metrics.ArchiveWrites.WithLabelValues("position_snapshots", "ok").Inc()
	r.logger.Debug().Str("position_id", pos.PositionID).Str("status", string(pos.Status)).Msg("position archived")
	return nil
}

// SavePlan upserts the plan metadata and rewrites its slice ledger
func (r *Repository) SavePlan(ctx context.Context, plan *execution.ExecutionPlan) error {
	const op = "database.SavePlan"

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return r.fail(op, "execution_plans", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO execution_plans (
			order_id, symbol, side, algorithm, total_quantity,
			arrival_price, status, start_time, end_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id) DO UPDATE SET
			status = EXCLUDED.status,
			arrival_price = EXCLUDED.arrival_price`,
		plan.OrderID, plan.Symbol, string(plan.Side), string(plan.Algorithm),
		plan.TotalQuantity, plan.ArrivalPrice, string(plan.Status),
		plan.StartTime, plan.EndTime,
	)
	if err != nil {
		return r.fail(op, "execution_plans", err)
	}

	for _, slice := range plan.Slices {
		_, err = tx.Exec(ctx, `
			INSERT INTO execution_slices (
				slice_id, order_id, quantity, scheduled_time, status,
				executed_price, executed_quantity, exchange, attempts
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (slice_id) DO UPDATE SET
				status = EXCLUDED.status,
				executed_price = EXCLUDED.executed_price,
				executed_quantity = EXCLUDED.executed_quantity,
				exchange = EXCLUDED.exchange,
				attempts = EXCLUDED.attempts`,
			slice.SliceID, plan.OrderID, slice.Quantity, slice.ScheduledTime,
			string(slice.Status), slice.ExecutedPrice, slice.ExecutedQuantity,
			slice.Exchange, slice.Attempts,
		)
		if err != nil {
			return r.fail(op, "execution_slices", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return r.fail(op, "execution_plans", err)
	}
	r.metrics.ArchiveWrites.WithLabelValues("execution_plans", "ok").Inc()
	return nil
}

// SaveBacktestResult stores the full metric bundle keyed by strategy and run
func (r *Repository) SaveBacktestResult(ctx context.Context, result *backtest.Result) error {
	const op = "database.SaveBacktestResult"

	bundle, err := json.Marshal(result)
	if err != nil {
		return errs.Wrap(errs.KindLogic, op, err, "cannot serialize backtest result")
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO backtest_results (
			strategy_id, run_id, symbol, total_trades,
			total_return_pct, win_rate, sharpe_ratio, max_drawdown_pct, result
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (strategy_id, run_id) DO NOTHING`,
		result.StrategyID, result.RunID, result.Symbol, result.TotalTrades,
		result.TotalReturnPct, result.WinRate, result.SharpeRatio,
		result.MaxDrawdownPct, bundle,
	)
	if err != nil {
		return r.fail(op, "backtest_results", err)
	}
	r.metrics.ArchiveWrites.WithLabelValues("backtest_results", "ok").Inc()
	return nil
}

// BacktestResult loads one stored metric bundle
func (r *Repository) BacktestResult(ctx context.Context, strategyID, runID string) (*backtest.Result, error) {
	const op = "database.BacktestResult"

	var bundle []byte
	err := r.db.Pool.QueryRow(ctx,
		`SELECT result FROM backtest_results WHERE strategy_id = $1 AND run_id = $2`,
		strategyID, runID,
	).Scan(&bundle)
	if err != nil {
		return nil, r.fail(op, "backtest_results", err)
	}

	var result backtest.Result
	if err := json.Unmarshal(bundle, &result); err != nil {
		return nil, errs.Wrap(errs.KindLogic, op, err, "corrupt backtest bundle")
	}
	return &result, nil
}

// SaveActivationDecision appends one decision to the log
func (r *Repository) SaveActivationDecision(ctx context.Context, d activation.Decision) error {
	const op = "database.SaveActivationDecision"

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO activation_decisions (
			strategy_id, action, reason, expected_sharpe,
			similarity, alignment, regime, decided_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.StrategyID, string(d.Action), d.Reason, d.ExpectedSharpe,
		d.Similarity, d.Alignment, string(d.Regime), d.DecidedAt,
	)
	if err != nil {
		return r.fail(op, "activation_decisions", err)
	}
	r.metrics.ArchiveWrites.WithLabelValues("activation_decisions", "ok").Inc()
	return nil
}

// SaveRegimeChange records one regime transition
func (r *Repository) SaveRegimeChange(ctx context.Context, from, to regime.Regime, at time.Time) error {
	const op = "database.SaveRegimeChange"

	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO regime_changes (from_regime, to_regime, changed_at) VALUES ($1, $2, $3)`,
		string(from), string(to), at,
	)
	if err != nil {
		return r.fail(op, "regime_changes", err)
	}
	r.metrics.ArchiveWrites.WithLabelValues("regime_changes", "ok").Inc()
	return nil
}

// ActiveStrategyIDs reads the last persisted active set from the decision
// log: strategies whose latest decision was an activation.
func (r *Repository) ActiveStrategyIDs(ctx context.Context) ([]string, error) {
	const op = "database.ActiveStrategyIDs"

	rows, err := r.db.Pool.Query(ctx, `
		SELECT DISTINCT ON (strategy_id) strategy_id, action
		FROM activation_decisions
		ORDER BY strategy_id, decided_at DESC`)
	if err != nil {
		return nil, r.fail(op, "activation_decisions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, action string
		if err := rows.Scan(&id, &action); err != nil {
			return nil, r.fail(op, "activation_decisions", err)
		}
		if action == string(activation.ActionActivate) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

func (r *Repository) fail(op, table string, err error) error {
	r.metrics.ArchiveWrites.WithLabelValues(table, "error").Inc()
	r.logger.Error().Err(err).Str("table", table).Msg("archive write failed")
	return errs.Wrap(errs.KindUpstream, op, err, "archive operation failed")
}
