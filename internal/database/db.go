// Package database persists the core's owned state: position archives,
// execution-plan ledgers, backtest results and activation history.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"crypto-trading-core/internal/errs"
)

// Config holds the PostgreSQL connection configuration
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int32  `json:"max_conns"`
}

// Validate rejects incomplete configs before a connection is attempted
func (c Config) Validate() error {
	const op = "database.Config.Validate"
	if c.Host == "" {
		return errs.Config(op, "database host is required")
	}
	if c.Port <= 0 {
		return errs.Config(op, "database port must be positive")
	}
	if c.User == "" || c.Database == "" {
		return errs.Config(op, "database user and name are required")
	}
	return nil
}

// DSN builds the connection string
func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode,
	)
}

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB connects and verifies the pool with a ping
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	const op = "database.NewDB"
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, op, err, "invalid database config")
	}
	poolConfig.MaxConns = cfg.MaxConns
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = 10
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, op, err, "cannot create connection pool")
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.KindUpstream, op, err, "cannot reach database")
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("database", cfg.Database).Msg("connected")
	return &DB{Pool: pool, logger: log}, nil
}

// Close shuts the pool down
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("connection pool closed")
	}
}

// Migrate creates the core's tables
func (db *DB) Migrate(ctx context.Context) error {
	const op = "database.Migrate"

	migrations := []string{
		// Append-only position log: one row per archived state
		`CREATE TABLE IF NOT EXISTS position_log (
			id BIGSERIAL PRIMARY KEY,
			position_id VARCHAR(64) NOT NULL,
			status VARCHAR(20) NOT NULL,
			snapshot JSONB NOT NULL,
			logged_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_position_log_position ON position_log(position_id)`,

		// Current snapshot per position id
		`CREATE TABLE IF NOT EXISTS position_snapshots (
			position_id VARCHAR(64) PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			strategy_id VARCHAR(64),
			side VARCHAR(5) NOT NULL,
			status VARCHAR(20) NOT NULL,
			current_size DECIMAL(20, 8) NOT NULL,
			realized_pnl DECIMAL(20, 8) NOT NULL,
			snapshot JSONB NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_position_snapshots_symbol ON position_snapshots(symbol)`,

		// Execution-plan metadata plus slice ledger
		`CREATE TABLE IF NOT EXISTS execution_plans (
			order_id VARCHAR(64) PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			algorithm VARCHAR(16) NOT NULL,
			total_quantity DECIMAL(20, 8) NOT NULL,
			arrival_price DECIMAL(20, 8),
			status VARCHAR(20) NOT NULL,
			start_time TIMESTAMPTZ,
			end_time TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS execution_slices (
			slice_id VARCHAR(64) PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL REFERENCES execution_plans(order_id),
			quantity DECIMAL(20, 8) NOT NULL,
			scheduled_time TIMESTAMPTZ NOT NULL,
			status VARCHAR(16) NOT NULL,
			executed_price DECIMAL(20, 8),
			executed_quantity DECIMAL(20, 8),
			exchange VARCHAR(32),
			attempts INT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_slices_order ON execution_slices(order_id)`,

		// Full metric bundle per backtest run
		`CREATE TABLE IF NOT EXISTS backtest_results (
			strategy_id VARCHAR(64) NOT NULL,
			run_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			total_trades INT NOT NULL,
			total_return_pct DECIMAL(12, 4) NOT NULL,
			win_rate DECIMAL(8, 6) NOT NULL,
			sharpe_ratio DECIMAL(12, 6) NOT NULL,
			max_drawdown_pct DECIMAL(12, 4) NOT NULL,
			result JSONB NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (strategy_id, run_id)
		)`,

		// Activation decision log
		`CREATE TABLE IF NOT EXISTS activation_decisions (
			id BIGSERIAL PRIMARY KEY,
			strategy_id VARCHAR(64) NOT NULL,
			action VARCHAR(12) NOT NULL,
			reason VARCHAR(64) NOT NULL,
			expected_sharpe DECIMAL(12, 6),
			similarity DECIMAL(8, 6),
			alignment DECIMAL(8, 6),
			regime VARCHAR(20),
			decided_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activation_decisions_strategy ON activation_decisions(strategy_id)`,

		// Regime transitions
		`CREATE TABLE IF NOT EXISTS regime_changes (
			id BIGSERIAL PRIMARY KEY,
			from_regime VARCHAR(20) NOT NULL,
			to_regime VARCHAR(20) NOT NULL,
			changed_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return errs.Wrap(errs.KindUpstream, op, err, "migration failed")
		}
	}
	db.logger.Info().Int("statements", len(migrations)).Msg("migrations applied")
	return nil
}
