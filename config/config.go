// Package config loads the trading-core configuration from config.json
// with environment-variable overrides, and validates it hard: a malformed
// config refuses to start rather than run with silent defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"crypto-trading-core/internal/activation"
	"crypto-trading-core/internal/backtest"
	"crypto-trading-core/internal/cache"
	"crypto-trading-core/internal/database"
	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/execution"
	"crypto-trading-core/internal/learning"
	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/marketdata"
	"crypto-trading-core/internal/notification"
	"crypto-trading-core/internal/ratelimit"
)

// Config is the full trading-core configuration
type Config struct {
	Logging      logging.Config         `json:"logging"`
	Redis        RedisConfig            `json:"redis"`
	Database     DatabaseConfig         `json:"database"`
	MarketData   marketdata.Config      `json:"market_data"`
	Trading      TradingConfig          `json:"trading"`
	Execution    execution.EngineConfig `json:"execution"`
	RateLimit    ratelimit.Config       `json:"rate_limit"`
	Cache        cache.Config           `json:"cache"`
	Backtest     backtest.Config        `json:"backtest"`
	Activation   activation.Config      `json:"activation"`
	Learning     learning.EvolveConfig  `json:"learning"`
	Notification NotificationConfig     `json:"notification"`
}

// RedisConfig holds the shared-store connection settings
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DatabaseConfig gates the archive layer
type DatabaseConfig struct {
	Enabled bool `json:"enabled"`
	database.Config
}

// TradingConfig bounds the live trading loop
type TradingConfig struct {
	Symbols          []string `json:"symbols"`
	Interval         string   `json:"interval"`
	DryRun           bool     `json:"dry_run"`
	MaxOpenPositions int      `json:"max_open_positions"`
}

// NotificationConfig collects the delivery channels
type NotificationConfig struct {
	Enabled  bool                        `json:"enabled"`
	Telegram notification.TelegramConfig `json:"telegram"`
	Discord  notification.DiscordConfig  `json:"discord"`
}

// Load reads config.json if present and applies environment overrides.
// The result is validated; an invalid config is an error, not a warning.
func Load() (*Config, error) {
	return LoadFile("config.json")
}

// LoadFile loads from an explicit path
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, errs.Wrap(errs.KindConfig, "config.Load", err, "cannot parse "+path)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Logging
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.Logging.JSONFormat = v == "true"
	}

	// Shared store
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = v == "true"
	}
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)

	// Database
	if v := os.Getenv("DB_ENABLED"); v != "" {
		cfg.Database.Enabled = v == "true"
	}
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSL_MODE", cfg.Database.SSLMode)

	// Market-data service
	cfg.MarketData.BaseURL = getEnvOrDefault("MARKETDATA_BASE_URL", cfg.MarketData.BaseURL)

	// Trading
	if v := os.Getenv("TRADING_DRY_RUN"); v != "" {
		cfg.Trading.DryRun = v == "true"
	}
	cfg.Trading.Interval = getEnvOrDefault("TRADING_INTERVAL", cfg.Trading.Interval)

	// Notification channels
	if v := os.Getenv("NOTIFICATIONS_ENABLED"); v != "" {
		cfg.Notification.Enabled = v == "true"
	}
	if v := os.Getenv("TELEGRAM_ENABLED"); v != "" {
		cfg.Notification.Telegram.Enabled = v == "true"
	}
	cfg.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	cfg.Notification.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.Notification.Telegram.ChatID)
	if v := os.Getenv("DISCORD_ENABLED"); v != "" {
		cfg.Notification.Discord.Enabled = v == "true"
	}
	cfg.Notification.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.Notification.Discord.WebhookURL)
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Trading.Interval == "" {
		cfg.Trading.Interval = "1h"
	}
	if cfg.Trading.MaxOpenPositions <= 0 {
		cfg.Trading.MaxOpenPositions = 10
	}
	if cfg.Redis.Address == "" {
		cfg.Redis.Address = "localhost:6379"
	}
	if cfg.Cache.MaxSize <= 0 {
		cfg.Cache.MaxSize = 1000
	}
	if cfg.Cache.DefaultTTL <= 0 {
		cfg.Cache.DefaultTTL = 5 * time.Minute
	}
	if cfg.Execution.MinCompletionRate <= 0 {
		cfg.Execution.MinCompletionRate = 0.5
	}
}

// Validate rejects configurations the core cannot run with
func (c *Config) Validate() error {
	const op = "config.Validate"

	switch c.Logging.Level {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return errs.Config(op, "log level must be DEBUG, INFO, WARN or ERROR")
	}

	if len(c.Trading.Symbols) == 0 {
		return errs.Config(op, "at least one trading symbol is required")
	}
	if c.Trading.Interval == "" {
		return errs.Config(op, "trading interval is required")
	}

	if c.Database.Enabled {
		if err := c.Database.Config.Validate(); err != nil {
			return err
		}
	}
	if c.MarketData.BaseURL == "" {
		return errs.Config(op, "market-data base URL is required")
	}
	if c.Execution.MinCompletionRate <= 0 || c.Execution.MinCompletionRate > 1 {
		return errs.Config(op, "execution min completion rate must be in (0, 1]")
	}

	for i, rule := range c.RateLimit.Rules {
		if err := rule.Validate(); err != nil {
			return errs.Wrap(errs.KindConfig, op, err, fmt.Sprintf("rate-limit rule %d", i))
		}
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
