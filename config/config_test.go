package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const minimalConfig = `{
	"trading": {"symbols": ["BTCUSDT"], "interval": "1h"},
	"market_data": {"base_url": "http://localhost:9000"}
}`

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT"}, cfg.Trading.Symbols)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, 0.5, cfg.Execution.MinCompletionRate)
	assert.Equal(t, 10, cfg.Trading.MaxOpenPositions)
}

func TestLoadRejectsMissingSymbols(t *testing.T) {
	_, err := LoadFile(writeConfig(t, `{"market_data": {"base_url": "http://localhost:9000"}}`))
	assert.Error(t, err)
}

func TestLoadRejectsMissingMarketDataURL(t *testing.T) {
	_, err := LoadFile(writeConfig(t, `{"trading": {"symbols": ["BTCUSDT"]}}`))
	assert.Error(t, err)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	body := `{
		"logging": {"level": "CHATTY"},
		"trading": {"symbols": ["BTCUSDT"]},
		"market_data": {"base_url": "http://localhost:9000"}
	}`
	_, err := LoadFile(writeConfig(t, body))
	assert.Error(t, err)
}

func TestLoadRejectsIncompleteDatabase(t *testing.T) {
	body := `{
		"trading": {"symbols": ["BTCUSDT"]},
		"market_data": {"base_url": "http://localhost:9000"},
		"database": {"enabled": true, "host": "db"}
	}`
	_, err := LoadFile(writeConfig(t, body))
	assert.Error(t, err)
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MARKETDATA_BASE_URL", "http://override:9000")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")

	cfg, err := LoadFile(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "http://override:9000", cfg.MarketData.BaseURL)
	assert.Equal(t, "tok", cfg.Notification.Telegram.BotToken)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	_, err := LoadFile(writeConfig(t, `{"trading": `))
	assert.Error(t, err)
}
