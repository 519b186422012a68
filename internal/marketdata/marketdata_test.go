package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/market"
	"crypto-trading-core/internal/metrics"
	"crypto-trading-core/internal/sentiment"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stdout", Component: "test"})
	client, err := NewClient(Config{BaseURL: srv.URL, RetryCount: 1, RetryWait: time.Millisecond, RetryMaxWait: time.Millisecond}, logger, metrics.NewRegistry())
	require.NoError(t, err)
	return client
}

func TestClientRequiresBaseURL(t *testing.T) {
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stdout", Component: "test"})
	_, err := NewClient(Config{}, logger, metrics.NewRegistry())
	assert.Error(t, err)
}

func TestCandlesFetchAndMap(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))

		json.NewEncoder(w).Encode([]candleDTO{
			{OpenTime: 1700000000000, Open: 100, High: 105, Low: 99, Close: 104, Volume: 1200},
			{OpenTime: 1700003600000, Open: 104, High: 110, Low: 103, Close: 109, Volume: 1500},
		})
	}))

	candles, err := client.Candles(context.Background(), "BTCUSDT", "1h", 2, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 104.0, candles[0].Close)
	assert.Equal(t, int64(1700003600000), candles[1].OpenTime)
}

func TestCandlesValidatesInput(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	_, err := client.Candles(context.Background(), "", "1h", 10, time.Time{}, time.Time{})
	assert.Error(t, err)
}

func TestSentimentBySymbolMapsEntries(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sentiment", r.URL.Path)
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "48", r.URL.Query().Get("hours_back"))

		json.NewEncoder(w).Encode([]sentimentDTO{
			{Symbol: "ETHUSDT", Score: 0.4, Source: "news", CreatedAt: ts},
		})
	}))

	entries, err := client.SentimentBySymbol(context.Background(), "ETHUSDT", 48)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, sentiment.Entry{Timestamp: ts, Score: 0.4, Source: "news"}, entries[0])
}

func TestTrackedSymbols(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/symbols", r.URL.Path)
		json.NewEncoder(w).Encode([]string{"BTCUSDT", "ETHUSDT"})
	}))

	symbols, err := client.TrackedSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, symbols)
}

func TestBackfillPostsRange(t *testing.T) {
	var body map[string]interface{}
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/backfill", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	require.NoError(t, client.Backfill(context.Background(), "BTCUSDT", "1h", from, to))
	assert.Equal(t, "BTCUSDT", body["symbol"])
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	for i := 0; i < 3; i++ {
		_, err := client.TrackedSymbols(context.Background())
		assert.Error(t, err)
	}

	// Breaker is now open; the request fails without reaching the server
	_, err := client.TrackedSymbols(context.Background())
	assert.Error(t, err)
}

func trendingSeries(n int, start, step float64) []market.Candle {
	candles := make([]market.Candle, n)
	price := start
	for i := range candles {
		candles[i] = market.Candle{
			OpenTime: int64(i) * 3600000,
			Open:     price, High: price * 1.01, Low: price * 0.99, Close: price + step,
			Volume: 1000,
		}
		price += step
	}
	return candles
}

func TestTrendStrengthSign(t *testing.T) {
	up := trendingSeries(72, 100, 1)
	down := trendingSeries(72, 200, -1)

	assert.Greater(t, trendStrength(up), 0.0)
	assert.Less(t, trendStrength(down), 0.0)
	assert.LessOrEqual(t, trendStrength(up), 1.0)
	assert.GreaterOrEqual(t, trendStrength(down), -1.0)
}

func TestReturnCorrelationIdenticalSeries(t *testing.T) {
	series := trendingSeries(50, 100, 0.5)
	assert.InDelta(t, 1.0, returnCorrelation(series, series), 1e-9)
}

func TestReturnStdevFlatSeries(t *testing.T) {
	flat := make([]market.Candle, 20)
	for i := range flat {
		flat[i] = market.Candle{Close: 100, Volume: 500}
	}
	assert.InDelta(t, 0.0, returnStdev(flat), 1e-12)
}

func TestFearGreedMapsCombinedScore(t *testing.T) {
	assert.Equal(t, 50.0, fearGreed(sentiment.Snapshot{}))
	assert.InDelta(t, 80.0, fearGreed(sentiment.Snapshot{Combined: 0.6, SymbolPresent: true}), 1e-9)
	assert.InDelta(t, 15.0, fearGreed(sentiment.Snapshot{Combined: -0.7, SymbolPresent: true}), 1e-9)
}
