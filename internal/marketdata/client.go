// Package marketdata is the HTTP client for the market-data collaborator
// service: OHLCV history, sentiment entries, the tracked-symbols list and
// historical-data availability. Every call goes through a circuit breaker;
// the activation loop degrades to keep decisions while the breaker is open.
package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/market"
	"crypto-trading-core/internal/metrics"
	"crypto-trading-core/internal/sentiment"
)

// Config holds the client configuration
type Config struct {
	BaseURL      string        `json:"base_url"`
	Timeout      time.Duration `json:"timeout"`
	RetryCount   int           `json:"retry_count"`
	RetryWait    time.Duration `json:"retry_wait"`
	RetryMaxWait time.Duration `json:"retry_max_wait"`
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryWait <= 0 {
		c.RetryWait = 500 * time.Millisecond
	}
	if c.RetryMaxWait <= 0 {
		c.RetryMaxWait = 5 * time.Second
	}
}

// Client wraps a resty HTTP client with retry and a circuit breaker
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	logger  *logging.Logger
	metrics *metrics.Registry
}

// NewClient creates a market-data client. Requires a base URL.
func NewClient(cfg Config, logger *logging.Logger, m *metrics.Registry) (*Client, error) {
	const op = "marketdata.NewClient"
	if cfg.BaseURL == "" {
		return nil, errs.Config(op, "market-data base URL is required")
	}
	cfg.applyDefaults()

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	settings := gobreaker.Settings{
		Name:     "marketdata",
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 3 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
		},
	}

	return &Client{
		http:    httpClient,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger.WithComponent("marketdata"),
		metrics: m,
	}, nil
}

// candleDTO is the service's kline representation
type candleDTO struct {
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// sentimentDTO is the service's sentiment-entry representation
type sentimentDTO struct {
	Symbol    string    `json:"symbol"`
	Type      string    `json:"type"`
	Score     float64   `json:"score"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// AvailabilityStatus reports historical-data coverage for one series
type AvailabilityStatus struct {
	Symbol     string    `json:"symbol"`
	Interval   string    `json:"interval"`
	Available  bool      `json:"available"`
	FirstBar   time.Time `json:"first_bar"`
	LastBar    time.Time `json:"last_bar"`
	MissingGap int       `json:"missing_gap"` // bars missing inside the range
}

// Candles fetches OHLCV bars. Zero from/to skip the time-range filter.
func (c *Client) Candles(ctx context.Context, symbol, interval string, limit int, from, to time.Time) ([]market.Candle, error) {
	const op = "marketdata.Candles"
	if symbol == "" || interval == "" {
		return nil, errs.Validation(op, "symbol and interval are required")
	}

	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("interval", interval)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	if !from.IsZero() {
		req.SetQueryParam("start_time", strconv.FormatInt(from.UnixMilli(), 10))
	}
	if !to.IsZero() {
		req.SetQueryParam("end_time", strconv.FormatInt(to.UnixMilli(), 10))
	}

	var dtos []candleDTO
	req.SetResult(&dtos)
	if err := c.execute(op, "klines", req, http.MethodGet, "/api/v1/klines"); err != nil {
		return nil, err
	}

	candles := make([]market.Candle, len(dtos))
	for i, d := range dtos {
		candles[i] = market.Candle{
			OpenTime: d.OpenTime, Open: d.Open, High: d.High, Low: d.Low,
			Close: d.Close, Volume: d.Volume, CloseTime: d.CloseTime,
		}
	}
	return candles, nil
}

// SentimentBySymbol fetches recent sentiment entries for one symbol
func (c *Client) SentimentBySymbol(ctx context.Context, symbol string, hoursBack int) ([]sentiment.Entry, error) {
	const op = "marketdata.SentimentBySymbol"
	if symbol == "" {
		return nil, errs.Validation(op, "symbol is required")
	}
	return c.fetchSentiment(op, ctx, "symbol", symbol, hoursBack)
}

// SentimentByType fetches recent sentiment entries of one sentiment type,
// e.g. global market fear/greed.
func (c *Client) SentimentByType(ctx context.Context, sentimentType string, hoursBack int) ([]sentiment.Entry, error) {
	const op = "marketdata.SentimentByType"
	if sentimentType == "" {
		return nil, errs.Validation(op, "sentiment type is required")
	}
	return c.fetchSentiment(op, ctx, "type", sentimentType, hoursBack)
}

func (c *Client) fetchSentiment(op string, ctx context.Context, filterKey, filterValue string, hoursBack int) ([]sentiment.Entry, error) {
	if hoursBack <= 0 {
		hoursBack = 24
	}

	var dtos []sentimentDTO
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam(filterKey, filterValue).
		SetQueryParam("hours_back", strconv.Itoa(hoursBack)).
		SetResult(&dtos)
	if err := c.execute(op, "sentiment", req, http.MethodGet, "/api/v1/sentiment"); err != nil {
		return nil, err
	}

	entries := make([]sentiment.Entry, len(dtos))
	for i, d := range dtos {
		entries[i] = sentiment.Entry{Timestamp: d.CreatedAt, Score: d.Score, Source: d.Source}
	}
	return entries, nil
}

// TrackedSymbols fetches the service's tracked-symbols list
func (c *Client) TrackedSymbols(ctx context.Context) ([]string, error) {
	const op = "marketdata.TrackedSymbols"

	var symbols []string
	req := c.http.R().SetContext(ctx).SetResult(&symbols)
	if err := c.execute(op, "symbols", req, http.MethodGet, "/api/v1/symbols"); err != nil {
		return nil, err
	}
	return symbols, nil
}

// Availability checks historical-data coverage for a series
func (c *Client) Availability(ctx context.Context, symbol, interval string) (AvailabilityStatus, error) {
	const op = "marketdata.Availability"
	if symbol == "" || interval == "" {
		return AvailabilityStatus{}, errs.Validation(op, "symbol and interval are required")
	}

	var status AvailabilityStatus
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("interval", interval).
		SetResult(&status)
	if err := c.execute(op, "availability", req, http.MethodGet, "/api/v1/availability"); err != nil {
		return AvailabilityStatus{}, err
	}
	return status, nil
}

// Backfill asks the service to fill a historical gap
func (c *Client) Backfill(ctx context.Context, symbol, interval string, from, to time.Time) error {
	const op = "marketdata.Backfill"
	if symbol == "" || interval == "" {
		return errs.Validation(op, "symbol and interval are required")
	}

	req := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"symbol":     symbol,
			"interval":   interval,
			"start_time": from.UnixMilli(),
			"end_time":   to.UnixMilli(),
		})
	return c.execute(op, "backfill", req, http.MethodPost, "/api/v1/backfill")
}

// execute runs one request through the circuit breaker and normalizes
// failures into upstream errors.
func (c *Client) execute(op, endpoint string, req *resty.Request, method, url string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := req.Execute(method, url)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil, nil
	})
	if err != nil {
		c.metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
		c.logger.WithError(err).Warn("market-data request failed", "endpoint", endpoint)
		return errs.Upstream(op, err)
	}
	c.metrics.UpstreamRequests.WithLabelValues(endpoint, "ok").Inc()
	return nil
}
