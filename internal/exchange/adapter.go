// Package exchange defines the per-venue adapter contract the execution
// engine routes against, plus a simulated venue for dry-run and tests.
package exchange

import (
	"context"
	"time"

	"crypto-trading-core/internal/market"
)

// Quote is a venue's top-of-book snapshot with its cost profile
type Quote struct {
	Exchange  string  `json:"exchange"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	BidSize   float64 `json:"bid_size"`
	AskSize   float64 `json:"ask_size"`
	FeeBps    float64 `json:"fee_bps"`
	LatencyMs float64 `json:"latency_ms"`
}

// TakingPrice returns the price paid when taking liquidity on the given side
func (q Quote) TakingPrice(side market.Side) float64 {
	if side == market.SideLong {
		return q.Ask
	}
	return q.Bid
}

// TakingSize returns the liquidity available on the taking side
func (q Quote) TakingSize(side market.Side) float64 {
	if side == market.SideLong {
		return q.AskSize
	}
	return q.BidSize
}

// Fill is a single execution record returned by a venue
type Fill struct {
	Price float64   `json:"price"`
	Size  float64   `json:"size"`
	Fee   float64   `json:"fee"`
	Time  time.Time `json:"time"`
}

// Adapter is the per-venue collaborator contract
type Adapter interface {
	Name() string
	Quote(ctx context.Context, symbol string) (Quote, error)
	SubmitOrder(ctx context.Context, symbol string, side market.Side, quantity float64) ([]Fill, error)
	Cancel(ctx context.Context, orderID string) error
}
