package exchange

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/market"
)

// SimulatedConfig shapes the synthetic venue
type SimulatedConfig struct {
	Name       string
	MidPrice   float64 // starting mid price per symbol
	SpreadBps  float64 // quoted spread in basis points
	DepthSize  float64 // size available at top of book
	FeeBps     float64
	LatencyMs  float64
	FailRate   float64 // probability a submit is rejected
	DriftBps   float64 // random walk step applied per quote, in bps
	Seed       int64
}

// Simulated is a deterministic in-process venue. With a fixed seed the
// quote walk and rejection sequence replay identically, which the
// execution-engine tests rely on.
type Simulated struct {
	cfg SimulatedConfig

	mu   sync.Mutex
	mids map[string]float64
	rng  *rand.Rand
}

// NewSimulated creates a simulated venue
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.DepthSize <= 0 {
		cfg.DepthSize = 100
	}
	return &Simulated{
		cfg:  cfg,
		mids: make(map[string]float64),
		rng:  rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Name implements Adapter
func (s *Simulated) Name() string { return s.cfg.Name }

// Quote implements Adapter
func (s *Simulated) Quote(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, errs.Upstream("exchange.Quote", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mid, ok := s.mids[symbol]
	if !ok {
		mid = s.cfg.MidPrice
	}
	if s.cfg.DriftBps > 0 {
		step := (s.rng.Float64()*2 - 1) * s.cfg.DriftBps / 10000
		mid *= 1 + step
	}
	s.mids[symbol] = mid

	half := mid * s.cfg.SpreadBps / 20000
	return Quote{
		Exchange:  s.cfg.Name,
		Bid:       mid - half,
		Ask:       mid + half,
		BidSize:   s.cfg.DepthSize,
		AskSize:   s.cfg.DepthSize,
		FeeBps:    s.cfg.FeeBps,
		LatencyMs: s.cfg.LatencyMs,
	}, nil
}

// SubmitOrder implements Adapter. Orders fill at the taking price up to
// the configured depth; beyond depth the remainder fills with linear
// impact. A configured fail rate injects rejections.
func (s *Simulated) SubmitOrder(ctx context.Context, symbol string, side market.Side, quantity float64) ([]Fill, error) {
	if quantity <= 0 {
		return nil, errs.Validation("exchange.SubmitOrder", "quantity must be positive")
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Upstream("exchange.SubmitOrder", err)
	}

	s.mu.Lock()
	reject := s.cfg.FailRate > 0 && s.rng.Float64() < s.cfg.FailRate
	s.mu.Unlock()
	if reject {
		return nil, errs.Exchange("exchange.SubmitOrder", nil, "order rejected by venue")
	}

	q, err := s.Quote(ctx, symbol)
	if err != nil {
		return nil, err
	}

	price := q.TakingPrice(side)
	now := time.Now()

	topSize := q.TakingSize(side)
	if quantity <= topSize {
		return []Fill{{
			Price: price,
			Size:  quantity,
			Fee:   price * quantity * q.FeeBps / 10000,
			Time:  now,
		}}, nil
	}

	// Walk the book: the remainder fills 5 bps worse per depth multiple
	fills := []Fill{{
		Price: price,
		Size:  topSize,
		Fee:   price * topSize * q.FeeBps / 10000,
		Time:  now,
	}}
	remaining := quantity - topSize
	impact := price * 0.0005 * side.Sign()
	deepPrice := price + impact
	fills = append(fills, Fill{
		Price: deepPrice,
		Size:  remaining,
		Fee:   deepPrice * remaining * q.FeeBps / 10000,
		Time:  now,
	})
	return fills, nil
}

// Cancel implements Adapter; simulated orders fill synchronously so there
// is never anything to cancel.
func (s *Simulated) Cancel(ctx context.Context, orderID string) error {
	return nil
}

// SetMid pins the mid price for a symbol. Test hook.
func (s *Simulated) SetMid(symbol string, mid float64) {
	s.mu.Lock()
	s.mids[symbol] = mid
	s.mu.Unlock()
}
