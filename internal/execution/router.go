package execution

import (
	"sort"

	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/exchange"
	"crypto-trading-core/internal/market"
)

// RoutingStrategy selects how a slice is matched against venue quotes
type RoutingStrategy string

const (
	RouteBestPrice     RoutingStrategy = "best_price"
	RouteBestLiquidity RoutingStrategy = "best_liquidity"
	RouteLowestFee     RoutingStrategy = "lowest_fee"
	RouteBalanced      RoutingStrategy = "balanced"
)

// RoutingDecision is one venue allocation for a slice
type RoutingDecision struct {
	Exchange string  `json:"exchange"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	FeeBps   float64 `json:"fee_bps"`
	Score    float64 `json:"score,omitempty"`
}

// Route selects a single venue for the slice under the given strategy.
// Returned decisions are ordered best-first so a failed submission can
// fall through to the next venue.
func Route(quotes []exchange.Quote, side market.Side, quantity float64, strategy RoutingStrategy) ([]RoutingDecision, error) {
	if len(quotes) == 0 {
		return nil, errs.Upstream("execution.Route", nil)
	}

	ranked := make([]exchange.Quote, len(quotes))
	copy(ranked, quotes)

	switch strategy {
	case RouteBestPrice:
		sort.SliceStable(ranked, func(i, j int) bool {
			return betterPrice(ranked[i].TakingPrice(side), ranked[j].TakingPrice(side), side)
		})
	case RouteBestLiquidity:
		// Venues that fully cover the slice first, then by available size
		sort.SliceStable(ranked, func(i, j int) bool {
			ci := ranked[i].TakingSize(side) >= quantity
			cj := ranked[j].TakingSize(side) >= quantity
			if ci != cj {
				return ci
			}
			return ranked[i].TakingSize(side) > ranked[j].TakingSize(side)
		})
	case RouteLowestFee:
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].FeeBps < ranked[j].FeeBps
		})
	case RouteBalanced:
		scores := balancedScores(ranked, side)
		sort.SliceStable(ranked, func(i, j int) bool {
			return scores[ranked[i].Exchange] > scores[ranked[j].Exchange]
		})
		decisions := make([]RoutingDecision, len(ranked))
		for i, q := range ranked {
			decisions[i] = decisionFor(q, side, quantity)
			decisions[i].Score = scores[q.Exchange]
		}
		return decisions, nil
	default:
		return nil, errs.Validation("execution.Route", "unknown routing strategy "+string(strategy))
	}

	decisions := make([]RoutingDecision, len(ranked))
	for i, q := range ranked {
		decisions[i] = decisionFor(q, side, quantity)
	}
	return decisions, nil
}

// RouteSplit allocates the slice greedily across venues, best price
// first, until the quantity is satisfied. One decision per venue used.
func RouteSplit(quotes []exchange.Quote, side market.Side, quantity float64) ([]RoutingDecision, error) {
	if len(quotes) == 0 {
		return nil, errs.Upstream("execution.RouteSplit", nil)
	}

	ranked := make([]exchange.Quote, len(quotes))
	copy(ranked, quotes)
	sort.SliceStable(ranked, func(i, j int) bool {
		return betterPrice(ranked[i].TakingPrice(side), ranked[j].TakingPrice(side), side)
	})

	var decisions []RoutingDecision
	remaining := quantity
	for _, q := range ranked {
		if remaining <= 0 {
			break
		}
		take := q.TakingSize(side)
		if take > remaining {
			take = remaining
		}
		if take <= 0 {
			continue
		}
		decisions = append(decisions, RoutingDecision{
			Exchange: q.Exchange,
			Price:    q.TakingPrice(side),
			Quantity: take,
			FeeBps:   q.FeeBps,
		})
		remaining -= take
	}

	if remaining > 0 && len(decisions) > 0 {
		// Book depth exhausted: the best venue absorbs the overflow
		decisions[0].Quantity += remaining
	}
	if len(decisions) == 0 {
		return nil, errs.Exchange("execution.RouteSplit", nil, "no venue liquidity on the taking side")
	}
	return decisions, nil
}

// balancedScores weights normalized price 50%, liquidity 30%, fees 20%
func balancedScores(quotes []exchange.Quote, side market.Side) map[string]float64 {
	bestPrice, worstPrice := quotes[0].TakingPrice(side), quotes[0].TakingPrice(side)
	maxSize := quotes[0].TakingSize(side)
	minFee, maxFee := quotes[0].FeeBps, quotes[0].FeeBps

	for _, q := range quotes[1:] {
		p := q.TakingPrice(side)
		if betterPrice(p, bestPrice, side) {
			bestPrice = p
		}
		if betterPrice(worstPrice, p, side) {
			worstPrice = p
		}
		if q.TakingSize(side) > maxSize {
			maxSize = q.TakingSize(side)
		}
		if q.FeeBps < minFee {
			minFee = q.FeeBps
		}
		if q.FeeBps > maxFee {
			maxFee = q.FeeBps
		}
	}

	scores := make(map[string]float64, len(quotes))
	for _, q := range quotes {
		priceScore := 1.0
		if worstPrice != bestPrice {
			priceScore = (q.TakingPrice(side) - worstPrice) / (bestPrice - worstPrice)
		}
		liqScore := 0.0
		if maxSize > 0 {
			liqScore = q.TakingSize(side) / maxSize
		}
		feeScore := 1.0
		if maxFee != minFee {
			feeScore = (maxFee - q.FeeBps) / (maxFee - minFee)
		}
		scores[q.Exchange] = 0.5*priceScore + 0.3*liqScore + 0.2*feeScore
	}
	return scores
}

func decisionFor(q exchange.Quote, side market.Side, quantity float64) RoutingDecision {
	return RoutingDecision{
		Exchange: q.Exchange,
		Price:    q.TakingPrice(side),
		Quantity: quantity,
		FeeBps:   q.FeeBps,
	}
}

// betterPrice reports whether a beats b on the taking side: lower asks
// for buys, higher bids for sells.
func betterPrice(a, b float64, side market.Side) bool {
	if side == market.SideLong {
		return a < b
	}
	return a > b
}
