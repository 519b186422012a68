// Package position is the authoritative record of live positions: fills,
// running PnL, trailing stops, profit ladders, exits and hedges.
package position

import (
	"time"

	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/market"
)

// Status tracks a position's lifecycle
type Status string

const (
	StatusOpen            Status = "open"
	StatusPartiallyClosed Status = "partially_closed"
	StatusClosed          Status = "closed"
	StatusLiquidated      Status = "liquidated"

	// StatusQuarantined marks a position whose bookkeeping failed an
	// internal consistency check. Quarantined positions reject further
	// mutations until an operator intervenes.
	StatusQuarantined Status = "quarantined"
)

// Fill is one execution applied to a position, opening or closing
type Fill struct {
	FillID    string    `json:"fill_id"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	IsClosing bool      `json:"is_closing"`
	Fee       float64   `json:"fee"`
}

// Position is a live or archived holding. All mutation goes through the
// Manager, which serializes access per position.
type Position struct {
	PositionID string      `json:"position_id"`
	Symbol     string      `json:"symbol"`
	StrategyID string      `json:"strategy_id"`
	Side       market.Side `json:"side"`
	Status     Status      `json:"status"`

	InitialSize       float64 `json:"initial_size"`
	CurrentSize       float64 `json:"current_size"`
	AverageEntryPrice float64 `json:"average_entry_price"`
	CurrentPrice      float64 `json:"current_price"`

	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	TotalFees     float64 `json:"total_fees"`
	TotalFunding  float64 `json:"total_funding"`

	StopLossPrice     float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice   float64 `json:"take_profit_price,omitempty"`
	TrailingStopPrice float64 `json:"trailing_stop_price,omitempty"`

	// Signed extremes of the running PnL fraction since open.
	// MaxAdverseExcursion never exceeds 0, MaxFavorableExcursion never
	// drops below 0.
	MaxAdverseExcursion   float64 `json:"max_adverse_excursion"`
	MaxFavorableExcursion float64 `json:"max_favorable_excursion"`

	Fills []Fill `json:"fills"`

	OpenedAt       time.Time `json:"opened_at"`
	LastUpdateTime time.Time `json:"last_update_time"`
	ClosedAt       time.Time `json:"closed_at,omitempty"`

	// Context captured at open
	Regime         string  `json:"regime,omitempty"`
	SentimentScore float64 `json:"sentiment_score,omitempty"`
}

// Terminal reports whether the position accepts no further mutations
func (p *Position) Terminal() bool {
	return p.Status == StatusClosed || p.Status == StatusLiquidated
}

// applyOpeningFill scales in, recomputing the volume-weighted entry over
// all opening fills.
func (p *Position) applyOpeningFill(f Fill) {
	notional := p.AverageEntryPrice * openingSize(p.Fills)
	p.Fills = append(p.Fills, f)
	opened := openingSize(p.Fills)
	p.AverageEntryPrice = (notional + f.Price*f.Size) / opened
	p.CurrentSize += f.Size
	p.TotalFees += f.Fee
	p.LastUpdateTime = f.Timestamp
}

// applyClosingFill reduces the position and realizes the PnL of the
// reduction against the running average entry.
func (p *Position) applyClosingFill(f Fill) {
	p.Fills = append(p.Fills, f)
	p.RealizedPnL += p.Side.Sign()*(f.Price-p.AverageEntryPrice)*f.Size - f.Fee
	p.CurrentSize -= f.Size
	p.TotalFees += f.Fee
	p.LastUpdateTime = f.Timestamp

	if p.CurrentSize <= 0 {
		p.CurrentSize = 0
		p.Status = StatusClosed
		p.UnrealizedPnL = 0
		p.ClosedAt = f.Timestamp
	} else {
		p.Status = StatusPartiallyClosed
	}
}

// markPrice refreshes unrealized PnL and the excursion extremes
func (p *Position) markPrice(price float64, t time.Time) {
	p.CurrentPrice = price
	p.LastUpdateTime = t
	p.UnrealizedPnL = p.Side.Sign() * (price - p.AverageEntryPrice) * p.CurrentSize

	if p.AverageEntryPrice <= 0 {
		return
	}
	fraction := p.Side.Sign() * (price - p.AverageEntryPrice) / p.AverageEntryPrice
	if fraction < p.MaxAdverseExcursion {
		p.MaxAdverseExcursion = fraction
	}
	if fraction > p.MaxFavorableExcursion {
		p.MaxFavorableExcursion = fraction
	}
}

// RealizedPnLPct reports realized PnL against the initial notional at open
func (p *Position) RealizedPnLPct() float64 {
	notional := p.AverageEntryPrice * p.InitialSize
	if notional <= 0 {
		return 0
	}
	return p.RealizedPnL / notional * 100
}

// checkConsistency verifies the fill ledger against the running size
func (p *Position) checkConsistency() error {
	const tolerance = 1e-9
	expected := openingSize(p.Fills) - closingSize(p.Fills)
	if diff := expected - p.CurrentSize; diff > tolerance || diff < -tolerance {
		return errs.Logic("position.checkConsistency",
			"fill ledger does not reconcile with current size")
	}
	if p.CurrentSize < 0 {
		return errs.Logic("position.checkConsistency", "negative position size")
	}
	return nil
}

func openingSize(fills []Fill) float64 {
	total := 0.0
	for _, f := range fills {
		if !f.IsClosing {
			total += f.Size
		}
	}
	return total
}

func closingSize(fills []Fill) float64 {
	total := 0.0
	for _, f := range fills {
		if f.IsClosing {
			total += f.Size
		}
	}
	return total
}
