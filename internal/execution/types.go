// Package execution turns parent orders into timed child slices, routes
// them across venues and tracks execution quality.
package execution

import (
	"time"

	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/market"
)

// Algorithm selects the slicing strategy for a parent order
type Algorithm string

const (
	TWAP     Algorithm = "TWAP"
	VWAP     Algorithm = "VWAP"
	POV      Algorithm = "POV"
	Adaptive Algorithm = "Adaptive"
)

// SliceStatus tracks one child order's lifecycle
type SliceStatus string

const (
	SlicePending   SliceStatus = "pending"
	SliceExecuting SliceStatus = "executing"
	SliceCompleted SliceStatus = "completed"
	SliceFailed    SliceStatus = "failed"
)

// PlanStatus tracks the parent order's lifecycle
type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanCancelled PlanStatus = "cancelled"
	PlanPartial   PlanStatus = "partial_execution"
)

// Slice is a scheduled child order derived from a parent plan. Completed
// slices are never mutated again.
type Slice struct {
	SliceID          string      `json:"slice_id"`
	Quantity         float64     `json:"quantity"`
	ScheduledTime    time.Time   `json:"scheduled_time"`
	Status           SliceStatus `json:"status"`
	ExecutedPrice    float64     `json:"executed_price,omitempty"`
	ExecutedQuantity float64     `json:"executed_quantity"`
	Exchange         string      `json:"exchange,omitempty"`
	Attempts         int         `json:"attempts"`
}

// ExecutionPlan is a parent order sliced by an algorithm
type ExecutionPlan struct {
	OrderID       string      `json:"order_id"`
	Symbol        string      `json:"symbol"`
	Side          market.Side `json:"side"`
	TotalQuantity float64     `json:"total_quantity"`
	Algorithm     Algorithm   `json:"algorithm"`
	StartTime     time.Time   `json:"start_time"`
	EndTime       time.Time   `json:"end_time"`
	Slices        []Slice     `json:"slices"`
	Status        PlanStatus  `json:"status"`
	ArrivalPrice  float64     `json:"arrival_price"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Order is the parent-order request handed to the engine
type Order struct {
	OrderID     string      `json:"order_id"`
	Symbol      string      `json:"symbol"`
	Side        market.Side `json:"side"`
	Quantity    float64     `json:"quantity"`
	Duration    time.Duration `json:"duration"`
	Urgency     float64     `json:"urgency"`      // 0..1
	DailyVolume float64     `json:"daily_volume"` // for algorithm selection
	Algorithm   Algorithm   `json:"algorithm,omitempty"` // empty selects automatically

	// VWAP volume profile and POV volume forecast, both optional
	VolumeProfile     []float64 `json:"volume_profile,omitempty"`
	MarketVolumes     []float64 `json:"market_volumes,omitempty"`
	ParticipationRate float64   `json:"participation_rate,omitempty"`
}

// Validate rejects malformed orders before any state is created
func (o Order) Validate() error {
	const op = "execution.Order.Validate"
	if o.Symbol == "" {
		return errs.Validation(op, "symbol is required")
	}
	if !o.Side.Valid() {
		return errs.Validation(op, "side must be long or short")
	}
	if o.Quantity <= 0 {
		return errs.Validation(op, "quantity must be positive")
	}
	if o.Duration <= 0 {
		return errs.Validation(op, "duration must be positive")
	}
	if o.Algorithm != "" {
		switch o.Algorithm {
		case TWAP, VWAP, POV, Adaptive:
		default:
			return errs.Validation(op, "unknown algorithm "+string(o.Algorithm))
		}
	}
	return nil
}

// SelectAlgorithm picks the slicing algorithm from order size relative to
// daily volume and urgency. Reproducible from inputs alone.
func SelectAlgorithm(orderSize, dailyVolume, urgency float64) Algorithm {
	if dailyVolume <= 0 {
		return TWAP
	}
	orderPct := orderSize / dailyVolume
	switch {
	case orderPct < 0.01:
		return TWAP
	case orderPct < 0.05:
		if urgency > 0.7 {
			return POV
		}
		return VWAP
	default:
		if urgency > 0.5 {
			return Adaptive
		}
		return VWAP
	}
}

// CompletionRate is the executed fraction of the plan's total quantity
func (p *ExecutionPlan) CompletionRate() float64 {
	if p.TotalQuantity <= 0 {
		return 0
	}
	executed := 0.0
	for i := range p.Slices {
		executed += p.Slices[i].ExecutedQuantity
	}
	return executed / p.TotalQuantity
}

// PendingSlices counts slices still awaiting execution
func (p *ExecutionPlan) PendingSlices() int {
	n := 0
	for i := range p.Slices {
		if p.Slices[i].Status == SlicePending {
			n++
		}
	}
	return n
}
