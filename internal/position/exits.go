package position

import (
	"sort"
	"time"
)

// ExitReason names why an exit condition fired
type ExitReason string

const (
	ExitMaxHolding   ExitReason = "max_holding"
	ExitWallClock    ExitReason = "wall_clock"
	ExitProfitLevel  ExitReason = "profit_level"
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitTrailingStop ExitReason = "trailing_stop"
)

// ExitAction is one triggered exit: close Size at market, or the whole
// position when Size is 0.
type ExitAction struct {
	Reason   ExitReason `json:"reason"`
	Priority int        `json:"priority"`
	Size     float64    `json:"size,omitempty"`
}

// ExitCondition is evaluated on every price tick. Lower priority numbers
// are actioned first.
type ExitCondition interface {
	Priority() int
	Evaluate(p *Position, price float64, now time.Time) (ExitAction, bool)
}

// MaxHoldingExit closes the position after it has been open for a maximum
// duration.
type MaxHoldingExit struct {
	Pri     int
	Holding time.Duration
}

func (e MaxHoldingExit) Priority() int { return e.Pri }

func (e MaxHoldingExit) Evaluate(p *Position, _ float64, now time.Time) (ExitAction, bool) {
	if e.Holding <= 0 || now.Sub(p.OpenedAt) < e.Holding {
		return ExitAction{}, false
	}
	return ExitAction{Reason: ExitMaxHolding, Priority: e.Pri}, true
}

// WallClockExit closes the position at a fixed deadline
type WallClockExit struct {
	Pri      int
	Deadline time.Time
}

func (e WallClockExit) Priority() int { return e.Pri }

func (e WallClockExit) Evaluate(_ *Position, _ float64, now time.Time) (ExitAction, bool) {
	if e.Deadline.IsZero() || now.Before(e.Deadline) {
		return ExitAction{}, false
	}
	return ExitAction{Reason: ExitWallClock, Priority: e.Pri}, true
}

// ProfitLadderExit closes tranches as price crosses a scale-out ladder
type ProfitLadderExit struct {
	Pri    int
	Ladder *Ladder
}

func (e ProfitLadderExit) Priority() int { return e.Pri }

func (e ProfitLadderExit) Evaluate(_ *Position, price float64, _ time.Time) (ExitAction, bool) {
	levels := e.Ladder.Crossed(price)
	if len(levels) == 0 {
		return ExitAction{}, false
	}
	size := 0.0
	for _, lv := range levels {
		size += lv.Size
	}
	return ExitAction{Reason: ExitProfitLevel, Priority: e.Pri, Size: size}, true
}

// ExitManager composes a position's exit conditions. Evaluate collects
// every triggered condition on the tick, sorted by priority; the caller
// decides how many to action.
type ExitManager struct {
	conditions []ExitCondition
}

// NewExitManager creates an empty exit manager
func NewExitManager() *ExitManager {
	return &ExitManager{}
}

// Add registers a condition
func (em *ExitManager) Add(c ExitCondition) {
	em.conditions = append(em.conditions, c)
}

// Evaluate runs all conditions against the tick
func (em *ExitManager) Evaluate(p *Position, price float64, now time.Time) []ExitAction {
	var actions []ExitAction
	for _, c := range em.conditions {
		if action, ok := c.Evaluate(p, price, now); ok {
			actions = append(actions, action)
		}
	}
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Priority < actions[j].Priority
	})
	return actions
}
