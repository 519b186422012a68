package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BuildPlan slices a parent order with its algorithm. The order's
// algorithm field wins when set; otherwise the selection heuristic runs.
func BuildPlan(order Order, now time.Time) (*ExecutionPlan, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	algo := order.Algorithm
	if algo == "" {
		algo = SelectAlgorithm(order.Quantity, order.DailyVolume, order.Urgency)
	}

	orderID := order.OrderID
	if orderID == "" {
		orderID = uuid.NewString()
	}

	plan := &ExecutionPlan{
		OrderID:       orderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		TotalQuantity: order.Quantity,
		Algorithm:     algo,
		StartTime:     now,
		EndTime:       now.Add(order.Duration),
		Status:        PlanActive,
		CreatedAt:     now,
	}

	switch algo {
	case TWAP:
		plan.Slices = twapSlices(order, now)
	case VWAP:
		plan.Slices = vwapSlices(order, now)
	case POV:
		plan.Slices = povSlices(order, now)
	case Adaptive:
		// Adaptive starts equal-weighted; the executor resizes at runtime
		plan.Slices = twapSlices(order, now)
	}
	return plan, nil
}

// twapSlices splits the order into N = max(5, durationMin/5) equal slices
// spaced evenly across the duration.
func twapSlices(order Order, start time.Time) []Slice {
	n := int(order.Duration.Minutes()) / 5
	if n < 5 {
		n = 5
	}

	interval := order.Duration / time.Duration(n)
	size := order.Quantity / float64(n)

	slices := make([]Slice, n)
	for i := 0; i < n; i++ {
		slices[i] = Slice{
			SliceID:       sliceID(order.Symbol, i),
			Quantity:      size,
			ScheduledTime: start.Add(time.Duration(i) * interval),
			Status:        SlicePending,
		}
	}
	return slices
}

// vwapSlices spaces slices like TWAP but sizes them proportionally to a
// normalized volume profile. A missing or all-zero profile falls back to
// the default U-shape (heavier at open and close).
func vwapSlices(order Order, start time.Time) []Slice {
	n := int(order.Duration.Minutes()) / 5
	if n < 5 {
		n = 5
	}

	profile := normalizeProfile(order.VolumeProfile, n)
	interval := order.Duration / time.Duration(n)

	slices := make([]Slice, n)
	assigned := 0.0
	for i := 0; i < n; i++ {
		size := order.Quantity * profile[i]
		if i == n-1 {
			size = order.Quantity - assigned // absorb rounding in the last slice
		}
		assigned += size
		slices[i] = Slice{
			SliceID:       sliceID(order.Symbol, i),
			Quantity:      size,
			ScheduledTime: start.Add(time.Duration(i) * interval),
			Status:        SlicePending,
		}
	}
	return slices
}

// povSlices sizes slices as participation_rate * forecast market volume,
// rescaled so the plan sums to the parent quantity.
func povSlices(order Order, start time.Time) []Slice {
	volumes := order.MarketVolumes
	if len(volumes) == 0 {
		return twapSlices(order, start)
	}
	participation := order.ParticipationRate
	if participation <= 0 {
		participation = 0.1
	}

	raw := make([]float64, len(volumes))
	total := 0.0
	for i, v := range volumes {
		raw[i] = participation * v
		total += raw[i]
	}
	if total <= 0 {
		return twapSlices(order, start)
	}

	interval := order.Duration / time.Duration(len(volumes))
	slices := make([]Slice, len(volumes))
	assigned := 0.0
	for i := range volumes {
		size := order.Quantity * raw[i] / total
		if i == len(volumes)-1 {
			size = order.Quantity - assigned
		}
		assigned += size
		slices[i] = Slice{
			SliceID:       sliceID(order.Symbol, i),
			Quantity:      size,
			ScheduledTime: start.Add(time.Duration(i) * interval),
			Status:        SlicePending,
		}
	}
	return slices
}

// normalizeProfile scales a volume profile to sum to 1 over n buckets.
// Short profiles are cycled; empty or zero-sum profiles get the U-shape.
func normalizeProfile(profile []float64, n int) []float64 {
	sum := 0.0
	for _, v := range profile {
		sum += v
	}
	if len(profile) == 0 || sum <= 0 {
		profile = uShapeProfile(n)
		sum = 0
		for _, v := range profile {
			sum += v
		}
	}

	out := make([]float64, n)
	total := 0.0
	for i := 0; i < n; i++ {
		out[i] = profile[i%len(profile)]
		total += out[i]
	}
	for i := range out {
		out[i] /= total
	}
	return out
}

// uShapeProfile weights the open and close heavier than midday, the
// classic intraday volume curve.
func uShapeProfile(n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = 1
		return out
	}
	for i := 0; i < n; i++ {
		// Parabola with minimum at the center, 1.0 at the edges, 0.4 floor
		x := float64(i)/float64(n-1)*2 - 1 // -1..1
		out[i] = 0.4 + 0.6*x*x
	}
	return out
}

// AdaptiveExecutor resizes slices at runtime from market feedback. The
// plan starts equal-weighted; Adapt shifts urgency and slice scale as
// conditions change.
type AdaptiveExecutor struct {
	mu              sync.Mutex
	remaining       float64
	remainingSlices int
	urgency         float64
	adjustment      float64
}

// NewAdaptiveExecutor starts with the plan's remaining quantity and count
func NewAdaptiveExecutor(totalQuantity float64, sliceCount int, urgency float64) *AdaptiveExecutor {
	if urgency <= 0 {
		urgency = 0.5
	}
	return &AdaptiveExecutor{
		remaining:       totalQuantity,
		remainingSlices: sliceCount,
		urgency:         urgency,
		adjustment:      1.0,
	}
}

// Adapt updates urgency and the size adjustment from observed conditions:
// falling behind schedule raises urgency, high volatility shrinks slices,
// a wide spread lowers urgency to avoid crossing expensive markets.
func (a *AdaptiveExecutor) Adapt(volatility, spreadBps, shortfall float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if shortfall > 0.1 {
		a.urgency = clamp(a.urgency+0.2, 0.1, 1.0)
	}
	if volatility > 0.03 {
		a.adjustment = clamp(a.adjustment*0.8, 0.25, 1.5)
	} else if volatility < 0.01 {
		a.adjustment = clamp(a.adjustment*1.1, 0.25, 1.5)
	}
	if spreadBps > 20 {
		a.urgency = clamp(a.urgency-0.1, 0.1, 1.0)
	}
}

// NextSliceSize returns the next child size:
// (remaining / remaining_slices) * urgency * adjustment. Zero remaining
// slices yields zero.
func (a *AdaptiveExecutor) NextSliceSize() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.remainingSlices <= 0 || a.remaining <= 0 {
		return 0
	}
	size := (a.remaining / float64(a.remainingSlices)) * a.urgency * a.adjustment
	if size > a.remaining {
		size = a.remaining
	}
	return size
}

// RecordExecution consumes one slice's worth of progress
func (a *AdaptiveExecutor) RecordExecution(executed float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.remaining -= executed
	if a.remaining < 0 {
		a.remaining = 0
	}
	if a.remainingSlices > 0 {
		a.remainingSlices--
	}
}

// Remaining returns the unexecuted quantity
func (a *AdaptiveExecutor) Remaining() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remaining
}

// Urgency returns the current urgency level
func (a *AdaptiveExecutor) Urgency() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.urgency
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sliceID(symbol string, i int) string {
	return fmt.Sprintf("%s-%s-%d", symbol, uuid.NewString()[:8], i)
}
