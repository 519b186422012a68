package execution

import (
	"math"
	"math/rand"
	"sync"

	"crypto-trading-core/internal/errs"
)

// SplitMode selects how an aggregate quantity is divided further
type SplitMode string

const (
	SplitEqual       SplitMode = "equal"
	SplitRandom      SplitMode = "random"
	SplitExponential SplitMode = "exponential"
)

// Split divides total into n child sizes under the given mode. Sizes
// always sum to total. Random sizes jitter ±40% around equal weight;
// exponential sizes decay by a factor of 0.7 per step.
func Split(total float64, n int, mode SplitMode, rng *rand.Rand) ([]float64, error) {
	if total <= 0 {
		return nil, errs.Validation("execution.Split", "total must be positive")
	}
	if n <= 0 {
		return nil, errs.Validation("execution.Split", "count must be positive")
	}

	weights := make([]float64, n)
	switch mode {
	case SplitEqual:
		for i := range weights {
			weights[i] = 1
		}
	case SplitRandom:
		if rng == nil {
			rng = rand.New(rand.NewSource(1))
		}
		for i := range weights {
			weights[i] = 0.6 + rng.Float64()*0.8 // 0.6..1.4
		}
	case SplitExponential:
		for i := range weights {
			weights[i] = math.Pow(0.7, float64(i))
		}
	default:
		return nil, errs.Validation("execution.Split", "unknown split mode "+string(mode))
	}

	sum := 0.0
	for _, w := range weights {
		sum += w
	}

	out := make([]float64, n)
	assigned := 0.0
	for i := range weights {
		out[i] = total * weights[i] / sum
		if i == n-1 {
			out[i] = total - assigned
		}
		assigned += out[i]
	}
	return out, nil
}

// Iceberg emits visible child slices one at a time until the parent
// quantity is filled, keeping the bulk of the order hidden.
type Iceberg struct {
	mu          sync.Mutex
	total       float64
	visibleSize float64
	filled      float64
}

// NewIceberg creates an iceberg splitter
func NewIceberg(total, visibleSize float64) (*Iceberg, error) {
	if total <= 0 || visibleSize <= 0 {
		return nil, errs.Validation("execution.NewIceberg", "total and visible size must be positive")
	}
	return &Iceberg{total: total, visibleSize: visibleSize}, nil
}

// Next returns the next visible slice size, or 0 when the order is done
func (ib *Iceberg) Next() float64 {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	remaining := ib.total - ib.filled
	if remaining <= 0 {
		return 0
	}
	if remaining < ib.visibleSize {
		return remaining
	}
	return ib.visibleSize
}

// RecordFill registers executed quantity against the parent order
func (ib *Iceberg) RecordFill(size float64) {
	ib.mu.Lock()
	ib.filled += size
	ib.mu.Unlock()
}

// Done reports whether filled quantity has reached the parent total
func (ib *Iceberg) Done() bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.filled >= ib.total
}
