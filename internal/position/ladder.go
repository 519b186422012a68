package position

import (
	"math"
	"math/rand"

	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/market"
)

// LadderDirection distinguishes scale-in from scale-out ladders
type LadderDirection string

const (
	LadderScaleIn  LadderDirection = "scale_in"
	LadderScaleOut LadderDirection = "scale_out"
)

// Distribution shapes how total size spreads across ladder levels
type Distribution string

const (
	DistEqual          Distribution = "equal"
	DistRandom         Distribution = "random"
	DistIncreasing     Distribution = "increasing"
	DistDecreasing     Distribution = "decreasing"
	DistPyramid        Distribution = "pyramid"
	DistInversePyramid Distribution = "inverse_pyramid"
)

// LadderLevel is one price-triggered tranche
type LadderLevel struct {
	TriggerPrice float64 `json:"trigger_price"`
	Size         float64 `json:"size"`
	Filled       bool    `json:"filled"`
}

// Ladder is an ordered list of levels crossed in the favorable direction.
// Scale-out ladders for a long trigger as price rises; scale-in ladders
// trigger as it falls back toward better entries. Shorts mirror.
type Ladder struct {
	Side      market.Side     `json:"side"`
	Direction LadderDirection `json:"direction"`
	Levels    []LadderLevel   `json:"levels"`
}

// LadderSpec builds a ladder either from explicit trigger prices or by
// compounding PriceSpacingPct away from the entry price.
type LadderSpec struct {
	Side            market.Side
	Direction       LadderDirection
	TotalSize       float64
	Distribution    Distribution
	ExplicitPrices  []float64
	EntryPrice      float64
	Levels          int
	PriceSpacingPct float64
	Seed            int64
}

// NewLadder builds the level list from a spec
func NewLadder(spec LadderSpec) (*Ladder, error) {
	const op = "position.NewLadder"
	if spec.TotalSize <= 0 {
		return nil, errs.Validation(op, "total size must be positive")
	}

	prices := spec.ExplicitPrices
	if len(prices) == 0 {
		if spec.Levels <= 0 || spec.PriceSpacingPct <= 0 || spec.EntryPrice <= 0 {
			return nil, errs.Validation(op, "need explicit prices or entry, levels and spacing")
		}
		prices = spacedPrices(spec)
	}

	sizes, err := distributeSizes(spec.TotalSize, len(prices), spec.Distribution, spec.Seed)
	if err != nil {
		return nil, err
	}

	levels := make([]LadderLevel, len(prices))
	for i := range prices {
		levels[i] = LadderLevel{TriggerPrice: prices[i], Size: sizes[i]}
	}
	return &Ladder{Side: spec.Side, Direction: spec.Direction, Levels: levels}, nil
}

// spacedPrices compounds the spacing percentage away from entry: with the
// favorable direction for scale-out, against it for scale-in.
func spacedPrices(spec LadderSpec) []float64 {
	step := spec.PriceSpacingPct
	favorable := spec.Side == market.SideLong
	if spec.Direction == LadderScaleIn {
		favorable = !favorable
	}
	if !favorable {
		step = -step
	}

	prices := make([]float64, spec.Levels)
	for i := 0; i < spec.Levels; i++ {
		prices[i] = spec.EntryPrice * math.Pow(1+step, float64(i+1))
	}
	return prices
}

// distributeSizes splits total across n levels per the distribution.
// Sizes always sum to total.
func distributeSizes(total float64, n int, dist Distribution, seed int64) ([]float64, error) {
	weights := make([]float64, n)
	switch dist {
	case DistEqual, "":
		for i := range weights {
			weights[i] = 1
		}
	case DistRandom:
		rng := rand.New(rand.NewSource(seed))
		for i := range weights {
			weights[i] = 0.5 + rng.Float64()
		}
	case DistIncreasing:
		for i := range weights {
			weights[i] = float64(i + 1)
		}
	case DistDecreasing:
		for i := range weights {
			weights[i] = float64(n - i)
		}
	case DistPyramid:
		// Heaviest in the middle
		for i := range weights {
			weights[i] = float64(min(i+1, n-i))
		}
	case DistInversePyramid:
		// Heaviest at the edges
		mid := float64(n-1) / 2
		for i := range weights {
			weights[i] = math.Abs(float64(i)-mid) + 1
		}
	default:
		return nil, errs.Validation("position.distributeSizes", "unknown distribution "+string(dist))
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

// Crossed returns the unfilled levels whose trigger has been crossed in
// the favorable direction, in ladder order, marking them filled.
func (l *Ladder) Crossed(price float64) []LadderLevel {
	var actions []LadderLevel
	for i := range l.Levels {
		lv := &l.Levels[i]
		if lv.Filled || !l.crossed(price, lv.TriggerPrice) {
			continue
		}
		lv.Filled = true
		actions = append(actions, *lv)
	}
	return actions
}

func (l *Ladder) crossed(price, trigger float64) bool {
	up := l.Side == market.SideLong
	if l.Direction == LadderScaleIn {
		up = !up
	}
	if up {
		return price >= trigger
	}
	return price <= trigger
}

// Remaining is the unfilled size left on the ladder
func (l *Ladder) Remaining() float64 {
	total := 0.0
	for _, lv := range l.Levels {
		if !lv.Filled {
			total += lv.Size
		}
	}
	return total
}
