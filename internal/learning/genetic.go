package learning

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/regime"
	"crypto-trading-core/internal/strategy"
)

// Gene bounds. Mutation jitter never pushes a numeric gene outside these.
const (
	minRSIOversold   = 5.0
	maxRSIOversold   = 45.0
	minRSIOverbought = 55.0
	maxRSIOverbought = 95.0
	minMomentumThr   = 0.0005
	maxMomentumThr   = 0.05
	minLookback      = 5
	maxLookback      = 100
	maxBandTolerance = 0.05
	minDeviationPct  = 0.001
	maxDeviationPct  = 0.1

	// Fractional jitter applied to a mutating numeric gene
	mutationJitter = 0.2
)

// EvolveConfig tunes the genetic synthesizer
type EvolveConfig struct {
	TopParents   int     `json:"top_parents"`
	MutationRate float64 `json:"mutation_rate"`
	Seed         int64   `json:"seed"` // 0 seeds from the clock
}

// Evolver produces candidate strategies by crossing and mutating the
// genomes of top backtest performers.
type Evolver struct {
	cfg    EvolveConfig
	logger *logging.Logger
	rng    *rand.Rand
	nowFn  func() time.Time
}

// NewEvolver creates a genetic synthesizer
func NewEvolver(cfg EvolveConfig, logger *logging.Logger) *Evolver {
	if cfg.TopParents <= 0 {
		cfg.TopParents = 4
	}
	if cfg.MutationRate <= 0 {
		cfg.MutationRate = 0.15
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Evolver{
		cfg:    cfg,
		logger: logger.WithComponent("learning"),
		rng:    rand.New(rand.NewSource(seed)),
		nowFn:  time.Now,
	}
}

// Evolve ranks the batch by fitness, keeps the top performers as parents
// and synthesizes n offspring ready for fresh backtesting.
func (e *Evolver) Evolve(samples []Sample, n int) ([]*strategy.Record, error) {
	const op = "learning.Evolve"

	ranked := Rank(samples)
	if len(ranked) < 2 {
		return nil, errs.Validation(op, "at least two scored parents are required")
	}
	parents := ranked
	if len(parents) > e.cfg.TopParents {
		parents = parents[:e.cfg.TopParents]
	}

	offspring := make([]*strategy.Record, 0, n)
	for i := 0; i < n; i++ {
		ai := e.rng.Intn(len(parents))
		bi := e.rng.Intn(len(parents) - 1)
		if bi >= ai {
			bi++
		}
		child := e.crossover(parents[ai].Record, parents[bi].Record)
		e.mutate(child)
		offspring = append(offspring, child)
	}

	e.logger.Info("synthesized offspring",
		"parents", len(parents), "offspring", len(offspring),
		"mutation_rate", e.cfg.MutationRate)
	return offspring, nil
}

// crossover blends two parent genomes: numeric genes average, categorical
// genes pick one side, set-valued genes take the union trimmed to the
// larger parent's size.
func (e *Evolver) crossover(a, b *strategy.Record) *strategy.Record {
	child := &strategy.Record{
		ID:        uuid.NewString(),
		Type:      a.Type,
		Timeframe: a.Timeframe,
		Status:    strategy.StatusCandidate,
		CreatedAt: e.nowFn(),
	}
	if e.rng.Float64() < 0.5 {
		child.Type = b.Type
	}
	if e.rng.Float64() < 0.5 {
		child.Timeframe = b.Timeframe
	}

	// The sentiment profile travels whole so bias and thresholds stay coherent
	if e.rng.Float64() < 0.5 {
		child.Sentiment = a.Sentiment
	} else {
		child.Sentiment = b.Sentiment
	}

	pa, pb := a.Parameters, b.Parameters
	child.Parameters = strategy.Params{
		RSIOversold:       (pa.RSIOversold + pb.RSIOversold) / 2,
		RSIOverbought:     (pa.RSIOverbought + pb.RSIOverbought) / 2,
		MomentumThreshold: (pa.MomentumThreshold + pb.MomentumThreshold) / 2,
		BreakoutLookback:  (pa.BreakoutLookback + pb.BreakoutLookback) / 2,
		BandTolerance:     (pa.BandTolerance + pb.BandTolerance) / 2,
		DeviationPct:      (pa.DeviationPct + pb.DeviationPct) / 2,
	}

	ra, rb := a.Risk, b.Risk
	child.Risk = strategy.RiskParams{
		PositionSizePct: (ra.PositionSizePct + rb.PositionSizePct) / 2,
		StopLossPct:     (ra.StopLossPct + rb.StopLossPct) / 2,
		TakeProfitPct:   (ra.TakeProfitPct + rb.TakeProfitPct) / 2,
		MaxPositions:    max(1, (ra.MaxPositions+rb.MaxPositions)/2),
		MaxHoldingBars:  (ra.MaxHoldingBars + rb.MaxHoldingBars) / 2,
	}

	child.Symbols = e.unionTrim(a.Symbols, b.Symbols)
	child.RegimePreferences = e.unionTrimRegimes(a.RegimePreferences, b.RegimePreferences)

	gen := a.Generation
	if b.Generation > gen {
		gen = b.Generation
	}
	child.Generation = gen + 1
	child.Name = fmt.Sprintf("gen%d-%s-%s", child.Generation, child.Type, child.ID[:8])
	return child
}

// mutate jitters each numeric gene with the configured probability and
// occasionally flips a categorical one. Bounds always hold afterwards.
func (e *Evolver) mutate(rec *strategy.Record) {
	p := &rec.Parameters

	if e.roll() {
		p.RSIOversold = clamp(e.jitter(p.RSIOversold), minRSIOversold, maxRSIOversold)
	}
	if e.roll() {
		p.RSIOverbought = clamp(e.jitter(p.RSIOverbought), minRSIOverbought, maxRSIOverbought)
	}
	if e.roll() {
		p.MomentumThreshold = clamp(e.jitter(p.MomentumThreshold), minMomentumThr, maxMomentumThr)
	}
	if e.roll() {
		jittered := e.jitter(float64(p.BreakoutLookback))
		p.BreakoutLookback = int(clamp(jittered, minLookback, maxLookback))
	}
	if e.roll() {
		p.BandTolerance = clamp(e.jitter(p.BandTolerance), 0, maxBandTolerance)
	}
	if e.roll() {
		p.DeviationPct = clamp(e.jitter(p.DeviationPct), minDeviationPct, maxDeviationPct)
	}

	// Category flips
	if e.roll() {
		rec.Type = strategy.Types[e.rng.Intn(len(strategy.Types))]
	}
	if e.roll() && len(rec.RegimePreferences) > 0 {
		all := regime.All()
		rec.RegimePreferences[e.rng.Intn(len(rec.RegimePreferences))] = all[e.rng.Intn(len(all))]
		rec.RegimePreferences = dedupeRegimes(rec.RegimePreferences)
	}
}

func (e *Evolver) roll() bool {
	return e.rng.Float64() < e.cfg.MutationRate
}

func (e *Evolver) jitter(v float64) float64 {
	return v * (1 + (e.rng.Float64()*2-1)*mutationJitter)
}

// unionTrim merges two symbol sets, first-seen order, trimmed to the
// larger parent's size
func (e *Evolver) unionTrim(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var union []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			union = append(union, s)
		}
	}
	limit := max(len(a), len(b))
	if len(union) > limit {
		// Drop random surplus entries so neither parent's tail dominates
		e.rng.Shuffle(len(union), func(i, j int) { union[i], union[j] = union[j], union[i] })
		union = union[:limit]
	}
	return union
}

func (e *Evolver) unionTrimRegimes(a, b []regime.Regime) []regime.Regime {
	seen := make(map[regime.Regime]bool, len(a)+len(b))
	var union []regime.Regime
	for _, rg := range append(append([]regime.Regime{}, a...), b...) {
		if !seen[rg] {
			seen[rg] = true
			union = append(union, rg)
		}
	}
	limit := max(len(a), len(b))
	if len(union) > limit {
		e.rng.Shuffle(len(union), func(i, j int) { union[i], union[j] = union[j], union[i] })
		union = union[:limit]
	}
	return union
}

func dedupeRegimes(in []regime.Regime) []regime.Regime {
	seen := make(map[regime.Regime]bool, len(in))
	out := in[:0]
	for _, rg := range in {
		if !seen[rg] {
			seen[rg] = true
			out = append(out, rg)
		}
	}
	return out
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

