package learning

import (
	"math"
	"sort"
	"sync"

	"crypto-trading-core/internal/strategy"
)

// PatternScore is one scored pattern key
type PatternScore struct {
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// PatternStore accumulates reward/penalty scores for recurring strategy
// patterns across learning batches. Keys combine the family, timeframe and
// the indicator set the family's predicates read, plus sentiment-bias and
// regime-preference attribution buckets.
type PatternStore struct {
	mu     sync.RWMutex
	scores map[string]float64
}

// NewPatternStore creates an empty pattern store
func NewPatternStore() *PatternStore {
	return &PatternStore{scores: make(map[string]float64)}
}

// Apply scores the batch. Winners add sharpe times return; losers subtract
// the absolute return as penalty.
func (s *PatternStore) Apply(samples []Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sm := range samples {
		if sm.Record == nil || sm.Result == nil {
			continue
		}
		var delta float64
		if sm.Result.TotalReturnPct > 0 {
			delta = boundedSharpe(sm.Result.SharpeRatio) * sm.Result.TotalReturnPct
		} else {
			delta = -math.Abs(sm.Result.TotalReturnPct)
		}
		for _, key := range patternKeys(sm.Record) {
			s.scores[key] += delta
		}
	}
}

// Score returns the accumulated score for one key
func (s *PatternStore) Score(key string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scores[key]
}

// Top returns the n highest-scoring patterns, best first
func (s *PatternStore) Top(n int) []PatternScore {
	s.mu.RLock()
	out := make([]PatternScore, 0, len(s.scores))
	for key, score := range s.scores {
		out = append(out, PatternScore{Key: key, Score: score})
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// patternKeys expands one record into its attribution buckets
func patternKeys(rec *strategy.Record) []string {
	keys := []string{
		string(rec.Type) + "_" + rec.Timeframe + "_" + indicatorsFor(rec.Type),
		"bias_" + string(rec.Sentiment.Bias),
	}
	for _, rg := range rec.RegimePreferences {
		keys = append(keys, "regime_"+string(rg))
	}
	return keys
}

// indicatorsFor names the indicator set each family's predicates read
func indicatorsFor(t strategy.Type) string {
	switch t {
	case strategy.Momentum:
		return "rsi_sma_ema"
	case strategy.MeanReversion:
		return "rsi_bbands"
	case strategy.Breakout:
		return "rolling_high"
	case strategy.TrendFollowing:
		return "ema_cross"
	case strategy.Scalping:
		return "ema_pullback"
	case strategy.Swing:
		return "rsi_recovery"
	case strategy.Arbitrage:
		return "sma_deviation"
	case strategy.Hybrid:
		return "rsi_sma_ema_bbands"
	default:
		return "unknown"
	}
}
