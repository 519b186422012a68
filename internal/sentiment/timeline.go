// Package sentiment aligns symbol and global sentiment timelines to
// candle timestamps and gates entries by a strategy's sentiment profile.
package sentiment

import (
	"sort"
	"time"
)

// Default combination weights for symbol vs global scores
const (
	DefaultSymbolWeight = 0.6
	DefaultGlobalWeight = 0.4
)

// Entry is one sentiment observation, score in [-1, 1]
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
	Source    string    `json:"source,omitempty"`
}

// Snapshot is the sentiment state valid at one instant
type Snapshot struct {
	SymbolScore   float64 `json:"symbol_score"`
	GlobalScore   float64 `json:"global_score"`
	SymbolPresent bool    `json:"symbol_present"`
	GlobalPresent bool    `json:"global_present"`
	Combined      float64 `json:"combined"`
	AgeHours      float64 `json:"age_hours"`
}

// Missing reports whether no score of either scope was available
func (s Snapshot) Missing() bool {
	return !s.SymbolPresent && !s.GlobalPresent
}

// Alignment rescales the combined score to [0, 1]
func (s Snapshot) Alignment() float64 {
	return (s.Combined + 1) / 2
}

// Timeline holds the symbol and global entry series, sorted by time
type Timeline struct {
	symbolWeight float64
	globalWeight float64
	symbol       []Entry
	global       []Entry
}

// NewTimeline builds a timeline; zero weights fall back to 0.6/0.4
func NewTimeline(symbol, global []Entry, symbolWeight, globalWeight float64) *Timeline {
	if symbolWeight <= 0 && globalWeight <= 0 {
		symbolWeight = DefaultSymbolWeight
		globalWeight = DefaultGlobalWeight
	}
	sym := make([]Entry, len(symbol))
	copy(sym, symbol)
	glob := make([]Entry, len(global))
	copy(glob, global)
	sort.Slice(sym, func(i, j int) bool { return sym[i].Timestamp.Before(sym[j].Timestamp) })
	sort.Slice(glob, func(i, j int) bool { return glob[i].Timestamp.Before(glob[j].Timestamp) })

	return &Timeline{
		symbolWeight: symbolWeight,
		globalWeight: globalWeight,
		symbol:       sym,
		global:       glob,
	}
}

// At carries forward the latest scores valid at t and combines them,
// renormalizing the weights by which scopes are present. Age is that of
// the stalest contributing entry.
func (tl *Timeline) At(t time.Time) Snapshot {
	var snap Snapshot

	if e, ok := latestAt(tl.symbol, t); ok {
		snap.SymbolScore = e.Score
		snap.SymbolPresent = true
		snap.AgeHours = t.Sub(e.Timestamp).Hours()
	}
	if e, ok := latestAt(tl.global, t); ok {
		snap.GlobalScore = e.Score
		snap.GlobalPresent = true
		if age := t.Sub(e.Timestamp).Hours(); age > snap.AgeHours || !snap.SymbolPresent {
			snap.AgeHours = age
		}
	}

	weight := 0.0
	if snap.SymbolPresent {
		snap.Combined += tl.symbolWeight * snap.SymbolScore
		weight += tl.symbolWeight
	}
	if snap.GlobalPresent {
		snap.Combined += tl.globalWeight * snap.GlobalScore
		weight += tl.globalWeight
	}
	if weight > 0 {
		snap.Combined /= weight
	}
	return snap
}

// latestAt finds the most recent entry at or before t in a sorted series
func latestAt(entries []Entry, t time.Time) (Entry, bool) {
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i].Timestamp.After(t)
	})
	if idx == 0 {
		return Entry{}, false
	}
	return entries[idx-1], true
}
