// Package cache provides the tiered (local + Redis) result cache with
// per-strategy eviction policy, transparent compression and statistics.
package cache

import (
	"time"

	"crypto-trading-core/internal/errs"
)

// Strategy selects the eviction policy of a cache container
type Strategy string

const (
	TTL  Strategy = "ttl"
	LRU  Strategy = "lru"
	LFU  Strategy = "lfu"
	FIFO Strategy = "fifo"
)

// Valid reports whether the strategy is one of the four known policies
func (s Strategy) Valid() bool {
	switch s {
	case TTL, LRU, LFU, FIFO:
		return true
	}
	return false
}

// ParseStrategy rejects unknown strategies at load time
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(s)
	if !st.Valid() {
		return "", errs.Config("cache.ParseStrategy", "unknown cache strategy "+s)
	}
	return st, nil
}

// Entry is one cached value with its bookkeeping
type Entry struct {
	Key         string        `json:"key"`
	Value       []byte        `json:"-"`
	CreatedAt   time.Time     `json:"created_at"`
	AccessedAt  time.Time     `json:"accessed_at"`
	AccessCount int64         `json:"access_count"`
	TTL         time.Duration `json:"ttl,omitempty"` // zero means no expiry
	SizeBytes   int           `json:"size_bytes"`
	Compressed  bool          `json:"compressed"`

	seq int64 // insertion order, breaks LFU frequency ties
}

// Expired reports whether the entry's TTL has elapsed at now
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.CreatedAt.Add(e.TTL))
}
