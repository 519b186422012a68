package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one atomic admission check against the store.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Store is the shared state backend. Each method performs the full
// read-modify-write for its algorithm atomically per key, so concurrent
// checks on the same (rule, identifier) are linearizable.
//
// Keys are namespaced rate_limit:<algo>:<hash> and expire after one hour
// of inactivity.
type Store interface {
	// CheckTokenBucket refills by elapsed*rate up to burst and consumes one
	// token when available.
	CheckTokenBucket(ctx context.Context, key string, rate float64, burst int, now time.Time) (Decision, error)

	// CheckSlidingWindow drops entries older than now-window, admits while
	// the count is below limit, and records the request timestamp.
	CheckSlidingWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)

	// CheckFixedWindow increments the counter for the current window epoch
	// and admits while the count does not exceed limit.
	CheckFixedWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)

	// CheckLeakyBucket leaks elapsed*rate (clamped at zero) and admits
	// while the bucket volume is below burst.
	CheckLeakyBucket(ctx context.Context, key string, rate float64, burst int, now time.Time) (Decision, error)

	// Reset clears all state under the given key prefix.
	Reset(ctx context.Context, prefix string) error
}

// stateTTL is how long idle per-identifier state survives in the store.
const stateTTL = time.Hour
