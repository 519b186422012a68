package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/metrics"
)

func newTestLimiter(t *testing.T, rules []Rule) (*Limiter, *fakeClock) {
	t.Helper()

	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
	lim, err := NewLimiter(Config{Rules: rules, FailOpen: true}, NewMemoryStore(), logger, metrics.NewRegistry())
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	lim.nowFn = clock.Now
	return lim, clock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRuleValidation(t *testing.T) {
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})

	_, err := NewLimiter(Config{Rules: []Rule{{
		Name:              "bad",
		Algorithm:         "weighted_fair_queue",
		RequestsPerSecond: 10,
		BurstSize:         10,
	}}}, NewMemoryStore(), logger, metrics.NewRegistry())
	require.Error(t, err, "unknown algorithm must be rejected at load time")
}

func TestRuleMatchingPriority(t *testing.T) {
	lim, _ := newTestLimiter(t, []Rule{
		{Name: "api-default", Algorithm: TokenBucket, RequestsPerSecond: 100, BurstSize: 100, PathPatterns: []string{"/api/*"}, Priority: 1},
		{Name: "orders-strict", Algorithm: TokenBucket, RequestsPerSecond: 1, BurstSize: 1, PathPatterns: []string{"/api/orders"}, Methods: []string{"POST"}, Priority: 10},
	})

	res := lim.Check(context.Background(), "user-1", "/api/orders", "POST")
	assert.Equal(t, "orders-strict", res.RuleName)

	res = lim.Check(context.Background(), "user-1", "/api/quotes", "GET")
	assert.Equal(t, "api-default", res.RuleName)
}

func TestUnmatchedRequestAllowed(t *testing.T) {
	lim, _ := newTestLimiter(t, []Rule{
		{Name: "api", Algorithm: TokenBucket, RequestsPerSecond: 1, BurstSize: 1, PathPatterns: []string{"/api/*"}},
	})

	res := lim.Check(context.Background(), "user-1", "/healthz", "GET")
	assert.Equal(t, StatusAllowed, res.Status)
	assert.Equal(t, UnmatchedRule, res.RuleName)
}

func TestTokenBucketRefill(t *testing.T) {
	// rate=5/s, burst=5: five rapid requests drain the bucket, a request
	// at t=0.6s is allowed again (3 tokens refilled by then).
	lim, clock := newTestLimiter(t, []Rule{
		{Name: "tb", Algorithm: TokenBucket, RequestsPerSecond: 5, BurstSize: 5},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res := lim.Check(ctx, "id", "/x", "GET")
		require.Equal(t, StatusAllowed, res.Status, "request %d", i)
	}
	res := lim.Check(ctx, "id", "/x", "GET")
	require.Equal(t, StatusDenied, res.Status)
	assert.Greater(t, res.RetryAfterSec, 0.0)

	clock.Advance(600 * time.Millisecond)
	res = lim.Check(ctx, "id", "/x", "GET")
	assert.Equal(t, StatusAllowed, res.Status)
	assert.Equal(t, 2, res.Remaining)
}

func TestTokenBucketEmptyStartBehavior(t *testing.T) {
	// A bucket drained to zero denies immediately and allows again after
	// 1/rate seconds.
	lim, clock := newTestLimiter(t, []Rule{
		{Name: "tb", Algorithm: TokenBucket, RequestsPerSecond: 2, BurstSize: 1},
	})
	ctx := context.Background()

	require.Equal(t, StatusAllowed, lim.Check(ctx, "id", "/x", "GET").Status)
	require.Equal(t, StatusDenied, lim.Check(ctx, "id", "/x", "GET").Status)

	clock.Advance(500 * time.Millisecond) // exactly 1/rate
	assert.Equal(t, StatusAllowed, lim.Check(ctx, "id", "/x", "GET").Status)
}

func TestSlidingWindowAdmission(t *testing.T) {
	// rate=10/s, window=1s, burst=10: ten at t=0 allowed, the 11th at
	// t=0.5 denied, a request at t=1.01 allowed after the oldest drops.
	lim, clock := newTestLimiter(t, []Rule{
		{Name: "sw", Algorithm: SlidingWindow, RequestsPerSecond: 10, BurstSize: 10, WindowSeconds: 1},
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res := lim.Check(ctx, "id", "/x", "GET")
		require.Equal(t, StatusAllowed, res.Status, "request %d", i)
	}

	clock.Advance(500 * time.Millisecond)
	res := lim.Check(ctx, "id", "/x", "GET")
	require.Equal(t, StatusDenied, res.Status)

	clock.Advance(510 * time.Millisecond) // t = 1.01s
	res = lim.Check(ctx, "id", "/x", "GET")
	assert.Equal(t, StatusAllowed, res.Status)
}

func TestFixedWindowRollsOver(t *testing.T) {
	lim, clock := newTestLimiter(t, []Rule{
		{Name: "fw", Algorithm: FixedWindow, RequestsPerSecond: 3, BurstSize: 3, WindowSeconds: 1},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Equal(t, StatusAllowed, lim.Check(ctx, "id", "/x", "GET").Status)
	}
	require.Equal(t, StatusDenied, lim.Check(ctx, "id", "/x", "GET").Status)

	clock.Advance(time.Second)
	assert.Equal(t, StatusAllowed, lim.Check(ctx, "id", "/x", "GET").Status)
}

func TestLeakyBucketLeaks(t *testing.T) {
	lim, clock := newTestLimiter(t, []Rule{
		{Name: "lb", Algorithm: LeakyBucket, RequestsPerSecond: 2, BurstSize: 2},
	})
	ctx := context.Background()

	require.Equal(t, StatusAllowed, lim.Check(ctx, "id", "/x", "GET").Status)
	require.Equal(t, StatusAllowed, lim.Check(ctx, "id", "/x", "GET").Status)
	require.Equal(t, StatusDenied, lim.Check(ctx, "id", "/x", "GET").Status)

	clock.Advance(time.Second) // leaks 2
	assert.Equal(t, StatusAllowed, lim.Check(ctx, "id", "/x", "GET").Status)
}

func TestMultiIdentifierAllMustPass(t *testing.T) {
	lim, _ := newTestLimiter(t, []Rule{
		{Name: "tb", Algorithm: TokenBucket, RequestsPerSecond: 1, BurstSize: 1},
	})
	ctx := context.Background()

	// Drain the bucket for the secondary identifier only
	require.Equal(t, StatusAllowed, lim.Check(ctx, "ip-9", "/x", "GET").Status)

	res := lim.Check(ctx, "user-1", "/x", "GET", "ip-9")
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, "ip-9", res.Identifier, "first failing identifier determines the result")

	// A fresh identifier pair passes
	res = lim.Check(ctx, "user-2", "/x", "GET", "ip-10")
	assert.Equal(t, StatusAllowed, res.Status)
}

func TestFailOpenOnStoreError(t *testing.T) {
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
	lim, err := NewLimiter(Config{
		Rules:    []Rule{{Name: "tb", Algorithm: TokenBucket, RequestsPerSecond: 100, BurstSize: 100}},
		FailOpen: true,
	}, failingStore{}, logger, metrics.NewRegistry())
	require.NoError(t, err)

	res := lim.Check(context.Background(), "id", "/x", "GET")
	assert.Equal(t, StatusAllowed, res.Status, "fail-open allows through the local throttle")
	assert.Equal(t, int64(1), lim.Statistics().StoreErrors)
}

func TestConcurrentChecksRespectLimit(t *testing.T) {
	lim, _ := newTestLimiter(t, []Rule{
		{Name: "sw", Algorithm: SlidingWindow, RequestsPerSecond: 50, BurstSize: 50, WindowSeconds: 1},
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lim.Check(ctx, "id", "/x", "GET").Status == StatusAllowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed, "admitted count must not exceed rate*window")
}

type failingStore struct{}

func (failingStore) CheckTokenBucket(ctx context.Context, key string, rate float64, burst int, now time.Time) (Decision, error) {
	return Decision{}, context.DeadlineExceeded
}
func (failingStore) CheckSlidingWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	return Decision{}, context.DeadlineExceeded
}
func (failingStore) CheckFixedWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	return Decision{}, context.DeadlineExceeded
}
func (failingStore) CheckLeakyBucket(ctx context.Context, key string, rate float64, burst int, now time.Time) (Decision, error) {
	return Decision{}, context.DeadlineExceeded
}
func (failingStore) Reset(ctx context.Context, prefix string) error {
	return context.DeadlineExceeded
}
