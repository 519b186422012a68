package cache

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/metrics"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *manualClock) {
	t.Helper()
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
	mg := NewManager(cfg, nil, logger, metrics.NewRegistry())
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	mg.nowFn = clock.Now
	return mg, clock
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSetGetRoundTrip(t *testing.T) {
	mg, _ := newTestManager(t, Config{MaxSize: 10})
	ctx := context.Background()

	type payload struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}
	require.NoError(t, mg.Set(ctx, "quote:BTCUSDT", payload{"BTCUSDT", 64000.5}, LRU, time.Minute, false))

	var got payload
	require.True(t, mg.GetJSON(ctx, "quote:BTCUSDT", LRU, &got))
	assert.Equal(t, payload{"BTCUSDT", 64000.5}, got)
}

func TestTTLExpiryInvisibleOnRead(t *testing.T) {
	mg, clock := newTestManager(t, Config{MaxSize: 10})
	ctx := context.Background()

	require.NoError(t, mg.Set(ctx, "k", "v", TTL, time.Minute, false))

	_, ok := mg.Get(ctx, "k", TTL, false)
	require.True(t, ok)

	clock.Advance(61 * time.Second)
	_, ok = mg.Get(ctx, "k", TTL, false)
	assert.False(t, ok, "expired entries must be invisible")
	assert.Equal(t, 0, mg.containers[TTL].len(), "expired entries are removed on read")
}

func TestSetDeleteGetMisses(t *testing.T) {
	mg, _ := newTestManager(t, Config{MaxSize: 10})
	ctx := context.Background()

	require.NoError(t, mg.Set(ctx, "k", 1, FIFO, time.Minute, false))
	mg.Delete(ctx, "k", FIFO, false)

	_, ok := mg.Get(ctx, "k", FIFO, false)
	assert.False(t, ok)
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	mg, _ := newTestManager(t, Config{MaxSize: 3})
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, mg.Set(ctx, k, k, LRU, time.Hour, false))
	}
	// Touch "a" so "b" becomes LRU
	_, ok := mg.Get(ctx, "a", LRU, false)
	require.True(t, ok)

	require.NoError(t, mg.Set(ctx, "d", "d", LRU, time.Hour, false))

	_, ok = mg.Get(ctx, "b", LRU, false)
	assert.False(t, ok, "b was least recently used and must be evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := mg.Get(ctx, k, LRU, false)
		assert.True(t, ok, "%s should survive", k)
	}
}

func TestLFUEvictsLowestFrequency(t *testing.T) {
	mg, _ := newTestManager(t, Config{MaxSize: 3})
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, mg.Set(ctx, k, k, LFU, time.Hour, false))
	}
	// a: 2 accesses, b: 1, c: 0 → c is the victim
	mg.Get(ctx, "a", LFU, false)
	mg.Get(ctx, "a", LFU, false)
	mg.Get(ctx, "b", LFU, false)

	require.NoError(t, mg.Set(ctx, "d", "d", LFU, time.Hour, false))

	_, ok := mg.Get(ctx, "c", LFU, false)
	assert.False(t, ok, "lowest-frequency entry must be evicted")
}

func TestLFUTieBrokenByInsertionOrder(t *testing.T) {
	mg, _ := newTestManager(t, Config{MaxSize: 2})
	ctx := context.Background()

	require.NoError(t, mg.Set(ctx, "first", 1, LFU, time.Hour, false))
	require.NoError(t, mg.Set(ctx, "second", 2, LFU, time.Hour, false))
	require.NoError(t, mg.Set(ctx, "third", 3, LFU, time.Hour, false))

	_, ok := mg.Get(ctx, "first", LFU, false)
	assert.False(t, ok, "oldest of the tied entries must be evicted")
	_, ok = mg.Get(ctx, "second", LFU, false)
	assert.True(t, ok)
}

func TestFIFOIgnoresAccessOrder(t *testing.T) {
	mg, _ := newTestManager(t, Config{MaxSize: 2})
	ctx := context.Background()

	require.NoError(t, mg.Set(ctx, "a", 1, FIFO, time.Hour, false))
	require.NoError(t, mg.Set(ctx, "b", 2, FIFO, time.Hour, false))

	// Access does not reorder FIFO
	mg.Get(ctx, "a", FIFO, false)

	require.NoError(t, mg.Set(ctx, "c", 3, FIFO, time.Hour, false))

	_, ok := mg.Get(ctx, "a", FIFO, false)
	assert.False(t, ok, "first inserted must be first evicted")
}

func TestContainerNeverExceedsMaxSize(t *testing.T) {
	mg, _ := newTestManager(t, Config{MaxSize: 5})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, mg.Set(ctx, string(rune('a'+i%26))+"x", i, LRU, time.Hour, false))
		assert.LessOrEqual(t, mg.containers[LRU].len(), 5)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("the quick brown fox "), 200)

	packed, err := Compress(original)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(original))

	unpacked, err := Decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, original, unpacked)
}

func TestHitRateCountsOncePerGet(t *testing.T) {
	mg, _ := newTestManager(t, Config{MaxSize: 10})
	ctx := context.Background()

	require.NoError(t, mg.Set(ctx, "k", "v", LRU, time.Hour, false))
	mg.Get(ctx, "k", LRU, false)
	mg.Get(ctx, "k", LRU, false)
	mg.Get(ctx, "missing", LRU, false)

	stats := mg.Statistics()
	assert.Equal(t, int64(2), stats.LocalHits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
}

// newUnreachableManager wires a client to a port nothing listens on, so
// every distributed operation fails with a connection refusal
func newUnreachableManager(t *testing.T) (*Manager, *manualClock) {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })

	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
	mg := NewManager(Config{MaxSize: 10, OpTimeout: 100 * time.Millisecond}, client, logger, metrics.NewRegistry())
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	mg.nowFn = clock.Now
	return mg, clock
}

func TestUnhealthyTierRunsLocalOnly(t *testing.T) {
	mg, _ := newUnreachableManager(t)
	ctx := context.Background()

	// Three failed operations flip the tier unhealthy
	for i := 0; i < 3; i++ {
		_, ok := mg.Get(ctx, "k", LRU, true)
		assert.False(t, ok)
	}
	require.False(t, mg.Health().Healthy)
	errsBefore := mg.Statistics().RedisErrors
	require.Equal(t, int64(3), errsBefore)

	// While unhealthy, reads and writes must not touch Redis at all
	_, ok := mg.Get(ctx, "k", LRU, true)
	assert.False(t, ok)
	require.NoError(t, mg.Set(ctx, "k", "v", LRU, time.Minute, true))
	assert.Equal(t, errsBefore, mg.Statistics().RedisErrors, "degraded mode still dialed Redis")

	// The local tier keeps serving
	_, ok = mg.Get(ctx, "k", LRU, true)
	assert.True(t, ok)
}

func TestUnhealthyTierProbesAfterCooldown(t *testing.T) {
	mg, clock := newUnreachableManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mg.Get(ctx, "k", LRU, true)
	}
	require.False(t, mg.Health().Healthy)
	errsBefore := mg.Statistics().RedisErrors

	// Past the cooldown exactly one probe goes through; it fails, pushes
	// lastCheck forward, and the very next call is local-only again
	clock.Advance(mg.retryCooldown + time.Second)
	mg.Get(ctx, "probe", LRU, true)
	assert.Equal(t, errsBefore+1, mg.Statistics().RedisErrors)

	mg.Get(ctx, "after", LRU, true)
	assert.Equal(t, errsBefore+1, mg.Statistics().RedisErrors)
	assert.False(t, mg.Health().Healthy)
}

func TestUnknownStrategyRejected(t *testing.T) {
	mg, _ := newTestManager(t, Config{MaxSize: 10})
	err := mg.Set(context.Background(), "k", "v", Strategy("arc"), time.Minute, false)
	require.Error(t, err)

	_, err = ParseStrategy("arc")
	require.Error(t, err)
}
