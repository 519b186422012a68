package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/metrics"
)

// Config holds cache manager configuration
type Config struct {
	MaxSize              int           `json:"max_size"`              // per-strategy container capacity
	DefaultTTL           time.Duration `json:"default_ttl"`           // applied when Set gets ttl=0
	EnableCompression    bool          `json:"enable_compression"`    // gzip values above the threshold
	CompressionThreshold int           `json:"compression_threshold"` // bytes
	SweepInterval        time.Duration `json:"sweep_interval"`        // periodic expired-entry sweep
	OpTimeout            time.Duration `json:"op_timeout"`            // distributed tier deadline
}

// Statistics is a point-in-time snapshot of the cache counters
type Statistics struct {
	LocalHits        int64              `json:"local_hits"`
	DistributedHits  int64              `json:"distributed_hits"`
	Misses           int64              `json:"misses"`
	Sets             int64              `json:"sets"`
	Deletes          int64              `json:"deletes"`
	Evictions        int64              `json:"evictions"`
	Expirations      int64              `json:"expirations"`
	CompressedWrites int64              `json:"compressed_writes"`
	RedisErrors      int64              `json:"redis_errors"`
	HitRate          float64            `json:"hit_rate"`
	ContainerSizes   map[Strategy]int   `json:"container_sizes"`
}

// Health reports the distributed tier's availability
type Health struct {
	Healthy       bool      `json:"healthy"`
	FailureCount  int       `json:"failure_count"`
	LastCheck     time.Time `json:"last_check"`
	LocalOnly     bool      `json:"local_only"`
	TotalEntries  int       `json:"total_entries"`
}

// distEntry is the distributed-tier record stored per key
type distEntry struct {
	Value      []byte    `json:"value"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
	Strategy   Strategy  `json:"strategy"`
}

// Manager is the tiered cache. Reads check the local container first, then
// the distributed tier, promoting on hit. Writes go to both tiers. Redis
// failures degrade to local-only operation; callers see a miss, never an
// error, on the read path.
type Manager struct {
	cfg        Config
	client     redis.UniversalClient // nil means local-only
	containers map[Strategy]*container
	logger     *logging.Logger
	metrics    *metrics.Registry

	statsMu sync.Mutex
	stats   Statistics

	healthMu      sync.RWMutex
	healthy       bool
	failureCount  int
	lastCheck     time.Time
	maxFailures   int
	retryCooldown time.Duration

	stopCh  chan struct{}
	stopped sync.Once
	nowFn   func() time.Time
}

// NewManager builds the tiered cache. client may be nil for local-only
// deployments and tests.
func NewManager(cfg Config, client redis.UniversalClient, logger *logging.Logger, m *metrics.Registry) *Manager {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = 1024
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}

	containers := make(map[Strategy]*container, 4)
	for _, s := range []Strategy{TTL, LRU, LFU, FIFO} {
		containers[s] = newContainer(s, cfg.MaxSize)
	}

	return &Manager{
		cfg:           cfg,
		client:        client,
		containers:    containers,
		logger:        logger.WithComponent("cache"),
		metrics:       m,
		healthy:       client != nil,
		maxFailures:   3,
		retryCooldown: 30 * time.Second,
		stopCh:        make(chan struct{}),
		nowFn:         time.Now,
	}
}

// Start launches the periodic expired-entry sweep
func (mg *Manager) Start() {
	go func() {
		ticker := time.NewTicker(mg.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mg.sweep()
			case <-mg.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep loop
func (mg *Manager) Stop() {
	mg.stopped.Do(func() { close(mg.stopCh) })
}

// Get reads a key. The local tier is checked first; on miss the
// distributed tier is consulted and a hit is promoted into the local tier.
// Hit-rate counters advance exactly once per call.
func (mg *Manager) Get(ctx context.Context, key string, strategy Strategy, useDistributed bool) ([]byte, bool) {
	c, ok := mg.containers[strategy]
	if !ok {
		return nil, false
	}
	now := mg.nowFn()

	if e, hit := c.get(key, now); hit {
		mg.count(func(s *Statistics) { s.LocalHits++ })
		mg.metrics.CacheHits.WithLabelValues("local", string(strategy)).Inc()
		return e.Value, true
	}

	if useDistributed && mg.distAvailable() {
		if value, ttl, hit := mg.distGet(ctx, key, strategy); hit {
			// Promote into the local tier
			evicted := c.set(&Entry{
				Key:        key,
				Value:      value,
				CreatedAt:  now,
				AccessedAt: now,
				TTL:        ttl,
				SizeBytes:  len(value),
			}, now)
			mg.recordEvictions(strategy, evicted)
			mg.count(func(s *Statistics) { s.DistributedHits++ })
			mg.metrics.CacheHits.WithLabelValues("distributed", string(strategy)).Inc()
			return value, true
		}
	}

	mg.count(func(s *Statistics) { s.Misses++ })
	mg.metrics.CacheMisses.WithLabelValues("local", string(strategy)).Inc()
	return nil, false
}

// GetJSON reads a key and unmarshals the cached payload into dest
func (mg *Manager) GetJSON(ctx context.Context, key string, strategy Strategy, dest interface{}) bool {
	raw, ok := mg.Get(ctx, key, strategy, true)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		mg.logger.WithError(err).Warn("cached payload failed to decode, dropping", "key", key)
		mg.Delete(ctx, key, strategy, true)
		return false
	}
	return true
}

// Set writes a key to the local tier and, when enabled, the distributed
// tier. Values above the compression threshold are gzip-compressed for the
// distributed write when that actually shrinks them.
func (mg *Manager) Set(ctx context.Context, key string, value interface{}, strategy Strategy, ttl time.Duration, useDistributed bool) error {
	c, ok := mg.containers[strategy]
	if !ok {
		return errs.Config("cache.Set", "unknown cache strategy "+string(strategy))
	}
	if ttl <= 0 {
		ttl = mg.cfg.DefaultTTL
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return errs.Validation("cache.Set", "value is not serializable").WithDetail("key", key)
	}
	now := mg.nowFn()

	evicted := c.set(&Entry{
		Key:        key,
		Value:      raw,
		CreatedAt:  now,
		AccessedAt: now,
		TTL:        ttl,
		SizeBytes:  len(raw),
	}, now)
	mg.recordEvictions(strategy, evicted)

	mg.count(func(s *Statistics) { s.Sets++ })

	if useDistributed && mg.distAvailable() {
		mg.distSet(ctx, key, raw, strategy, ttl, now)
	}
	return nil
}

// Delete removes a key from both tiers
func (mg *Manager) Delete(ctx context.Context, key string, strategy Strategy, useDistributed bool) {
	if c, ok := mg.containers[strategy]; ok {
		c.delete(key)
	}
	mg.count(func(s *Statistics) { s.Deletes++ })

	if useDistributed && mg.distAvailable() {
		ctx, cancel := context.WithTimeout(ctx, mg.cfg.OpTimeout)
		defer cancel()
		if err := mg.client.Del(ctx, distKey(strategy, key)).Err(); err != nil {
			mg.recordFailure(err)
		} else {
			mg.recordSuccess()
		}
	}
}

// Clear empties one strategy's container, or all of them when strategy is
// empty. The distributed tier is cleared by key-prefix scan.
func (mg *Manager) Clear(ctx context.Context, strategy Strategy) {
	for s, c := range mg.containers {
		if strategy != "" && s != strategy {
			continue
		}
		c.clear()
		if mg.distAvailable() {
			prefix := fmt.Sprintf("cache:%s:", s)
			iter := mg.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
			for iter.Next(ctx) {
				mg.client.Del(ctx, iter.Val())
			}
		}
	}
}

// Statistics returns a snapshot of the counters and container sizes
func (mg *Manager) Statistics() Statistics {
	mg.statsMu.Lock()
	snap := mg.stats
	mg.statsMu.Unlock()

	snap.ContainerSizes = make(map[Strategy]int, len(mg.containers))
	total := 0
	for s, c := range mg.containers {
		n := c.len()
		snap.ContainerSizes[s] = n
		total += n
	}

	hits := snap.LocalHits + snap.DistributedHits
	if hits+snap.Misses > 0 {
		snap.HitRate = float64(hits) / float64(hits+snap.Misses)
	}
	mg.metrics.CacheHitRatio.Set(snap.HitRate)
	return snap
}

// Health reports distributed-tier availability and entry counts
func (mg *Manager) Health() Health {
	mg.healthMu.RLock()
	defer mg.healthMu.RUnlock()

	total := 0
	for _, c := range mg.containers {
		total += c.len()
	}
	return Health{
		Healthy:      mg.healthy,
		FailureCount: mg.failureCount,
		LastCheck:    mg.lastCheck,
		LocalOnly:    mg.client == nil,
		TotalEntries: total,
	}
}

// distAvailable reports whether a distributed operation should be attempted.
// While the tier is unhealthy the manager runs local-only so requests do
// not pay the Redis timeout on every call; one probe is let through per
// cooldown window, and lastCheck is pushed forward so concurrent callers
// stay local until the probe resolves.
func (mg *Manager) distAvailable() bool {
	if mg.client == nil {
		return false
	}
	mg.healthMu.Lock()
	defer mg.healthMu.Unlock()
	if mg.healthy {
		return true
	}
	now := mg.nowFn()
	if now.Sub(mg.lastCheck) >= mg.retryCooldown {
		mg.lastCheck = now
		return true
	}
	return false
}

// distGet reads the distributed tier, reversing compression when flagged
func (mg *Manager) distGet(ctx context.Context, key string, strategy Strategy) ([]byte, time.Duration, bool) {
	ctx, cancel := context.WithTimeout(ctx, mg.cfg.OpTimeout)
	defer cancel()

	rk := distKey(strategy, key)
	raw, err := mg.client.Get(ctx, rk).Bytes()
	if err == redis.Nil {
		mg.recordSuccess()
		return nil, 0, false
	}
	if err != nil {
		mg.recordFailure(err)
		return nil, 0, false
	}
	mg.recordSuccess()

	var de distEntry
	if err := json.Unmarshal(raw, &de); err != nil {
		mg.logger.WithError(err).Warn("corrupt distributed entry, deleting", "key", key)
		mg.client.Del(ctx, rk)
		return nil, 0, false
	}

	value := de.Value
	if de.Compressed {
		value, err = Decompress(value)
		if err != nil {
			mg.logger.WithError(err).Warn("decompression failed, deleting", "key", key)
			mg.client.Del(ctx, rk)
			return nil, 0, false
		}
	}

	ttl, _ := mg.client.TTL(ctx, rk).Result()
	if ttl < 0 {
		ttl = 0
	}
	return value, ttl, true
}

// distSet writes the distributed tier record with its TTL
func (mg *Manager) distSet(ctx context.Context, key string, raw []byte, strategy Strategy, ttl time.Duration, now time.Time) {
	value := raw
	compressed := false
	if mg.cfg.EnableCompression && len(raw) > mg.cfg.CompressionThreshold {
		if packed, err := Compress(raw); err == nil && len(packed) < len(raw) {
			value = packed
			compressed = true
			mg.count(func(s *Statistics) { s.CompressedWrites++ })
		}
	}

	payload, err := json.Marshal(distEntry{
		Value:      value,
		Compressed: compressed,
		CreatedAt:  now,
		Strategy:   strategy,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, mg.cfg.OpTimeout)
	defer cancel()
	if err := mg.client.Set(ctx, distKey(strategy, key), payload, ttl).Err(); err != nil {
		mg.recordFailure(err)
		return
	}
	mg.recordSuccess()
}

// sweep removes expired entries from every container
func (mg *Manager) sweep() {
	now := mg.nowFn()
	for s, c := range mg.containers {
		removed := c.sweep(now)
		if len(removed) > 0 {
			mg.count(func(st *Statistics) { st.Expirations += int64(len(removed)) })
			mg.logger.Debug("swept expired entries", "strategy", string(s), "count", len(removed))
		}
	}
}

func (mg *Manager) recordEvictions(strategy Strategy, evicted []string) {
	if len(evicted) == 0 {
		return
	}
	mg.count(func(s *Statistics) { s.Evictions += int64(len(evicted)) })
	mg.metrics.CacheEvictions.WithLabelValues(string(strategy)).Add(float64(len(evicted)))
}

// recordFailure tracks a Redis operation failure; enough consecutive
// failures flip the tier to unhealthy and the manager runs local-only
// until a cooldown probe succeeds again.
func (mg *Manager) recordFailure(err error) {
	mg.count(func(s *Statistics) { s.RedisErrors++ })
	mg.metrics.RedisErrors.Inc()

	mg.healthMu.Lock()
	defer mg.healthMu.Unlock()
	mg.failureCount++
	mg.lastCheck = mg.nowFn()
	if mg.failureCount >= mg.maxFailures && mg.healthy {
		mg.healthy = false
		mg.logger.WithError(err).Warn("distributed tier marked unhealthy", "failures", mg.failureCount)
	}
}

func (mg *Manager) recordSuccess() {
	mg.healthMu.Lock()
	defer mg.healthMu.Unlock()
	if !mg.healthy {
		mg.logger.Info("distributed tier recovered")
	}
	mg.healthy = true
	mg.failureCount = 0
	mg.lastCheck = mg.nowFn()
}

func (mg *Manager) count(fn func(*Statistics)) {
	mg.statsMu.Lock()
	fn(&mg.stats)
	mg.statsMu.Unlock()
}

// distKey namespaces distributed-tier keys as cache:<strategy>:<hash>
func distKey(strategy Strategy, key string) string {
	h := fnv.New64a()
	h.Write([]byte(key))
	return fmt.Sprintf("cache:%s:%x", strategy, h.Sum64())
}

// Compress gzips a payload
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress
func Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
