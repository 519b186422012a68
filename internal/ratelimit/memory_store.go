package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process state. It carries the same
// algorithm semantics as RedisStore and backs single-node deployments and
// tests. State idles out after stateTTL, matching the Redis key TTL.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucketState
	windows map[string]*windowState
	epochs  map[string]*epochState
}

type bucketState struct {
	value    float64 // tokens for token bucket, volume for leaky bucket
	last     time.Time
	touched  time.Time
	primed   bool
}

type windowState struct {
	timestamps []time.Time
	touched    time.Time
}

type epochState struct {
	count   int
	epoch   int64
	touched time.Time
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*bucketState),
		windows: make(map[string]*windowState),
		epochs:  make(map[string]*epochState),
	}
}

// CheckTokenBucket implements Store
func (s *MemoryStore) CheckTokenBucket(ctx context.Context, key string, rate float64, burst int, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	b, ok := s.buckets[key]
	if !ok || !b.primed {
		b = &bucketState{value: float64(burst), last: now, primed: true}
		s.buckets[key] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.value += elapsed * rate
		if b.value > float64(burst) {
			b.value = float64(burst)
		}
	}
	b.last = now
	b.touched = now

	d := Decision{}
	if b.value >= 1 {
		b.value--
		d.Allowed = true
		d.ResetAt = now
	} else {
		wait := (1 - b.value) / rate
		d.ResetAt = now.Add(time.Duration(wait * float64(time.Second)))
	}
	d.Remaining = int(b.value)
	return d, nil
}

// CheckSlidingWindow implements Store
func (s *MemoryStore) CheckSlidingWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	w, ok := s.windows[key]
	if !ok {
		w = &windowState{}
		s.windows[key] = w
	}
	w.touched = now

	// Drop entries outside the window
	cutoff := now.Add(-window)
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept

	d := Decision{}
	if len(w.timestamps) < limit {
		w.timestamps = append(w.timestamps, now)
		d.Allowed = true
	}
	d.Remaining = limit - len(w.timestamps)
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if len(w.timestamps) > 0 {
		d.ResetAt = w.timestamps[0].Add(window)
	} else {
		d.ResetAt = now.Add(window)
	}
	return d, nil
}

// CheckFixedWindow implements Store
func (s *MemoryStore) CheckFixedWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	epoch := now.Unix() / int64(window.Seconds())
	e, ok := s.epochs[key]
	if !ok || e.epoch != epoch {
		e = &epochState{epoch: epoch}
		s.epochs[key] = e
	}
	e.count++
	e.touched = now

	d := Decision{
		Allowed:   e.count <= limit,
		Remaining: limit - e.count,
		ResetAt:   time.Unix((epoch+1)*int64(window.Seconds()), 0),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, nil
}

// CheckLeakyBucket implements Store
func (s *MemoryStore) CheckLeakyBucket(ctx context.Context, key string, rate float64, burst int, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	b, ok := s.buckets[key]
	if !ok {
		b = &bucketState{value: 0, last: now, primed: true}
		s.buckets[key] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.value -= elapsed * rate
		if b.value < 0 {
			b.value = 0
		}
	}
	b.last = now
	b.touched = now

	d := Decision{}
	if b.value < float64(burst) {
		b.value++
		d.Allowed = true
		d.ResetAt = now
	} else {
		wait := (b.value - float64(burst) + 1) / rate
		d.ResetAt = now.Add(time.Duration(wait * float64(time.Second)))
	}
	d.Remaining = burst - int(b.value)
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, nil
}

// Reset implements Store
func (s *MemoryStore) Reset(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.buckets {
		if strings.HasPrefix(k, prefix) {
			delete(s.buckets, k)
		}
	}
	for k := range s.windows {
		if strings.HasPrefix(k, prefix) {
			delete(s.windows, k)
		}
	}
	for k := range s.epochs {
		if strings.HasPrefix(k, prefix) {
			delete(s.epochs, k)
		}
	}
	return nil
}

// sweepLocked drops state idle for longer than stateTTL
func (s *MemoryStore) sweepLocked(now time.Time) {
	cutoff := now.Add(-stateTTL)
	for k, b := range s.buckets {
		if b.touched.Before(cutoff) {
			delete(s.buckets, k)
		}
	}
	for k, w := range s.windows {
		if w.touched.Before(cutoff) {
			delete(s.windows, k)
		}
	}
	for k, e := range s.epochs {
		if e.touched.Before(cutoff) {
			delete(s.epochs, k)
		}
	}
}
