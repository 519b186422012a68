package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against a shared Redis instance so all
// service replicas see the same admission state. Every check runs as a Lua
// script, which Redis executes atomically per key.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a store backed by the given client
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// tokenBucketScript refills by elapsed*rate up to burst, then consumes one
// token if available. Returns {allowed, tokens-after-as-string}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil or last == nil then
  tokens = burst
  last = now
end

local elapsed = now - last
if elapsed > 0 then
  tokens = math.min(burst, tokens + elapsed * rate)
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('EXPIRE', key, ttl)
return {allowed, tostring(tokens)}
`)

// slidingWindowScript drops expired entries, admits below the limit and
// records the request. Returns {allowed, count, oldest-score-as-string}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. tostring(now - window))

local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, tostring(now), member)
  allowed = 1
  count = count + 1
end
redis.call('EXPIRE', key, ttl)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = '0'
if oldest[2] then
  oldestScore = oldest[2]
end
return {allowed, count, oldestScore}
`)

// leakyBucketScript leaks elapsed*rate clamped at zero, admits below burst.
// Returns {allowed, volume-after-as-string}.
var leakyBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'volume', 'last_leak')
local volume = tonumber(data[1])
local last = tonumber(data[2])
if volume == nil or last == nil then
  volume = 0
  last = now
end

local elapsed = now - last
if elapsed > 0 then
  volume = math.max(0, volume - elapsed * rate)
end

local allowed = 0
if volume < burst then
  volume = volume + 1
  allowed = 1
end

redis.call('HSET', key, 'volume', tostring(volume), 'last_leak', tostring(now))
redis.call('EXPIRE', key, ttl)
return {allowed, tostring(volume)}
`)

// CheckTokenBucket implements Store
func (s *RedisStore) CheckTokenBucket(ctx context.Context, key string, rate float64, burst int, now time.Time) (Decision, error) {
	res, err := tokenBucketScript.Run(ctx, s.client, []string{key},
		rate, burst, epochSeconds(now), int(stateTTL.Seconds())).Slice()
	if err != nil {
		return Decision{}, err
	}

	allowed, tokens, err := parseBucketReply(res)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Allowed: allowed, Remaining: int(tokens)}
	if allowed {
		d.ResetAt = now
	} else {
		// Time until one full token is refilled
		wait := (1 - tokens) / rate
		d.ResetAt = now.Add(time.Duration(wait * float64(time.Second)))
	}
	return d, nil
}

// CheckSlidingWindow implements Store
func (s *RedisStore) CheckSlidingWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	// Unique member so concurrent requests in the same nanosecond both count
	member := strconv.FormatInt(now.UnixNano(), 36) + "-" + strconv.FormatUint(uint64(rand.Uint32()), 36)
	res, err := slidingWindowScript.Run(ctx, s.client, []string{key},
		limit, window.Seconds(), epochSeconds(now), int(stateTTL.Seconds()), member).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("sliding window script returned %d values", len(res))
	}

	allowed := toInt64(res[0]) == 1
	count := int(toInt64(res[1]))
	oldest, _ := strconv.ParseFloat(toString(res[2]), 64)

	d := Decision{Allowed: allowed, Remaining: limit - count}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if oldest > 0 {
		d.ResetAt = fromEpochSeconds(oldest).Add(window)
	} else {
		d.ResetAt = now.Add(window)
	}
	return d, nil
}

// CheckFixedWindow implements Store
func (s *RedisStore) CheckFixedWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	epoch := now.Unix() / int64(window.Seconds())
	epochKey := fmt.Sprintf("%s:%d", key, epoch)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, epochKey)
	// TTL = window plus a small buffer so slow readers still observe it
	pipe.Expire(ctx, epochKey, window+5*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}

	count := int(incr.Val())
	windowEnd := time.Unix((epoch+1)*int64(window.Seconds()), 0)
	d := Decision{
		Allowed:   count <= limit,
		Remaining: limit - count,
		ResetAt:   windowEnd,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, nil
}

// CheckLeakyBucket implements Store
func (s *RedisStore) CheckLeakyBucket(ctx context.Context, key string, rate float64, burst int, now time.Time) (Decision, error) {
	res, err := leakyBucketScript.Run(ctx, s.client, []string{key},
		rate, burst, epochSeconds(now), int(stateTTL.Seconds())).Slice()
	if err != nil {
		return Decision{}, err
	}

	allowed, volume, err := parseBucketReply(res)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Allowed: allowed, Remaining: burst - int(math.Ceil(volume))}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if allowed {
		d.ResetAt = now
	} else {
		wait := (volume - float64(burst) + 1) / rate
		if wait < 0 {
			wait = 0
		}
		d.ResetAt = now.Add(time.Duration(wait * float64(time.Second)))
	}
	return d, nil
}

// Reset implements Store
func (s *RedisStore) Reset(ctx context.Context, prefix string) error {
	iter := s.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func parseBucketReply(res []interface{}) (bool, float64, error) {
	if len(res) != 2 {
		return false, 0, fmt.Errorf("bucket script returned %d values", len(res))
	}
	allowed := toInt64(res[0]) == 1
	value, err := strconv.ParseFloat(toString(res[1]), 64)
	if err != nil {
		return false, 0, fmt.Errorf("bucket script value: %w", err)
	}
	return allowed, value, nil
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromEpochSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

func toInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprintf("%v", x)
	}
}

