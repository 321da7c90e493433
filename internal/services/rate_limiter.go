package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/observability"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateDecision is the outcome of one rate-limit check
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter decides whether one more request for key fits in the current window
type RateLimiter interface {
	Allow(ctx context.Context, key string) (RateDecision, error)
}

// MemoryRateLimiter implements a sliding-log limiter per key
type MemoryRateLimiter struct {
	limit  int
	window time.Duration
	clock  Clock
	hits   map[string][]time.Time
	mutex  sync.Mutex
	logger *logging.SafeLogger
}

// NewMemoryRateLimiter allows limit requests per key in any window-long interval
func NewMemoryRateLimiter(limit int, window time.Duration, clock Clock, logger *logging.SafeLogger) *MemoryRateLimiter {
	if clock == nil {
		clock = SystemClock()
	}
	return &MemoryRateLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		hits:   make(map[string][]time.Time),
		logger: logger,
	}
}

// prune drops hits outside the window ending at now. Caller holds the mutex.
func (rl *MemoryRateLimiter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-rl.window)
	hits := rl.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) == 0 {
		delete(rl.hits, key)
		return nil
	}
	rl.hits[key] = hits
	return hits
}

func (rl *MemoryRateLimiter) Allow(ctx context.Context, key string) (RateDecision, error) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.clock.Now()
	hits := rl.prune(key, now)

	if len(hits) >= rl.limit {
		retryAfter := hits[0].Add(rl.window).Sub(now)
		rl.logger.Debug("rate limiter rejected request",
			zap.String("key", key),
			zap.Int("hits", len(hits)),
			zap.Duration("retry_after", retryAfter))
		return RateDecision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
	}

	rl.hits[key] = append(hits, now)
	return RateDecision{Allowed: true, Remaining: rl.limit - len(hits) - 1}, nil
}

// Cleanup drops expired hits for every key
func (rl *MemoryRateLimiter) Cleanup() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.clock.Now()
	for key := range rl.hits {
		rl.prune(key, now)
	}
}

// Size returns the number of keys currently tracked
func (rl *MemoryRateLimiter) Size() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.hits)
}

// ScriptRunner runs a Lua script. *redisclient.Client satisfies it.
type ScriptRunner interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// rateLimitScript counts hits in a fixed window. The expiry is set on the first hit only,
// and restored if the key somehow lost it.
const rateLimitScript = `
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`

// RedisRateLimiter shares a fixed-window quota across instances through Redis. When Redis
// fails the decision is taken by an in-process fallback instead.
type RedisRateLimiter struct {
	redis    ScriptRunner
	prefix   string
	limit    int
	window   time.Duration
	fallback *MemoryRateLimiter
	logger   *logging.SafeLogger
}

// NewRedisRateLimiter creates a limiter storing counters under prefix+key
func NewRedisRateLimiter(runner ScriptRunner, prefix string, limit int, window time.Duration, fallback *MemoryRateLimiter, logger *logging.SafeLogger) *RedisRateLimiter {
	if fallback == nil {
		fallback = NewMemoryRateLimiter(limit, window, nil, logger)
	}
	return &RedisRateLimiter{
		redis:    runner,
		prefix:   prefix,
		limit:    limit,
		window:   window,
		fallback: fallback,
		logger:   logger,
	}
}

func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (RateDecision, error) {
	res, err := rl.redis.Eval(ctx, rateLimitScript, []string{rl.prefix + key}, rl.window.Milliseconds()).Int64Slice()
	if err == nil && len(res) != 2 {
		err = fmt.Errorf("unexpected rate limit script reply: %v", res)
	}
	if err != nil {
		observability.RateLimiterFallbacks.Inc()
		rl.logger.Warn("redis rate limiter unavailable, using in-process fallback",
			zap.String("key", key),
			zap.Error(err))
		return rl.fallback.Allow(ctx, key)
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if count > rl.limit {
		return RateDecision{Allowed: false, Remaining: 0, RetryAfter: ttl}, nil
	}
	return RateDecision{Allowed: true, Remaining: rl.limit - count}, nil
}
