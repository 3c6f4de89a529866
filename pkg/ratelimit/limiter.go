// Package ratelimit bounds how many analyses a tenant may submit per window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"cybersentinel/pkg/structlog"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait until capacity frees up, rounded up to a second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return wait.Truncate(time.Second) + time.Second
}

// Limiter admits or rejects one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// LocalLimiter is a fixed-window counter per key held in process memory.
type LocalLimiter struct {
	capacity int
	window   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	sweepAt time.Time
}

type bucket struct {
	used  int
	start time.Time
}

func NewLocalLimiter(capacity int, window time.Duration) *LocalLimiter {
	return &LocalLimiter{
		capacity: capacity,
		window:   window,
		now:      time.Now,
		buckets:  make(map[string]*bucket),
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.start) >= l.window {
		b = &bucket{start: now}
		l.buckets[key] = b
	}
	reset := b.start.Add(l.window)
	if b.used >= l.capacity {
		return Decision{Allowed: false, ResetAt: reset}, nil
	}
	b.used++
	return Decision{Allowed: true, Remaining: l.capacity - b.used, ResetAt: reset}, nil
}

// sweep drops idle buckets at most once per window.
func (l *LocalLimiter) sweep(now time.Time) {
	if now.Before(l.sweepAt) {
		return
	}
	for k, b := range l.buckets {
		if now.Sub(b.start) >= l.window*2 {
			delete(l.buckets, k)
		}
	}
	l.sweepAt = now.Add(l.window)
}

// slidingWindow trims expired members, then admits when the set is below
// capacity. Returns {allowed, remaining, oldest score in ms}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end
if count < capacity then
	redis.call('ZADD', key, now, now .. ':' .. redis.call('INCR', key .. ':seq'))
	redis.call('PEXPIRE', key, window + 1000)
	redis.call('PEXPIRE', key .. ':seq', window + 1000)
	return {1, capacity - count - 1, oldest}
end
return {0, 0, oldest}
`)

// RedisLimiter is a sliding window shared by every API instance. When Redis
// fails the request is decided by a local fallback.
type RedisLimiter struct {
	client   redis.UniversalClient
	capacity int
	window   time.Duration
	prefix   string
	fallback *LocalLimiter
	logger   *structlog.Logger
	now      func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, capacity int, window time.Duration, logger *structlog.Logger) *RedisLimiter {
	if logger == nil {
		logger = structlog.Nop()
	}
	return &RedisLimiter{
		client:   client,
		capacity: capacity,
		window:   window,
		prefix:   "sentinel:ratelimit:",
		fallback: NewLocalLimiter(capacity, window),
		logger:   logger,
		now:      time.Now,
	}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.now()
	res, err := slidingWindow.Run(ctx, r.client, []string{r.prefix + key},
		now.UnixMilli(), r.window.Milliseconds(), r.capacity).Int64Slice()
	if err != nil {
		r.logger.Warn("rate limit store unavailable, using local window", structlog.Fields{"key": key, "error": err})
		return r.fallback.Allow(ctx, key)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}
	return Decision{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetAt:   time.UnixMilli(res[2]).Add(r.window),
	}, nil
}
