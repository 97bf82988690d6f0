// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateDecision is the outcome of one limiter check.
type RateDecision struct {
	Allowed           bool
	LimitPerMinute    int
	Remaining         int
	RetryAfterSeconds int
}

// RateLimiter spends one request from key's per-minute budget.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limitPerMinute int, now time.Time) (RateDecision, error)
}

type bucket struct {
	tokens float64
	limit  int
	seen   time.Time
}

// memoryRateLimiter is a continuously refilling token bucket per key. It is
// local to one process.
type memoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newMemoryRateLimiter() *memoryRateLimiter {
	return &memoryRateLimiter{buckets: make(map[string]*bucket)}
}

func (l *memoryRateLimiter) Allow(_ context.Context, key string, limitPerMinute int, now time.Time) (RateDecision, error) {
	limitPerMinute = max(limitPerMinute, 1)
	limit := float64(limitPerMinute)

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[key]
	if b == nil || b.limit != limitPerMinute {
		b = &bucket{tokens: float64(limitPerMinute), limit: limitPerMinute, seen: now}
		l.buckets[key] = b
	}
	if elapsed := now.Sub(b.seen).Seconds(); elapsed > 0 {
		b.tokens = math.Min(limit, b.tokens+elapsed*limit/60)
		b.seen = now
	}

	d := RateDecision{LimitPerMinute: limitPerMinute}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
		d.Remaining = int(b.tokens)
		return d, nil
	}
	d.RetryAfterSeconds = max(1, int(math.Ceil((1-b.tokens)*60/limit)))
	return d, nil
}

// RedisRateLimiter counts requests in fixed one-minute windows shared by
// every api replica.
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
}

func NewRedisRateLimiter(client *redis.Client, prefix string) *RedisRateLimiter {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string, limitPerMinute int, now time.Time) (RateDecision, error) {
	limitPerMinute = max(limitPerMinute, 1)
	window := now.Truncate(time.Minute)
	redisKey := l.prefix + key + ":" + strconv.FormatInt(window.Unix(), 10)

	var incr *redis.IntCmd
	if _, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, redisKey)
		p.Expire(ctx, redisKey, 2*time.Minute)
		return nil
	}); err != nil {
		return RateDecision{}, err
	}

	count := int(incr.Val())
	d := RateDecision{
		Allowed:        count <= limitPerMinute,
		LimitPerMinute: limitPerMinute,
		Remaining:      max(limitPerMinute-count, 0),
	}
	if !d.Allowed {
		d.RetryAfterSeconds = max(1, int(math.Ceil(window.Add(time.Minute).Sub(now).Seconds())))
	}
	return d, nil
}
