// Package ratelimit holds the Redis-backed per-owner quota for image
// generation.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "wordvision:imagegen"

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// Decision is the outcome of one quota check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// FixedWindowLimiter counts calls per key in fixed time windows shared by
// every instance through Redis.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration

	redisClient *redis.Client
	redisPrefix string
	now         func() time.Time
}

// NewRedisFixedWindowLimiter creates a Redis-backed distributed limiter.
func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		redisClient: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		redisPrefix: prefix,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Allow consumes one unit of key's quota. Redis failures are returned as
// errors with a denied decision so callers fail closed.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l == nil {
		return Decision{}, errors.New("rate limiter not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	windowSlot := l.now().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.redisPrefix, key, windowSlot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.redisClient, []string{redisKey}, windowMs).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit check: unexpected reply %v", res)
	}
	count, ttl := res[0], res[1]
	d := Decision{Allowed: count <= int64(l.limit)}
	if d.Allowed {
		d.Remaining = l.limit - int(count)
	} else if ttl > 0 {
		d.RetryAfter = time.Duration(ttl) * time.Millisecond
	}
	return d, nil
}

// Close releases the Redis connection pool.
func (l *FixedWindowLimiter) Close() error {
	if l == nil {
		return nil
	}
	return l.redisClient.Close()
}
