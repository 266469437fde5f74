package ratelimit

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiterRedis(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 2, time.Hour)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	ctx := context.Background()

	d, err := limiter.Allow(ctx, "owner-1")
	if err != nil || !d.Allowed || d.Remaining != 1 {
		t.Fatalf("first request should pass: %+v err=%v", d, err)
	}
	d, err = limiter.Allow(ctx, "owner-1")
	if err != nil || !d.Allowed || d.Remaining != 0 {
		t.Fatalf("second request should pass: %+v err=%v", d, err)
	}
	d, err = limiter.Allow(ctx, "owner-1")
	if err != nil || d.Allowed {
		t.Fatalf("third request should be blocked: %+v err=%v", d, err)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Hour {
		t.Fatalf("expected retry-after within the window, got %v", d.RetryAfter)
	}

	d, err = limiter.Allow(ctx, "owner-2")
	if err != nil || !d.Allowed {
		t.Fatalf("other owners keep their own quota: %+v err=%v", d, err)
	}
}

func TestFixedWindowLimiterResetsNextWindow(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "", 1, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	if d, _ := limiter.Allow(ctx, "owner-1"); !d.Allowed {
		t.Fatalf("first request should pass")
	}
	if d, _ := limiter.Allow(ctx, "owner-1"); d.Allowed {
		t.Fatalf("second request in the same window should be blocked")
	}
	now = now.Add(time.Minute)
	if d, _ := limiter.Allow(ctx, "owner-1"); !d.Allowed {
		t.Fatalf("next window should start a fresh quota")
	}
	if !redis.Exists("wordvision:imagegen:owner-1:" + strconv.FormatInt(now.UnixMilli()/time.Minute.Milliseconds(), 10)) {
		t.Fatalf("expected default prefix key, have %v", redis.Keys())
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	redis.Close()
	d, err := limiter.Allow(context.Background(), "owner-1")
	if err == nil || d.Allowed {
		t.Fatalf("limiter should fail closed on redis errors: %+v err=%v", d, err)
	}
}

func TestFixedWindowLimiterRequiresRedisAddr(t *testing.T) {
	limiter, err := NewRedisFixedWindowLimiter("", "", "test:ratelimit", 1, time.Second)
	if err == nil || limiter != nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
}
