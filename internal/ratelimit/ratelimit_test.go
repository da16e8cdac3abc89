package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestTurnLimiterWindow(t *testing.T) {
	rl := NewTurnLimiter(testRedis(t), 2)
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	allowed, used, _, err := rl.Allow(context.Background(), 7, now)
	if err != nil {
		t.Fatalf("allow#1: %v", err)
	}
	if !allowed || used != 1 {
		t.Fatalf("expected first turn allowed with used=1, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = rl.Allow(context.Background(), 7, now)
	if err != nil {
		t.Fatalf("allow#2: %v", err)
	}
	if !allowed || used != 2 {
		t.Fatalf("expected second turn allowed with used=2, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, resetAt, err := rl.Allow(context.Background(), 7, now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if allowed || used != 3 {
		t.Fatalf("expected third turn denied with used=3, got allowed=%v used=%d", allowed, used)
	}
	if !resetAt.Equal(now.Truncate(time.Hour).Add(time.Hour)) {
		t.Fatalf("unexpected reset time %v", resetAt)
	}
}

func TestTurnLimiterIsolatesUsers(t *testing.T) {
	rl := NewTurnLimiter(testRedis(t), 1)
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	if allowed, _, _, _ := rl.Allow(context.Background(), 1, now); !allowed {
		t.Fatal("user 1 first turn should be allowed")
	}
	if allowed, _, _, _ := rl.Allow(context.Background(), 2, now); !allowed {
		t.Fatal("user 2 should have an independent window")
	}
}

func TestSessionLockExclusivity(t *testing.T) {
	lock := NewSessionLock(testRedis(t), time.Minute)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, 5, "conn-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	ok, err = lock.Acquire(ctx, 5, "conn-b")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second acquire should be rejected while held")
	}

	if err := lock.Release(ctx, 5); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = lock.Acquire(ctx, 5, "conn-b")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if !ok {
		t.Fatal("acquire after release should succeed")
	}
}
