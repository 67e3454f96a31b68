package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "MultiLLM-Agent/internal/errors"
)

func TestNewRejectsInvalidBounds(t *testing.T) {
	_, err := New(map[string]Limit{"m": {RequestsPerMinute: 0, ConcurrentRequests: 1}})
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = New(map[string]Limit{"m": {RequestsPerMinute: 1, ConcurrentRequests: 0}})
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAcquireUnlimitedModelPassesThrough(t *testing.T) {
	limiter, err := New(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.Acquire(context.Background(), "unknown"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	limiter.Release("unknown")
}

// fakeClock 通过记录 sleep 时长并推进虚拟时间来验证窗口等待逻辑。
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) install(l *Limiter) {
	l.now = func() time.Time { return c.now }
	l.sleep = func(_ context.Context, d time.Duration) error {
		c.sleeps = append(c.sleeps, d)
		c.now = c.now.Add(d)
		return nil
	}
}

func TestAcquireWaitsForWindowToElapse(t *testing.T) {
	limiter, err := New(map[string]Limit{"m": {RequestsPerMinute: 2, ConcurrentRequests: 5}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	clock.install(limiter)

	ctx := context.Background()
	if err := limiter.Acquire(ctx, "m"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	clock.now = clock.now.Add(10 * time.Second)
	if err := limiter.Acquire(ctx, "m"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if len(clock.sleeps) != 0 {
		t.Fatalf("no wait expected while window has room, got %v", clock.sleeps)
	}

	// 第三次请求时窗口已满，应精确等待到最早时间戳滚出窗口。
	clock.now = clock.now.Add(5 * time.Second)
	if err := limiter.Acquire(ctx, "m"); err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if len(clock.sleeps) == 0 {
		t.Fatalf("expected the third acquire to wait")
	}
	if clock.sleeps[0] != 45*time.Second {
		t.Fatalf("expected 45s wait (60 - 15 elapsed), got %v", clock.sleeps[0])
	}
}

func TestAcquireBlocksOnConcurrencyPermit(t *testing.T) {
	limiter, err := New(map[string]Limit{"m": {RequestsPerMinute: 100, ConcurrentRequests: 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	if err := limiter.Acquire(ctx, "m"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 速率仍然充足，但并发许可已耗尽，第二次获取应阻塞直到超时。
	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = limiter.Acquire(timeoutCtx, "m")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	limiter.Release("m")
	if err := limiter.Acquire(ctx, "m"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestReleaseWithoutAcquireIsSafe(t *testing.T) {
	limiter, err := New(map[string]Limit{"m": {RequestsPerMinute: 1, ConcurrentRequests: 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	limiter.Release("m")
	limiter.Release("m")
}
