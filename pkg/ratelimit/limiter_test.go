package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// ============================================================
// RateLimiter
// ============================================================

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.Interval() != time.Minute {
		t.Errorf("Interval = %v, want 1m", rl.Interval())
	}
	if rl.Burst() != 1 {
		t.Errorf("Burst = %d, want 1", rl.Burst())
	}
}

func TestRateLimiter_SpacesRequests(t *testing.T) {
	rl := NewRateLimiter(600, 5) // интервал 100ms

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire #%d: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	// первый запрос сразу, два следующих через интервал
	if elapsed < 180*time.Millisecond {
		t.Errorf("3 acquires took %v, expected >= ~200ms", elapsed)
	}
}

func TestRateLimiter_SlotReleasedAfterInterval(t *testing.T) {
	rl := NewRateLimiter(600, 1)

	if !rl.TryAcquire() {
		t.Fatal("first TryAcquire should succeed")
	}
	if rl.TryAcquire() {
		t.Error("second TryAcquire should fail while the slot is held")
	}
	if rl.InFlight() != 1 {
		t.Errorf("InFlight = %d, want 1", rl.InFlight())
	}

	time.Sleep(150 * time.Millisecond)

	if !rl.TryAcquire() {
		t.Error("TryAcquire should succeed after the interval elapsed")
	}
}

func TestRateLimiter_ContextCancel(t *testing.T) {
	rl := NewRateLimiter(1, 1) // интервал минута

	if err := rl.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := rl.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

// ============================================================
// TokenBucket
// ============================================================

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	bucket := NewTokenBucket(5, 5)

	for i := 0; i < 5; i++ {
		if !bucket.TryAcquire(1) {
			t.Fatalf("TryAcquire #%d should succeed", i+1)
		}
	}
	if bucket.TryAcquire(1) {
		t.Fatal("6th TryAcquire should fail")
	}

	time.Sleep(250 * time.Millisecond)

	if !bucket.TryAcquire(1) {
		t.Error("TryAcquire should succeed after refill")
	}
}

func TestTokenBucket_AcquireExceedsCapacity(t *testing.T) {
	bucket := NewTokenBucket(10, 2)

	if err := bucket.Acquire(context.Background(), 3); !errors.Is(err, ErrExceedsCapacity) {
		t.Errorf("expected ErrExceedsCapacity, got %v", err)
	}
}

func TestTokenBucket_AcquireWaits(t *testing.T) {
	bucket := NewTokenBucket(20, 1) // один токен каждые 50ms

	if err := bucket.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	start := time.Now()
	if err := bucket.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("second Acquire returned after %v, expected to wait ~50ms", elapsed)
	}
}

func TestTokenBucket_Accessors(t *testing.T) {
	bucket := NewTokenBucket(0, 0)
	if bucket.Burst() != 1 {
		t.Errorf("Burst = %d, want 1", bucket.Burst())
	}
	if bucket.Rate() <= 0 {
		t.Error("Rate should be positive")
	}
	if bucket.Tokens() < 0.99 {
		t.Errorf("new bucket should be full, Tokens = %v", bucket.Tokens())
	}
}
