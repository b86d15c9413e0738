package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("tenant"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
}

func TestLimiter_BurstExhaustion(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("tenant"); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i, err)
		}
	}
	if err := l.Allow("tenant"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited after burst, got %v", err)
	}
}

func TestLimiter_TenantIsolation(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("alice"); err != nil {
		t.Fatalf("alice first request rejected: %v", err)
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatal("alice should be limited after burst")
	}
	// bob has an independent bucket.
	if err := l.Allow("bob"); err != nil {
		t.Fatalf("bob rejected despite independent bucket: %v", err)
	}
}

func TestLimiter_Refill(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 600, BurstSize: 1})

	if err := l.Allow("tenant"); err != nil {
		t.Fatalf("first request rejected: %v", err)
	}
	if err := l.Allow("tenant"); !errors.Is(err, ErrRateLimited) {
		t.Fatal("expected limit before refill")
	}

	// Rewind lastFill to simulate elapsed time instead of sleeping.
	l.mu.Lock()
	b := l.tenants["tenant"]
	b.lastFill = b.lastFill.Add(-200 * time.Millisecond) // 10 tokens/s: 200ms = 2 tokens
	l.mu.Unlock()

	if err := l.Allow("tenant"); err != nil {
		t.Fatalf("expected refilled token, got %v", err)
	}
}
