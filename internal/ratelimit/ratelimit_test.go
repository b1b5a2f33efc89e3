package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterBlocksOverLimit(t *testing.T) {
	limiter := NewMemoryLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "ip-1")
		if err != nil {
			t.Fatalf("allow error: %v", err)
		}
		if !ok {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}

	ok, err := limiter.Allow(ctx, "ip-1")
	if err != nil {
		t.Fatalf("allow error: %v", err)
	}
	if ok {
		t.Fatalf("fourth attempt should be blocked")
	}

	// Other keys are unaffected.
	ok, _ = limiter.Allow(ctx, "ip-2")
	if !ok {
		t.Fatalf("separate key should be allowed")
	}
}

func TestMemoryLimiterWindowReset(t *testing.T) {
	limiter := NewMemoryLimiter(1, time.Minute)
	current := time.Now()
	limiter.now = func() time.Time { return current }

	ctx := context.Background()
	if ok, _ := limiter.Allow(ctx, "key"); !ok {
		t.Fatalf("first attempt should be allowed")
	}
	if ok, _ := limiter.Allow(ctx, "key"); ok {
		t.Fatalf("second attempt in window should be blocked")
	}

	current = current.Add(2 * time.Minute)
	if ok, _ := limiter.Allow(ctx, "key"); !ok {
		t.Fatalf("attempt after window should be allowed")
	}
}

func TestMemoryLimiterDisabled(t *testing.T) {
	limiter := NewMemoryLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if ok, _ := limiter.Allow(context.Background(), "key"); !ok {
			t.Fatalf("disabled limiter must always allow")
		}
	}
}
