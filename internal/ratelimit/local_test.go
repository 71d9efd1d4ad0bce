package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLocalLimiterRejectsAfterCapacity(t *testing.T) {
	limiter, err := NewLocalLimiter(2, 1)
	if err != nil {
		t.Fatalf("NewLocalLimiter returned error: %v", err)
	}
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return frozen }

	for i := 0; i < 2; i++ {
		decision, err := limiter.Allow(context.Background(), "client-a")
		if err != nil {
			t.Fatalf("Allow returned error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("expected request %d to be allowed", i+1)
		}
	}

	decision, err := limiter.Allow(context.Background(), "client-a")
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected third request to be rejected")
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter > time.Second {
		t.Fatalf("expected retry-after within one second, got %s", decision.RetryAfter)
	}

	other, _ := limiter.Allow(context.Background(), "client-b")
	if !other.Allowed {
		t.Fatal("expected a separate subject to have its own bucket")
	}
}

func TestLocalLimiterRefills(t *testing.T) {
	limiter, err := NewLocalLimiter(1, 2)
	if err != nil {
		t.Fatalf("NewLocalLimiter returned error: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	if d, _ := limiter.Allow(context.Background(), ""); !d.Allowed {
		t.Fatal("expected first request to be allowed")
	}
	if d, _ := limiter.Allow(context.Background(), ""); d.Allowed {
		t.Fatal("expected second request to be rejected")
	}

	now = now.Add(600 * time.Millisecond)
	if d, _ := limiter.Allow(context.Background(), ""); !d.Allowed {
		t.Fatal("expected request to be allowed after refill")
	}
}

func TestRateValidation(t *testing.T) {
	if _, err := NewLocalLimiter(0, 1); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := NewLocalLimiter(1, 0); err == nil {
		t.Fatal("expected error for zero refill")
	}
	if _, err := NewRedisTokenBucket(nil, 1, 1, ""); err == nil {
		t.Fatal("expected error for missing redis client")
	}
}
