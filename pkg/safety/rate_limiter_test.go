package safety

import (
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	limiter := NewRateLimiter(2)
	base := time.Unix(100, 0).UTC()

	if !limiter.Allow(base) {
		t.Fatal("first event should pass")
	}
	if !limiter.Allow(base.Add(100 * time.Millisecond)) {
		t.Fatal("second event should pass")
	}
	if limiter.Allow(base.Add(200 * time.Millisecond)) {
		t.Fatal("third event inside the same second should be blocked")
	}
	if !limiter.Allow(base.Add(1200 * time.Millisecond)) {
		t.Fatal("budget should refill after a second")
	}
}

func TestRateLimiterClampsLimit(t *testing.T) {
	limiter := NewRateLimiter(0)
	if limiter.Limit() != 1 {
		t.Fatalf("expected limit clamped to 1, got %d", limiter.Limit())
	}
	base := time.Unix(200, 0).UTC()
	if !limiter.Allow(base) {
		t.Fatal("first event should pass")
	}
	if limiter.Allow(base.Add(10 * time.Millisecond)) {
		t.Fatal("second event should be blocked at limit 1")
	}
}
