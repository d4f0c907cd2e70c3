// Package safety holds the throttles that keep a noisy event feed from
// flooding the operator.
package safety

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a max events-per-second budget.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter with a per-second cap. The burst equals
// the cap, so a quiet limiter admits a full second's worth at once.
func NewRateLimiter(limit int) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(limit), limit)}
}

// Allow returns true if one more event fits the budget at now.
func (l *RateLimiter) Allow(now time.Time) bool {
	return l.limiter.AllowN(now, 1)
}

// Limit returns the configured events-per-second cap.
func (l *RateLimiter) Limit() int {
	return int(l.limiter.Limit())
}
