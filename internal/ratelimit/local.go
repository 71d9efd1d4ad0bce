package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter keeps one token bucket per subject in process memory. It is
// used when no redis address is configured, so limits are per replica.
type LocalLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	capacity int
	refill   rate.Limit
	now      func() time.Time
}

func NewLocalLimiter(capacity int, refillPerSecond float64) (*LocalLimiter, error) {
	if err := validateRate(capacity, refillPerSecond); err != nil {
		return nil, err
	}
	return &LocalLimiter{
		buckets:  make(map[string]*rate.Limiter),
		capacity: capacity,
		refill:   rate.Limit(refillPerSecond),
		now:      time.Now,
	}, nil
}

func (l *LocalLimiter) Allow(_ context.Context, subject string) (Decision, error) {
	subject = normalizeSubject(subject)
	now := l.now()

	l.mu.Lock()
	limiter, ok := l.buckets[subject]
	if !ok {
		limiter = rate.NewLimiter(l.refill, l.capacity)
		l.buckets[subject] = limiter
	}
	l.mu.Unlock()

	reservation := limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: delay,
		}, nil
	}

	return Decision{
		Allowed:   true,
		Remaining: int64(limiter.TokensAt(now)),
	}, nil
}
