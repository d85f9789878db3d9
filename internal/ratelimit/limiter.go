// Package ratelimit throttles job submissions per subject.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const DefaultKeyPrefix = "upscaler:ratelimit"

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// LocalLimiter keeps a token bucket per subject in process memory. It is
// used when no Redis is configured.
type LocalLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	limit    rate.Limit
	capacity int
	now      func() time.Time
}

func NewLocalLimiter(capacity int, window time.Duration) (*LocalLimiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}

	return &LocalLimiter{
		buckets:  make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(capacity) / window.Seconds()),
		capacity: capacity,
		now:      time.Now,
	}, nil
}

func (l *LocalLimiter) Allow(_ context.Context, subject string) (Decision, error) {
	subject = normalizeSubject(subject)

	l.mu.Lock()
	bucket, ok := l.buckets[subject]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.capacity)
		l.buckets[subject] = bucket
	}
	l.mu.Unlock()

	now := l.now()
	reservation := bucket.ReserveN(now, 1)
	if !reservation.OK() {
		return Decision{}, fmt.Errorf("reserve token for %s: burst exceeded", subject)
	}

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
		Remaining: int64(math.Max(0, math.Floor(bucket.TokensAt(now)))),
	}, nil
}
