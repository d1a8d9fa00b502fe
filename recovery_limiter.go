package auth

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RecoveryLimiter throttles self-service recovery requests per email
// with a token bucket.
type RecoveryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*recoveryBucket
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

type recoveryBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewRecoveryLimiter allows burst requests per email, refilled at one
// request per interval.
func NewRecoveryLimiter(interval time.Duration, burst int) *RecoveryLimiter {
	if interval <= 0 {
		interval = time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	return &RecoveryLimiter{
		buckets: make(map[string]*recoveryBucket),
		limit:   rate.Every(interval),
		burst:   burst,
		ttl:     interval * time.Duration(burst) * 2,
		now:     time.Now,
	}
}

// Allow consumes a token for email, reporting whether the request may proceed.
func (l *RecoveryLimiter) Allow(email string) bool {
	if l == nil {
		return true
	}

	key := strings.ToLower(strings.TrimSpace(email))
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &recoveryBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (l *RecoveryLimiter) evict(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.ttl {
			delete(l.buckets, k)
		}
	}
}
