package scheduler

import (
	"sync"
	"time"
)

// rateLimiter is a per-principal token bucket. Each principal gets `limit`
// admissions per window; tokens refill continuously. Callers must only
// consume a token once every other admission check has passed, so rejected
// submissions never count against the quota.
type rateLimiter struct {
	mu      sync.Mutex
	limit   float64
	window  time.Duration
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		limit:   float64(limit),
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

// take consumes one token for the principal, reporting whether one was
// available.
func (r *rateLimiter) take(principal string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	b, ok := r.buckets[principal]
	if !ok {
		b = &bucket{tokens: r.limit, last: now}
		r.buckets[principal] = b
	}

	refill := now.Sub(b.last).Seconds() / r.window.Seconds() * r.limit
	b.tokens += refill
	if b.tokens > r.limit {
		b.tokens = r.limit
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// prune drops buckets that have fully refilled; called periodically to
// keep the map from growing with one-off principals.
func (r *rateLimiter) prune() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for principal, b := range r.buckets {
		idle := now.Sub(b.last)
		if b.tokens+idle.Seconds()/r.window.Seconds()*r.limit >= r.limit {
			delete(r.buckets, principal)
		}
	}
}
