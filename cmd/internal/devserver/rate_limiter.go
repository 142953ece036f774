package devserver

import (
	"sync"
	"time"
)

// RateLimiter admits at most limit events in any window-long interval. Event
// times are kept in a fixed ring, oldest at head.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	head   int
	n      int
	window time.Duration
}

// NewRateLimiter falls back to the gateway defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow records an event at now when it fits. Otherwise it reports how long
// until the oldest recorded event leaves the window.
func (r *RateLimiter) Allow(now time.Time) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	for r.n > 0 && !r.ring[r.head].After(cut) {
		r.head = (r.head + 1) % len(r.ring)
		r.n--
	}
	if r.n == len(r.ring) {
		return false, r.ring[r.head].Sub(cut)
	}
	r.ring[(r.head+r.n)%len(r.ring)] = now
	r.n++
	return true, 0
}
