package http

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// rateLimiter allows limit calls per window. The counter resets on the
// first call after the window elapsed.
type rateLimiter struct {
	clock  clock.Clock
	limit  int
	window time.Duration

	mu      sync.Mutex
	counter int
	start   time.Time
}

func newRateLimiter(clk clock.Clock, limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{clock: clk, limit: limit, window: window}
}

func (r *rateLimiter) allow() bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.start) >= r.window {
		r.start = now
		r.counter = 0
	}
	r.counter++
	return r.counter <= r.limit
}
