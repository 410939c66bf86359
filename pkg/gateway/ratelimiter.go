package gateway

import (
	"sync"
	"time"
)

const (
	defaultRequestsPerMinute = 120
	defaultMaxConcurrent     = 10
)

// rateLimiter bounds one client to a sliding one-minute request window and a
// number of requests in flight
type rateLimiter struct {
	mu            sync.Mutex
	perMinute     int
	maxConcurrent int
	window        []time.Time
	inFlight      int
	now           func() time.Time
}

func newRateLimiter(perMinute, maxConcurrent int) *rateLimiter {
	if perMinute <= 0 {
		perMinute = defaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &rateLimiter{
		perMinute:     perMinute,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
	}
}

// acquire admits one request or returns the reason it was refused. An
// admitted request must be released.
func (r *rateLimiter) acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return false, "too many concurrent requests"
	}

	now := r.now()
	cutoff := now.Add(-time.Minute)
	kept := r.window[:0]
	for _, at := range r.window {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	r.window = kept

	if len(r.window) >= r.perMinute {
		return false, "rate limit exceeded"
	}

	r.window = append(r.window, now)
	r.inFlight++
	return true, ""
}

func (r *rateLimiter) release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight > 0 {
		r.inFlight--
	}
}
