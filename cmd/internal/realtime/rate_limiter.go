package realtime

import "time"

// RateLimiter bounds inbound frames per connection: at most limit accepted
// events in any window. It keeps the last limit acceptance times in a ring.
//
// A RateLimiter is owned by one read loop and is not safe for concurrent use.
type RateLimiter struct {
	stamps []time.Time
	start  int // oldest stamp once the ring is full
	n      int
	window time.Duration
}

// NewRateLimiter falls back to the package limits for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{stamps: make([]time.Time, limit), window: window}
}

// Allow records and admits an event at now, or rejects it without recording.
func (r *RateLimiter) Allow(now time.Time) bool {
	if r.n < len(r.stamps) {
		r.stamps[(r.start+r.n)%len(r.stamps)] = now
		r.n++
		return true
	}
	if now.Sub(r.stamps[r.start]) < r.window {
		return false
	}
	r.stamps[r.start] = now
	r.start = (r.start + 1) % len(r.stamps)
	return true
}
