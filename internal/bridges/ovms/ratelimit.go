package ovms

import (
	"sync"
	"time"
)

// RateLimiter admits at most maxCalls calls in any sliding window of length
// period.
//
// CanCall both tests and commits: a true result records the call. Call it
// exactly once per command attempt.
type RateLimiter struct {
	maxCalls int
	period   time.Duration
	now      func() time.Time

	mu    sync.Mutex
	calls []time.Time // oldest first, never longer than maxCalls
}

// NewRateLimiter creates a limiter. Non-positive arguments are raised to 1
// call per second.
func NewRateLimiter(maxCalls int, period time.Duration) *RateLimiter {
	if maxCalls < 1 {
		maxCalls = 1
	}
	if period <= 0 {
		period = time.Second
	}
	return &RateLimiter{
		maxCalls: maxCalls,
		period:   period,
		now:      time.Now,
		calls:    make([]time.Time, 0, maxCalls),
	}
}

// CanCall reports whether a call is allowed now and, if so, records it.
func (r *RateLimiter) CanCall() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)

	if len(r.calls) >= r.maxCalls {
		return false
	}
	r.calls = append(r.calls, now)
	return true
}

// TimeToNextCall returns how long until the oldest call in the window
// expires, or 0 when under the limit.
func (r *RateLimiter) TimeToNextCall() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)

	if len(r.calls) < r.maxCalls {
		return 0
	}
	wait := r.calls[0].Add(r.period).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// prune drops calls that have left the window. Caller holds mu.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.period)
	i := 0
	for i < len(r.calls) && !r.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.calls = append(r.calls[:0], r.calls[i:]...)
	}
}
