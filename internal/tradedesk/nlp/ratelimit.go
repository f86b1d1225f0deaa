package nlp

import (
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the maximum number of model calls allowed per
	// session per minute when no explicit limit is configured.
	DefaultRateLimit = 20

	defaultRateLimitWindow = time.Minute
)

// RateLimiter enforces a per-key sliding-window limit on model calls. It
// holds the call timestamps of each key within the window and prunes stale
// entries on every Allow, so memory stays O(limit) per active key.
//
// RateLimiter is safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	now      func() time.Time
	counters map[string][]time.Time
}

// NewRateLimiter returns a RateLimiter that allows at most limit calls per
// key within window. limit <= 0 selects DefaultRateLimit and window <= 0
// selects one minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		now:      time.Now,
		counters: make(map[string][]time.Time),
	}
}

// WithClock replaces the time source. For tests.
func (r *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	r.now = now
	return r
}

// SetLimit changes the limit for subsequent calls. Values <= 0 are ignored.
func (r *RateLimiter) SetLimit(limit int) {
	if limit <= 0 {
		return
	}
	r.mu.Lock()
	r.limit = limit
	r.mu.Unlock()
}

// Allow reports whether key may make another call and records it when so.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	valid := r.prune(key, now)
	if len(valid) >= r.limit {
		r.counters[key] = valid
		return false
	}
	r.counters[key] = append(valid, now)
	return true
}

// Remaining returns how many calls key can still make in the current window.
func (r *RateLimiter) Remaining(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	valid := r.prune(key, r.now())
	r.counters[key] = valid
	if rem := r.limit - len(valid); rem > 0 {
		return rem
	}
	return 0
}

func (r *RateLimiter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	existing := r.counters[key]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(r.counters, key)
		return nil
	}
	return valid
}
