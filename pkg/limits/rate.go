package limits

import (
	"sync"
	"time"

	"github.com/ringforge/ringforge/pkg/metrics"
	"github.com/ringforge/ringforge/pkg/protocol"
)

// Rate limit scope prefixes. The full key is scope + ":" + subject.
const (
	ScopeAuth    = "auth"    // per source address
	ScopeSession = "session" // messages per session
	ScopeMemory  = "memory"  // writes per agent
	ScopeTask    = "task"    // submissions per agent
	ScopeAPI     = "api"     // requests per key
)

// RateLimiter is a sliding-window counter, two buckets per key: the
// closed previous window weighted by its remaining overlap plus the
// current window. Keys idle for two full windows are pruned lazily.
type RateLimiter struct {
	window time.Duration

	mu        sync.Mutex
	buckets   map[string]*slidingWindow
	lastPrune time.Time
}

type slidingWindow struct {
	windowStart time.Time
	current     int
	previous    int
}

// NewRateLimiter creates a limiter with the given window length.
func NewRateLimiter(window time.Duration) *RateLimiter {
	return &RateLimiter{
		window:    window,
		buckets:   make(map[string]*slidingWindow),
		lastPrune: time.Now(),
	}
}

// Allow records one hit against scope:subject and reports whether it is
// within limit. A rejection carries retry_after_ms.
func (r *RateLimiter) Allow(scope, subject string, limit int) error {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)

	key := scope + ":" + subject
	sw := r.buckets[key]
	if sw == nil {
		sw = &slidingWindow{windowStart: now}
		r.buckets[key] = sw
	}
	sw.roll(now, r.window)

	elapsed := now.Sub(sw.windowStart)
	weight := 1.0 - float64(elapsed)/float64(r.window)
	estimate := float64(sw.current) + float64(sw.previous)*weight
	if estimate >= float64(limit) {
		metrics.RateLimitedTotal.WithLabelValues(scope).Inc()
		retry := r.window - elapsed
		return protocol.NewRetryError(protocol.CodeRateLimited, "rate limit exceeded", retry.Milliseconds())
	}
	sw.current++
	return nil
}

// roll advances the window pair to cover now.
func (sw *slidingWindow) roll(now time.Time, window time.Duration) {
	elapsed := now.Sub(sw.windowStart)
	switch {
	case elapsed >= 2*window:
		sw.windowStart = now
		sw.previous = 0
		sw.current = 0
	case elapsed >= window:
		sw.windowStart = sw.windowStart.Add(window)
		sw.previous = sw.current
		sw.current = 0
	}
}

// pruneLocked drops keys whose buckets ended two windows ago. Runs at
// most once per window.
func (r *RateLimiter) pruneLocked(now time.Time) {
	if now.Sub(r.lastPrune) < r.window {
		return
	}
	r.lastPrune = now
	cutoff := now.Add(-2 * r.window)
	for key, sw := range r.buckets {
		if sw.windowStart.Before(cutoff) {
			delete(r.buckets, key)
		}
	}
}
