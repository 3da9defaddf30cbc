// Package ratelimit provides the per-exchange minimum-interval gate. Each
// exchange gets its own token bucket sized for one request per advertised
// interval, so callers targeting distinct exchanges never block each other
// while requests to the same exchange are spaced out correctly under
// concurrency.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy selects what the collector does when an exchange's gate is closed.
type Policy int

const (
	// PolicyBlock waits out the remaining interval before fetching. This
	// is the default: it preserves exchange priority ordering.
	PolicyBlock Policy = iota

	// PolicySkip moves on to the next exchange instead of waiting.
	PolicySkip
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicySkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a configuration string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "block":
		return PolicyBlock, nil
	case "skip":
		return PolicySkip, nil
	default:
		return PolicyBlock, fmt.Errorf("invalid rate limit policy %q, must be \"block\" or \"skip\"", s)
	}
}

// Limiter gates requests per exchange. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

// New creates an empty Limiter. Exchanges are added via Register.
func New() *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

// Register installs a gate for an exchange with the given minimum interval
// between requests. A non-positive interval leaves the exchange ungated.
// Registering the same exchange again replaces its gate.
func (l *Limiter) Register(exchange string, minInterval time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if minInterval <= 0 {
		l.limiters[exchange] = rate.NewLimiter(rate.Inf, 1)
		return
	}
	l.limiters[exchange] = rate.NewLimiter(rate.Every(minInterval), 1)
}

// Allow reports how long the caller must wait before the next request to the
// exchange. A zero return means the request is released and "now" has been
// recorded as the exchange's last request time. A non-zero return means the
// gate is closed and nothing was consumed; under contention the first caller
// wins and later callers observe the recomputed remaining wait.
func (l *Limiter) Allow(exchange string) time.Duration {
	lim := l.limiterFor(exchange)
	if lim == nil {
		return 0
	}

	now := l.now()
	r := lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
	}
	return delay
}

// Wait blocks until the exchange's gate opens or the context is done. The
// token is consumed on success, so the interval clock restarts from release.
func (l *Limiter) Wait(ctx context.Context, exchange string) error {
	lim := l.limiterFor(exchange)
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// limiterFor returns the gate for an exchange, or nil if unregistered.
// Unregistered exchanges pass freely; registration happens at startup for
// every constructed client.
func (l *Limiter) limiterFor(exchange string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiters[exchange]
}
