package downloader

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/munchbox/tile-proxy/internal/telemetry"
)

// Limiter is the process-wide token bucket for one remote provider host.
// All workers across all sessions share it, so the total request rate stays
// bounded regardless of concurrency. After a 429 the bucket is throttled to a
// fraction of the configured rate until the cooldown elapses.
type Limiter struct {
	mu             sync.Mutex
	limiter        *rate.Limiter
	normal         rate.Limit
	throttledUntil time.Time
}

// throttleFactor divides the configured rate during a 429 cooldown.
const throttleFactor = 4

// defaultCooldown is how long the reduced rate applies after a 429.
const defaultCooldown = 30 * time.Second

// NewLimiter creates a limiter refilled at ratePerSec with the given burst.
func NewLimiter(ratePerSec float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(ratePerSec)
	return &Limiter{
		limiter: rate.NewLimiter(limit, burst),
		normal:  limit,
	}
}

// Wait blocks until a token is available or the context is canceled. Workers
// suspend here rather than busy-spin. Restores the normal rate once a
// cooldown has elapsed.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	if !l.throttledUntil.IsZero() && time.Now().After(l.throttledUntil) {
		l.limiter.SetLimit(l.normal)
		l.throttledUntil = time.Time{}
	}
	l.mu.Unlock()

	start := time.Now()
	err := l.limiter.Wait(ctx)
	telemetry.RateLimitWait.Observe(time.Since(start).Seconds())
	return err
}

// Throttle reduces the refill rate for the cooldown period. Called when the
// provider answers 429; extending an active cooldown just pushes the deadline.
func (l *Limiter) Throttle(cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.limiter.SetLimit(l.normal / throttleFactor)
	l.throttledUntil = time.Now().Add(cooldown)
	telemetry.RateLimitThrottledTotal.Inc()
}

// Throttled reports whether a 429 cooldown is currently in effect.
func (l *Limiter) Throttled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.throttledUntil.IsZero() && time.Now().Before(l.throttledUntil)
}

// -------------------------------------------------------------------------
// PER-HOST REGISTRY
// -------------------------------------------------------------------------

// Limiters hands out one shared Limiter per provider host, so two providers
// on the same host (or two jobs against different stores from one provider)
// share a single budget.
type Limiters struct {
	mu     sync.Mutex
	byHost map[string]*Limiter
}

// NewLimiters creates an empty registry.
func NewLimiters() *Limiters {
	return &Limiters{byHost: make(map[string]*Limiter)}
}

// For returns the limiter for the host of urlTemplate, creating it with the
// given rate on first use. Later calls for the same host reuse the first
// limiter regardless of rate, honoring the strictest shared budget.
func (ls *Limiters) For(urlTemplate string, ratePerSec float64, burst int) *Limiter {
	host := hostOf(urlTemplate)

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if l, ok := ls.byHost[host]; ok {
		return l
	}
	l := NewLimiter(ratePerSec, burst)
	ls.byHost[host] = l
	return l
}

// hostOf extracts the host from a tile URL template, tolerating the {z}/{x}/{y}
// placeholders in the path.
func hostOf(urlTemplate string) string {
	u, err := url.Parse(urlTemplate)
	if err != nil || u.Host == "" {
		// Fall back to the raw template so distinct bad templates at least
		// do not share a bucket by accident.
		return strings.ToLower(urlTemplate)
	}
	return strings.ToLower(u.Host)
}
