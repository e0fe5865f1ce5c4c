// -------------------------------------------------------------------------------
// Health - Per-Source Degradation Tracking
//
// Author: Alex Freidah
//
// Tracks a run of errors against one tile source and flips it to degraded once
// the threshold is exceeded inside a sliding window. Degraded sources are
// skipped by the server's fallback chain until the recovery interval elapses or
// a read succeeds. Two-state machine: healthy <-> degraded, never terminal.
//
// The server and the downloader each own independent trackers for the same
// source: a store read failure says nothing about the remote provider, and
// vice versa.
// -------------------------------------------------------------------------------

package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/munchbox/tile-proxy/internal/telemetry"
)

// -------------------------------------------------------------------------
// DEFAULTS
// -------------------------------------------------------------------------

const (
	// DefaultErrorThreshold is the consecutive-error count that degrades a
	// source.
	DefaultErrorThreshold = 10

	// DefaultErrorWindow bounds how long a run of errors stays relevant.
	// Errors older than the window no longer count toward the threshold.
	DefaultErrorWindow = 1 * time.Minute

	// DefaultRecoveryInterval is how long a source stays degraded before the
	// recovery timer allows it to be retried.
	DefaultRecoveryInterval = 5 * time.Minute
)

// -------------------------------------------------------------------------
// HEALTH TRACKER
// -------------------------------------------------------------------------

// Health is the in-memory degradation state for one source. The zero value is
// not usable; construct with NewHealth.
type Health struct {
	source    string
	threshold int
	window    time.Duration

	mu          sync.Mutex
	consecutive int
	windowStart time.Time
	degraded    bool
	degradedAt  time.Time
}

// NewHealth creates a healthy tracker. Zero threshold or window select the
// defaults. State always starts healthy; lifecycle resets on process start.
func NewHealth(source string, threshold int, window time.Duration) *Health {
	if threshold <= 0 {
		threshold = DefaultErrorThreshold
	}
	if window <= 0 {
		window = DefaultErrorWindow
	}
	return &Health{source: source, threshold: threshold, window: window}
}

// Degraded reports whether the source is currently skipped.
func (h *Health) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

// RecordSuccess clears the error run and, when degraded, restores the source
// immediately. A working source never waits for the recovery timer.
func (h *Health) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutive = 0
	if h.degraded {
		h.transition(false, "success")
	}
}

// RecordFailure counts one error and degrades the source once the run exceeds
// the threshold within the window.
func (h *Health) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	if h.consecutive == 0 || now.Sub(h.windowStart) > h.window {
		// Start a new error window.
		h.windowStart = now
		h.consecutive = 0
	}
	h.consecutive++

	if !h.degraded && h.consecutive > h.threshold {
		h.degradedAt = now
		h.transition(true, "error threshold exceeded")
	}
}

// MaybeRecover restores a degraded source whose recovery interval has elapsed.
// Called periodically by the server's recovery ticker so a transient outage
// self-heals without operator action. Returns true when a recovery happened.
func (h *Health) MaybeRecover(interval time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.degraded || time.Since(h.degradedAt) < interval {
		return false
	}
	h.consecutive = 0
	h.transition(false, "recovery timer")
	return true
}

// transition flips the degraded flag and emits metrics + logs.
// Caller must hold h.mu.
func (h *Health) transition(degraded bool, reason string) {
	h.degraded = degraded

	if degraded {
		telemetry.SourcesDegraded.WithLabelValues(h.source).Set(1)
		slog.Warn("Source degraded, skipping in fallback chain",
			"source", h.source, "consecutive_errors", h.consecutive, "reason", reason)
	} else {
		telemetry.SourcesDegraded.WithLabelValues(h.source).Set(0)
		slog.Info("Source recovered", "source", h.source, "reason", reason)
	}
}
