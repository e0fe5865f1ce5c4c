// -------------------------------------------------------------------------------
// Rate Limiter Tests
//
// Author: Alex Freidah
// -------------------------------------------------------------------------------

package downloader

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestLimiterBoundsConcurrentWorkers checks the property the limiter exists
// for: many workers sharing one limiter never exceed the configured rate,
// regardless of concurrency.
func TestLimiterBoundsConcurrentWorkers(t *testing.T) {
	const (
		ratePerSec = 50
		burst      = 1
		workers    = 20
		window     = 500 * time.Millisecond
	)

	l := NewLimiter(ratePerSec, burst)
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()

	var acquired atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := l.Wait(ctx); err != nil {
					return
				}
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()

	// burst + rate*window tokens can be issued inside the window; leave slack
	// for scheduling jitter.
	maxExpected := int64(burst) + int64(float64(ratePerSec)*window.Seconds()) + 3
	if got := acquired.Load(); got > maxExpected {
		t.Errorf("acquired %d tokens in %v, want at most %d", got, window, maxExpected)
	}
}

func TestLimiterThrottleAndRecovery(t *testing.T) {
	l := NewLimiter(100, 1)

	if l.Throttled() {
		t.Fatal("new limiter reports throttled")
	}

	l.Throttle(50 * time.Millisecond)
	if !l.Throttled() {
		t.Fatal("limiter not throttled after Throttle")
	}
	if got := l.limiter.Limit(); got != 100.0/throttleFactor {
		t.Errorf("throttled limit = %v, want %v", got, 100.0/throttleFactor)
	}

	time.Sleep(60 * time.Millisecond)
	if l.Throttled() {
		t.Error("limiter still throttled after cooldown")
	}

	// The next Wait restores the normal rate.
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := l.limiter.Limit(); got != 100 {
		t.Errorf("limit after cooldown = %v, want 100", got)
	}
}

func TestLimiterWaitCanceled(t *testing.T) {
	l := NewLimiter(0.001, 1)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Error("Wait returned nil with exhausted bucket and canceled context")
	}
}

func TestLimitersSharePerHost(t *testing.T) {
	ls := NewLimiters()

	a := ls.For("https://tile.example.org/cycle/{z}/{x}/{y}.png", 5, 1)
	b := ls.For("https://tile.example.org/topo/{z}/{x}/{y}.png", 50, 10)
	if a != b {
		t.Error("providers on one host got separate limiters")
	}

	c := ls.For("https://other.example.net/{z}/{x}/{y}.png", 5, 1)
	if c == a {
		t.Error("providers on different hosts share a limiter")
	}

	// First registration wins the budget.
	if got := a.limiter.Limit(); got != 5 {
		t.Errorf("shared limit = %v, want 5", got)
	}
}
