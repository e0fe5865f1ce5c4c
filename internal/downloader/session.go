// -------------------------------------------------------------------------------
// Session - One Resumable Bulk Download
//
// Author: Alex Freidah
//
// A session walks a tile grid in deterministic order, skipping tiles the
// destination store already holds, fetching the rest through the shared
// provider limiter with a bounded worker pool. Progress is checkpointed in
// batches so a restart resumes near where it left off. A single tile failure
// never aborts the session; it is counted and the walk continues.
// -------------------------------------------------------------------------------

package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/munchbox/tile-proxy/internal/config"
	"github.com/munchbox/tile-proxy/internal/store"
	"github.com/munchbox/tile-proxy/internal/telemetry"
	"github.com/munchbox/tile-proxy/internal/tile"
)

// Session owns the download of one Job into one destination store.
type Session struct {
	id       string
	job      Job
	grid     *tile.Grid
	provider *Provider
	dest     store.Tiles
	health   *store.Health
	cfg      config.DownloaderConfig
	cps      *Checkpoints

	mu        sync.Mutex
	state     State
	cursor    uint64
	counters  Counters
	startedAt time.Time
}

// NewSession builds a session at the start of its grid. Use restore to seed
// it from a persisted checkpoint instead.
func NewSession(
	id string,
	job Job,
	grid *tile.Grid,
	provider *Provider,
	dest store.Tiles,
	cfg config.DownloaderConfig,
	healthCfg config.HealthConfig,
	cps *Checkpoints,
) *Session {
	return &Session{
		id:        id,
		job:       job,
		grid:      grid,
		provider:  provider,
		dest:      dest,
		health:    store.NewHealth(provider.Name(), healthCfg.ErrorThreshold, healthCfg.ErrorWindow),
		cfg:       cfg,
		cps:       cps,
		state:     StateIdle,
		startedAt: time.Now().UTC(),
	}
}

// restore seeds cursor, counters, and start time from a checkpoint.
func (s *Session) restore(cp *Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cp.Cursor
	s.counters = cp.Counters
	s.startedAt = cp.StartedAt
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Snapshot returns the current progress as a checkpoint record.
func (s *Session) Snapshot() Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Checkpoint{
		SessionID:    s.id,
		Job:          s.job,
		State:        s.state,
		Cursor:       s.cursor,
		GridSize:     s.grid.Size(),
		Counters:     s.counters,
		Percentage:   coveragePercent(s.counters, s.grid.Size()),
		StartedAt:    s.startedAt,
		CheckpointAt: time.Now().UTC(),
	}
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// -------------------------------------------------------------------------
// RUN LOOP
// -------------------------------------------------------------------------

// Run executes the download until the grid is exhausted or ctx is canceled.
// Cancellation pauses the session and persists a final checkpoint; it is not
// an error. Run returns an error only when checkpointing itself fails.
func (s *Session) Run(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "downloader.Run",
		telemetry.AttrSessionID.String(s.id),
		telemetry.AttrLayer.String(s.job.Layer),
	)
	defer span.End()

	s.setState(StateRunning)
	telemetry.SessionsActive.Inc()
	defer telemetry.SessionsActive.Dec()

	slog.Info("download session starting",
		"session_id", s.id,
		"layer", s.job.Layer,
		"zoom_min", s.job.MinZoom,
		"zoom_max", s.job.MaxZoom,
		"grid_size", s.grid.Size(),
		"cursor", s.loadCursor(),
	)

	size := s.grid.Size()
	lastCheckpoint := time.Now()

	for start := s.loadCursor(); start < size; {
		// --- Process one batch with a bounded worker pool ---
		end := start + uint64(s.cfg.CheckpointTiles)
		if end > size {
			end = size
		}

		canceled := s.runBatch(ctx, start, end)
		if canceled {
			// In-flight workers have drained; everything before start is
			// durable but the interrupted batch is not, so the cursor stays
			// at the batch boundary.
			s.setState(StatePaused)
			if err := s.checkpoint(StatePaused, start); err != nil {
				return err
			}
			slog.Info("download session paused", "session_id", s.id, "cursor", start)
			return nil
		}

		start = end
		s.storeCursor(start)

		if start == size || time.Since(lastCheckpoint) >= s.cfg.CheckpointInterval ||
			s.cfg.CheckpointInterval == 0 {
			if err := s.checkpoint(StateRunning, start); err != nil {
				s.setState(StateFailed)
				return err
			}
			lastCheckpoint = time.Now()
		}
	}

	final := StateCompleted
	if s.failedCount() > 0 {
		final = StateCompletedErrors
	}
	s.setState(final)
	if err := s.checkpoint(final, size); err != nil {
		return err
	}

	snap := s.Snapshot()
	slog.Info("download session completed",
		"session_id", s.id,
		"layer", s.job.Layer,
		"state", string(final),
		"succeeded", snap.Counters.Succeeded,
		"failed", snap.Counters.Failed,
		"skipped", snap.Counters.Skipped,
	)
	return nil
}

// runBatch downloads grid indices [start, end) and waits for every worker to
// finish. Returns true when ctx was canceled before the batch completed.
func (s *Session) runBatch(ctx context.Context, start, end uint64) bool {
	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	canceled := false

	for i := start; i < end; i++ {
		select {
		case <-ctx.Done():
			canceled = true
		case sem <- struct{}{}:
		}
		if canceled {
			break
		}

		c, ok := s.grid.At(i)
		if !ok {
			<-sem
			break
		}

		wg.Add(1)
		go func(c tile.Coord) {
			defer wg.Done()
			defer func() { <-sem }()
			s.processTile(ctx, c)
		}(c)
	}

	wg.Wait()
	// Cancellation can also land after dispatch while workers are still in
	// flight; those tiles were not stored, so the batch must not advance.
	if ctx.Err() != nil {
		canceled = true
	}
	return canceled
}

// processTile handles one coordinate: skip if present, otherwise fetch with
// retries and write.
func (s *Session) processTile(ctx context.Context, c tile.Coord) {
	s.addAttempted()

	exists, err := s.dest.Exists(ctx, c)
	if err == nil && exists {
		s.record("skipped", func(ct *Counters) { ct.Skipped++ })
		return
	}

	data, err := s.fetchWithRetry(ctx, c)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation mid-fetch is not a tile failure; the tile is
			// retried on resume.
			s.mu.Lock()
			s.counters.Attempted--
			s.mu.Unlock()
			return
		}
		s.health.RecordFailure()
		s.record("failed", func(ct *Counters) { ct.Failed++ })
		slog.Warn("tile download failed",
			"session_id", s.id,
			"tile", c.String(),
			"error", err,
		)
		return
	}
	s.health.RecordSuccess()

	if err := s.dest.Put(ctx, c, data); err != nil {
		s.record("failed", func(ct *Counters) { ct.Failed++ })
		slog.Warn("tile write failed",
			"session_id", s.id,
			"tile", c.String(),
			"error", err,
		)
		return
	}

	s.record("succeeded", func(ct *Counters) { ct.Succeeded++ })
}

// fetchWithRetry fetches one tile, retrying retryable failures with
// exponential backoff. Terminal failures return immediately.
func (s *Session) fetchWithRetry(ctx context.Context, c tile.Coord) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= s.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			telemetry.FetchRetriesTotal.WithLabelValues(s.provider.Name()).Inc()
			if err := sleepContext(ctx, s.backoff(attempt)); err != nil {
				return nil, err
			}
		}

		data, err := s.provider.Fetch(ctx, c)
		if err == nil {
			return data, nil
		}
		lastErr = err

		var fe *FetchError
		if errors.As(err, &fe) && !fe.Retryable {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("tile %s: %w: %w", c.String(), ErrRetryExhausted, lastErr)
}

// backoff returns the delay before retry attempt n (1-based), doubling from
// the base and capped at the configured maximum.
func (s *Session) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	if d > s.cfg.BackoffMax {
		return s.cfg.BackoffMax
	}
	return d
}

// -------------------------------------------------------------------------
// BOOKKEEPING
// -------------------------------------------------------------------------

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) loadCursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Session) storeCursor(v uint64) {
	s.mu.Lock()
	s.cursor = v
	s.mu.Unlock()
}

func (s *Session) failedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters.Failed
}

func (s *Session) addAttempted() {
	s.mu.Lock()
	s.counters.Attempted++
	s.mu.Unlock()
}

func (s *Session) record(result string, apply func(*Counters)) {
	s.mu.Lock()
	apply(&s.counters)
	s.mu.Unlock()
	telemetry.SessionTilesTotal.WithLabelValues(s.job.Layer, result).Inc()
}

func (s *Session) checkpoint(st State, cursor uint64) error {
	s.mu.Lock()
	cp := Checkpoint{
		SessionID:    s.id,
		Job:          s.job,
		State:        st,
		Cursor:       cursor,
		GridSize:     s.grid.Size(),
		Counters:     s.counters,
		Percentage:   coveragePercent(s.counters, s.grid.Size()),
		StartedAt:    s.startedAt,
		CheckpointAt: time.Now().UTC(),
	}
	s.mu.Unlock()

	if err := s.cps.Save(&cp); err != nil {
		return fmt.Errorf("session %s: %w", s.id, err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
