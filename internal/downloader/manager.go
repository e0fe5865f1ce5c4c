// -------------------------------------------------------------------------------
// Manager - Download Session Registry
//
// Author: Alex Freidah
//
// The manager owns every download session: it validates jobs, enforces the
// single-writer rule per layer, launches sessions on background goroutines,
// and resumes paused sessions found on disk at startup. Stop pauses every
// running session and waits for their final checkpoints before returning.
// -------------------------------------------------------------------------------

package downloader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/munchbox/tile-proxy/internal/config"
	"github.com/munchbox/tile-proxy/internal/store"
	"github.com/munchbox/tile-proxy/internal/tile"
)

// -------------------------------------------------------------------------
// TYPES
// -------------------------------------------------------------------------

var (
	// ErrLayerBusy means a session is already writing to the layer.
	ErrLayerBusy = errors.New("layer has an active download session")

	// ErrUnknownLayer means the job names a layer not in the configuration.
	ErrUnknownLayer = errors.New("unknown layer")

	// ErrUnknownSession means no session with the given id exists.
	ErrUnknownSession = errors.New("unknown session")
)

// Manager coordinates download sessions across layers.
type Manager struct {
	cfg      *config.Config
	limiters *Limiters
	cps      *Checkpoints

	// dests maps layer name to the layer's primary store, the write target
	// for downloads.
	dests map[string]store.Tiles

	mu       sync.Mutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a manager over the configured layers. dests must hold the
// primary store of every layer that will accept downloads.
func NewManager(cfg *config.Config, limiters *Limiters, dests map[string]store.Tiles) (*Manager, error) {
	cps, err := NewCheckpoints(cfg.Downloader.CheckpointDir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		limiters: limiters,
		cps:      cps,
		dests:    dests,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// -------------------------------------------------------------------------
// JOB LIFECYCLE
// -------------------------------------------------------------------------

// StartJob validates a job, registers a new session, and runs it in the
// background. Returns the session id.
func (m *Manager) StartJob(job Job) (string, error) {
	s, err := m.prepare(job, generateSessionID())
	if err != nil {
		return "", err
	}
	m.launch(s)
	return s.ID(), nil
}

// prepare validates the job, builds the session, and registers it under the
// single-writer rule.
func (m *Manager) prepare(job Job, sessionID string) (*Session, error) {
	layer := m.cfg.Layer(job.Layer)
	if layer == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, job.Layer)
	}
	dest, ok := m.dests[job.Layer]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no writable store", ErrUnknownLayer, job.Layer)
	}

	grid, err := tile.NewGrid(job.Region, job.MinZoom, job.MaxZoom)
	if err != nil {
		return nil, err
	}

	provider := m.cfg.Provider(layer.Provider)
	if provider == nil {
		return nil, fmt.Errorf("layer %s: unknown provider %s", job.Layer, layer.Provider)
	}
	format, err := store.ParseFormat(layer.Sources[0].Format)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", job.Layer, err)
	}

	limiter := m.limiters.For(provider.URLTemplate, provider.RatePerSec, provider.Burst)
	s := NewSession(sessionID, job, grid, NewProvider(*provider, format, limiter),
		dest, m.cfg.Downloader, m.cfg.Health, m.cps)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.sessions {
		if other.job.Layer == job.Layer && isActive(other.State()) {
			return nil, fmt.Errorf("%w: %s", ErrLayerBusy, job.Layer)
		}
	}
	m.sessions[sessionID] = s
	return s, nil
}

func (m *Manager) launch(s *Session) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := s.Run(m.ctx); err != nil {
			slog.Error("download session failed", "session_id", s.ID(), "error", err)
		}
	}()
}

// Resume restarts every paused session found in the checkpoint directory.
// Completed and failed checkpoints are left on disk for inspection.
func (m *Manager) Resume() error {
	cps, err := m.cps.List()
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}

	for _, cp := range cps {
		if cp.State != StatePaused && cp.State != StateRunning {
			continue
		}
		// A "running" checkpoint means the previous process died mid-session.
		s, err := m.prepare(cp.Job, cp.SessionID)
		if err != nil {
			slog.Warn("cannot resume session",
				"session_id", cp.SessionID,
				"layer", cp.Job.Layer,
				"error", err,
			)
			continue
		}
		s.restore(cp)
		slog.Info("resuming download session",
			"session_id", cp.SessionID,
			"layer", cp.Job.Layer,
			"cursor", cp.Cursor,
			"grid_size", cp.GridSize,
		)
		m.launch(s)
	}
	return nil
}

// Stop pauses every running session and waits for their final checkpoints.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// -------------------------------------------------------------------------
// PROGRESS
// -------------------------------------------------------------------------

// Progress returns the live snapshot for an in-memory session, falling back
// to the persisted checkpoint for sessions from earlier runs.
func (m *Manager) Progress(sessionID string) (Checkpoint, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		return s.Snapshot(), nil
	}

	cp, err := m.cps.Load(sessionID)
	if err != nil {
		if errors.Is(err, ErrNoCheckpoint) {
			return Checkpoint{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		}
		return Checkpoint{}, err
	}
	return *cp, nil
}

// ProgressAll returns snapshots for every known session, live ones taking
// precedence over their persisted checkpoints. Sorted by start time.
func (m *Manager) ProgressAll() []Checkpoint {
	seen := make(map[string]Checkpoint)

	if cps, err := m.cps.List(); err == nil {
		for _, cp := range cps {
			seen[cp.SessionID] = *cp
		}
	}

	m.mu.Lock()
	for id, s := range m.sessions {
		seen[id] = s.Snapshot()
	}
	m.mu.Unlock()

	out := make([]Checkpoint, 0, len(seen))
	for _, cp := range seen {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// WriterActive reports whether any session is currently writing to the layer.
func (m *Manager) WriterActive(layer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.job.Layer == layer && isActive(s.State()) {
			return true
		}
	}
	return false
}

func isActive(st State) bool {
	return st == StateIdle || st == StateRunning
}

// generateSessionID returns a random 16-hex-character session id.
func generateSessionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}
