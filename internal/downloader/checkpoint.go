// -------------------------------------------------------------------------------
// Checkpoint - Persisted Session Progress
//
// Author: Alex Freidah
//
// Checkpoint records make download sessions resumable: cursor plus counters,
// written atomically (temp file + rename) so a kill mid-write never corrupts
// the record. Correctness of a resume does not depend on checkpoint frequency
// because the session re-checks tile existence past the cursor; frequency only
// affects how much work is re-skipped.
// -------------------------------------------------------------------------------

package downloader

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/munchbox/tile-proxy/internal/telemetry"
	"github.com/munchbox/tile-proxy/internal/tile"
)

// -------------------------------------------------------------------------
// TYPES
// -------------------------------------------------------------------------

var (
	// ErrNoCheckpoint is returned when no checkpoint exists for a session.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// State is the lifecycle state of a download session.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"

	// StateCompletedErrors marks a run that covered its whole grid but left
	// some tiles behind after their retry budgets.
	StateCompletedErrors State = "completed_with_errors"
)

// Terminal reports whether the state ends a session.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCompletedErrors || s == StateFailed
}

// Job describes what a session downloads: one region of one layer across a
// zoom range. Immutable once a session starts.
type Job struct {
	Layer   string      `json:"layer"`
	Region  tile.Region `json:"region"`
	Area    string      `json:"area,omitempty"` // named area the region came from, if any
	MinZoom uint32      `json:"zoom_min"`
	MaxZoom uint32      `json:"zoom_max"`
}

// Counters aggregates per-tile outcomes for one session.
type Counters struct {
	Attempted uint64 `json:"attempted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped_existing"`
}

// Checkpoint is the persisted session record.
type Checkpoint struct {
	SessionID    string    `json:"session_id"`
	Job          Job       `json:"job"`
	State        State     `json:"state"`
	Cursor       uint64    `json:"cursor"`
	GridSize     uint64    `json:"grid_size"`
	Counters     Counters  `json:"counters"`
	Percentage   float64   `json:"percentage"`
	StartedAt    time.Time `json:"started_at"`
	CheckpointAt time.Time `json:"checkpoint_at"`
}

// coveragePercent is grid coverage: tiles present in the destination
// (succeeded + skipped) over the grid size, as a percentage.
func coveragePercent(ct Counters, gridSize uint64) float64 {
	if gridSize == 0 {
		return 0
	}
	return float64(ct.Succeeded+ct.Skipped) / float64(gridSize) * 100
}

// -------------------------------------------------------------------------
// CHECKPOINT STORE
// -------------------------------------------------------------------------

// Checkpoints persists session records as JSON files, one per session id.
type Checkpoints struct {
	dir string
}

// NewCheckpoints creates the checkpoint directory if needed.
func NewCheckpoints(dir string) (*Checkpoints, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", dir, err)
	}
	return &Checkpoints{dir: dir}, nil
}

func (cs *Checkpoints) path(sessionID string) string {
	return filepath.Join(cs.dir, "session_"+sessionID+".json")
}

// Load reads one session's checkpoint.
func (cs *Checkpoints) Load(sessionID string) (*Checkpoint, error) {
	data, err := os.ReadFile(cs.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &cp, nil
}

// Save persists a checkpoint atomically via temp file + rename.
func (cs *Checkpoints) Save(cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := cs.path(cp.SessionID)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		telemetry.CheckpointsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		telemetry.CheckpointsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	telemetry.CheckpointsTotal.WithLabelValues("success").Inc()
	return nil
}

// Delete removes a session's checkpoint. Missing files are not an error.
func (cs *Checkpoints) Delete(sessionID string) error {
	err := os.Remove(cs.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// List returns every persisted checkpoint, used at startup to find paused
// sessions worth resuming.
func (cs *Checkpoints) List() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(cs.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}

	var cps []*Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "session_") || filepath.Ext(name) != ".json" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "session_"), ".json")
		cp, err := cs.Load(id)
		if err != nil {
			// A malformed file should not hide the healthy ones.
			continue
		}
		cps = append(cps, cp)
	}
	return cps, nil
}
