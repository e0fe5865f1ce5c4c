// -------------------------------------------------------------------------------
// Checkpoint Store Tests
//
// Author: Alex Freidah
// -------------------------------------------------------------------------------

package downloader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/munchbox/tile-proxy/internal/tile"
)

func testCheckpoint(id string) *Checkpoint {
	return &Checkpoint{
		SessionID: id,
		Job: Job{
			Layer:   "osm",
			Region:  tile.Region{West: 1.0, South: 43.0, East: 1.1, North: 43.1},
			MinZoom: 10,
			MaxZoom: 12,
		},
		State:        StatePaused,
		Cursor:       42,
		GridSize:     100,
		Counters:     Counters{Attempted: 42, Succeeded: 30, Failed: 2, Skipped: 10},
		StartedAt:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		CheckpointAt: time.Date(2026, 8, 1, 12, 5, 0, 0, time.UTC),
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	cs, err := NewCheckpoints(t.TempDir())
	if err != nil {
		t.Fatalf("NewCheckpoints: %v", err)
	}

	want := testCheckpoint("abc123")
	if err := cs.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := cs.Load("abc123")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.SessionID != want.SessionID || got.Cursor != want.Cursor || got.State != want.State {
		t.Errorf("loaded checkpoint = %+v, want %+v", got, want)
	}
	if got.Counters != want.Counters {
		t.Errorf("counters = %+v, want %+v", got.Counters, want.Counters)
	}
	if got.Job.Layer != "osm" || got.Job.MinZoom != 10 || got.Job.MaxZoom != 12 {
		t.Errorf("job = %+v, want %+v", got.Job, want.Job)
	}
	if !got.StartedAt.Equal(want.StartedAt) {
		t.Errorf("started at = %v, want %v", got.StartedAt, want.StartedAt)
	}
}

func TestCheckpointSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	cs, err := NewCheckpoints(dir)
	if err != nil {
		t.Fatalf("NewCheckpoints: %v", err)
	}
	if err := cs.Save(testCheckpoint("tmpcheck")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestCheckpointLoadMissing(t *testing.T) {
	cs, err := NewCheckpoints(t.TempDir())
	if err != nil {
		t.Fatalf("NewCheckpoints: %v", err)
	}
	if _, err := cs.Load("nope"); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("Load of missing session = %v, want ErrNoCheckpoint", err)
	}
}

func TestCheckpointDelete(t *testing.T) {
	cs, err := NewCheckpoints(t.TempDir())
	if err != nil {
		t.Fatalf("NewCheckpoints: %v", err)
	}
	if err := cs.Save(testCheckpoint("gone")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := cs.Delete("gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := cs.Load("gone"); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("Load after delete = %v, want ErrNoCheckpoint", err)
	}
	// Deleting again is not an error.
	if err := cs.Delete("gone"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestCheckpointListSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	cs, err := NewCheckpoints(dir)
	if err != nil {
		t.Fatalf("NewCheckpoints: %v", err)
	}

	if err := cs.Save(testCheckpoint("good1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := cs.Save(testCheckpoint("good2")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "session_broken.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatalf("write malformed file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("unrelated"), 0o644); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}

	cps, err := cs.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(cps) != 2 {
		t.Fatalf("List returned %d checkpoints, want 2", len(cps))
	}
	ids := map[string]bool{}
	for _, cp := range cps {
		ids[cp.SessionID] = true
	}
	if !ids["good1"] || !ids["good2"] {
		t.Errorf("List ids = %v, want good1 and good2", ids)
	}
}

func TestCoveragePercent(t *testing.T) {
	cases := []struct {
		counters Counters
		size     uint64
		want     float64
	}{
		{Counters{}, 0, 0},
		{Counters{}, 10, 0},
		{Counters{Succeeded: 5}, 10, 50},
		{Counters{Succeeded: 3, Skipped: 2}, 10, 50},
		{Counters{Succeeded: 8, Skipped: 2, Failed: 4}, 10, 100},
	}
	for i, tc := range cases {
		if got := coveragePercent(tc.counters, tc.size); got != tc.want {
			t.Errorf("case %d: coveragePercent = %v, want %v", i, got, tc.want)
		}
	}
}
