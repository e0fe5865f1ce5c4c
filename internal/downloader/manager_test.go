// -------------------------------------------------------------------------------
// Manager Tests
//
// Author: Alex Freidah
// -------------------------------------------------------------------------------

package downloader

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/munchbox/tile-proxy/internal/config"
	"github.com/munchbox/tile-proxy/internal/store"
)

func managerConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	dcfg := sessionConfig()
	dcfg.CheckpointDir = t.TempDir()
	return &config.Config{
		Providers: []config.ProviderConfig{{
			Name:         "osm-fr",
			URLTemplate:  baseURL + "/{z}/{x}/{y}.png",
			RatePerSec:   10000,
			Burst:        100,
			FetchTimeout: 5 * time.Second,
		}},
		Layers: []config.LayerConfig{{
			Name:     "osm",
			Provider: "osm-fr",
			Sources: []config.SourceConfig{{
				Name:   "primary",
				Path:   "osm.mbtiles",
				Format: "png",
			}},
		}},
		Downloader: dcfg,
		Health:     healthConfig(),
	}
}

func newTestManager(t *testing.T, handler http.Handler) (*Manager, *memStore) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	dest := newMemStore()
	m, err := NewManager(managerConfig(t, srv.URL), NewLimiters(),
		map[string]store.Tiles{"osm": dest})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Stop)
	return m, dest
}

func waitForState(t *testing.T, m *Manager, id string, want State) Checkpoint {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		cp, err := m.Progress(id)
		if err != nil {
			t.Fatalf("Progress(%s): %v", id, err)
		}
		if cp.State == want {
			return cp
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached state %v", id, want)
	return Checkpoint{}
}

func TestManagerStartJob(t *testing.T) {
	m, dest := newTestManager(t, http.HandlerFunc(servePNG))

	job := Job{Layer: "osm", Region: toulouse, MinZoom: 10, MaxZoom: 11}
	id, err := m.StartJob(job)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if id == "" {
		t.Fatal("StartJob returned empty session id")
	}

	cp := waitForState(t, m, id, StateCompleted)
	if cp.Counters.Succeeded != cp.GridSize {
		t.Errorf("succeeded = %d, want %d", cp.Counters.Succeeded, cp.GridSize)
	}
	if got := uint64(dest.count()); got != cp.GridSize {
		t.Errorf("store holds %d tiles, want %d", got, cp.GridSize)
	}
	if m.WriterActive("osm") {
		t.Error("WriterActive after completion")
	}
}

func TestManagerRejectsSecondWriter(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		servePNG(w, r)
	})
	m, _ := newTestManager(t, slow)

	job := Job{Layer: "osm", Region: toulouse, MinZoom: 10, MaxZoom: 13}
	if _, err := m.StartJob(job); err != nil {
		t.Fatalf("first StartJob: %v", err)
	}
	if !m.WriterActive("osm") {
		t.Fatal("WriterActive false while session runs")
	}

	if _, err := m.StartJob(job); !errors.Is(err, ErrLayerBusy) {
		t.Errorf("second StartJob = %v, want ErrLayerBusy", err)
	}
}

func TestManagerStartJobValidation(t *testing.T) {
	m, _ := newTestManager(t, http.HandlerFunc(servePNG))

	if _, err := m.StartJob(Job{Layer: "nope", Region: toulouse, MinZoom: 1, MaxZoom: 2}); !errors.Is(err, ErrUnknownLayer) {
		t.Errorf("unknown layer = %v, want ErrUnknownLayer", err)
	}

	bad := Job{Layer: "osm", Region: toulouse, MinZoom: 5, MaxZoom: 3}
	if _, err := m.StartJob(bad); err == nil {
		t.Error("inverted zoom range accepted")
	}
}

func TestManagerProgressUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, http.HandlerFunc(servePNG))
	if _, err := m.Progress("doesnotexist"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Progress = %v, want ErrUnknownSession", err)
	}
}

func TestManagerStopPausesSessions(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		servePNG(w, r)
	})
	m, _ := newTestManager(t, slow)

	job := Job{Layer: "osm", Region: toulouse, MinZoom: 10, MaxZoom: 14}
	id, err := m.StartJob(job)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	cp, err := m.Progress(id)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if cp.State != StatePaused {
		t.Errorf("state after Stop = %v, want paused", cp.State)
	}
}

func TestManagerResume(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(servePNG))
	t.Cleanup(srv.Close)

	cfg := managerConfig(t, srv.URL)
	cps, err := NewCheckpoints(cfg.Downloader.CheckpointDir)
	if err != nil {
		t.Fatalf("NewCheckpoints: %v", err)
	}
	paused := testCheckpoint("resumeme")
	paused.Job.Layer = "osm"
	if err := cps.Save(paused); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// A completed session must stay on disk untouched.
	done := testCheckpoint("finished")
	done.State = StateCompleted
	if err := cps.Save(done); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m, err := NewManager(cfg, NewLimiters(), map[string]store.Tiles{"osm": newMemStore()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Stop)

	if err := m.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForState(t, m, "resumeme", StateCompleted)

	cp, err := m.Progress("finished")
	if err != nil {
		t.Fatalf("Progress(finished): %v", err)
	}
	if cp.State != StateCompleted {
		t.Errorf("completed checkpoint state = %v, want untouched", cp.State)
	}

	all := m.ProgressAll()
	if len(all) != 2 {
		t.Errorf("ProgressAll returned %d sessions, want 2", len(all))
	}
}
