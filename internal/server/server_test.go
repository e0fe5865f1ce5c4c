// -------------------------------------------------------------------------------
// Server Tests
//
// Author: Alex Freidah
//
// End-to-end handler tests over real MBTiles files in temp directories, with
// an httptest upstream standing in for the remote tile provider.
// -------------------------------------------------------------------------------

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/munchbox/tile-proxy/internal/config"
	"github.com/munchbox/tile-proxy/internal/downloader"
	"github.com/munchbox/tile-proxy/internal/tile"
)

var tilePNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 1, 2, 3}

// testStack is the fully wired proxy under test.
type testStack struct {
	server *Server
	layers *LayerSet
}

func newTestStack(t *testing.T, upstream http.Handler) *testStack {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := &config.Config{
		Providers: []config.ProviderConfig{{
			Name:         "osm-fr",
			URLTemplate:  srv.URL + "/{z}/{x}/{y}.png",
			RatePerSec:   10000,
			Burst:        100,
			FetchTimeout: 5 * time.Second,
		}},
		Layers: []config.LayerConfig{{
			Name:     "osm",
			Provider: "osm-fr",
			Sources: []config.SourceConfig{
				{Name: "primary", Path: filepath.Join(dir, "primary.mbtiles"), Format: "png"},
				{Name: "backup", Path: filepath.Join(dir, "backup.mbtiles"), Format: "png"},
			},
		}},
		Downloader: config.DownloaderConfig{
			Workers:            4,
			RetryAttempts:      2,
			BackoffBase:        time.Millisecond,
			BackoffMax:         5 * time.Millisecond,
			CheckpointTiles:    16,
			CheckpointInterval: time.Hour,
			CheckpointDir:      filepath.Join(dir, "checkpoints"),
		},
		Health: config.HealthConfig{
			ErrorThreshold:   10,
			ErrorWindow:      time.Minute,
			RecoveryInterval: 5 * time.Minute,
		},
		Server: config.ServerConfig{
			StoreTimeout: 2 * time.Second,
			CacheMaxAge:  24 * time.Hour,
		},
		Areas: map[string]tile.Region{
			"toulouse": {West: 1.0, South: 43.0, East: 1.1, North: 43.1},
		},
	}

	layers, err := NewLayerSet(cfg)
	if err != nil {
		t.Fatalf("NewLayerSet: %v", err)
	}
	t.Cleanup(layers.Close)

	mgr, err := downloader.NewManager(cfg, downloader.NewLimiters(), layers.Primaries())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Stop)

	return &testStack{
		server: &Server{Layers: layers, Manager: mgr, Config: cfg},
		layers: layers,
	}
}

func serveUpstreamPNG(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	w.Write(tilePNG)
}

func (ts *testStack) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	ts.server.ServeHTTP(w, req)
	return w
}

// ---------- TILE SERVING ----------

func TestServeTileFromPrimary(t *testing.T) {
	ts := newTestStack(t, http.HandlerFunc(serveUpstreamPNG))
	c := mustCoord(t, 12, 2072, 1484)
	if err := ts.layers.Layer("osm").Primary().Tiles.Put(context.Background(), c, tilePNG); err != nil {
		t.Fatalf("Put: %v", err)
	}

	w := ts.do(http.MethodGet, "/tiles/osm/12/2072/1484", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("content type = %q, want image/png", got)
	}
	if got := w.Header().Get("Cache-Control"); !strings.Contains(got, "max-age=86400") {
		t.Errorf("cache control = %q, want max-age=86400", got)
	}
	if !bytes.Equal(w.Body.Bytes(), tilePNG) {
		t.Errorf("body = %x, want stored tile", w.Body.Bytes())
	}
}

func TestServeTileFromFallback(t *testing.T) {
	ts := newTestStack(t, http.HandlerFunc(serveUpstreamPNG))
	c := mustCoord(t, 12, 2072, 1484)
	if err := ts.layers.Layer("osm").Sources[1].Tiles.Put(context.Background(), c, tilePNG); err != nil {
		t.Fatalf("Put: %v", err)
	}

	w := ts.do(http.MethodGet, "/tiles/osm/12/2072/1484", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), tilePNG) {
		t.Errorf("body = %x, want fallback tile", w.Body.Bytes())
	}
}

func TestServeTileMissReturnsPlaceholder(t *testing.T) {
	ts := newTestStack(t, http.HandlerFunc(serveUpstreamPNG))

	w := ts.do(http.MethodGet, "/tiles/osm/3/1/1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("content type = %q, want image/png", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("cache control = %q, want no-cache", got)
	}
	if !bytes.Equal(w.Body.Bytes(), placeholderTile()) {
		t.Error("body is not the placeholder tile")
	}
}

func TestServeTileBadRequests(t *testing.T) {
	ts := newTestStack(t, http.HandlerFunc(serveUpstreamPNG))

	for _, path := range []string{
		"/tiles/osm/abc/0/0",
		"/tiles/osm/5/32/0",
		"/tiles/osm/5/1",
	} {
		if w := ts.do(http.MethodGet, path, nil); w.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", path, w.Code)
		}
	}

	if w := ts.do(http.MethodGet, "/tiles/nowhere/3/1/1", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown layer status = %d, want 404", w.Code)
	}
	if w := ts.do(http.MethodGet, "/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want 404", w.Code)
	}
}

// ---------- DOWNLOAD CONTROL ----------

func TestDownloadStartAndProgress(t *testing.T) {
	ts := newTestStack(t, http.HandlerFunc(serveUpstreamPNG))

	w := ts.do(http.MethodPost, "/download/start", map[string]any{
		"layer":    "osm",
		"area":     "toulouse",
		"zoom_min": 10,
		"zoom_max": 11,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("start status = %d body %s, want 202", w.Code, w.Body.String())
	}
	var started map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	id := started["session_id"]
	if id == "" {
		t.Fatal("no session_id in start response")
	}

	var cp downloader.Checkpoint
	deadline := time.Now().Add(10 * time.Second)
	for {
		pw := ts.do(http.MethodGet, "/download/progress?session="+id, nil)
		if pw.Code != http.StatusOK {
			t.Fatalf("progress status = %d", pw.Code)
		}
		if err := json.Unmarshal(pw.Body.Bytes(), &cp); err != nil {
			t.Fatalf("decode progress: %v", err)
		}
		if cp.State.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session stuck in state %s", cp.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cp.State != downloader.StateCompleted {
		t.Fatalf("state = %s, want completed", cp.State)
	}
	if cp.Counters.Succeeded != cp.GridSize {
		t.Errorf("succeeded = %d, want %d", cp.Counters.Succeeded, cp.GridSize)
	}
	if cp.Percentage != 100 {
		t.Errorf("percentage = %v, want 100 on a completed session", cp.Percentage)
	}

	// A downloaded tile is now served from the cache.
	grid, err := tile.NewGrid(tile.Region{West: 1.0, South: 43.0, East: 1.1, North: 43.1}, 10, 11)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	c, _ := grid.At(0)
	tw := ts.do(http.MethodGet, "/tiles/osm/"+c.String(), nil)
	if tw.Code != http.StatusOK {
		t.Errorf("downloaded tile status = %d, want 200", tw.Code)
	}
}

func TestDownloadStartValidation(t *testing.T) {
	ts := newTestStack(t, http.HandlerFunc(serveUpstreamPNG))

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"no region or area", map[string]any{"layer": "osm", "zoom_min": 1, "zoom_max": 2}, http.StatusBadRequest},
		{"unknown area", map[string]any{"layer": "osm", "area": "atlantis", "zoom_min": 1, "zoom_max": 2}, http.StatusBadRequest},
		{"unknown layer", map[string]any{"layer": "nope", "area": "toulouse", "zoom_min": 1, "zoom_max": 2}, http.StatusNotFound},
		{"inverted zoom", map[string]any{"layer": "osm", "area": "toulouse", "zoom_min": 5, "zoom_max": 3}, http.StatusBadRequest},
		{"bad region", map[string]any{
			"layer":    "osm",
			"region":   map[string]float64{"west": 10, "south": 43, "east": 1, "north": 44},
			"zoom_min": 1, "zoom_max": 2,
		}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := ts.do(http.MethodPost, "/download/start", tc.body); w.Code != tc.want {
				t.Errorf("status = %d body %s, want %d", w.Code, w.Body.String(), tc.want)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/download/start", strings.NewReader("{broken"))
	w := httptest.NewRecorder()
	ts.server.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON status = %d, want 400", w.Code)
	}
}

func TestProgressUnknownSession(t *testing.T) {
	ts := newTestStack(t, http.HandlerFunc(serveUpstreamPNG))
	if w := ts.do(http.MethodGet, "/download/progress?session=nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ---------- MAINTENANCE & STATUS ----------

func TestOptimizeEndpoint(t *testing.T) {
	ts := newTestStack(t, http.HandlerFunc(serveUpstreamPNG))

	if w := ts.do(http.MethodPost, "/cache/optimize", map[string]string{"layer": "osm"}); w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
	if w := ts.do(http.MethodPost, "/cache/optimize", map[string]string{"layer": "nope"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown layer status = %d, want 404", w.Code)
	}
}

func TestOptimizeRejectedWhileDownloading(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		serveUpstreamPNG(w, r)
	})
	ts := newTestStack(t, slow)

	w := ts.do(http.MethodPost, "/download/start", map[string]any{
		"layer": "osm", "area": "toulouse", "zoom_min": 10, "zoom_max": 14,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("start status = %d", w.Code)
	}

	if w := ts.do(http.MethodPost, "/cache/optimize", map[string]string{"layer": "osm"}); w.Code != http.StatusConflict {
		t.Errorf("optimize during download status = %d, want 409", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestStack(t, http.HandlerFunc(serveUpstreamPNG))
	c := mustCoord(t, 8, 10, 10)
	if err := ts.layers.Layer("osm").Primary().Tiles.Put(context.Background(), c, tilePNG); err != nil {
		t.Fatalf("Put: %v", err)
	}

	w := ts.do(http.MethodGet, "/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(resp.Layers) != 1 || resp.Layers[0].Name != "osm" {
		t.Fatalf("layers = %+v, want one osm layer", resp.Layers)
	}
	sources := resp.Layers[0].Sources
	if len(sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(sources))
	}
	if sources[0].Degraded || sources[1].Degraded {
		t.Error("fresh sources report degraded")
	}
	if sources[0].Stats == nil || sources[0].Stats.TileCount != 1 {
		t.Errorf("primary stats = %+v, want tile count 1", sources[0].Stats)
	}
}
