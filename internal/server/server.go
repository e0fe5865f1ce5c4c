// -------------------------------------------------------------------------------
// HTTP Server - Tile Request Routing
//
// Project: Munchbox / Author: Alex Freidah
//
// HTTP server and request router for the tile proxy. Serves cached tiles
// through the layer fallback chains, exposes download session control and
// progress, reports per-source health, and triggers store optimization.
// -------------------------------------------------------------------------------

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/munchbox/tile-proxy/internal/config"
	"github.com/munchbox/tile-proxy/internal/downloader"
	"github.com/munchbox/tile-proxy/internal/store"
	"github.com/munchbox/tile-proxy/internal/telemetry"
	"github.com/munchbox/tile-proxy/internal/tile"
)

// -------------------------------------------------------------------------
// SERVER
// -------------------------------------------------------------------------

// Server handles HTTP requests and routes them to the layer set and the
// download manager.
type Server struct {
	Layers  *LayerSet
	Manager *downloader.Manager
	Config  *config.Config
}

// optimizable is satisfied by stores that support offline maintenance.
type optimizable interface {
	Optimize(ctx context.Context) error
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	method := r.Method

	// --- Track inflight requests ---
	telemetry.InflightRequests.WithLabelValues(method).Inc()
	defer telemetry.InflightRequests.WithLabelValues(method).Dec()

	// --- Route by path ---
	var status int
	var err error

	switch {
	case strings.HasPrefix(r.URL.Path, "/tiles/") && method == http.MethodGet:
		status, err = s.handleTile(w, r)
	case r.URL.Path == "/status" && method == http.MethodGet:
		status, err = s.handleStatus(w, r)
	case r.URL.Path == "/download/progress" && method == http.MethodGet:
		status, err = s.handleProgress(w, r)
	case r.URL.Path == "/download/start" && method == http.MethodPost:
		status, err = s.handleDownloadStart(w, r)
	case r.URL.Path == "/cache/optimize" && method == http.MethodPost:
		status, err = s.handleOptimize(w, r)
	default:
		status = http.StatusNotFound
		writeError(w, status, "NotFound", "No such route")
	}

	// --- Record metrics ---
	s.recordRequest(method, status, start)

	// --- Log request ---
	elapsed := time.Since(start)
	logAttrs := []any{"method", method, "path", r.URL.Path, "remote", r.RemoteAddr, "status", status, "duration", elapsed}
	if err != nil {
		slog.Error("Request failed", append(logAttrs, "error", err)...)
	} else {
		slog.Info("Request completed", logAttrs...)
	}
}

// recordRequest updates Prometheus metrics for a completed request.
func (s *Server) recordRequest(method string, status int, start time.Time) {
	statusStr := strconv.Itoa(status)
	telemetry.RequestsTotal.WithLabelValues(method, statusStr).Inc()
	telemetry.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// -------------------------------------------------------------------------
// TILE SERVING
// -------------------------------------------------------------------------

// handleTile resolves one tile through the layer's fallback chain.
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) (int, error) {
	layerName, c, err := parseTilePath(r.URL.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidCoordinate", err.Error())
		return http.StatusBadRequest, err
	}

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(r.Context(), "HTTP GET tile",
		telemetry.RequestAttributes(r.Method, r.URL.Path, layerName, c.String(), r.RemoteAddr)...,
	)
	defer span.End()

	res, err := s.Layers.Lookup(ctx, layerName, c)
	switch {
	case err == nil:
		// fall through to serving
	case errors.Is(err, ErrUnknownLayer):
		span.SetStatus(codes.Error, err.Error())
		writeError(w, http.StatusNotFound, "UnknownLayer", err.Error())
		return http.StatusNotFound, err
	case errors.Is(err, store.ErrTileNotFound):
		telemetry.TilesServedTotal.WithLabelValues(layerName, "miss").Inc()
		span.SetAttributes(attribute.String("tileproxy.result", "miss"))
		writePlaceholder(w)
		return http.StatusNotFound, nil
	default:
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		writeError(w, http.StatusInternalServerError, "InternalError", "Tile lookup failed")
		return http.StatusInternalServerError, err
	}

	result := "hit"
	if res.Fallback {
		result = "fallback"
	}
	telemetry.TilesServedTotal.WithLabelValues(layerName, result).Inc()
	telemetry.TileBytesServed.WithLabelValues(layerName).Observe(float64(len(res.Data)))
	span.SetAttributes(
		attribute.String("tileproxy.result", result),
		telemetry.AttrSource.String(res.Source),
		telemetry.AttrTileSize.Int(len(res.Data)),
	)

	maxAge := int(s.Config.Server.CacheMaxAge.Seconds())
	w.Header().Set("Content-Type", res.Format.ContentType())
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.Write(res.Data)
	return http.StatusOK, nil
}

// -------------------------------------------------------------------------
// DOWNLOAD CONTROL
// -------------------------------------------------------------------------

// startRequest is the POST /download/start body. Either a named area or an
// inline region selects the coverage.
type startRequest struct {
	Layer   string       `json:"layer"`
	Area    string       `json:"area,omitempty"`
	Region  *tile.Region `json:"region,omitempty"`
	MinZoom uint32       `json:"zoom_min"`
	MaxZoom uint32       `json:"zoom_max"`
}

func (s *Server) handleDownloadStart(w http.ResponseWriter, r *http.Request) (int, error) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "Malformed JSON body")
		return http.StatusBadRequest, err
	}

	job := downloader.Job{
		Layer:   req.Layer,
		MinZoom: req.MinZoom,
		MaxZoom: req.MaxZoom,
	}
	switch {
	case req.Area != "":
		region, ok := s.Config.Areas[req.Area]
		if !ok {
			err := fmt.Errorf("unknown area %q", req.Area)
			writeError(w, http.StatusBadRequest, "UnknownArea", err.Error())
			return http.StatusBadRequest, err
		}
		job.Region = region
		job.Area = req.Area
	case req.Region != nil:
		job.Region = *req.Region
	default:
		err := errors.New("request needs a region or a named area")
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return http.StatusBadRequest, err
	}

	id, err := s.Manager.StartJob(job)
	switch {
	case err == nil:
		// fall through
	case errors.Is(err, downloader.ErrUnknownLayer):
		writeError(w, http.StatusNotFound, "UnknownLayer", err.Error())
		return http.StatusNotFound, err
	case errors.Is(err, downloader.ErrLayerBusy):
		writeError(w, http.StatusConflict, "LayerBusy", err.Error())
		return http.StatusConflict, err
	case errors.Is(err, tile.ErrInvalidRegion):
		writeError(w, http.StatusBadRequest, "InvalidRegion", err.Error())
		return http.StatusBadRequest, err
	default:
		writeError(w, http.StatusInternalServerError, "InternalError", "Could not start download")
		return http.StatusInternalServerError, err
	}

	slog.Info("Download session started", "session_id", id, "layer", job.Layer,
		"zoom_min", job.MinZoom, "zoom_max", job.MaxZoom)
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
	return http.StatusAccepted, nil
}

// handleProgress reports one session (?session=id) or all known sessions.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) (int, error) {
	if id := r.URL.Query().Get("session"); id != "" {
		cp, err := s.Manager.Progress(id)
		if err != nil {
			if errors.Is(err, downloader.ErrUnknownSession) {
				writeError(w, http.StatusNotFound, "UnknownSession", err.Error())
				return http.StatusNotFound, err
			}
			writeError(w, http.StatusInternalServerError, "InternalError", "Could not read progress")
			return http.StatusInternalServerError, err
		}
		writeJSON(w, http.StatusOK, cp)
		return http.StatusOK, nil
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.Manager.ProgressAll()})
	return http.StatusOK, nil
}

// -------------------------------------------------------------------------
// MAINTENANCE
// -------------------------------------------------------------------------

// optimizeRequest is the POST /cache/optimize body.
type optimizeRequest struct {
	Layer string `json:"layer"`
}

// handleOptimize vacuums every store of one layer. Refused while a download
// session is writing to the layer; VACUUM needs the writer quiet.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) (int, error) {
	var req optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "Malformed JSON body")
		return http.StatusBadRequest, err
	}

	layer := s.Layers.Layer(req.Layer)
	if layer == nil {
		err := fmt.Errorf("%w: %s", ErrUnknownLayer, req.Layer)
		writeError(w, http.StatusNotFound, "UnknownLayer", err.Error())
		return http.StatusNotFound, err
	}
	if s.Manager.WriterActive(req.Layer) {
		err := fmt.Errorf("layer %s has an active download session", req.Layer)
		writeError(w, http.StatusConflict, "LayerBusy", err.Error())
		return http.StatusConflict, err
	}

	go func() {
		ctx, span := telemetry.StartSpan(context.Background(), "store.Optimize",
			telemetry.AttrLayer.String(layer.Name))
		defer span.End()

		for _, src := range layer.Sources {
			opt, ok := src.Tiles.(optimizable)
			if !ok {
				continue
			}
			start := time.Now()
			if err := opt.Optimize(ctx); err != nil {
				span.RecordError(err)
				slog.Error("Store optimize failed", "layer", layer.Name, "source", src.Name, "error", err)
				continue
			}
			slog.Info("Store optimized", "layer", layer.Name, "source", src.Name,
				"duration", time.Since(start))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"layer": req.Layer, "state": "optimizing"})
	return http.StatusAccepted, nil
}

// -------------------------------------------------------------------------
// STATUS
// -------------------------------------------------------------------------

type sourceStatus struct {
	Name     string       `json:"name"`
	Degraded bool         `json:"degraded"`
	Stats    *store.Stats `json:"stats,omitempty"`
	Error    string       `json:"error,omitempty"`
}

type layerStatus struct {
	Name    string         `json:"name"`
	Format  string         `json:"format"`
	Sources []sourceStatus `json:"sources"`
}

type statusResponse struct {
	Layers   []layerStatus           `json:"layers"`
	Sessions []downloader.Checkpoint `json:"sessions"`
}

// handleStatus reports per-source health, per-store stats, and session
// progress in one place.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) (int, error) {
	resp := statusResponse{Sessions: s.Manager.ProgressAll()}

	for _, name := range s.Layers.Names() {
		layer := s.Layers.Layer(name)
		ls := layerStatus{Name: name, Format: string(layer.Format)}

		for _, src := range layer.Sources {
			ss := sourceStatus{Name: src.Name, Degraded: src.Health.Degraded()}

			sctx, cancel := context.WithTimeout(r.Context(), s.Config.Server.StoreTimeout)
			stats, err := src.Tiles.Stats(sctx)
			cancel()
			if err != nil {
				ss.Error = err.Error()
			} else {
				ss.Stats = stats
			}
			ls.Sources = append(ls.Sources, ss)
		}
		resp.Layers = append(resp.Layers, ls)
	}

	writeJSON(w, http.StatusOK, resp)
	return http.StatusOK, nil
}
