// -------------------------------------------------------------------------------
// Helpers - Path Parsing, JSON Envelopes, Placeholder Tile
//
// Project: Munchbox / Author: Alex Freidah
//
// Utility functions for the server package: tile URL path parsing, the JSON
// error envelope shared by every handler, and the transparent placeholder
// tile served on a full cache miss so map clients render a gap instead of a
// broken image.
// -------------------------------------------------------------------------------

package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/munchbox/tile-proxy/internal/tile"
)

// parseTilePath extracts layer and coordinate from a tile URL.
// Expected format: /tiles/{layer}/{z}/{x}/{y} with an optional image
// extension on the last segment.
func parseTilePath(path string) (layer string, c tile.Coord, err error) {
	path = strings.TrimPrefix(path, "/tiles/")
	parts := strings.Split(path, "/")
	if len(parts) != 4 || parts[0] == "" {
		return "", tile.Coord{}, tile.ErrInvalidCoord
	}

	last := parts[3]
	if i := strings.LastIndexByte(last, '.'); i >= 0 {
		last = last[:i]
	}

	z, errZ := strconv.ParseUint(parts[1], 10, 32)
	x, errX := strconv.ParseUint(parts[2], 10, 32)
	y, errY := strconv.ParseUint(last, 10, 32)
	if errZ != nil || errX != nil || errY != nil {
		return "", tile.Coord{}, tile.ErrInvalidCoord
	}

	c, err = tile.New(uint32(z), uint32(x), uint32(y))
	if err != nil {
		return "", tile.Coord{}, err
	}
	return parts[0], c, nil
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError sends a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeJSON sends any value as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var (
	placeholderOnce sync.Once
	placeholderPNG  []byte
)

// placeholderTile returns a 1x1 fully transparent PNG, encoded once.
func placeholderTile() []byte {
	placeholderOnce.Do(func() {
		var buf bytes.Buffer
		png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1)))
		placeholderPNG = buf.Bytes()
	})
	return placeholderPNG
}

// writePlaceholder serves the transparent tile with a not-found status so
// clients render an empty tile but never cache it.
func writePlaceholder(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusNotFound)
	w.Write(placeholderTile())
}
