// -------------------------------------------------------------------------------
// Store Contracts - Tile Persistence Interface
//
// Project: Munchbox / Author: Alex Freidah
//
// Defines the contract between the server/downloader and a tile store, plus the
// sentinel errors and shared types. Implemented by MBTiles (the real SQLite
// store). Startup-only operations (Open, Optimize, Close) live on the concrete
// type, not the interface.
// -------------------------------------------------------------------------------

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/munchbox/tile-proxy/internal/tile"
)

// -------------------------------------------------------------------------
// SENTINEL ERRORS
// -------------------------------------------------------------------------

var (
	// ErrTileNotFound is returned by Get when no record exists for the
	// coordinate. An offline cache miss is an expected condition, so callers
	// use errors.Is checks to fall back rather than fail.
	ErrTileNotFound = errors.New("tile not found")

	// ErrStoreOpen is returned when a path exists but is not a valid MBTiles
	// file.
	ErrStoreOpen = errors.New("not a valid tile store")
)

// -------------------------------------------------------------------------
// FORMATS
// -------------------------------------------------------------------------

// Format is the raster image format of a store, per the MBTiles metadata
// convention ("png" or "jpg").
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpg"
)

// ParseFormat validates an MBTiles format value.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatPNG, FormatJPEG:
		return Format(s), nil
	}
	return "", fmt.Errorf("unsupported tile format %q (want png or jpg)", s)
}

// ContentType returns the HTTP content type for tiles of this format.
func (f Format) ContentType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// -------------------------------------------------------------------------
// TYPES
// -------------------------------------------------------------------------

// Metadata mirrors the MBTiles metadata table. Name and Format are required;
// the rest default to unbounded coverage.
type Metadata struct {
	Name        string
	Format      Format
	MinZoom     uint32
	MaxZoom     uint32
	Bounds      string
	Attribution string
}

// Stats summarizes the contents of one store.
type Stats struct {
	TileCount     int64            `json:"tile_count"`
	TotalBytes    int64            `json:"total_bytes"`
	ZoomHistogram map[uint32]int64 `json:"zoom_histogram"`
}

// -------------------------------------------------------------------------
// INTERFACE
// -------------------------------------------------------------------------

// Tiles is the read/write contract used by the server's fallback chain and
// the downloader's worker pool.
type Tiles interface {
	// Get returns the tile blob for an XYZ coordinate, converting to the
	// store's native TMS row internally. Returns ErrTileNotFound on miss.
	Get(ctx context.Context, c tile.Coord) ([]byte, error)

	// Put upserts the tile blob. Last write wins; the write is atomic per
	// key and durable once Put returns.
	Put(ctx context.Context, c tile.Coord, data []byte) error

	// Exists reports whether a record is present without reading the blob.
	Exists(ctx context.Context, c tile.Coord) (bool, error)

	// Stats returns tile count, total bytes, and a per-zoom histogram.
	Stats(ctx context.Context) (*Stats, error)

	// Metadata returns the store's descriptive metadata.
	Metadata() Metadata
}
