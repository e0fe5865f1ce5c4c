// -------------------------------------------------------------------------------
// MBTiles - SQLite Tile Storage
//
// Project: Munchbox / Author: Alex Freidah
//
// Single-file tile store using the MBTiles convention: a metadata key/value
// table and a tiles table keyed by (zoom_level, tile_column, tile_row) in TMS
// row order. Opened in WAL mode so the server can read while a download session
// writes. Files produced here open in any external MBTiles tool.
// -------------------------------------------------------------------------------

package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/munchbox/tile-proxy/internal/telemetry"
	"github.com/munchbox/tile-proxy/internal/tile"
)

//go:embed schema.sql
var schemaSQL string

// -------------------------------------------------------------------------
// MBTILES STORE
// -------------------------------------------------------------------------

// MBTiles is a tile store backed by one SQLite file.
type MBTiles struct {
	db   *sql.DB
	path string
	meta Metadata
}

// Compile-time check.
var _ Tiles = (*MBTiles)(nil)

// Open opens or creates an MBTiles file. For a new file the schema is created
// and the metadata block written from meta (name and format required, bounds
// and zoom range defaulted to unbounded coverage). For an existing file the
// on-disk metadata wins and meta is ignored. Returns ErrStoreOpen when the
// path exists but is not an MBTiles file.
func Open(path string, meta Metadata) (*MBTiles, error) {
	// WAL keeps readers consistent during writes; busy_timeout prevents
	// transient SQLITE_BUSY between the server's readers and the single
	// download writer.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open tile store: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrStoreOpen, path, err)
	}

	s := &MBTiles{db: db, path: path}

	initialized, err := s.hasSchema()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrStoreOpen, path, err)
	}

	if initialized {
		if err := s.loadMetadata(); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrStoreOpen, path, err)
		}
	} else {
		if err := s.initialize(meta); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// hasSchema reports whether both MBTiles tables exist. A garbage file fails
// the underlying query and is reported as not-a-store by the caller.
func (s *MBTiles) hasSchema() (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('metadata', 'tiles')`,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	switch count {
	case 2:
		return true, nil
	case 0:
		return false, nil
	}
	return false, errors.New("partial MBTiles schema")
}

// initialize creates the schema and writes the metadata block for a new file.
func (s *MBTiles) initialize(meta Metadata) error {
	if meta.Name == "" {
		return fmt.Errorf("store name is required for a new store at %s", s.path)
	}
	if _, err := ParseFormat(string(meta.Format)); err != nil {
		return fmt.Errorf("new store %s: %w", s.path, err)
	}
	if meta.Bounds == "" {
		meta.Bounds = "-180.0,-85.0511,180.0,85.0511"
	}
	if meta.MaxZoom == 0 {
		meta.MaxZoom = tile.MaxZoom
	}

	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	pairs := map[string]string{
		"name":    meta.Name,
		"format":  string(meta.Format),
		"minzoom": strconv.FormatUint(uint64(meta.MinZoom), 10),
		"maxzoom": strconv.FormatUint(uint64(meta.MaxZoom), 10),
		"bounds":  meta.Bounds,
	}
	if meta.Attribution != "" {
		pairs["attribution"] = meta.Attribution
	}
	for name, value := range pairs {
		if _, err := s.db.Exec(
			`INSERT INTO metadata (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
			name, value,
		); err != nil {
			return fmt.Errorf("failed to write metadata %s: %w", name, err)
		}
	}

	s.meta = meta
	return nil
}

// loadMetadata reads the metadata table of an existing file. Missing required
// keys mean the file is not a usable store.
func (s *MBTiles) loadMetadata() error {
	rows, err := s.db.Query(`SELECT name, value FROM metadata`)
	if err != nil {
		return err
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return err
		}
		kv[name] = value
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, required := range []string{"name", "format", "minzoom", "maxzoom"} {
		if _, ok := kv[required]; !ok {
			return fmt.Errorf("missing required metadata key %q", required)
		}
	}

	format, err := ParseFormat(kv["format"])
	if err != nil {
		return err
	}
	minZoom, err := strconv.ParseUint(kv["minzoom"], 10, 32)
	if err != nil {
		return fmt.Errorf("bad minzoom %q", kv["minzoom"])
	}
	maxZoom, err := strconv.ParseUint(kv["maxzoom"], 10, 32)
	if err != nil {
		return fmt.Errorf("bad maxzoom %q", kv["maxzoom"])
	}

	s.meta = Metadata{
		Name:        kv["name"],
		Format:      format,
		MinZoom:     uint32(minZoom),
		MaxZoom:     uint32(maxZoom),
		Bounds:      kv["bounds"],
		Attribution: kv["attribution"],
	}
	return nil
}

// Metadata returns the store's metadata block.
func (s *MBTiles) Metadata() Metadata {
	return s.meta
}

// Path returns the file path backing this store.
func (s *MBTiles) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *MBTiles) Close() error {
	return s.db.Close()
}

// -------------------------------------------------------------------------
// TILE CRUD
// -------------------------------------------------------------------------

// Get returns the tile blob for an XYZ coordinate. The row is flipped to TMS
// before the lookup.
func (s *MBTiles) Get(ctx context.Context, c tile.Coord) ([]byte, error) {
	const operation = "Get"
	start := time.Now()

	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		c.Zoom, c.X, c.TMSRow(),
	).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		s.recordOperation(operation, start, nil)
		return nil, fmt.Errorf("%w: %s in %s", ErrTileNotFound, c, s.meta.Name)
	}
	s.recordOperation(operation, start, err)
	if err != nil {
		return nil, fmt.Errorf("tile read failed for %s: %w", c, err)
	}
	return data, nil
}

// Put upserts a tile blob. The single-statement upsert commits atomically, so
// concurrent readers observe either the previous blob or the new one, never a
// torn write.
func (s *MBTiles) Put(ctx context.Context, c tile.Coord, data []byte) error {
	const operation = "Put"
	start := time.Now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(zoom_level, tile_column, tile_row) DO UPDATE SET tile_data = excluded.tile_data`,
		c.Zoom, c.X, c.TMSRow(), data,
	)

	s.recordOperation(operation, start, err)
	if err != nil {
		return fmt.Errorf("tile write failed for %s: %w", c, err)
	}
	return nil
}

// Exists reports record presence without reading the blob. Used by the
// downloader to skip already-cached tiles on resume.
func (s *MBTiles) Exists(ctx context.Context, c tile.Coord) (bool, error) {
	const operation = "Exists"
	start := time.Now()

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		c.Zoom, c.X, c.TMSRow(),
	).Scan(&one)

	if errors.Is(err, sql.ErrNoRows) {
		s.recordOperation(operation, start, nil)
		return false, nil
	}
	s.recordOperation(operation, start, err)
	if err != nil {
		return false, fmt.Errorf("tile existence check failed for %s: %w", c, err)
	}
	return true, nil
}

// -------------------------------------------------------------------------
// STATS & MAINTENANCE
// -------------------------------------------------------------------------

// Stats returns tile count, total stored bytes, and a per-zoom histogram.
func (s *MBTiles) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ZoomHistogram: make(map[uint32]int64)}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(tile_data)), 0) FROM tiles`,
	).Scan(&stats.TileCount, &stats.TotalBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to read store stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT zoom_level, COUNT(*) FROM tiles GROUP BY zoom_level`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read zoom histogram: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var zoom uint32
		var count int64
		if err := rows.Scan(&zoom, &count); err != nil {
			return nil, err
		}
		stats.ZoomHistogram[zoom] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	telemetry.StoreTiles.WithLabelValues(s.meta.Name).Set(float64(stats.TileCount))
	telemetry.StoreBytes.WithLabelValues(s.meta.Name).Set(float64(stats.TotalBytes))

	return stats, nil
}

// Optimize reclaims space from overwritten records and rebuilds planner
// statistics. VACUUM takes an exclusive write lock, so the caller must pause
// any download session writing to this store first; WAL readers proceed
// against the pre-vacuum snapshot.
func (s *MBTiles) Optimize(ctx context.Context) error {
	const operation = "Optimize"
	start := time.Now()

	_, err := s.db.ExecContext(ctx, `VACUUM`)
	if err == nil {
		_, err = s.db.ExecContext(ctx, `ANALYZE`)
	}

	s.recordOperation(operation, start, err)
	if err != nil {
		return fmt.Errorf("optimize failed for %s: %w", s.meta.Name, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// METRICS HELPER
// -------------------------------------------------------------------------

// recordOperation updates Prometheus metrics for a store operation.
func (s *MBTiles) recordOperation(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	telemetry.StoreRequestsTotal.WithLabelValues(operation, s.meta.Name, status).Inc()
	telemetry.StoreDuration.WithLabelValues(operation, s.meta.Name).Observe(time.Since(start).Seconds())
}
