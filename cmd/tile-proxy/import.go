// -------------------------------------------------------------------------------
// Import Subcommand - Bulk Load a Tile Directory
//
// Author: Alex Freidah
//
// Walks a {z}/{x}/{y}.png directory tree and upserts every tile into a
// layer's primary store. Tiles already present in the store are skipped.
// Useful when bringing an existing scraped tile set under proxy management.
// -------------------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/munchbox/tile-proxy/internal/config"
	"github.com/munchbox/tile-proxy/internal/server"
	"github.com/munchbox/tile-proxy/internal/tile"
)

func runImport() {
	flags := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := flags.String("config", "config.yaml", "Path to configuration file")
	layerName := flags.String("layer", "", "Layer to import into (required)")
	dir := flags.String("dir", "", "Root of the {z}/{x}/{y} tile tree (required)")
	dryRun := flags.Bool("dry-run", false, "Preview what would be imported without writing")
	_ = flags.Parse(os.Args[2:])

	if *layerName == "" || *dir == "" {
		fmt.Fprintln(os.Stderr, "error: --layer and --dir are required")
		flags.Usage()
		os.Exit(1)
	}

	// --- Initialize structured logger ---
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// --- Load configuration ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Layer(*layerName) == nil {
		slog.Error("Layer not found in config", "layer", *layerName)
		os.Exit(1)
	}

	// --- Open the layer's stores ---
	layers, err := server.NewLayerSet(cfg)
	if err != nil {
		slog.Error("Failed to open tile stores", "error", err)
		os.Exit(1)
	}
	defer layers.Close()

	dest := layers.Layer(*layerName).Primary()

	mode := "import"
	if *dryRun {
		mode = "dry-run"
	}
	slog.Info("Starting import", "layer", *layerName, "dir", *dir, "mode", mode)

	// --- Walk the tree and import ---
	ctx := context.Background()
	var imported, skipped, failed int
	var totalBytes int64

	err = filepath.WalkDir(*dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		c, ok := parseTreePath(*dir, path)
		if !ok {
			return nil
		}

		exists, err := dest.Tiles.Exists(ctx, c)
		if err != nil {
			return fmt.Errorf("existence check for %s: %w", c, err)
		}
		if exists {
			skipped++
			return nil
		}

		if *dryRun {
			slog.Info("Would import", "tile", c.String(), "file", path)
			imported++
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if err := dest.Tiles.Put(ctx, c, data); err != nil {
			failed++
			slog.Warn("Import failed", "tile", c.String(), "error", err)
			return nil
		}

		imported++
		totalBytes += int64(len(data))
		if imported%1000 == 0 {
			slog.Info("Import progress", "imported", imported, "skipped", skipped)
		}
		return nil
	})
	if err != nil {
		slog.Error("Import failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Import complete",
		"layer", *layerName,
		"imported", imported,
		"skipped", skipped,
		"failed", failed,
		"bytes_imported", totalBytes,
		"mode", mode,
	)
}

// parseTreePath extracts a coordinate from a {z}/{x}/{y}.<ext> file path
// under root. Files that do not match the layout are ignored.
func parseTreePath(root, path string) (tile.Coord, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return tile.Coord{}, false
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return tile.Coord{}, false
	}

	name := parts[2]
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}

	z, errZ := strconv.ParseUint(parts[0], 10, 32)
	x, errX := strconv.ParseUint(parts[1], 10, 32)
	y, errY := strconv.ParseUint(name, 10, 32)
	if errZ != nil || errX != nil || errY != nil {
		return tile.Coord{}, false
	}

	c, err := tile.New(uint32(z), uint32(x), uint32(y))
	if err != nil {
		return tile.Coord{}, false
	}
	return c, true
}
