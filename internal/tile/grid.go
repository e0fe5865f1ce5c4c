// -------------------------------------------------------------------------------
// Grid - Deterministic Tile Enumeration for Download Jobs
//
// Project: Munchbox / Author: Alex Freidah
//
// Maps a geographic region + zoom range onto a fixed, deterministic sequence of
// tile coordinates: ascending zoom, row-major within each zoom. A session cursor
// is a plain integer offset into this order, so resuming twice from the same
// checkpoint always yields the same remaining work set.
// -------------------------------------------------------------------------------

package tile

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// -------------------------------------------------------------------------
// REGION
// -------------------------------------------------------------------------

var (
	// ErrInvalidRegion is returned for malformed bounding boxes or zoom ranges.
	ErrInvalidRegion = errors.New("invalid region")
)

// Region is a geographic bounding box in WGS84 degrees.
type Region struct {
	West  float64 `yaml:"west" json:"west"`
	South float64 `yaml:"south" json:"south"`
	East  float64 `yaml:"east" json:"east"`
	North float64 `yaml:"north" json:"north"`
}

// Validate checks coordinate ranges and ordering. Regions crossing the
// antimeridian are not supported.
func (r Region) Validate() error {
	if r.West < -180 || r.East > 180 || r.West >= r.East {
		return fmt.Errorf("%w: longitude range [%f, %f]", ErrInvalidRegion, r.West, r.East)
	}
	if r.South < -90 || r.North > 90 || r.South >= r.North {
		return fmt.Errorf("%w: latitude range [%f, %f]", ErrInvalidRegion, r.South, r.North)
	}
	return nil
}

// -------------------------------------------------------------------------
// GRID
// -------------------------------------------------------------------------

// level holds the tile bounds covering the region at one zoom, plus the
// offset of its first tile in the overall enumeration.
type level struct {
	zoom                   uint32
	minX, maxX, minY, maxY uint32
	offset                 uint64
}

func (l level) width() uint64  { return uint64(l.maxX-l.minX) + 1 }
func (l level) height() uint64 { return uint64(l.maxY-l.minY) + 1 }

// Grid is the fixed tile sequence for one download job.
type Grid struct {
	region  Region
	minZoom uint32
	maxZoom uint32
	levels  []level
	size    uint64
}

// NewGrid computes the per-zoom tile bounds covering the region. Coarse zooms
// come first so an interrupted session still leaves a usable, progressively
// refined cache.
func NewGrid(region Region, minZoom, maxZoom uint32) (*Grid, error) {
	if err := region.Validate(); err != nil {
		return nil, err
	}
	if maxZoom > MaxZoom || minZoom > maxZoom {
		return nil, fmt.Errorf("%w: zoom range [%d, %d]", ErrInvalidRegion, minZoom, maxZoom)
	}

	g := &Grid{region: region, minZoom: minZoom, maxZoom: maxZoom}
	for z := minZoom; z <= maxZoom; z++ {
		// Northwest corner gives the minimum XYZ row, southeast the maximum.
		nw := maptile.At(orb.Point{region.West, region.North}, maptile.Zoom(z))
		se := maptile.At(orb.Point{region.East, region.South}, maptile.Zoom(z))

		// maptile.At clamps latitude but not longitude, so East == 180
		// lands one column past the grid edge.
		last := uint32(1<<z) - 1
		if se.X > last {
			se.X = last
		}
		if se.Y > last {
			se.Y = last
		}

		l := level{
			zoom:   z,
			minX:   nw.X,
			maxX:   se.X,
			minY:   nw.Y,
			maxY:   se.Y,
			offset: g.size,
		}
		g.levels = append(g.levels, l)
		g.size += l.width() * l.height()
	}
	return g, nil
}

// Size returns the total number of tiles in the grid across all zoom levels.
func (g *Grid) Size() uint64 {
	return g.size
}

// ZoomRange returns the inclusive zoom bounds of the grid.
func (g *Grid) ZoomRange() (uint32, uint32) {
	return g.minZoom, g.maxZoom
}

// At returns the i-th coordinate in enumeration order. The second return is
// false once i reaches Size().
func (g *Grid) At(i uint64) (Coord, bool) {
	if i >= g.size {
		return Coord{}, false
	}
	for _, l := range g.levels {
		count := l.width() * l.height()
		if i < l.offset+count {
			rel := i - l.offset
			return Coord{
				Zoom: l.zoom,
				X:    l.minX + uint32(rel%l.width()),
				Y:    l.minY + uint32(rel/l.width()),
			}, true
		}
	}
	return Coord{}, false
}
