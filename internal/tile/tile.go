// -------------------------------------------------------------------------------
// Tile Coordinates - XYZ/TMS Addressing
//
// Project: Munchbox / Author: Alex Freidah
//
// Tile coordinate type and conversion between the two row-numbering conventions:
// XYZ (row 0 at the top, used by map clients and provider URLs) and TMS (row 0 at
// the bottom, used by the MBTiles storage format). Pure integer arithmetic, no
// state.
// -------------------------------------------------------------------------------

package tile

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// ERRORS
// -------------------------------------------------------------------------

var (
	// ErrInvalidCoord is returned when x or y falls outside [0, 2^zoom).
	ErrInvalidCoord = errors.New("invalid tile coordinate")
)

// MaxZoom is the highest zoom level accepted anywhere in the service.
const MaxZoom = 22

// -------------------------------------------------------------------------
// COORDINATE
// -------------------------------------------------------------------------

// Coord addresses a single tile in the XYZ scheme (row 0 at the top).
type Coord struct {
	Zoom uint32
	X    uint32
	Y    uint32
}

// New validates and builds a coordinate. Both axes must be inside the zoom
// level's grid, which spans [0, 2^zoom) in each direction.
func New(zoom, x, y uint32) (Coord, error) {
	if zoom > MaxZoom {
		return Coord{}, fmt.Errorf("%w: zoom %d exceeds %d", ErrInvalidCoord, zoom, MaxZoom)
	}
	n := uint32(1) << zoom
	if x >= n || y >= n {
		return Coord{}, fmt.Errorf("%w: (%d, %d) outside [0, %d) at zoom %d", ErrInvalidCoord, x, y, n, zoom)
	}
	return Coord{Zoom: zoom, X: x, Y: y}, nil
}

// TMSRow returns the row in the TMS scheme: (2^zoom - 1) - y. Applying the
// flip twice returns the original row.
func (c Coord) TMSRow() uint32 {
	return (uint32(1) << c.Zoom) - 1 - c.Y
}

// FromTMS builds an XYZ coordinate from a TMS-addressed tile. The flip is its
// own inverse, so this is the same arithmetic as TMSRow.
func FromTMS(zoom, x, tmsRow uint32) (Coord, error) {
	c, err := New(zoom, x, tmsRow)
	if err != nil {
		return Coord{}, err
	}
	c.Y = c.TMSRow()
	return c, nil
}

// String formats as z/x/y for logs and failure reports.
func (c Coord) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Zoom, c.X, c.Y)
}
