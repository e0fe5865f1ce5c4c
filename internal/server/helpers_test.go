// -------------------------------------------------------------------------------
// Helpers Tests
//
// Author: Alex Freidah
// -------------------------------------------------------------------------------

package server

import (
	"bytes"
	"image/png"
	"testing"
)

func TestParseTilePath(t *testing.T) {
	tests := []struct {
		path    string
		layer   string
		z, x, y uint32
		wantErr bool
	}{
		{"/tiles/osm/12/2072/1484", "osm", 12, 2072, 1484, false},
		{"/tiles/osm/12/2072/1484.png", "osm", 12, 2072, 1484, false},
		{"/tiles/cycle/0/0/0", "cycle", 0, 0, 0, false},
		{"/tiles/osm/12/2072", "", 0, 0, 0, true},
		{"/tiles/osm/12/2072/1484/extra", "", 0, 0, 0, true},
		{"/tiles//12/2072/1484", "", 0, 0, 0, true},
		{"/tiles/osm/abc/0/0", "", 0, 0, 0, true},
		{"/tiles/osm/12/-1/0", "", 0, 0, 0, true},
		{"/tiles/osm/5/32/0", "", 0, 0, 0, true}, // x out of range for z=5
		{"/tiles/osm/30/0/0", "", 0, 0, 0, true}, // zoom past maximum
	}

	for _, tc := range tests {
		layer, c, err := parseTilePath(tc.path)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseTilePath(%q) succeeded, want error", tc.path)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseTilePath(%q): %v", tc.path, err)
			continue
		}
		if layer != tc.layer || c.Zoom != tc.z || c.X != tc.x || c.Y != tc.y {
			t.Errorf("parseTilePath(%q) = %s %s, want %s %d/%d/%d",
				tc.path, layer, c, tc.layer, tc.z, tc.x, tc.y)
		}
	}
}

func TestPlaceholderTileDecodes(t *testing.T) {
	img, err := png.Decode(bytes.NewReader(placeholderTile()))
	if err != nil {
		t.Fatalf("placeholder does not decode: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 1 || b.Dy() != 1 {
		t.Errorf("placeholder is %dx%d, want 1x1", b.Dx(), b.Dy())
	}
	_, _, _, a := img.At(0, 0).RGBA()
	if a != 0 {
		t.Errorf("placeholder pixel alpha = %d, want fully transparent", a)
	}
}
