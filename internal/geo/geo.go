// Package geo converts between geographic coordinates and slippy-map tile
// indices using the spherical Mercator projection.
package geo

import (
	"errors"
	"fmt"
	"math"
)

const (
	MinZoom = 0
	MaxZoom = 22

	// MaxLatitude is the largest latitude representable in the Mercator
	// projection. Inputs beyond it are clamped before the tangent/log
	// formula runs, which would otherwise produce infinities at the poles.
	MaxLatitude = 85.05112878
)

// ErrOutOfRange reports a zoom level or tile coordinate outside the valid
// range for the projection.
var ErrOutOfRange = errors.New("zoom or coordinate out of range")

// Tile identifies one slippy-map tile.
type Tile struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Bounds is a geographic bounding box in degrees.
type Bounds struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// Width returns the longitudinal extent of the box in degrees.
func (b Bounds) Width() float64 {
	return b.East - b.West
}

// Height returns the latitudinal extent of the box in degrees.
func (b Bounds) Height() float64 {
	return b.North - b.South
}

// Range is an inclusive rectangle of tile indices at one zoom level.
type Range struct {
	Zoom int `json:"zoom"`
	MinX int `json:"min_x"`
	MaxX int `json:"max_x"`
	MinY int `json:"min_y"`
	MaxY int `json:"max_y"`
}

// Count returns the number of tiles covered by the range.
func (r Range) Count() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Contains reports whether the tile index (x, y) falls inside the range.
func (r Range) Contains(x, y int) bool {
	return x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

// Each invokes fn for every tile in the range in row-major order.
func (r Range) Each(fn func(t Tile)) {
	for y := r.MinY; y <= r.MaxY; y++ {
		for x := r.MinX; x <= r.MaxX; x++ {
			fn(Tile{Z: r.Zoom, X: x, Y: y})
		}
	}
}

// TileForPoint returns the tile containing the given point at the given
// zoom. Latitude is clamped to the Mercator range before projection.
func TileForPoint(lat, lng float64, zoom int) (Tile, error) {
	if zoom < MinZoom || zoom > MaxZoom {
		return Tile{}, fmt.Errorf("zoom %d: %w", zoom, ErrOutOfRange)
	}

	return Tile{Z: zoom, X: tileX(lng, zoom), Y: tileY(lat, zoom)}, nil
}

// TileRangeForBounds returns the inclusive tile range covering the bounding
// box at the given zoom. The range is clamped to the valid tile grid, so a
// whole-world box at zoom 3 yields the full 8x8 grid.
func TileRangeForBounds(b Bounds, zoom int) (Range, error) {
	if zoom < MinZoom || zoom > MaxZoom {
		return Range{}, fmt.Errorf("zoom %d: %w", zoom, ErrOutOfRange)
	}

	x1 := tileX(b.West, zoom)
	x2 := tileX(b.East, zoom)
	// Tile y grows southward, so the northern edge produces the smaller index.
	y1 := tileY(b.North, zoom)
	y2 := tileY(b.South, zoom)

	return Range{
		Zoom: zoom,
		MinX: min(x1, x2),
		MaxX: max(x1, x2),
		MinY: min(y1, y2),
		MaxY: max(y1, y2),
	}, nil
}

// TileBounds returns the geographic bounding box of a tile.
func TileBounds(t Tile) (Bounds, error) {
	if t.Z < MinZoom || t.Z > MaxZoom {
		return Bounds{}, fmt.Errorf("zoom %d: %w", t.Z, ErrOutOfRange)
	}
	n := float64(int64(1) << uint(t.Z))
	if t.X < 0 || t.Y < 0 || float64(t.X) >= n || float64(t.Y) >= n {
		return Bounds{}, fmt.Errorf("tile %s: %w", t, ErrOutOfRange)
	}

	return Bounds{
		West:  float64(t.X)/n*360 - 180,
		East:  float64(t.X+1)/n*360 - 180,
		North: tileLat(float64(t.Y), n),
		South: tileLat(float64(t.Y+1), n),
	}, nil
}

// ValidTile reports whether (x, y) is a legal tile index at zoom z.
func ValidTile(z, x, y int) bool {
	if z < MinZoom || z > MaxZoom || x < 0 || y < 0 {
		return false
	}
	n := int64(1) << uint(z)
	return int64(x) < n && int64(y) < n
}

func tileX(lng float64, zoom int) int {
	n := float64(int64(1) << uint(zoom))
	x := int(math.Floor((lng + 180) / 360 * n))
	return clampIndex(x, int(n))
}

func tileY(lat float64, zoom int) int {
	lat = clampLat(lat)
	n := float64(int64(1) << uint(zoom))
	y := int(math.Floor((1 - math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))/math.Pi) / 2 * n))
	return clampIndex(y, int(n))
}

// tileLat inverts the Mercator y projection for a fractional tile row.
func tileLat(y, n float64) float64 {
	return math.Atan(math.Sinh(math.Pi*(1-2*y/n))) * 180 / math.Pi
}

func clampLat(lat float64) float64 {
	if lat > MaxLatitude {
		return MaxLatitude
	}
	if lat < -MaxLatitude {
		return -MaxLatitude
	}
	return lat
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
