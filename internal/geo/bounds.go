package geo

import (
	"fmt"
	"math"
)

// BoundingBox represents a geographic bounding box
type BoundingBox struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// LatLng represents a geographic coordinate
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Viewport represents the currently visible map region plus zoom and center
type Viewport struct {
	Bounds BoundingBox `json:"bounds"`
	Zoom   int         `json:"zoom"`
	Center LatLng      `json:"center"`
}

// Constants for validation
const (
	MinZoom = 0
	MaxZoom = 22

	MinLat = -90.0
	MaxLat = 90.0
	MinLon = -180.0
	MaxLon = 180.0
)

// Validate checks if the bounding box is valid
func (b BoundingBox) Validate() error {
	if b.South >= b.North {
		return fmt.Errorf("south (%f) must be less than north (%f)", b.South, b.North)
	}
	if b.West >= b.East {
		return fmt.Errorf("west (%f) must be less than east (%f)", b.West, b.East)
	}
	if b.South < MinLat || b.North > MaxLat {
		return fmt.Errorf("latitude out of range [%g, %g]: south=%f, north=%f", MinLat, MaxLat, b.South, b.North)
	}
	if b.West < MinLon || b.East > MaxLon {
		return fmt.Errorf("longitude out of range [%g, %g]: west=%f, east=%f", MinLon, MaxLon, b.West, b.East)
	}
	return nil
}

// Validate checks if the viewport has a valid zoom level and bounding box
func (v Viewport) Validate() error {
	if v.Zoom < MinZoom || v.Zoom > MaxZoom {
		return fmt.Errorf("zoom level %d out of range [%d, %d]", v.Zoom, MinZoom, MaxZoom)
	}
	return v.Bounds.Validate()
}

// Quantize snaps the bounding box outward to a grid with the given cell
// size: north and east are rounded up, south and west are rounded down.
// Viewports that pan within the same cell quantize to the same box.
func (b BoundingBox) Quantize(step float64) BoundingBox {
	if step <= 0 {
		return b
	}
	return BoundingBox{
		South: math.Floor(b.South/step) * step,
		West:  math.Floor(b.West/step) * step,
		North: math.Ceil(b.North/step) * step,
		East:  math.Ceil(b.East/step) * step,
	}
}

// RoundTo rounds a coordinate to the given number of decimal places
func RoundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// RoundedTo returns a copy of the box with all edges rounded to the given
// number of decimal places. Used for dedup signatures, not cache keys.
func (b BoundingBox) RoundedTo(places int) BoundingBox {
	return BoundingBox{
		South: RoundTo(b.South, places),
		West:  RoundTo(b.West, places),
		North: RoundTo(b.North, places),
		East:  RoundTo(b.East, places),
	}
}
