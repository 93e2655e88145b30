package domain

import (
	"math"
	"time"
)

// RasterGrid is a materialized single-band raster. Data is row-major and
// no-data pixels hold NaN.
type RasterGrid struct {
	Width        int
	Height       int
	Data         []float64
	PixelType    PixelType
	SpatialRef   string
	GeoTransform []float64
	Timestamp    *time.Time
}

// At returns the value at column x, row y.
func (g *RasterGrid) At(x, y int) float64 {
	return g.Data[y*g.Width+x]
}

// Shape returns (height, width).
func (g *RasterGrid) Shape() (int, int) {
	return g.Height, g.Width
}

// NaNCount returns the number of no-data pixels.
func (g *RasterGrid) NaNCount() int {
	n := 0
	for _, v := range g.Data {
		if math.IsNaN(v) {
			n++
		}
	}
	return n
}

// VectorTable is a materialized vector layer.
type VectorTable struct {
	Columns         []string
	Features        []Feature
	Timestamps      []time.Time // One per feature, zero when unparsable
	TimestampColumn string
	CRS             string // Set when point geometries were derived
	Aggregated      bool
}

// Len returns the number of rows.
func (t *VectorTable) Len() int {
	return len(t.Features)
}

// HasGeometry reports whether point geometries were derived.
func (t *VectorTable) HasGeometry() bool {
	return t.CRS != ""
}

// Layer is one materialized layer of a result archive.
type Layer struct {
	Name   string
	Kind   LayerKind
	Raster *RasterGrid
	Vector *VectorTable
}
