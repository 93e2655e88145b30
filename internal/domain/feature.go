package domain

import (
	"fmt"
	"math"
	"strconv"
)

// Feature is one row of a vector layer.
type Feature struct {
	Index      int                    // Row number in the source file
	Geometry   *Geometry              // Derived point geometry, if any
	Cell       string                 // H3 cell of the point, if indexed
	Properties map[string]interface{} // Column values: float64 if numeric, else string
}

// Value returns the value of column col.
func (f *Feature) Value(col string) (interface{}, bool) {
	v, ok := f.Properties[col]
	return v, ok
}

// Text returns column col as text. Numbers are formatted without trailing
// zeros.
func (f *Feature) Text(col string) string {
	switch v := f.Properties[col].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Number returns column col as a number, or NaN for missing and text
// values.
func (f *Feature) Number(col string) float64 {
	if v, ok := f.Properties[col].(float64); ok {
		return v
	}
	return math.NaN()
}

// Geometry is a derived geometry attached to a feature.
type Geometry struct {
	Type        GeometryType // POINT, POLYGON, ...
	WKT         string       // Well-Known Text representation
	SRID        int          // Spatial Reference ID
	Coordinates Coordinate   // For point geometries
}

// NewPointGeometry builds a WGS84 point geometry.
func NewPointGeometry(lat, lon float64) *Geometry {
	c := NewWGS84Coordinate(lon, lat)
	return &Geometry{Type: GeomPoint, WKT: c.WKT(), SRID: SRIDWGS84, Coordinates: c}
}

// IsPoint returns true if the geometry is a point.
func (g *Geometry) IsPoint() bool {
	return g.Type == GeomPoint
}

// GeometryType represents the type of a geometry.
type GeometryType string

// Geometry type constants.
const (
	GeomPoint   GeometryType = "POINT"
	GeomPolygon GeometryType = "POLYGON"
)
