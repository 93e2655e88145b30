// Package domain contains the core business entities and value objects.
package domain

import (
	"fmt"
)

// Coordinate represents a geographic coordinate.
type Coordinate struct {
	X    float64 // Longitude
	Y    float64 // Latitude
	SRID int     // Spatial Reference ID
}

// NewWGS84Coordinate creates a WGS84 (EPSG:4326) coordinate.
func NewWGS84Coordinate(lon, lat float64) Coordinate {
	return Coordinate{X: lon, Y: lat, SRID: SRIDWGS84}
}

// Validate checks if the coordinate is valid for its SRID.
func (c Coordinate) Validate() error {
	if c.SRID != SRIDWGS84 {
		return nil
	}
	if c.X < -180 || c.X > 180 {
		return &ValidationError{
			Field:      "longitude",
			Value:      c.X,
			Constraint: "[-180, 180]",
			Message:    "longitude must be between -180 and 180",
		}
	}
	if c.Y < -90 || c.Y > 90 {
		return &ValidationError{
			Field:      "latitude",
			Value:      c.Y,
			Constraint: "[-90, 90]",
			Message:    "latitude must be between -90 and 90",
		}
	}
	return nil
}

// WKT returns the Well-Known Text representation.
func (c Coordinate) WKT() string {
	return fmt.Sprintf("POINT(%g %g)", c.X, c.Y)
}

// CRS returns the EPSG identifier, e.g. "EPSG:4326".
func (c Coordinate) CRS() string {
	return fmt.Sprintf("EPSG:%d", c.SRID)
}

// Common SRID constants.
const (
	SRIDWGS84       = 4326 // WGS 84
	SRIDWebMercator = 3857 // Web Mercator
)

// BoundingBox is a lat/lon rectangle. The platform orders the corners as
// [minLat, minLon, maxLat, maxLon].
type BoundingBox struct {
	MinLat float64
	MinLon float64
	MaxLat float64
	MaxLon float64
}

// BoundingBoxFromSlice builds a box from the platform's four element form.
func BoundingBoxFromSlice(v []float64) (BoundingBox, error) {
	if len(v) != 4 {
		return BoundingBox{}, &ValidationError{
			Field:      "spatial.coordinates",
			Value:      v,
			Constraint: "len == 4",
			Message:    "bounding box needs [minLat, minLon, maxLat, maxLon]",
		}
	}
	return BoundingBox{MinLat: v[0], MinLon: v[1], MaxLat: v[2], MaxLon: v[3]}, nil
}

// Slice returns the platform's four element form.
func (b BoundingBox) Slice() []float64 {
	return []float64{b.MinLat, b.MinLon, b.MaxLat, b.MaxLon}
}

// Validate checks the corners are ordered and inside WGS84 bounds.
func (b BoundingBox) Validate() error {
	for _, c := range []Coordinate{
		NewWGS84Coordinate(b.MinLon, b.MinLat),
		NewWGS84Coordinate(b.MaxLon, b.MaxLat),
	} {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	if b.MinLat > b.MaxLat || b.MinLon > b.MaxLon {
		return &ValidationError{
			Field:      "spatial.coordinates",
			Value:      b.Slice(),
			Constraint: "min <= max",
			Message:    "bounding box corners are not ordered",
		}
	}
	return nil
}

// Contains checks if a coordinate is within the box.
func (b BoundingBox) Contains(c Coordinate) bool {
	return c.X >= b.MinLon && c.X <= b.MaxLon && c.Y >= b.MinLat && c.Y <= b.MaxLat
}
