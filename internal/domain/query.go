package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// LayerKind is the kind of data a layer carries.
type LayerKind string

// Layer kinds.
const (
	LayerRaster LayerKind = "raster"
	LayerVector LayerKind = "vector"
)

// SpatialType selects how the spatial filter is interpreted.
type SpatialType string

// Spatial filter types.
const (
	SpatialSquare  SpatialType = "square"
	SpatialPoint   SpatialType = "point"
	SpatialPolygon SpatialType = "poly"
)

// OutputType is the archive payload format requested from the platform.
type OutputType string

// Output types.
const (
	OutputRaw     OutputType = "raw"
	OutputCSV     OutputType = "csv"
	OutputGeoJSON OutputType = "geojson"
)

// LayerRequest is one layer of a query.
type LayerRequest struct {
	ID          int64             `json:"id"`
	Type        LayerKind         `json:"type,omitempty"`
	Alias       string            `json:"alias,omitempty"`
	Aggregation string            `json:"aggregation,omitempty"`
	Dimensions  []LayerDimension  `json:"dimensions,omitempty"`
	Filter      map[string]string `json:"filter,omitempty"`
}

// LayerDimension restricts a multi dimensional layer.
type LayerDimension struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// UnmarshalJSON accepts id, datalayer_id and data_layer_id for the layer id.
func (l *LayerRequest) UnmarshalJSON(b []byte) error {
	type plain LayerRequest
	aux := struct {
		plain
		DatalayerID  *int64 `json:"datalayer_id"`
		DataLayerID  *int64 `json:"data_layer_id"`
		DatalayerID2 *int64 `json:"datalayerId"`
	}{}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*l = LayerRequest(aux.plain)
	for _, alt := range []*int64{aux.DatalayerID, aux.DataLayerID, aux.DatalayerID2} {
		if l.ID == 0 && alt != nil {
			l.ID = *alt
		}
	}
	return nil
}

// SpatialAggregation aggregates point results over platform polygons.
type SpatialAggregation struct {
	PolygonIDs []int64 `json:"aoi"`
}

// SpatialFilter selects the area of a query.
type SpatialFilter struct {
	Type        SpatialType         `json:"type"`
	Coordinates []float64           `json:"coordinates,omitempty"`
	PolygonID   int64               `json:"aoi,omitempty"`
	Aggregation *SpatialAggregation `json:"aggregation,omitempty"`
}

// Points returns the coordinates of a point filter, which are lat/lon pairs.
func (s SpatialFilter) Points() []Coordinate {
	pts := make([]Coordinate, 0, len(s.Coordinates)/2)
	for i := 0; i+1 < len(s.Coordinates); i += 2 {
		pts = append(pts, NewWGS84Coordinate(s.Coordinates[i+1], s.Coordinates[i]))
	}
	return pts
}

// Interval is either a start/end range or a single snapshot.
type Interval struct {
	Start    *time.Time `json:"start,omitempty"`
	End      *time.Time `json:"end,omitempty"`
	Snapshot *time.Time `json:"snapshot,omitempty"`
}

// TemporalFilter selects the time range of a query.
type TemporalFilter struct {
	Intervals []Interval `json:"intervals"`
}

// QueryDefinition describes what spatio-temporal data to fetch.
type QueryDefinition struct {
	Name       string         `json:"name,omitempty"`
	Layers     []LayerRequest `json:"layers"`
	Spatial    SpatialFilter  `json:"spatial"`
	Temporal   TemporalFilter `json:"temporal"`
	OutputType OutputType     `json:"outputType,omitempty"`
	Batch      bool           `json:"batch,omitempty"`
}

// IsOnline reports whether the platform answers the query inline.
func (q *QueryDefinition) IsOnline() bool {
	return q.Spatial.Type == SpatialPoint && !q.Batch
}

// Validate checks the definition before any network call is made.
func (q *QueryDefinition) Validate() error {
	if len(q.Layers) == 0 {
		return &ValidationError{Field: "layers", Value: 0, Constraint: "len > 0", Message: "at least one layer is required"}
	}
	for i, l := range q.Layers {
		if l.ID <= 0 {
			return &ValidationError{Field: fmt.Sprintf("layers[%d].id", i), Value: l.ID, Constraint: "> 0", Message: "layer id must be positive"}
		}
	}

	switch q.Spatial.Type {
	case SpatialSquare:
		box, err := BoundingBoxFromSlice(q.Spatial.Coordinates)
		if err != nil {
			return err
		}
		if err := box.Validate(); err != nil {
			return err
		}
	case SpatialPoint:
		if len(q.Spatial.Coordinates) < 2 || len(q.Spatial.Coordinates)%2 != 0 {
			return &ValidationError{Field: "spatial.coordinates", Value: q.Spatial.Coordinates, Constraint: "lat/lon pairs", Message: "point filter needs lat/lon pairs"}
		}
		for _, p := range q.Spatial.Points() {
			if err := p.Validate(); err != nil {
				return err
			}
		}
	case SpatialPolygon:
		if q.Spatial.PolygonID <= 0 && (q.Spatial.Aggregation == nil || len(q.Spatial.Aggregation.PolygonIDs) == 0) {
			return &ValidationError{Field: "spatial.aoi", Value: q.Spatial.PolygonID, Constraint: "> 0", Message: "polygon filter needs a polygon id"}
		}
	default:
		return &ValidationError{Field: "spatial.type", Value: q.Spatial.Type, Constraint: "square|point|poly", Message: "unknown spatial filter type"}
	}

	if len(q.Temporal.Intervals) == 0 {
		return &ValidationError{Field: "temporal.intervals", Value: 0, Constraint: "len > 0", Message: "at least one interval is required"}
	}
	for i, iv := range q.Temporal.Intervals {
		if iv.Snapshot != nil {
			continue
		}
		if iv.Start == nil || iv.End == nil || iv.End.Before(*iv.Start) {
			return &ValidationError{Field: fmt.Sprintf("temporal.intervals[%d]", i), Value: iv, Constraint: "start <= end", Message: "interval needs a snapshot or an ordered start/end"}
		}
	}

	switch q.OutputType {
	case "", OutputRaw, OutputCSV, OutputGeoJSON:
	default:
		return &ValidationError{Field: "outputType", Value: q.OutputType, Constraint: "raw|csv|geojson", Message: "unknown output type"}
	}
	return nil
}

// CanonicalJSON returns the deterministic serialization used for hashing
// and as the submission body.
func (q *QueryDefinition) CanonicalJSON() ([]byte, error) {
	return json.Marshal(q)
}

// ContentHash identifies the query for caching purposes.
func (q *QueryDefinition) ContentHash() (string, error) {
	b, err := q.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b)), nil
}

// Clone returns a deep copy.
func (q *QueryDefinition) Clone() (*QueryDefinition, error) {
	b, err := q.CanonicalJSON()
	if err != nil {
		return nil, err
	}
	var c QueryDefinition
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Submission is the result of submitting a query.
type Submission struct {
	ID          string    // Server assigned id, or a cached:... marker
	Online      bool      // Result came back inline
	Cached      bool      // Satisfied from the local archive cache
	Payload     []byte    // Inline payload of an online query
	SubmittedAt time.Time // When the submission happened
}

// CachedMarkerPrefix prefixes synthetic submission ids.
const CachedMarkerPrefix = "cached:"

// BucketTarget names an object-storage bucket the platform pushes results to.
type BucketTarget struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
	Token     string `json:"token,omitempty"`
}

// BucketProgress is the state of a server side push to a bucket.
type BucketProgress struct {
	Status       string `json:"status"`
	SizeTotal    int64  `json:"sizeTotal"`
	SizeUploaded int64  `json:"sizeUploaded"`
	Message      string `json:"message,omitempty"`
}

// Done reports whether the push has finished, either because everything
// was transferred or because the server reports success. An empty result
// finishes with both sizes at zero.
func (p BucketProgress) Done() bool {
	if p.Succeeded() {
		return true
	}
	return p.SizeTotal > 0 && p.SizeUploaded == p.SizeTotal
}

// Succeeded reports a terminal success status.
func (p BucketProgress) Succeeded() bool {
	switch strings.ToLower(p.Status) {
	case "succeeded", "success", "done", "finished", "completed", "complete":
		return true
	}
	return false
}

// Failed reports a terminal failure of the push.
func (p BucketProgress) Failed() bool {
	switch strings.ToLower(p.Status) {
	case "failed", "error":
		return true
	}
	return false
}

// Polygon is a platform-side polygon used for aggregation.
type Polygon struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Key         string `json:"key,omitempty"`
	WKT         string `json:"wkt"`
	Description string `json:"description,omitempty"`
}
