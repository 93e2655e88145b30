// Package vector decodes delimited-text layers into feature tables.
package vector

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/uber/h3-go/v4"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// H3Disabled turns off cell indexing.
const H3Disabled = -1

// Column aliases, matched case-insensitively.
var (
	latColumns  = []string{"lat", "latitude", "y"}
	lonColumns  = []string{"lon", "lng", "longitude", "x"}
	timeColumns = []string{"timestamp", "time", "date", "datetime"}
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102",
}

// keys are the columns the decoder interprets. The remaining columns
// are read through the raw record.
type keys struct {
	Lat       string `csv:"lat,omitempty"`
	Lon       string `csv:"lon,omitempty"`
	Timestamp string `csv:"timestamp,omitempty"`
}

// Decoder decodes CSV layers. Rows with latitude and longitude columns
// get WGS84 point geometries and, when H3Resolution is not H3Disabled,
// an H3 cell.
type Decoder struct {
	H3Resolution int
}

// NewDecoder creates a decoder indexing points at the given H3 resolution.
func NewDecoder(h3Resolution int) *Decoder {
	return &Decoder{H3Resolution: h3Resolution}
}

// Decode reads the whole file.
func (d *Decoder) Decode(r io.Reader, opts output.VectorOptions) (*domain.VectorTable, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	table := &domain.VectorTable{Aggregated: opts.Aggregated}

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return table, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	table.Columns = header

	mapped, latIdx, lonIdx, timeIdx := mapHeader(header)
	if timeIdx >= 0 {
		table.TimestampColumn = header[timeIdx]
	}
	withGeometry := latIdx >= 0 && lonIdx >= 0
	if withGeometry {
		table.CRS = fmt.Sprintf("EPSG:%d", domain.SRIDWGS84)
	}

	dec, err := csvutil.NewDecoder(cr, mapped...)
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	for row := 0; ; row++ {
		var k keys
		if err := dec.Decode(&k); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("row %d: %w", row+1, err)
		}

		rec := dec.Record()
		f := domain.Feature{Index: row, Properties: make(map[string]interface{}, len(header))}
		for i, col := range header {
			if i < len(rec) {
				f.Properties[col] = parseValue(rec[i])
			}
		}

		if withGeometry {
			lat, errLat := strconv.ParseFloat(strings.TrimSpace(k.Lat), 64)
			lon, errLon := strconv.ParseFloat(strings.TrimSpace(k.Lon), 64)
			if errLat == nil && errLon == nil {
				f.Geometry = domain.NewPointGeometry(lat, lon)
				f.Cell = d.cell(lat, lon)
			}
		}

		table.Features = append(table.Features, f)
		if timeIdx >= 0 {
			table.Timestamps = append(table.Timestamps, ParseTimestamp(k.Timestamp))
		}
	}
	return table, nil
}

func (d *Decoder) cell(lat, lon float64) string {
	if d.H3Resolution < 0 {
		return ""
	}
	c, err := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lon}, d.H3Resolution)
	if err != nil {
		return ""
	}
	return c.String()
}

// mapHeader renames the first latitude, longitude and timestamp columns to
// their canonical names and gives every other column a unique placeholder.
func mapHeader(header []string) (mapped []string, lat, lon, ts int) {
	lat, lon, ts = -1, -1, -1
	mapped = make([]string, len(header))
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(col))
		switch {
		case lat < 0 && contains(latColumns, name):
			lat, mapped[i] = i, "lat"
		case lon < 0 && contains(lonColumns, name):
			lon, mapped[i] = i, "lon"
		case ts < 0 && contains(timeColumns, name):
			ts, mapped[i] = i, "timestamp"
		default:
			mapped[i] = "_" + strconv.Itoa(i)
		}
	}
	return mapped, lat, lon, ts
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func parseValue(s string) interface{} {
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return f
	}
	return s
}

// ParseTimestamp parses epoch milliseconds or an ISO 8601 date. It returns
// the zero time for anything else.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) > 8 {
		return time.UnixMilli(ms).UTC()
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
