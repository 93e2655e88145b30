package domain

import (
	"fmt"
	"time"
)

// Archive member names.
const (
	ManifestFilename        = "output.info"
	AcknowledgementFilename = "data_acknowledgement.txt"
	DefaultVectorFilename   = "output.csv"
)

// ArchiveFilename returns the file name of an archive downloaded at t for the
// query with the given content hash. Names of one hash sort by download time.
func ArchiveFilename(hash string, t time.Time) string {
	return fmt.Sprintf("%s_%s.zip", hash, t.UTC().Format("20060102T150405"))
}

// PixelType is the sample type of a raster layer.
type PixelType string

// Pixel types.
const (
	PixelByte    PixelType = "bt"
	PixelShort   PixelType = "sh"
	PixelInt     PixelType = "in"
	PixelFloat   PixelType = "fl"
	PixelDouble  PixelType = "db"
	PixelDefault           = PixelFloat
)

// IsInteger reports whether values of this type are whole numbers.
func (p PixelType) IsInteger() bool {
	switch p {
	case PixelByte, PixelShort, PixelInt:
		return true
	}
	return false
}

// LayerDetails is the optional detail block of a manifest entry.
type LayerDetails struct {
	PixelType    PixelType `json:"pixelType,omitempty"`
	NoData       *float64  `json:"pixelNoDataVal,omitempty"`
	SpatialRef   string    `json:"spatialRef,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	GeoTransform []float64 `json:"geoTransform,omitempty"`
}

// ManifestEntry describes one layer file in a result archive.
type ManifestEntry struct {
	Name       string        `json:"name"`
	Filename   string        `json:"filename,omitempty"`
	Kind       LayerKind     `json:"layerType"`
	LayerID    int64         `json:"datalayerId,omitempty"`
	Aggregated bool          `json:"aggregated,omitempty"`
	Timestamp  *time.Time    `json:"timestamp,omitempty"`
	Details    *LayerDetails `json:"details,omitempty"`
}

// File returns the archive member that holds the layer data.
func (e ManifestEntry) File() string {
	if e.Filename != "" {
		return e.Filename
	}
	return e.Name
}

// ResolvedPixelType returns the declared pixel type or the default.
func (e ManifestEntry) ResolvedPixelType() PixelType {
	if e.Details == nil || e.Details.PixelType == "" {
		return PixelDefault
	}
	return e.Details.PixelType
}

// NoData returns the declared no-data value, if any.
func (e ManifestEntry) NoData() (float64, bool) {
	if e.Details == nil || e.Details.NoData == nil {
		return 0, false
	}
	return *e.Details.NoData, true
}

// Manifest lists the layers contained in a result archive.
type Manifest struct {
	Entries         []ManifestEntry `json:"files"`
	Acknowledgement string          `json:"-"`
	Synthesized     bool            `json:"-"`
}

// IsEmpty returns true if the manifest lists no layers.
func (m *Manifest) IsEmpty() bool {
	return m == nil || len(m.Entries) == 0
}

// Entry returns an entry by name.
func (m *Manifest) Entry(name string) (*ManifestEntry, bool) {
	for i := range m.Entries {
		if m.Entries[i].Name == name {
			return &m.Entries[i], true
		}
	}
	return nil, false
}

// Names returns the layer names in manifest order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		names = append(names, e.Name)
	}
	return names
}
