package output

import (
	"context"
	"io"

	"github.com/jobrunner/orbis/internal/domain"
)

// Archive is an opened, validated result archive.
type Archive interface {
	// Path returns the archive location on disk.
	Path() string

	// Manifest parses the manifest. A missing manifest with a lone default
	// vector payload yields a synthesized one-entry manifest.
	Manifest() (*domain.Manifest, error)

	// Open opens one archive member.
	Open(name string) (io.ReadCloser, error)

	// Close releases the archive.
	Close() error
}

// ArchiveOpener opens archives. Open fails for anything that is not a
// readable ZIP file.
type ArchiveOpener interface {
	Open(path string) (Archive, error)
}

// ArchiveIndex finds previously downloaded archives by query content hash.
type ArchiveIndex interface {
	// Lookup returns the newest archive recorded for hash.
	Lookup(ctx context.Context, hash string) (string, bool, error)

	// Record registers an archive for hash.
	Record(ctx context.Context, hash, path string) error

	// Lock takes the writer lock for hash. Indexes without cross-process
	// locking return a no-op unlock.
	Lock(ctx context.Context, hash string) (func(), error)
}

// DecodedRaster is the raw content of a single-band raster file.
type DecodedRaster struct {
	Width   int
	Height  int
	Samples []float64 // Row-major
	NoData  *float64  // Embedded no-data value, if the file declares one
}

// RasterDecoder decodes single-band raster files.
type RasterDecoder interface {
	// Name identifies the decoder in logs.
	Name() string

	// Supports reports whether the decoder can read samples of pixel type pt.
	Supports(pt domain.PixelType) bool

	// Decode reads the whole raster, interpreting samples as pt.
	Decode(r io.Reader, pt domain.PixelType) (*DecodedRaster, error)
}

// VectorOptions tune vector decoding.
type VectorOptions struct {
	Aggregated bool
}

// VectorDecoder decodes delimited-text vector files.
type VectorDecoder interface {
	Decode(r io.Reader, opts VectorOptions) (*domain.VectorTable, error)
}
