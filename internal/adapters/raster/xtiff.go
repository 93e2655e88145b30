// Package raster decodes single-band TIFF layers from result archives.
package raster

import (
	"fmt"
	"image"
	"io"

	"golang.org/x/image/tiff"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// XTIFFDecoder decodes 8 and 16 bit integer rasters with golang.org/x/image/tiff.
// It cannot read floating point samples or embedded no-data tags.
type XTIFFDecoder struct{}

// NewXTIFFDecoder creates a new decoder.
func NewXTIFFDecoder() *XTIFFDecoder {
	return &XTIFFDecoder{}
}

// Name returns "xtiff".
func (d *XTIFFDecoder) Name() string {
	return "xtiff"
}

// Supports reports true for byte and short pixels.
func (d *XTIFFDecoder) Supports(pt domain.PixelType) bool {
	return pt == domain.PixelByte || pt == domain.PixelShort
}

// Decode decodes the raster. Short pixels are reinterpreted as signed.
func (d *XTIFFDecoder) Decode(r io.Reader, pt domain.PixelType) (*output.DecodedRaster, error) {
	if !d.Supports(pt) {
		return nil, fmt.Errorf("xtiff: pixel type %q: %w", pt, domain.ErrUnsupported)
	}

	img, err := tiff.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("xtiff: %w", err)
	}

	b := img.Bounds()
	out := &output.DecodedRaster{
		Width:   b.Dx(),
		Height:  b.Dy(),
		Samples: make([]float64, 0, b.Dx()*b.Dy()),
	}

	switch m := img.(type) {
	case *image.Gray:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				out.Samples = append(out.Samples, float64(m.GrayAt(x, y).Y))
			}
		}
	case *image.Gray16:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				v := m.Gray16At(x, y).Y
				if pt == domain.PixelShort {
					out.Samples = append(out.Samples, float64(int16(v)))
				} else {
					out.Samples = append(out.Samples, float64(v))
				}
			}
		}
	default:
		return nil, fmt.Errorf("xtiff: color model %T is not single-band: %w", img, domain.ErrUnsupported)
	}
	return out, nil
}
