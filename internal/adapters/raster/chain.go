package raster

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// Decoder names accepted by Select.
const (
	DecoderAuto   = "auto"
	DecoderXTIFF  = "xtiff"
	DecoderNative = "native"
)

// Chain tries decoders in order and falls back to the next one when a
// decoder does not support the pixel type or fails.
type Chain struct {
	decoders []output.RasterDecoder
	logger   *slog.Logger
}

// NewChain creates a decoder chain.
func NewChain(logger *slog.Logger, decoders ...output.RasterDecoder) *Chain {
	return &Chain{decoders: decoders, logger: logger}
}

// Name lists the chained decoders.
func (c *Chain) Name() string {
	names := make([]string, 0, len(c.decoders))
	for _, d := range c.decoders {
		names = append(names, d.Name())
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Supports reports whether any decoder supports pt.
func (c *Chain) Supports(pt domain.PixelType) bool {
	for _, d := range c.decoders {
		if d.Supports(pt) {
			return true
		}
	}
	return false
}

// Decode decodes with the first decoder that succeeds.
func (c *Chain) Decode(r io.Reader, pt domain.PixelType) (*output.DecodedRaster, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading raster: %w", err)
	}

	var errs []error
	for _, d := range c.decoders {
		if !d.Supports(pt) {
			continue
		}
		out, err := d.Decode(bytes.NewReader(data), pt)
		if err == nil {
			return out, nil
		}
		c.logger.Debug("raster decoder failed, trying next",
			"decoder", d.Name(),
			"pixel_type", pt,
			"error", err,
		)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no decoder for pixel type %q: %w", pt, domain.ErrUnsupported)
	}
	return nil, errors.Join(errs...)
}

// Select returns the decoder configured by name.
func Select(name string, logger *slog.Logger) (output.RasterDecoder, error) {
	switch strings.ToLower(name) {
	case "", DecoderAuto, DecoderXTIFF:
		return NewChain(logger, NewXTIFFDecoder(), NewNativeDecoder()), nil
	case DecoderNative:
		return NewNativeDecoder(), nil
	}
	return nil, fmt.Errorf("unknown raster decoder %q: %w", name, domain.ErrInvalidInput)
}
