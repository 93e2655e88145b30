package application

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// Materializer turns the members of a result archive into in-memory layers.
type Materializer struct {
	raster output.RasterDecoder
	vector output.VectorDecoder
	logger *slog.Logger
}

// NewMaterializer creates a materializer.
func NewMaterializer(raster output.RasterDecoder, vector output.VectorDecoder, logger *slog.Logger) *Materializer {
	return &Materializer{
		raster: raster,
		vector: vector,
		logger: logger,
	}
}

// Materialize builds every layer listed in the manifest. A layer that fails
// is logged and skipped; its error is returned alongside the layers that
// succeeded.
func (m *Materializer) Materialize(a output.Archive, man *domain.Manifest) ([]domain.Layer, []error) {
	if man.IsEmpty() {
		return nil, nil
	}

	layers := make([]domain.Layer, 0, len(man.Entries))
	var failed []error
	for _, e := range man.Entries {
		layer, err := m.Layer(a, e)
		if err != nil {
			m.logger.Warn("skipping layer",
				"archive", a.Path(),
				"layer", e.Name,
				"kind", e.Kind,
				"error", err,
			)
			failed = append(failed, err)
			continue
		}
		layers = append(layers, *layer)
	}
	return layers, failed
}

// Layer materializes a single manifest entry. A decoder panic on a corrupt
// member is returned as the layer's error.
func (m *Materializer) Layer(a output.Archive, e domain.ManifestEntry) (layer *domain.Layer, err error) {
	defer func() {
		if r := recover(); r != nil {
			layer = nil
			err = &domain.LayerError{Layer: e.Name, Kind: e.Kind, Err: fmt.Errorf("decoder panic: %v: %w", r, domain.ErrInvalidInput)}
		}
	}()

	layer = &domain.Layer{Name: e.Name, Kind: e.Kind}
	switch e.Kind {
	case domain.LayerRaster:
		layer.Raster, err = m.rasterGrid(a, e)
	case domain.LayerVector:
		layer.Vector, err = m.vectorTable(a, e)
	default:
		err = fmt.Errorf("layer kind %q: %w", e.Kind, domain.ErrUnsupported)
	}
	if err != nil {
		return nil, &domain.LayerError{Layer: e.Name, Kind: e.Kind, Err: err}
	}
	return layer, nil
}

func (m *Materializer) rasterGrid(a output.Archive, e domain.ManifestEntry) (*domain.RasterGrid, error) {
	if m.raster == nil {
		return nil, fmt.Errorf("no raster decoder configured: %w", domain.ErrUnsupported)
	}
	pt := e.ResolvedPixelType()
	if !m.raster.Supports(pt) {
		return nil, fmt.Errorf("%s cannot read pixel type %q: %w", m.raster.Name(), pt, domain.ErrUnsupported)
	}

	rc, err := a.Open(e.File())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	dec, err := m.raster.Decode(rc, pt)
	if err != nil {
		return nil, err
	}
	if dec.Width*dec.Height != len(dec.Samples) {
		return nil, fmt.Errorf("raster %s has %d samples for %dx%d: %w",
			e.File(), len(dec.Samples), dec.Width, dec.Height, domain.ErrInvalidInput)
	}

	noData, hasNoData := e.NoData()
	if !hasNoData && dec.NoData != nil {
		noData, hasNoData = *dec.NoData, true
	}

	data := make([]float64, len(dec.Samples))
	for i, v := range dec.Samples {
		switch {
		case hasNoData && isNoData(v, noData):
			v = math.NaN()
		case pt.IsInteger():
			v = math.Round(v)
		}
		data[i] = v
	}

	grid := &domain.RasterGrid{
		Width:     dec.Width,
		Height:    dec.Height,
		Data:      data,
		PixelType: pt,
		Timestamp: e.Timestamp,
	}
	if d := e.Details; d != nil {
		grid.SpatialRef = d.SpatialRef
		grid.GeoTransform = d.GeoTransform
		if (d.Width != 0 && d.Width != dec.Width) || (d.Height != 0 && d.Height != dec.Height) {
			m.logger.Debug("raster size differs from manifest",
				"layer", e.Name,
				"manifest", fmt.Sprintf("%dx%d", d.Width, d.Height),
				"decoded", fmt.Sprintf("%dx%d", dec.Width, dec.Height),
			)
		}
	}
	return grid, nil
}

// isNoData compares at single precision too, since float32 rasters carry
// no-data values that do not round-trip through float64 exactly.
func isNoData(v, noData float64) bool {
	if math.IsNaN(noData) {
		return math.IsNaN(v)
	}
	return v == noData || float32(v) == float32(noData)
}

func (m *Materializer) vectorTable(a output.Archive, e domain.ManifestEntry) (*domain.VectorTable, error) {
	if m.vector == nil {
		return nil, errors.New("no vector decoder configured")
	}
	rc, err := a.Open(e.File())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	return m.vector.Decode(rc, output.VectorOptions{Aggregated: e.Aggregated})
}
