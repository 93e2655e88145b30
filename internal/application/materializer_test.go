package application

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// memArchive serves archive members from memory.
type memArchive map[string][]byte

func (a memArchive) Path() string                        { return "mem.zip" }
func (a memArchive) Manifest() (*domain.Manifest, error) { return nil, domain.ErrManifestMissing }
func (a memArchive) Close() error                        { return nil }
func (a memArchive) Open(name string) (io.ReadCloser, error) {
	b, ok := a[name]
	if !ok {
		return nil, domain.ErrLayerNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// corruptDecoder panics on members starting with "!" and decodes everything
// else as a 2x1 grid.
type corruptDecoder struct{}

func (corruptDecoder) Name() string                   { return "corrupt" }
func (corruptDecoder) Supports(domain.PixelType) bool { return true }
func (corruptDecoder) Decode(r io.Reader, _ domain.PixelType) (*output.DecodedRaster, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(b) > 0 && b[0] == '!' {
		panic("strip table out of range")
	}
	return &output.DecodedRaster{Width: 2, Height: 1, Samples: []float64{1, 2}}, nil
}

func TestMaterializeSkipsPanickingLayer(t *testing.T) {
	a := memArchive{
		"bad.tif":  []byte("!corrupt"),
		"good.tif": []byte("raster"),
	}
	man := &domain.Manifest{Entries: []domain.ManifestEntry{
		{Name: "bad.tif", Kind: domain.LayerRaster},
		{Name: "good.tif", Kind: domain.LayerRaster},
	}}

	m := NewMaterializer(corruptDecoder{}, nil, testLogger())
	layers, failed := m.Materialize(a, man)

	if len(layers) != 1 || layers[0].Name != "good.tif" {
		t.Fatalf("layers = %+v, want only good.tif", layers)
	}
	if len(failed) != 1 {
		t.Fatalf("failed = %v, want one error", failed)
	}
	var le *domain.LayerError
	if !errors.As(failed[0], &le) || le.Layer != "bad.tif" {
		t.Errorf("error = %v, want LayerError for bad.tif", failed[0])
	}
	if !errors.Is(failed[0], domain.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", failed[0])
	}
}
