// Package archive opens and validates downloaded result archives.
package archive

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// Opener opens ZIP result archives.
type Opener struct{}

// NewOpener creates a new archive opener.
func NewOpener() *Opener {
	return &Opener{}
}

// Open opens and validates the archive at p. Truncated or otherwise corrupt
// files fail here.
func (o *Opener) Open(p string) (output.Archive, error) {
	r, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", p, err)
	}
	if len(r.File) == 0 {
		_ = r.Close()
		return nil, fmt.Errorf("archive %s is empty: %w", p, domain.ErrInvalidInput)
	}
	return &Archive{path: p, r: r}, nil
}

// Archive is an opened ZIP result archive.
type Archive struct {
	path string
	r    *zip.ReadCloser
}

// Path returns the archive location.
func (a *Archive) Path() string {
	return a.path
}

// Close closes the archive.
func (a *Archive) Close() error {
	return a.r.Close()
}

// find returns the member whose base name is name. Some servers nest the
// payload in a directory.
func (a *Archive) find(name string) *zip.File {
	for _, f := range a.r.File {
		if f.Name == name || path.Base(f.Name) == name {
			return f
		}
	}
	return nil
}

// Open opens one member.
func (a *Archive) Open(name string) (io.ReadCloser, error) {
	f := a.find(name)
	if f == nil {
		return nil, fmt.Errorf("%s in %s: %w", name, a.path, domain.ErrNotFound)
	}
	return f.Open()
}

// Manifest parses the manifest and attaches the acknowledgement text.
func (a *Archive) Manifest() (*domain.Manifest, error) {
	m, err := a.readManifest()
	if err != nil {
		return nil, err
	}

	if f := a.find(domain.AcknowledgementFilename); f != nil {
		if rc, err := f.Open(); err == nil {
			b, _ := io.ReadAll(io.LimitReader(rc, 1<<20))
			_ = rc.Close()
			m.Acknowledgement = strings.TrimSpace(string(b))
		}
	}
	return m, nil
}

func (a *Archive) readManifest() (*domain.Manifest, error) {
	f := a.find(domain.ManifestFilename)
	if f == nil {
		if a.find(domain.DefaultVectorFilename) != nil {
			return &domain.Manifest{
				Entries: []domain.ManifestEntry{{
					Name:     strings.TrimSuffix(domain.DefaultVectorFilename, path.Ext(domain.DefaultVectorFilename)),
					Filename: domain.DefaultVectorFilename,
					Kind:     domain.LayerVector,
				}},
				Synthesized: true,
			}, nil
		}
		return nil, fmt.Errorf("%s: %w", a.path, domain.ErrManifestMissing)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var m domain.Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, fmt.Errorf("parsing %s in %s: %w", domain.ManifestFilename, a.path, err)
	}

	for i := range m.Entries {
		if m.Entries[i].Kind == "" {
			m.Entries[i].Kind = kindFromName(m.Entries[i].File())
		}
	}
	return &m, nil
}

func kindFromName(name string) domain.LayerKind {
	switch strings.ToLower(path.Ext(name)) {
	case ".tif", ".tiff":
		return domain.LayerRaster
	}
	return domain.LayerVector
}
