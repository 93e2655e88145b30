// Package cache indexes downloaded result archives by query content hash.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FSIndex finds archives by globbing the download directory for names built
// by domain.ArchiveFilename. It assumes a single writer per directory.
type FSIndex struct {
	dir string
}

// NewFSIndex creates an index over dir.
func NewFSIndex(dir string) *FSIndex {
	return &FSIndex{dir: dir}
}

// Lookup returns the most recently modified archive for hash.
func (x *FSIndex) Lookup(_ context.Context, hash string) (string, bool, error) {
	if hash == "" {
		return "", false, nil
	}
	matches, err := filepath.Glob(filepath.Join(x.dir, hash+"_*.zip"))
	if err != nil {
		return "", false, fmt.Errorf("globbing %s: %w", x.dir, err)
	}

	var (
		newest  string
		newestT time.Time
	)
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil || fi.IsDir() || fi.Size() == 0 {
			continue
		}
		if newest == "" || fi.ModTime().After(newestT) || (fi.ModTime().Equal(newestT) && m > newest) {
			newest, newestT = m, fi.ModTime()
		}
	}
	return newest, newest != "", nil
}

// Record is a no-op: the archive name carries the hash.
func (x *FSIndex) Record(context.Context, string, string) error {
	return nil
}

// Lock returns a no-op unlock.
func (x *FSIndex) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}
