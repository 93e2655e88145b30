// Package output defines the secondary/driven ports of the application.
package output

import (
	"context"
	"io"
	"time"
)

// ObjectStorage is the staging bucket uploads go through and results can be
// pushed to.
type ObjectStorage interface {
	// List returns the objects below the configured prefix whose key ends
	// in one of the given suffixes. No suffix lists everything.
	List(ctx context.Context, suffixes ...string) ([]StorageObject, error)

	// Download copies an object to the local filesystem.
	Download(ctx context.Context, key string, dest string) error

	// GetReader returns a reader for the given object.
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Put stores the content of r under key.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Presign returns a short-lived URL the platform can read the object from.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// StorageObject represents a file in object storage.
type StorageObject struct {
	Key          string // Object key/path
	Size         int64  // Size in bytes
	LastModified int64  // Unix timestamp
	ETag         string // Content hash
}

// StorageType represents the type of storage backend.
type StorageType string

const (
	StorageTypeNone  StorageType = "none"
	StorageTypeS3    StorageType = "s3"
	StorageTypeAzure StorageType = "azure"
	StorageTypeGCS   StorageType = "gcs"
	StorageTypeHTTP  StorageType = "http"
	StorageTypeLocal StorageType = "local"
)
