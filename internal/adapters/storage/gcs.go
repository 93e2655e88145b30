package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/jobrunner/orbis/internal/ports/output"
)

// GCSStorage implements ObjectStorage for Google Cloud Storage.
type GCSStorage struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// GCSConfig holds Google Cloud Storage configuration.
type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	Endpoint        string
}

// NewGCSStorage creates a new GCS storage adapter. Without a credentials
// file the application default credentials are used.
func NewGCSStorage(ctx context.Context, cfg GCSConfig) (*GCSStorage, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return &GCSStorage{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		prefix: cfg.Prefix,
	}, nil
}

// List returns the objects below the prefix matching one of the suffixes.
func (s *GCSStorage) List(ctx context.Context, suffixes ...string) ([]output.StorageObject, error) {
	var objects []output.StorageObject

	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		if !hasSuffix(attrs.Name, suffixes) {
			continue
		}

		objects = append(objects, output.StorageObject{
			Key:          relKey(s.prefix, attrs.Name),
			Size:         attrs.Size,
			LastModified: attrs.Updated.Unix(),
			ETag:         attrs.Etag,
		})
	}

	return objects, nil
}

// Download downloads an object to the local filesystem.
func (s *GCSStorage) Download(ctx context.Context, key string, dest string) error {
	body, err := s.GetReader(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	return writeFile(dest, body)
}

// GetReader returns a reader for the given object.
func (s *GCSStorage) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.bucket.Object(joinKey(s.prefix, key)).NewReader(ctx)
}

// Exists checks if an object exists.
func (s *GCSStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.bucket.Object(joinKey(s.prefix, key)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Put uploads r to key.
func (s *GCSStorage) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	w := s.bucket.Object(joinKey(s.prefix, key)).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Delete removes key.
func (s *GCSStorage) Delete(ctx context.Context, key string) error {
	err := s.bucket.Object(joinKey(s.prefix, key)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

// Presign returns a V4 signed GET URL valid for ttl.
func (s *GCSStorage) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	return s.bucket.SignedURL(joinKey(s.prefix, key), &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
}

// Close releases the client.
func (s *GCSStorage) Close() error {
	return s.client.Close()
}
