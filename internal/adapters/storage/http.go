package storage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// HTTPStorage is a read-only mirror served over HTTP(S). Objects are
// enumerated through an index file with one key per line.
type HTTPStorage struct {
	client    *http.Client
	baseURL   string
	indexFile string
	username  string
	password  string
}

// HTTPConfig holds HTTP storage configuration.
type HTTPConfig struct {
	BaseURL   string
	IndexFile string // default: index.txt
	Timeout   time.Duration
	Username  string
	Password  string
}

// NewHTTPStorage creates a new HTTP storage adapter.
func NewHTTPStorage(cfg HTTPConfig) *HTTPStorage {
	if cfg.IndexFile == "" {
		cfg.IndexFile = "index.txt"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}

	return &HTTPStorage{
		client:    &http.Client{Timeout: cfg.Timeout},
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		indexFile: cfg.IndexFile,
		username:  cfg.Username,
		password:  cfg.Password,
	}
}

func (s *HTTPStorage) get(ctx context.Context, method, key string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+"/"+key, nil)
	if err != nil {
		return nil, err
	}
	if s.username != "" && s.password != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	return s.client.Do(req)
}

// List returns the keys of the index file matching one of the suffixes. An
// index line holds a key, optionally followed by the size in bytes.
func (s *HTTPStorage) List(ctx context.Context, suffixes ...string) ([]output.StorageObject, error) {
	resp, err := s.get(ctx, http.MethodGet, s.indexFile)
	if err != nil {
		return nil, fmt.Errorf("fetching index file: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("index file returned status %d", resp.StatusCode)
	}

	var objects []output.StorageObject
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || !hasSuffix(strings.Fields(line)[0], suffixes) {
			continue
		}
		fields := strings.Fields(line)
		obj := output.StorageObject{Key: fields[0]}
		if len(fields) > 1 {
			obj.Size, _ = strconv.ParseInt(fields[1], 10, 64)
		}
		objects = append(objects, obj)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading index file: %w", err)
	}

	return objects, nil
}

// Download downloads a file to the local filesystem.
func (s *HTTPStorage) Download(ctx context.Context, key string, dest string) error {
	body, err := s.GetReader(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	return writeFile(dest, body)
}

// GetReader returns a reader for the given file.
func (s *HTTPStorage) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.get(ctx, http.MethodGet, key)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", key, err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, &domain.StorageError{Operation: "get", Key: key, Err: domain.ErrNotFound}
	default:
		_ = resp.Body.Close()
		return nil, &domain.StorageError{Operation: "get", Key: key, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
}

// Exists checks if a file exists via HTTP HEAD request.
func (s *HTTPStorage) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := s.get(ctx, http.MethodHead, key)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &domain.StorageError{Operation: "exists", Key: key, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
}

// Put is not supported by a read-only mirror.
func (s *HTTPStorage) Put(_ context.Context, key string, _ io.Reader, _ int64) error {
	return &domain.StorageError{Operation: "put", Key: key, Err: domain.ErrUnsupported}
}

// Delete is not supported by a read-only mirror.
func (s *HTTPStorage) Delete(_ context.Context, key string) error {
	return &domain.StorageError{Operation: "delete", Key: key, Err: domain.ErrUnsupported}
}

// Presign returns the plain object URL. Mirrors protected by basic auth
// cannot hand out anonymous URLs.
func (s *HTTPStorage) Presign(_ context.Context, key string, _ time.Duration) (string, error) {
	if s.username != "" {
		return "", &domain.StorageError{Operation: "presign", Key: key, Err: domain.ErrUnsupported}
	}
	return s.baseURL + "/" + key, nil
}
