package output

import (
	"context"

	"github.com/jobrunner/orbis/internal/domain"
)

// JobStore persists query ids and upload tracking ids across runs.
type JobStore interface {
	SaveQuery(ctx context.Context, rec domain.QueryRecord) error
	GetQuery(ctx context.Context, remoteID string) (*domain.QueryRecord, error)
	ListQueries(ctx context.Context, limit int) ([]domain.QueryRecord, error)
	SaveUpload(ctx context.Context, rec domain.UploadRecord) error
	ListUploads(ctx context.Context, limit int) ([]domain.UploadRecord, error)
	Close() error
}

// EventPublisher publishes lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.Event) error
	Close() error
}

// NoOpJobStore discards everything.
type NoOpJobStore struct{}

// SaveQuery implements JobStore.
func (NoOpJobStore) SaveQuery(context.Context, domain.QueryRecord) error { return nil }

// GetQuery implements JobStore.
func (NoOpJobStore) GetQuery(context.Context, string) (*domain.QueryRecord, error) {
	return nil, domain.ErrNotFound
}

// ListQueries implements JobStore.
func (NoOpJobStore) ListQueries(context.Context, int) ([]domain.QueryRecord, error) {
	return nil, nil
}

// SaveUpload implements JobStore.
func (NoOpJobStore) SaveUpload(context.Context, domain.UploadRecord) error { return nil }

// ListUploads implements JobStore.
func (NoOpJobStore) ListUploads(context.Context, int) ([]domain.UploadRecord, error) {
	return nil, nil
}

// Close implements JobStore.
func (NoOpJobStore) Close() error { return nil }

// NoOpPublisher drops events.
type NoOpPublisher struct{}

// Publish implements EventPublisher.
func (NoOpPublisher) Publish(context.Context, domain.Event) error { return nil }

// Close implements EventPublisher.
func (NoOpPublisher) Close() error { return nil }
