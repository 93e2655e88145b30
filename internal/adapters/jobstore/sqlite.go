// Package jobstore persists query and upload traces in SQLite.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // driver

	"github.com/jobrunner/orbis/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS queries (
	remote_id    TEXT PRIMARY KEY,
	hash         TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL DEFAULT '',
	state        INTEGER NOT NULL,
	status_code  INTEGER NOT NULL,
	archive_path TEXT NOT NULL DEFAULT '',
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS queries_hash ON queries(hash);
CREATE TABLE IF NOT EXISTS uploads (
	job_id      TEXT PRIMARY KEY,
	tracking_id TEXT NOT NULL DEFAULT '',
	object_key  TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL DEFAULT '',
	updated_at  INTEGER NOT NULL
);`

// SQLiteStore implements the JobStore port.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens or creates the store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, &domain.StorageError{Operation: "open", Key: path, Err: err}
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &domain.StorageError{Operation: "open", Key: path, Err: err}
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &domain.StorageError{Operation: "open", Key: path, Err: err}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, &domain.StorageError{Operation: "migrate", Key: path, Err: err}
	}
	return &SQLiteStore{db: db}, nil
}

func stamp(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixNano()
}

// SaveQuery inserts or updates a query record.
func (s *SQLiteStore) SaveQuery(ctx context.Context, rec domain.QueryRecord) error {
	if rec.RemoteID == "" {
		return fmt.Errorf("query record without remote id: %w", domain.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queries (remote_id, hash, name, state, status_code, archive_path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET
			hash = CASE WHEN excluded.hash != '' THEN excluded.hash ELSE queries.hash END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE queries.name END,
			state = excluded.state,
			status_code = excluded.status_code,
			archive_path = CASE WHEN excluded.archive_path != '' THEN excluded.archive_path ELSE queries.archive_path END,
			updated_at = excluded.updated_at`,
		rec.RemoteID, rec.Hash, rec.Name, int(rec.State), int(rec.StatusCode), rec.ArchivePath, stamp(rec.UpdatedAt))
	if err != nil {
		return &domain.StorageError{Operation: "save-query", Key: rec.RemoteID, Err: err}
	}
	return nil
}

// GetQuery returns the record for remoteID.
func (s *SQLiteStore) GetQuery(ctx context.Context, remoteID string) (*domain.QueryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT remote_id, hash, name, state, status_code, archive_path, updated_at
		FROM queries WHERE remote_id = ?`, remoteID)

	rec, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query %s: %w", remoteID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, &domain.StorageError{Operation: "get-query", Key: remoteID, Err: err}
	}
	return &rec, nil
}

// ListQueries returns the most recently updated records first. A
// non-positive limit returns everything.
func (s *SQLiteStore) ListQueries(ctx context.Context, limit int) ([]domain.QueryRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT remote_id, hash, name, state, status_code, archive_path, updated_at
		FROM queries ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, &domain.StorageError{Operation: "list-queries", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []domain.QueryRecord
	for rows.Next() {
		rec, err := scanQuery(rows)
		if err != nil {
			return nil, &domain.StorageError{Operation: "list-queries", Err: err}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQuery(sc scanner) (domain.QueryRecord, error) {
	var (
		rec         domain.QueryRecord
		state, code int
		updated     int64
	)
	if err := sc.Scan(&rec.RemoteID, &rec.Hash, &rec.Name, &state, &code, &rec.ArchivePath, &updated); err != nil {
		return rec, err
	}
	rec.State = domain.QueryState(state)
	rec.StatusCode = domain.StatusCode(code)
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}

// SaveUpload inserts or updates an upload record.
func (s *SQLiteStore) SaveUpload(ctx context.Context, rec domain.UploadRecord) error {
	if rec.JobID == "" {
		return fmt.Errorf("upload record without job id: %w", domain.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploads (job_id, tracking_id, object_key, status, message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			tracking_id = CASE WHEN excluded.tracking_id != '' THEN excluded.tracking_id ELSE uploads.tracking_id END,
			object_key = excluded.object_key,
			status = excluded.status,
			message = excluded.message,
			updated_at = excluded.updated_at`,
		rec.JobID, rec.TrackingID, rec.Key, string(rec.Status), rec.Message, stamp(rec.UpdatedAt))
	if err != nil {
		return &domain.StorageError{Operation: "save-upload", Key: rec.JobID, Err: err}
	}
	return nil
}

// ListUploads returns the most recently updated records first.
func (s *SQLiteStore) ListUploads(ctx context.Context, limit int) ([]domain.UploadRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, tracking_id, object_key, status, message, updated_at
		FROM uploads ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, &domain.StorageError{Operation: "list-uploads", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []domain.UploadRecord
	for rows.Next() {
		var (
			rec     domain.UploadRecord
			status  string
			updated int64
		)
		if err := rows.Scan(&rec.JobID, &rec.TrackingID, &rec.Key, &status, &rec.Message, &updated); err != nil {
			return nil, &domain.StorageError{Operation: "list-uploads", Err: err}
		}
		rec.Status = domain.UploadState(status)
		rec.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
