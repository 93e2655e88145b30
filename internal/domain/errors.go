package domain

import (
	"errors"
	"fmt"
	"time"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrInternal     = errors.New("internal error")
	ErrUnavailable  = errors.New("service unavailable")
	ErrUnauthorized = errors.New("unauthorized")
	ErrTimeout      = errors.New("timeout")
)

// Specific errors.
var (
	ErrLayerNotFound      = fmt.Errorf("layer: %w", ErrNotFound)
	ErrManifestMissing    = fmt.Errorf("manifest: %w", ErrNotFound)
	ErrArchiveNotFound    = fmt.Errorf("archive: %w", ErrNotFound)
	ErrUploadNotFound     = fmt.Errorf("upload: %w", ErrNotFound)
	ErrInvalidCoordinate  = fmt.Errorf("coordinate: %w", ErrInvalidInput)
	ErrInvalidSRID        = fmt.Errorf("srid: %w", ErrInvalidInput)
	ErrNoQuerySource      = fmt.Errorf("query has no definition, remote id or cached archive: %w", ErrInvalidInput)
	ErrNotSubmitted       = fmt.Errorf("query not submitted: %w", ErrInvalidInput)
	ErrNotDownloadable    = fmt.Errorf("query result not downloadable: %w", ErrUnavailable)
	ErrUnknownTrackingID  = fmt.Errorf("tracking id not recognized: %w", ErrNotFound)
	ErrNoTrackingID       = fmt.Errorf("upload has no tracking id: %w", ErrInvalidInput)
	ErrNotReady           = fmt.Errorf("service not ready: %w", ErrUnavailable)
	ErrStorageUnavailable = fmt.Errorf("storage: %w", ErrUnavailable)
	ErrLockHeld           = fmt.Errorf("cache lock held: %w", ErrUnavailable)
	ErrRateLimited        = errors.New("rate limited")
)

// ValidationError represents a detailed validation error.
type ValidationError struct {
	Field      string      // Field that failed validation
	Value      interface{} // The invalid value
	Constraint string      // The constraint that was violated
	Message    string      // Human-readable message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s (value: %v, constraint: %s)",
		e.Field, e.Message, e.Value, e.Constraint)
}

// Unwrap returns the underlying error type.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// APIError is a non-success response from the platform REST API.
type APIError struct {
	Operation  string // submit, status, download, ...
	RemoteID   string // query id or tracking id, if known
	StatusCode int    // HTTP status code, 0 for transport failures
	Message    string // server supplied message
	Err        error  // underlying transport error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.RemoteID != "" {
		return fmt.Sprintf("api error during %s for %s (status %d): %s",
			e.Operation, e.RemoteID, e.StatusCode, msg)
	}
	return fmt.Sprintf("api error during %s (status %d): %s", e.Operation, e.StatusCode, msg)
}

// Unwrap maps the HTTP status onto the sentinel errors.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == 401 || e.StatusCode == 403:
		return ErrUnauthorized
	case e.StatusCode == 404:
		return ErrNotFound
	case e.StatusCode == 400 || e.StatusCode == 422:
		return ErrInvalidInput
	case e.StatusCode >= 500 || e.StatusCode == 429:
		return ErrUnavailable
	case e.Err != nil:
		return e.Err
	}
	return ErrInternal
}

// StorageError represents an error during storage operations.
type StorageError struct {
	Operation string // Operation that failed (download, list, etc.)
	Key       string // Object key
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage error during %s for %s: %v",
			e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// LayerError represents a failure to materialize a single layer.
type LayerError struct {
	Layer string // Layer name
	Kind  LayerKind
	Err   error // Underlying error
}

// Error implements the error interface.
func (e *LayerError) Error() string {
	return fmt.Sprintf("layer %s (%s): %v", e.Layer, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *LayerError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a caller supplied wait bound elapses.
type TimeoutError struct {
	Operation string
	RemoteID  string
	After     time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s for %s timed out after %s", e.Operation, e.RemoteID, e.After)
}

// Unwrap returns ErrTimeout.
func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string // Configuration field
	Message string // Error message
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidInput
}
