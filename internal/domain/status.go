package domain

import (
	"strconv"
	"time"
)

// StatusCode is the numeric query status reported by the platform.
// Codes whose leading decimal digit is 0 or 1 mean the query is still running.
type StatusCode int

// Query status codes.
const (
	StatusQueued          StatusCode = 0
	StatusInitializing    StatusCode = 1
	StatusRunning         StatusCode = 10
	StatusWriting         StatusCode = 11
	StatusPackaging       StatusCode = 12
	StatusSucceeded       StatusCode = 20
	StatusSucceededEmpty  StatusCode = 21
	StatusFailed          StatusCode = 30
	StatusDeletedUpstream StatusCode = 31
	StatusKilled          StatusCode = 40
)

// IsRunning reports whether the query has not finished yet.
func (c StatusCode) IsRunning() bool {
	if c < 0 {
		return false
	}
	s := strconv.Itoa(int(c))
	return s[0] == '0' || s[0] == '1'
}

// IsDownloadable reports whether the archive can be fetched.
func (c StatusCode) IsDownloadable() bool {
	return c == StatusSucceeded
}

// IsDeletedUpstream reports a result the platform dropped but that may
// still exist in the local archive cache.
func (c StatusCode) IsDeletedUpstream() bool {
	return c == StatusDeletedUpstream
}

// String returns a human-readable name.
func (c StatusCode) String() string {
	switch c {
	case StatusQueued:
		return "queued"
	case StatusInitializing:
		return "initializing"
	case StatusRunning:
		return "running"
	case StatusWriting:
		return "writing"
	case StatusPackaging:
		return "packaging"
	case StatusSucceeded:
		return "succeeded"
	case StatusSucceededEmpty:
		return "succeeded-empty"
	case StatusFailed:
		return "failed"
	case StatusDeletedUpstream:
		return "deleted"
	case StatusKilled:
		return "killed"
	}
	return "code-" + strconv.Itoa(int(c))
}

// QueryStatus is the last polled status of a query.
type QueryStatus struct {
	ID        string     `json:"id"`
	Code      StatusCode `json:"statusCode"`
	Message   string     `json:"rtStatus"`
	UpdatedAt time.Time  `json:"-"`
}

// QueryState is the client side lifecycle state of a query handle.
type QueryState int

// Query handle states.
const (
	StateDefined QueryState = iota
	StateSubmitted
	StatePolling
	StateDownloadable
	StateDownloaded
	StateParsed
	StateFailed
)

// String returns a human-readable name.
func (s QueryState) String() string {
	switch s {
	case StateDefined:
		return "defined"
	case StateSubmitted:
		return "submitted"
	case StatePolling:
		return "polling"
	case StateDownloadable:
		return "downloadable"
	case StateDownloaded:
		return "downloaded"
	case StateParsed:
		return "parsed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}
