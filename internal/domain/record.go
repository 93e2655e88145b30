package domain

import "time"

// QueryRecord is the persisted trace of a submitted query. It lets a later
// run rehydrate a handle from its remote id.
type QueryRecord struct {
	RemoteID    string
	Hash        string
	Name        string
	State       QueryState
	StatusCode  StatusCode
	ArchivePath string
	UpdatedAt   time.Time
}

// UploadRecord is the persisted trace of an upload job.
type UploadRecord struct {
	JobID      string
	TrackingID string
	Key        string
	Status     UploadState
	Message    string
	UpdatedAt  time.Time
}

// EventType classifies lifecycle events.
type EventType string

// Event types.
const (
	EventQuerySubmitted  EventType = "query.submitted"
	EventQueryFinished   EventType = "query.finished"
	EventQueryFailed     EventType = "query.failed"
	EventQueryDownloaded EventType = "query.downloaded"
	EventUploadSubmitted EventType = "upload.submitted"
	EventUploadFinished  EventType = "upload.finished"
)

// Event is a lifecycle notification published to observers.
type Event struct {
	Type     EventType `json:"type"`
	RemoteID string    `json:"remoteId"`
	Hash     string    `json:"hash,omitempty"`
	Status   string    `json:"status,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}
