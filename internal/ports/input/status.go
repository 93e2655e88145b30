// Package input defines the primary/driving ports of the application.
package input

import (
	"context"
	"time"

	"github.com/jobrunner/orbis/internal/domain"
)

// HealthChecker defines the primary port for health checks.
type HealthChecker interface {
	// IsHealthy returns true if the service is healthy.
	IsHealthy(ctx context.Context) bool

	// IsReady returns true if the service is ready to accept requests.
	IsReady(ctx context.Context) bool

	// GetHealthDetails returns detailed health information.
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails contains detailed health information.
type HealthDetails struct {
	Healthy         bool              // Overall health status
	Ready           bool              // Ready to accept requests
	UploadsTracked  int               // Upload jobs seen by this process
	UploadsInFlight int               // Upload jobs not yet terminal
	QueriesQueued   int               // Queries waiting for a slot
	QueriesRunning  int               // Queries submitted and not finished
	Components      map[string]string // Component statuses
}

// UploadTracker exposes the upload jobs of this process.
type UploadTracker interface {
	List() []UploadInfo
	Get(id string) (UploadInfo, error)
}

// UploadInfo is a point-in-time view of a tracked upload job.
type UploadInfo struct {
	ID         string               `json:"id"`
	Key        string               `json:"key"`
	TrackingID string               `json:"tracking_id,omitempty"`
	LayerIDs   []int64              `json:"layer_ids,omitempty"`
	Status     domain.UploadState   `json:"status"`
	Progress   float64              `json:"progress"`
	Message    string               `json:"message,omitempty"`
	Summary    []domain.FileSummary `json:"summary,omitempty"`
	TrackedAt  time.Time            `json:"tracked_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
	Terminal   bool                 `json:"terminal"`
}

// QueueObserver exposes the state of a project queue.
type QueueObserver interface {
	Snapshot() QueueSnapshot
}

// QueueEntry describes one query in a queue snapshot.
type QueueEntry struct {
	Name     string `json:"name"`
	RemoteID string `json:"remote_id,omitempty"`
	Hash     string `json:"hash,omitempty"`
	State    string `json:"state"`
	Status   string `json:"status,omitempty"`
}

// QueueSnapshot is a consistent view of all four project queues.
type QueueSnapshot struct {
	Queued    []QueueEntry `json:"queued"`
	Running   []QueueEntry `json:"running"`
	Completed []QueueEntry `json:"completed"`
	Failed    []QueueEntry `json:"failed"`
	Total     int          `json:"total"`
	TakenAt   time.Time    `json:"taken_at"`
}

// SyncTrigger starts an ingestion of new staged objects on request.
type SyncTrigger interface {
	// TriggerSync returns domain.ErrRateLimited when called too often.
	TriggerSync(ctx context.Context) (SyncResult, error)
}

// SyncResult contains the result of a sync operation.
type SyncResult struct {
	ObjectsFound     int       `json:"objects_found"`
	UploadsStarted   int       `json:"uploads_started"`
	UploadsSucceeded int       `json:"uploads_succeeded"`
	UploadsFailed    int       `json:"uploads_failed"`
	SyncedAt         time.Time `json:"synced_at"`
	NextScheduledAt  time.Time `json:"next_scheduled_at,omitempty"`
}
