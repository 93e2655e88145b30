package output

import "time"

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncQueryCount counts a finished query by outcome (succeeded, failed, cached, ...).
	IncQueryCount(outcome string)

	// ObserveQueryDuration records the time from submit to a terminal status.
	ObserveQueryDuration(duration time.Duration)

	// IncUploadCount counts an upload job reaching a terminal state.
	IncUploadCount(status string)

	// ObserveUploadDuration records the time from submit to terminal status.
	ObserveUploadDuration(duration time.Duration)

	// SetUploadsInFlight sets the number of upload jobs being processed.
	SetUploadsInFlight(count int)

	// SetQueueDepth sets the size of one project queue.
	SetQueueDepth(queue string, count int)

	// IncAPIRequests counts a platform API request.
	IncAPIRequests(operation string, status int)

	// IncStorageOperations increments storage operation counter.
	IncStorageOperations(operation string, success bool)

	// ObserveStorageDuration records storage operation duration.
	ObserveStorageDuration(operation string, duration time.Duration)
}

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

// IncQueryCount implements MetricsCollector.
func (n *NoOpMetrics) IncQueryCount(_ string) {}

// ObserveQueryDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveQueryDuration(_ time.Duration) {}

// IncUploadCount implements MetricsCollector.
func (n *NoOpMetrics) IncUploadCount(_ string) {}

// ObserveUploadDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveUploadDuration(_ time.Duration) {}

// SetUploadsInFlight implements MetricsCollector.
func (n *NoOpMetrics) SetUploadsInFlight(_ int) {}

// SetQueueDepth implements MetricsCollector.
func (n *NoOpMetrics) SetQueueDepth(_ string, _ int) {}

// IncAPIRequests implements MetricsCollector.
func (n *NoOpMetrics) IncAPIRequests(_ string, _ int) {}

// IncStorageOperations implements MetricsCollector.
func (n *NoOpMetrics) IncStorageOperations(_ string, _ bool) {}

// ObserveStorageDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveStorageDuration(_ string, _ time.Duration) {}
