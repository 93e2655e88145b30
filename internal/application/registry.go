package application

import (
	"sort"
	"sync"
	"time"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/input"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// UploadRegistry keeps the latest state of every upload job seen by this
// process.
type UploadRegistry struct {
	mu      sync.RWMutex
	uploads map[string]*uploadEntry
	seq     int
	metrics output.MetricsCollector
}

type uploadEntry struct {
	info input.UploadInfo
	seq  int
}

// NewUploadRegistry creates a new upload registry.
func NewUploadRegistry(metrics output.MetricsCollector) *UploadRegistry {
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	return &UploadRegistry{
		uploads: make(map[string]*uploadEntry),
		metrics: metrics,
	}
}

// Record stores a snapshot of job. Jobs are keyed by ID.
func (r *UploadRegistry) Record(job *domain.UploadJob) {
	if job == nil || job.ID == "" {
		return
	}
	now := time.Now()

	r.mu.Lock()
	e, ok := r.uploads[job.ID]
	if !ok {
		r.seq++
		e = &uploadEntry{info: input.UploadInfo{ID: job.ID, TrackedAt: now}, seq: r.seq}
		r.uploads[job.ID] = e
	}
	info := &e.info
	info.Key = job.Key
	info.TrackingID = job.TrackingID
	info.LayerIDs = append([]int64(nil), job.LayerIDs...)
	info.Status = job.Status.Status
	info.Progress = job.Status.Progress
	info.Message = job.Status.Message
	info.Summary = append([]domain.FileSummary(nil), job.Status.Summary...)
	info.UpdatedAt = now
	info.Terminal = job.Status.Status.IsTerminal()
	r.mu.Unlock()

	r.updateMetrics()
}

// Get returns the upload with the given job ID.
func (r *UploadRegistry) Get(id string) (input.UploadInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.uploads[id]
	if !ok {
		return input.UploadInfo{}, domain.ErrUploadNotFound
	}
	return e.info, nil
}

// List returns all uploads in the order they were first seen.
func (r *UploadRegistry) List() []input.UploadInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*uploadEntry, 0, len(r.uploads))
	for _, e := range r.uploads {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	list := make([]input.UploadInfo, len(entries))
	for i, e := range entries {
		list[i] = e.info
	}
	return list
}

// HasKey reports whether an upload of the given storage key is tracked and
// has not failed.
func (r *UploadRegistry) HasKey(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.uploads {
		if e.info.Key == key && e.info.Status != domain.UploadFailed {
			return true
		}
	}
	return false
}

// InFlight returns the number of uploads that are not terminal yet.
func (r *UploadRegistry) InFlight() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.uploads {
		if !e.info.Terminal {
			n++
		}
	}
	return n
}

// Counts returns the number of uploads per status.
func (r *UploadRegistry) Counts() map[domain.UploadState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[domain.UploadState]int)
	for _, e := range r.uploads {
		counts[e.info.Status]++
	}
	return counts
}

// Count returns the number of tracked uploads.
func (r *UploadRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.uploads)
}

func (r *UploadRegistry) updateMetrics() {
	r.metrics.SetUploadsInFlight(r.InFlight())
}
