package application

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/input"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// Project queue names.
const (
	QueueQueued    = "queued"
	QueueRunning   = "running"
	QueueCompleted = "completed"
	QueueFailed    = "failed"
)

// MaxConcurrentQueries is the number of queries the platform runs per user.
const MaxConcurrentQueries = 5

// ProjectQueueConfig holds configuration for a project queue.
type ProjectQueueConfig struct {
	MaxConcurrent int
	SubmitPause   time.Duration // Between two submissions
	PollInterval  time.Duration // Between two passes over the running queries
	LogEvery      time.Duration // Queue depth summary period
}

// QueueCounts returns the size of each queue in s.
func QueueCounts(s input.QueueSnapshot) map[string]int {
	return map[string]int{
		QueueQueued:    len(s.Queued),
		QueueRunning:   len(s.Running),
		QueueCompleted: len(s.Completed),
		QueueFailed:    len(s.Failed),
	}
}

// ProjectQueue runs more queries than the platform accepts at once. Queries
// move forward only: queued, running, then completed or failed.
//
// SubmitAllQueued drives the handles from a single goroutine; Snapshot may
// be called from any goroutine.
type ProjectQueue struct {
	cfg     ProjectQueueConfig
	metrics output.MetricsCollector
	logger  *slog.Logger

	queued    []*QueryHandle
	running   []*QueryHandle
	completed []*QueryHandle
	failed    []*QueryHandle

	mu   sync.RWMutex
	view input.QueueSnapshot

	lastLog time.Time
	now     func() time.Time
	sleep   sleeper
}

// NewProjectQueue sorts handles into their starting queues. Handles that
// already finished go straight to completed or failed.
func NewProjectQueue(handles []*QueryHandle, cfg ProjectQueueConfig, metrics output.MetricsCollector, logger *slog.Logger) (*ProjectQueue, error) {
	if cfg.MaxConcurrent < 1 || cfg.MaxConcurrent > MaxConcurrentQueries {
		return nil, &domain.ConfigError{
			Field:   "queue.max_concurrent",
			Message: fmt.Sprintf("must be between 1 and %d, got %d", MaxConcurrentQueries, cfg.MaxConcurrent),
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = time.Minute
	}
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}

	q := &ProjectQueue{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, h := range handles {
		if h == nil {
			continue
		}
		switch {
		case h.State() == domain.StateDownloaded || h.State() == domain.StateParsed:
			q.completed = append(q.completed, h)
		case h.State() == domain.StateFailed:
			q.failed = append(q.failed, h)
		case h.Submission() == nil:
			q.queued = append(q.queued, h)
		default:
			q.running = append(q.running, h)
		}
	}

	q.mu.Lock()
	q.refresh()
	q.mu.Unlock()
	return q, nil
}

// SubmitAllQueued submits, polls and downloads until no query is queued or
// running. It returns early only when ctx ends.
func (q *ProjectQueue) SubmitAllQueued(ctx context.Context) error {
	q.lastLog = q.now()
	q.logger.Info("project queue started",
		"queued", len(q.queued),
		"running", len(q.running),
		"completed", len(q.completed),
		"failed", len(q.failed),
		"max_concurrent", q.cfg.MaxConcurrent,
	)

	for {
		if err := q.fill(ctx); err != nil {
			return err
		}
		if len(q.queued) == 0 && len(q.running) == 0 {
			break
		}
		if err := q.pass(ctx); err != nil {
			return err
		}
		q.logProgress(false)

		if len(q.running) > 0 {
			if err := q.sleep(ctx, q.cfg.PollInterval); err != nil {
				return err
			}
		}
	}

	q.logProgress(true)
	return nil
}

// fill submits queued queries until the concurrency limit is reached.
func (q *ProjectQueue) fill(ctx context.Context) error {
	for len(q.running) < q.cfg.MaxConcurrent && len(q.queued) > 0 {
		if err := q.submitNext(ctx); err != nil {
			return err
		}
		if len(q.running) < q.cfg.MaxConcurrent && len(q.queued) > 0 {
			if err := q.sleep(ctx, q.cfg.SubmitPause); err != nil {
				return err
			}
		}
	}
	return nil
}

// submitNext moves the head of queued to running and submits it.
func (q *ProjectQueue) submitNext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := q.queued[0]
	q.transfer(h, &q.queued, &q.running)

	if err := h.Submit(ctx); err != nil {
		q.logger.Warn("query submission failed", "query", h.Name(), "error", err)
		q.transfer(h, &q.running, &q.failed)
		return nil
	}
	if h.State() == domain.StateDownloaded {
		q.transfer(h, &q.running, &q.completed)
	}
	return nil
}

// pass polls every running query once.
func (q *ProjectQueue) pass(ctx context.Context) error {
	for _, h := range slices.Clone(q.running) {
		st, err := h.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.transfer(h, &q.running, &q.failed)
			continue
		}

		switch {
		case st == nil:
			q.transfer(h, &q.running, &q.completed)
		case st.Code.IsRunning():
		case st.Code.IsDownloadable():
			err := h.Download(ctx, DownloadOptions{})
			if err != nil || h.BadDownloadFile() {
				q.logger.Warn("query download failed", "query", h.Name(), "id", h.RemoteID(), "bad_file", h.BadDownloadFile(), "error", err)
				q.transfer(h, &q.running, &q.failed)
			} else {
				q.transfer(h, &q.running, &q.completed)
			}
			if len(q.queued) > 0 {
				if err := q.submitNext(ctx); err != nil {
					return err
				}
			}
		case st.Code.IsDeletedUpstream():
			err := h.DownloadFromCache(ctx)
			if err != nil || h.BadDownloadFile() {
				q.logger.Warn("deleted query has no usable cached archive", "query", h.Name(), "id", h.RemoteID(), "error", err)
				q.transfer(h, &q.running, &q.failed)
			} else {
				q.transfer(h, &q.running, &q.completed)
			}
		default:
			q.transfer(h, &q.running, &q.failed)
		}
	}

	q.mu.Lock()
	q.refresh()
	q.mu.Unlock()
	return nil
}

// transfer moves h between two queues in one step, so observers never see
// it in both or in neither.
func (q *ProjectQueue) transfer(h *QueryHandle, from, to *[]*QueryHandle) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := slices.Index(*from, h); i >= 0 {
		*from = slices.Delete(*from, i, i+1)
	}
	*to = append(*to, h)
	q.refresh()
}

// refresh rebuilds the published view. q.mu must be held.
func (q *ProjectQueue) refresh() {
	q.view = input.QueueSnapshot{
		Queued:    entries(q.queued),
		Running:   entries(q.running),
		Completed: entries(q.completed),
		Failed:    entries(q.failed),
		TakenAt:   q.now(),
	}
	q.view.Total = len(q.queued) + len(q.running) + len(q.completed) + len(q.failed)

	for name, n := range QueueCounts(q.view) {
		q.metrics.SetQueueDepth(name, n)
	}
}

func entries(hs []*QueryHandle) []input.QueueEntry {
	out := make([]input.QueueEntry, 0, len(hs))
	for _, h := range hs {
		e := input.QueueEntry{
			Name:     h.Name(),
			RemoteID: h.RemoteID(),
			Hash:     h.Hash(),
			State:    h.State().String(),
		}
		if st := h.Status(); st != nil {
			e.Status = st.Code.String()
		}
		out = append(out, e)
	}
	return out
}

// Snapshot returns the current queue contents.
func (q *ProjectQueue) Snapshot() input.QueueSnapshot {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.view
}

// Completed returns the queries that finished with an archive.
func (q *ProjectQueue) Completed() []*QueryHandle {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return slices.Clone(q.completed)
}

// Failed returns the queries that did not produce an archive.
func (q *ProjectQueue) Failed() []*QueryHandle {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return slices.Clone(q.failed)
}

func (q *ProjectQueue) logProgress(force bool) {
	if !force && q.now().Sub(q.lastLog) < q.cfg.LogEvery {
		return
	}
	q.lastLog = q.now()
	q.logger.Info("project queue status",
		"queued", len(q.queued),
		"running", len(q.running),
		"completed", len(q.completed),
		"failed", len(q.failed),
	)
}
