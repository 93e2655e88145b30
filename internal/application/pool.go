package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jobrunner/orbis/internal/domain"
)

// Upload pool limits.
const (
	MaxUploadWorkers = 16
	MinPollInterval  = time.Second
)

// BatchReport summarizes a batch upload.
type BatchReport struct {
	Jobs        []*domain.UploadJob
	Succeeded   int
	Failed      int
	Unfinished  int // Neither succeeded nor failed, e.g. after a timeout
	MaxInFlight int
	Duration    time.Duration
}

// UploadPool runs submit-and-poll for many upload jobs with a bounded number
// in flight. A new job is admitted as soon as any running one finishes.
type UploadPool struct {
	svc     *UploadService
	workers int
	logger  *slog.Logger
}

// NewUploadPool validates the pool settings before any work starts.
func NewUploadPool(svc *UploadService, workers int, logger *slog.Logger) (*UploadPool, error) {
	if workers < 1 {
		return nil, &domain.ConfigError{Field: "upload.workers", Message: "must be at least 1"}
	}
	if workers > MaxUploadWorkers {
		return nil, &domain.ConfigError{
			Field:   "upload.workers",
			Message: fmt.Sprintf("%d exceeds the maximum of %d", workers, MaxUploadWorkers),
		}
	}
	if svc.config.PollInterval < MinPollInterval {
		return nil, &domain.ConfigError{
			Field:   "upload.poll_interval",
			Message: fmt.Sprintf("%s is below the minimum of %s", svc.config.PollInterval, MinPollInterval),
		}
	}
	return &UploadPool{svc: svc, workers: workers, logger: logger}, nil
}

// Workers returns the concurrency limit.
func (p *UploadPool) Workers() int {
	return p.workers
}

// BatchUpload submits every job and polls it to a terminal status. It
// returns once all admitted jobs are done. Job failures are recorded on the
// jobs and counted in the report; the error is only set when ctx ended.
func (p *UploadPool) BatchUpload(ctx context.Context, jobs []*domain.UploadJob) (*BatchReport, error) {
	start := time.Now()
	report := &BatchReport{Jobs: jobs}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		inFlight int
	)
	g.SetLimit(p.workers)

	p.logger.Info("batch upload started", "jobs", len(jobs), "workers", p.workers)
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			mu.Lock()
			inFlight++
			report.MaxInFlight = max(report.MaxInFlight, inFlight)
			mu.Unlock()

			defer func() {
				mu.Lock()
				inFlight--
				mu.Unlock()
			}()

			if err := p.svc.submitAndCheckStatus(ctx, job); err != nil {
				p.logger.Warn("upload job ended with error", "key", job.Key, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, job := range jobs {
		switch job.Status.Status {
		case domain.UploadSucceeded:
			report.Succeeded++
		case domain.UploadFailed:
			report.Failed++
		default:
			report.Unfinished++
		}
	}
	report.Duration = time.Since(start)

	p.logger.Info("batch upload finished",
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"unfinished", report.Unfinished,
		"max_in_flight", report.MaxInFlight,
		"duration", report.Duration,
	)
	return report, ctx.Err()
}

// BatchFuture is the pending result of BatchUploadAsync.
type BatchFuture struct {
	done   chan struct{}
	report *BatchReport
	err    error
}

// Done is closed once the batch has finished.
func (f *BatchFuture) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the batch finishes or ctx ends.
func (f *BatchFuture) Wait(ctx context.Context) (*BatchReport, error) {
	select {
	case <-f.done:
		return f.report, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BatchUploadAsync runs BatchUpload in the background.
func (p *UploadPool) BatchUploadAsync(ctx context.Context, jobs []*domain.UploadJob) *BatchFuture {
	f := &BatchFuture{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.report, f.err = p.BatchUpload(ctx, jobs)
	}()
	return f
}
