package application

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// UploadServiceConfig holds configuration for the upload service.
type UploadServiceConfig struct {
	PollInterval   time.Duration
	StatusTimeout  time.Duration // Zero waits until a terminal status or ctx ends
	MetadataSuffix string
	PresignTTL     time.Duration
}

// UploadService submits upload jobs and follows their status. Every
// operation exists twice: the Async variants return a *Future at once, the
// plain variants block until the future resolves.
type UploadService struct {
	api      output.UploadAPI
	storage  output.ObjectStorage
	registry *UploadRegistry
	store    output.JobStore
	events   output.EventPublisher
	metrics  output.MetricsCollector
	logger   *slog.Logger
	config   UploadServiceConfig

	now   func() time.Time
	sleep sleeper
}

// NewUploadService creates a new upload service. storage may be nil, in
// which case jobs must carry a URL the platform can fetch.
func NewUploadService(
	api output.UploadAPI,
	storage output.ObjectStorage,
	registry *UploadRegistry,
	store output.JobStore,
	events output.EventPublisher,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	cfg UploadServiceConfig,
) *UploadService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MetadataSuffix == "" {
		cfg.MetadataSuffix = ".meta.json"
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = time.Hour
	}
	if store == nil {
		store = output.NoOpJobStore{}
	}
	if events == nil {
		events = output.NoOpPublisher{}
	}
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	if registry == nil {
		registry = NewUploadRegistry(metrics)
	}

	return &UploadService{
		api:      api,
		storage:  storage,
		registry: registry,
		store:    store,
		events:   events,
		metrics:  metrics,
		logger:   logger,
		config:   cfg,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Registry returns the registry the service reports to.
func (s *UploadService) Registry() *UploadRegistry {
	return s.registry
}

// Future is the pending result of an asynchronous upload operation. The job
// must not be touched until the future is done.
type Future struct {
	job  *domain.UploadJob
	done chan struct{}
	err  error
}

// Done is closed once the operation has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the operation finishes or ctx ends.
func (f *Future) Wait(ctx context.Context) (*domain.UploadJob, error) {
	select {
	case <-f.done:
		return f.job, f.err
	case <-ctx.Done():
		return f.job, ctx.Err()
	}
}

func (s *UploadService) start(ctx context.Context, job *domain.UploadJob, op func(context.Context, *domain.UploadJob) error) *Future {
	f := &Future{job: job, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.err = op(ctx, job)
	}()
	return f
}

// SubmitAsync starts submitting job.
func (s *UploadService) SubmitAsync(ctx context.Context, job *domain.UploadJob) *Future {
	return s.start(ctx, job, s.submit)
}

// StatusAsync starts checking the status of job. With poll set it keeps
// checking until a terminal status.
func (s *UploadService) StatusAsync(ctx context.Context, job *domain.UploadJob, poll bool) *Future {
	return s.start(ctx, job, func(ctx context.Context, job *domain.UploadJob) error {
		return s.status(ctx, job, poll)
	})
}

// SubmitAndCheckStatusAsync starts a submit followed by status polling.
func (s *UploadService) SubmitAndCheckStatusAsync(ctx context.Context, job *domain.UploadJob) *Future {
	return s.start(ctx, job, s.submitAndCheckStatus)
}

// Submit submits job and waits for the result.
func (s *UploadService) Submit(ctx context.Context, job *domain.UploadJob) error {
	_, err := s.SubmitAsync(ctx, job).Wait(ctx)
	return err
}

// Status checks the status of job once, or until terminal with poll set.
// Rejections by the platform are recorded as a FAILED status on the job,
// not returned.
func (s *UploadService) Status(ctx context.Context, job *domain.UploadJob, poll bool) error {
	_, err := s.StatusAsync(ctx, job, poll).Wait(ctx)
	return err
}

// SubmitAndCheckStatus submits job and polls its status until terminal.
func (s *UploadService) SubmitAndCheckStatus(ctx context.Context, job *domain.UploadJob) error {
	_, err := s.SubmitAndCheckStatusAsync(ctx, job).Wait(ctx)
	return err
}

func (s *UploadService) submitAndCheckStatus(ctx context.Context, job *domain.UploadJob) error {
	if err := s.submit(ctx, job); err != nil {
		return err
	}
	return s.status(ctx, job, true)
}

func (s *UploadService) submit(ctx context.Context, job *domain.UploadJob) error {
	if job.Key == "" {
		if job.FilePath == "" {
			return fmt.Errorf("upload job has neither a file nor a key: %w", domain.ErrInvalidInput)
		}
		job.Key = filepath.Base(job.FilePath)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.TrackingID != "" {
		s.logger.Debug("upload already submitted", "key", job.Key, "tracking_id", job.TrackingID)
		return nil
	}

	if s.storage != nil {
		if err := s.stage(ctx, job); err != nil {
			return s.fail(ctx, job, "stage", err)
		}
	}
	if len(job.LayerIDs) == 0 {
		return s.fail(ctx, job, "submit", fmt.Errorf("upload %s names no data layer: %w", job.Key, domain.ErrInvalidInput))
	}
	if job.URL == "" {
		return s.fail(ctx, job, "submit", fmt.Errorf("upload %s has no source url: %w", job.Key, domain.ErrInvalidInput))
	}

	body, err := job.Encode(domain.EncodingWire)
	if err != nil {
		return s.fail(ctx, job, "encode", err)
	}
	id, err := s.api.SubmitUpload(ctx, body)
	if err != nil {
		return s.fail(ctx, job, "submit", err)
	}

	job.TrackingID = id
	job.Err = nil
	job.Status = domain.UploadStatus{Status: domain.UploadInitializing, UpdatedAt: s.now()}
	s.logger.Info("upload submitted", "key", job.Key, "tracking_id", id, "layers", job.LayerIDs)
	s.record(ctx, job)
	s.publish(ctx, job, domain.EventUploadSubmitted)

	if job.Delete && s.storage != nil {
		if err := s.storage.Delete(ctx, job.Key); err != nil {
			s.logger.Warn("deleting staged object failed", "key", job.Key, "error", err)
		}
	}
	return nil
}

// stage presigns the object, merges a remote description and, for local
// jobs, uploads the file together with a description sidecar.
func (s *UploadService) stage(ctx context.Context, job *domain.UploadJob) error {
	url, err := s.storage.Presign(ctx, job.Key, s.config.PresignTTL)
	if err != nil {
		return err
	}
	job.URL = url

	metaKey := job.Key + s.config.MetadataSuffix
	if remote, err := s.remoteDescription(ctx, metaKey); err != nil {
		s.logger.Debug("no remote description", "key", metaKey, "error", err)
	} else {
		job.Merge(remote)
	}

	if !job.Local {
		return nil
	}
	if job.FilePath == "" {
		return fmt.Errorf("local upload %s has no file: %w", job.Key, domain.ErrInvalidInput)
	}

	f, err := os.Open(job.FilePath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if err := s.storage.Put(ctx, job.Key, f, fi.Size()); err != nil {
		return err
	}

	meta, err := job.Encode(domain.EncodingInternal)
	if err != nil {
		return err
	}
	if err := s.storage.Put(ctx, metaKey, bytes.NewReader(meta), int64(len(meta))); err != nil {
		return err
	}
	s.logger.Debug("upload staged", "key", job.Key, "bytes", fi.Size())
	return nil
}

func (s *UploadService) remoteDescription(ctx context.Context, key string) (*domain.UploadJob, error) {
	rc, err := s.storage.GetReader(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var remote domain.UploadJob
	if err := json.NewDecoder(io.LimitReader(rc, 1<<20)).Decode(&remote); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", key, err)
	}
	return &remote, nil
}

func (s *UploadService) fail(ctx context.Context, job *domain.UploadJob, op string, err error) error {
	s.logger.Error("upload failed", "operation", op, "key", job.Key, "tracking_id", job.TrackingID, "error", err)
	job.Err = err
	job.Status = domain.UploadStatus{Status: domain.UploadFailed, Message: err.Error(), UpdatedAt: s.now()}
	s.metrics.IncUploadCount(string(domain.UploadFailed))
	s.record(ctx, job)
	s.publish(ctx, job, domain.EventUploadFinished)
	return err
}

func (s *UploadService) status(ctx context.Context, job *domain.UploadJob, poll bool) error {
	if job.TrackingID == "" {
		return domain.ErrNoTrackingID
	}

	start := s.now()
	for {
		resp, err := s.api.UploadStatus(ctx, job.TrackingID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.terminate(ctx, job, err, start)
			return nil
		}

		switch resp.HTTPStatus {
		case http.StatusOK:
			if resp.Snapshot == nil {
				s.terminate(ctx, job, fmt.Errorf("empty status response: %w", domain.ErrInternal), start)
				return nil
			}
			snap := *resp.Snapshot
			snap.Resolve()
			if snap.UpdatedAt.IsZero() {
				snap.UpdatedAt = s.now()
			}
			job.Status = snap
			if snap.Status == domain.UploadFailed {
				job.Err = fmt.Errorf("upload %s failed: %s", job.TrackingID, failureDetail(&snap))
			}
			s.registry.Record(job)
			s.logger.Debug("upload status", "key", job.Key, "tracking_id", job.TrackingID, "status", snap.Status, "progress", snap.Progress)
		case http.StatusBadRequest:
			s.terminate(ctx, job, domain.ErrUnknownTrackingID, start)
			return nil
		case http.StatusUnauthorized:
			s.terminate(ctx, job, domain.ErrUnauthorized, start)
			return nil
		default:
			s.terminate(ctx, job, &domain.APIError{
				Operation:  "upload status",
				RemoteID:   job.TrackingID,
				StatusCode: resp.HTTPStatus,
				Message:    resp.Message,
			}, start)
			return nil
		}

		if job.Status.Status.IsTerminal() {
			s.finish(ctx, job, start)
			return nil
		}
		if !poll {
			return nil
		}

		wait := s.config.PollInterval
		if timeout := s.config.StatusTimeout; timeout > 0 {
			left := start.Add(timeout).Sub(s.now())
			if left <= 0 {
				s.logger.Error("upload did not finish in time", "key", job.Key, "tracking_id", job.TrackingID, "timeout", timeout)
				return &domain.TimeoutError{Operation: "upload status", RemoteID: job.TrackingID, After: timeout}
			}
			wait = min(wait, left)
		}
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// terminate records a failure reported by the status endpoint.
func (s *UploadService) terminate(ctx context.Context, job *domain.UploadJob, cause error, start time.Time) {
	job.Err = cause
	job.Status = domain.UploadStatus{
		Status:    domain.UploadFailed,
		Summary:   job.Status.Summary,
		Progress:  job.Status.Progress,
		UpdatedAt: s.now(),
		Message:   cause.Error(),
	}
	s.logger.Error("upload status check failed", "key", job.Key, "tracking_id", job.TrackingID, "error", cause)
	s.finish(ctx, job, start)
}

func (s *UploadService) finish(ctx context.Context, job *domain.UploadJob, start time.Time) {
	s.metrics.IncUploadCount(string(job.Status.Status))
	s.metrics.ObserveUploadDuration(s.now().Sub(start))
	if job.Status.Status == domain.UploadSucceeded {
		s.logger.Info("upload succeeded", "key", job.Key, "tracking_id", job.TrackingID)
	}
	s.record(ctx, job)
	s.publish(ctx, job, domain.EventUploadFinished)
}

func (s *UploadService) record(ctx context.Context, job *domain.UploadJob) {
	s.registry.Record(job)

	rec := domain.UploadRecord{
		JobID:      job.ID,
		TrackingID: job.TrackingID,
		Key:        job.Key,
		Status:     job.Status.Status,
		Message:    job.Status.Message,
		UpdatedAt:  s.now(),
	}
	if err := s.store.SaveUpload(ctx, rec); err != nil {
		s.logger.Warn("persisting upload failed", "id", job.ID, "error", err)
	}
}

func (s *UploadService) publish(ctx context.Context, job *domain.UploadJob, typ domain.EventType) {
	ev := domain.Event{
		Type:     typ,
		RemoteID: job.TrackingID,
		Status:   string(job.Status.Status),
		Message:  job.Status.Message,
		Time:     s.now(),
	}
	if ev.RemoteID == "" {
		ev.RemoteID = job.ID
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("publishing event failed", "type", typ, "id", ev.RemoteID, "error", err)
	}
}

// failureDetail names the first failed file of a snapshot.
func failureDetail(snap *domain.UploadStatus) string {
	for _, f := range snap.Summary {
		if f.Status < 0 {
			if f.Detail != "" {
				return f.Name + ": " + f.Detail
			}
			return f.Name
		}
	}
	if snap.Message != "" {
		return snap.Message
	}
	return "platform reported failure"
}
