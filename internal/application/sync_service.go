package application

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/input"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// SyncConfig holds configuration for the sync service.
type SyncConfig struct {
	Prefix         string
	Interval       time.Duration
	MetadataSuffix string
	Template       domain.UploadJob // Fields copied into every new job
}

// SyncService periodically ingests new objects found in staging storage.
// Every object under the prefix that is not tracked yet becomes an upload
// job.
type SyncService struct {
	storage  output.ObjectStorage
	pool     *UploadPool
	registry *UploadRegistry
	cfg      SyncConfig
	logger   *slog.Logger

	// Lifecycle management
	stopCh chan struct{}
	wg     sync.WaitGroup

	// Rate limiting for API triggers
	lastAPISync time.Time
	apiMutex    sync.Mutex

	// Prevents concurrent sync operations
	syncOpMutex sync.Mutex

	// Track next scheduled sync for reporting
	nextSync time.Time
	syncMu   sync.RWMutex
}

// NewSyncService creates a new sync service.
func NewSyncService(storage output.ObjectStorage, pool *UploadPool, registry *UploadRegistry, cfg SyncConfig, logger *slog.Logger) *SyncService {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MetadataSuffix == "" {
		cfg.MetadataSuffix = ".meta.json"
	}
	return &SyncService{
		storage:  storage,
		pool:     pool,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
		// Initialize to past time to allow immediate first API call
		lastAPISync: time.Now().Add(-31 * time.Second),
	}
}

// Start begins the periodic sync scheduler.
func (s *SyncService) Start(ctx context.Context) {
	s.logger.Info("starting sync service", "interval", s.cfg.Interval, "prefix", s.cfg.Prefix)

	s.wg.Add(1)
	go s.run(ctx)
}

func (s *SyncService) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.setNextSync(time.Now().Add(s.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync service stopped: context canceled")
			return
		case <-s.stopCh:
			s.logger.Info("sync service stopped")
			return
		case <-ticker.C:
			s.logger.Debug("scheduled sync triggered")
			if _, err := s.Sync(ctx); err != nil {
				s.logger.Error("sync failed", "error", err)
			}
			s.setNextSync(time.Now().Add(s.cfg.Interval))
		}
	}
}

// Stop gracefully stops the sync service.
func (s *SyncService) Stop() {
	s.logger.Info("stopping sync service")
	close(s.stopCh)
	s.wg.Wait()
}

// TriggerSync manually triggers a sync operation with rate limiting.
// Returns domain.ErrRateLimited if called more than 2 times per minute.
func (s *SyncService) TriggerSync(ctx context.Context) (input.SyncResult, error) {
	s.apiMutex.Lock()
	defer s.apiMutex.Unlock()

	// Rate limit: 30 seconds cooldown (allows ~2 requests per minute)
	if time.Since(s.lastAPISync) < 30*time.Second {
		return input.SyncResult{}, domain.ErrRateLimited
	}
	s.lastAPISync = time.Now()

	return s.Sync(ctx)
}

// Sync lists staging storage once and uploads every new object.
func (s *SyncService) Sync(ctx context.Context) (input.SyncResult, error) {
	// Prevent concurrent sync operations
	s.syncOpMutex.Lock()
	defer s.syncOpMutex.Unlock()

	objects, err := s.storage.List(ctx)
	if err != nil {
		return input.SyncResult{}, err
	}

	var jobs []*domain.UploadJob
	found := 0
	for _, obj := range objects {
		if !s.candidate(obj.Key) {
			continue
		}
		found++
		if s.registry.HasKey(obj.Key) {
			s.logger.Debug("object already uploaded, skipping", "key", obj.Key)
			continue
		}
		jobs = append(jobs, s.newJob(obj.Key))
	}

	result := input.SyncResult{ObjectsFound: found, UploadsStarted: len(jobs)}
	if len(jobs) > 0 {
		report, err := s.pool.BatchUpload(ctx, jobs)
		if report != nil {
			result.UploadsSucceeded = report.Succeeded
			result.UploadsFailed = report.Failed
		}
		if err != nil {
			return result, err
		}
	}
	result.SyncedAt = time.Now()
	result.NextScheduledAt = s.getNextSync()

	s.logger.Info("sync completed",
		"found", result.ObjectsFound,
		"started", result.UploadsStarted,
		"succeeded", result.UploadsSucceeded,
		"failed", result.UploadsFailed,
	)
	return result, nil
}

// candidate reports whether key is a data object under the prefix.
func (s *SyncService) candidate(key string) bool {
	if !strings.HasPrefix(key, s.cfg.Prefix) {
		return false
	}
	return !strings.HasSuffix(key, s.cfg.MetadataSuffix) && !strings.HasSuffix(key, "/")
}

func (s *SyncService) newJob(key string) *domain.UploadJob {
	t := s.cfg.Template
	return &domain.UploadJob{
		Key:           key,
		LayerIDs:      append([]int64(nil), t.LayerIDs...),
		Conversion:    t.Conversion,
		Preprocessing: append([]domain.PreprocessingStep(nil), t.Preprocessing...),
		Delete:        t.Delete,
	}
}

func (s *SyncService) setNextSync(t time.Time) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.nextSync = t
}

func (s *SyncService) getNextSync() time.Time {
	s.syncMu.RLock()
	defer s.syncMu.RUnlock()
	return s.nextSync
}

// Interval returns the sync interval.
func (s *SyncService) Interval() time.Duration {
	return s.cfg.Interval
}
