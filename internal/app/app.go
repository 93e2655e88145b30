// Package app provides application initialization and wiring.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/semaphore"

	"github.com/jobrunner/orbis/internal/adapters/api"
	"github.com/jobrunner/orbis/internal/adapters/archive"
	"github.com/jobrunner/orbis/internal/adapters/auth"
	"github.com/jobrunner/orbis/internal/adapters/cache"
	"github.com/jobrunner/orbis/internal/adapters/events"
	httpAdapter "github.com/jobrunner/orbis/internal/adapters/http"
	"github.com/jobrunner/orbis/internal/adapters/jobstore"
	"github.com/jobrunner/orbis/internal/adapters/metrics"
	"github.com/jobrunner/orbis/internal/adapters/raster"
	"github.com/jobrunner/orbis/internal/adapters/storage"
	"github.com/jobrunner/orbis/internal/adapters/vector"
	"github.com/jobrunner/orbis/internal/adapters/watcher"
	"github.com/jobrunner/orbis/internal/application"
	"github.com/jobrunner/orbis/internal/config"
	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// App holds all application components.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Client       *api.Client
	Storage      output.ObjectStorage
	Index        output.ArchiveIndex
	Store        output.JobStore
	Events       output.EventPublisher
	Metrics      *metrics.Collector
	Registry     *application.UploadRegistry
	Queries      *application.QueryService
	Uploads      *application.UploadService
	Pool         *application.UploadPool
	Sync         *application.SyncService
	Health       *application.HealthService
	StatusServer *httpAdapter.Server
	Watcher      *watcher.Watcher

	collector  output.MetricsCollector
	inboxSlots *semaphore.Weighted
	inboxWG    sync.WaitGroup
	closers    []io.Closer
}

// New creates and initializes a new application. Nothing is started; the
// only network traffic is the connection check of Redis and Kafka when
// they are configured.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize metrics
	var metricsCollector output.MetricsCollector = &output.NoOpMetrics{}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		app.Metrics = metrics.NewCollector(cfg.Metrics.Namespace, reg)
		metricsCollector = app.Metrics
		metricsHandler = metrics.Handler(reg)
	}
	app.collector = metricsCollector

	// Initialize platform client
	httpClient := api.NewHTTPClient(cfg.Server.VerifyTLS, cfg.Server.Timeout)
	baseURL := api.BaseURL(cfg.Server.Protocol, cfg.Server.Host, cfg.Server.BasePath)
	provider, err := initAuth(cfg.Server, baseURL, httpClient)
	if err != nil {
		return nil, fmt.Errorf("initializing credentials: %w", err)
	}
	app.Client = api.NewClient(api.Config{
		BaseURL:        baseURL,
		VerifyTLS:      cfg.Server.VerifyTLS,
		Timeout:        cfg.Server.Timeout,
		Retries:        cfg.Server.Retries,
		RetryBaseDelay: cfg.Server.RetryBaseDelay,
		RetryMaxDelay:  cfg.Server.RetryMaxDelay,
	}, httpClient, provider, metricsCollector, logger)

	// Initialize storage adapter
	app.Storage, err = initStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	if c, ok := app.Storage.(io.Closer); ok {
		app.closers = append(app.closers, c)
	}

	downloadDir, err := homedir.Expand(cfg.Query.DownloadDir)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("expanding download dir: %w", err)
	}
	if err := os.MkdirAll(downloadDir, 0750); err != nil {
		app.close()
		return nil, fmt.Errorf("creating download dir: %w", err)
	}

	// Initialize archive cache index
	switch cfg.Query.CacheIndex {
	case "redis":
		idx, err := cache.NewRedisIndex(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			LockTTL:  cfg.Redis.LockTTL,
		})
		if err != nil {
			app.close()
			return nil, fmt.Errorf("initializing cache index: %w", err)
		}
		app.Index = idx
		app.closers = append(app.closers, idx)
	default:
		app.Index = cache.NewFSIndex(downloadDir)
	}

	// Initialize job store
	app.Store = output.NoOpJobStore{}
	if cfg.JobStore.Enabled {
		dbPath, err := homedir.Expand(cfg.JobStore.Path)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("expanding job store path: %w", err)
		}
		st, err := jobstore.Open(ctx, dbPath)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("opening job store: %w", err)
		}
		app.Store = st
		app.closers = append(app.closers, st)
	}

	// Initialize event publisher
	app.Events = output.NoOpPublisher{}
	if cfg.Kafka.Enabled {
		pub, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("initializing event publisher: %w", err)
		}
		app.Events = pub
		app.closers = append(app.closers, pub)
	}

	// Initialize layer decoding
	rasterDecoder, err := raster.Select(cfg.Raster.Decoder, logger)
	if err != nil {
		app.close()
		return nil, err
	}
	materializer := application.NewMaterializer(rasterDecoder, vector.NewDecoder(cfg.Vector.H3Resolution), logger)

	// Initialize query service
	app.Queries, err = application.NewQueryService(
		app.Client,
		archive.NewOpener(),
		app.Index,
		materializer,
		app.Store,
		app.Events,
		metricsCollector,
		logger,
		application.QueryServiceConfig{
			DownloadDir:       downloadDir,
			ReuseCache:        cfg.Query.ReuseCache,
			PollInterval:      cfg.Query.PollInterval,
			BucketTimeout:     cfg.Query.BucketTimeout,
			ManifestCacheSize: cfg.Query.ManifestCacheSize,
		},
	)
	if err != nil {
		app.close()
		return nil, err
	}

	// Initialize upload service and pool
	app.Registry = application.NewUploadRegistry(metricsCollector)
	app.Uploads = application.NewUploadService(
		app.Client,
		app.Storage,
		app.Registry,
		app.Store,
		app.Events,
		metricsCollector,
		logger,
		application.UploadServiceConfig{
			PollInterval:   cfg.Upload.PollInterval,
			StatusTimeout:  cfg.Upload.StatusTimeout,
			MetadataSuffix: cfg.Upload.MetadataSuffix,
			PresignTTL:     cfg.Storage.PresignTTL,
		},
	)
	app.Pool, err = application.NewUploadPool(app.Uploads, cfg.Upload.Workers, logger)
	if err != nil {
		app.close()
		return nil, err
	}
	app.inboxSlots = semaphore.NewWeighted(int64(cfg.Upload.Workers))

	if app.Storage != nil {
		app.Sync = application.NewSyncService(app.Storage, app.Pool, app.Registry, application.SyncConfig{
			Prefix:         cfg.Upload.SyncPrefix,
			Interval:       cfg.Upload.SyncInterval,
			MetadataSuffix: cfg.Upload.MetadataSuffix,
			Template:       domain.UploadJob{LayerIDs: cfg.Upload.LayerIDs},
		}, logger)
	}

	// Initialize health service
	app.Health = application.NewHealthService(app.Registry)
	if app.Storage != nil {
		app.Health.AddCheck("storage", app.checkStorage)
	}

	// Initialize status server
	if cfg.Status.Enabled {
		opts := httpAdapter.Options{
			Uploads:     app.Registry,
			Metrics:     metricsHandler,
			MetricsPath: cfg.Metrics.Path,
		}
		if app.Sync != nil {
			opts.Sync = app.Sync
		}
		app.StatusServer = httpAdapter.NewServer(cfg.Status, app.Health, opts, logger)
	}

	// Initialize inbox watcher
	if len(cfg.Upload.Inbox) > 0 {
		if app.Storage == nil {
			logger.Warn("upload inbox needs staging storage, inbox disabled", "inbox", cfg.Upload.Inbox)
		} else {
			w, err := watcher.New(watcher.Config{Paths: cfg.Upload.Inbox}, app.handleInboxEvent, logger)
			if err != nil {
				logger.Warn("failed to initialize inbox watcher", "error", err)
			} else {
				app.Watcher = w
			}
		}
	}

	return app, nil
}

// Start starts the background components: the status server, the inbox
// watcher and the sync scheduler. It does not block.
func (a *App) Start(ctx context.Context) error {
	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start inbox watcher", "error", err)
		}
	}

	if a.Sync != nil && a.Config.Upload.SyncInterval > 0 {
		a.Sync.Start(ctx)
	}

	if a.StatusServer != nil {
		go func() {
			if err := a.StatusServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("status server error", "error", err)
			}
		}()
	}
	return nil
}

// MetricsCollector returns the collector shared by all components. It is a
// no-op collector when metrics are disabled.
func (a *App) MetricsCollector() output.MetricsCollector {
	return a.collector
}

// WatchQueue reports q on the status server and in health details.
func (a *App) WatchQueue(q *application.ProjectQueue) {
	a.Health.SetQueue(q)
	if a.StatusServer != nil {
		a.StatusServer.SetQueue(q)
	}
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	// Stop watcher
	if a.Watcher != nil {
		_ = a.Watcher.Stop()
	}

	if a.Sync != nil && a.Config.Upload.SyncInterval > 0 {
		a.Sync.Stop()
	}

	// Shutdown status server
	if a.StatusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Status.ShutdownTimeout)
		defer cancel()
		if err := a.StatusServer.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("status server shutdown error", "error", err)
		}
	}

	// Wait for inbox uploads
	done := make(chan struct{})
	go func() {
		a.inboxWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.Logger.Warn("inbox uploads still running at shutdown")
	}

	a.close()
	return nil
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.Logger.Error("close failed", "error", err)
		}
	}
	a.closers = nil
}

// handleInboxEvent stages and uploads a file dropped into an inbox. The
// number of inbox uploads in flight is bounded by the pool size.
func (a *App) handleInboxEvent(ctx context.Context, event watcher.Event) error {
	if event.Operation == watcher.OpDelete {
		return nil
	}
	if strings.HasSuffix(event.Path, a.Config.Upload.MetadataSuffix) {
		return nil
	}
	a.Logger.Info("inbox file", "path", event.Path, "operation", event.Operation.String())

	job := a.inboxJob(event.Path)
	if a.Registry.HasKey(job.Key) {
		a.Logger.Debug("inbox file already uploaded", "key", job.Key)
		return nil
	}

	a.inboxWG.Add(1)
	go func() {
		defer a.inboxWG.Done()
		if err := a.inboxSlots.Acquire(ctx, 1); err != nil {
			return
		}
		defer a.inboxSlots.Release(1)

		if err := a.Uploads.SubmitAndCheckStatus(ctx, job); err != nil {
			a.Logger.Warn("inbox upload failed", "path", event.Path, "error", err)
		}
	}()
	return nil
}

// inboxJob builds the upload job of an inbox file. A sidecar next to the
// file overrides the configured layer ids.
func (a *App) inboxJob(p string) *domain.UploadJob {
	job := &domain.UploadJob{LayerIDs: a.Config.Upload.LayerIDs}
	sidecar := p + a.Config.Upload.MetadataSuffix
	if b, err := os.ReadFile(sidecar); err == nil { //#nosec G304 -- inbox paths are operator configuration
		var meta domain.UploadJob
		if err := json.Unmarshal(b, &meta); err != nil {
			a.Logger.Warn("ignoring unreadable sidecar", "path", sidecar, "error", err)
		} else {
			job.Merge(&meta)
		}
	}
	job.FilePath = p
	job.Local = true
	job.Key = path.Join(a.Config.Upload.SyncPrefix, filepath.Base(p))
	return job
}

func (a *App) checkStorage(ctx context.Context) string {
	if _, err := a.Storage.Exists(ctx, path.Join(a.Config.Upload.SyncPrefix, ".orbis-health")); err != nil {
		return err.Error()
	}
	return "ok"
}

// initAuth builds the credential provider for the platform.
func initAuth(cfg config.ServerConfig, baseURL string, client *http.Client) (auth.Provider, error) {
	switch cfg.Auth {
	case "bearer":
		if cfg.APIKey == "" {
			return nil, &domain.ConfigError{Field: "server.api_key", Message: "required for bearer auth"}
		}
		tokenURL := baseURL + "/" + strings.TrimPrefix(cfg.TokenPath, "/")
		return auth.NewBearer(client, tokenURL, cfg.User, cfg.APIKey), nil

	default:
		password := cfg.Password
		if password == "" && cfg.User != "" {
			p, err := auth.LookupPassword(cfg.PasswordFile, cfg.Host, cfg.User)
			if err != nil {
				return nil, err
			}
			password = p
		}
		return &auth.Basic{User: cfg.User, Password: password}, nil
	}
}

// initStorage initializes the appropriate storage adapter. A nil storage
// means uploads must carry their own source url.
func initStorage(ctx context.Context, cfg config.StorageConfig) (output.ObjectStorage, error) {
	switch output.StorageType(cfg.Type) {
	case "", output.StorageTypeNone:
		return nil, nil

	case output.StorageTypeLocal:
		return storage.NewLocalStorage(cfg.LocalPath), nil

	case output.StorageTypeS3:
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})

	case output.StorageTypeAzure:
		return storage.NewAzureStorage(storage.AzureConfig{
			Container:        cfg.Azure.Container,
			AccountName:      cfg.Azure.AccountName,
			AccountKey:       cfg.Azure.AccountKey,
			ConnectionString: cfg.Azure.ConnectionString,
			Prefix:           cfg.Azure.Prefix,
		})

	case output.StorageTypeGCS:
		return storage.NewGCSStorage(ctx, storage.GCSConfig{
			Bucket:          cfg.GCS.Bucket,
			Prefix:          cfg.GCS.Prefix,
			CredentialsFile: cfg.GCS.CredentialsFile,
			Endpoint:        cfg.GCS.Endpoint,
		})

	case output.StorageTypeHTTP:
		return storage.NewHTTPStorage(storage.HTTPConfig{
			BaseURL:   cfg.HTTP.BaseURL,
			IndexFile: cfg.HTTP.IndexFile,
			Timeout:   cfg.HTTP.Timeout,
			Username:  cfg.HTTP.Username,
			Password:  cfg.HTTP.Password,
		}), nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
