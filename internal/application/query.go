// Package application contains the application services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// QueryServiceConfig holds configuration for the query service.
type QueryServiceConfig struct {
	DownloadDir       string
	ReuseCache        bool
	PollInterval      time.Duration
	BucketTimeout     time.Duration
	ManifestCacheSize int
}

// QueryService creates query handles and holds the collaborators they share.
type QueryService struct {
	api          output.QueryAPI
	opener       output.ArchiveOpener
	index        output.ArchiveIndex
	materializer *Materializer
	store        output.JobStore
	events       output.EventPublisher
	metrics      output.MetricsCollector
	logger       *slog.Logger
	config       QueryServiceConfig
	manifests    *lru.Cache[string, *domain.Manifest]

	now   func() time.Time
	sleep sleeper
}

// NewQueryService creates a new query service. A nil store, publisher or
// metrics collector is replaced by its no-op variant.
func NewQueryService(
	api output.QueryAPI,
	opener output.ArchiveOpener,
	index output.ArchiveIndex,
	materializer *Materializer,
	store output.JobStore,
	events output.EventPublisher,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	cfg QueryServiceConfig,
) (*QueryService, error) {
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "."
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.ManifestCacheSize <= 0 {
		cfg.ManifestCacheSize = 64
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

	manifests, err := lru.New[string, *domain.Manifest](cfg.ManifestCacheSize)
	if err != nil {
		return nil, &domain.ConfigError{Field: "query.manifest_cache_size", Message: err.Error()}
	}

	return &QueryService{
		api:          api,
		opener:       opener,
		index:        index,
		materializer: materializer,
		store:        store,
		events:       events,
		metrics:      metrics,
		logger:       logger,
		config:       cfg,
		manifests:    manifests,
		now:          time.Now,
		sleep:        sleepContext,
	}, nil
}

// Config returns the service configuration.
func (s *QueryService) Config() QueryServiceConfig {
	return s.config
}

// FromDefinition validates def and returns a handle in the Defined state.
// The handle keeps its own copy, so later changes to def have no effect.
func (s *QueryService) FromDefinition(def *domain.QueryDefinition) (*QueryHandle, error) {
	if def == nil {
		return nil, domain.ErrNoQuerySource
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	c, err := def.Clone()
	if err != nil {
		return nil, fmt.Errorf("copying query definition: %w", err)
	}
	hash, err := c.ContentHash()
	if err != nil {
		return nil, fmt.Errorf("hashing query definition: %w", err)
	}
	return &QueryHandle{svc: s, def: c, hash: hash, name: c.Name, state: domain.StateDefined}, nil
}

// FromRemoteID returns a handle for a query submitted earlier. It starts in
// the Submitted state and never submits again.
func (s *QueryService) FromRemoteID(id string) *QueryHandle {
	return &QueryHandle{
		svc:        s,
		remoteID:   id,
		submission: &domain.Submission{ID: id},
		state:      domain.StateSubmitted,
	}
}

// FromArchive returns a handle for an archive already on disk. It starts in
// the Downloaded state and tolerates never being submitted.
func (s *QueryService) FromArchive(path string) (*QueryHandle, error) {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return nil, fmt.Errorf("%s: %w", path, domain.ErrArchiveNotFound)
	}
	base := filepath.Base(path)
	hash, _, _ := strings.Cut(strings.TrimSuffix(base, filepath.Ext(base)), "_")
	return &QueryHandle{
		svc:              s,
		hash:             hash,
		submission:       &domain.Submission{ID: domain.CachedMarkerPrefix + uuid.NewString(), Cached: true},
		archivePath:      path,
		downloaded:       true,
		allowUnsubmitted: true,
		state:            domain.StateDownloaded,
	}, nil
}

// Resume rehydrates a handle from the job store. Unknown ids yield a plain
// remote-id handle.
func (s *QueryService) Resume(ctx context.Context, id string) (*QueryHandle, error) {
	h := s.FromRemoteID(id)

	rec, err := s.store.GetQuery(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return h, nil
	}
	if err != nil {
		return nil, err
	}

	h.hash = rec.Hash
	h.name = rec.Name
	if rec.State > domain.StateSubmitted {
		h.status = &domain.QueryStatus{ID: id, Code: rec.StatusCode, UpdatedAt: rec.UpdatedAt}
	}
	if rec.ArchivePath != "" && fileExists(rec.ArchivePath) {
		h.archivePath = rec.ArchivePath
		h.downloaded = true
		h.state = domain.StateDownloaded
	}
	return h, nil
}

// History returns the most recently updated persisted queries.
func (s *QueryService) History(ctx context.Context, limit int) ([]domain.QueryRecord, error) {
	return s.store.ListQueries(ctx, limit)
}

// PolygonMetadata looks up an aggregation polygon.
func (s *QueryService) PolygonMetadata(ctx context.Context, id int64) (*domain.Polygon, error) {
	p, err := s.api.Polygon(ctx, id)
	if err != nil {
		s.logger.Error("polygon lookup failed", "polygon", id, "error", err)
		return nil, err
	}
	return p, nil
}

// DownloadOptions controls QueryHandle.Download.
type DownloadOptions struct {
	// Force downloads again even if an archive exists.
	Force bool

	// Bucket, when set, has the platform push the result to object storage
	// instead of streaming it to the download directory.
	Bucket *domain.BucketTarget

	// Timeout bounds the wait for a bucket push. Zero uses the service
	// default and a negative value waits forever.
	Timeout time.Duration
}

// QueryHandle tracks one query through submit, poll, download and parse.
// A QueryHandle is not safe for concurrent use.
type QueryHandle struct {
	svc *QueryService

	def      *domain.QueryDefinition
	hash     string
	name     string
	remoteID string

	submission       *domain.Submission
	status           *domain.QueryStatus
	state            domain.QueryState
	archivePath      string
	downloaded       bool
	allowUnsubmitted bool
	badDownloadFile  bool
	finished         bool

	manifest *domain.Manifest
	layers   []domain.Layer
}

// Definition returns the query definition, if known.
func (h *QueryHandle) Definition() *domain.QueryDefinition { return h.def }

// Hash returns the content hash of the definition.
func (h *QueryHandle) Hash() string { return h.hash }

// RemoteID returns the platform query id.
func (h *QueryHandle) RemoteID() string { return h.remoteID }

// State returns the lifecycle state.
func (h *QueryHandle) State() domain.QueryState { return h.state }

// Status returns the last polled status, or nil.
func (h *QueryHandle) Status() *domain.QueryStatus { return h.status }

// Submission returns the submission, or nil before Submit.
func (h *QueryHandle) Submission() *domain.Submission { return h.submission }

// ArchivePath returns where the archive was stored.
func (h *QueryHandle) ArchivePath() string { return h.archivePath }

// Downloaded reports whether a readable archive is on disk.
func (h *QueryHandle) Downloaded() bool { return h.downloaded }

// BadDownloadFile reports that the last download was not a readable archive.
// Callers should submit the query again.
func (h *QueryHandle) BadDownloadFile() bool { return h.badDownloadFile }

// Online reports whether the result came back inline.
func (h *QueryHandle) Online() bool { return h.submission != nil && h.submission.Online }

// Payload returns the inline result of an online query.
func (h *QueryHandle) Payload() []byte {
	if !h.Online() {
		return nil
	}
	return h.submission.Payload
}

// Name returns a label for logs and listings.
func (h *QueryHandle) Name() string {
	switch {
	case h.name != "":
		return h.name
	case h.remoteID != "":
		return h.remoteID
	case h.archivePath != "":
		return filepath.Base(h.archivePath)
	}
	return h.hash
}

// Submit sends the query. A handle submits at most once: later calls reuse
// the existing submission. With cache reuse enabled an archive of an
// identical query satisfies the handle without any request.
func (h *QueryHandle) Submit(ctx context.Context) error {
	if h.submission != nil {
		h.svc.logger.Debug("query already submitted", "query", h.Name(), "id", h.submission.ID)
		return nil
	}
	if h.def == nil {
		return domain.ErrNoQuerySource
	}

	if h.svc.config.ReuseCache && h.fromCache(ctx) {
		return nil
	}

	res, err := h.svc.api.SubmitQuery(ctx, h.def)
	if err != nil {
		h.svc.logger.Error("query submission failed", "query", h.Name(), "hash", h.hash, "error", err)
		h.svc.metrics.IncQueryCount("submit_failed")
		return err
	}

	now := h.svc.now()
	if h.def.IsOnline() {
		h.submission = &domain.Submission{ID: res.ID, Online: true, Payload: res.Payload, SubmittedAt: now}
		h.remoteID = res.ID
		h.state = domain.StateDownloaded
		h.finished = true
		h.svc.metrics.IncQueryCount("online")
		h.svc.logger.Info("online query answered", "query", h.Name(), "bytes", len(res.Payload))
		return nil
	}

	if res.ID == "" {
		err := &domain.APIError{Operation: "submit", Message: "response carries no query id", Err: domain.ErrInternal}
		h.svc.logger.Error("query submission failed", "query", h.Name(), "error", err)
		return err
	}

	h.submission = &domain.Submission{ID: res.ID, SubmittedAt: now}
	h.remoteID = res.ID
	h.state = domain.StateSubmitted
	h.svc.logger.Info("query submitted", "query", h.Name(), "id", res.ID, "hash", h.hash)

	h.persist(ctx)
	h.publish(ctx, domain.EventQuerySubmitted, "")
	return nil
}

// fromCache satisfies the handle from the archive index.
func (h *QueryHandle) fromCache(ctx context.Context) bool {
	if h.svc.index == nil {
		return false
	}
	path, ok, err := h.svc.index.Lookup(ctx, h.hash)
	if err != nil {
		h.svc.logger.Warn("archive cache lookup failed", "hash", h.hash, "error", err)
		return false
	}
	if !ok {
		return false
	}

	a, err := h.svc.opener.Open(path)
	if err != nil {
		h.svc.logger.Warn("ignoring unreadable cached archive", "path", path, "error", err)
		return false
	}
	_ = a.Close()

	h.submission = &domain.Submission{
		ID:          domain.CachedMarkerPrefix + uuid.NewString(),
		Cached:      true,
		SubmittedAt: h.svc.now(),
	}
	h.archivePath = path
	h.downloaded = true
	h.allowUnsubmitted = true
	h.state = domain.StateDownloaded
	h.svc.metrics.IncQueryCount("cached")
	h.svc.logger.Info("query satisfied from cache", "query", h.Name(), "hash", h.hash, "path", path)
	return true
}

// Poll checks the query status once. Online queries and handles created
// from an archive report their current status without a request.
func (h *QueryHandle) Poll(ctx context.Context) (*domain.QueryStatus, error) {
	if h.Online() || (h.allowUnsubmitted && h.downloaded) {
		return h.status, nil
	}
	if h.remoteID == "" {
		return nil, domain.ErrNotSubmitted
	}

	st, err := h.svc.api.QueryStatus(ctx, h.remoteID)
	if err != nil {
		h.svc.logger.Error("query status check failed", "query", h.Name(), "id", h.remoteID, "error", err)
		return nil, err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = h.svc.now()
	}

	changed := h.status == nil || h.status.Code != st.Code
	h.status = st
	h.applyStatus(ctx, st)
	if changed {
		h.svc.logger.Debug("query status", "query", h.Name(), "id", h.remoteID, "code", int(st.Code), "status", st.Code.String())
		h.persist(ctx)
	}
	return st, nil
}

func (h *QueryHandle) applyStatus(ctx context.Context, st *domain.QueryStatus) {
	switch {
	case st.Code.IsRunning():
		h.state = domain.StatePolling
		return
	case st.Code.IsDownloadable():
		if h.state < domain.StateDownloadable {
			h.state = domain.StateDownloadable
		}
	case st.Code.IsDeletedUpstream():
		// The archive may still be in the local cache.
		if !h.downloaded {
			h.state = domain.StatePolling
		}
	default:
		h.state = domain.StateFailed
	}

	if h.finished {
		return
	}
	h.finished = true
	h.svc.metrics.IncQueryCount(st.Code.String())
	if h.submission != nil && !h.submission.SubmittedAt.IsZero() {
		h.svc.metrics.ObserveQueryDuration(h.svc.now().Sub(h.submission.SubmittedAt))
	}

	if h.state == domain.StateFailed {
		h.svc.logger.Warn("query failed", "query", h.Name(), "id", h.remoteID, "code", int(st.Code), "message", st.Message)
		h.publish(ctx, domain.EventQueryFailed, st.Message)
		return
	}
	h.svc.logger.Info("query finished", "query", h.Name(), "id", h.remoteID, "status", st.Code.String())
	h.publish(ctx, domain.EventQueryFinished, st.Message)
}

// PollUntilFinished polls every interval until the query stops running. A
// timeout of zero or less waits forever; otherwise a *domain.TimeoutError is
// returned once it elapses.
func (h *QueryHandle) PollUntilFinished(ctx context.Context, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = h.svc.config.PollInterval
	}
	deadline := h.svc.now().Add(timeout)

	for {
		st, err := h.Poll(ctx)
		if err != nil {
			return err
		}
		if st == nil || !st.Code.IsRunning() {
			return nil
		}

		wait := interval
		if timeout > 0 {
			left := deadline.Sub(h.svc.now())
			if left <= 0 {
				h.svc.logger.Error("query did not finish in time", "query", h.Name(), "id", h.remoteID, "timeout", timeout)
				return &domain.TimeoutError{Operation: "poll", RemoteID: h.remoteID, After: timeout}
			}
			wait = min(wait, left)
		}
		if err := h.svc.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Download fetches the result archive. It requires a downloadable status
// and does nothing when the archive is already on disk, unless forced. An
// archive recorded earlier for the same remote query counts as on disk, as
// does one for the same content hash when the cache may be reused. A
// download that is not a readable archive sets BadDownloadFile and is
// discarded without an error.
func (h *QueryHandle) Download(ctx context.Context, opts DownloadOptions) error {
	if opts.Bucket != nil {
		return h.pushToBucket(ctx, *opts.Bucket, opts.Timeout)
	}
	if h.downloaded && !opts.Force && fileExists(h.archivePath) {
		return nil
	}
	if err := h.checkDownloadable(); err != nil {
		return err
	}

	key := h.cacheKey()
	if !opts.Force {
		if path := h.existingArchive(ctx, key); path != "" {
			h.badDownloadFile = false
			h.setArchive(path)
			h.svc.logger.Info("archive already downloaded", "query", h.Name(), "id", h.remoteID, "path", path)
			h.persist(ctx)
			return nil
		}
	}
	if h.svc.index != nil {
		unlock, err := h.svc.index.Lock(ctx, key)
		if err != nil {
			h.svc.logger.Warn("archive cache busy", "query", h.Name(), "hash", key, "error", err)
			return err
		}
		defer unlock()
	}

	dir := h.svc.config.DownloadDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &domain.StorageError{Operation: "mkdir", Key: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".download-*.part")
	if err != nil {
		return &domain.StorageError{Operation: "create", Key: dir, Err: err}
	}
	n, err := h.svc.api.DownloadArchive(ctx, h.remoteID, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		h.svc.logger.Error("archive download failed", "query", h.Name(), "id", h.remoteID, "error", err)
		return err
	}

	dest := filepath.Join(dir, domain.ArchiveFilename(key, h.svc.now()))
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return &domain.StorageError{Operation: "rename", Key: dest, Err: err}
	}

	a, err := h.svc.opener.Open(dest)
	if err != nil {
		h.badDownloadFile = true
		_ = os.Remove(dest)
		h.svc.metrics.IncQueryCount("bad_download")
		h.svc.logger.Warn("downloaded archive is corrupt", "query", h.Name(), "id", h.remoteID, "bytes", n, "error", err)
		return nil
	}
	_ = a.Close()

	// A forced download within the same second lands on the same path.
	h.badDownloadFile = false
	h.manifest, h.layers = nil, nil
	h.svc.manifests.Remove(dest)
	h.setArchive(dest)
	if h.svc.index != nil {
		if err := h.svc.index.Record(ctx, key, dest); err != nil {
			h.svc.logger.Warn("recording archive failed", "hash", key, "path", dest, "error", err)
		}
	}
	h.svc.logger.Info("archive downloaded", "query", h.Name(), "id", h.remoteID, "path", dest, "bytes", n)

	h.persist(ctx)
	h.publish(ctx, domain.EventQueryDownloaded, dest)
	return nil
}

// existingArchive returns a readable archive downloaded earlier for this
// query, or "" if there is none.
func (h *QueryHandle) existingArchive(ctx context.Context, key string) string {
	var candidates []string
	if rec, err := h.svc.store.GetQuery(ctx, h.remoteID); err == nil && rec.ArchivePath != "" {
		candidates = append(candidates, rec.ArchivePath)
	}
	if h.svc.config.ReuseCache && h.svc.index != nil && key != "" {
		if path, ok, err := h.svc.index.Lookup(ctx, key); err == nil && ok {
			candidates = append(candidates, path)
		}
	}

	for _, path := range candidates {
		if !fileExists(path) {
			continue
		}
		a, err := h.svc.opener.Open(path)
		if err != nil {
			h.svc.logger.Warn("ignoring unreadable archive", "query", h.Name(), "path", path, "error", err)
			continue
		}
		_ = a.Close()
		return path
	}
	return ""
}

func (h *QueryHandle) checkDownloadable() error {
	if h.Online() {
		return fmt.Errorf("online query %s has no archive: %w", h.Name(), domain.ErrNotDownloadable)
	}
	if h.remoteID == "" {
		return domain.ErrNotSubmitted
	}
	if h.status == nil || !h.status.Code.IsDownloadable() {
		code := "unknown"
		if h.status != nil {
			code = h.status.Code.String()
		}
		return fmt.Errorf("query %s is %s: %w", h.remoteID, code, domain.ErrNotDownloadable)
	}
	return nil
}

func (h *QueryHandle) pushToBucket(ctx context.Context, target domain.BucketTarget, timeout time.Duration) error {
	if err := h.checkDownloadable(); err != nil {
		return err
	}
	if timeout == 0 {
		timeout = h.svc.config.BucketTimeout
	}

	if err := h.svc.api.PushToBucket(ctx, h.remoteID, target); err != nil {
		h.svc.logger.Error("bucket push failed", "query", h.Name(), "id", h.remoteID, "bucket", target.Bucket, "error", err)
		return err
	}

	deadline := h.svc.now().Add(timeout)
	for {
		p, err := h.svc.api.BucketProgress(ctx, h.remoteID)
		if err != nil {
			h.svc.logger.Error("bucket progress check failed", "query", h.Name(), "id", h.remoteID, "error", err)
			return err
		}
		if p.Done() {
			h.svc.logger.Info("result pushed to bucket", "query", h.Name(), "id", h.remoteID, "bucket", target.Bucket, "bytes", p.SizeTotal)
			return nil
		}
		if p.Failed() {
			err := &domain.APIError{Operation: "bucket", RemoteID: h.remoteID, Message: p.Message}
			h.svc.logger.Error("bucket push failed", "query", h.Name(), "id", h.remoteID, "status", p.Status, "message", p.Message)
			return err
		}

		wait := h.svc.config.PollInterval
		if timeout > 0 {
			left := deadline.Sub(h.svc.now())
			if left <= 0 {
				return &domain.TimeoutError{Operation: "bucket upload", RemoteID: h.remoteID, After: timeout}
			}
			wait = min(wait, left)
		}
		if err := h.svc.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// DownloadFromCache resolves the archive from the local cache. It serves
// queries whose result the platform has deleted.
func (h *QueryHandle) DownloadFromCache(ctx context.Context) error {
	if h.downloaded && fileExists(h.archivePath) {
		return nil
	}
	key := h.cacheKey()
	if h.svc.index == nil || key == "" {
		return fmt.Errorf("query %s: %w", h.Name(), domain.ErrArchiveNotFound)
	}

	path, ok, err := h.svc.index.Lookup(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		h.svc.logger.Warn("no cached archive", "query", h.Name(), "hash", key)
		return fmt.Errorf("query %s: %w", h.Name(), domain.ErrArchiveNotFound)
	}

	a, err := h.svc.opener.Open(path)
	if err != nil {
		h.badDownloadFile = true
		h.svc.logger.Warn("cached archive is corrupt", "query", h.Name(), "path", path, "error", err)
		return nil
	}
	_ = a.Close()

	h.setArchive(path)
	h.svc.logger.Info("using cached archive", "query", h.Name(), "path", path)
	h.persist(ctx)
	return nil
}

func (h *QueryHandle) setArchive(path string) {
	if h.archivePath != path {
		h.manifest = nil
		h.layers = nil
	}
	h.archivePath = path
	h.downloaded = true
	h.state = domain.StateDownloaded
}

// ListLayers parses the archive manifest without reading layer data. The
// result is kept on the handle and in the service's manifest cache.
func (h *QueryHandle) ListLayers() (*domain.Manifest, error) {
	if h.manifest != nil {
		return h.manifest, nil
	}
	if !h.downloaded {
		return nil, fmt.Errorf("query %s: %w", h.Name(), domain.ErrArchiveNotFound)
	}
	if m, ok := h.svc.manifests.Get(h.archivePath); ok {
		h.manifest = m
		return m, nil
	}

	a, err := h.svc.opener.Open(h.archivePath)
	if err != nil {
		h.badDownloadFile = true
		return nil, err
	}
	defer func() { _ = a.Close() }()

	m, err := a.Manifest()
	if err != nil {
		h.svc.logger.Error("reading manifest failed", "query", h.Name(), "path", h.archivePath, "error", err)
		return nil, err
	}
	h.manifest = m
	h.svc.manifests.Add(h.archivePath, m)
	return m, nil
}

// CreateLayers materializes every layer in the manifest. Layers that fail
// are logged and left out.
func (h *QueryHandle) CreateLayers() ([]domain.Layer, error) {
	if h.layers != nil {
		return h.layers, nil
	}
	m, err := h.ListLayers()
	if err != nil {
		return nil, err
	}
	if m.IsEmpty() {
		return nil, nil
	}

	a, err := h.svc.opener.Open(h.archivePath)
	if err != nil {
		h.badDownloadFile = true
		return nil, err
	}
	defer func() { _ = a.Close() }()

	layers, failed := h.svc.materializer.Materialize(a, m)
	if len(failed) > 0 {
		h.svc.logger.Warn("some layers could not be read", "query", h.Name(), "failed", len(failed), "loaded", len(layers))
	}
	h.layers = layers
	h.state = domain.StateParsed
	return layers, nil
}

// Layer returns a materialized layer by name.
func (h *QueryHandle) Layer(name string) (*domain.Layer, bool) {
	for i := range h.layers {
		if h.layers[i].Name == name {
			return &h.layers[i], true
		}
	}
	return nil, false
}

// Acknowledgement returns the data acknowledgement shipped with the archive.
func (h *QueryHandle) Acknowledgement() (string, error) {
	m, err := h.ListLayers()
	if err != nil {
		return "", err
	}
	return m.Acknowledgement, nil
}

// LoadDefinition fetches the definition of a query known only by id.
func (h *QueryHandle) LoadDefinition(ctx context.Context) (*domain.QueryDefinition, error) {
	if h.def != nil {
		return h.def, nil
	}
	if h.remoteID == "" {
		return nil, domain.ErrNotSubmitted
	}

	def, err := h.svc.api.FetchQueryDefinition(ctx, h.remoteID)
	if err != nil {
		h.svc.logger.Error("fetching query definition failed", "id", h.remoteID, "error", err)
		return nil, err
	}
	hash, err := def.ContentHash()
	if err != nil {
		return nil, err
	}
	h.def = def
	if h.hash == "" {
		h.hash = hash
	}
	if h.name == "" {
		h.name = def.Name
	}
	return def, nil
}

// DeleteArchive removes the downloaded archive. Nothing on the platform is
// touched.
func (h *QueryHandle) DeleteArchive() error {
	if h.archivePath == "" {
		return nil
	}
	if err := os.Remove(h.archivePath); err != nil && !os.IsNotExist(err) {
		return &domain.StorageError{Operation: "delete", Key: h.archivePath, Err: err}
	}
	h.svc.manifests.Remove(h.archivePath)
	h.svc.logger.Info("archive deleted", "query", h.Name(), "path", h.archivePath)

	h.archivePath = ""
	h.downloaded = false
	h.manifest = nil
	h.layers = nil
	if h.submission != nil && h.submission.Cached {
		h.submission = nil
		h.allowUnsubmitted = false
	}

	switch {
	case h.status != nil && h.status.Code.IsDownloadable():
		h.state = domain.StateDownloadable
	case h.remoteID != "":
		h.state = domain.StateSubmitted
	default:
		h.state = domain.StateDefined
	}
	return nil
}

// cacheKey is the content hash, or the remote id when no definition is
// known.
func (h *QueryHandle) cacheKey() string {
	if h.hash != "" {
		return h.hash
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '*' {
			return '-'
		}
		return r
	}, h.remoteID)
}

func (h *QueryHandle) persist(ctx context.Context) {
	if h.remoteID == "" {
		return
	}
	rec := domain.QueryRecord{
		RemoteID:    h.remoteID,
		Hash:        h.hash,
		Name:        h.name,
		State:       h.state,
		ArchivePath: h.archivePath,
		UpdatedAt:   h.svc.now(),
	}
	if h.status != nil {
		rec.StatusCode = h.status.Code
	}
	if err := h.svc.store.SaveQuery(ctx, rec); err != nil {
		h.svc.logger.Warn("persisting query failed", "id", h.remoteID, "error", err)
	}
}

func (h *QueryHandle) publish(ctx context.Context, typ domain.EventType, msg string) {
	ev := domain.Event{
		Type:     typ,
		RemoteID: h.remoteID,
		Hash:     h.hash,
		Message:  msg,
		Time:     h.svc.now(),
	}
	if h.status != nil {
		ev.Status = h.status.Code.String()
	}
	if err := h.svc.events.Publish(ctx, ev); err != nil {
		h.svc.logger.Warn("publishing event failed", "type", typ, "id", h.remoteID, "error", err)
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
