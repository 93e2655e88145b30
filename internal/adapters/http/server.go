// Package http provides the local status server.
package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobrunner/orbis/internal/config"
	"github.com/jobrunner/orbis/internal/ports/input"
)

// Server exposes health, upload and queue state of a running process.
type Server struct {
	server  *http.Server
	router  *mux.Router
	health  input.HealthChecker
	uploads input.UploadTracker
	sync    input.SyncTrigger
	metrics http.Handler
	logger  *slog.Logger
	config  config.StatusConfig

	mu    sync.RWMutex
	queue input.QueueObserver
}

// Options holds the optional collaborators of a Server.
type Options struct {
	Uploads     input.UploadTracker
	Sync        input.SyncTrigger // Enables POST /api/v1/sync
	Metrics     http.Handler
	MetricsPath string
}

// NewServer creates a new status server.
func NewServer(cfg config.StatusConfig, health input.HealthChecker, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		health:  health,
		uploads: opts.Uploads,
		sync:    opts.Sync,
		metrics: opts.Metrics,
		logger:  logger,
		config:  cfg,
	}

	s.router = s.setupRoutes(opts.MetricsPath)

	s.server = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes(metricsPath string) *mux.Router {
	r := mux.NewRouter()

	// Add middleware
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	// Add CORS middleware if configured
	if s.config.CORS.Enabled() {
		r.Use(s.corsMiddleware)
	}

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	if s.metrics != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.Handle(metricsPath, s.metrics).Methods(http.MethodGet)
	}

	// API v1
	api := r.PathPrefix("/api/v1").Subrouter()

	if s.uploads != nil {
		api.HandleFunc("/uploads", s.handleListUploads).Methods(http.MethodGet)
		api.HandleFunc("/uploads/{id}", s.handleGetUpload).Methods(http.MethodGet)
	}
	api.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)

	// Sync endpoint (only if sync service is configured)
	if s.sync != nil {
		api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	}

	return r
}

// SetQueue attaches the project queue reported under /api/v1/queue.
func (s *Server) SetQueue(q input.QueueObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = q
}

func (s *Server) currentQueue() input.QueueObserver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue
}

// Router returns the mux router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting status server", "address", s.config.Address())
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs incoming requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
