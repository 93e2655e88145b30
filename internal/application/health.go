package application

import (
	"context"
	"sync"

	"github.com/jobrunner/orbis/internal/ports/input"
)

// ComponentCheck reports the state of one dependency, e.g. "ok".
type ComponentCheck func(ctx context.Context) string

// HealthService provides health check functionality.
type HealthService struct {
	registry *UploadRegistry

	mu     sync.RWMutex
	queue  input.QueueObserver
	checks map[string]ComponentCheck
}

// NewHealthService creates a new health service.
func NewHealthService(registry *UploadRegistry) *HealthService {
	return &HealthService{
		registry: registry,
		checks:   make(map[string]ComponentCheck),
	}
}

// SetQueue attaches the project queue whose depth is reported.
func (s *HealthService) SetQueue(q input.QueueObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = q
}

// AddCheck registers a component check. A component is healthy when its
// check returns "ok".
func (s *HealthService) AddCheck(name string, check ComponentCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// IsHealthy returns true if the service is healthy.
func (s *HealthService) IsHealthy(_ context.Context) bool {
	return true // Basic health check
}

// IsReady returns true when every registered component reports ok.
func (s *HealthService) IsReady(ctx context.Context) bool {
	for _, status := range s.components(ctx) {
		if status != "ok" {
			return false
		}
	}
	return true
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	components := s.components(ctx)
	ready := true
	for _, status := range components {
		if status != "ok" {
			ready = false
		}
	}

	details := input.HealthDetails{
		Healthy:    s.IsHealthy(ctx),
		Ready:      ready,
		Components: components,
	}
	if s.registry != nil {
		details.UploadsTracked = s.registry.Count()
		details.UploadsInFlight = s.registry.InFlight()
	}

	s.mu.RLock()
	q := s.queue
	s.mu.RUnlock()
	if q != nil {
		snap := q.Snapshot()
		details.QueriesQueued = len(snap.Queued)
		details.QueriesRunning = len(snap.Running)
	}
	return details
}

func (s *HealthService) components(ctx context.Context) map[string]string {
	s.mu.RLock()
	checks := make(map[string]ComponentCheck, len(s.checks))
	for name, c := range s.checks {
		checks[name] = c
	}
	s.mu.RUnlock()

	out := make(map[string]string, len(checks))
	for name, c := range checks {
		out[name] = c(ctx)
	}
	return out
}
