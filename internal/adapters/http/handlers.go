package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/input"
)

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":            boolToStatus(details.Healthy),
		"ready":             details.Ready,
		"uploads_tracked":   details.UploadsTracked,
		"uploads_in_flight": details.UploadsInFlight,
		"queries_queued":    details.QueriesQueued,
		"queries_running":   details.QueriesRunning,
		"components":        details.Components,
	})
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// handleListUploads returns all tracked uploads. The status query
// parameter filters by upload state.
func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	uploads := s.uploads.List()

	if want := r.URL.Query().Get("status"); want != "" {
		filtered := make([]input.UploadInfo, 0, len(uploads))
		for _, u := range uploads {
			if string(u.Status) == want {
				filtered = append(filtered, u)
			}
		}
		uploads = filtered
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"uploads": uploads,
		"count":   len(uploads),
	})
}

// handleGetUpload returns a specific upload.
func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	info, err := s.uploads.Get(id)
	if err != nil {
		if errors.Is(err, domain.ErrUploadNotFound) {
			s.writeError(w, http.StatusNotFound, "Upload not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to get upload")
		return
	}

	s.writeJSON(w, http.StatusOK, info)
}

// handleQueue returns the current project queue snapshot.
func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	q := s.currentQueue()
	if q == nil {
		s.writeError(w, http.StatusNotFound, "No project queue running")
		return
	}
	s.writeJSON(w, http.StatusOK, q.Snapshot())
}

// handleSync handles the sync trigger endpoint.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		s.writeError(w, http.StatusNotFound, "Sync service not available")
		return
	}

	result, err := s.sync.TriggerSync(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			w.Header().Set("Retry-After", "30")
			s.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again in 30 seconds.")
			return
		}
		s.logger.Error("sync failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Sync failed")
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}
