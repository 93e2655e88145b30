package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jobrunner/orbis/internal/config"
)

func TestOriginHost(t *testing.T) {
	tests := []struct {
		origin string
		want   string
	}{
		{"https://example.com", "example.com"},
		{"https://example.com:8080", "example.com"},
		{"https://example.com:443/path", "example.com"},
		{"http://localhost:3000", "localhost"},
		{"http://192.168.1.1:8080", "192.168.1.1"},
		{"example.com", "example.com"},
	}
	for _, tt := range tests {
		if got := originHost(tt.origin); got != tt.want {
			t.Errorf("originHost(%q) = %q, want %q", tt.origin, got, tt.want)
		}
	}
}

func TestMatchOrigin(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		pattern string
		want    bool
	}{
		{"exact", "https://example.com", "https://example.com", true},
		{"exact mismatch", "https://example.com", "https://other.com", false},
		{"scheme matters", "http://example.com", "https://example.com", false},
		{"wildcard subdomain", "https://app.example.com", "*.example.com", true},
		{"wildcard deep subdomain", "https://a.b.example.com:8443", "*.example.com", true},
		{"wildcard needs a subdomain", "https://example.com", "*.example.com", false},
		{"wildcard suffix trick", "https://evilexample.com", "*.example.com", false},
		{"bare star", "https://example.com", "*", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchOrigin(tt.origin, tt.pattern); got != tt.want {
				t.Errorf("matchOrigin(%q, %q) = %v, want %v", tt.origin, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantCode   int
		wantOrigin string
		wantNext   bool
	}{
		{"allowed get", []string{"https://dash.example.com"}, "https://dash.example.com", http.MethodGet, http.StatusOK, "https://dash.example.com", true},
		{"allowed post", []string{"*.example.com"}, "https://dash.example.com", http.MethodPost, http.StatusOK, "https://dash.example.com", true},
		{"preflight", []string{"https://dash.example.com"}, "https://dash.example.com", http.MethodOptions, http.StatusNoContent, "https://dash.example.com", false},
		{"foreign origin", []string{"https://dash.example.com"}, "https://evil.com", http.MethodGet, http.StatusOK, "", true},
		{"no origin", []string{"https://dash.example.com"}, "", http.MethodGet, http.StatusOK, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			})
			s := &Server{config: config.StatusConfig{CORS: config.CORSConfig{AllowedOrigins: tt.allowed}}}

			req := httptest.NewRequest(tt.method, "/api/v1/uploads", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			s.corsMiddleware(next).ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if called != tt.wantNext {
				t.Errorf("next called = %v, want %v", called, tt.wantNext)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if tt.wantOrigin != "" && rr.Header().Get("Access-Control-Allow-Methods") != "GET, POST, OPTIONS" {
				t.Errorf("Allow-Methods = %q", rr.Header().Get("Access-Control-Allow-Methods"))
			}
		})
	}
}
