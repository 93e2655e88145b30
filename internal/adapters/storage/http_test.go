package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jobrunner/orbis/internal/domain"
)

func newMirror(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/index.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# mirror\n\nresults/a.zip 7\nresults/b.zip\nREADME.md\n")
	})
	mux.HandleFunc("/results/a.zip", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "zipdata")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPStorageList(t *testing.T) {
	srv := newMirror(t)
	storage := NewHTTPStorage(HTTPConfig{BaseURL: srv.URL + "/"})

	objects, err := storage.List(context.Background(), ".zip")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("len(objects) = %d, want 2", len(objects))
	}
	if objects[0].Key != "results/a.zip" || objects[0].Size != 7 {
		t.Errorf("first object = %+v, want results/a.zip with 7 bytes", objects[0])
	}
	if objects[1].Size != 0 {
		t.Errorf("second object size = %d, want 0 without a size column", objects[1].Size)
	}
}

func TestHTTPStorageGetReader(t *testing.T) {
	srv := newMirror(t)
	storage := NewHTTPStorage(HTTPConfig{BaseURL: srv.URL})

	r, err := storage.GetReader(context.Background(), "results/a.zip")
	if err != nil {
		t.Fatalf("GetReader() error = %v", err)
	}
	b, _ := io.ReadAll(r)
	_ = r.Close()
	if string(b) != "zipdata" {
		t.Errorf("content = %q", b)
	}

	if _, err := storage.GetReader(context.Background(), "results/missing.zip"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetReader(missing) error = %v, want ErrNotFound", err)
	}

	exists, err := storage.Exists(context.Background(), "results/missing.zip")
	if err != nil || exists {
		t.Errorf("Exists() = %v, %v; want false, nil", exists, err)
	}
}

func TestHTTPStorageIsReadOnly(t *testing.T) {
	storage := NewHTTPStorage(HTTPConfig{BaseURL: "http://mirror.invalid"})

	err := storage.Put(context.Background(), "a.tif", strings.NewReader("x"), 1)
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("Put() error = %v, want ErrUnsupported", err)
	}
	if err := storage.Delete(context.Background(), "a.tif"); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("Delete() error = %v, want ErrUnsupported", err)
	}

	url, err := storage.Presign(context.Background(), "a.tif", 0)
	if err != nil || url != "http://mirror.invalid/a.tif" {
		t.Errorf("Presign() = %q, %v", url, err)
	}

	authed := NewHTTPStorage(HTTPConfig{BaseURL: "http://mirror.invalid", Username: "u", Password: "p"})
	if _, err := authed.Presign(context.Background(), "a.tif", 0); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("Presign() with credentials error = %v, want ErrUnsupported", err)
	}
}
