package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jobrunner/orbis/internal/domain"
)

func TestNewUploadPoolValidates(t *testing.T) {
	tests := []struct {
		name     string
		workers  int
		interval time.Duration
		field    string
	}{
		{"no workers", 0, time.Second, "upload.workers"},
		{"too many workers", MaxUploadWorkers + 1, time.Second, "upload.workers"},
		{"poll too fast", 4, 500 * time.Millisecond, "upload.poll_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newUploadFixture(t, &mockUploadAPI{}, nil, UploadServiceConfig{PollInterval: tt.interval})
			_, err := NewUploadPool(f.svc, tt.workers, testLogger())

			var ce *domain.ConfigError
			if !errors.As(err, &ce) || ce.Field != tt.field {
				t.Fatalf("expected ConfigError for %s, got %v", tt.field, err)
			}
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Error("ConfigError should match ErrInvalidInput")
			}
		})
	}

	f := newUploadFixture(t, &mockUploadAPI{}, nil, UploadServiceConfig{PollInterval: time.Second})
	p, err := NewUploadPool(f.svc, MaxUploadWorkers, testLogger())
	if err != nil || p.Workers() != MaxUploadWorkers {
		t.Errorf("NewUploadPool() = %v, %v", p, err)
	}
}

func TestBatchUploadBoundsConcurrency(t *testing.T) {
	api := &mockUploadAPI{
		replies: map[string][]uploadReply{"*": {reply(domain.UploadSucceeded)}},
		delay:   10 * time.Millisecond,
	}
	f := newUploadFixture(t, api, nil, UploadServiceConfig{PollInterval: time.Second})
	pool, err := NewUploadPool(f.svc, 3, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	jobs := make([]*domain.UploadJob, 10)
	for i := range jobs {
		jobs[i] = remoteJob(fmt.Sprintf("tile-%02d.tif", i))
	}

	report, err := pool.BatchUpload(context.Background(), jobs)
	if err != nil {
		t.Fatal(err)
	}
	if report.Succeeded != 10 || report.Failed != 0 || report.Unfinished != 0 {
		t.Errorf("report = %+v", report)
	}
	if report.MaxInFlight < 1 || report.MaxInFlight > 3 {
		t.Errorf("MaxInFlight = %d, want 1..3", report.MaxInFlight)
	}
	if peak := api.peak(); peak < 1 || peak > 3 {
		t.Errorf("platform saw %d uploads in flight, want 1..3", peak)
	}
	if f.svc.Registry().Count() != 10 || f.svc.Registry().InFlight() != 0 {
		t.Errorf("registry count = %d, in flight = %d", f.svc.Registry().Count(), f.svc.Registry().InFlight())
	}
}

func TestBatchUploadCountsFailures(t *testing.T) {
	api := &mockUploadAPI{
		trackingIDs: []string{"bad", "good-1", "good-2"},
		replies: map[string][]uploadReply{
			"bad":    {{code: http.StatusBadRequest}},
			"good-1": {reply(domain.UploadProcessing), reply(domain.UploadSucceeded)},
			"good-2": {reply(domain.UploadSucceeded)},
		},
	}
	f := newUploadFixture(t, api, nil, UploadServiceConfig{PollInterval: time.Second})
	pool, err := NewUploadPool(f.svc, 1, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	jobs := []*domain.UploadJob{remoteJob("a.tif"), remoteJob("b.tif"), {Key: "no-layer.tif", URL: "https://x"}, remoteJob("c.tif")}
	fut := pool.BatchUploadAsync(context.Background(), jobs)
	report, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Succeeded != 2 || report.Failed != 2 {
		t.Errorf("succeeded = %d, failed = %d; want 2 and 2", report.Succeeded, report.Failed)
	}
	if report.MaxInFlight != 1 {
		t.Errorf("MaxInFlight = %d, want 1", report.MaxInFlight)
	}
	if !errors.Is(jobs[0].Err, domain.ErrUnknownTrackingID) {
		t.Errorf("jobs[0].Err = %v", jobs[0].Err)
	}
}

func TestBatchUploadStopsOnCancel(t *testing.T) {
	api := &mockUploadAPI{replies: map[string][]uploadReply{"*": {reply(domain.UploadSucceeded)}}}
	f := newUploadFixture(t, api, nil, UploadServiceConfig{PollInterval: time.Second})
	pool, err := NewUploadPool(f.svc, 2, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := pool.BatchUpload(ctx, []*domain.UploadJob{remoteJob("a.tif"), remoteJob("b.tif")})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if report.Unfinished != 2 || len(api.bodies) != 0 {
		t.Errorf("unfinished = %d, submitted = %d", report.Unfinished, len(api.bodies))
	}
}
