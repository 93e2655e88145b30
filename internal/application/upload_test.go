package application

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

type uploadFixture struct {
	svc    *UploadService
	api    *mockUploadAPI
	store  *mockJobStore
	events *mockPublisher
	clock  *fakeClock
}

func newUploadFixture(t *testing.T, api *mockUploadAPI, storage output.ObjectStorage, cfg UploadServiceConfig) *uploadFixture {
	t.Helper()
	f := &uploadFixture{
		api:    api,
		store:  newMockJobStore(),
		events: &mockPublisher{},
		clock:  newFakeClock(),
	}
	f.svc = NewUploadService(api, storage, nil, f.store, f.events, nil, testLogger(), cfg)
	f.svc.now = f.clock.Now
	f.svc.sleep = f.clock.Sleep
	return f
}

func remoteJob(key string) *domain.UploadJob {
	return &domain.UploadJob{
		Key:      key,
		LayerIDs: []int64{51},
		URL:      "https://data.example.com/" + key,
	}
}

func reply(status domain.UploadState) uploadReply {
	return uploadReply{code: http.StatusOK, status: status}
}

func TestSubmitAndCheckStatusReachesSuccess(t *testing.T) {
	api := &mockUploadAPI{
		trackingIDs: []string{"7"},
		replies: map[string][]uploadReply{"7": {
			reply(domain.UploadInitializing),
			reply(domain.UploadProcessing),
			reply(domain.UploadSucceeded),
		}},
	}
	f := newUploadFixture(t, api, nil, UploadServiceConfig{PollInterval: time.Second})
	job := remoteJob("temperature.tif")

	if err := f.svc.SubmitAndCheckStatus(context.Background(), job); err != nil {
		t.Fatalf("SubmitAndCheckStatus() error = %v", err)
	}
	if job.TrackingID != "7" || job.Status.Status != domain.UploadSucceeded || job.Err != nil {
		t.Errorf("tracking = %q, status = %s, err = %v", job.TrackingID, job.Status.Status, job.Err)
	}
	if api.calls("7") != 3 {
		t.Errorf("status calls = %d, want 3", api.calls("7"))
	}
	if f.clock.sleeps != 2 {
		t.Errorf("sleeps = %d, want 2", f.clock.sleeps)
	}

	info, err := f.svc.Registry().Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != domain.UploadSucceeded || !info.Terminal {
		t.Errorf("registry info = %+v", info)
	}
	if rec := f.store.uploads[job.ID]; rec.TrackingID != "7" || rec.Status != domain.UploadSucceeded {
		t.Errorf("persisted record = %+v", rec)
	}

	types := f.events.types()
	if len(types) != 2 || types[0] != domain.EventUploadSubmitted || types[1] != domain.EventUploadFinished {
		t.Errorf("events = %v", types)
	}
}

func TestSubmitSendsWireForm(t *testing.T) {
	api := &mockUploadAPI{}
	f := newUploadFixture(t, api, nil, UploadServiceConfig{})
	nd := -9999.0
	job := remoteJob("rain.tif")
	job.PixelType = domain.PixelShort
	job.NoData = &nd

	if err := f.svc.Submit(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if job.Status.Status != domain.UploadInitializing || job.ID == "" {
		t.Errorf("status = %s, id = %q", job.Status.Status, job.ID)
	}
	if len(api.bodies) != 1 {
		t.Fatalf("bodies = %d", len(api.bodies))
	}

	var body map[string]interface{}
	if err := json.Unmarshal(api.bodies[0], &body); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"url", "datalayerIds", "pixelType", "pixelNoDataVal"} {
		if _, ok := body[key]; !ok {
			t.Errorf("wire body lacks %q: %s", key, api.bodies[0])
		}
	}

	// A second submit is a no-op.
	if err := f.svc.Submit(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if len(api.bodies) != 1 {
		t.Error("job was submitted twice")
	}
}

func TestSubmitRejectsIncompleteJobs(t *testing.T) {
	tests := []struct {
		name string
		job  *domain.UploadJob
	}{
		{"no file or key", &domain.UploadJob{LayerIDs: []int64{1}, URL: "https://x"}},
		{"no layer", &domain.UploadJob{Key: "a.tif", URL: "https://x"}},
		{"no url", &domain.UploadJob{Key: "a.tif", LayerIDs: []int64{1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockUploadAPI{}
			f := newUploadFixture(t, api, nil, UploadServiceConfig{})

			err := f.svc.Submit(context.Background(), tt.job)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
			if len(api.bodies) != 0 {
				t.Error("incomplete job reached the api")
			}
		})
	}
}

func TestSubmitAPIErrorMarksJobFailed(t *testing.T) {
	api := &mockUploadAPI{submitErr: &domain.APIError{Operation: "upload", StatusCode: http.StatusForbidden}}
	f := newUploadFixture(t, api, nil, UploadServiceConfig{})
	job := remoteJob("a.tif")

	err := f.svc.Submit(context.Background(), job)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if job.Status.Status != domain.UploadFailed || job.Err == nil || job.TrackingID != "" {
		t.Errorf("status = %s, err = %v, tracking = %q", job.Status.Status, job.Err, job.TrackingID)
	}
}

func TestStatusOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		replies []uploadReply
		status  domain.UploadState
		wantErr error
	}{
		{
			name:    "unknown tracking id",
			replies: []uploadReply{{code: http.StatusBadRequest}},
			status:  domain.UploadFailed,
			wantErr: domain.ErrUnknownTrackingID,
		},
		{
			name:    "unauthorized",
			replies: []uploadReply{{code: http.StatusUnauthorized}},
			status:  domain.UploadFailed,
			wantErr: domain.ErrUnauthorized,
		},
		{
			name:    "server error",
			replies: []uploadReply{{code: http.StatusBadGateway}},
			status:  domain.UploadFailed,
			wantErr: domain.ErrUnavailable,
		},
		{
			name: "failed file overrides success",
			replies: []uploadReply{{
				code:   http.StatusOK,
				status: domain.UploadSucceeded,
				files:  []domain.FileSummary{{Name: "ok.tif", Status: 1}, {Name: "bad.tif", Status: -2, Detail: "no such band"}},
			}},
			status: domain.UploadFailed,
		},
		{
			name:    "still processing",
			replies: []uploadReply{reply(domain.UploadProcessing)},
			status:  domain.UploadProcessing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockUploadAPI{replies: map[string][]uploadReply{"7": tt.replies}}
			f := newUploadFixture(t, api, nil, UploadServiceConfig{})
			job := remoteJob("a.tif")
			job.ID = "job-1"
			job.TrackingID = "7"

			if err := f.svc.Status(context.Background(), job, false); err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if job.Status.Status != tt.status {
				t.Errorf("status = %s, want %s", job.Status.Status, tt.status)
			}
			if api.calls("7") != 1 {
				t.Errorf("status calls = %d, want 1", api.calls("7"))
			}
			if tt.wantErr != nil && !errors.Is(job.Err, tt.wantErr) {
				t.Errorf("job.Err = %v, want %v", job.Err, tt.wantErr)
			}
			if tt.status == domain.UploadFailed && job.Err == nil {
				t.Error("failed job carries no error")
			}
		})
	}
}

func TestStatusReportsFailedFile(t *testing.T) {
	api := &mockUploadAPI{replies: map[string][]uploadReply{"7": {{
		code:   http.StatusOK,
		status: domain.UploadProcessing,
		files:  []domain.FileSummary{{Name: "bad.tif", Status: -1, Detail: "unreadable"}},
	}}}}
	f := newUploadFixture(t, api, nil, UploadServiceConfig{})
	job := &domain.UploadJob{ID: "job-1", Key: "bad.tif", TrackingID: "7"}

	if err := f.svc.Status(context.Background(), job, true); err != nil {
		t.Fatal(err)
	}
	if job.Status.Status != domain.UploadFailed {
		t.Errorf("status = %s, want FAILED", job.Status.Status)
	}
	if job.Err == nil || !strings.Contains(job.Err.Error(), "bad.tif: unreadable") {
		t.Errorf("job.Err = %v", job.Err)
	}
	if f.clock.sleeps != 0 {
		t.Error("terminal status must stop polling")
	}
}

func TestStatusWithoutTrackingID(t *testing.T) {
	f := newUploadFixture(t, &mockUploadAPI{}, nil, UploadServiceConfig{})
	if err := f.svc.Status(context.Background(), remoteJob("a.tif"), true); !errors.Is(err, domain.ErrNoTrackingID) {
		t.Errorf("expected ErrNoTrackingID, got %v", err)
	}
}

func TestStatusTimeout(t *testing.T) {
	api := &mockUploadAPI{replies: map[string][]uploadReply{"*": {reply(domain.UploadProcessing)}}}
	f := newUploadFixture(t, api, nil, UploadServiceConfig{PollInterval: 10 * time.Second, StatusTimeout: 25 * time.Second})
	job := &domain.UploadJob{ID: "job-1", Key: "slow.tif", TrackingID: "slow"}

	err := f.svc.Status(context.Background(), job, true)
	var te *domain.TimeoutError
	if !errors.As(err, &te) || te.RemoteID != "slow" {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if api.calls("slow") != 4 {
		t.Errorf("status calls = %d, want 4", api.calls("slow"))
	}
	if job.Status.Status != domain.UploadProcessing {
		t.Errorf("status = %s, a timeout must not change it", job.Status.Status)
	}
}

func TestSubmitAsync(t *testing.T) {
	api := &mockUploadAPI{replies: map[string][]uploadReply{"*": {reply(domain.UploadSucceeded)}}}
	f := newUploadFixture(t, api, nil, UploadServiceConfig{})
	ctx := context.Background()

	fut := f.svc.SubmitAndCheckStatusAsync(ctx, remoteJob("a.tif"))
	select {
	case <-fut.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("future did not resolve")
	}
	job, err := fut.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status.Status != domain.UploadSucceeded {
		t.Errorf("status = %s", job.Status.Status)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	blocked := &Future{job: job, done: make(chan struct{})}
	if _, err := blocked.Wait(cancelled); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSubmitStagesLocalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ndvi.tif")
	if err := os.WriteFile(path, []byte("raster bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	storage := newMockStorage()
	api := &mockUploadAPI{}
	f := newUploadFixture(t, api, storage, UploadServiceConfig{})
	job := &domain.UploadJob{FilePath: path, LayerIDs: []int64{9}, Local: true, Delete: true}

	if err := f.svc.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if job.Key != "ndvi.tif" || !strings.HasPrefix(job.URL, "https://stage.example.com/ndvi.tif") {
		t.Errorf("key = %q, url = %q", job.Key, job.URL)
	}

	meta, ok := storage.objects["ndvi.tif.meta.json"]
	if !ok {
		t.Fatal("description sidecar was not staged")
	}
	var desc domain.UploadJob
	if err := json.Unmarshal(meta, &desc); err != nil {
		t.Fatal(err)
	}
	if len(desc.LayerIDs) != 1 || desc.LayerIDs[0] != 9 {
		t.Errorf("sidecar layers = %v", desc.LayerIDs)
	}

	if _, ok := storage.objects["ndvi.tif"]; ok {
		t.Error("object should be deleted after submit")
	}
	if len(storage.deleted) != 1 || storage.deleted[0] != "ndvi.tif" {
		t.Errorf("deleted = %v", storage.deleted)
	}
}

func TestSubmitMergesRemoteDescription(t *testing.T) {
	storage := newMockStorage()
	storage.objects["incoming/sst.nc"] = []byte("netcdf")
	storage.objects["incoming/sst.nc.meta.json"] = []byte(`{"datalayer_ids":[77],"pixel_type":"fl","hdftype":"netcdf"}`)

	api := &mockUploadAPI{}
	f := newUploadFixture(t, api, storage, UploadServiceConfig{})
	job := &domain.UploadJob{Key: "incoming/sst.nc"}

	if err := f.svc.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(job.LayerIDs) != 1 || job.LayerIDs[0] != 77 || job.HDFType != "netcdf" || job.PixelType != domain.PixelFloat {
		t.Errorf("description not merged: %+v", job)
	}
}
