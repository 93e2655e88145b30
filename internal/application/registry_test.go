package application

import (
	"errors"
	"testing"

	"github.com/jobrunner/orbis/internal/domain"
)

func TestUploadRegistry(t *testing.T) {
	r := NewUploadRegistry(nil)

	r.Record(nil)
	r.Record(&domain.UploadJob{Key: "no-id.tif"})
	if r.Count() != 0 {
		t.Fatalf("jobs without an id must be ignored, count = %d", r.Count())
	}

	jobs := []*domain.UploadJob{
		{ID: "b", Key: "b.tif", TrackingID: "2", Status: domain.UploadStatus{Status: domain.UploadProcessing, Progress: 0.5}},
		{ID: "a", Key: "a.tif", TrackingID: "1", Status: domain.UploadStatus{Status: domain.UploadSucceeded}},
		{ID: "c", Key: "c.tif", TrackingID: "3", Status: domain.UploadStatus{Status: domain.UploadFailed}},
	}
	for _, j := range jobs {
		r.Record(j)
	}

	list := r.List()
	if len(list) != 3 || list[0].ID != "b" || list[1].ID != "a" || list[2].ID != "c" {
		t.Errorf("List() order = %v", list)
	}

	// Updating keeps the original position.
	jobs[0].Status.Status = domain.UploadSucceeded
	r.Record(jobs[0])
	if list := r.List(); list[0].ID != "b" || list[0].Status != domain.UploadSucceeded || !list[0].Terminal {
		t.Errorf("updated entry = %+v", list[0])
	}

	info, err := r.Get("a")
	if err != nil || info.TrackingID != "1" || info.Key != "a.tif" {
		t.Errorf("Get(a) = %+v, %v", info, err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, domain.ErrUploadNotFound) || !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrUploadNotFound, got %v", err)
	}

	tests := []struct {
		key  string
		want bool
	}{
		{"a.tif", true},
		{"b.tif", true},
		{"c.tif", false}, // failed uploads may be retried
		{"d.tif", false},
	}
	for _, tt := range tests {
		if got := r.HasKey(tt.key); got != tt.want {
			t.Errorf("HasKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}

	counts := r.Counts()
	if counts[domain.UploadSucceeded] != 2 || counts[domain.UploadFailed] != 1 {
		t.Errorf("Counts() = %v", counts)
	}
	if r.InFlight() != 0 {
		t.Errorf("InFlight() = %d", r.InFlight())
	}
}
