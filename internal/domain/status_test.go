package domain

import "testing"

func TestStatusCodeIsRunning(t *testing.T) {
	tests := []struct {
		code StatusCode
		want bool
	}{
		{StatusQueued, true},
		{StatusInitializing, true},
		{StatusRunning, true},
		{StatusWriting, true},
		{StatusPackaging, true},
		{StatusSucceeded, false},
		{StatusSucceededEmpty, false},
		{StatusFailed, false},
		{StatusDeletedUpstream, false},
		{StatusKilled, false},
		{-1, false},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			if got := tt.code.IsRunning(); got != tt.want {
				t.Errorf("IsRunning() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusCodeClassification(t *testing.T) {
	if !StatusSucceeded.IsDownloadable() {
		t.Error("20 should be downloadable")
	}
	if StatusSucceededEmpty.IsDownloadable() {
		t.Error("21 should not be downloadable")
	}
	if !StatusDeletedUpstream.IsDeletedUpstream() {
		t.Error("31 should be deleted upstream")
	}
	if StatusCode(99).String() != "code-99" {
		t.Errorf("unexpected name %s", StatusCode(99))
	}
}

func TestQueryStateString(t *testing.T) {
	if StateDownloaded.String() != "downloaded" {
		t.Errorf("got %s", StateDownloaded)
	}
	if QueryState(42).String() != "unknown" {
		t.Errorf("got %s", QueryState(42))
	}
}
