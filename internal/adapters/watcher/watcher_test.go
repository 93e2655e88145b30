package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestToOperation(t *testing.T) {
	tests := []struct {
		name     string
		op       fsnotify.Op
		expected Operation
	}{
		{
			name:     "Remove returns OpDelete",
			op:       fsnotify.Remove,
			expected: OpDelete,
		},
		{
			name:     "Rename returns OpDelete",
			op:       fsnotify.Rename,
			expected: OpDelete,
		},
		{
			name:     "Create returns OpCreate",
			op:       fsnotify.Create,
			expected: OpCreate,
		},
		{
			name:     "Write returns OpModify",
			op:       fsnotify.Write,
			expected: OpModify,
		},
		{
			name:     "Chmod returns OpModify",
			op:       fsnotify.Chmod,
			expected: OpModify,
		},
		{
			name:     "Remove takes precedence over Write",
			op:       fsnotify.Remove | fsnotify.Write,
			expected: OpDelete,
		},
		{
			name:     "Rename takes precedence over Create",
			op:       fsnotify.Rename | fsnotify.Create,
			expected: OpDelete,
		},
		{
			name:     "Create takes precedence over Write",
			op:       fsnotify.Create | fsnotify.Write,
			expected: OpCreate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := toOperation(tt.op)
			if result != tt.expected {
				t.Errorf("toOperation(%v) = %v, want %v", tt.op, result, tt.expected)
			}
		})
	}
}

func TestOperationString(t *testing.T) {
	tests := []struct {
		op       Operation
		expected string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{OpDelete, "delete"},
		{Operation(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.op.String(); got != tt.expected {
				t.Errorf("Operation.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAccepts(t *testing.T) {
	w := &Watcher{extensions: DefaultExtensions}
	tests := []struct {
		path     string
		expected bool
	}{
		{"scene.tif", true},
		{"scene.TIFF", true},
		{"/inbox/points.csv", true},
		{"/inbox/bundle.zip", true},
		{"/inbox/job.json", true},
		{"/inbox/.scene.tif", false},
		{"/inbox/scene.tif.part", false},
		{"/inbox/scene.tmp", false},
		{"notes.txt", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := w.accepts(tt.path); got != tt.expected {
				t.Errorf("accepts(%q) = %v, want %v", tt.path, got, tt.expected)
			}
		})
	}
}

func TestWatcherDeliversSettledFile(t *testing.T) {
	dir := t.TempDir()
	events := make(chan Event, 4)

	w, err := New(Config{Paths: []string{dir}, Debounce: 50 * time.Millisecond},
		func(_ context.Context, e Event) error {
			events <- e
			return nil
		},
		slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Stop() }()

	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "scene.tif")
	if err := os.WriteFile(target, []byte("II*\x00"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-events:
		if e.Path != target {
			t.Errorf("event for %q, want %q", e.Path, target)
		}
		if e.Operation != OpCreate {
			t.Errorf("operation = %v, want create", e.Operation)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case e := <-events:
		t.Errorf("unexpected second event %+v", e)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRecordMergesEvents(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	w := &Watcher{
		extensions: DefaultExtensions,
		logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		pending:    make(map[string]*pendingEvent),
		now:        func() time.Time { return now },
	}

	w.record("/inbox/a.tif", OpCreate)
	w.record("/inbox/a.tif", OpModify)
	if p := w.pending["/inbox/a.tif"]; p == nil || p.op != OpCreate {
		t.Fatalf("pending a.tif = %+v, want create", p)
	}

	w.record("/inbox/a.tif", OpDelete)
	if _, ok := w.pending["/inbox/a.tif"]; ok {
		t.Error("file removed before settling is still pending")
	}

	w.record("/inbox/b.csv", OpModify)
	w.record("/inbox/b.csv", OpDelete)
	if p := w.pending["/inbox/b.csv"]; p == nil || p.op != OpDelete {
		t.Errorf("pending b.csv = %+v, want delete", p)
	}
	w.record("/inbox/b.csv", OpCreate)
	if p := w.pending["/inbox/b.csv"]; p == nil || p.op != OpCreate {
		t.Errorf("pending b.csv = %+v, want create after recreate", p)
	}

	w.record("/inbox/notes.txt", OpCreate)
	if len(w.pending) != 1 {
		t.Errorf("pending = %d entries, want 1", len(w.pending))
	}
}

func TestSettledWaitsForStableSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scene.tif")
	if err := os.WriteFile(path, []byte("II*\x00"), 0644); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	w := &Watcher{
		extensions: DefaultExtensions,
		debounce:   time.Second,
		logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		pending:    make(map[string]*pendingEvent),
		now:        func() time.Time { return now },
	}
	w.scan(dir)

	if got := w.settled(); len(got) != 0 {
		t.Fatalf("settled before debounce: %+v", got)
	}

	now = now.Add(time.Second)
	if got := w.settled(); len(got) != 0 {
		t.Fatalf("settled on first size check: %+v", got)
	}

	if err := os.WriteFile(path, []byte("II*\x00more"), 0644); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Second)
	if got := w.settled(); len(got) != 0 {
		t.Fatalf("settled while growing: %+v", got)
	}

	now = now.Add(time.Second)
	got := w.settled()
	if len(got) != 1 || got[0].Path != path || got[0].Operation != OpCreate || got[0].Size != 8 {
		t.Fatalf("settled() = %+v, want one create of %s with 8 bytes", got, path)
	}
	if len(w.pending) != 0 {
		t.Errorf("pending = %d entries after settling", len(w.pending))
	}
}

func TestSettledDropsVanishedFiles(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	w := &Watcher{
		extensions: DefaultExtensions,
		debounce:   time.Second,
		logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		pending:    make(map[string]*pendingEvent),
		now:        func() time.Time { return now },
	}
	w.record(filepath.Join(t.TempDir(), "gone.csv"), OpModify)

	now = now.Add(2 * time.Second)
	if got := w.settled(); len(got) != 0 {
		t.Errorf("settled() = %+v, want nothing for a missing file", got)
	}
	if len(w.pending) != 0 {
		t.Error("missing file still pending")
	}
}
