package application

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/input"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// depthRecorder collects the queue depths published by each refresh. A
// refresh reports all four queues in a row, so every fourth call closes one
// observation.
type depthRecorder struct {
	output.NoOpMetrics
	mu           sync.Mutex
	current      map[string]int
	calls        int
	observations []map[string]int
}

func (d *depthRecorder) SetQueueDepth(queue string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		d.current = make(map[string]int)
	}
	d.current[queue] = n
	d.calls++
	if d.calls%4 == 0 {
		d.observations = append(d.observations, maps.Clone(d.current))
	}
}

// checkProgress asserts that every observation accounts for all n handles,
// that the queued depth never grows and that running stays within limit.
func (d *depthRecorder) checkProgress(t *testing.T, n, limit int) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.observations) == 0 {
		t.Fatal("no queue depths published")
	}
	prevQueued := n
	for i, o := range d.observations {
		sum := o[QueueQueued] + o[QueueRunning] + o[QueueCompleted] + o[QueueFailed]
		if sum != n {
			t.Errorf("observation %d: %v sums to %d, want %d", i, o, sum, n)
		}
		if o[QueueQueued] > prevQueued {
			t.Errorf("observation %d: queued grew from %d to %d", i, prevQueued, o[QueueQueued])
		}
		prevQueued = o[QueueQueued]
		if o[QueueRunning] > limit {
			t.Errorf("observation %d: running = %d, limit is %d", i, o[QueueRunning], limit)
		}
	}
}

func distinctDefinition(i int) *domain.QueryDefinition {
	def := squareDefinition()
	def.Name = fmt.Sprintf("layer-%d", i)
	def.Layers[0].ID = int64(1000 + i)
	return def
}

func TestNewProjectQueueValidates(t *testing.T) {
	for _, n := range []int{0, MaxConcurrentQueries + 1} {
		_, err := NewProjectQueue(nil, ProjectQueueConfig{MaxConcurrent: n}, nil, testLogger())
		var ce *domain.ConfigError
		if !errors.As(err, &ce) || ce.Field != "queue.max_concurrent" {
			t.Errorf("MaxConcurrent %d: expected ConfigError, got %v", n, err)
		}
	}
}

func TestNewProjectQueueClassifiesHandles(t *testing.T) {
	f := newQueryFixture(t, &mockQueryAPI{}, false)

	fresh, err := f.svc.FromDefinition(squareDefinition())
	if err != nil {
		t.Fatal(err)
	}
	path := f.dir + "/00aa_20200101T000000.zip"
	if err := writeFile(path, resultArchive(t)); err != nil {
		t.Fatal(err)
	}
	done, err := f.svc.FromArchive(path)
	if err != nil {
		t.Fatal(err)
	}
	running := f.svc.FromRemoteID("q-running")

	q, err := NewProjectQueue([]*QueryHandle{fresh, done, running, nil}, ProjectQueueConfig{MaxConcurrent: 2}, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	counts := QueueCounts(q.Snapshot())
	if counts[QueueQueued] != 1 || counts[QueueRunning] != 1 || counts[QueueCompleted] != 1 || counts[QueueFailed] != 0 {
		t.Errorf("counts = %v", counts)
	}
	if q.Snapshot().Total != 3 {
		t.Errorf("Total = %d, want 3", q.Snapshot().Total)
	}
}

func TestSubmitAllQueued(t *testing.T) {
	const n = 6
	statuses := make(map[string][]domain.StatusCode)
	for i := 1; i <= n; i++ {
		statuses[fmt.Sprintf("q%d", i)] = []domain.StatusCode{domain.StatusRunning, domain.StatusSucceeded}
	}
	statuses["q5"] = []domain.StatusCode{domain.StatusRunning, domain.StatusFailed}

	api := &mockQueryAPI{submitID: "auto", statuses: statuses, archive: resultArchive(t)}
	f := newQueryFixture(t, api, false)

	handles := make([]*QueryHandle, n)
	for i := range handles {
		h, err := f.svc.FromDefinition(distinctDefinition(i))
		if err != nil {
			t.Fatal(err)
		}
		handles[i] = h
	}

	metrics := &depthRecorder{}
	q, err := NewProjectQueue(handles, ProjectQueueConfig{
		MaxConcurrent: 2,
		SubmitPause:   time.Second,
		PollInterval:  10 * time.Second,
	}, metrics, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	q.now = f.clock.Now
	var snaps []input.QueueSnapshot
	q.sleep = func(ctx context.Context, d time.Duration) error {
		snaps = append(snaps, q.Snapshot())
		return f.clock.Sleep(ctx, d)
	}

	if err := q.SubmitAllQueued(context.Background()); err != nil {
		t.Fatalf("SubmitAllQueued() error = %v", err)
	}

	metrics.checkProgress(t, n, 2)

	left := make(map[string]bool)
	for i, snap := range snaps {
		if snap.Total != n {
			t.Errorf("snapshot %d: Total = %d, want %d", i, snap.Total, n)
		}
		queued := make(map[string]bool)
		for _, e := range snap.Queued {
			queued[e.Name] = true
			if left[e.Name] {
				t.Errorf("snapshot %d: %s returned to queued", i, e.Name)
			}
		}
		for _, h := range handles {
			if !queued[h.Name()] {
				left[h.Name()] = true
			}
		}
	}
	if len(snaps) == 0 {
		t.Error("queue never waited between passes")
	}

	snap := q.Snapshot()
	if len(snap.Queued) != 0 || len(snap.Running) != 0 {
		t.Errorf("queued = %d, running = %d after completion", len(snap.Queued), len(snap.Running))
	}
	if len(snap.Completed) != n-1 || len(snap.Failed) != 1 || snap.Total != n {
		t.Errorf("completed = %d, failed = %d, total = %d", len(snap.Completed), len(snap.Failed), snap.Total)
	}
	if api.submits != n {
		t.Errorf("submits = %d, want %d", api.submits, n)
	}

	for _, h := range q.Completed() {
		if h.State() != domain.StateDownloaded || !h.Downloaded() {
			t.Errorf("%s: state = %v", h.Name(), h.State())
		}
	}
	if failed := q.Failed(); len(failed) != 1 || failed[0].RemoteID() != "q5" {
		t.Errorf("failed = %v", failed)
	}
}

func TestSubmitAllQueuedFailsUnsubmittable(t *testing.T) {
	api := &mockQueryAPI{submitErr: &domain.APIError{Operation: "submit", StatusCode: 500}}
	f := newQueryFixture(t, api, false)

	h, err := f.svc.FromDefinition(squareDefinition())
	if err != nil {
		t.Fatal(err)
	}
	q, err := NewProjectQueue([]*QueryHandle{h}, ProjectQueueConfig{MaxConcurrent: 1}, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	q.sleep = f.clock.Sleep

	if err := q.SubmitAllQueued(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(q.Failed()) != 1 || len(q.Completed()) != 0 {
		t.Errorf("failed = %d, completed = %d", len(q.Failed()), len(q.Completed()))
	}
}

func TestSubmitAllQueuedHonoursCancel(t *testing.T) {
	api := &mockQueryAPI{submitID: "auto", statuses: map[string][]domain.StatusCode{"*": {domain.StatusRunning}}}
	f := newQueryFixture(t, api, false)

	h, err := f.svc.FromDefinition(squareDefinition())
	if err != nil {
		t.Fatal(err)
	}
	q, err := NewProjectQueue([]*QueryHandle{h}, ProjectQueueConfig{MaxConcurrent: 1}, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	polls := 0
	q.sleep = func(ctx context.Context, d time.Duration) error {
		polls++
		if polls == 3 {
			cancel()
		}
		return ctx.Err()
	}

	if err := q.SubmitAllQueued(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if snap := q.Snapshot(); len(snap.Running) != 1 || snap.Total != 1 {
		t.Errorf("running = %d, total = %d", len(snap.Running), snap.Total)
	}
}
