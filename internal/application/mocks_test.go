package application

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClock advances only when the code under test sleeps.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps int
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.sleeps++
	c.mu.Unlock()
	return ctx.Err()
}

// mockQueryAPI implements output.QueryAPI for testing.
type mockQueryAPI struct {
	mu sync.Mutex

	submitID      string
	submitPayload []byte
	submitErr     error
	statuses      map[string][]domain.StatusCode // Consumed one per call; the last repeats
	statusErr     error
	archive       []byte
	downloadErr   error
	progress      []domain.BucketProgress
	definition    *domain.QueryDefinition

	submits   int
	polls     map[string]int
	downloads int
	pushes    int
	nextID    int
}

func (m *mockQueryAPI) SubmitQuery(_ context.Context, def *domain.QueryDefinition) (*output.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits++
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	id := m.submitID
	if id == "auto" {
		m.nextID++
		id = "q" + strconv.Itoa(m.nextID)
	}
	return &output.SubmitResult{ID: id, Payload: m.submitPayload}, nil
}

func (m *mockQueryAPI) QueryStatus(_ context.Context, id string) (*domain.QueryStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.polls == nil {
		m.polls = make(map[string]int)
	}
	m.polls[id]++
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	seq, own := m.statuses[id]
	if !own {
		seq = m.statuses["*"]
	}
	if len(seq) == 0 {
		return nil, &domain.APIError{Operation: "status", RemoteID: id, StatusCode: http.StatusNotFound}
	}
	code := seq[0]
	if own && len(seq) > 1 {
		m.statuses[id] = seq[1:]
	}
	return &domain.QueryStatus{ID: id, Code: code}, nil
}

func (m *mockQueryAPI) DownloadArchive(_ context.Context, _ string, w io.Writer) (int64, error) {
	m.mu.Lock()
	m.downloads++
	m.mu.Unlock()
	if m.downloadErr != nil {
		return 0, m.downloadErr
	}
	return io.Copy(w, bytes.NewReader(m.archive))
}

func (m *mockQueryAPI) FetchQueryDefinition(_ context.Context, _ string) (*domain.QueryDefinition, error) {
	if m.definition == nil {
		return nil, domain.ErrNotFound
	}
	return m.definition, nil
}

func (m *mockQueryAPI) PushToBucket(_ context.Context, _ string, _ domain.BucketTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes++
	return nil
}

func (m *mockQueryAPI) BucketProgress(_ context.Context, _ string) (*domain.BucketProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.progress[0]
	if len(m.progress) > 1 {
		m.progress = m.progress[1:]
	}
	return &p, nil
}

func (m *mockQueryAPI) Polygon(_ context.Context, id int64) (*domain.Polygon, error) {
	return &domain.Polygon{ID: id, Name: "polygon"}, nil
}

func (m *mockQueryAPI) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.submits + m.downloads + m.pushes
	for _, p := range m.polls {
		n += p
	}
	return n
}

// countingOpener counts archive opens.
type countingOpener struct {
	next  output.ArchiveOpener
	opens int
}

func (o *countingOpener) Open(path string) (output.Archive, error) {
	o.opens++
	return o.next.Open(path)
}

// mockIndex implements output.ArchiveIndex for testing.
type mockIndex struct {
	mu       sync.Mutex
	archives map[string]string
	locked   map[string]bool
	lockErr  error
}

func newMockIndex() *mockIndex {
	return &mockIndex{archives: make(map[string]string), locked: make(map[string]bool)}
}

func (x *mockIndex) Lookup(_ context.Context, hash string) (string, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	p, ok := x.archives[hash]
	return p, ok, nil
}

func (x *mockIndex) Record(_ context.Context, hash, path string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.archives[hash] = path
	return nil
}

func (x *mockIndex) Lock(_ context.Context, hash string) (func(), error) {
	if x.lockErr != nil {
		return nil, x.lockErr
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.locked[hash] {
		return nil, domain.ErrLockHeld
	}
	x.locked[hash] = true
	return func() {
		x.mu.Lock()
		defer x.mu.Unlock()
		delete(x.locked, hash)
	}, nil
}

// mockJobStore records what was saved.
type mockJobStore struct {
	output.NoOpJobStore
	mu      sync.Mutex
	queries map[string]domain.QueryRecord
	uploads map[string]domain.UploadRecord
}

func newMockJobStore() *mockJobStore {
	return &mockJobStore{
		queries: make(map[string]domain.QueryRecord),
		uploads: make(map[string]domain.UploadRecord),
	}
}

func (s *mockJobStore) SaveQuery(_ context.Context, rec domain.QueryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[rec.RemoteID] = rec
	return nil
}

func (s *mockJobStore) GetQuery(_ context.Context, id string) (*domain.QueryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.queries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

func (s *mockJobStore) SaveUpload(_ context.Context, rec domain.UploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[rec.JobID] = rec
	return nil
}

// mockPublisher records published events.
type mockPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *mockPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *mockPublisher) Close() error { return nil }

func (p *mockPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

// uploadReply is one canned answer of the upload status endpoint.
type uploadReply struct {
	code   int
	status domain.UploadState
	files  []domain.FileSummary
}

// mockUploadAPI implements output.UploadAPI for testing.
type mockUploadAPI struct {
	mu sync.Mutex

	submitErr   error
	trackingIDs []string                 // Handed out in order, then generated
	replies     map[string][]uploadReply // Per tracking id, "*" for any; the last repeats
	delay       time.Duration            // Per status call

	bodies      [][]byte
	statusCalls map[string]int
	nextID      int

	// Jobs between an accepted submit and a terminal status reply.
	active     map[string]bool
	peakActive int
}

func (m *mockUploadAPI) peak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakActive
}

func (m *mockUploadAPI) SubmitUpload(_ context.Context, body []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies = append(m.bodies, body)
	if m.submitErr != nil {
		return "", m.submitErr
	}
	var id string
	if len(m.trackingIDs) > 0 {
		id = m.trackingIDs[0]
		m.trackingIDs = m.trackingIDs[1:]
	} else {
		m.nextID++
		id = "t" + strconv.Itoa(m.nextID)
	}
	if m.active == nil {
		m.active = make(map[string]bool)
	}
	m.active[id] = true
	m.peakActive = max(m.peakActive, len(m.active))
	return id, nil
}

func (m *mockUploadAPI) UploadStatus(_ context.Context, id string) (*output.UploadStatusResponse, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusCalls == nil {
		m.statusCalls = make(map[string]int)
	}
	m.statusCalls[id]++

	seq, own := m.replies[id]
	if !own {
		seq = m.replies["*"]
	}
	if len(seq) == 0 {
		return nil, errors.New("no reply configured")
	}
	r := seq[0]
	if own && len(seq) > 1 {
		m.replies[id] = seq[1:]
	}

	if r.code != http.StatusOK || r.status.IsTerminal() {
		delete(m.active, id)
	}

	resp := &output.UploadStatusResponse{HTTPStatus: r.code}
	if r.code == http.StatusOK {
		resp.Snapshot = &domain.UploadStatus{Status: r.status, Summary: r.files}
	} else {
		resp.Message = http.StatusText(r.code)
	}
	return resp, nil
}

func (m *mockUploadAPI) calls(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCalls[id]
}

// mockStorage implements output.ObjectStorage in memory.
type mockStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newMockStorage() *mockStorage {
	return &mockStorage{objects: make(map[string][]byte)}
}

func (s *mockStorage) List(_ context.Context, _ ...string) ([]output.StorageObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []output.StorageObject
	for k, v := range s.objects {
		out = append(out, output.StorageObject{Key: k, Size: int64(len(v))})
	}
	return out, nil
}

func (s *mockStorage) Download(_ context.Context, key, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	if !ok {
		return domain.ErrNotFound
	}
	return os.WriteFile(dest, b, 0o644)
}

func (s *mockStorage) GetReader(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *mockStorage) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *mockStorage) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = b
	return nil
}

func (s *mockStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *mockStorage) Presign(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://stage.example.com/" + key + "?sig=x", nil
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
