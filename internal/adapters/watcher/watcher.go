// Package watcher reports new files in upload inbox directories.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event represents a file system event.
type Event struct {
	Path      string
	Operation Operation
	Size      int64 // Size when the file settled; zero for deletes
}

// Operation represents the type of file operation.
type Operation int

// File operation types.
const (
	OpCreate Operation = iota
	OpModify
	OpDelete
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Handler is called when a relevant file event occurs.
type Handler func(ctx context.Context, event Event) error

// pendingEvent is a file that has not settled yet.
type pendingEvent struct {
	changed time.Time
	op      Operation
	size    int64
}

// DefaultExtensions are the inbox file types picked up for upload.
var DefaultExtensions = []string{".tif", ".tiff", ".csv", ".zip", ".json"}

// Watcher watches inbox directories for data files. A file is reported once
// its size stayed the same for the debounce period, so the handler never
// sees a file that is still being copied in.
type Watcher struct {
	fsWatcher  *fsnotify.Watcher
	handler    Handler
	logger     *slog.Logger
	paths      []string
	extensions []string
	debounce   time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEvent
	now     func() time.Time
}

// Config holds watcher configuration.
type Config struct {
	Paths      []string
	Extensions []string // Lower-case, with leading dot
	Debounce   time.Duration
}

// New creates a new file watcher.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.Debounce == 0 {
		cfg.Debounce = 2 * time.Second
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}

	return &Watcher{
		fsWatcher:  fsWatcher,
		handler:    handler,
		logger:     logger,
		paths:      cfg.Paths,
		extensions: cfg.Extensions,
		debounce:   cfg.Debounce,
		pending:    make(map[string]*pendingEvent),
		now:        time.Now,
	}, nil
}

// Start watches the inbox directories. Files already present are reported
// like newly created ones.
func (w *Watcher) Start(ctx context.Context) error {
	for _, path := range w.paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			w.logger.Warn("invalid inbox path", "path", path, "error", err)
			continue
		}

		if err := w.fsWatcher.Add(absPath); err != nil {
			w.logger.Warn("failed to watch inbox", "path", absPath, "error", err)
			continue
		}
		w.logger.Info("watching inbox", "path", absPath, "extensions", w.extensions)

		w.scan(absPath)
	}

	go w.eventLoop(ctx)
	go w.settleLoop(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.fsWatcher.Close()
}

// scan queues the files already in dir.
func (w *Watcher) scan(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Warn("failed to list inbox", "path", dir, "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() || !w.accepts(path) {
			continue
		}
		w.pending[path] = &pendingEvent{changed: w.now(), op: OpCreate, size: -1}
	}
}

func (w *Watcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.record(event.Name, toOperation(event.Op))

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// record merges a raw event into the pending set. A file created and
// removed again before it settled is forgotten.
func (w *Watcher) record(path string, op Operation) {
	if !w.accepts(path) {
		return
	}
	w.logger.Debug("inbox event", "path", path, "op", op.String())

	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pending[path]
	switch {
	case !ok:
		w.pending[path] = &pendingEvent{changed: w.now(), op: op, size: -1}
	case op == OpDelete && p.op == OpCreate:
		delete(w.pending, path)
	case op == OpDelete:
		p.op, p.changed = OpDelete, w.now()
	case p.op == OpDelete:
		p.op, p.changed, p.size = OpCreate, w.now(), -1
	default:
		p.changed = w.now()
	}
}

func (w *Watcher) settleLoop(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range w.settled() {
				go w.dispatch(ctx, e)
			}
		}
	}
}

// settled removes and returns the pending files that stopped changing.
func (w *Watcher) settled() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	var ready []Event
	for path, p := range w.pending {
		if now.Sub(p.changed) < w.debounce {
			continue
		}

		if p.op == OpDelete {
			delete(w.pending, path)
			ready = append(ready, Event{Path: path, Operation: OpDelete})
			continue
		}

		fi, err := os.Stat(path)
		if err != nil {
			delete(w.pending, path)
			continue
		}
		if fi.Size() != p.size {
			// Still growing, or seen for the first time.
			p.size, p.changed = fi.Size(), now
			continue
		}
		delete(w.pending, path)
		ready = append(ready, Event{Path: path, Operation: p.op, Size: p.size})
	}
	return ready
}

func (w *Watcher) dispatch(ctx context.Context, e Event) {
	w.logger.Info("inbox file settled", "path", e.Path, "operation", e.Operation.String(), "bytes", e.Size)
	if err := w.handler(ctx, e); err != nil {
		w.logger.Error("handler error",
			"path", e.Path,
			"operation", e.Operation.String(),
			"error", err,
		)
	}
}

// toOperation converts fsnotify.Op to our Operation type. A rename moves the
// file away from the inbox and counts as a delete.
func toOperation(op fsnotify.Op) Operation {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return OpDelete
	case op.Has(fsnotify.Create):
		return OpCreate
	default:
		return OpModify
	}
}

// accepts reports whether path has a watched extension. Hidden files and
// partial downloads are skipped.
func (w *Watcher) accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".part") || strings.HasSuffix(base, ".tmp") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, e := range w.extensions {
		if ext == e {
			return true
		}
	}
	return false
}
