package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/stagectl"
)

// ErrStaticChange is reported when a reloaded catalogue differs in anything
// other than module availability.
var ErrStaticChange = errors.New("bootstrap change outside module availability")

const defaultDebounce = 250 * time.Millisecond

// AvailabilitySetter applies availability changes.
type AvailabilitySetter interface {
	SetAvailability(ctx context.Context, id string, available bool) error
}

// Watcher follows the bootstrap file and applies module availability edits.
// Editors that replace the file are handled by watching its directory.
type Watcher struct {
	path     string
	target   AvailabilitySetter
	logger   stagectl.Logger
	debounce time.Duration

	mu       sync.Mutex
	baseline *Bootstrap
	fsw      *fsnotify.Watcher
	done     chan struct{}
	pending  bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(l stagectl.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = stagectl.LoggerOrNop(l) }
}

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher for path. baseline is the catalogue the
// process started with.
func NewWatcher(path string, baseline *Bootstrap, target AvailabilitySetter, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		target:   target,
		logger:   stagectl.NopLogger(),
		debounce: defaultDebounce,
	}
	b := *baseline
	b.Modules = append([]ModuleSpec(nil), baseline.Modules...)
	w.baseline = &b
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching until Stop is called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.fsw = fsw
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go w.processEvents(ctx, fsw, done)
	w.logger.Info("Bootstrap watcher started", "path", w.path)
	return nil
}

// Stop closes the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	fsw, done := w.fsw, w.done
	w.fsw = nil
	w.mu.Unlock()
	if fsw == nil {
		return nil
	}
	err := fsw.Close()
	<-done
	return err
}

func (w *Watcher) processEvents(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.mu.Lock()
				w.pending = true
				w.mu.Unlock()
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Bootstrap watcher error", "error", err)

		case <-ticker.C:
			w.mu.Lock()
			pending := w.pending
			w.pending = false
			w.mu.Unlock()
			if pending {
				if _, err := w.Reload(ctx); err != nil {
					w.logger.Error("Bootstrap reload rejected", "path", w.path, "error", err)
				}
			}
		}
	}
}

// Reload reads the file and applies availability changes against the
// baseline. Any other difference rejects the whole reload. It returns the
// ids whose availability was applied.
func (w *Watcher) Reload(ctx context.Context) ([]string, error) {
	next, err := LoadBootstrap(w.path)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !reflect.DeepEqual(w.baseline.withoutAvailability(), next.withoutAvailability()) {
		return nil, ErrStaticChange
	}

	before := w.baseline.availability()
	after := next.availability()
	ids := make([]string, 0, len(after))
	for id, avail := range after {
		if before[id] != avail {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var applied []string
	var errs []error
	for _, id := range ids {
		if err := w.target.SetAvailability(ctx, id, after[id]); err != nil {
			errs = append(errs, fmt.Errorf("module %s: %w", id, err))
			continue
		}
		applied = append(applied, id)
		for i := range w.baseline.Modules {
			if w.baseline.Modules[i].ID == id {
				w.baseline.Modules[i].Available = after[id]
			}
		}
	}
	if len(applied) > 0 {
		w.logger.Info("Bootstrap availability applied", "modules", applied)
	}
	return applied, errors.Join(errs...)
}
