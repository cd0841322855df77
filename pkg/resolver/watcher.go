package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-relay/pkg/telemetry"
)

// StaticWatcher keeps a resolver in sync with a directory of binding files.
type StaticWatcher struct {
	dir          string
	resolver     *Resolver
	watcher      *fsnotify.Watcher
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	debounceTime time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running bool
	stopCh  chan struct{}
}

// NewStaticWatcher creates a watcher for dir.
func NewStaticWatcher(dir string, resolver *Resolver, logger *slog.Logger, metrics *telemetry.Metrics) (*StaticWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create binding watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StaticWatcher{
		dir:          dir,
		resolver:     resolver,
		watcher:      watcher,
		logger:       logger,
		metrics:      metrics,
		debounceTime: 200 * time.Millisecond,
		timers:       make(map[string]*time.Timer),
		stopCh:       make(chan struct{}),
	}, nil
}

// Start loads every binding file present in the directory and begins
// watching it. It returns once the initial load is done.
func (w *StaticWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("watch binding directory %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("list binding directory %s: %w", w.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isBindingFile(entry.Name()) {
			continue
		}
		w.reload(filepath.Join(w.dir, entry.Name()))
	}

	w.logger.Info("Binding watcher started", "dir", w.dir)
	go w.watchLoop(ctx)
	return nil
}

// Stop stops watching.
func (w *StaticWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()

	close(w.stopCh)
	return w.watcher.Close()
}

func (w *StaticWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isBindingFile(event.Name) {
				continue
			}
			w.logger.Debug("Binding file event", "event", event.Op.String(), "file", event.Name)
			w.schedule(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Binding watcher error", "error", err)

		case <-w.stopCh:
			return

		case <-ctx.Done():
			_ = w.Stop()
			return
		}
	}
}

// schedule debounces bursts of events for one file. Editors commonly write a
// temp file and rename it, which yields several events in a row.
func (w *StaticWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounceTime, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.reload(path)
	})
}

// reload applies the current content of path, or removes its entries when
// the file is gone.
func (w *StaticWatcher) reload(path string) {
	source := filepath.Base(path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		w.resolver.RemoveStatic(source)
		w.metrics.RecordStaticReload("removed")
		return
	}

	file, err := LoadStaticFile(path)
	if err == nil {
		err = w.resolver.ApplyStatic(source, file)
	}
	if err != nil {
		w.logger.Error("Binding file rejected", "file", path, "error", err)
		w.metrics.RecordStaticReload("error")
		return
	}
	w.metrics.RecordStaticReload("applied")
}

func isBindingFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
