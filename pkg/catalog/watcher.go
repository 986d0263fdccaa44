package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// Watcher reloads a catalog file into a Registry when it changes on disk
type Watcher struct {
	path     string
	registry *Registry
	logger   *observability.Logger
	delay    time.Duration
	onReload func(*Catalog)

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timer   *time.Timer
}

// NewWatcher watches the directory containing path, since editors and
// config management usually replace the file rather than write it in place.
func NewWatcher(path string, registry *Registry, logger *observability.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		path:     filepath.Clean(path),
		registry: registry,
		logger:   observability.OrNop(logger).WithField("catalog", path),
		delay:    250 * time.Millisecond,
		watcher:  fw,
	}, nil
}

// OnReload registers a callback run after every successful reload
func (w *Watcher) OnReload(fn func(*Catalog)) {
	w.onReload = fn
}

// Run processes file events until ctx is done or Close is called
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Catalog watcher error")
		}
	}
}

// schedule debounces bursts of events into one reload
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, func() {
		if err := w.Reload(); err != nil {
			w.logger.WithError(err).Error("Catalog reload rejected, keeping previous catalog")
		}
	})
}

// Reload parses the file and swaps it into the registry
func (w *Watcher) Reload() error {
	next, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	if err := w.registry.Replace(next); err != nil {
		return err
	}
	w.logger.WithField("modules", len(next.moduleKeys)).Info("Catalog reloaded")
	if w.onReload != nil {
		w.onReload(next)
	}
	return nil
}

// Close stops watching
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
