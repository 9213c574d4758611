package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the state directory for envelope writes by the
// reading app and reloads the affected store, so app-side edits surface
// as store change notifications without polling.
type Watcher struct {
	dir    string
	stores map[string]Reloader
	logger *slog.Logger
}

// NewWatcher creates a watcher over dir for the given file-name to
// store mapping (see Set.Reloaders).
func NewWatcher(dir string, stores map[string]Reloader, logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, stores: stores, logger: logger}
}

// Watch blocks until the context is cancelled, reloading stores as
// their envelope files change. Intended to run in a background
// goroutine next to the sync manager.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching state dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			w.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			w.logger.Warn("state dir watch error", slog.String("error", err.Error()))
		}
	}
}

// handleEvent reloads the store whose envelope file changed. Atomic
// writers (including this daemon's own persist) surface as Create via
// rename; in-place writers surface as Write. Reload compares content
// signatures, so our own persisted writes reload as no-ops.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") {
		return // temp files from atomic writes
	}

	s, ok := w.stores[name]
	if !ok {
		return
	}

	if err := s.Reload(); err != nil {
		w.logger.Warn("reloading envelope after change",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)

		return
	}

	w.logger.Debug("envelope reloaded", slog.String("file", name))
}
