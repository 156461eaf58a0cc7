package permission

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a PolicyGate when its backing file changes.
type Watcher struct {
	path   string
	gate   *PolicyGate
	logger *slog.Logger
}

// NewWatcher creates a watcher for the given policy file.
func NewWatcher(path string, gate *PolicyGate, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, gate: gate, logger: logger}
}

// Start begins watching in a background goroutine until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.path); err != nil {
		w.logger.Warn("permission policy not watchable", "path", w.path, "error", err)
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := ReloadFromFile(w.gate, w.path); err != nil {
					w.logger.Error("permission policy reload failed, keeping previous", "path", w.path, "error", err)
					continue
				}
				w.logger.Info("permission policy reloaded", "path", w.path, "version", w.gate.PolicyVersion())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("permission watcher error", "error", err)
			}
		}
	}()
	return nil
}
