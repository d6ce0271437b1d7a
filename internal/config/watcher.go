package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/vzahanych/fallwatch/internal/logger"
)

// FileWatcher reloads a Service when its configuration file changes on disk.
// The parent directory is watched so editors that replace the file on save
// are still noticed.
type FileWatcher struct {
	svc            *Service
	logger         *logger.Logger
	debouncePeriod time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
}

// NewFileWatcher creates a watcher for svc's configuration file.
func NewFileWatcher(svc *Service, log *logger.Logger) *FileWatcher {
	return &FileWatcher{
		svc:            svc,
		logger:         log,
		debouncePeriod: 500 * time.Millisecond,
	}
}

// Name implements service.Service.
func (w *FileWatcher) Name() string {
	return "config-watcher"
}

// Start begins watching. It is a no-op when the service has no backing file.
func (w *FileWatcher) Start(ctx context.Context) error {
	path := w.svc.Path()
	if path == "" {
		w.logger.Debug("No configuration file to watch")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "failed to watch config directory of %s", path)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx, watcher, filepath.Clean(path))

	w.logger.Info("Watching configuration file", "path", path)
	return nil
}

// Stop stops watching and cancels any pending reload.
func (w *FileWatcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	watcher := w.watcher
	done := w.done
	w.watcher = nil
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if watcher == nil {
		return nil
	}
	if err := watcher.Close(); err != nil {
		return errors.Wrap(err, "failed to close fsnotify watcher")
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *FileWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher, path string) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

func (w *FileWatcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debouncePeriod, func() {
		if err := w.svc.Reload(ctx); err != nil {
			w.logger.Error("Failed to reload configuration, keeping previous values", "error", err)
		}
	})
}
