package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a config file on disk and invokes a callback with the
// reloaded Config whenever it changes. Only a subset of fields is safe to
// change at runtime (log level, max connections); callers decide what to
// apply from the reloaded value.
type Watcher struct {
	path     string
	logger   *slog.Logger
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher starts watching path and calls callback on every debounced
// write/create event, after the file has been successfully reloaded.
func NewWatcher(path string, logger *slog.Logger, callback func(*Config)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		logger:   logger,
		callback: callback,
		watcher:  fw,
		stopCh:   make(chan struct{}),
	}

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}

			debounce = time.AfterFunc(500*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.logger.Error("config watcher error", slog.Any("error", err))
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config hot-reload failed", slog.String("path", w.path), slog.Any("error", err))
		return
	}

	w.logger.Info("config reloaded", slog.String("path", w.path))
	w.callback(cfg)
}

// Stop stops watching and releases the underlying inotify handle.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}
