package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a config file and emits a freshly loaded Config whenever
// it changes. Only job tuning is expected to change at runtime; callers
// decide which fields they apply. Editors produce bursts of write/rename
// events, so reloads are debounced.
type Watcher struct {
	configPath string
	watcher    *fsnotify.Watcher
	output     chan *Config
	stopCh     chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

const reloadDebounce = 500 * time.Millisecond

// NewWatcher creates a watcher for the given config file path
func NewWatcher(configPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		configPath: configPath,
		watcher:    fsWatcher,
		output:     make(chan *Config, 1),
		stopCh:     make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched rather than the
// file itself so atomic save (write temp + rename) does not lose the watch.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}

	go w.processEvents(ctx)

	slog.Info("config watcher started", "path", w.configPath)
	return nil
}

// Configs returns the channel of reloaded configurations
func (w *Watcher) Configs() <-chan *Config {
	return w.output
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.configPath)
	if err != nil {
		slog.Warn("config reload failed, keeping previous config", "path", w.configPath, "error", err)
		return
	}

	select {
	case w.output <- cfg:
	default:
		// Drop if the consumer has not picked up the previous reload yet;
		// a newer config will follow on the next change.
	}

	slog.Info("config reloaded", "path", w.configPath)
}
