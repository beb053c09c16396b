package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of filesystem events editors emit when
// saving a file into a single reload.
const DefaultDebounce = time.Second

// WatcherConfig holds dependencies for creating a Watcher.
type WatcherConfig struct {
	// Path is the profiles file to watch. Required.
	Path string
	// OnReload receives each successfully reloaded profile set. Required.
	OnReload func(*Profiles)
	// Debounce overrides the reload debounce window. Values below 1ms
	// select DefaultDebounce.
	Debounce time.Duration
	// Logger receives reload and watch-error logs. Nil falls back to
	// slog.Default().
	Logger *slog.Logger
}

// Watcher reloads a profiles file when it changes on disk. Invalid updates
// are logged and skipped; the previously loaded profiles stay in effect at
// the caller until a valid version appears.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(*Profiles)
	debounce time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
}

// NewWatcher starts watching the profiles file's directory. Watching the
// directory instead of the file keeps reloads working across the
// rename-and-replace saves editors and config mounts perform.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.OnReload == nil {
		return nil, fmt.Errorf("config watcher requires a reload callback")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.Debounce
	if debounce < time.Millisecond {
		debounce = DefaultDebounce
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve profiles path: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("watch profiles directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     absPath,
		watcher:  fsWatcher,
		onReload: cfg.OnReload,
		debounce: debounce,
		logger:   logger.With("component", "config.watcher", "path", absPath),
		cancel:   cancel,
	}
	go w.loop(ctx)

	return w, nil
}

// Close stops the watcher. Pending debounced reloads may still fire.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	var debounceTimer *time.Timer

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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Chmod) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("profiles watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	profiles, err := LoadProfiles(w.path)
	if err != nil {
		w.logger.Error("profiles reload failed, keeping previous set", "error", err)
		return
	}

	w.logger.Info("profiles reloaded", "profiles", profiles.Len())
	w.onReload(profiles)
}
