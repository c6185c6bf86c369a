package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 1500 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk.
// The directory is watched rather than the file so editors that replace the
// file on save keep triggering reloads.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onReload func(*Config)
	onError  func(error)
	load     func(path string) (*Config, error)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithErrorHandler sets a callback for files that fail to load or validate.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// NewWatcher creates a watcher for path. onReload receives every config that
// loads and validates after a change.
func NewWatcher(path string, logger *slog.Logger, onReload func(*Config), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		debounce: defaultWatchDebounce,
		logger:   logger,
		onReload: onReload,
		load:     Load,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	w.logger.Info("config watcher started", slog.String("path", abs), slog.Duration("debounce", w.debounce))

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("config watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("config file change detected", slog.String("op", event.Op.String()))
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.reload(abs)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload(path string) {
	cfg, err := w.load(path)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping current configuration", slog.String("error", err.Error()))
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	w.logger.Info("config reloaded", slog.String("path", path))
	w.onReload(cfg)
}
