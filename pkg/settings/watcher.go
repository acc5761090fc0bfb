package settings

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dufton/throttlingtroll/pkg/throttle"
)

// Watcher reloads a settings file when it changes on disk and installs
// the rebuilt config into a loader. Editors and config-map mounts often
// replace files with rename+create, so the watcher watches the parent
// directory and filters events for the target name.
type Watcher struct {
	path     string
	sel      SectionSelector
	buildOps []BuildOption
	loader   *throttle.ConfigLoader
	logger   *slog.Logger
	metrics  *throttle.Metrics
	debounce time.Duration

	fsw       *fsnotify.Watcher
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger for reload outcomes.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// WithWatcherMetrics records reload outcomes on the throttle metrics.
func WithWatcherMetrics(m *throttle.Metrics) WatcherOption {
	return func(w *Watcher) { w.metrics = m }
}

// WithDebounce sets how long to wait after the last write event before
// reloading. Default: 200ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher starts watching the settings file. Build options are
// applied on every reload, so identity extractors survive file changes.
func NewWatcher(path string, sel SectionSelector, loader *throttle.ConfigLoader, buildOps []BuildOption, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		sel:      sel,
		buildOps: buildOps,
		loader:   loader,
		logger:   slog.Default().With("component", "settings.watcher"),
		debounce: 200 * time.Millisecond,
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(w.path), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.loop(ctx)

	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		w.fsw.Close()
	})
	<-w.done
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(w.debounce)
			} else {
				pending.Reset(w.debounce)
			}
			pendingC = pending.C

		case <-pendingC:
			pendingC = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	f, err := Load(w.path)
	if err != nil {
		w.metrics.ObserveConfigReload(false)
		w.logger.Warn("settings reload failed, keeping current config", "error", err)
		return
	}
	cfg, err := Build(w.sel(f), w.buildOps...)
	if err != nil {
		w.metrics.ObserveConfigReload(false)
		w.logger.Warn("settings rebuild failed, keeping current config", "error", err)
		return
	}
	w.loader.Install(cfg)
	w.metrics.ObserveConfigReload(true)
	w.logger.Info("settings reloaded", "path", w.path, "rules", len(cfg.Rules))
}
