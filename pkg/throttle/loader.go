package throttle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ConfigProducer builds a fresh config. The loader calls it once at
// startup and then, when a refresh interval is configured, on every
// tick.
type ConfigProducer func(ctx context.Context) (*Config, error)

// ConfigLoader owns the current config generation. Snapshot hands out
// an immutable pointer, so a request observes exactly one generation
// for its whole evaluation even while a refresh swaps in the next one.
//
// A loader whose initial production fails is poisoned: Snapshot returns
// nil and throttling is suspended until an Install or a successful
// refresh recovers it. Later refresh failures are logged and the
// current generation stays in service.
type ConfigLoader struct {
	current  atomic.Pointer[Config]
	poisoned atomic.Bool

	producer ConfigProducer
	interval time.Duration
	logger   *slog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// LoaderOption customizes a ConfigLoader.
type LoaderOption func(*ConfigLoader)

// WithRefreshInterval makes the loader re-run the producer periodically.
// Zero or negative disables refreshing.
func WithRefreshInterval(d time.Duration) LoaderOption {
	return func(l *ConfigLoader) { l.interval = d }
}

// WithLoaderLogger sets the logger for refresh outcomes.
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(l *ConfigLoader) { l.logger = logger }
}

// NewConfigLoader runs the producer once synchronously and, when a
// refresh interval is set, starts the background refresh loop. An
// initial production failure does not fail construction: the loader
// starts poisoned and logs the cause.
func NewConfigLoader(ctx context.Context, producer ConfigProducer, opts ...LoaderOption) *ConfigLoader {
	l := &ConfigLoader{
		producer: producer,
		logger:   slog.Default().With("component", "throttle.loader"),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if cfg, err := producer(ctx); err != nil {
		l.poisoned.Store(true)
		l.logger.Error("initial config load failed, throttling suspended", "error", err)
	} else {
		l.current.Store(cfg)
	}

	if l.interval > 0 {
		loopCtx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		go l.refreshLoop(loopCtx)
	} else {
		close(l.done)
	}

	return l
}

// NewStaticLoader wraps a fixed config in a loader that never refreshes.
func NewStaticLoader(cfg *Config) *ConfigLoader {
	l := &ConfigLoader{
		logger: slog.Default().With("component", "throttle.loader"),
		done:   make(chan struct{}),
	}
	l.current.Store(cfg)
	close(l.done)
	return l
}

// Snapshot returns the current config generation, or nil when the
// loader is poisoned or holds nothing yet.
func (l *ConfigLoader) Snapshot() *Config {
	if l.poisoned.Load() {
		return nil
	}
	return l.current.Load()
}

// Install swaps in a new generation and clears any poisoned state.
// External watchers push reloaded configs through here.
func (l *ConfigLoader) Install(cfg *Config) {
	l.current.Store(cfg)
	l.poisoned.Store(false)
}

// Poisoned reports whether throttling is currently suspended.
func (l *ConfigLoader) Poisoned() bool {
	return l.poisoned.Load()
}

// Close stops the refresh loop and waits for it to exit.
func (l *ConfigLoader) Close() error {
	l.closeOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
		}
	})
	<-l.done
	return nil
}

func (l *ConfigLoader) refreshLoop(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg, err := l.producer(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Warn("config refresh failed, keeping current config", "error", err)
				continue
			}
			l.Install(cfg)
			l.logger.Debug("config refreshed", "rules", len(cfg.Rules))
		}
	}
}
