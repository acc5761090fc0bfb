package throttle

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dufton/throttlingtroll/pkg/throttle/counters"
)

// cleanupTimeout is the fresh deadline each cleanup routine gets when
// the request completes, independent of the request's own context.
const cleanupTimeout = 10 * time.Second

// Engine evaluates requests against the current config generation and
// enforces rule limits through a counter store.
//
// The engine fails open on infrastructure trouble: a poisoned loader
// admits everything, and a rule whose store call fails is skipped for
// that request while the other rules still apply.
type Engine struct {
	loader  *ConfigLoader
	store   counters.Store
	logger  *slog.Logger
	metrics *Metrics
	clock   func() time.Time

	// warnLimiter keeps store-outage logging from flooding when every
	// request hits the same broken backend.
	warnLimiter *rate.Limiter
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the wall clock. Tests use this to drive window
// boundaries deterministically.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine builds an engine over a config loader and a counter store.
func NewEngine(loader *ConfigLoader, store counters.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		loader:      loader,
		store:       store,
		logger:      slog.Default().With("component", "throttle.engine"),
		clock:       time.Now,
		warnLimiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the request through every matching rule. A nil result
// means the request is admitted; the returned cleanups must be run
// exactly once when the request completes, whatever its outcome.
//
// When the worst offending rule allows a delay, Evaluate holds the
// request and re-checks until it is admitted or the delay budget runs
// out. The config generation observed at entry is used for the whole
// call, including re-checks.
func (e *Engine) Evaluate(ctx context.Context, req *http.Request) (*Result, []CleanupFunc) {
	cfg := e.loader.Snapshot()
	if cfg == nil {
		return nil, nil
	}
	if cfg.isWhitelisted(req) {
		return nil, nil
	}

	now := e.clock()
	result, cleanups := e.evaluateRules(ctx, cfg, req, now)
	if result == nil {
		return nil, cleanups
	}

	maxDelay := result.Rule.MaxDelay
	if maxDelay <= 0 {
		return result, cleanups
	}

	// Delayed path: release this attempt's claims, then poll until the
	// budget fixed at entry is spent.
	deadline := now.Add(maxDelay)
	waitStart := now
	for {
		e.RunCleanups(cleanups)
		cleanups = nil

		sleep := result.RetryAfter.Delay(e.clock())
		if sleep > time.Second {
			sleep = time.Second
		}
		if e.clock().Add(sleep).After(deadline) {
			e.metrics.observeWait(e.clock().Sub(waitStart))
			return result, nil
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.metrics.observeWait(e.clock().Sub(waitStart))
			return result, nil
		case <-timer.C:
		}

		result, cleanups = e.evaluateRules(ctx, cfg, req, e.clock())
		if result == nil {
			e.metrics.observeWait(e.clock().Sub(waitStart))
			return nil, cleanups
		}
	}
}

// evaluateRules checks every matching rule once. All matching rules are
// evaluated even after one reports exceeded, so each still consumes its
// permit and the largest retry hint can be picked. Cleanups from
// admitted rules are accumulated regardless of the overall outcome.
func (e *Engine) evaluateRules(ctx context.Context, cfg *Config, req *http.Request, now time.Time) (*Result, []CleanupFunc) {
	var (
		worst    *Result
		cleanups []CleanupFunc
	)

	for _, rule := range cfg.Rules {
		if !rule.Matches(req) {
			continue
		}

		key := rule.CounterKey(cfg.UniqueName, req)
		out, err := rule.Method.Check(ctx, e.store, key, now)
		if err != nil {
			// Fail open for this rule only.
			e.metrics.observeStoreError()
			if e.warnLimiter.Allow() {
				e.logger.Warn("rule check failed, admitting request",
					"rule", rule.describe(), "error", err)
			}
			continue
		}

		e.metrics.observeCheck(rule.describe(), out.exceeded)

		if out.cleanup != nil {
			cleanups = append(cleanups, out.cleanup)
		}
		if !out.exceeded {
			continue
		}

		e.metrics.observeRejection(rule.describe())
		if worst == nil || out.retryAfter.Delay(now) > worst.RetryAfter.Delay(now) {
			worst = &Result{Rule: rule, RetryAfter: out.retryAfter}
		}
	}

	return worst, cleanups
}

// RunCleanups executes the routines concurrently and waits for all of
// them. Each gets a fresh deadline detached from the request context;
// panics and errors are logged and swallowed.
func (e *Engine) RunCleanups(cleanups []CleanupFunc) {
	if len(cleanups) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, cleanup := range cleanups {
		wg.Add(1)
		go func(fn CleanupFunc) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("cleanup panicked", "panic", r)
				}
			}()

			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cancel()

			if err := fn(ctx); err != nil {
				e.logger.Warn("cleanup failed", "error", err)
			}
		}(cleanup)
	}
	wg.Wait()
}
