package ingress

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
)

// LazyMiddleware defers building the real middleware until the first
// request arrives. Useful when the engine's dependencies (a remote
// config source, a counter store connection) are not ready at route
// registration time.
//
// The factory runs at most once at a time; while it keeps failing,
// requests pass through unthrottled and the failure is logged. Once it
// succeeds the built middleware serves every later request.
type LazyMiddleware struct {
	factory func() (func(http.Handler) http.Handler, error)
	logger  *slog.Logger

	mu    sync.Mutex
	built atomic.Pointer[func(http.Handler) http.Handler]
}

// NewLazyMiddleware wraps a middleware factory.
func NewLazyMiddleware(factory func() (func(http.Handler) http.Handler, error), logger *slog.Logger) *LazyMiddleware {
	if logger == nil {
		logger = slog.Default().With("component", "ingress.lazy")
	}
	return &LazyMiddleware{factory: factory, logger: logger}
}

// Wrap returns a handler that resolves the middleware on first use.
func (l *LazyMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mw := l.built.Load(); mw != nil {
			(*mw)(next).ServeHTTP(w, r)
			return
		}

		l.mu.Lock()
		mw := l.built.Load()
		if mw == nil {
			built, err := l.factory()
			if err != nil {
				l.mu.Unlock()
				l.logger.Warn("middleware not ready, request admitted", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			l.built.Store(&built)
			mw = &built
		}
		l.mu.Unlock()

		(*mw)(next).ServeHTTP(w, r)
	})
}
