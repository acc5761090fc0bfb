package ingress

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dufton/throttlingtroll/pkg/throttle"
)

// ResponseBuilder renders a limit-exceeded response. Returning true
// tells the middleware to run the downstream handler anyway, treating
// the exceeded limit as advisory; in that case the builder usually only
// sets headers.
type ResponseBuilder func(w http.ResponseWriter, r *http.Request, result *throttle.Result) (continueAsNormal bool)

// Options configures the ingress middleware.
type Options struct {
	// Engine evaluates the rules. Required.
	Engine *throttle.Engine

	// ResponseBuilder overrides the default 429 response.
	ResponseBuilder ResponseBuilder

	// Logger receives adapter-level events. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultResponseBuilder writes the stock rejection: status 429, a
// Retry-After header, and a short plain-text body naming the wait.
func DefaultResponseBuilder(w http.ResponseWriter, _ *http.Request, result *throttle.Result) bool {
	w.Header().Set("Retry-After", result.RetryAfter.HeaderValue())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprintf(w, "Retry after %s", result.RetryAfter)
	return false
}

// Middleware wraps handlers with rule enforcement. Each request is
// evaluated before the handler runs; registered cleanups run when the
// handler returns, including on panic.
func Middleware(opts Options) func(http.Handler) http.Handler {
	if opts.Engine == nil {
		panic("ingress: Options.Engine is required")
	}
	if opts.ResponseBuilder == nil {
		opts.ResponseBuilder = DefaultResponseBuilder
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "ingress")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, trap := throttle.WithTrap(r.Context())
			r = r.WithContext(ctx)

			result, cleanups := opts.Engine.Evaluate(ctx, r)
			defer opts.Engine.RunCleanups(cleanups)

			if result != nil {
				if !opts.ResponseBuilder(w, r, result) {
					return
				}
			}

			tw := &trackingWriter{ResponseWriter: w}
			next.ServeHTTP(tw, r)

			// An egress call made by the handler may have been throttled
			// without the handler surfacing it. Translate the trapped
			// signal into a 429 unless a response is already on the wire.
			if tmr := trap.Sprung(); tmr != nil && !tw.wrote {
				opts.Logger.Debug("propagating egress throttling to client",
					"retry_after", tmr.RetryAfter.String())
				opts.ResponseBuilder(w, r, &throttle.Result{RetryAfter: tmr.RetryAfter})
			}
		})
	}
}

// trackingWriter records whether anything was written so a propagated
// rejection never clobbers a response the handler already started.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.wrote = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(b)
}
