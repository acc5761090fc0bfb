package egress

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dufton/throttlingtroll/pkg/throttle"
)

// Attempt describes one throttled round-trip attempt for the response
// builder.
type Attempt struct {
	// Result is the limit-exceeded decision. For upstream rejections the
	// Rule is nil and the retry hint comes from the 429 response.
	Result *throttle.Result

	// Response is the upstream 429, or nil when the rejection was local.
	Response *http.Response

	// Count is the number of attempts made so far, starting at 1.
	Count int
}

// ResponseBuilder decides what to do with a throttled attempt.
// Returning true retries the request after the hint's delay; returning
// false gives up, and RoundTrip reports a TooManyRequestsError (local
// rejection) or hands back the upstream 429.
type ResponseBuilder func(a Attempt) (shouldRetry bool)

// Options configures the egress transport.
type Options struct {
	// Engine evaluates the rules. Required.
	Engine *throttle.Engine

	// ResponseBuilder decides on retries. Nil never retries.
	ResponseBuilder ResponseBuilder

	// PropagateToIngress trips the calling request's ingress trap when a
	// throttled attempt is not retried, so the caller's client receives
	// the 429 even if the handler swallows the egress error.
	PropagateToIngress bool

	// Logger receives adapter-level events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Transport is an http.RoundTripper that throttles outbound requests
// and recognizes upstream throttling.
type Transport struct {
	base http.RoundTripper
	opts Options
}

// NewTransport wraps base with throttling. A nil base means
// http.DefaultTransport.
func NewTransport(base http.RoundTripper, opts Options) *Transport {
	if opts.Engine == nil {
		panic("egress: Options.Engine is required")
	}
	if base == nil {
		base = http.DefaultTransport
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "egress")
	}
	return &Transport{base: base, opts: opts}
}

// NewClient returns an http.Client using a throttled transport.
func NewClient(base http.RoundTripper, opts Options) *http.Client {
	return &http.Client{Transport: NewTransport(base, opts)}
}

// RoundTrip evaluates the rules, sends the request when admitted, and
// maps both local rejections and upstream 429s through the response
// builder's retry decision.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	for attempt := 1; ; attempt++ {
		result, cleanups := t.opts.Engine.Evaluate(ctx, req)

		if result != nil {
			t.opts.Engine.RunCleanups(cleanups)
			a := Attempt{Result: result, Count: attempt}
			if t.retry(ctx, a) {
				continue
			}
			return nil, t.reject(ctx, &throttle.TooManyRequestsError{RetryAfter: result.RetryAfter})
		}

		resp, err := t.base.RoundTrip(req)
		t.opts.Engine.RunCleanups(cleanups)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		retryAfter := parseRetryAfter(resp)
		a := Attempt{
			Result:   &throttle.Result{RetryAfter: retryAfter},
			Response: resp,
			Count:    attempt,
		}
		if t.retry(ctx, a) {
			drainAndClose(resp)
			continue
		}

		// Hand the 429 back untouched, but still make the signal visible
		// to an enclosing ingress request.
		t.propagate(ctx, &throttle.TooManyRequestsError{RetryAfter: retryAfter})
		return resp, nil
	}
}

// retry consults the builder and, when it asks for another attempt,
// sleeps out the retry hint.
func (t *Transport) retry(ctx context.Context, a Attempt) bool {
	if t.opts.ResponseBuilder == nil || !t.opts.ResponseBuilder(a) {
		return false
	}

	delay := a.Result.RetryAfter.Delay(time.Now())
	t.opts.Logger.Debug("retrying throttled request", "attempt", a.Count, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *Transport) reject(ctx context.Context, tmr *throttle.TooManyRequestsError) error {
	t.propagate(ctx, tmr)
	return tmr
}

func (t *Transport) propagate(ctx context.Context, tmr *throttle.TooManyRequestsError) {
	if !t.opts.PropagateToIngress {
		return
	}
	if trap := throttle.TrapFrom(ctx); trap != nil {
		trap.Trip(tmr)
	}
}

func parseRetryAfter(resp *http.Response) throttle.RetryAfter {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return throttle.RetryAfterDelay(time.Second)
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return throttle.RetryAfterDelay(time.Duration(secs) * time.Second)
	}
	if at, err := http.ParseTime(v); err == nil {
		return throttle.RetryAfterTime(at)
	}
	return throttle.RetryAfterDelay(time.Second)
}

func drainAndClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
