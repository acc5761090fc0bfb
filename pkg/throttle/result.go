package throttle

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RetryAfter is the retry hint attached to a limit-exceeded result.
// Window algorithms produce a relative delay in whole seconds; the
// semaphore produces the absolute instant at which its slot TTL expires.
type RetryAfter struct {
	delay time.Duration
	at    time.Time
}

// RetryAfterDelay returns a relative retry hint. Delays under one second
// are clamped up to one second.
func RetryAfterDelay(d time.Duration) RetryAfter {
	if d < time.Second {
		d = time.Second
	}
	return RetryAfter{delay: d.Truncate(time.Second)}
}

// RetryAfterTime returns an absolute retry hint.
func RetryAfterTime(t time.Time) RetryAfter {
	return RetryAfter{at: t}
}

// IsTime reports whether the hint is an absolute timestamp.
func (ra RetryAfter) IsTime() bool {
	return !ra.at.IsZero()
}

// Time returns the absolute instant for timestamp hints, and the zero
// time otherwise.
func (ra RetryAfter) Time() time.Time {
	return ra.at
}

// Delay returns the effective wait measured from now, never less than
// one second.
func (ra RetryAfter) Delay(now time.Time) time.Duration {
	d := ra.delay
	if ra.IsTime() {
		d = ra.at.Sub(now)
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

// HeaderValue renders the hint the way the Retry-After response header
// expects it: delta-seconds for relative hints, an HTTP-date for
// absolute ones.
func (ra RetryAfter) HeaderValue() string {
	if ra.IsTime() {
		return ra.at.UTC().Format(http.TimeFormat)
	}
	return strconv.FormatInt(int64(ra.delay/time.Second), 10)
}

// String renders the hint for response bodies and logs.
func (ra RetryAfter) String() string {
	if ra.IsTime() {
		return ra.at.UTC().Format(http.TimeFormat)
	}
	return fmt.Sprintf("%d seconds", int64(ra.delay/time.Second))
}

// Result describes a limit-exceeded decision. A nil *Result means the
// request was admitted.
type Result struct {
	// Rule is the rule whose limit was exceeded.
	Rule *Rule

	// RetryAfter is the retry hint for the caller.
	RetryAfter RetryAfter
}

// CleanupFunc is a routine registered during rule evaluation. The engine
// guarantees every registered routine runs exactly once when the request
// completes, whatever the outcome. Cleanups receive a fresh deadline and
// must not block past it; errors are logged and swallowed.
type CleanupFunc func(ctx context.Context) error
