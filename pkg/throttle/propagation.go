package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// TooManyRequestsError reports that a request was throttled, either by
// a local rule or by an upstream 429. Egress adapters return it from
// RoundTrip; ingress adapters translate it back into a 429 response.
type TooManyRequestsError struct {
	// RetryAfter is the hint the caller should honor before retrying.
	RetryAfter RetryAfter
}

func (e *TooManyRequestsError) Error() string {
	return fmt.Sprintf("too many requests, retry after %s", e.RetryAfter)
}

// FindTooManyRequests digs a throttling signal out of err, however
// deeply wrapped or joined. Returns nil when there is none.
func FindTooManyRequests(err error) *TooManyRequestsError {
	var tmr *TooManyRequestsError
	if errors.As(err, &tmr) {
		return tmr
	}
	return nil
}

// Trap collects a propagated throttling signal across goroutine and
// library boundaries that swallow errors. The ingress adapter installs
// one in the request context; any egress call made while handling that
// request can trip it even when the handler discards the egress error.
// The first signal wins.
type Trap struct {
	mu  sync.Mutex
	tmr *TooManyRequestsError
}

// Trip records the signal unless one is already held.
func (t *Trap) Trip(tmr *TooManyRequestsError) {
	if tmr == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tmr == nil {
		t.tmr = tmr
	}
}

// Sprung returns the recorded signal, or nil.
func (t *Trap) Sprung() *TooManyRequestsError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tmr
}

type trapKey struct{}

// WithTrap installs a fresh trap in the context.
func WithTrap(ctx context.Context) (context.Context, *Trap) {
	t := &Trap{}
	return context.WithValue(ctx, trapKey{}, t), t
}

// TrapFrom returns the trap installed in the context, or nil.
func TrapFrom(ctx context.Context) *Trap {
	t, _ := ctx.Value(trapKey{}).(*Trap)
	return t
}

// Propagate trips the context's trap, if any, with the throttling
// signal found in err. It returns true when a signal was delivered.
func Propagate(ctx context.Context, err error) bool {
	tmr := FindTooManyRequests(err)
	if tmr == nil {
		return false
	}
	if t := TrapFrom(ctx); t != nil {
		t.Trip(tmr)
		return true
	}
	return false
}
