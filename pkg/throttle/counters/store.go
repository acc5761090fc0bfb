package counters

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates that the counter store backend could not be
// reached or failed to execute an operation. The engine treats any error
// wrapping ErrUnavailable as a signal to fail open: the affected rule is
// evaluated as not exceeded and a warning is logged.
var ErrUnavailable = errors.New("counter store unavailable")

// Store is the contract every counter backend implements.
// Implementations must be safe for concurrent use.
type Store interface {
	// IncrementAndGet atomically adds 1 to the counter identified by key,
	// sets or extends its expiration to now + ttl, and returns the
	// post-increment value.
	IncrementAndGet(ctx context.Context, key string, ttl time.Duration, now time.Time) (int64, error)

	// Get returns the current value of the counter, or 0 if the counter
	// does not exist or has expired as of now. It never mutates the
	// counter.
	Get(ctx context.Context, key string, now time.Time) (int64, error)

	// Decrement subtracts 1 from the counter, never going below 0.
	// It is best-effort and only meaningful for semaphore slots.
	Decrement(ctx context.Context, key string) error
}
