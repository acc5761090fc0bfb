package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/dufton/throttlingtroll/pkg/throttle/counters"
)

// DefaultSemaphoreTimeout bounds how long an orphaned slot claim can
// survive a crashed holder before the counter's TTL reclaims it.
const DefaultSemaphoreTimeout = 100 * time.Second

// Semaphore caps the number of requests in flight at once rather than
// the rate of arrival. A slot is claimed on admission and released by a
// cleanup when the request completes; the claim counter carries a TTL so
// a holder that dies without releasing cannot leak the slot forever.
type Semaphore struct {
	// PermitLimit is the number of concurrent slots.
	PermitLimit int64

	// Timeout is the slot TTL. Zero means DefaultSemaphoreTimeout.
	Timeout time.Duration
}

func (sem Semaphore) timeout() time.Duration {
	if sem.Timeout <= 0 {
		return DefaultSemaphoreTimeout
	}
	return sem.Timeout
}

// Check claims a slot. On rejection the claim is handed straight back so
// the failed attempt does not occupy capacity while the caller waits or
// reports the error.
func (sem Semaphore) Check(ctx context.Context, store counters.Store, key string, now time.Time) (outcome, error) {
	ttl := sem.timeout()

	count, err := store.IncrementAndGet(ctx, key, ttl, now)
	if err != nil {
		return outcome{}, err
	}

	if count > sem.PermitLimit {
		if err := store.Decrement(ctx, key); err != nil {
			return outcome{}, err
		}
		return exceeded(RetryAfterTime(now.Add(ttl))), nil
	}

	release := func(ctx context.Context) error {
		return store.Decrement(ctx, key)
	}
	return admitted(release), nil
}

// Suffix identifies semaphore counters.
func (sem Semaphore) Suffix() string {
	return fmt.Sprintf("sem|%d|%d", sem.PermitLimit, int64(sem.timeout()/time.Second))
}

// Validate checks the semaphore parameters.
func (sem Semaphore) Validate() error {
	if err := validatePositive("permit limit", sem.PermitLimit); err != nil {
		return err
	}
	if sem.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", sem.Timeout)
	}
	return nil
}

func (sem Semaphore) String() string {
	return fmt.Sprintf("semaphore %d slots, %s timeout", sem.PermitLimit, sem.timeout())
}
