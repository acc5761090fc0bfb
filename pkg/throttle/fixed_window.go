package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/dufton/throttlingtroll/pkg/throttle/counters"
)

// FixedWindow admits up to PermitLimit requests per interval. Windows
// are aligned to the epoch: every request landing in the same
// [k*I, (k+1)*I) span shares one counter, and the counter's TTL carries
// it to the window edge.
//
// The burst profile is the classic fixed-window one: up to 2*PermitLimit
// requests can pass in a span straddling a window boundary.
type FixedWindow struct {
	// PermitLimit is the maximum number of requests per window.
	PermitLimit int64

	// Interval is the window length.
	Interval time.Duration
}

// Check increments the window counter and compares it to the limit.
func (f FixedWindow) Check(ctx context.Context, store counters.Store, key string, now time.Time) (outcome, error) {
	interval := f.Interval.Truncate(time.Second)
	secs := int64(interval / time.Second)
	windowStart := time.Unix(now.Unix()-now.Unix()%secs, 0)
	windowKey := fmt.Sprintf("%s|%d", key, windowStart.Unix())

	count, err := store.IncrementAndGet(ctx, windowKey, interval, now)
	if err != nil {
		return outcome{}, err
	}

	if count > f.PermitLimit {
		return exceeded(RetryAfterDelay(windowStart.Add(interval).Sub(now))), nil
	}
	return admitted(nil), nil
}

// Suffix identifies fixed-window counters.
func (f FixedWindow) Suffix() string {
	return fmt.Sprintf("fw|%d|%d", f.PermitLimit, int64(f.Interval/time.Second))
}

// Validate checks the window parameters.
func (f FixedWindow) Validate() error {
	if err := validatePositive("permit limit", f.PermitLimit); err != nil {
		return err
	}
	if f.Interval < time.Second {
		return fmt.Errorf("interval must be at least one second, got %s", f.Interval)
	}
	return nil
}

func (f FixedWindow) String() string {
	return fmt.Sprintf("fixed window %d per %s", f.PermitLimit, f.Interval)
}
