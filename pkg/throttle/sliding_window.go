package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/dufton/throttlingtroll/pkg/throttle/counters"
)

// SlidingWindow admits up to PermitLimit requests per interval, with the
// interval split into NumOfBuckets sub-windows. Each request increments
// the bucket covering the current instant and the effective count is the
// sum over all buckets, so the boundary burst of the fixed window is
// smoothed down to roughly one bucket's worth.
//
// Bucket keys cycle modulo NumOfBuckets and each bucket's counter lives
// for the full interval, which keeps recently rotated-out buckets
// contributing to the sum until they age out.
type SlidingWindow struct {
	// PermitLimit is the maximum number of requests per interval.
	PermitLimit int64

	// Interval is the span the limit covers.
	Interval time.Duration

	// NumOfBuckets is how many sub-windows the interval is divided into.
	NumOfBuckets int64
}

// Check increments the current bucket, sums the live buckets, and
// compares the sum to the limit.
func (s SlidingWindow) Check(ctx context.Context, store counters.Store, key string, now time.Time) (outcome, error) {
	interval := s.Interval.Truncate(time.Second)
	bucketLen := interval / time.Duration(s.NumOfBuckets)
	bucketIndex := (now.UnixNano() / int64(bucketLen)) % s.NumOfBuckets

	total, err := store.IncrementAndGet(ctx, s.bucketKey(key, bucketIndex), interval, now)
	if err != nil {
		return outcome{}, err
	}

	for i := int64(0); i < s.NumOfBuckets; i++ {
		if i == bucketIndex {
			continue
		}
		v, err := store.Get(ctx, s.bucketKey(key, i), now)
		if err != nil {
			return outcome{}, err
		}
		total += v
	}

	if total > s.PermitLimit {
		return exceeded(RetryAfterDelay(bucketLen)), nil
	}
	return admitted(nil), nil
}

func (s SlidingWindow) bucketKey(key string, index int64) string {
	return fmt.Sprintf("%s|%d", key, index)
}

// Suffix identifies sliding-window counters.
func (s SlidingWindow) Suffix() string {
	return fmt.Sprintf("sw|%d|%d|%d", s.PermitLimit, int64(s.Interval/time.Second), s.NumOfBuckets)
}

// Validate checks the window parameters.
func (s SlidingWindow) Validate() error {
	if err := validatePositive("permit limit", s.PermitLimit); err != nil {
		return err
	}
	if s.Interval < time.Second {
		return fmt.Errorf("interval must be at least one second, got %s", s.Interval)
	}
	if err := validatePositive("number of buckets", s.NumOfBuckets); err != nil {
		return err
	}
	if time.Duration(s.NumOfBuckets)*time.Second > s.Interval {
		return fmt.Errorf("number of buckets %d exceeds interval seconds %d", s.NumOfBuckets, int64(s.Interval/time.Second))
	}
	return nil
}

func (s SlidingWindow) String() string {
	return fmt.Sprintf("sliding window %d per %s over %d buckets", s.PermitLimit, s.Interval, s.NumOfBuckets)
}
