package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/dufton/throttlingtroll/pkg/throttle/counters"
)

func TestSemaphoreAdmitsUpToLimit(t *testing.T) {
	store := counters.NewMemoryStore()
	defer store.Close()

	sem := Semaphore{PermitLimit: 2}
	now := time.Unix(3000, 0)
	ctx := context.Background()

	var releases []CleanupFunc
	for i := 0; i < 2; i++ {
		out, err := sem.Check(ctx, store, "k", now)
		if err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
		if out.exceeded {
			t.Fatalf("request %d exceeded, want admitted", i+1)
		}
		if out.cleanup == nil {
			t.Fatalf("request %d has no release cleanup", i+1)
		}
		releases = append(releases, out.cleanup)
	}

	out, err := sem.Check(ctx, store, "k", now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !out.exceeded {
		t.Fatal("request 3 admitted, want exceeded")
	}

	// A rejected attempt must not hold a slot: the claim count stays at
	// the limit.
	count, err := store.Get(ctx, "k", now)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if count != 2 {
		t.Errorf("slot count after rejection = %d, want 2", count)
	}

	// Releasing a slot frees capacity for the next request.
	if err := releases[0](ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	out, err = sem.Check(ctx, store, "k", now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if out.exceeded {
		t.Error("request after release exceeded, want admitted")
	}
}

func TestSemaphoreRetryAfterIsAbsolute(t *testing.T) {
	store := counters.NewMemoryStore()
	defer store.Close()

	sem := Semaphore{PermitLimit: 1, Timeout: 30 * time.Second}
	now := time.Unix(3000, 0)
	ctx := context.Background()

	if _, err := sem.Check(ctx, store, "k", now); err != nil {
		t.Fatalf("Check: %v", err)
	}
	out, err := sem.Check(ctx, store, "k", now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !out.exceeded {
		t.Fatal("want exceeded")
	}
	if !out.retryAfter.IsTime() {
		t.Fatal("semaphore retry hint should be an absolute timestamp")
	}
	if got, want := out.retryAfter.Time(), now.Add(30*time.Second); !got.Equal(want) {
		t.Errorf("retry at = %s, want %s", got, want)
	}
}

func TestSemaphoreDefaultTimeout(t *testing.T) {
	sem := Semaphore{PermitLimit: 1}
	if got := sem.timeout(); got != DefaultSemaphoreTimeout {
		t.Errorf("timeout() = %s, want %s", got, DefaultSemaphoreTimeout)
	}
}

func TestSemaphoreTimeoutReclaimsOrphanedSlots(t *testing.T) {
	store := counters.NewMemoryStore()
	defer store.Close()

	sem := Semaphore{PermitLimit: 1, Timeout: 10 * time.Second}
	ctx := context.Background()

	// Claim a slot and never release it, as a crashed holder would.
	if _, err := sem.Check(ctx, store, "k", time.Unix(3000, 0)); err != nil {
		t.Fatalf("Check: %v", err)
	}

	// Past the TTL the claim counter expires and the slot comes back.
	out, err := sem.Check(ctx, store, "k", time.Unix(3011, 0))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if out.exceeded {
		t.Error("slot still held past timeout, want reclaimed")
	}
}

func TestSemaphoreValidate(t *testing.T) {
	tests := []struct {
		name    string
		sem     Semaphore
		wantErr bool
	}{
		{"valid", Semaphore{PermitLimit: 5, Timeout: time.Minute}, false},
		{"zero timeout uses default", Semaphore{PermitLimit: 5}, false},
		{"zero limit", Semaphore{PermitLimit: 0}, true},
		{"negative timeout", Semaphore{PermitLimit: 5, Timeout: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sem.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
