package ingress

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dufton/throttlingtroll/pkg/throttle"
	"github.com/dufton/throttlingtroll/pkg/throttle/counters"
)

func newTestEngine(t *testing.T, rules []*throttle.Rule) *throttle.Engine {
	t.Helper()

	cfg, err := throttle.NewConfig(rules)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	store := counters.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	return throttle.NewEngine(throttle.NewStaticLoader(cfg), store)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "ok")
	})
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	engine := newTestEngine(t, []*throttle.Rule{
		{Method: throttle.FixedWindow{PermitLimit: 1, Interval: time.Minute}},
	})
	handler := Middleware(Options{Engine: engine})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 missing Retry-After header")
	}
	if body := rec.Body.String(); !strings.HasPrefix(body, "Retry after ") {
		t.Errorf("body = %q, want retry hint text", body)
	}
}

func TestMiddlewareCustomBuilderContinuesAsNormal(t *testing.T) {
	engine := newTestEngine(t, []*throttle.Rule{
		{Method: throttle.FixedWindow{PermitLimit: 1, Interval: time.Minute}},
	})

	builder := func(w http.ResponseWriter, _ *http.Request, result *throttle.Result) bool {
		w.Header().Set("X-Throttled", result.RetryAfter.HeaderValue())
		return true
	}
	handler := Middleware(Options{Engine: engine, ResponseBuilder: builder})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("advisory rejection status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Throttled") == "" {
		t.Error("builder header missing")
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want downstream output", rec.Body.String())
	}
}

func TestMiddlewareTranslatesTrappedEgressSignal(t *testing.T) {
	engine := newTestEngine(t, nil)

	// The handler swallows an egress rejection without writing anything.
	handler := Middleware(Options{Engine: engine})(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		err := &throttle.TooManyRequestsError{RetryAfter: throttle.RetryAfterDelay(17 * time.Second)}
		throttle.Propagate(r.Context(), err)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 from trapped signal", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "17" {
		t.Errorf("Retry-After = %q, want 17", got)
	}
}

func TestMiddlewareTrapDoesNotClobberWrittenResponse(t *testing.T) {
	engine := newTestEngine(t, nil)

	handler := Middleware(Options{Engine: engine})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		throttle.Propagate(r.Context(), &throttle.TooManyRequestsError{
			RetryAfter: throttle.RetryAfterDelay(5 * time.Second),
		})
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "already answered")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want handler's 202 preserved", rec.Code)
	}
}

func TestMiddlewareRunsCleanupsOnPanic(t *testing.T) {
	released := make(chan struct{}, 1)
	store := &releaseObservingStore{MemoryStore: counters.NewMemoryStore(), released: released}
	t.Cleanup(func() { store.Close() })

	cfg, err := throttle.NewConfig([]*throttle.Rule{
		{Method: throttle.Semaphore{PermitLimit: 1, Timeout: time.Minute}},
	})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	engine := throttle.NewEngine(throttle.NewStaticLoader(cfg), store)

	handler := Middleware(Options{Engine: engine})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}))

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic swallowed, want re-panic")
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	}()

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("semaphore slot never released after panic")
	}
}

type releaseObservingStore struct {
	*counters.MemoryStore
	released chan struct{}
}

func (s *releaseObservingStore) Decrement(ctx context.Context, key string) error {
	err := s.MemoryStore.Decrement(ctx, key)
	select {
	case s.released <- struct{}{}:
	default:
	}
	return err
}

func TestLazyMiddlewareBuildsOnce(t *testing.T) {
	var builds int
	lazy := NewLazyMiddleware(func() (func(http.Handler) http.Handler, error) {
		builds++
		engine := newTestEngine(t, []*throttle.Rule{
			{Method: throttle.FixedWindow{PermitLimit: 1, Interval: time.Minute}},
		})
		return Middleware(Options{Engine: engine}), nil
	}, nil)

	handler := lazy.Wrap(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}

	if builds != 1 {
		t.Errorf("factory ran %d times, want 1", builds)
	}
}

func TestRequestIDAssignsAndEchoes(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if seen == "" {
		t.Error("no request id in context")
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Error("response header does not echo the assigned id")
	}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "client-chosen")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "client-chosen" {
		t.Errorf("client id not honored, got %q", seen)
	}
}
