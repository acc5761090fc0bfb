package throttle

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewConfigCompilesRules(t *testing.T) {
	cfg, err := NewConfig([]*Rule{
		{UriPattern: "/api/.*", Method: FixedWindow{PermitLimit: 5, Interval: time.Minute}},
	}, WithUniqueName("svc"))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.UniqueName != "svc" {
		t.Errorf("UniqueName = %q, want svc", cfg.UniqueName)
	}
	if !cfg.Rules[0].Matches(httptest.NewRequest(http.MethodGet, "/api/x", nil)) {
		t.Error("compiled rule does not match")
	}
}

func TestNewConfigRejectsBadRules(t *testing.T) {
	if _, err := NewConfig([]*Rule{nil}); err == nil {
		t.Error("nil rule accepted")
	}
	if _, err := NewConfig([]*Rule{{UriPattern: "(["}}); err == nil {
		t.Error("invalid rule accepted")
	}
}

func TestWhitelist(t *testing.T) {
	pred, err := WhitelistEntry{UriPattern: "/health"}.Predicate()
	if err != nil {
		t.Fatalf("Predicate: %v", err)
	}
	cfg, err := NewConfig(nil, WithWhitelist(pred))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	if !cfg.isWhitelisted(httptest.NewRequest(http.MethodGet, "/health", nil)) {
		t.Error("/health not whitelisted")
	}
	if cfg.isWhitelisted(httptest.NewRequest(http.MethodGet, "/api/x", nil)) {
		t.Error("/api/x whitelisted")
	}
}

func TestWhitelistEntryFullPredicate(t *testing.T) {
	pred, err := WhitelistEntry{
		UriPattern: "^/internal/",
		Methods:    []string{"GET"},
		HeaderName: "X-Internal",
		IdentityId: "ops",
		IdentityExtractor: func(r *http.Request) string {
			return r.Header.Get("X-Caller")
		},
	}.Predicate()
	if err != nil {
		t.Fatalf("Predicate: %v", err)
	}

	match := httptest.NewRequest(http.MethodGet, "/internal/debug", nil)
	match.Header.Set("X-Internal", "1")
	match.Header.Set("X-Caller", "ops")
	if !pred(match) {
		t.Error("fully matching request not whitelisted")
	}

	wrongMethod := httptest.NewRequest(http.MethodPost, "/internal/debug", nil)
	wrongMethod.Header.Set("X-Internal", "1")
	wrongMethod.Header.Set("X-Caller", "ops")
	if pred(wrongMethod) {
		t.Error("POST whitelisted, only GET declared")
	}

	wrongIdentity := httptest.NewRequest(http.MethodGet, "/internal/debug", nil)
	wrongIdentity.Header.Set("X-Internal", "1")
	wrongIdentity.Header.Set("X-Caller", "dev")
	if pred(wrongIdentity) {
		t.Error("mismatched identity whitelisted")
	}
}

func TestWhitelistEntryErrors(t *testing.T) {
	if _, err := (WhitelistEntry{UriPattern: "(["}).Predicate(); err == nil {
		t.Error("invalid pattern accepted")
	}
	if _, err := (WhitelistEntry{IdentityId: "ops"}).Predicate(); err == nil {
		t.Error("identity entry without extractor accepted")
	}
}
