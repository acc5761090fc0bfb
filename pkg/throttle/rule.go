package throttle

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"
)

// IdentityExtractor derives a caller identity from a request. Requests
// mapping to different identities are counted separately under the same
// rule.
type IdentityExtractor func(r *http.Request) string

// Rule pairs a request predicate with a rate-limit method. A rule with
// no predicate fields matches every request.
type Rule struct {
	// UriPattern is a regular expression matched against the request URI.
	// Empty matches everything.
	UriPattern string

	// Methods restricts the rule to the listed HTTP methods. Empty means
	// any method.
	Methods []string

	// HeaderName restricts the rule to requests carrying this header.
	HeaderName string

	// HeaderValue additionally requires the header to carry this exact
	// value. Ignored when HeaderName is empty.
	HeaderValue string

	// IdentityId restricts the rule to requests whose extracted identity
	// equals this value, and labels the identity dimension of the rule's
	// counters. When set, an IdentityExtractor must be attached.
	IdentityId string

	// IdentityExtractor derives the per-request identity. Required when
	// IdentityId is set.
	IdentityExtractor IdentityExtractor

	// Method is the rate-limit algorithm enforced by this rule.
	Method Method

	// MaxDelay lets the engine hold a rejected request and retry instead
	// of failing immediately. Zero rejects at once.
	MaxDelay time.Duration

	// Name labels the rule in logs and metrics. Optional.
	Name string

	uriRe     *regexp.Regexp
	methodSet map[string]struct{}
	hash      uint64
}

// compile validates the rule and precomputes the matcher state and the
// rule's stable hash.
func (r *Rule) compile() error {
	if r.Method == nil {
		return fmt.Errorf("rule %q has no rate limit method", r.describe())
	}
	if err := r.Method.Validate(); err != nil {
		return fmt.Errorf("rule %q: %w", r.describe(), err)
	}
	if err := r.compilePredicate(); err != nil {
		return err
	}
	r.hash = r.computeHash()
	return nil
}

// compilePredicate validates the predicate fields and precomputes the
// matcher state. Whitelist entries reuse this without a rate limit
// method.
func (r *Rule) compilePredicate() error {
	if r.IdentityId != "" && r.IdentityExtractor == nil {
		return fmt.Errorf("rule %q names identity %q but has no extractor", r.describe(), r.IdentityId)
	}

	if r.UriPattern != "" {
		re, err := regexp.Compile(r.UriPattern)
		if err != nil {
			return fmt.Errorf("rule %q: invalid uri pattern: %w", r.describe(), err)
		}
		r.uriRe = re
	}

	if len(r.Methods) > 0 {
		r.methodSet = make(map[string]struct{}, len(r.Methods))
		for _, m := range r.Methods {
			r.methodSet[strings.ToUpper(m)] = struct{}{}
		}
	}
	return nil
}

// Matches reports whether the request falls under this rule.
func (r *Rule) Matches(req *http.Request) bool {
	if r.uriRe != nil && !r.uriRe.MatchString(req.URL.RequestURI()) {
		return false
	}
	if r.methodSet != nil {
		if _, ok := r.methodSet[strings.ToUpper(req.Method)]; !ok {
			return false
		}
	}
	if r.HeaderName != "" {
		v := req.Header.Get(r.HeaderName)
		if v == "" {
			return false
		}
		if r.HeaderValue != "" && v != r.HeaderValue {
			return false
		}
	}
	if r.IdentityId != "" && r.IdentityExtractor(req) != r.IdentityId {
		return false
	}
	return true
}

// CounterKey builds the store key for this rule and request. Keys are
// stable across processes and restarts so instances sharing a store
// enforce one combined limit.
func (r *Rule) CounterKey(configName string, req *http.Request) string {
	var b strings.Builder
	b.WriteString("throttle|")
	if configName != "" {
		b.WriteString(configName)
		b.WriteByte('|')
	}
	fmt.Fprintf(&b, "%016x", r.hash)
	if r.IdentityExtractor != nil {
		b.WriteByte('|')
		b.WriteString(r.IdentityExtractor(req))
	}
	b.WriteByte('|')
	b.WriteString(r.Method.Suffix())
	return b.String()
}

// computeHash folds the predicate fields and the rule name into a stable
// 64-bit value.
// FNV over a canonical rendering keeps the key identical on every host,
// unlike maphash or pointer identity.
func (r *Rule) computeHash() uint64 {
	h := fnv.New64a()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(r.UriPattern)
	methods := make([]string, 0, len(r.Methods))
	for m := range r.methodSet {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	for _, m := range methods {
		write(m)
	}
	write(r.HeaderName)
	write(r.HeaderValue)
	write(r.IdentityId)
	write(r.Name)
	return h.Sum64()
}

func (r *Rule) describe() string {
	if r.Name != "" {
		return r.Name
	}
	if r.UriPattern != "" {
		return r.UriPattern
	}
	return "<all requests>"
}

// String renders the rule for logs.
func (r *Rule) String() string {
	var parts []string
	if r.UriPattern != "" {
		parts = append(parts, "uri="+r.UriPattern)
	}
	if len(r.Methods) > 0 {
		parts = append(parts, "methods="+strings.Join(r.Methods, ","))
	}
	if r.HeaderName != "" {
		parts = append(parts, "header="+r.HeaderName)
	}
	if r.IdentityId != "" {
		parts = append(parts, "identity="+r.IdentityId)
	}
	if len(parts) == 0 {
		parts = append(parts, "all requests")
	}
	return fmt.Sprintf("%s (%s)", r.describe(), strings.Join(parts, " "))
}
