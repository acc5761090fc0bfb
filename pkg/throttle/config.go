package throttle

import (
	"fmt"
	"net/http"
)

// WhitelistPredicate exempts matching requests from every rule in the
// config.
type WhitelistPredicate func(r *http.Request) bool

// WhitelistEntry carries the predicate fields of a rule without a rate
// limit method. A request matching any entry bypasses every rule.
type WhitelistEntry struct {
	// UriPattern is a regular expression matched against the request URI.
	// Empty matches everything.
	UriPattern string

	// Methods restricts the entry to the listed HTTP methods. Empty
	// means any method.
	Methods []string

	// HeaderName restricts the entry to requests carrying this header.
	HeaderName string

	// HeaderValue additionally requires the header to carry this exact
	// value. Ignored when HeaderName is empty.
	HeaderValue string

	// IdentityId restricts the entry to requests whose extracted
	// identity equals this value. When set, an IdentityExtractor must be
	// attached.
	IdentityId string

	// IdentityExtractor derives the per-request identity. Required when
	// IdentityId is set.
	IdentityExtractor IdentityExtractor
}

// Predicate compiles the entry into a WhitelistPredicate. Matching
// follows the same semantics as rule matching.
func (e WhitelistEntry) Predicate() (WhitelistPredicate, error) {
	r := &Rule{
		UriPattern:        e.UriPattern,
		Methods:           e.Methods,
		HeaderName:        e.HeaderName,
		HeaderValue:       e.HeaderValue,
		IdentityId:        e.IdentityId,
		IdentityExtractor: e.IdentityExtractor,
	}
	if err := r.compilePredicate(); err != nil {
		return nil, fmt.Errorf("whitelist entry: %w", err)
	}
	return r.Matches, nil
}

// Config is one immutable generation of throttling rules. The engine
// only ever reads a config after NewConfig returns it, so no locking is
// needed; reconfiguration swaps the whole pointer via the loader.
type Config struct {
	// Rules are evaluated in order against every non-whitelisted request.
	Rules []*Rule

	// Whitelist exempts requests from all rules. Predicates are ORed.
	Whitelist []WhitelistPredicate

	// UniqueName prefixes every counter key. Instances sharing a counter
	// store but serving different configs must use distinct names, or
	// rules that hash alike would share counters.
	UniqueName string
}

// NewConfig validates and compiles the rules, returning a config ready
// for installation into a loader or engine.
func NewConfig(rules []*Rule, opts ...ConfigOption) (*Config, error) {
	cfg := &Config{Rules: rules}
	for _, opt := range opts {
		opt(cfg)
	}
	for i, rule := range cfg.Rules {
		if rule == nil {
			return nil, fmt.Errorf("rule %d is nil", i)
		}
		if err := rule.compile(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ConfigOption customizes a config under construction.
type ConfigOption func(*Config)

// WithUniqueName sets the counter key prefix.
func WithUniqueName(name string) ConfigOption {
	return func(c *Config) { c.UniqueName = name }
}

// WithWhitelist appends whitelist predicates.
func WithWhitelist(preds ...WhitelistPredicate) ConfigOption {
	return func(c *Config) { c.Whitelist = append(c.Whitelist, preds...) }
}

// isWhitelisted reports whether any predicate exempts the request.
func (c *Config) isWhitelisted(r *http.Request) bool {
	for _, pred := range c.Whitelist {
		if pred(r) {
			return true
		}
	}
	return false
}
