package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dufton/throttlingtroll/pkg/throttle"
)

// Parse decodes a settings document. Format selection follows the file
// name: ".json" means JSON, anything else is treated as YAML (which
// also accepts JSON, but the explicit path gives better error
// positions).
func Parse(data []byte, name string) (*File, error) {
	var f File
	if strings.EqualFold(filepath.Ext(name), ".json") {
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse %q as JSON: %w", name, err)
		}
		return &f, nil
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %q as YAML: %w", name, err)
	}
	return &f, nil
}

// Load reads and parses a settings file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	return Parse(data, path)
}

// BuildOption customizes config construction from a parsed section.
type BuildOption func(*buildState)

type buildState struct {
	extractors map[string]throttle.IdentityExtractor
}

// WithIdentityExtractor binds an extractor to the rules naming the
// given identity id. Settings files can only name identities; the code
// attaching the config supplies the function.
func WithIdentityExtractor(identityId string, fn throttle.IdentityExtractor) BuildOption {
	return func(s *buildState) { s.extractors[identityId] = fn }
}

// Build turns a parsed section into a runtime config.
func Build(section *Section, opts ...BuildOption) (*throttle.Config, error) {
	if section == nil {
		return throttle.NewConfig(nil)
	}

	state := buildState{extractors: make(map[string]throttle.IdentityExtractor)}
	for _, opt := range opts {
		opt(&state)
	}

	rules := make([]*throttle.Rule, 0, len(section.Rules))
	for i, spec := range section.Rules {
		rule, err := buildRule(spec, state.extractors)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}

	cfgOpts := []throttle.ConfigOption{throttle.WithUniqueName(section.UniqueName)}
	for i, spec := range section.WhiteList {
		pred, err := buildWhitelistEntry(spec, state.extractors)
		if err != nil {
			return nil, fmt.Errorf("whitelist entry %d: %w", i, err)
		}
		cfgOpts = append(cfgOpts, throttle.WithWhitelist(pred))
	}

	return throttle.NewConfig(rules, cfgOpts...)
}

func buildWhitelistEntry(spec WhitelistSpec, extractors map[string]throttle.IdentityExtractor) (throttle.WhitelistPredicate, error) {
	entry := throttle.WhitelistEntry{
		UriPattern:  spec.UriPattern,
		Methods:     splitMethods(spec.Method),
		HeaderName:  spec.HeaderName,
		HeaderValue: spec.HeaderValue,
		IdentityId:  spec.IdentityId,
	}
	if spec.IdentityId != "" {
		fn, ok := extractors[spec.IdentityId]
		if !ok {
			return nil, fmt.Errorf("no identity extractor bound for %q", spec.IdentityId)
		}
		entry.IdentityExtractor = fn
	}
	return entry.Predicate()
}

func splitMethods(s string) []string {
	if s == "" {
		return nil
	}
	methods := strings.Split(s, ",")
	for i := range methods {
		methods[i] = strings.TrimSpace(methods[i])
	}
	return methods
}

func buildRule(spec RuleSpec, extractors map[string]throttle.IdentityExtractor) (*throttle.Rule, error) {
	method, err := buildMethod(spec.RateLimit)
	if err != nil {
		return nil, err
	}

	rule := &throttle.Rule{
		Name:        spec.Name,
		UriPattern:  spec.UriPattern,
		HeaderName:  spec.HeaderName,
		HeaderValue: spec.HeaderValue,
		IdentityId:  spec.IdentityId,
		Method:      method,
		MaxDelay:    time.Duration(spec.MaxDelayInSeconds) * time.Second,
	}
	rule.Methods = splitMethods(spec.Method)
	if spec.IdentityId != "" {
		fn, ok := extractors[spec.IdentityId]
		if !ok {
			return nil, fmt.Errorf("no identity extractor bound for %q", spec.IdentityId)
		}
		rule.IdentityExtractor = fn
	}
	return rule, nil
}

func buildMethod(spec RateLimitSpec) (throttle.Method, error) {
	switch spec.Algorithm {
	case AlgorithmFixedWindow:
		return throttle.FixedWindow{
			PermitLimit: spec.PermitLimit,
			Interval:    time.Duration(spec.IntervalInSeconds) * time.Second,
		}, nil
	case AlgorithmSlidingWindow:
		return throttle.SlidingWindow{
			PermitLimit:  spec.PermitLimit,
			Interval:     time.Duration(spec.IntervalInSeconds) * time.Second,
			NumOfBuckets: spec.NumOfBuckets,
		}, nil
	case AlgorithmSemaphore:
		return throttle.Semaphore{
			PermitLimit: spec.PermitLimit,
			Timeout:     time.Duration(spec.TimeoutInSeconds) * time.Second,
		}, nil
	default:
		return nil, fmt.Errorf("unknown rate limit algorithm %q", spec.Algorithm)
	}
}
