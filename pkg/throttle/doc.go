// Package throttle implements the rule-evaluation and counter-enforcement
// engine behind the ingress and egress HTTP adapters.
//
// A Config holds an ordered list of Rules, each pairing a request
// predicate (URI pattern, methods, header, identity) with a rate-limit
// algorithm: fixed window, sliding window, or semaphore. The Engine
// snapshots the current Config from a ConfigLoader, evaluates every
// matching rule against a pluggable counter store, and either admits the
// request, delays it (when the rule allows a maximum delay), or reports a
// limit-exceeded result carrying a retry hint.
//
// The engine fails open: a poisoned config loader or an unavailable
// counter store suspends throttling instead of breaking the service.
package throttle
