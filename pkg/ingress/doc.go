// Package ingress adapts the throttle engine to inbound HTTP traffic
// as standard net/http middleware. Throttled requests get a 429 with a
// Retry-After header by default, and a custom response builder can
// rewrite the rejection or let the request through anyway.
package ingress
