// Package egress adapts the throttle engine to outbound HTTP traffic
// as an http.RoundTripper wrapper. Requests can be throttled before
// leaving the process, and upstream 429 responses are surfaced the same
// way as local rejections, optionally retried, and optionally
// propagated back to the ingress side of the calling request.
package egress
