// Package rest issues request/response calls to the remote service through
// the rate limiter. Route templates resolve to rate-limit buckets keyed by
// method and major parameters; transient failures are retried with capped
// exponential backoff, and non-retriable client errors surface as typed
// APIError values carrying the decoded error body.
package rest
