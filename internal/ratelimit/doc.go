// Package ratelimit tracks per-route rate-limit buckets and gates outbound
// REST calls against them. Buckets are created lazily, reconciled from
// server response headers, served in FIFO order, and evicted after
// prolonged inactivity. A distinguished global cooldown blocks every bucket
// when the server signals a global limit.
package ratelimit
