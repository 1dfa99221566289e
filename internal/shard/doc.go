// ABOUTME: Documentation for the shard package.
// ABOUTME: Explains shard ownership and identify pacing.

// Package shard runs the full set of gateway sessions for a sharded
// connection. Each shard gets its own session; identifies are paced through
// buckets keyed by shard id modulo the service's max_concurrency so the
// shared identify limit is never tripped, and shards in different buckets
// may identify concurrently.
//
// Sessions recover from transient disconnects themselves; only fatal
// failures (bad token, disallowed intents, stale shard count) reach the
// supervisor. A fatally failed shard is reported through the shard-down
// callback and restarted on its own doubling backoff, without disturbing
// the healthy shards.
package shard
