// ABOUTME: Documentation for the store package.
// ABOUTME: Explains what resume state is persisted and why.

// Package store persists gateway resume state to SQLite. A shard that knows
// its previous session id and sequence number can resume after a process
// restart and replay missed events, instead of re-identifying and consuming
// the shared identify budget.
package store
