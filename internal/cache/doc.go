// Package cache provides a bounded, time-expiring mirror of server-pushed
// entities, keyed by collection and entity id, with TTL expiry and LRU
// eviction per collection.
package cache
