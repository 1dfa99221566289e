// ABOUTME: Thread-safe TTL + capacity bounded cache for server-pushed entities.
// ABOUTME: Gateway events and REST response snapshots land here, keyed by collection and id.

package cache

import (
	"container/list"
	"maps"
	"sync"
	"time"
)

// Entity is a decoded entity snapshot as received from the wire.
type Entity = map[string]any

// entry wraps a cached entity with its bookkeeping timestamps.
type entry struct {
	value      Entity
	lastAccess time.Time
	element    *list.Element
}

// collection holds the entries for one entity kind (users, channels, ...).
// Each collection is guarded by its own mutex so shards updating different
// kinds never contend.
type collection struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // keys in access order, least recently used at front
}

// Cache provides a bounded mapping store for server-pushed entities.
// Entries expire after the configured TTL (measured from last access) and
// each collection holds at most capacity entries, evicting the least
// recently used first. Mutation is last-writer-wins per entity id.
type Cache struct {
	mu          sync.RWMutex
	collections map[string]*collection
	ttl         time.Duration
	capacity    int
	done        chan struct{}
	closed      bool
}

// New creates a cache with the given TTL and per-collection capacity.
// A background goroutine periodically sweeps expired entries.
func New(ttl time.Duration, capacity int) *Cache {
	c := &Cache{
		collections: make(map[string]*collection),
		ttl:         ttl,
		capacity:    capacity,
		done:        make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get returns the entity for the given collection and id, or false on a miss.
// A hit refreshes the entry's last-access time (LRU semantics). Expired
// entries are never returned.
func (c *Cache) Get(collectionKey, id string) (Entity, bool) {
	col := c.lookup(collectionKey)
	if col == nil {
		return nil, false
	}

	col.mu.Lock()
	defer col.mu.Unlock()

	e, ok := col.entries[id]
	if !ok {
		return nil, false
	}
	if time.Since(e.lastAccess) >= c.ttl {
		col.removeLocked(id, e)
		return nil, false
	}

	e.lastAccess = time.Now()
	col.order.MoveToBack(e.element)

	// Shallow copy so callers mutating the result don't race later merges.
	return maps.Clone(e.value), true
}

// Put applies a partial entity snapshot. If an entry already exists its
// attributes are merged field-by-field; otherwise the snapshot is inserted
// as-is. The entry's timestamp is refreshed either way.
func (c *Cache) Put(collectionKey, id string, value Entity) {
	c.place(collectionKey, id, value, true)
}

// PutFull applies a full entity snapshot, replacing any existing entry.
// Used for create-type events and full fetches.
func (c *Cache) PutFull(collectionKey, id string, value Entity) {
	c.place(collectionKey, id, value, false)
}

// Invalidate removes the entry for the given collection and id, if present.
func (c *Cache) Invalidate(collectionKey, id string) {
	col := c.lookup(collectionKey)
	if col == nil {
		return
	}

	col.mu.Lock()
	defer col.mu.Unlock()

	if e, ok := col.entries[id]; ok {
		col.removeLocked(id, e)
	}
}

// Len returns the number of resident entries in a collection.
func (c *Cache) Len(collectionKey string) int {
	col := c.lookup(collectionKey)
	if col == nil {
		return 0
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	return len(col.entries)
}

// All returns a point-in-time snapshot of every live entry in a collection.
// The returned function yields entries lazily; mutations after the call are
// not observed.
func (c *Cache) All(collectionKey string) func(yield func(id string, value Entity) bool) {
	col := c.lookup(collectionKey)

	var ids []string
	var values []Entity
	if col != nil {
		col.mu.Lock()
		now := time.Now()
		for id, e := range col.entries {
			if now.Sub(e.lastAccess) >= c.ttl {
				continue
			}
			ids = append(ids, id)
			values = append(values, maps.Clone(e.value))
		}
		col.mu.Unlock()
	}

	return func(yield func(id string, value Entity) bool) {
		for i := range ids {
			if !yield(ids[i], values[i]) {
				return
			}
		}
	}
}

// Sweep removes expired entries from every collection and, where a
// collection is over capacity, evicts least-recently-accessed entries until
// it fits. Runs automatically in the background but may be called directly.
func (c *Cache) Sweep() {
	c.mu.RLock()
	cols := make([]*collection, 0, len(c.collections))
	for _, col := range c.collections {
		cols = append(cols, col)
	}
	c.mu.RUnlock()

	now := time.Now()
	for _, col := range cols {
		col.mu.Lock()
		for id, e := range col.entries {
			if now.Sub(e.lastAccess) >= c.ttl {
				col.removeLocked(id, e)
			}
		}
		for len(col.entries) > c.capacity {
			col.evictOldestLocked()
		}
		col.mu.Unlock()
	}
}

// Close stops the background sweep goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

// lookup returns the collection for a key, or nil if it doesn't exist yet.
func (c *Cache) lookup(collectionKey string) *collection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collections[collectionKey]
}

// getOrCreate returns the collection for a key, creating it on first use.
func (c *Cache) getOrCreate(collectionKey string) *collection {
	c.mu.RLock()
	col, ok := c.collections[collectionKey]
	c.mu.RUnlock()
	if ok {
		return col
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok = c.collections[collectionKey]; ok {
		return col
	}
	col = &collection{
		entries: make(map[string]*entry),
		order:   list.New(),
	}
	c.collections[collectionKey] = col
	return col
}

// place inserts or updates an entry, merging attributes when merge is true.
func (c *Cache) place(collectionKey, id string, value Entity, merge bool) {
	col := c.getOrCreate(collectionKey)

	col.mu.Lock()
	defer col.mu.Unlock()

	now := time.Now()

	if e, exists := col.entries[id]; exists {
		if merge && now.Sub(e.lastAccess) < c.ttl {
			for k, v := range value {
				e.value[k] = v
			}
		} else {
			e.value = maps.Clone(value)
		}
		e.lastAccess = now
		col.order.MoveToBack(e.element)
		return
	}

	if len(col.entries) >= c.capacity {
		col.evictOldestLocked()
	}

	elem := col.order.PushBack(id)
	col.entries[id] = &entry{
		value:      maps.Clone(value),
		lastAccess: now,
		element:    elem,
	}
}

// removeLocked deletes an entry. Must be called with col.mu held.
func (col *collection) removeLocked(id string, e *entry) {
	col.order.Remove(e.element)
	delete(col.entries, id)
}

// evictOldestLocked removes the least-recently-accessed entry.
// Must be called with col.mu held. O(1) using the access-order list.
func (col *collection) evictOldestLocked() {
	front := col.order.Front()
	if front == nil {
		return
	}

	id, _ := front.Value.(string)
	if e, ok := col.entries[id]; ok {
		col.removeLocked(id, e)
	} else {
		col.order.Remove(front)
	}
}

// sweepLoop runs in a background goroutine, periodically sweeping all collections.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}
