// ABOUTME: Per-route bucket tracker gating REST calls against server-reported limits.
// ABOUTME: Serves callers FIFO per bucket, honors the global limit, and evicts idle buckets.

package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Observed carries the rate-limit metadata extracted from one response.
// Server-reported values always override the local estimate.
type Observed struct {
	Bucket     string
	Limit      int
	Remaining  int // -1 when the header was absent
	ResetAfter time.Duration
	RetryAfter time.Duration // non-zero only on a 429
	Global     bool
}

// bucket tracks one rate-limit domain.
type bucket struct {
	mu        sync.Mutex
	remaining int
	limit     int
	resetAt   time.Time
	window    time.Duration
	known     bool // server headers seen at least once
	lastUsed  time.Time

	// turn is a size-1 admission token. Goroutines blocked sending on a
	// channel are released in arrival order, which gives the FIFO
	// first-queued, first-served guarantee.
	turn    chan struct{}
	waiters int
}

// Manager tracks rate-limit buckets for all routes plus the distinguished
// global bucket. Acquire blocks until the target bucket has budget and no
// global cooldown is active; Release reconciles local state from response
// metadata.
type Manager struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	global      *rate.Limiter
	globalUntil time.Time

	idleTTL time.Duration
	logger  *slog.Logger
	done    chan struct{}
	closed  bool
}

// NewManager creates a rate limit manager. globalPerSecond caps the total
// request rate across all buckets; idleTTL bounds how long an unused bucket
// stays resident.
func NewManager(globalPerSecond int, idleTTL time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		buckets: make(map[string]*bucket),
		global:  rate.NewLimiter(rate.Limit(globalPerSecond), globalPerSecond),
		idleTTL: idleTTL,
		logger:  logger.With("component", "ratelimit"),
		done:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Acquire blocks until the bucket identified by key has at least one
// remaining call and no global cooldown is active, then decrements the
// bucket and returns. Callers on the same bucket are served in arrival
// order. Returns the context error if ctx is cancelled while waiting.
func (m *Manager) Acquire(ctx context.Context, key string) error {
	b := m.bucketFor(key)

	b.mu.Lock()
	b.waiters++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.waiters--
		b.mu.Unlock()
	}()

	// FIFO admission: only the head of the queue evaluates the budget.
	select {
	case b.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.turn }()

	for {
		// An active global cooldown blocks every bucket.
		if wait := m.globalCooldown(); wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		b.mu.Lock()
		now := time.Now()
		b.lastUsed = now

		if !b.resetAt.IsZero() && !now.Before(b.resetAt) {
			b.refillLocked(now)
		}

		if b.remaining > 0 {
			b.remaining--
			b.mu.Unlock()
			// Pace against the global budget after the bucket permit is
			// held. A cancellation here means no request was issued and no
			// Release will follow, so the permit goes back.
			if err := m.global.Wait(ctx); err != nil {
				b.mu.Lock()
				b.remaining++
				b.mu.Unlock()
				return err
			}
			return nil
		}

		wait := time.Until(b.resetAt)
		b.mu.Unlock()

		if wait <= 0 {
			// Exhausted with no known reset; the next release will
			// reconcile. Poll briefly rather than spinning.
			wait = 50 * time.Millisecond
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// Release reconciles a bucket from the metadata of a completed response.
// Must be called once per Acquire, regardless of response outcome.
func (m *Manager) Release(key string, obs Observed) {
	b := m.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastUsed = now

	if obs.RetryAfter > 0 {
		// 429: park this bucket (and everyone, if flagged global).
		b.remaining = 0
		b.resetAt = now.Add(obs.RetryAfter)
		if obs.Global {
			m.setGlobalCooldown(now.Add(obs.RetryAfter))
			m.logger.Warn("global rate limit hit", "retry_after", obs.RetryAfter)
		} else {
			m.logger.Debug("bucket rate limited", "bucket", key, "retry_after", obs.RetryAfter)
		}
		return
	}

	if obs.Remaining >= 0 {
		b.remaining = obs.Remaining
		b.known = true
	}
	if obs.Limit > 0 {
		b.limit = obs.Limit
	}
	if obs.ResetAfter > 0 {
		b.resetAt = now.Add(obs.ResetAfter)
		b.window = obs.ResetAfter
	}
}

// Close stops the background eviction goroutine.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		close(m.done)
		m.closed = true
	}
}

// BucketCount returns the number of tracked buckets.
func (m *Manager) BucketCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// bucketFor returns the bucket for a key, creating it lazily on first use.
// New buckets start with a budget of one so the first call goes through and
// the response headers establish the real budget.
func (m *Manager) bucketFor(key string) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{
			remaining: 1,
			limit:     1,
			lastUsed:  time.Now(),
			turn:      make(chan struct{}, 1),
		}
		m.buckets[key] = b
	}
	return b
}

// refillLocked restores the bucket budget after its reset time passed.
// Must be called with b.mu held.
func (b *bucket) refillLocked(now time.Time) {
	if b.known && b.limit > 0 {
		b.remaining = b.limit
	} else if b.remaining < 1 {
		b.remaining = 1
	}
	if b.window > 0 {
		b.resetAt = now.Add(b.window)
	} else {
		b.resetAt = time.Time{}
	}
}

// globalCooldown returns how long the active global cooldown still has to
// run, or zero when none is active.
func (m *Manager) globalCooldown() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Until(m.globalUntil)
}

func (m *Manager) setGlobalCooldown(until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until.After(m.globalUntil) {
		m.globalUntil = until
	}
}

// evictLoop periodically drops buckets that have been idle past idleTTL.
func (m *Manager) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictIdle()
		case <-m.done:
			return
		}
	}
}

// evictIdle removes idle buckets with no waiters to bound memory.
func (m *Manager) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, b := range m.buckets {
		b.mu.Lock()
		idle := b.waiters == 0 && now.Sub(b.lastUsed) > m.idleTTL
		b.mu.Unlock()
		if idle {
			delete(m.buckets, key)
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
