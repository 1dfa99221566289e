// ABOUTME: Tests for the bucket rate limiter.
// ABOUTME: Covers blocking on exhausted buckets, FIFO ordering, 429 parking, and global cooldowns.

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(1000, time.Hour, nil)
	t.Cleanup(m.Close)
	return m
}

func TestAcquire_FirstCallProceeds(t *testing.T) {
	m := newTestManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, m.Acquire(ctx, "GET::c1::/channels/{channel_id}"))
}

func TestAcquire_BlocksUntilReset(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	key := "POST::c1::/channels/{channel_id}/messages"

	// First call consumes the optimistic budget; server says one call per
	// 200ms window and none remaining.
	require.NoError(t, m.Acquire(ctx, key))
	m.Release(key, Observed{Limit: 1, Remaining: 0, ResetAfter: 200 * time.Millisecond})

	start := time.Now()
	require.NoError(t, m.Acquire(ctx, key))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond,
		"second call must block until the reset window elapses")
}

func TestAcquire_RemainingAllowsConcurrency(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	key := "GET::g1::/guilds/{guild_id}"

	require.NoError(t, m.Acquire(ctx, key))
	m.Release(key, Observed{Limit: 5, Remaining: 4, ResetAfter: time.Minute})

	// Four more calls fit in the window without blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 4; i++ {
			if err := m.Acquire(ctx, key); err != nil {
				t.Error(err)
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquires within the remaining budget should not block")
	}
}

func TestAcquire_NeverExceedsObservedRemaining(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	key := "GET::c2::/channels/{channel_id}"

	require.NoError(t, m.Acquire(ctx, key))
	m.Release(key, Observed{Limit: 3, Remaining: 2, ResetAfter: time.Hour})

	require.NoError(t, m.Acquire(ctx, key))
	require.NoError(t, m.Acquire(ctx, key))

	// Budget exhausted, reset is an hour away: the next acquire must block
	// until the context expires.
	err := m.Acquire(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_FIFOOrder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	key := "PATCH::c3::/channels/{channel_id}"

	require.NoError(t, m.Acquire(ctx, key))
	m.Release(key, Observed{Limit: 1, Remaining: 0, ResetAfter: 150 * time.Millisecond})

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := m.Acquire(ctx, key); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			// Each waiter gets a fresh single-call window.
			m.Release(key, Observed{Limit: 1, Remaining: 0, ResetAfter: 50 * time.Millisecond})
		}(i)
		// Stagger arrival so queue order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order, "waiters must be served first-queued, first-served")
}

func TestRelease_RetryAfterParksBucket(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	key := "DELETE::c4::/channels/{channel_id}/messages/{message_id}"

	require.NoError(t, m.Acquire(ctx, key))
	m.Release(key, Observed{RetryAfter: 200 * time.Millisecond})

	start := time.Now()
	require.NoError(t, m.Acquire(ctx, key))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond,
		"429 must park the bucket for the server-specified duration")
}

func TestRelease_GlobalParksAllBuckets(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "GET::a::/users/@me"))
	m.Release("GET::a::/users/@me", Observed{RetryAfter: 200 * time.Millisecond, Global: true})

	// A completely unrelated bucket must also wait out the global cooldown.
	start := time.Now()
	require.NoError(t, m.Acquire(ctx, "GET::b::/gateway"))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond,
		"global cooldown must gate every bucket")
}

func TestAcquire_ContextCancelledWhileQueued(t *testing.T) {
	m := newTestManager(t)
	key := "PUT::c5::/channels/{channel_id}/pins/{message_id}"

	require.NoError(t, m.Acquire(context.Background(), key))
	m.Release(key, Observed{Limit: 1, Remaining: 0, ResetAfter: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Acquire(ctx, key) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire did not return")
	}
}

func TestAcquire_GlobalWaitCancelRestoresPermit(t *testing.T) {
	// One global token per second: the first acquire drains the burst.
	m := NewManager(1, time.Hour, nil)
	defer m.Close()
	key := "GET::c7::/channels/{channel_id}"

	require.NoError(t, m.Acquire(context.Background(), key))
	m.Release(key, Observed{Limit: 5, Remaining: 1, ResetAfter: time.Hour})

	// The bucket permit is granted but the global gate cannot deliver a
	// token before the deadline; the permit must be returned.
	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, m.Acquire(shortCtx, key))

	// With the hour-long reset window, this acquire only succeeds if the
	// cancelled attempt gave its permit back.
	okCtx, cancelOK := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelOK()
	require.NoError(t, m.Acquire(okCtx, key))
}

func TestEvictIdle_DropsStaleBuckets(t *testing.T) {
	m := NewManager(1000, 10*time.Millisecond, nil)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "GET::x::/gateway"))
	m.Release("GET::x::/gateway", Observed{Limit: 1, Remaining: 1, ResetAfter: time.Second})
	require.Equal(t, 1, m.BucketCount())

	time.Sleep(30 * time.Millisecond)
	m.evictIdle()

	assert.Equal(t, 0, m.BucketCount(), "idle bucket should be evicted")
}

func TestRefill_RestoresFullLimit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	key := "GET::c6::/channels/{channel_id}/messages"

	require.NoError(t, m.Acquire(ctx, key))
	m.Release(key, Observed{Limit: 3, Remaining: 0, ResetAfter: 100 * time.Millisecond})

	time.Sleep(150 * time.Millisecond)

	// After the window lapses the full budget is available again.
	for i := 0; i < 3; i++ {
		acquireCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		err := m.Acquire(acquireCtx, key)
		cancel()
		require.NoError(t, err, "call %d should fit in the refilled window", i+1)
	}
}
