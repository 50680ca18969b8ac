// ABOUTME: Tests for the idempotency cache used to replay duplicate commands
// ABOUTME: Validates claim/complete/release, TTL expiry, eviction order, cleanup, and atomicity

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCache[V any](t *testing.T, ttl time.Duration, maxSize int) (*Cache[V], *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New[V](ttl, maxSize)
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_ClaimCompleteReplay(t *testing.T) {
	cache, _ := newTestCache[string](t, 5*time.Minute, 100)

	_, outcome := cache.Claim("req-1")
	assert.Equal(t, Claimed, outcome)

	_, outcome = cache.Claim("req-1")
	assert.Equal(t, Pending, outcome, "second caller sees the in-flight claim")

	cache.Complete("req-1", "message-42")

	v, outcome := cache.Claim("req-1")
	assert.Equal(t, Done, outcome)
	assert.Equal(t, "message-42", v)
}

func TestCache_ReleaseAllowsRetry(t *testing.T) {
	cache, _ := newTestCache[string](t, 5*time.Minute, 100)

	_, outcome := cache.Claim("req-1")
	require.Equal(t, Claimed, outcome)
	cache.Release("req-1")

	_, outcome = cache.Claim("req-1")
	assert.Equal(t, Claimed, outcome)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_ReleaseKeepsCompleted(t *testing.T) {
	cache, _ := newTestCache[int](t, 5*time.Minute, 100)

	cache.Claim("req-1")
	cache.Complete("req-1", 7)
	cache.Release("req-1")

	v, outcome := cache.Claim("req-1")
	assert.Equal(t, Done, outcome)
	assert.Equal(t, 7, v)
}

func TestCache_Expiry(t *testing.T) {
	cache, clock := newTestCache[string](t, time.Minute, 100)

	cache.Claim("req-1")
	cache.Complete("req-1", "first")

	clock.Advance(30 * time.Second)
	_, outcome := cache.Claim("req-1")
	assert.Equal(t, Done, outcome)

	clock.Advance(31 * time.Second)
	v, outcome := cache.Claim("req-1")
	assert.Equal(t, Claimed, outcome, "expired keys are claimable again")
	assert.Empty(t, v)
}

func TestCache_CompleteRefreshesTimestamp(t *testing.T) {
	cache, clock := newTestCache[string](t, time.Minute, 100)

	cache.Claim("req-1")
	clock.Advance(50 * time.Second)
	cache.Complete("req-1", "slow")
	clock.Advance(50 * time.Second)

	_, outcome := cache.Claim("req-1")
	assert.Equal(t, Done, outcome)
}

func TestCache_EvictionOrder(t *testing.T) {
	cache, _ := newTestCache[string](t, 5*time.Minute, 3)

	for _, k := range []string{"first", "second", "third", "fourth"} {
		assert.False(t, cache.CheckAndMark(k))
	}
	assert.Equal(t, 3, cache.Len())

	// Duplicates do not refresh insertion order.
	assert.True(t, cache.CheckAndMark("second"))
	assert.True(t, cache.CheckAndMark("third"))
	assert.True(t, cache.CheckAndMark("fourth"))

	assert.False(t, cache.CheckAndMark("first"), "first was evicted")
	assert.True(t, cache.CheckAndMark("third"))
	assert.False(t, cache.CheckAndMark("second"), "re-adding first evicted second")
}

func TestCache_Cleanup(t *testing.T) {
	cache, clock := newTestCache[string](t, 10*time.Millisecond, 100)

	cache.CheckAndMark("cleanup-1")
	cache.CheckAndMark("cleanup-2")
	cache.Claim("cleanup-3")
	assert.Equal(t, 3, cache.Len())

	clock.Advance(20 * time.Millisecond)
	cache.runCleanup()

	assert.Equal(t, 0, cache.Len(), "cleanup should remove expired entries from map")
}

func TestCache_CheckAndMark(t *testing.T) {
	cache, clock := newTestCache[struct{}](t, 10*time.Millisecond, 100)

	assert.False(t, cache.CheckAndMark("frame-1"), "first sighting is not a duplicate")
	assert.True(t, cache.CheckAndMark("frame-1"))

	clock.Advance(20 * time.Millisecond)
	assert.False(t, cache.CheckAndMark("frame-1"), "should not be seen after expiry")
}

func TestCache_ClaimIsAtomic(t *testing.T) {
	cache, _ := newTestCache[string](t, 5*time.Minute, 100)

	const numGoroutines = 100
	var winners atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for range numGoroutines {
		go func() {
			defer wg.Done()
			if _, outcome := cache.Claim("contested-key"); outcome == Claimed {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly one goroutine should win the claim")
}

func TestCache_Close(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	cache.CheckAndMark("before-close")

	cache.Close()
	cache.Close()
}
