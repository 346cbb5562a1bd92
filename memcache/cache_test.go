package memcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HibernalGlow/neoview/clock"
)

/*
cache_test.go validates the generic Memory Cache against spec.md §8's
quantified invariants and round-trip properties:

  - sum(entry.byte_size) == store.total_bytes after every mutation
  - store.total_bytes <= store.max_bytes and item_count <= max_items
  - set(k,v); get(k) == v (unexpired)
  - set(k,v); delete(k); get(k) == zero value
  - eviction is LRU: the least-recently-touched entry goes first
*/

func sizeOfString(s string) int64 { return int64(len(s)) }

func TestSetGetRoundTrip(t *testing.T) {
	c := New[string](WithSizeOf[string](sizeOfString))

	c.Set("a", "hello", 0)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "hello", v)
}

func TestDeleteThenGetMisses(t *testing.T) {
	c := New[string](WithSizeOf[string](sizeOfString))

	c.Set("a", "hello", 0)
	assert.True(t, c.Delete("a"))
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestDeleteMissingKeyReturnsFalse(t *testing.T) {
	c := New[string]()
	assert.False(t, c.Delete("nope"))
}

func TestByteAccountingStaysConsistent(t *testing.T) {
	c := New[string](WithSizeOf[string](sizeOfString), WithMaxBytes[string](100))

	c.Set("a", "12345", 0)
	c.Set("b", "67", 0)
	assert.Equal(t, int64(7), c.TotalBytes())

	c.Delete("a")
	assert.Equal(t, int64(2), c.TotalBytes())
}

func TestMaxItemsEvictsLRU(t *testing.T) {
	c := New[string](WithMaxItems[string](2))

	c.Set("a", "1", 0)
	c.Set("b", "2", 0)
	c.Set("c", "3", 0) // should evict "a", the least recently touched

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should have been evicted")
	assert.Equal(t, 2, c.Len())
	assert.LessOrEqual(t, c.Len(), 2)
}

func TestGetRefreshesLRUOrder(t *testing.T) {
	c := New[string](WithMaxItems[string](2))

	c.Set("a", "1", 0)
	c.Set("b", "2", 0)
	c.Get("a") // touch "a" so "b" becomes the LRU candidate
	c.Set("c", "3", 0)

	_, aOK := c.Get("a")
	_, bOK := c.Get("b")
	assert.True(t, aOK, "recently touched entry must survive eviction")
	assert.False(t, bOK, "untouched entry should be evicted instead")
}

func TestMaxBytesBoundsEnforced(t *testing.T) {
	c := New[string](WithSizeOf[string](sizeOfString), WithMaxBytes[string](10))

	c.Set("a", "12345", 0) // 5 bytes
	c.Set("b", "12345", 0) // 10 bytes total, fits exactly
	c.Set("c", "1", 0)     // forces eviction of "a" to admit 1 more byte

	assert.LessOrEqual(t, c.TotalBytes(), int64(10))
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestTTLExpiryIsLazy(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c := New[string](WithClock[string](fc))

	c.Set("a", "1", time.Second)
	fc.Advance(2 * time.Second)

	_, ok := c.Get("a")
	assert.False(t, ok, "expired entry must not be returned")
}

func TestZeroTTLNeverExpires(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c := New[string](WithClock[string](fc))

	c.Set("a", "1", 0)
	fc.Advance(24 * time.Hour)

	_, ok := c.Get("a")
	assert.True(t, ok)
}

func TestActiveExpirationViaJanitor(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c := New[string](WithClock[string](fc), WithCleanupInterval[string](time.Second))
	defer c.Close()

	c.Set("a", "1", 500*time.Millisecond)
	fc.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		return c.Len() == 0
	}, time.Second, 10*time.Millisecond, "janitor should sweep the expired entry")
}

func TestClearRemovesEverythingAndEmitsOnce(t *testing.T) {
	c := New[string](WithSizeOf[string](sizeOfString))
	c.Set("a", "12345", 0)
	c.Set("b", "67", 0)

	var clears int
	c.OnEvent(func(ev Event[string]) {
		if ev.Kind == EventClear {
			clears++
		}
	})

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.TotalBytes())
	assert.Equal(t, 1, clears)
}

func TestEvictingFromEmptyStoreIsNoop(t *testing.T) {
	c := New[string](WithMaxItems[string](1))
	assert.NotPanics(t, func() { c.evictUntilFits(0) })
}

func TestKeysReturnsDefensiveCopyOrderedLRUtoMRU(t *testing.T) {
	c := New[string]()
	c.Set("a", "1", 0)
	c.Set("b", "2", 0)
	c.Set("c", "3", 0)

	keys := c.Keys()
	require.Len(t, keys, 3)
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	for _, k := range keys {
		c.Delete(k)
	}
	assert.Len(t, keys, 3, "mutating the cache must not retroactively change the returned slice")
}

func TestListenerPanicIsCaughtAndOthersStillRun(t *testing.T) {
	c := New[string]()

	var secondCalled bool
	c.OnEvent(func(Event[string]) { panic("boom") })
	c.OnEvent(func(Event[string]) { secondCalled = true })

	assert.NotPanics(t, func() { c.Set("a", "1", 0) })
	assert.True(t, secondCalled)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c := New[string]()

	var calls int
	unsub := c.OnEvent(func(Event[string]) { calls++ })
	c.Set("a", "1", 0)
	unsub()
	c.Set("b", "2", 0)

	assert.Equal(t, 1, calls)
}

func TestUpdateConfigAppliesBoundsImmediately(t *testing.T) {
	c := New[string](WithMaxItems[string](5))
	c.Set("a", "1", 0)
	c.Set("b", "2", 0)
	c.Set("c", "3", 0)

	c.UpdateConfig(WithMaxItems[string](1))
	assert.LessOrEqual(t, c.Len(), 1)
}
