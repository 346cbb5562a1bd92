package memcache

import "testing"

// BenchmarkSet measures the write path's cost: lock acquisition, the
// eviction check, and LRU list manipulation, mirroring the teacher's
// own BenchmarkSet.
func BenchmarkSet(b *testing.B) {
	c := New[int](WithMaxItems[int](10_000))
	for i := 0; i < b.N; i++ {
		c.Set("key", i, 0)
	}
}

func BenchmarkGetHit(b *testing.B) {
	c := New[int]()
	c.Set("key", 1, 0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get("key")
	}
}
