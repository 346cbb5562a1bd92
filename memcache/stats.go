package memcache

// Stats holds runtime performance counters for a Cache, generalizing
// the teacher's tempuscache.Stats with expiration accounting.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Sets        uint64
}

// Stats returns a point-in-time snapshot of the cache's counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}
