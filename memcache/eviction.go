package memcache

import "container/list"

/*
evictUntilFits evicts LRU entries until both item_count < max_items and
total_bytes + incomingBytes <= max_bytes, the pre-insert eviction loop
required by spec.md §3's store invariants. Zero bounds are treated as
unbounded, matching the teacher's "if maxEntries > 0" guard in Set.

This generalizes tempuscache.evictOldest's single-entry eviction (which
only ever needed to make room for exactly one more item) into a loop,
since a byte-size ceiling can require evicting several small entries to
admit one large one.

Caller must hold c.mu.
*/
func (c *Cache[V]) evictUntilFits(incomingBytes int64) {
	for {
		overItems := c.maxItems > 0 && c.lru.Len() >= c.maxItems
		overBytes := c.maxBytes > 0 && c.totalBytes+incomingBytes > c.maxBytes
		if !overItems && !overBytes {
			return
		}
		elem := c.lru.Back()
		if elem == nil {
			return
		}
		entry := elem.Value.(*Entry[V])
		c.removeElement(elem)
		c.stats.Evictions++
		c.emit(Event[V]{Kind: EventEvict, Key: entry.Key, Entry: entry})
	}
}

/*
removeElement removes e from both the LRU list and the key map and
decrements the byte-size accumulator, the same responsibility as
tempuscache.removeElement generalized with byte-size bookkeeping.

Used by LRU eviction, lazy and active expiration, and explicit Delete.
Assumes the caller holds c.mu; does not itself emit an event, since
each caller needs a different EventKind.
*/
func (c *Cache[V]) removeElement(e *list.Element) {
	entry := e.Value.(*Entry[V])
	c.lru.Remove(e)
	delete(c.data, entry.Key)
	c.totalBytes -= entry.ByteSize
}
