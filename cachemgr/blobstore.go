package cachemgr

import (
	"fmt"
	"sync"
	"time"

	"github.com/HibernalGlow/neoview/clock"
	"github.com/HibernalGlow/neoview/memcache"
)

const (
	defaultBlobMaxBytes = 256 << 20 // 256 MiB
	defaultBlobMaxItems = 30
	defaultBlobTTL      = 5 * time.Minute
)

// BlobStore wraps a memcache.Cache[*BlobEntry] keyed by
// "{book_path}:{page_index}" (or "page:{page_index}" with no book),
// minting a ResourceHandle for every inserted blob and keeping two
// auxiliary maps (handle ID -> key, page index -> key) so the pipeline
// can look a blob up by whichever identity it has on hand.
type BlobStore struct {
	cache *memcache.Cache[*BlobEntry]

	mu          sync.Mutex
	byHandle    map[string]string
	byPageIndex map[int]string
}

// BlobKey builds the store key for a page, with or without a book path.
func BlobKey(bookPath string, pageIndex int) string {
	if bookPath == "" {
		return fmt.Sprintf("page:%d", pageIndex)
	}
	return fmt.Sprintf("%s:%d", bookPath, pageIndex)
}

// NewBlobStore constructs a BlobStore with spec.md §4.2.1's defaults:
// 256 MiB, 30 items, 5-minute TTL, revoke-on-evict enabled (revocation
// is unconditional in this implementation, since a blob with no live
// cache entry has no other owner).
func NewBlobStore(clk clock.Clock, opts ...memcache.Option[*BlobEntry]) *BlobStore {
	s := &BlobStore{
		byHandle:    make(map[string]string),
		byPageIndex: make(map[int]string),
	}

	base := []memcache.Option[*BlobEntry]{
		memcache.WithMaxBytes[*BlobEntry](defaultBlobMaxBytes),
		memcache.WithMaxItems[*BlobEntry](defaultBlobMaxItems),
		memcache.WithDefaultTTL[*BlobEntry](defaultBlobTTL),
		memcache.WithSizeOf[*BlobEntry](func(e *BlobEntry) int64 { return int64(len(e.Bytes)) }),
		memcache.WithClock[*BlobEntry](clk),
	}
	s.cache = memcache.New(append(base, opts...)...)

	s.cache.OnEvent(func(ev memcache.Event[*BlobEntry]) {
		switch ev.Kind {
		case memcache.EventEvict, memcache.EventExpire:
			s.forget(ev.Entry.Value)
		}
	})

	return s
}

// Set inserts bytes for (bookPath, pageIndex), minting a new
// ResourceHandle. Replacing an existing key releases the prior handle
// first, per spec.md §3's "setting an existing key replaces the old
// entry, releasing its resource handle deterministically".
func (s *BlobStore) Set(bookPath string, pageIndex int, bytes []byte, hash string, meta *DecodedMetadata) (*BlobEntry, ResourceHandle) {
	key := BlobKey(bookPath, pageIndex)

	// Has first, so inserting a new key does not count as a cache miss.
	if s.cache.Has(key) {
		if prev, ok := s.cache.Get(key); ok {
			s.forget(prev)
		}
	}

	entry := &BlobEntry{Bytes: bytes, PageIndex: pageIndex, ContentHash: hash, Metadata: meta}
	h := newHandle(nil)
	entry.Handle = h

	s.cache.Set(key, entry, 0)

	s.mu.Lock()
	s.byHandle[h.ID()] = key
	s.byPageIndex[pageIndex] = key
	s.mu.Unlock()

	return entry, h
}

// Get returns the blob cached for (bookPath, pageIndex), bumping LRU.
func (s *BlobStore) Get(bookPath string, pageIndex int) (*BlobEntry, bool) {
	return s.cache.Get(BlobKey(bookPath, pageIndex))
}

// Has reports whether (bookPath, pageIndex) is cached, without
// disturbing LRU order -- used by the preloader to skip already-loaded
// indices when deciding what to fan out next.
func (s *BlobStore) Has(bookPath string, pageIndex int) bool {
	return s.cache.Has(BlobKey(bookPath, pageIndex))
}

// GetByHandle resolves a previously minted handle back to its entry.
func (s *BlobStore) GetByHandle(handleID string) (*BlobEntry, bool) {
	s.mu.Lock()
	key, ok := s.byHandle[handleID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return s.cache.Get(key)
}

// Delete removes the blob for (bookPath, pageIndex), releasing its
// handle if present.
func (s *BlobStore) Delete(bookPath string, pageIndex int) bool {
	key := BlobKey(bookPath, pageIndex)
	if entry, ok := s.cache.Get(key); ok {
		s.forget(entry)
	}
	return s.cache.Delete(key)
}

// forget releases the entry's handle (idempotent) and clears the
// auxiliary maps, the cleanup spec.md §4.2.1 requires on
// eviction/expiry/delete.
func (s *BlobStore) forget(entry *BlobEntry) {
	if entry == nil {
		return
	}
	if entry.Handle != nil {
		entry.Handle.Release()
	}
	s.mu.Lock()
	if entry.Handle != nil {
		delete(s.byHandle, entry.Handle.ID())
	}
	delete(s.byPageIndex, entry.PageIndex)
	s.mu.Unlock()
}

// Keys returns the live page-store keys (LRU to MRU), used by
// Manager.ClearBook to find entries belonging to a given book.
func (s *BlobStore) Keys() []string { return s.cache.Keys() }

// TotalBytes reports the store's current accounted byte size.
func (s *BlobStore) TotalBytes() int64 { return s.cache.TotalBytes() }

// Len reports the store's current item count.
func (s *BlobStore) Len() int { return s.cache.Len() }

// MaxBytes reports the store's configured byte ceiling.
func (s *BlobStore) MaxBytes() int64 { return s.cache.MaxBytes() }

// ShrinkTo evicts LRU entries until total_bytes <= targetBytes,
// returning the number of bytes freed.
func (s *BlobStore) ShrinkTo(targetBytes int64) int64 {
	before := s.cache.TotalBytes()
	for s.cache.TotalBytes() > targetBytes {
		keys := s.cache.Keys()
		if len(keys) == 0 {
			break
		}
		oldest := keys[0]
		if entry, ok := s.cache.Get(oldest); ok {
			s.forget(entry)
		}
		s.cache.Delete(oldest)
	}
	return before - s.cache.TotalBytes()
}

// Clear removes every blob, releasing every handle first.
func (s *BlobStore) Clear() {
	for _, k := range s.cache.Keys() {
		if entry, ok := s.cache.Get(k); ok {
			s.forget(entry)
		}
	}
	s.cache.Clear()
}

// Close stops the store's background janitor. Idempotent.
func (s *BlobStore) Close() { s.cache.Close() }
