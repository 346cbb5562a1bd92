package cachemgr

import (
	"fmt"
	"strings"
	"time"

	"github.com/HibernalGlow/neoview/clock"
	"github.com/HibernalGlow/neoview/memcache"
)

const (
	defaultThumbMaxBytes = 50 << 20 // 50 MiB
	defaultThumbMaxItems = 100
	defaultThumbTTL      = 30 * time.Minute
)

// ThumbnailStore caches small encoded thumbnail payloads keyed by
// "thumb:{book_path}:{page_index}". Size is estimated as payload length
// times two, matching spec.md §4.2.2's base64-inflation estimate.
type ThumbnailStore struct {
	cache *memcache.Cache[*ThumbnailEntry]
}

// ThumbKey builds the store key for a book/page pair.
func ThumbKey(bookPath string, pageIndex int) string {
	return fmt.Sprintf("thumb:%s:%d", bookPath, pageIndex)
}

// NewThumbnailStore constructs a ThumbnailStore with spec.md §4.2.2's
// defaults: 50 MiB, 100 items, 30-minute TTL.
func NewThumbnailStore(clk clock.Clock, opts ...memcache.Option[*ThumbnailEntry]) *ThumbnailStore {
	base := []memcache.Option[*ThumbnailEntry]{
		memcache.WithMaxBytes[*ThumbnailEntry](defaultThumbMaxBytes),
		memcache.WithMaxItems[*ThumbnailEntry](defaultThumbMaxItems),
		memcache.WithDefaultTTL[*ThumbnailEntry](defaultThumbTTL),
		memcache.WithSizeOf[*ThumbnailEntry](func(e *ThumbnailEntry) int64 { return int64(len(e.Payload)) * 2 }),
		memcache.WithClock[*ThumbnailEntry](clk),
	}
	return &ThumbnailStore{cache: memcache.New(append(base, opts...)...)}
}

func (s *ThumbnailStore) Set(bookPath string, pageIndex int, payload []byte, width, height int) {
	s.cache.Set(ThumbKey(bookPath, pageIndex), &ThumbnailEntry{
		Payload: payload, Width: width, Height: height, PageIndex: pageIndex,
	}, 0)
}

func (s *ThumbnailStore) Get(bookPath string, pageIndex int) (*ThumbnailEntry, bool) {
	return s.cache.Get(ThumbKey(bookPath, pageIndex))
}

func (s *ThumbnailStore) Delete(bookPath string, pageIndex int) bool {
	return s.cache.Delete(ThumbKey(bookPath, pageIndex))
}

func (s *ThumbnailStore) Keys() []string  { return s.cache.Keys() }
func (s *ThumbnailStore) TotalBytes() int64 { return s.cache.TotalBytes() }
func (s *ThumbnailStore) Len() int        { return s.cache.Len() }
func (s *ThumbnailStore) MaxBytes() int64 { return s.cache.MaxBytes() }
func (s *ThumbnailStore) Clear()          { s.cache.Clear() }
func (s *ThumbnailStore) Close()          { s.cache.Close() }

// ShrinkTo evicts LRU entries until total_bytes <= targetBytes.
func (s *ThumbnailStore) ShrinkTo(targetBytes int64) int64 {
	before := s.cache.TotalBytes()
	for s.cache.TotalBytes() > targetBytes {
		keys := s.cache.Keys()
		if len(keys) == 0 {
			break
		}
		s.cache.Delete(keys[0])
	}
	return before - s.cache.TotalBytes()
}

// DeleteForBook removes every thumbnail whose key starts with
// "thumb:{bookPath}:", used by Manager.ClearBook.
func (s *ThumbnailStore) DeleteForBook(bookPath string) {
	prefix := "thumb:" + bookPath + ":"
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Delete(k)
		}
	}
}
