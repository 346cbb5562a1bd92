package cachemgr

import (
	"time"

	"github.com/HibernalGlow/neoview/clock"
	"github.com/HibernalGlow/neoview/memcache"
)

const (
	defaultUpscaleMaxBytes = 500 << 20 // 500 MiB
	defaultUpscaleMaxItems = 20
	defaultUpscaleTTL      = 10 * time.Minute
)

// UpscaleStore caches upscaled page bytes keyed by source content hash
// rather than page index, so entries survive a book switch per spec.md
// §3's upscale-entry lifecycle.
type UpscaleStore struct {
	cache *memcache.Cache[*UpscaleEntry]
}

// NewUpscaleStore constructs an UpscaleStore with spec.md §4.2.3's
// defaults: 500 MiB, 20 items, 10-minute TTL.
func NewUpscaleStore(clk clock.Clock, opts ...memcache.Option[*UpscaleEntry]) *UpscaleStore {
	base := []memcache.Option[*UpscaleEntry]{
		memcache.WithMaxBytes[*UpscaleEntry](defaultUpscaleMaxBytes),
		memcache.WithMaxItems[*UpscaleEntry](defaultUpscaleMaxItems),
		memcache.WithDefaultTTL[*UpscaleEntry](defaultUpscaleTTL),
		memcache.WithSizeOf[*UpscaleEntry](func(e *UpscaleEntry) int64 { return int64(len(e.Bytes)) }),
		memcache.WithClock[*UpscaleEntry](clk),
	}
	s := &UpscaleStore{cache: memcache.New(append(base, opts...)...)}
	s.cache.OnEvent(func(ev memcache.Event[*UpscaleEntry]) {
		switch ev.Kind {
		case memcache.EventEvict, memcache.EventExpire:
			if ev.Entry.Value.Handle != nil {
				ev.Entry.Value.Handle.Release()
			}
		}
	})
	return s
}

func (s *UpscaleStore) Set(hash string, bytes []byte, model string, scale float64, originPage int) (*UpscaleEntry, ResourceHandle) {
	if prev, ok := s.cache.Get(hash); ok && prev.Handle != nil {
		prev.Handle.Release()
	}
	h := newHandle(nil)
	entry := &UpscaleEntry{
		Bytes: bytes, Handle: h, SourceHash: hash,
		ModelName: model, ScaleFactor: scale, OriginPageIndex: originPage,
	}
	s.cache.Set(hash, entry, 0)
	return entry, h
}

func (s *UpscaleStore) Get(hash string) (*UpscaleEntry, bool) { return s.cache.Get(hash) }
func (s *UpscaleStore) Has(hash string) bool                  { return s.cache.Has(hash) }
func (s *UpscaleStore) Keys() []string                         { return s.cache.Keys() }
func (s *UpscaleStore) TotalBytes() int64                      { return s.cache.TotalBytes() }
func (s *UpscaleStore) Len() int                               { return s.cache.Len() }
func (s *UpscaleStore) MaxBytes() int64                        { return s.cache.MaxBytes() }
func (s *UpscaleStore) Close()                                 { s.cache.Close() }

// ShrinkTo evicts LRU entries until total_bytes <= targetBytes.
func (s *UpscaleStore) ShrinkTo(targetBytes int64) int64 {
	before := s.cache.TotalBytes()
	for s.cache.TotalBytes() > targetBytes {
		keys := s.cache.Keys()
		if len(keys) == 0 {
			break
		}
		if entry, ok := s.cache.Get(keys[0]); ok && entry.Handle != nil {
			entry.Handle.Release()
		}
		s.cache.Delete(keys[0])
	}
	return before - s.cache.TotalBytes()
}
