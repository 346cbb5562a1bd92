package cachemgr

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/HibernalGlow/neoview/clock"
	"github.com/HibernalGlow/neoview/memcache"
)

const (
	// DefaultGlobalLimit is the aggregate byte ceiling across all three
	// stores, spec.md §4.3's 800 MiB default.
	DefaultGlobalLimit = 800 << 20
	// cleanupThreshold triggers PerformCleanup once aggregate usage
	// crosses this fraction of the manager's global limit.
	cleanupThreshold = 0.9
	// shrinkTarget is the fraction of the global ceiling PerformCleanup
	// shrinks down to.
	shrinkTarget = 0.7
)

// Manager owns the three specialized stores and enforces a global
// memory ceiling with the tiered shrink policy of spec.md §4.3:
// upscales first (rebuildable from blob + hash), then thumbnails, and
// blobs only as a last resort since they are the current reading
// surface.
type Manager struct {
	mu sync.Mutex

	Blobs      *BlobStore
	Thumbnails *ThumbnailStore
	Upscales   *UpscaleStore

	globalLimit int64
	logger      *zap.Logger

	storeTTL             time.Duration
	storeCleanupInterval time.Duration
	blobMaxItems         int
}

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*Manager)

// WithGlobalLimit overrides the default 800 MiB aggregate ceiling.
func WithGlobalLimit(bytes int64) ManagerOption {
	return func(m *Manager) { m.globalLimit = bytes }
}

// WithManagerLogger attaches a zap logger used for cleanup diagnostics.
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithStoreTTL overrides the default per-entry TTL shared by all three
// stores, spec.md §6's PipelineConfig.cache.ttl.
func WithStoreTTL(d time.Duration) ManagerOption {
	return func(m *Manager) { m.storeTTL = d }
}

// WithStoreCleanupInterval starts each store's background janitor on
// this interval; left at zero, a store's janitor never runs and TTL
// expiry only happens lazily on Get/Has or via PerformCleanup's
// pressure-triggered sweep. spec.md §6's
// PipelineConfig.cache.cleanup_interval.
func WithStoreCleanupInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.storeCleanupInterval = d }
}

// WithBlobMaxItems overrides the blob store's item-count ceiling,
// spec.md §6's PipelineConfig.cache.max_items.
func WithBlobMaxItems(n int) ManagerOption {
	return func(m *Manager) { m.blobMaxItems = n }
}

// NewManager constructs a Manager with fresh blob/thumbnail/upscale
// stores, all sharing clk as their time source. Options are applied
// before the stores are built so TTL/cleanup-interval/item-count
// overrides reach every store's constructor.
func NewManager(clk clock.Clock, opts ...ManagerOption) *Manager {
	m := &Manager{
		globalLimit: DefaultGlobalLimit,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	var blobOpts []memcache.Option[*BlobEntry]
	var thumbOpts []memcache.Option[*ThumbnailEntry]
	var upscaleOpts []memcache.Option[*UpscaleEntry]

	if m.storeTTL > 0 {
		blobOpts = append(blobOpts, memcache.WithDefaultTTL[*BlobEntry](m.storeTTL))
		thumbOpts = append(thumbOpts, memcache.WithDefaultTTL[*ThumbnailEntry](m.storeTTL))
		upscaleOpts = append(upscaleOpts, memcache.WithDefaultTTL[*UpscaleEntry](m.storeTTL))
	}
	if m.storeCleanupInterval > 0 {
		blobOpts = append(blobOpts, memcache.WithCleanupInterval[*BlobEntry](m.storeCleanupInterval))
		thumbOpts = append(thumbOpts, memcache.WithCleanupInterval[*ThumbnailEntry](m.storeCleanupInterval))
		upscaleOpts = append(upscaleOpts, memcache.WithCleanupInterval[*UpscaleEntry](m.storeCleanupInterval))
	}
	if m.blobMaxItems > 0 {
		blobOpts = append(blobOpts, memcache.WithMaxItems[*BlobEntry](m.blobMaxItems))
	}

	m.Blobs = NewBlobStore(clk, blobOpts...)
	m.Thumbnails = NewThumbnailStore(clk, thumbOpts...)
	m.Upscales = NewUpscaleStore(clk, upscaleOpts...)
	return m
}

// Stats aggregates the hit/miss/eviction counters of all three stores,
// generalizing the teacher's single-cache stats.go into a manager-wide
// summary.
type Stats struct {
	Blobs      memcache.Stats
	Thumbnails memcache.Stats
	Upscales   memcache.Stats
}

// Stats returns a point-in-time snapshot of every store's counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Blobs:      m.Blobs.cache.Stats(),
		Thumbnails: m.Thumbnails.cache.Stats(),
		Upscales:   m.Upscales.cache.Stats(),
	}
}

// AggregateBytes returns the sum of all three stores' accounted bytes.
func (m *Manager) AggregateBytes() int64 {
	return m.Blobs.TotalBytes() + m.Thumbnails.TotalBytes() + m.Upscales.TotalBytes()
}

// Usage returns AggregateBytes as a fraction of the global limit.
func (m *Manager) Usage() float64 {
	if m.globalLimit <= 0 {
		return 0
	}
	return float64(m.AggregateBytes()) / float64(m.globalLimit)
}

// CheckPressure runs PerformCleanup if aggregate usage has crossed the
// 90% threshold, per spec.md §4.3: "before each mutation that adds
// bytes, check global usage". SetBlob, SetThumbnail and SetUpscale call
// this before inserting; the stores' own Set methods do not.
func (m *Manager) CheckPressure() {
	if m.Usage() >= cleanupThreshold {
		m.PerformCleanup()
	}
}

// PerformCleanup shrinks aggregate usage down to 70% of the global
// ceiling in priority order: expire-sweep thumbnails and upscales,
// then shrink upscales, then thumbnails, then blobs only as a last
// resort. Each store snapshots its own key list before deleting
// (memcache.Cache.Keys already returns a defensive copy), closing the
// bug spec.md §9 flags in the source.
func (m *Manager) PerformCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := int64(float64(m.globalLimit) * shrinkTarget)

	// Step 1: expire-sweep thumbnails and upscales.
	m.Thumbnails.cache.Cleanup()
	m.Upscales.cache.Cleanup()
	if m.AggregateBytes() <= target {
		return
	}

	// Step 2: shrink upscales first -- rebuildable from blob + hash.
	upscaleTarget := maxInt64(
		int64(float64(m.Upscales.MaxBytes())*0.5),
		target-m.Blobs.TotalBytes()-m.Thumbnails.TotalBytes(),
	)
	m.Upscales.ShrinkTo(upscaleTarget)
	if m.AggregateBytes() <= target {
		return
	}

	// Step 3: shrink thumbnails symmetrically.
	thumbTarget := maxInt64(0, target-m.Blobs.TotalBytes()-m.Upscales.TotalBytes())
	m.Thumbnails.ShrinkTo(thumbTarget)
	if m.AggregateBytes() <= target {
		return
	}

	// Step 4: shrink blobs to whatever is left -- the current reading
	// surface, evicted only as a last resort.
	blobTarget := maxInt64(0, target-m.Thumbnails.TotalBytes()-m.Upscales.TotalBytes())
	m.Blobs.ShrinkTo(blobTarget)

	m.logger.Debug("cachemgr: cleanup complete",
		zap.Int64("aggregate_bytes", m.AggregateBytes()),
		zap.Int64("target", target),
	)
}

// SetBlob checks memory pressure, runs PerformCleanup if needed, then
// stores bytes for (bookPath, pageIndex) in the blob store and returns
// the entry and its freshly minted ResourceHandle. A page loader that
// cannot supply a stable content hash leaves hash empty; SetBlob then
// derives one from the bytes themselves via xxhash, so the SR cache
// lookup in srservice still has a usable key, per spec.md §3's "an
// optional stable content hash identifies the bytes".
func (m *Manager) SetBlob(bookPath string, pageIndex int, bytes []byte, hash string, meta *DecodedMetadata) (*BlobEntry, ResourceHandle) {
	m.CheckPressure()
	if hash == "" && len(bytes) > 0 {
		hash = contentHash(bytes)
	}
	return m.Blobs.Set(bookPath, pageIndex, bytes, hash, meta)
}

// contentHash derives a stable, non-cryptographic content identifier
// for bytes whose loader did not supply one of its own.
func contentHash(bytes []byte) string {
	return strconv.FormatUint(xxhash.Sum64(bytes), 16)
}

// SetThumbnail checks memory pressure, runs PerformCleanup if needed,
// then stores a thumbnail payload.
func (m *Manager) SetThumbnail(bookPath string, pageIndex int, payload []byte, width, height int) {
	m.CheckPressure()
	m.Thumbnails.Set(bookPath, pageIndex, payload, width, height)
}

// SetUpscale checks memory pressure, runs PerformCleanup if needed,
// then stores an upscaled blob keyed by source content hash.
func (m *Manager) SetUpscale(hash string, bytes []byte, model string, scale float64, originPage int) (*UpscaleEntry, ResourceHandle) {
	m.CheckPressure()
	return m.Upscales.Set(hash, bytes, model, scale, originPage)
}

// ClearBook purges every blob and thumbnail entry belonging to
// bookPath. Upscale entries are hash-keyed and intentionally
// preserved, per spec.md §4.3's book-purge policy.
func (m *Manager) ClearBook(bookPath string) {
	for _, key := range m.Blobs.Keys() {
		if keyBelongsToBook(key, bookPath) {
			if entry, ok := m.Blobs.cache.Get(key); ok {
				m.Blobs.forget(entry)
			}
			m.Blobs.cache.Delete(key)
		}
	}
	m.Thumbnails.DeleteForBook(bookPath)
}

func keyBelongsToBook(key, bookPath string) bool {
	return strings.HasPrefix(key, bookPath+":")
}

// ClearAll empties every store, releasing every handle.
func (m *Manager) ClearAll() {
	m.Blobs.Clear()
	m.Thumbnails.Clear()
	for _, k := range m.Upscales.Keys() {
		if entry, ok := m.Upscales.cache.Get(k); ok && entry.Handle != nil {
			entry.Handle.Release()
		}
	}
	m.Upscales.cache.Clear()
}

// Close stops every store's janitor goroutine. Idempotent.
func (m *Manager) Close() {
	m.Blobs.Close()
	m.Thumbnails.Close()
	m.Upscales.Close()
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
