package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/HibernalGlow/neoview/cachemgr"
	"github.com/HibernalGlow/neoview/clock"
	"github.com/HibernalGlow/neoview/jobengine"
	"github.com/HibernalGlow/neoview/preload"
	"github.com/HibernalGlow/neoview/srservice"
)

// ErrNotInitialized is returned by any operation attempted before
// Initialize, or after Dispose.
var ErrNotInitialized = errors.New("pipeline: controller not initialized")

// ErrNoBookContext is returned by page operations when no book context
// has been set yet.
var ErrNoBookContext = errors.New("pipeline: no active book context")

const initialWorkerCount = 2
const initialPrimaryCount = 1

// Controller is the public façade coordinating the cache manager, job
// scheduler, preloader, and SR service behind one event stream.
type Controller struct {
	mu          sync.Mutex
	initialized bool
	disposeOnce sync.Once
	logger      *zap.Logger
	clk         clock.Clock

	cfg Config

	engine    *jobengine.Engine
	cache     *cachemgr.Manager
	preloader *preload.Manager
	sr        *srservice.Service

	loader preload.PageLoader

	bookPath     string
	descriptors  []PageDescriptor
	currentIndex int
	totalPages   int
	direction    int

	inFlightLoads map[int]bool

	listeners      []listenerEntry
	nextListenerID int
}

// New constructs an uninitialized Controller. Call Initialize before
// any other operation.
func New(opts ...ControllerOption) *Controller {
	c := &Controller{
		clk:           clock.Real{},
		logger:        zap.NewNop(),
		direction:     1,
		inFlightLoads: make(map[int]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ControllerOption configures a Controller at construction time.
type ControllerOption func(*Controller)

// WithClock overrides the controller's (and every owned component's)
// time source, used by tests.
func WithClock(clk clock.Clock) ControllerOption {
	return func(c *Controller) { c.clk = clk }
}

// WithLogger attaches a zap logger shared by every owned component.
func WithLogger(l *zap.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// Initialize constructs the job engine (2 initial workers, 1 primary,
// per spec.md §4.6), the cache manager, the preloader, and -- if
// cfg.AutoUpscale -- the SR service, then marks the controller ready.
func (c *Controller) Initialize(ctx context.Context, cfg Config, loader PageLoader, srEngine SREngine) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg = cfg
	c.loader = loader

	c.engine = jobengine.New(jobengine.Config{
		Clock:              c.clk,
		Logger:             c.logger,
		MaxWorkers:         initialWorkerCount,
		PrimaryWorkerCount: initialPrimaryCount,
	})

	c.cache = cachemgr.NewManager(c.clk,
		cachemgr.WithGlobalLimit(cfg.Cache.MaxMemoryBytes),
		cachemgr.WithManagerLogger(c.logger),
		cachemgr.WithStoreTTL(cfg.Cache.TTL),
		cachemgr.WithStoreCleanupInterval(cfg.Cache.CleanupInterval),
		cachemgr.WithBlobMaxItems(cfg.Cache.MaxItems),
	)

	c.preloader = preload.NewManager(c.engine, c.cache, loader,
		preload.WithConfig(preload.Config{
			PreloadSize:     cfg.PreloadPages,
			EnableAhead:     true,
			AheadPriority:   jobengine.PriorityLow,
			ConcurrentLoads: 3,
		}),
		preload.WithLogger(c.logger),
	)
	c.preloader.OnEvent(c.relayPreloadEvent)

	if cfg.AutoUpscale {
		if srEngine == nil {
			return fmt.Errorf("pipeline: auto_upscale requires a non-nil SR engine")
		}
		c.sr = srservice.NewService(srEngine, c.engine, c.cache, srservice.WithLogger(c.logger))
		c.sr.OnEvent(c.relaySREvent)
		if err := c.sr.Init(ctx, cfg.Upscale.GPUID); err != nil {
			return fmt.Errorf("pipeline: sr engine init: %w", err)
		}
	}

	c.initialized = true
	return nil
}

func (c *Controller) relayPreloadEvent(ev preload.Event) {
	switch ev.Kind {
	case preload.EventProgress:
		c.emit(Event{Kind: EventPreloadProgress, Loaded: ev.Loaded, Total: ev.Total})
	case preload.EventError:
		c.emit(Event{Kind: EventError, Source: "preload", Err: ev.Err})
	}
}

func (c *Controller) relaySREvent(ev srservice.Event) {
	switch ev.Kind {
	case srservice.EventComplete:
		c.emit(Event{Kind: EventUpscaleComplete, PageIndex: ev.PageIndex, Hash: ev.SourceHash, Bytes: ev.Bytes})
	case srservice.EventError, srservice.EventCancelled:
		c.emit(Event{Kind: EventError, Source: "sr", PageIndex: ev.PageIndex, Hash: ev.SourceHash, Err: ev.Err})
	}
}

// SetBookContext replaces the active book. If bookPath differs from
// the previous context, that book's blob and thumbnail caches are
// purged first (upscale entries survive, keyed by content hash).
func (c *Controller) SetBookContext(bookPath string, descriptors []PageDescriptor, currentIndex int) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if c.bookPath != "" && c.bookPath != bookPath {
		c.cache.ClearBook(c.bookPath)
	}
	c.bookPath = bookPath
	c.descriptors = descriptors
	c.currentIndex = currentIndex
	c.totalPages = len(descriptors)
	c.mu.Unlock()

	c.preloader.SetContext(preload.Context{
		BookPath:     bookPath,
		CurrentIndex: currentIndex,
		TotalPages:   len(descriptors),
		Direction:    c.direction,
		Descriptors:  descriptors,
	})
	return nil
}

func (c *Controller) descriptorFor(index int) PageDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.descriptors {
		if d.Index == index {
			return d
		}
	}
	return PageDescriptor{Index: index}
}

// LoadPage returns the page's bytes, from cache if present or by
// submitting a job that invokes the external page loader otherwise.
// It triggers a preload wave centered on index and, if enabled,
// checks for an available upscale before returning.
func (c *Controller) LoadPage(ctx context.Context, index int, opts LoadOptions) (LoadResult, error) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return LoadResult{}, ErrNotInitialized
	}
	if c.bookPath == "" {
		c.mu.Unlock()
		return LoadResult{}, ErrNoBookContext
	}
	bookPath := c.bookPath
	c.mu.Unlock()

	desc := c.descriptorFor(index)

	if !opts.SkipCache {
		if entry, ok := c.cache.Blobs.Get(bookPath, index); ok {
			c.emit(Event{Kind: EventPageLoad, PageIndex: index, FromCache: true, Bytes: entry.Bytes, Handle: entry.Handle})
			c.triggerPreload(index)
			hashed := desc
			hashed.ContentHash = entry.ContentHash
			c.maybeTriggerUpscale(ctx, hashed, entry.Bytes, opts)
			return LoadResult{Bytes: entry.Bytes, Handle: entry.Handle, FromCache: true, Metadata: entry.Metadata}, nil
		}
	}

	priority := opts.Priority
	if priority == 0 {
		priority = jobengine.PriorityCritical
	}

	cmd := &pageLoadCommand{loader: c.loader, cache: c.cache, bookPath: bookPath, desc: desc}
	id := c.engine.Submit(jobengine.Definition{
		Category:  jobengine.CategoryPageView,
		Priority:  priority,
		PageIndex: &index,
		BookPath:  bookPath,
		Command:   cmd,
	})

	c.setLoadInFlight(index, true)
	defer c.setLoadInFlight(index, false)

	select {
	case result := <-c.engine.AwaitCompletion(id):
		if !result.Success {
			c.emit(Event{Kind: EventError, Source: "loader", PageIndex: index, Err: result.Error})
			return LoadResult{}, result.Error
		}
	case <-ctx.Done():
		c.engine.CancelJob(id)
		return LoadResult{}, ctx.Err()
	}

	entry, ok := c.cache.Blobs.Get(bookPath, index)
	if !ok {
		return LoadResult{}, fmt.Errorf("pipeline: page %d loaded but not found in cache", index)
	}

	c.emit(Event{Kind: EventPageLoad, PageIndex: index, FromCache: false, Bytes: entry.Bytes, Handle: entry.Handle})
	c.triggerPreload(index)
	hashed := desc
	hashed.ContentHash = entry.ContentHash
	c.maybeTriggerUpscale(ctx, hashed, entry.Bytes, opts)

	return LoadResult{Bytes: entry.Bytes, Handle: entry.Handle, FromCache: false, Metadata: entry.Metadata}, nil
}

func (c *Controller) setLoadInFlight(index int, inFlight bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inFlight {
		c.inFlightLoads[index] = true
	} else {
		delete(c.inFlightLoads, index)
	}
}

func (c *Controller) triggerPreload(centerIndex int) {
	c.mu.Lock()
	c.currentIndex = centerIndex
	direction := c.direction
	c.mu.Unlock()
	go c.preloader.RequestLoad(preload.Single(centerIndex), direction)
}

// maybeTriggerUpscale implements check_and_trigger_upscale: no-op
// without a content hash or without AutoUpscale enabled; otherwise a
// cache hit is surfaced immediately and a miss submits a High-priority
// SR task whose completion arrives later via the relayed event.
func (c *Controller) maybeTriggerUpscale(ctx context.Context, desc PageDescriptor, bytes []byte, opts LoadOptions) {
	autoUpscale := c.cfg.AutoUpscale
	if opts.AutoUpscale != nil {
		autoUpscale = *opts.AutoUpscale
	}
	if !autoUpscale || c.sr == nil || desc.ContentHash == "" {
		return
	}

	hit, err := c.sr.CheckCache(ctx, desc.ContentHash)
	if err != nil {
		c.emit(Event{Kind: EventError, Source: "sr", PageIndex: desc.Index, Hash: desc.ContentHash, Err: err})
		return
	}
	if hit {
		entry, err := c.sr.LoadFromCache(ctx, desc.ContentHash, c.cfg.Upscale.Model, c.cfg.Upscale.Scale, desc.Index)
		if err != nil {
			c.emit(Event{Kind: EventError, Source: "sr", PageIndex: desc.Index, Hash: desc.ContentHash, Err: err})
			return
		}
		c.emit(Event{Kind: EventUpscaleComplete, PageIndex: desc.Index, Hash: desc.ContentHash, Bytes: entry.Bytes, Handle: entry.Handle})
		return
	}

	c.sr.SubmitTask(desc.Index, desc.ContentHash, bytes, c.cfg.Upscale, jobengine.PriorityHigh)
}

// PreloadRange synthesizes a contiguous range of radius pages either
// side of center and forwards it to the preloader.
func (c *Controller) PreloadRange(center, radius int) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	total := c.totalPages
	direction := c.direction
	c.mu.Unlock()

	indices := []int{center}
	for i := 1; i <= radius; i++ {
		if center-i >= 0 {
			indices = append(indices, center-i)
		}
		if total == 0 || center+i < total {
			indices = append(indices, center+i)
		}
	}
	c.preloader.RequestLoad(preload.Range{Indices: indices}, direction)
	return nil
}

// CancelPageLoad forwards cancellation to the scheduler for every job
// targeting index in the current book.
func (c *Controller) CancelPageLoad(index int) int {
	c.mu.Lock()
	bookPath := c.bookPath
	c.mu.Unlock()
	return c.engine.CancelPageJobs(index, bookPath)
}

// ClearBookCache purges the active book's blob and thumbnail entries.
func (c *Controller) ClearBookCache() {
	c.mu.Lock()
	bookPath := c.bookPath
	c.mu.Unlock()
	if bookPath != "" {
		c.cache.ClearBook(bookPath)
	}
}

// ClearAllCache empties every store.
func (c *Controller) ClearAllCache() { c.cache.ClearAll() }

// GetPageURL returns an opaque locator for a cached page's bytes.
func (c *Controller) GetPageURL(index int) (string, bool) {
	c.mu.Lock()
	bookPath := c.bookPath
	c.mu.Unlock()
	if !c.cache.Blobs.Has(bookPath, index) {
		return "", false
	}
	return fmt.Sprintf("neoview://%s/page/%d", bookPath, index), true
}

// GetUpscaledURL returns an opaque locator for a cached upscale result.
func (c *Controller) GetUpscaledURL(hash string) (string, bool) {
	if c.sr == nil || !c.cache.Upscales.Has(hash) {
		return "", false
	}
	return fmt.Sprintf("neoview://upscale/%s", hash), true
}

// GetPageBlob returns a cached page's bytes directly.
func (c *Controller) GetPageBlob(index int) ([]byte, cachemgr.ResourceHandle, bool) {
	c.mu.Lock()
	bookPath := c.bookPath
	c.mu.Unlock()
	entry, ok := c.cache.Blobs.Get(bookPath, index)
	if !ok {
		return nil, nil, false
	}
	return entry.Bytes, entry.Handle, true
}

// HasPageCached reports whether a page's bytes are currently cached.
func (c *Controller) HasPageCached(index int) bool {
	c.mu.Lock()
	bookPath := c.bookPath
	c.mu.Unlock()
	return c.cache.Blobs.Has(bookPath, index)
}

// UpdateConfig live-mutates the preload size and worker count.
func (c *Controller) UpdateConfig(partial PartialConfig) {
	c.mu.Lock()
	if partial.PreloadPages != nil {
		c.cfg.PreloadPages = *partial.PreloadPages
	}
	if partial.MaxWorkers != nil {
		c.cfg.MaxWorkers = *partial.MaxWorkers
	}
	if partial.AutoUpscale != nil {
		c.cfg.AutoUpscale = *partial.AutoUpscale
	}
	cfg := c.cfg
	c.mu.Unlock()

	if partial.PreloadPages != nil {
		c.preloader.SetConfig(preload.Config{
			PreloadSize:     cfg.PreloadPages,
			EnableAhead:     true,
			AheadPriority:   jobengine.PriorityLow,
			ConcurrentLoads: 3,
		})
	}
	if partial.MaxWorkers != nil {
		c.engine.ChangeWorkerSize(cfg.MaxWorkers, initialPrimaryCount)
	}
}

// GetState snapshots the controller's current status and per-store
// accounting.
func (c *Controller) GetState() State {
	c.mu.Lock()
	st := State{
		Initialized:  c.initialized,
		BookPath:     c.bookPath,
		CurrentIndex: c.currentIndex,
		TotalPages:   c.totalPages,
		LoadInFlight: len(c.inFlightLoads) > 0,
	}
	c.mu.Unlock()

	if !st.Initialized {
		return st
	}

	st.PreloaderActive = c.preloader.Active()
	st.BlobCount = c.cache.Blobs.Len()
	st.BlobBytes = c.cache.Blobs.TotalBytes()
	st.ThumbCount = c.cache.Thumbnails.Len()
	st.ThumbBytes = c.cache.Thumbnails.TotalBytes()
	st.UpscaleCount = c.cache.Upscales.Len()
	st.UpscaleBytes = c.cache.Upscales.TotalBytes()
	st.CacheStats = c.cache.Stats()
	st.JobStats = c.engine.Stats()
	return st
}

// Dispose tears the controller down. Idempotent.
func (c *Controller) Dispose() {
	c.disposeOnce.Do(func() {
		c.mu.Lock()
		c.initialized = false
		engine := c.engine
		cache := c.cache
		sr := c.sr
		c.mu.Unlock()

		if sr != nil {
			sr.Close()
		}
		if engine != nil {
			engine.Close()
		}
		if cache != nil {
			cache.Close()
		}
	})
}

// pageLoadCommand adapts the external PageLoader into a
// jobengine.Command for LoadPage's miss path.
type pageLoadCommand struct {
	loader   preload.PageLoader
	cache    *cachemgr.Manager
	bookPath string
	desc     PageDescriptor
}

func (c *pageLoadCommand) Execute(ctx context.Context) error {
	page, err := c.loader.LoadPageData(ctx, c.desc)
	if err != nil {
		return err
	}
	c.cache.SetBlob(c.bookPath, c.desc.Index, page.Bytes, page.ContentHash, page.Metadata)
	return nil
}

func (c *pageLoadCommand) Cancel() {}
