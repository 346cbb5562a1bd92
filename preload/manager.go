package preload

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/HibernalGlow/neoview/cachemgr"
	"github.com/HibernalGlow/neoview/jobengine"
)

// pressureThreshold is the cache-manager usage fraction at or above
// which the ahead/behind/tail passes stop fanning out further, per
// spec.md §4.5.
const pressureThreshold = 0.9

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithConfig overrides DefaultConfig().
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithLogger attaches a zap logger for wave diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager runs preload waves against one book context at a time,
// submitting jobs through the shared jobengine.Engine and storing
// results through the shared cachemgr.Manager.
type Manager struct {
	mu sync.Mutex

	engine *jobengine.Engine
	cache  *cachemgr.Manager
	loader PageLoader
	cfg    Config
	logger *zap.Logger

	bookCtx Context
	states  map[int]State
	inFlight map[int]bool
	active   bool

	waveCancel context.CancelFunc

	listeners      []listenerEntry
	nextListenerID int
}

// NewManager constructs a Manager bound to a running engine and cache
// manager, both owned by the pipeline controller.
func NewManager(engine *jobengine.Engine, cache *cachemgr.Manager, loader PageLoader, opts ...Option) *Manager {
	m := &Manager{
		engine:   engine,
		cache:    cache,
		loader:   loader,
		cfg:      DefaultConfig(),
		logger:   zap.NewNop(),
		states:   make(map[int]State),
		inFlight: make(map[int]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetContext replaces the active book context, e.g. after
// pipeline.SetBookContext purges the previous book's caches.
func (m *Manager) SetContext(ctx Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookCtx = ctx
}

// SetConfig replaces the preload tuning parameters; live-mutable per
// spec.md §4.6's update_config.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// StateFor reports a page's current transient preload status.
func (m *Manager) StateFor(index int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[index]
}

// Active reports whether a preload wave is currently running, for
// pipeline.Controller.GetState's "whether preloader is active".
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Cancel aborts the in-flight wave's cancellation token and cancels
// every PageAhead-category job, without touching Critical main-page
// jobs -- spec.md §4.5's cancellation semantics, so the current view
// stays responsive.
func (m *Manager) Cancel() {
	m.mu.Lock()
	cancel := m.waveCancel
	m.waveCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.engine.CancelCategoryJobs(jobengine.CategoryPageAhead)
}

// RequestLoad runs the six-step per-request algorithm of spec.md §4.5
// for rng, reading in direction (+1 or -1).
func (m *Manager) RequestLoad(rng Range, direction int) {
	if len(rng.Indices) == 0 {
		return
	}

	// Step 1: cancel any in-flight wave, then start a fresh one.
	m.Cancel()
	waveCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.waveCancel = cancel
	m.active = true
	// Step 2: clear per-page transient status.
	m.states = make(map[int]State)
	m.inFlight = make(map[int]bool)
	bookCtx := m.bookCtx
	cfg := m.cfg
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.active = false
		m.mu.Unlock()
	}()

	m.emit(Event{Kind: EventStart})

	ordered := rng.ordered(direction)
	total := len(ordered)
	var loaded int
	var loadedMu sync.Mutex

	// Step 3: main pass, all in parallel at Critical.
	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex
	for _, idx := range ordered {
		idx := idx
		m.setState(idx, StateView)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.loadOne(waveCtx, bookCtx, idx, jobengine.PriorityCritical, jobengine.CategoryPageView); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				return
			}
			loadedMu.Lock()
			loaded++
			n := loaded
			loadedMu.Unlock()
			m.emit(Event{Kind: EventProgress, Loaded: n, Total: total})
		}()
	}
	wg.Wait()

	if waveCtx.Err() != nil {
		return
	}
	if firstErr != nil {
		m.emit(Event{Kind: EventError, Err: firstErr})
		return
	}

	if !cfg.EnableAhead {
		m.emit(Event{Kind: EventComplete})
		return
	}

	// Step 4: ahead pass, one step.
	aheadIdx := rng.next(direction)
	aheadOutcome := m.maybeFanOut(waveCtx, bookCtx, cfg, aheadIdx, StateAhead)

	// Step 5: behind pass, one step.
	behindIdx := rng.next(-direction)
	m.maybeFanOut(waveCtx, bookCtx, cfg, behindIdx, StateBehind)

	// Step 6: tail pass, continuing ahead for preload_size-2 more
	// indices. Only a stop at bounds or under memory pressure ends the
	// tail early; an index that is already cached or already in flight
	// is merely skipped and the wave keeps walking outward, per
	// spec.md §4.5 step 4.
	if aheadOutcome != fanOutStopped {
		next := aheadIdx
		for i := 0; i < cfg.PreloadSize-2; i++ {
			if direction >= 0 {
				next++
			} else {
				next--
			}
			if m.maybeFanOut(waveCtx, bookCtx, cfg, next, StateAhead) == fanOutStopped {
				break
			}
		}
	}

	m.emit(Event{Kind: EventComplete})
}

// fanOutOutcome distinguishes why maybeFanOut did not submit a load,
// since only some reasons should halt the tail pass.
type fanOutOutcome int

const (
	// fanOutSubmitted means a background load was started for index.
	fanOutSubmitted fanOutOutcome = iota
	// fanOutSkipped means index needed no load (already cached or
	// already in flight); the wave should keep walking outward.
	fanOutSkipped
	// fanOutStopped means index is out of bounds or memory pressure is
	// too high; the tail pass must stop here.
	fanOutStopped
)

// maybeFanOut submits a background load for index unless it is out of
// bounds or memory pressure is too high (fanOutStopped), or the index
// is already cached or already in flight (fanOutSkipped, a no-op that
// does not end the wave).
func (m *Manager) maybeFanOut(waveCtx context.Context, bookCtx Context, cfg Config, index int, state State) fanOutOutcome {
	if index < 0 || (bookCtx.TotalPages > 0 && index >= bookCtx.TotalPages) {
		return fanOutStopped
	}
	if m.cache.Usage() >= pressureThreshold {
		return fanOutStopped
	}
	if m.cache.Blobs.Has(bookCtx.BookPath, index) {
		return fanOutSkipped
	}

	m.mu.Lock()
	if m.inFlight[index] {
		m.mu.Unlock()
		return fanOutSkipped
	}
	m.inFlight[index] = true
	m.mu.Unlock()

	m.setState(index, state)

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.inFlight, index)
			m.mu.Unlock()
		}()
		_ = m.loadOne(waveCtx, bookCtx, index, cfg.AheadPriority, jobengine.CategoryPageAhead)
	}()

	return fanOutSubmitted
}

// loadOne consults the blob cache first; on a hit it has already
// bumped LRU as a side effect of Get. On a miss it submits a job whose
// command invokes the external page loader and stores the result via
// the cache manager, then awaits the job's terminal state through
// AwaitCompletion rather than the source's interval-polling wait.
func (m *Manager) loadOne(ctx context.Context, bookCtx Context, index int, priority jobengine.Priority, category jobengine.Category) error {
	if _, ok := m.cache.Blobs.Get(bookCtx.BookPath, index); ok {
		return nil
	}

	desc, _ := bookCtx.descriptorFor(index)
	if desc.Index == 0 && desc.Path == "" {
		desc = PageDescriptor{Index: index}
	}

	cmd := &loadCommand{loader: m.loader, cache: m.cache, bookPath: bookCtx.BookPath, desc: desc}
	id := m.engine.Submit(jobengine.Definition{
		Category:  category,
		Priority:  priority,
		PageIndex: &index,
		BookPath:  bookCtx.BookPath,
		Command:   cmd,
	})

	select {
	case result := <-m.engine.AwaitCompletion(id):
		if !result.Success {
			return result.Error
		}
		return nil
	case <-ctx.Done():
		m.engine.CancelJob(id)
		return ctx.Err()
	}
}

func (m *Manager) setState(index int, s State) {
	m.mu.Lock()
	m.states[index] = s
	m.mu.Unlock()
}

// loadCommand adapts the external PageLoader into a jobengine.Command.
type loadCommand struct {
	loader   PageLoader
	cache    *cachemgr.Manager
	bookPath string
	desc     PageDescriptor
}

func (c *loadCommand) Execute(ctx context.Context) error {
	page, err := c.loader.LoadPageData(ctx, c.desc)
	if err != nil {
		return err
	}
	c.cache.SetBlob(c.bookPath, c.desc.Index, page.Bytes, page.ContentHash, page.Metadata)
	return nil
}

func (c *loadCommand) Cancel() {}
