package srservice

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/HibernalGlow/neoview/cachemgr"
	"github.com/HibernalGlow/neoview/jobengine"
)

// DefaultMaxConcurrent bounds how many upscale calls may run against
// the (likely GPU-bound) SR engine at once, spec.md §4.7's default 2.
const DefaultMaxConcurrent = 2

// SREngine is the out-of-process super-resolution engine seam.
type SREngine interface {
	Init(ctx context.Context, gpuID int) error
	Upscale(ctx context.Context, input []byte, cfg UpscaleConfig) ([]byte, error)
	CheckDiskCache(ctx context.Context, hash string) (bool, error)
	LoadDiskCache(ctx context.Context, hash string) ([]byte, error)
	SaveDiskCache(ctx context.Context, hash string, data []byte) error
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithMaxConcurrent overrides DefaultMaxConcurrent.
func WithMaxConcurrent(n int64) Option {
	return func(s *Service) { s.sem = semaphore.NewWeighted(n) }
}

// WithLogger attaches a zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service deduplicates and schedules SR requests against jobs owned by
// a jobengine.Engine, persisting results into a cachemgr.Manager's
// upscale store and an optional disk cache.
//
// Dedup is two-layered: pendingByHash gives the immediate "duplicate
// submission returns the existing task id" contract the spec text
// describes, while sf (a singleflight.Group keyed by source hash)
// wraps the actual call into the SR engine so the expensive operation
// itself -- not merely the bookkeeping around it -- only ever runs
// once per hash at a time, even if a future caller reached this code
// through a path that bypassed the pendingByHash map.
type Service struct {
	mu     sync.Mutex
	engine SREngine
	jobs   *jobengine.Engine
	cache  *cachemgr.Manager

	sem *semaphore.Weighted
	sf  singleflight.Group

	tasks         map[string]*Task
	pendingByHash map[string]string

	listeners      []listenerEntry
	nextListenerID int

	logger    *zap.Logger
	closeOnce sync.Once
}

// NewService constructs a Service bound to the given SR engine, job
// engine, and cache manager.
func NewService(engine SREngine, jobs *jobengine.Engine, cache *cachemgr.Manager, opts ...Option) *Service {
	s := &Service{
		engine:        engine,
		jobs:          jobs,
		cache:         cache,
		sem:           semaphore.NewWeighted(DefaultMaxConcurrent),
		tasks:         make(map[string]*Task),
		pendingByHash: make(map[string]string),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init initializes the underlying SR engine for a GPU device.
func (s *Service) Init(ctx context.Context, gpuID int) error {
	return s.engine.Init(ctx, gpuID)
}

// Close releases the Service's state. Idempotent. The service owns no
// goroutines of its own today -- every upscale runs as a jobengine.Job
// -- but it is one of the three singletons spec.md §5 names, so it
// carries the same explicit, idempotent dispose contract as
// jobengine.Engine and cachemgr.Manager for whatever pending-state or
// background accounting it grows next.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.tasks = nil
		s.pendingByHash = nil
	})
}

// CheckCache reports whether hash already has a result available,
// memory first then disk, per spec.md §4.7's check_cache.
func (s *Service) CheckCache(ctx context.Context, hash string) (bool, error) {
	if s.cache.Upscales.Has(hash) {
		return true, nil
	}
	return s.engine.CheckDiskCache(ctx, hash)
}

// LoadFromCache materializes a disk-cached result into the in-memory
// upscale store, minting a fresh handle, so later accesses are O(1).
func (s *Service) LoadFromCache(ctx context.Context, hash string, modelName string, scale float64, originPage int) (*cachemgr.UpscaleEntry, error) {
	if entry, ok := s.cache.Upscales.Get(hash); ok {
		return entry, nil
	}
	bytes, err := s.engine.LoadDiskCache(ctx, hash)
	if err != nil {
		return nil, err
	}
	entry, _ := s.cache.SetUpscale(hash, bytes, modelName, scale, originPage)
	return entry, nil
}

// SubmitTask registers (or returns the existing) task id for hash and,
// on first submission, enqueues an Upscale-category job that runs the
// full submit-and-execute pipeline of spec.md §4.7.
func (s *Service) SubmitTask(pageIndex int, hash string, input []byte, cfg UpscaleConfig, priority jobengine.Priority) string {
	s.mu.Lock()
	if id, ok := s.pendingByHash[hash]; ok {
		s.mu.Unlock()
		return id
	}

	task := &Task{
		ID:         uuid.NewString(),
		PageIndex:  pageIndex,
		SourceHash: hash,
		Config:     cfg,
		Priority:   priority,
		Status:     StatePending,
		InputBytes: input,
	}
	s.tasks[task.ID] = task
	s.pendingByHash[hash] = task.ID
	s.mu.Unlock()

	s.jobs.Submit(jobengine.Definition{
		Category: jobengine.CategoryUpscale,
		Priority: priority,
		Command:  &upscaleCommand{service: s, task: task},
	})

	return task.ID
}

// GetTask returns a snapshot of a task's current record.
func (s *Service) GetTask(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

func (s *Service) finishTask(task *Task) {
	s.mu.Lock()
	delete(s.pendingByHash, task.SourceHash)
	s.mu.Unlock()
}

// setTaskStatus mutates a task's status/output/error fields under
// s.mu, matching jobengine.Job's own locking discipline for mutable
// job state shared between the executing worker and concurrent
// GetTask readers.
func (s *Service) setTaskStatus(task *Task, status UpscaleState, output []byte, err error) {
	s.mu.Lock()
	task.Status = status
	if output != nil {
		task.OutputBytes = output
	}
	task.Error = err
	s.mu.Unlock()
}

// upscaleCommand adapts one Task's execution into a jobengine.Command.
type upscaleCommand struct {
	service *Service
	task    *Task
}

func (c *upscaleCommand) Execute(ctx context.Context) error {
	s, task := c.service, c.task
	defer s.finishTask(task)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.setTaskStatus(task, StateFailed, nil, err)
		s.emit(Event{TaskID: task.ID, PageIndex: task.PageIndex, SourceHash: task.SourceHash, Kind: EventCancelled, Err: err})
		return err
	}
	defer s.sem.Release(1)

	s.setTaskStatus(task, StateProcessing, nil, nil)
	s.emit(Event{TaskID: task.ID, PageIndex: task.PageIndex, SourceHash: task.SourceHash, Kind: EventStart})

	resultIface, err, _ := s.sf.Do(task.SourceHash, func() (interface{}, error) {
		return s.engine.Upscale(ctx, task.InputBytes, task.Config)
	})
	if err != nil {
		if ctx.Err() != nil {
			s.setTaskStatus(task, StateFailed, nil, ctx.Err())
			s.emit(Event{TaskID: task.ID, PageIndex: task.PageIndex, SourceHash: task.SourceHash, Kind: EventCancelled, Err: ctx.Err()})
			return ctx.Err()
		}
		s.setTaskStatus(task, StateFailed, nil, err)
		s.emit(Event{TaskID: task.ID, PageIndex: task.PageIndex, SourceHash: task.SourceHash, Kind: EventError, Err: err})
		return err
	}

	output := resultIface.([]byte)
	s.setTaskStatus(task, StateCompleted, output, nil)

	s.cache.SetUpscale(task.SourceHash, output, task.Config.Model, task.Config.Scale, task.PageIndex)

	if err := s.engine.SaveDiskCache(ctx, task.SourceHash, output); err != nil {
		s.logger.Warn("srservice: disk cache persist failed",
			zap.String("hash", task.SourceHash),
			zap.Error(err),
		)
	}

	s.emit(Event{TaskID: task.ID, PageIndex: task.PageIndex, SourceHash: task.SourceHash, Kind: EventComplete, Bytes: output})
	return nil
}

func (c *upscaleCommand) Cancel() {}
