package jobengine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HibernalGlow/neoview/clock"
)

// retentionPeriod is how long a terminal job is kept around after
// completion for status queries, spec.md §3's "~60s grace period".
const retentionPeriod = 60 * time.Second

// idleTimeout is how long a worker waits for new work before checking
// the queue-changed signal again, spec.md §4.4's "~30s idle timeout".
const idleTimeout = 30 * time.Second

// Engine is the job scheduler + worker pool: spec.md §4.4's priority
// queue of typed jobs, dispatched to a pool of workers partitioned into
// primary (high-priority) and auxiliary (background) roles.
type Engine struct {
	mu      sync.Mutex
	queue   *priorityQueue
	jobs    map[string]*Job
	waiters map[string][]chan Result

	workers []*worker
	clock   clock.Clock
	logger  *zap.Logger

	queueChanged chan struct{}

	busy      bool
	busyListeners []func(bool)

	stopCleanup chan struct{}
	closeOnce   sync.Once

	stats Stats
}

// Stats counts job outcomes, generalizing the teacher's Stats struct
// into the scheduler domain.
type Stats struct {
	Completed uint64
	Failed    uint64
	Cancelled uint64
}

// Config configures Engine construction.
type Config struct {
	Clock             clock.Clock
	Logger            *zap.Logger
	MaxWorkers        int
	PrimaryWorkerCount int
}

// New constructs an Engine with cfg.MaxWorkers workers already
// running; the first PrimaryWorkerCount are primary and the rest are
// auxiliary. The pipeline controller passes its initial worker count
// as MaxWorkers.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	e := &Engine{
		queue:        newPriorityQueue(),
		jobs:         make(map[string]*Job),
		waiters:      make(map[string][]chan Result),
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		queueChanged: make(chan struct{}),
		stopCleanup:  make(chan struct{}),
	}

	e.ChangeWorkerSize(cfg.MaxWorkers, cfg.PrimaryWorkerCount)
	e.startCleanupTimer()
	return e
}

// ChangeWorkerSize grows or shrinks the worker pool to n workers, the
// first primaryCount of which are primary. Shrinking releases removed
// workers cleanly after their current job completes or is cancelled,
// per spec.md §4.4.
func (e *Engine) ChangeWorkerSize(n, primaryCount int) {
	e.mu.Lock()

	var toStop []*worker
	for len(e.workers) < n {
		idx := len(e.workers)
		w := newWorker(e, workerConfig{
			isPrimary: idx < primaryCount,
			isLimited: n == 1,
		})
		e.workers = append(e.workers, w)
		w.start()
	}
	for len(e.workers) > n {
		last := e.workers[len(e.workers)-1]
		e.workers = e.workers[:len(e.workers)-1]
		toStop = append(toStop, last)
	}
	for i, w := range e.workers {
		w.cfg.isPrimary = i < primaryCount
		w.cfg.isLimited = n == 1
	}

	e.mu.Unlock()

	// Stop removed workers outside the lock: a worker's loop may need
	// e.mu (via fetchNextJob/completeJob) to observe its own stop
	// signal and return, so stopping while holding the lock would
	// deadlock.
	for _, w := range toStop {
		w.stop()
	}
}

// Submit enqueues a new job and returns its ID. The job starts Pending
// and becomes eligible for dispatch to any worker whose priority range
// covers def.Priority.
func (e *Engine) Submit(def Definition) string {
	def.CreatedAt = e.clock.Now()
	job := newJob(def)

	e.mu.Lock()
	e.jobs[job.ID] = job
	e.queue.push(job)
	e.mu.Unlock()

	e.signalQueueChanged()
	return job.ID
}

// fetchNextJob atomically selects and removes the highest-priority
// Pending job in [min, max], flips it to Running, and stamps
// StartedAt -- spec.md §4.4's fetch_next_job.
func (e *Engine) fetchNextJob(min, max Priority) *Job {
	e.mu.Lock()
	defer e.mu.Unlock()

	job := e.queue.popInRange(min, max)
	if job == nil {
		return nil
	}
	now := e.clock.Now()
	job.Status = StatusRunning
	job.StartedAt = &now
	e.setBusyLocked(true)
	return job
}

// completeJob records a job's terminal outcome and fires any
// per-job completion waiters, replacing the source's string-compared
// polling (spec.md §9) with a direct channel signal.
func (e *Engine) completeJob(id string, status Status, result Result) {
	e.mu.Lock()
	job, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	if job.Status.Terminal() {
		// Already terminal (e.g. cancelled before the worker's Execute
		// returned) -- spec.md §5: "never reports Completed afterward".
		e.mu.Unlock()
		return
	}
	now := e.clock.Now()
	job.Status = status
	job.CompletedAt = &now
	job.Result = &result

	switch status {
	case StatusCompleted:
		e.stats.Completed++
	case StatusFailed:
		e.stats.Failed++
	case StatusCancelled:
		e.stats.Cancelled++
	}

	waiters := e.waiters[id]
	delete(e.waiters, id)
	anyRunning := e.anyWorkerBusyLocked()
	e.mu.Unlock()

	for _, ch := range waiters {
		ch <- result
		close(ch)
	}

	if !anyRunning {
		e.setBusy(false)
	}
	e.signalQueueChanged()
}

// AwaitCompletion returns a channel that receives the job's Result
// exactly once it reaches a terminal state, or immediately if it
// already has. Replaces the preloader's polling-based wait_for_job.
func (e *Engine) AwaitCompletion(id string) <-chan Result {
	ch := make(chan Result, 1)

	e.mu.Lock()
	job, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		close(ch)
		return ch
	}
	if job.Status.Terminal() {
		result := Result{}
		if job.Result != nil {
			result = *job.Result
		}
		e.mu.Unlock()
		ch <- result
		close(ch)
		return ch
	}
	e.waiters[id] = append(e.waiters[id], ch)
	e.mu.Unlock()
	return ch
}

// Get returns a snapshot of the job's current record.
func (e *Engine) Get(id string) (Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// CancelJob cancels a Pending or Running job and invokes its command's
// Cancel(). A Pending job is marked Cancelled at once; a Running job
// keeps StatusRunning until its Execute returns, and its worker then
// records it as Cancelled. Returns false if the job does not exist or
// is already terminal.
func (e *Engine) CancelJob(id string) bool {
	e.mu.Lock()
	job, ok := e.jobs[id]
	if !ok || job.Status.Terminal() {
		e.mu.Unlock()
		return false
	}
	wasPending := job.Status == StatusPending
	if wasPending {
		e.queue.removeByID(id)
	}
	e.mu.Unlock()

	job.Definition.Command.Cancel()
	job.cancel()

	if wasPending {
		e.completeJob(id, StatusCancelled, Result{Success: false, Error: errCancelled})
	}
	// If the job was Running, the worker's Execute call observes ctx
	// cancellation and the worker itself calls completeJob with
	// StatusCancelled once Execute returns.
	return true
}

// CancelPageJobs cancels every Pending/Running job matching
// (pageIndex, bookPath). bookPath == "" matches any book.
func (e *Engine) CancelPageJobs(pageIndex int, bookPath string) int {
	return e.cancelMatching(func(j *Job) bool { return j.matchesPage(pageIndex, bookPath) })
}

// CancelCategoryJobs cancels every Pending/Running job in category.
func (e *Engine) CancelCategoryJobs(category Category) int {
	return e.cancelMatching(func(j *Job) bool { return j.Definition.Category == category })
}

func (e *Engine) cancelMatching(match func(*Job) bool) int {
	e.mu.Lock()
	var ids []string
	for id, job := range e.jobs {
		if !job.Status.Terminal() && match(job) {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.CancelJob(id)
	}
	return len(ids)
}

// Cleanup removes terminal jobs whose CompletedAt predates now minus
// the retention period, bounding scheduler memory per spec.md §4.4.
func (e *Engine) Cleanup() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.clock.Now().Add(-retentionPeriod)
	removed := 0
	for id, job := range e.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(e.jobs, id)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of job-outcome counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Busy reports whether any worker currently holds a Running job.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// OnBusyChange registers a listener invoked on every busy-flag edge.
func (e *Engine) OnBusyChange(fn func(bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.busyListeners = append(e.busyListeners, fn)
}

func (e *Engine) anyWorkerBusyLocked() bool {
	for _, w := range e.workers {
		if w.isBusy() {
			return true
		}
	}
	return false
}

func (e *Engine) setBusyLocked(v bool) {
	if e.busy == v {
		return
	}
	e.busy = v
	listeners := append([]func(bool){}, e.busyListeners...)
	go func() {
		for _, l := range listeners {
			l(v)
		}
	}()
}

func (e *Engine) setBusy(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setBusyLocked(v)
}

func (e *Engine) signalQueueChanged() {
	e.mu.Lock()
	old := e.queueChanged
	e.queueChanged = make(chan struct{})
	e.mu.Unlock()
	close(old)
}

func (e *Engine) queueChangedChan() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queueChanged
}

func (e *Engine) startCleanupTimer() {
	ticker := e.clock.NewTicker(retentionPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				e.Cleanup()
			case <-e.stopCleanup:
				return
			}
		}
	}()
}

// Close stops every worker and the cleanup timer. Idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		workers := e.workers
		e.workers = nil
		e.mu.Unlock()

		for _, w := range workers {
			w.stop()
		}
		close(e.stopCleanup)
	})
}
