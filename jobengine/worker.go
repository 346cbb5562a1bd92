package jobengine

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var errCancelled = errors.New("jobengine: job cancelled")

// workerConfig controls a worker's priority range per spec.md §4.4:
// primary workers take Normal..Critical; auxiliary workers take
// Idle..Low unless isLimited is set, in which case they take every
// priority (used when only one worker exists in the whole pool).
type workerConfig struct {
	isPrimary bool
	isLimited bool
}

func (c workerConfig) priorityRange() (Priority, Priority) {
	switch {
	case c.isLimited:
		return PriorityIdle, PriorityCritical
	case c.isPrimary:
		return PriorityNormal, PriorityCritical
	default:
		return PriorityIdle, PriorityLow
	}
}

// worker runs one cooperative loop: fetch a job in range, run it to
// completion, repeat; sleep on the queue-changed signal or an idle
// timeout when nothing qualifies.
type worker struct {
	engine *Engine
	cfg    workerConfig

	busy int32
	stopCh chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newWorker(e *Engine, cfg workerConfig) *worker {
	return &worker{engine: e, cfg: cfg, stopCh: make(chan struct{}), done: make(chan struct{})}
}

func (w *worker) isBusy() bool { return atomic.LoadInt32(&w.busy) == 1 }

func (w *worker) start() {
	go w.loop()
}

// stop signals the worker to exit after its current job (if any)
// completes or is cancelled, and blocks until the loop has returned.
func (w *worker) stop() {
	w.once.Do(func() { close(w.stopCh) })
	<-w.done
}

func (w *worker) loop() {
	defer close(w.done)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		min, max := w.cfg.priorityRange()
		job := w.engine.fetchNextJob(min, max)
		if job == nil {
			if !w.waitForWork() {
				return
			}
			continue
		}

		w.runJob(job)
	}
}

// waitForWork blocks until the queue changes, the idle timeout elapses,
// or stop fires. Returns false if the worker should exit.
func (w *worker) waitForWork() bool {
	select {
	case <-w.engine.queueChangedChan():
		return true
	case <-w.engine.clock.After(idleTimeout):
		return true
	case <-w.stopCh:
		return false
	}
}

func (w *worker) runJob(job *Job) {
	atomic.StoreInt32(&w.busy, 1)

	start := w.engine.clock.Now()
	err := w.safeExecute(job)
	duration := w.engine.clock.Now().Sub(start)

	// Execute has returned: clear this worker's busy flag before
	// completeJob checks whether any worker is still busy, so the
	// engine's busy signal can fall back to false.
	atomic.StoreInt32(&w.busy, 0)

	if job.ctx.Err() != nil {
		// Cancellation observed by Execute. CancelJob only cancelled the
		// job's context while it was Running, so record the job as
		// Cancelled here rather than Failed.
		w.engine.completeJob(job.ID, StatusCancelled, Result{Success: false, Error: errCancelled, DurationMS: durationMS(duration)})
		return
	}

	if err != nil {
		w.engine.logger.Warn("jobengine: job failed",
			zap.String("job_id", job.ID),
			zap.String("category", job.Definition.Category.String()),
			zap.Error(err),
		)
		w.engine.completeJob(job.ID, StatusFailed, Result{Success: false, Error: err, DurationMS: durationMS(duration)})
		return
	}

	w.engine.completeJob(job.ID, StatusCompleted, Result{Success: true, DurationMS: durationMS(duration)})
}

// safeExecute runs the job's command, recovering a panic into an error
// so one misbehaving command never stops the worker, per spec.md §4.4:
// "Exceptions thrown by execute() cause Failed with the error string."
func (w *worker) safeExecute(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("jobengine: command panicked")
		}
	}()
	return job.Definition.Command.Execute(job.ctx)
}

func durationMS(d time.Duration) int64 { return d.Milliseconds() }
