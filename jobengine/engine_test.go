package jobengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HibernalGlow/neoview/clock"
)

/*
engine_test.go covers spec.md §8's job-engine properties: the
Pending -> Running -> {Completed,Failed,Cancelled} status subsequence,
submission-order tie-breaking within a priority class, the single
limited-auxiliary-worker boundary case, and scenario S4 (cancel
in-flight).
*/

// fnCommand adapts a plain function into a Command, observing ctx
// cancellation itself; cancel is a no-op beyond what ctx already does
// unless overridden.
type fnCommand struct {
	run    func(ctx context.Context) error
	cancel func()
}

func (c *fnCommand) Execute(ctx context.Context) error { return c.run(ctx) }
func (c *fnCommand) Cancel() {
	if c.cancel != nil {
		c.cancel()
	}
}

func newEngine(t *testing.T, maxWorkers, primary int) *Engine {
	t.Helper()
	e := New(Config{Clock: clock.Real{}, MaxWorkers: maxWorkers, PrimaryWorkerCount: primary})
	t.Cleanup(e.Close)
	return e
}

func TestJobCompletesSuccessfully(t *testing.T) {
	e := newEngine(t, 1, 1)

	id := e.Submit(Definition{
		Category: CategoryPageView,
		Priority: PriorityCritical,
		Command:  &fnCommand{run: func(ctx context.Context) error { return nil }},
	})

	result := <-e.AwaitCompletion(id)
	assert.True(t, result.Success)

	job, ok := e.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, job.Status)
}

func TestJobFailureRecordsError(t *testing.T) {
	e := newEngine(t, 1, 1)

	id := e.Submit(Definition{
		Category: CategoryPageView,
		Priority: PriorityCritical,
		Command: &fnCommand{run: func(ctx context.Context) error {
			return assertErr
		}},
	})

	result := <-e.AwaitCompletion(id)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, assertErr)

	job, _ := e.Get(id)
	assert.Equal(t, StatusFailed, job.Status)
}

var assertErr = context.DeadlineExceeded

func TestSinglyLimitedAuxiliaryWorkerPicksUpAnyPriority(t *testing.T) {
	// Boundary case from spec.md §8: a single limited auxiliary worker
	// must still dispatch an Upscale job submitted at Normal priority.
	e := newEngine(t, 1, 0)

	id := e.Submit(Definition{
		Category: CategoryUpscale,
		Priority: PriorityNormal,
		Command:  &fnCommand{run: func(ctx context.Context) error { return nil }},
	})

	result := <-e.AwaitCompletion(id)
	assert.True(t, result.Success)
}

func TestSamePriorityJobsStartInSubmissionOrder(t *testing.T) {
	e := newEngine(t, 1, 1)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		i := i
		e.Submit(Definition{
			Category: CategoryPageView,
			Priority: PriorityNormal,
			Command: &fnCommand{run: func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				wg.Done()
				return nil
			}},
		})
		time.Sleep(time.Millisecond) // ensure distinct CreatedAt ordering
	}

	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestCancelInFlightScenarioS4(t *testing.T) {
	e := newEngine(t, 1, 1)

	started := make(chan struct{})
	page := 3
	id := e.Submit(Definition{
		Category:  CategoryPageView,
		Priority:  PriorityCritical,
		PageIndex: &page,
		Command: &fnCommand{run: func(ctx context.Context) error {
			close(started)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
				return nil
			}
		}},
	})

	<-started
	time.Sleep(50 * time.Millisecond)

	deadline := time.Now().Add(100 * time.Millisecond)
	e.CancelPageJobs(page, "")

	result := <-e.AwaitCompletion(id)
	assert.False(t, result.Success)
	assert.True(t, time.Now().Before(deadline.Add(200*time.Millisecond)), "cancellation should resolve promptly")

	job, _ := e.Get(id)
	assert.Equal(t, StatusCancelled, job.Status)
}

func TestCancelJobReturnsFalseWhenNotFound(t *testing.T) {
	e := newEngine(t, 1, 1)
	assert.False(t, e.CancelJob("does-not-exist"))
}

func TestCleanupRemovesOldTerminalJobs(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	e := New(Config{Clock: fc, MaxWorkers: 1, PrimaryWorkerCount: 1})
	defer e.Close()

	id := e.Submit(Definition{
		Category: CategoryPageView,
		Priority: PriorityCritical,
		Command:  &fnCommand{run: func(ctx context.Context) error { return nil }},
	})
	<-e.AwaitCompletion(id)

	fc.Advance(61 * time.Second)
	e.Cleanup()

	_, ok := e.Get(id)
	assert.False(t, ok, "terminal job older than the retention period should be swept")
}

func TestBusySignalFiresOnEdges(t *testing.T) {
	e := newEngine(t, 1, 1)

	var mu sync.Mutex
	var edges []bool
	e.OnBusyChange(func(b bool) {
		mu.Lock()
		edges = append(edges, b)
		mu.Unlock()
	})

	id := e.Submit(Definition{
		Category: CategoryPageView,
		Priority: PriorityCritical,
		Command:  &fnCommand{run: func(ctx context.Context) error { return nil }},
	})
	<-e.AwaitCompletion(id)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(edges) >= 2
	}, time.Second, 10*time.Millisecond)
}
