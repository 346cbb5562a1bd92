package preload

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HibernalGlow/neoview/cachemgr"
	"github.com/HibernalGlow/neoview/clock"
	"github.com/HibernalGlow/neoview/jobengine"
)

type fakeLoader struct {
	calls int32
	delay time.Duration
}

func (f *fakeLoader) LoadPageData(ctx context.Context, desc PageDescriptor) (LoadedPage, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return LoadedPage{}, ctx.Err()
		}
	}
	return LoadedPage{Bytes: []byte("page-bytes"), ContentHash: "hash"}, nil
}

func newTestManager(t *testing.T, loader PageLoader) (*Manager, *jobengine.Engine, *cachemgr.Manager) {
	t.Helper()
	fc := clock.NewFake(time.Unix(0, 0))
	eng := jobengine.New(jobengine.Config{Clock: fc, MaxWorkers: 3, PrimaryWorkerCount: 1})
	mgr := cachemgr.NewManager(fc)
	t.Cleanup(func() {
		eng.Close()
		mgr.Close()
	})
	p := NewManager(eng, mgr, loader)
	p.SetContext(Context{BookPath: "book", CurrentIndex: 5, TotalPages: 20, Direction: 1})
	return p, eng, mgr
}

func TestRequestLoadMainPassPopulatesCache(t *testing.T) {
	loader := &fakeLoader{}
	p, _, mgr := newTestManager(t, loader)

	done := make(chan struct{})
	unsub := p.OnEvent(func(ev Event) {
		if ev.Kind == EventComplete {
			close(done)
		}
	})
	defer unsub()

	p.RequestLoad(Single(5), 1)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for wave completion")
	}

	_, ok := mgr.Blobs.Get("book", 5)
	assert.True(t, ok, "main-pass page should be cached")
}

func TestRequestLoadCacheHitSkipsLoader(t *testing.T) {
	loader := &fakeLoader{}
	p, _, mgr := newTestManager(t, loader)
	mgr.SetBlob("book", 5, []byte("already-there"), "h", nil)

	// Isolate the main pass: the ahead/behind/tail pages are not cached
	// and would otherwise reach the loader in the background.
	cfg := DefaultConfig()
	cfg.EnableAhead = false
	p.SetConfig(cfg)

	done := make(chan struct{})
	unsub := p.OnEvent(func(ev Event) {
		if ev.Kind == EventComplete {
			close(done)
		}
	})
	defer unsub()

	p.RequestLoad(Single(5), 1)
	<-done

	assert.Equal(t, int32(0), atomic.LoadInt32(&loader.calls), "a cached page must not invoke the loader")
}

func TestCancelStopsAheadJobsNotMainJob(t *testing.T) {
	loader := &fakeLoader{delay: 200 * time.Millisecond}
	p, eng, _ := newTestManager(t, loader)

	p.RequestLoad(Single(5), 1)
	time.Sleep(20 * time.Millisecond)
	p.Cancel()

	// The main-pass job at Critical should still be allowed to finish;
	// cancellation only touches PageAhead-category jobs.
	require.Eventually(t, func() bool {
		return eng.Stats().Completed >= 1
	}, time.Second, 10*time.Millisecond)

	// The ahead/behind/tail loads still in their 200ms delay are cancelled.
	require.Eventually(t, func() bool {
		return eng.Stats().Cancelled >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestStateTransitionsDuringWave(t *testing.T) {
	loader := &fakeLoader{}
	p, _, _ := newTestManager(t, loader)

	var mu sync.Mutex
	seen := map[int]State{}
	unsub := p.OnEvent(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		_ = ev
	})
	defer unsub()

	p.RequestLoad(Single(5), 1)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	seen[5] = p.StateFor(5)
	mu.Unlock()

	assert.Equal(t, StateView, seen[5], "main-pass page is marked View")
	assert.Equal(t, StateAhead, p.StateFor(6), "first page ahead is marked Ahead")
	assert.Equal(t, StateBehind, p.StateFor(4), "first page behind is marked Behind")
}

func TestRequestLoadEmptyRangeIsNoop(t *testing.T) {
	loader := &fakeLoader{}
	p, _, _ := newTestManager(t, loader)
	p.RequestLoad(Range{}, 1)
	assert.Equal(t, int32(0), atomic.LoadInt32(&loader.calls))
}
