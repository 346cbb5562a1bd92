package srservice

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HibernalGlow/neoview/cachemgr"
	"github.com/HibernalGlow/neoview/clock"
	"github.com/HibernalGlow/neoview/jobengine"
)

type fakeEngine struct {
	calls     int32
	delay     time.Duration
	failWith  error
	diskStore map[string][]byte
}

func newFakeEngine() *fakeEngine { return &fakeEngine{diskStore: make(map[string][]byte)} }

func (f *fakeEngine) Init(ctx context.Context, gpuID int) error { return nil }

func (f *fakeEngine) Upscale(ctx context.Context, input []byte, cfg UpscaleConfig) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.failWith != nil {
		return nil, f.failWith
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := append([]byte(nil), input...)
	out = append(out, "-upscaled"...)
	return out, nil
}

func (f *fakeEngine) CheckDiskCache(ctx context.Context, hash string) (bool, error) {
	_, ok := f.diskStore[hash]
	return ok, nil
}

func (f *fakeEngine) LoadDiskCache(ctx context.Context, hash string) ([]byte, error) {
	return f.diskStore[hash], nil
}

func (f *fakeEngine) SaveDiskCache(ctx context.Context, hash string, data []byte) error {
	f.diskStore[hash] = data
	return nil
}

func newTestService(t *testing.T, engine *fakeEngine) (*Service, *jobengine.Engine, *cachemgr.Manager) {
	t.Helper()
	fc := clock.NewFake(time.Unix(0, 0))
	jobs := jobengine.New(jobengine.Config{Clock: fc, MaxWorkers: 2, PrimaryWorkerCount: 1})
	mgr := cachemgr.NewManager(fc)
	t.Cleanup(func() {
		jobs.Close()
		mgr.Close()
	})
	return NewService(engine, jobs, mgr), jobs, mgr
}

func TestSubmitTaskStoresResultInUpscaleCache(t *testing.T) {
	engine := newFakeEngine()
	svc, _, mgr := newTestService(t, engine)

	done := make(chan Event, 1)
	svc.OnEvent(func(ev Event) {
		if ev.Kind == EventComplete {
			done <- ev
		}
	})

	id := svc.SubmitTask(3, "hash-a", []byte("src"), DefaultUpscaleConfig(), jobengine.PriorityHigh)
	require.NotEmpty(t, id)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for upscale completion")
	}

	entry, ok := mgr.Upscales.Get("hash-a")
	require.True(t, ok)
	assert.Equal(t, "src-upscaled", string(entry.Bytes))
}

func TestDuplicateSubmissionReturnsSameTaskID(t *testing.T) {
	engine := &fakeEngine{delay: 200 * time.Millisecond, diskStore: make(map[string][]byte)}
	svc, _, _ := newTestService(t, engine)

	id1 := svc.SubmitTask(1, "hash-b", []byte("x"), DefaultUpscaleConfig(), jobengine.PriorityHigh)
	id2 := svc.SubmitTask(1, "hash-b", []byte("x"), DefaultUpscaleConfig(), jobengine.PriorityHigh)

	assert.Equal(t, id1, id2)

	// The single job starts on a worker right away; wait past its 200ms
	// delay and check the duplicate never started a second engine call.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&engine.calls) >= 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&engine.calls), "a duplicate submission must not start a second engine call")
}

func TestFailedUpscaleEmitsError(t *testing.T) {
	engine := &fakeEngine{failWith: assertErr, diskStore: make(map[string][]byte)}
	svc, _, mgr := newTestService(t, engine)

	errCh := make(chan Event, 1)
	svc.OnEvent(func(ev Event) {
		if ev.Kind == EventError {
			errCh <- ev
		}
	})

	svc.SubmitTask(1, "hash-c", []byte("x"), DefaultUpscaleConfig(), jobengine.PriorityHigh)

	select {
	case ev := <-errCh:
		assert.ErrorIs(t, ev.Err, assertErr)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error event")
	}

	_, ok := mgr.Upscales.Get("hash-c")
	assert.False(t, ok)
}

var assertErr = context.Canceled

func TestCheckCacheHitsMemoryThenDisk(t *testing.T) {
	engine := newFakeEngine()
	svc, _, mgr := newTestService(t, engine)

	ok, err := svc.CheckCache(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	mgr.SetUpscale("hash-d", []byte("data"), "model", 2.0, 1)
	ok, err = svc.CheckCache(context.Background(), "hash-d")
	require.NoError(t, err)
	assert.True(t, ok)

	engine.diskStore["hash-e"] = []byte("disk-bytes")
	ok, err = svc.CheckCache(context.Background(), "hash-e")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoadFromCacheMaterializesDiskHit(t *testing.T) {
	engine := newFakeEngine()
	svc, _, mgr := newTestService(t, engine)
	engine.diskStore["hash-f"] = []byte("disk-bytes")

	entry, err := svc.LoadFromCache(context.Background(), "hash-f", "model", 2.0, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("disk-bytes"), entry.Bytes)

	_, ok := mgr.Upscales.Get("hash-f")
	assert.True(t, ok)
}
