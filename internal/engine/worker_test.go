package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorker_SerializesConcurrentSubmits(t *testing.T) {
	fe := NewFakeEngine()
	w := NewWorker(fe)
	defer w.Stop()

	ctx := context.Background()
	require.NoError(t, callConstruct(t, ctx, w, "m1"))

	var inFlight int32
	var maxObserved int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = w.Submit(ctx, func(e Engine) (any, error) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					cur := atomic.LoadInt32(&maxObserved)
					if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxObserved, "worker must never run two tasks concurrently")
}

func TestWorker_DepthObserverTracksQueue(t *testing.T) {
	fe := NewFakeEngine()
	w := NewWorker(fe)
	defer w.Stop()

	var lastDepth int64
	w.SetDepthObserver(func(d int64) {
		atomic.StoreInt64(&lastDepth, d)
	})

	ctx := context.Background()
	_, err := w.Submit(ctx, func(e Engine) (any, error) { return nil, nil })
	require.NoError(t, err)
	require.Equal(t, int64(0), atomic.LoadInt64(&lastDepth))
}

func callConstruct(t *testing.T, ctx context.Context, w *Worker, modelURI string) error {
	t.Helper()
	_, err := w.Submit(ctx, func(e Engine) (any, error) {
		return nil, e.Construct(ctx, modelURI, "cpu", Overrides{}, "", DTypeBFloat16)
	})
	return err
}
