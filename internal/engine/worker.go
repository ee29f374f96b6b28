package engine

import (
	"context"
	"sync/atomic"
)

// task is one unit of work submitted to the Worker. The worker passes its
// own Engine to run, so the worker body never branches on task kind.
type task struct {
	run   func(e Engine) (any, error)
	reply chan result
}

type result struct {
	val any
	err error
}

// Worker serializes every call into a single Engine instance through one
// FIFO channel read by one goroutine, because the underlying accelerator
// binding compiles execution graphs bound to thread-local state and cannot
// tolerate concurrent or re-entrant calls.
type Worker struct {
	eng    Engine
	tasks  chan task
	done   chan struct{}
	depth  int64 // queued + in-flight task count, for the queue-depth gauge
	onTick func(depth int64)
}

// NewWorker starts the worker goroutine bound to eng. Callers must call
// Stop when finished to release the goroutine.
func NewWorker(eng Engine) *Worker {
	w := &Worker{
		eng:   eng,
		tasks: make(chan task, 32),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// SetDepthObserver registers a callback invoked with the current queue
// depth every time it changes, used to drive the GPU worker queue-depth
// gauge in internal/metrics.
func (w *Worker) SetDepthObserver(fn func(depth int64)) {
	w.onTick = fn
}

func (w *Worker) loop() {
	for {
		select {
		case t, ok := <-w.tasks:
			if !ok {
				return
			}
			val, err := t.run(w.eng)
			// Decrement before replying: the channel send below is the
			// caller's only synchronization point, so the depth must
			// already reflect this task's completion by the time Submit
			// unblocks.
			w.reportDepth(-1)
			t.reply <- result{val: val, err: err}
		case <-w.done:
			return
		}
	}
}

func (w *Worker) reportDepth(delta int64) {
	d := atomic.AddInt64(&w.depth, delta)
	if w.onTick != nil {
		w.onTick(d)
	}
}

// Submit enqueues fn to run on the worker goroutine and blocks until it
// completes or ctx is cancelled. Cancellation does not remove the task from
// the queue; the engine call still runs to completion since its accelerator
// state cannot be safely abandoned mid-call.
func (w *Worker) Submit(ctx context.Context, fn func(e Engine) (any, error)) (any, error) {
	t := task{run: fn, reply: make(chan result, 1)}
	w.reportDepth(1)
	select {
	case w.tasks <- t:
	case <-ctx.Done():
		w.reportDepth(-1)
		return nil, ctx.Err()
	}

	select {
	case r := <-t.reply:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Depth returns the current queue depth (queued plus in-flight).
func (w *Worker) Depth() int64 {
	return atomic.LoadInt64(&w.depth)
}

// Stop terminates the worker goroutine. Tasks still queued when Stop is
// called may or may not run before the goroutine exits.
func (w *Worker) Stop() {
	close(w.done)
}
