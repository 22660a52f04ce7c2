package parallel

import (
	"context"
	"fmt"
	"cmp"
	"io"
	"runtime"
	"slices"
	"sync"
)

// RunTasksInProcessPool applies fn to every input with at most
// opts.MaxParallel calls in flight (NumCPU when unset). Results are returned
// in input order; entries for failed inputs hold the zero value.
func RunTasksInProcessPool[T, R any](ctx context.Context, fn func(context.Context, T) (R, error), inputs []T, opts Options) ([]R, error) {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = runtime.NumCPU()
	}

	var (
		mu      sync.Mutex
		closed  bool
		results = make([]R, len(inputs))
	)
	steps := make([]NamedStep, len(inputs))
	for i, in := range inputs {
		steps[i] = NamedStep{
			Name: fmt.Sprintf("task %d", i),
			Run: func(ctx context.Context, _ io.Writer) error {
				r, err := fn(ctx, in)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if !closed {
					results[i] = r
				}
				return nil
			},
		}
	}

	_, err := RunParallelSteps(ctx, steps, opts)

	mu.Lock()
	closed = true
	mu.Unlock()
	return results, err
}

// BackgroundTaskRunner feeds queued items to a fixed set of workers.
//
//	runner := parallel.NewBackgroundTaskRunner(ctx, fn, opts)
//	for _, item := range items {
//		if err := runner.Put(item); err != nil {
//			break
//		}
//	}
//	err := runner.Close()
type BackgroundTaskRunner[T any] struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	fn     func(context.Context, T) error
	opts   Options
	queue  chan queuedItem[T]
	wg     sync.WaitGroup

	mu       sync.Mutex
	seq      int
	failures []itemFailure
	closed   bool
}

type queuedItem[T any] struct {
	seq  int
	name string
	v    T
}

// itemFailure is a failed item keyed by the order it was put in.
type itemFailure struct {
	seq int
	err *StepError
}

// NewBackgroundTaskRunner starts opts.MaxParallel workers (NumCPU when unset).
func NewBackgroundTaskRunner[T any](ctx context.Context, fn func(context.Context, T) error, opts Options) *BackgroundTaskRunner[T] {
	workers := opts.MaxParallel
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	opts = opts.withDefaults(ctx)
	opts.Output = &lockedWriter{w: opts.Output}

	ctx, cancel := context.WithCancelCause(ctx)
	r := &BackgroundTaskRunner[T]{
		ctx:    ctx,
		cancel: cancel,
		fn:     fn,
		opts:   opts,
		queue:  make(chan queuedItem[T], workers),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
	return r
}

func (r *BackgroundTaskRunner[T]) work() {
	defer r.wg.Done()
	opts := r.opts
	opts.MaxParallel = 1
	opts.HaltOnError = false
	for item := range r.queue {
		if r.ctx.Err() != nil {
			r.fail(item.seq, &StepError{Name: item.name, Err: r.ctx.Err()})
			continue
		}
		v := item.v
		step := NamedStep{
			Name: item.name,
			Run: func(ctx context.Context, _ io.Writer) error {
				return r.fn(ctx, v)
			},
		}
		results, _ := RunParallelSteps(r.ctx, []NamedStep{step}, opts)
		if len(results) == 1 && results[0].Err != nil {
			r.fail(item.seq, &StepError{Name: item.name, Err: results[0].Err})
		}
	}
}

func (r *BackgroundTaskRunner[T]) fail(seq int, err *StepError) {
	r.mu.Lock()
	r.failures = append(r.failures, itemFailure{seq: seq, err: err})
	r.mu.Unlock()
	if r.opts.HaltOnError {
		r.cancel(err)
	}
}

func (r *BackgroundTaskRunner[T]) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.failures) == 0 {
		return nil
	}
	// Workers finish out of order; report failures in Put order.
	sorted := slices.SortedFunc(slices.Values(r.failures), func(a, b itemFailure) int {
		return cmp.Compare(a.seq, b.seq)
	})
	failures := make([]*StepError, len(sorted))
	for i, f := range sorted {
		failures[i] = f.err
	}
	return &BackgroundFailure{Failures: failures}
}

// Put queues v, blocking while every worker is busy and the queue is full.
// With HaltOnError, Put returns the failure once any item has failed.
func (r *BackgroundTaskRunner[T]) Put(v T) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("put on closed runner")
	}
	r.seq++
	seq := r.seq
	r.mu.Unlock()
	name := fmt.Sprintf("item %d", seq)

	if r.opts.HaltOnError {
		if err := r.failure(); err != nil {
			return err
		}
	}
	select {
	case r.queue <- queuedItem[T]{seq: seq, name: name, v: v}:
		return nil
	case <-r.ctx.Done():
		if err := r.failure(); err != nil {
			return err
		}
		return r.ctx.Err()
	}
}

// Close stops accepting items, waits for the queued ones, and returns a
// *BackgroundFailure if any failed. Close must not race with Put.
func (r *BackgroundTaskRunner[T]) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return r.failure()
	}
	r.closed = true
	r.mu.Unlock()

	close(r.queue)
	r.wg.Wait()
	r.cancel(nil)
	return r.failure()
}

// lockedWriter serializes writes from concurrently flushing workers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
