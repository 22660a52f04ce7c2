package parallel

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/semaphore"
)

// Step is one unit of work. Everything written to out is captured and
// printed once it is the step's turn.
type Step func(ctx context.Context, out io.Writer) error

// NamedStep pairs a Step with the name used in logs and errors.
type NamedStep struct {
	Name string
	Run  Step
}

// Result is the outcome of one step.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

type runner struct {
	opts   Options
	sem    *semaphore.Weighted
	cancel context.CancelCauseFunc
}

// RunParallelSteps runs steps concurrently and returns their results in step
// order. If any step fails the returned error is a *BackgroundFailure.
func RunParallelSteps(ctx context.Context, steps []NamedStep, opts Options) ([]Result, error) {
	opts = opts.withDefaults(ctx)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r := &runner{opts: opts, cancel: cancel}
	if opts.MaxParallel > 0 {
		r.sem = semaphore.NewWeighted(int64(opts.MaxParallel))
	}

	tasks := make([]*backgroundTask, 0, len(steps))
	for _, s := range steps {
		t, err := newBackgroundTask(s, opts.TempDir)
		if err != nil {
			for _, t := range tasks {
				t.cleanup()
			}
			return nil, fmt.Errorf("failed to create output file for %s: %w", s.Name, err)
		}
		tasks = append(tasks, t)
	}

	opts.Logger.Debug("starting steps", "count", len(tasks), "max_parallel", opts.MaxParallel)

	go r.launch(ctx, tasks)

	results := make([]Result, len(tasks))
	for i, t := range tasks {
		r.wait(t)
		results[i] = t.result
	}
	return results, failureFromResults(results)
}

// launch starts the tasks in order, holding back while the semaphore is full.
func (r *runner) launch(ctx context.Context, tasks []*backgroundTask) {
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			t.finish(Result{Name: t.name, Err: err})
			continue
		}
		if r.sem != nil {
			if err := r.sem.Acquire(ctx, 1); err != nil {
				t.finish(Result{Name: t.name, Err: err})
				continue
			}
			// Acquire may succeed even though ctx was cancelled while waiting.
			if err := ctx.Err(); err != nil {
				r.sem.Release(1)
				t.finish(Result{Name: t.name, Err: err})
				continue
			}
		}
		go r.run(ctx, t)
	}
}

func (r *runner) run(ctx context.Context, t *backgroundTask) {
	if r.sem != nil {
		defer r.sem.Release(1)
	}
	res := t.supervise(ctx, r.opts)
	if res.Err != nil && r.opts.HaltOnError {
		r.opts.Logger.Debug("halting remaining steps", "failed", t.name)
		r.cancel(res.Err)
	}
	t.finish(res)
}

// wait streams the output of t until it is done.
func (r *runner) wait(t *backgroundTask) {
	ticker := time.NewTicker(r.opts.PrintInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			r.flush(t)
			t.cleanup()
			return
		case <-ticker.C:
			r.flush(t)
		}
	}
}

func (r *runner) flush(t *backgroundTask) {
	if t.reader == nil {
		f, err := os.Open(t.path)
		if err != nil {
			r.opts.Logger.Debug("failed to open step output", "step", t.name, "error", err)
			return
		}
		t.reader = f
	}
	if _, err := io.Copy(r.opts.Output, t.reader); err != nil {
		r.opts.Logger.Debug("failed to copy step output", "step", t.name, "error", err)
	}
}
