package parallel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"
)

// backgroundTask is a step plus the file its output is captured in.
type backgroundTask struct {
	name   string
	step   Step
	out    *os.File
	path   string
	reader *os.File

	done   chan struct{}
	result Result
}

func newBackgroundTask(s NamedStep, dir string) (*backgroundTask, error) {
	f, err := os.CreateTemp(dir, "parallel-*.log")
	if err != nil {
		return nil, err
	}
	return &backgroundTask{
		name: s.Name,
		step: s.Run,
		out:  f,
		path: f.Name(),
		done: make(chan struct{}),
	}, nil
}

// finish publishes the result. It must be called exactly once.
func (t *backgroundTask) finish(res Result) {
	t.result = res
	close(t.done)
}

func (t *backgroundTask) cleanup() {
	_ = t.out.Close()
	if t.reader != nil {
		_ = t.reader.Close()
	}
	_ = os.Remove(t.path)
}

func (t *backgroundTask) size() int64 {
	fi, err := t.out.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (t *backgroundTask) call(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v\n%s", ErrUnexpectedExit, p, debug.Stack())
		}
	}()
	if t.step == nil {
		return errors.New("step has no function")
	}
	return t.step(ctx, t.out)
}

// supervise runs the step and watches it for silence. A silent step is
// cancelled; a cancelled step that does not return within the exit timeout
// is abandoned.
func (t *backgroundTask) supervise(parent context.Context, opts Options) Result {
	logger := opts.Logger.With("step", t.name)

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	ctx = withStepInfo(ctx, &stepInfo{
		name:           t.name,
		silentTimeout:  opts.SilentTimeout,
		sigtermTimeout: opts.SIGTERMTimeout,
		sigkillTimeout: opts.SIGKILLTimeout,
		logger:         logger,
	})

	start := time.Now()
	exited := make(chan error, 1)
	go func() {
		exited <- t.call(ctx)
	}()

	ticker := time.NewTicker(opts.PrintInterval)
	defer ticker.Stop()

	var (
		lastSize     int64
		lastGrowth   = start
		killReason   error
		exitDeadline <-chan time.Time
		parentDone   = parent.Done()
	)
	for {
		select {
		case err := <-exited:
			if killReason != nil {
				err = killReason
			}
			logger.Debug("step finished", "duration", time.Since(start), "error", err)
			return Result{Name: t.name, Err: err, Duration: time.Since(start)}

		case <-ticker.C:
			if killReason != nil {
				continue
			}
			if size := t.size(); size != lastSize {
				lastSize = size
				lastGrowth = time.Now()
				continue
			}
			silent := time.Since(lastGrowth)
			if silent < opts.SilentTimeout {
				continue
			}
			logger.Warn(fmt.Sprintf("No output in %s. Killing %s...", silent.Round(time.Millisecond), t.name))
			killReason = fmt.Errorf("%w (%s)", ErrSilentTimeout, opts.SilentTimeout)
			cancel(killReason)
			exitDeadline = time.After(opts.ExitTimeout)

		case <-parentDone:
			parentDone = nil
			if exitDeadline == nil {
				exitDeadline = time.After(opts.ExitTimeout)
			}

		case <-exitDeadline:
			cause := killReason
			if cause == nil {
				cause = context.Cause(parent)
			}
			logger.Warn("abandoning step that did not exit", "exit_timeout", opts.ExitTimeout, "cause", cause)
			return Result{
				Name:     t.name,
				Err:      fmt.Errorf("%w after %s: %w", ErrExitTimeout, opts.ExitTimeout, cause),
				Duration: time.Since(start),
			}
		}
	}
}
