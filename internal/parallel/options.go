package parallel

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Default timings.
const (
	// SilentTimeout is how long a step may go without producing output.
	SilentTimeout = 145 * time.Minute
	// MinimumSilentTimeout bounds how far nested pools shrink the silent timeout.
	MinimumSilentTimeout = 135 * time.Minute
	// SilentTimeoutStep is the reduction applied for each level of nesting.
	SilentTimeoutStep = 30 * time.Second
	// ExitTimeout is how long a cancelled step has to return.
	ExitTimeout = 10 * time.Minute
	// SIGTERMTimeout is the wait after SIGXCPU before sending SIGTERM.
	SIGTERMTimeout = 30 * time.Second
	// SIGKILLTimeout is the wait after SIGTERM before sending SIGKILL.
	SIGKILLTimeout = 60 * time.Second
	// PrintInterval is how often step output is polled and flushed.
	PrintInterval = time.Second
)

// Options configures a run.
type Options struct {
	// MaxParallel bounds the number of steps running at once. Zero means no bound.
	MaxParallel int
	// HaltOnError cancels the remaining steps after the first failure.
	HaltOnError bool

	SilentTimeout  time.Duration
	ExitTimeout    time.Duration
	SIGTERMTimeout time.Duration
	SIGKILLTimeout time.Duration
	PrintInterval  time.Duration

	// TempDir holds the per-step output files. Empty uses os.TempDir.
	TempDir string
	// Output receives the step output. Nil means os.Stdout.
	Output io.Writer
	Logger *slog.Logger
}

// stepInfo travels in the context of a running step.
type stepInfo struct {
	name           string
	silentTimeout  time.Duration
	sigtermTimeout time.Duration
	sigkillTimeout time.Duration
	logger         *slog.Logger
}

type stepInfoKey struct{}

func withStepInfo(ctx context.Context, info *stepInfo) context.Context {
	return context.WithValue(ctx, stepInfoKey{}, info)
}

func stepInfoFromContext(ctx context.Context) (*stepInfo, bool) {
	info, ok := ctx.Value(stepInfoKey{}).(*stepInfo)
	return info, ok
}

// StepName returns the name of the step running under ctx, if any.
func StepName(ctx context.Context) string {
	if info, ok := stepInfoFromContext(ctx); ok {
		return info.name
	}
	return ""
}

// nestedSilentTimeout derives the silent timeout for a pool started inside a step.
func nestedSilentTimeout(parent time.Duration) time.Duration {
	if parent < MinimumSilentTimeout {
		return parent
	}
	t := parent - SilentTimeoutStep
	if t < MinimumSilentTimeout {
		t = MinimumSilentTimeout
	}
	return t
}

func (o Options) withDefaults(ctx context.Context) Options {
	if o.SilentTimeout <= 0 {
		if info, ok := stepInfoFromContext(ctx); ok {
			o.SilentTimeout = nestedSilentTimeout(info.silentTimeout)
		} else {
			o.SilentTimeout = SilentTimeout
		}
	}
	if o.ExitTimeout <= 0 {
		o.ExitTimeout = ExitTimeout
	}
	if o.SIGTERMTimeout <= 0 {
		o.SIGTERMTimeout = SIGTERMTimeout
	}
	if o.SIGKILLTimeout <= 0 {
		o.SIGKILLTimeout = SIGKILLTimeout
	}
	if o.PrintInterval <= 0 {
		o.PrintInterval = PrintInterval
	}
	if o.Output == nil {
		o.Output = os.Stdout
	}
	if o.Logger == nil {
		if info, ok := stepInfoFromContext(ctx); ok {
			o.Logger = info.logger
		} else {
			o.Logger = slog.New(slog.DiscardHandler)
		}
	}
	return o
}
