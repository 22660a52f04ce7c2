package parallel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiwibrowser/infratool/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions(t *testing.T, out io.Writer) Options {
	t.Helper()
	return Options{
		SilentTimeout:  time.Minute,
		ExitTimeout:    time.Minute,
		SIGTERMTimeout: 100 * time.Millisecond,
		SIGKILLTimeout: 100 * time.Millisecond,
		PrintInterval:  5 * time.Millisecond,
		TempDir:        t.TempDir(),
		Output:         out,
		Logger:         testutil.NewTestLogger(t),
	}
}

func printStep(text string, delay time.Duration) Step {
	return func(_ context.Context, out io.Writer) error {
		time.Sleep(delay)
		_, err := fmt.Fprintln(out, text)
		return err
	}
}

func TestRunParallelSteps_OutputInStepOrder(t *testing.T) {
	var buf bytes.Buffer
	steps := []NamedStep{
		{Name: "a", Run: printStep("first", 60*time.Millisecond)},
		{Name: "b", Run: printStep("second", 30*time.Millisecond)},
		{Name: "c", Run: printStep("third", 0)},
	}

	opts := fastOptions(t, &buf)
	results, err := RunParallelSteps(context.Background(), steps, opts)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "first\nsecond\nthird\n", buf.String())
	assertNoOutputFiles(t, opts.TempDir)
	for i, name := range []string{"a", "b", "c"} {
		assert.Equal(t, name, results[i].Name)
		assert.NoError(t, results[i].Err)
	}
}

func TestRunParallelSteps_CollectsFailures(t *testing.T) {
	boom := errors.New("boom")
	steps := []NamedStep{
		{Name: "ok", Run: printStep("fine", 0)},
		{Name: "bad", Run: func(context.Context, io.Writer) error { return boom }},
		{Name: "worse", Run: func(context.Context, io.Writer) error { return fmt.Errorf("wrapped: %w", boom) }},
	}

	results, err := RunParallelSteps(context.Background(), steps, fastOptions(t, io.Discard))
	require.Error(t, err)

	var failure *BackgroundFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, []string{"bad", "worse"}, failure.Names())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "2 step(s) failed")

	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, boom)
}

func TestRunParallelSteps_MaxParallel(t *testing.T) {
	var running, peak atomic.Int32
	step := func(context.Context, io.Writer) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}

	steps := make([]NamedStep, 8)
	for i := range steps {
		steps[i] = NamedStep{Name: fmt.Sprintf("s%d", i), Run: step}
	}

	opts := fastOptions(t, io.Discard)
	opts.MaxParallel = 2
	_, err := RunParallelSteps(context.Background(), steps, opts)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

func TestRunParallelSteps_HaltOnError(t *testing.T) {
	boom := errors.New("boom")
	steps := []NamedStep{
		{Name: "fails", Run: func(context.Context, io.Writer) error { return boom }},
		{Name: "pending", Run: printStep("should not run", 0)},
	}

	opts := fastOptions(t, io.Discard)
	opts.MaxParallel = 1
	opts.HaltOnError = true

	results, err := RunParallelSteps(context.Background(), steps, opts)
	require.Error(t, err)
	assert.ErrorIs(t, results[0].Err, boom)
	assert.ErrorIs(t, results[1].Err, context.Canceled)
}

func TestRunParallelSteps_HaltCancelsRunningSteps(t *testing.T) {
	boom := errors.New("boom")
	steps := []NamedStep{
		{Name: "waits", Run: func(ctx context.Context, _ io.Writer) error {
			<-ctx.Done()
			return ctx.Err()
		}},
		{Name: "fails", Run: func(context.Context, io.Writer) error {
			time.Sleep(10 * time.Millisecond)
			return boom
		}},
	}

	opts := fastOptions(t, io.Discard)
	opts.HaltOnError = true

	results, err := RunParallelSteps(context.Background(), steps, opts)
	require.Error(t, err)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
	assert.ErrorIs(t, results[1].Err, boom)
}

func TestRunParallelSteps_SilentTimeout(t *testing.T) {
	steps := []NamedStep{
		{Name: "hangs", Run: func(ctx context.Context, _ io.Writer) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	}

	opts := fastOptions(t, io.Discard)
	opts.SilentTimeout = 50 * time.Millisecond

	results, err := RunParallelSteps(context.Background(), steps, opts)
	require.Error(t, err)
	assert.ErrorIs(t, results[0].Err, ErrSilentTimeout)
}

func TestRunParallelSteps_OutputResetsSilentTimer(t *testing.T) {
	chatty := func(_ context.Context, out io.Writer) error {
		for i := 0; i < 20; i++ {
			fmt.Fprintf(out, "tick %d\n", i)
			time.Sleep(10 * time.Millisecond)
		}
		return nil
	}

	opts := fastOptions(t, io.Discard)
	opts.SilentTimeout = 100 * time.Millisecond

	_, err := RunParallelSteps(context.Background(), []NamedStep{{Name: "chatty", Run: chatty}}, opts)
	assert.NoError(t, err)
}

func TestRunParallelSteps_ExitTimeout(t *testing.T) {
	stubborn := func(context.Context, io.Writer) error {
		time.Sleep(time.Second)
		return nil
	}

	opts := fastOptions(t, io.Discard)
	opts.SilentTimeout = 20 * time.Millisecond
	opts.ExitTimeout = 20 * time.Millisecond

	start := time.Now()
	results, err := RunParallelSteps(context.Background(), []NamedStep{{Name: "stubborn", Run: stubborn}}, opts)
	require.Error(t, err)
	assert.ErrorIs(t, results[0].Err, ErrExitTimeout)
	assert.ErrorIs(t, results[0].Err, ErrSilentTimeout)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assertNoOutputFiles(t, opts.TempDir)
}

// assertNoOutputFiles checks that every step output file was removed.
func assertNoOutputFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunParallelSteps_Panic(t *testing.T) {
	steps := []NamedStep{
		{Name: "panics", Run: func(context.Context, io.Writer) error { panic("kaboom") }},
	}

	results, err := RunParallelSteps(context.Background(), steps, fastOptions(t, io.Discard))
	require.Error(t, err)
	assert.ErrorIs(t, results[0].Err, ErrUnexpectedExit)
	assert.Contains(t, results[0].Err.Error(), "kaboom")
}

func TestRunParallelSteps_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := RunParallelSteps(ctx, []NamedStep{{Name: "never", Run: printStep("x", 0)}}, fastOptions(t, io.Discard))
	require.Error(t, err)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
}

func TestRunParallelSteps_Empty(t *testing.T) {
	results, err := RunParallelSteps(context.Background(), nil, fastOptions(t, io.Discard))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestNestedSilentTimeout(t *testing.T) {
	tests := []struct {
		name   string
		parent time.Duration
		want   time.Duration
	}{
		{name: "default shrinks by one step", parent: SilentTimeout, want: SilentTimeout - SilentTimeoutStep},
		{name: "clamped at minimum", parent: MinimumSilentTimeout + time.Second, want: MinimumSilentTimeout},
		{name: "at minimum stays", parent: MinimumSilentTimeout, want: MinimumSilentTimeout},
		{name: "explicit small timeout kept", parent: time.Minute, want: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nestedSilentTimeout(tt.parent))
		})
	}
}

func TestRunParallelSteps_NestedPoolInheritsTimeout(t *testing.T) {
	var inner time.Duration
	var innerName string

	outer := func(ctx context.Context, out io.Writer) error {
		_, err := RunParallelSteps(ctx, []NamedStep{{
			Name: "inner",
			Run: func(ctx context.Context, _ io.Writer) error {
				info, _ := stepInfoFromContext(ctx)
				inner = info.silentTimeout
				innerName = StepName(ctx)
				return nil
			},
		}}, Options{PrintInterval: 5 * time.Millisecond, Output: out})
		return err
	}

	opts := fastOptions(t, io.Discard)
	opts.SilentTimeout = 0
	_, err := RunParallelSteps(context.Background(), []NamedStep{{Name: "outer", Run: outer}}, opts)
	require.NoError(t, err)
	assert.Equal(t, SilentTimeout-SilentTimeoutStep, inner)
	assert.Equal(t, "inner", innerName)
}
