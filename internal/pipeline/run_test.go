package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiwibrowser/infratool/internal/parallel"
	"github.com/kiwibrowser/infratool/internal/state"
	"github.com/kiwibrowser/infratool/internal/testutil"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func writeFile(t *testing.T, dir, rel string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(rel), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func statuses(r *Report) map[string]state.TaskStatus {
	out := map[string]state.TaskStatus{}
	for _, t := range r.Tasks {
		out[t.Name] = t.Status
	}
	return out
}

func runOptions(t *testing.T, out *testutil.SyncBuffer) RunOptions {
	return RunOptions{
		Jobs:   2,
		Pool:   parallel.Options{PrintInterval: 10 * time.Millisecond, Output: out},
		Logger: testutil.NewTestLogger(t),
	}
}

func TestPlan_UpToDate(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-24 * time.Hour).Truncate(time.Second)
	writeFile(t, dir, "record.cfg", base)
	writeFile(t, dir, "out/record.txt", base.Add(time.Hour))
	writeFile(t, dir, "out/cache.txt", base.Add(2*time.Hour))
	writeFile(t, dir, "out/results.txt", base.Add(3*time.Hour))

	p, err := Parse([]byte(benchmarkPipeline), dir)
	require.NoError(t, err)

	plan, err := p.Plan(PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"record", "patch-cache", "benchmark", "lint"}, plan.Order)
	assert.True(t, plan.UpToDate["record"])
	assert.True(t, plan.UpToDate["patch-cache"])
	assert.True(t, plan.UpToDate["benchmark"])
	assert.Equal(t, []string{"lint"}, plan.Stale())
	assert.Equal(t, "no outputs declared", plan.Reasons["lint"])

	writeFile(t, dir, "record.cfg", base.Add(4*time.Hour))
	plan, err = p.Plan(PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"record", "patch-cache", "benchmark", "lint"}, plan.Stale())
	assert.Equal(t, "input record.cfg is newer than the outputs", plan.Reasons["record"])
	assert.Equal(t, "dependency record is stale", plan.Reasons["patch-cache"])

	writeFile(t, dir, "record.cfg", base)
	require.NoError(t, os.Remove(filepath.Join(dir, "out/cache.txt")))
	plan, err = p.Plan(PlanOptions{})
	require.NoError(t, err)
	assert.True(t, plan.UpToDate["record"])
	assert.Equal(t, "output out/cache.txt: missing", plan.Reasons["patch-cache"])
	assert.False(t, plan.UpToDate["benchmark"])

	plan, err = p.Plan(PlanOptions{Force: true})
	require.NoError(t, err)
	assert.Len(t, plan.Stale(), 4)
	assert.Equal(t, "forced", plan.Reasons["record"])
}

func TestPlan_DependencyOutputNewer(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-24 * time.Hour).Truncate(time.Second)
	writeFile(t, dir, "record.cfg", base)
	writeFile(t, dir, "out/cache.txt", base.Add(time.Hour))
	writeFile(t, dir, "out/record.txt", base.Add(2*time.Hour))

	p, err := Parse([]byte(benchmarkPipeline), dir)
	require.NoError(t, err)
	plan, err := p.Plan(PlanOptions{Select: []string{"patch-cache"}})
	require.NoError(t, err)
	assert.True(t, plan.UpToDate["record"])
	assert.Equal(t, "dependency output out/record.txt is newer than the outputs", plan.Reasons["patch-cache"])
}

func TestPlan_Selection(t *testing.T) {
	p, err := Parse([]byte(benchmarkPipeline), t.TempDir())
	require.NoError(t, err)

	plan, err := p.Plan(PlanOptions{Select: []string{"patch-cache"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"record", "patch-cache"}, plan.Order)

	plan, err = p.Plan(PlanOptions{Select: []string{"patch-cache"}, Downstream: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"record", "patch-cache", "benchmark"}, plan.Order)

	_, err = p.Plan(PlanOptions{Select: []string{"deploy"}})
	assert.EqualError(t, err, `unknown task "deploy"`)
}

func TestRun_Pipeline(t *testing.T) {
	skipWithoutShell(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "record.cfg", time.Now().Add(-time.Hour))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "out"), 0o755))

	store, err := state.Open(":memory:", testutil.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	p, err := Parse([]byte(benchmarkPipeline), dir)
	require.NoError(t, err)
	plan, err := p.Plan(PlanOptions{})
	require.NoError(t, err)

	var out testutil.SyncBuffer
	opts := runOptions(t, &out)
	opts.Store = store
	report, err := Run(ctx, plan, opts)
	require.NoError(t, err)

	assert.Equal(t, map[string]state.TaskStatus{
		"record":      state.TaskStatusSucceeded,
		"patch-cache": state.TaskStatusSucceeded,
		"benchmark":   state.TaskStatusSucceeded,
		"lint":        state.TaskStatusSucceeded,
	}, statuses(report))
	assert.Empty(t, report.Failed())

	cache, err := os.ReadFile(filepath.Join(dir, "out/cache.txt"))
	require.NoError(t, err)
	assert.Equal(t, "recorded\n", string(cache))
	assert.Contains(t, out.String(), "==> record: sh -c 'echo recorded > out/record.txt'")

	run, err := store.GetRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, run.Status)
	tasks, err := store.ListTasks(ctx, report.RunID)
	require.NoError(t, err)
	assert.Len(t, tasks, 4)

	plan, err = p.Plan(PlanOptions{})
	require.NoError(t, err)
	assert.True(t, plan.UpToDate["record"])
}

func TestRun_Env(t *testing.T) {
	skipWithoutShell(t)
	dir := t.TempDir()
	p, err := Parse([]byte(`
tasks:
  - name: show
    command: ["sh", "-c", "echo mode=$BENCH_MODE; pwd"]
    dir: sub
    env: {BENCH_MODE: fast}
`), dir)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))

	plan, err := p.Plan(PlanOptions{})
	require.NoError(t, err)
	var out testutil.SyncBuffer
	_, err = Run(context.Background(), plan, runOptions(t, &out))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "mode=fast")
	assert.Contains(t, out.String(), "sub\n")
}

const failingPipeline = `
tasks:
  - {name: a, command: "sh -c 'echo boom; exit 3'"}
  - {name: b, command: "true", deps: [a]}
  - {name: c, command: "true", deps: [b]}
  - {name: d, command: "true"}
`

func TestRun_FailureSkipsDependents(t *testing.T) {
	skipWithoutShell(t)
	p, err := Parse([]byte(failingPipeline), t.TempDir())
	require.NoError(t, err)
	plan, err := p.Plan(PlanOptions{})
	require.NoError(t, err)

	var out testutil.SyncBuffer
	opts := runOptions(t, &out)
	opts.Jobs = 1
	opts.KeepGoing = true
	report, err := Run(context.Background(), plan, opts)
	require.Error(t, err)

	assert.Equal(t, map[string]state.TaskStatus{
		"a": state.TaskStatusFailed,
		"b": state.TaskStatusSkipped,
		"c": state.TaskStatusSkipped,
		"d": state.TaskStatusSucceeded,
	}, statuses(report))
	assert.Equal(t, []string{"a"}, report.Failed())

	var failure *parallel.BackgroundFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, []string{"a"}, failure.Names())
	var exitErr *parallel.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)

	assert.Contains(t, out.String(), "boom")
	assert.Contains(t, out.String(), "==> a failed")
}

func TestRun_StopsAfterFailure(t *testing.T) {
	skipWithoutShell(t)
	p, err := Parse([]byte(failingPipeline), t.TempDir())
	require.NoError(t, err)
	plan, err := p.Plan(PlanOptions{})
	require.NoError(t, err)

	var out testutil.SyncBuffer
	opts := runOptions(t, &out)
	opts.Jobs = 1
	report, err := Run(context.Background(), plan, opts)
	require.Error(t, err)

	assert.Equal(t, state.TaskStatusSkipped, statuses(report)["d"])
	assert.Equal(t, map[state.TaskStatus]int{
		state.TaskStatusFailed:  1,
		state.TaskStatusSkipped: 3,
	}, report.Counts())
	assert.NotContains(t, out.String(), "==> d")
}

func TestRun_DryRun(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeFile(t, dir, "record.cfg", base)
	writeFile(t, dir, "out/record.txt", base.Add(time.Minute))

	p, err := Parse([]byte(benchmarkPipeline), dir)
	require.NoError(t, err)
	plan, err := p.Plan(PlanOptions{})
	require.NoError(t, err)

	var out testutil.SyncBuffer
	opts := runOptions(t, &out)
	opts.DryRun = true
	report, err := Run(context.Background(), plan, opts)
	require.NoError(t, err)

	assert.Equal(t, map[string]state.TaskStatus{
		"record":      state.TaskStatusUpToDate,
		"patch-cache": StatusPending,
		"benchmark":   StatusPending,
		"lint":        StatusPending,
	}, statuses(report))
	assert.Contains(t, out.String(), "# record is up to date\n")
	assert.Contains(t, out.String(), "# patch-cache (output out/cache.txt: missing)\nsh -c 'cat out/record.txt > out/cache.txt'\n")
	assert.NoFileExists(t, filepath.Join(dir, "out/cache.txt"))
}

func TestRun_Cancelled(t *testing.T) {
	p, err := Parse([]byte(failingPipeline), t.TempDir())
	require.NoError(t, err)
	plan, err := p.Plan(PlanOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out testutil.SyncBuffer
	report, err := Run(ctx, plan, runOptions(t, &out))
	assert.ErrorIs(t, err, context.Canceled)
	for _, task := range report.Tasks {
		assert.Equal(t, state.TaskStatusSkipped, task.Status, task.Name)
		assert.True(t, errors.Is(task.Err, context.Canceled), task.Name)
	}
}
