package pipeline

// run.go - scheduling stale tasks through the parallel runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/kiwibrowser/infratool/internal/parallel"
	"github.com/kiwibrowser/infratool/internal/state"
)

// StatusPending is reported for stale tasks in a dry run.
const StatusPending state.TaskStatus = "pending"

// RunOptions configures Run.
type RunOptions struct {
	// Jobs bounds how many tasks run at once. Zero means one.
	Jobs int
	// KeepGoing starts independent tasks after a failure.
	KeepGoing bool
	// DryRun prints the stale tasks' commands without running them.
	DryRun bool
	// Pool supplies timeouts for each task. Its Output receives task output
	// and defaults to os.Stdout.
	Pool parallel.Options
	// Store records the run when set.
	Store  state.Store
	Logger *slog.Logger
}

// TaskReport is the outcome of one planned task.
type TaskReport struct {
	Name     string
	Command  string
	Status   state.TaskStatus
	Err      error
	Duration time.Duration
}

// Report is the outcome of a run, with tasks in plan order.
type Report struct {
	RunID string
	Tasks []TaskReport
}

// Failed returns the names of failed tasks.
func (r *Report) Failed() []string {
	var out []string
	for _, t := range r.Tasks {
		if t.Status == state.TaskStatusFailed {
			out = append(out, t.Name)
		}
	}
	return out
}

// Counts tallies tasks by status.
func (r *Report) Counts() map[state.TaskStatus]int {
	counts := map[state.TaskStatus]int{}
	for _, t := range r.Tasks {
		counts[t.Status]++
	}
	return counts
}

type completion struct {
	name   string
	result parallel.Result
	output []byte
}

type scheduler struct {
	plan   *Plan
	opts   RunOptions
	out    io.Writer
	logger *slog.Logger
	runID  string

	reports map[string]*TaskReport
	done    chan completion
}

// Run executes the stale tasks of plan. A task starts once each dependency
// has succeeded or was up to date; dependents of a failed task are skipped.
// Without KeepGoing no task starts after the first failure. Each task's
// output is written in one piece when it finishes. The error is a
// *parallel.BackgroundFailure listing the failed tasks.
func Run(ctx context.Context, plan *Plan, opts RunOptions) (*Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	out := opts.Pool.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.Jobs <= 0 {
		opts.Jobs = 1
	}

	s := &scheduler{
		plan:    plan,
		opts:    opts,
		out:     out,
		logger:  logger,
		reports: make(map[string]*TaskReport, len(plan.Order)),
		done:    make(chan completion),
	}
	for _, name := range plan.Order {
		t, _ := plan.graph.Node(name)
		report := &TaskReport{Name: name, Command: t.CommandLine()}
		if plan.UpToDate[name] {
			report.Status = state.TaskStatusUpToDate
		}
		s.reports[name] = report
	}

	if opts.DryRun {
		return s.dryRun()
	}

	if opts.Store != nil {
		run, err := opts.Store.CreateRun(ctx, "pipeline")
		if err != nil {
			return nil, fmt.Errorf("failed to create run: %w", err)
		}
		s.runID = run.ID
		logger.Debug("created run", "run_id", run.ID)
	}

	logger.Info("starting pipeline", "tasks", len(plan.Order), "stale", len(plan.Stale()), "jobs", opts.Jobs)
	s.execute(ctx)

	report := s.report()
	runErr := failure(report)
	if runErr == nil {
		runErr = ctx.Err()
	}
	if opts.Store != nil {
		s.record(ctx, report, runErr)
	}
	if runErr != nil {
		logger.Info("pipeline failed", "run_id", s.runID, "failed", len(report.Failed()))
	} else {
		logger.Info("pipeline completed", "run_id", s.runID)
	}
	return report, runErr
}

func (s *scheduler) dryRun() (*Report, error) {
	for _, name := range s.plan.Order {
		r := s.reports[name]
		if r.Status == state.TaskStatusUpToDate {
			fmt.Fprintf(s.out, "# %s is up to date\n", name)
			continue
		}
		r.Status = StatusPending
		fmt.Fprintf(s.out, "# %s (%s)\n%s\n", name, s.plan.Reasons[name], r.Command)
	}
	return s.report(), nil
}

// ok reports whether dependents of a task may start.
func (s *scheduler) ok(name string) bool {
	st := s.reports[name].Status
	return st == state.TaskStatusSucceeded || st == state.TaskStatusUpToDate
}

func (s *scheduler) execute(ctx context.Context) {
	running := 0
	halted := false
	for {
		s.skipBlocked()

		if !halted && ctx.Err() == nil {
			done := make(map[string]bool, len(s.reports))
			for name := range s.reports {
				done[name] = s.ok(name)
			}
			for _, name := range s.plan.graph.Ready(done) {
				if running >= s.opts.Jobs {
					break
				}
				if s.reports[name].Status != "" {
					continue
				}
				s.start(ctx, name)
				running++
			}
		}

		if running == 0 {
			break
		}
		c := <-s.done
		running--
		s.finish(c)
		if c.result.Err != nil && !s.opts.KeepGoing {
			halted = true
		}
	}

	for _, name := range s.plan.Order {
		r := s.reports[name]
		if r.Status != "" {
			continue
		}
		r.Status = state.TaskStatusSkipped
		if err := ctx.Err(); err != nil {
			r.Err = err
		} else {
			r.Err = errors.New("not started after an earlier failure")
		}
	}
}

// skipBlocked marks unstarted tasks with a failed or skipped dependency.
// Plan order lets a skip propagate down a chain in one pass.
func (s *scheduler) skipBlocked() {
	for _, name := range s.plan.Order {
		r := s.reports[name]
		if r.Status != "" {
			continue
		}
		for _, dep := range s.plan.graph.Parents(name) {
			st := s.reports[dep].Status
			if st == state.TaskStatusFailed || st == state.TaskStatusSkipped {
				r.Status = state.TaskStatusSkipped
				r.Err = fmt.Errorf("dependency %s %s", dep, st)
				s.logger.Debug("skipping task", "task", name, "dependency", dep)
				break
			}
		}
	}
}

// statusRunning marks a started task until it finishes.
const statusRunning state.TaskStatus = "running"

func (s *scheduler) start(ctx context.Context, name string) {
	t, _ := s.plan.graph.Node(name)
	s.reports[name].Status = statusRunning
	s.logger.Debug("starting task", "task", name, "command", t.CommandLine())

	pool := s.opts.Pool
	pool.MaxParallel = 1
	pool.HaltOnError = false
	pool.Logger = s.logger

	go func() {
		var buf bytes.Buffer
		pool.Output = &buf
		step := parallel.NamedStep{
			Name: name,
			Run:  parallel.CommandStep(t.Command, parallel.WithDir(t.Dir), parallel.WithEnv(t.EnvList()...)),
		}
		start := time.Now()
		results, err := parallel.RunParallelSteps(ctx, []parallel.NamedStep{step}, pool)
		res := parallel.Result{Name: name, Err: err, Duration: time.Since(start)}
		if len(results) == 1 {
			res = results[0]
		}
		s.done <- completion{name: name, result: res, output: buf.Bytes()}
	}()
}

func (s *scheduler) finish(c completion) {
	t, _ := s.plan.graph.Node(c.name)
	r := s.reports[c.name]
	r.Duration = c.result.Duration
	r.Err = c.result.Err
	if r.Err != nil {
		r.Status = state.TaskStatusFailed
	} else {
		r.Status = state.TaskStatusSucceeded
	}

	fmt.Fprintf(s.out, "==> %s: %s\n", c.name, r.Command)
	_, _ = s.out.Write(c.output)
	if r.Err != nil {
		fmt.Fprintf(s.out, "==> %s failed: %v\n", c.name, r.Err)
		s.logger.Info("task failed", "task", c.name, "error", r.Err)
		return
	}
	for _, out := range t.Outputs {
		if _, err := os.Stat(t.path(out)); err != nil {
			s.logger.Warn("task did not produce declared output", "task", c.name, "output", out)
		}
	}
	s.logger.Debug("task succeeded", "task", c.name, "duration", r.Duration)
}

func (s *scheduler) report() *Report {
	report := &Report{RunID: s.runID}
	for _, name := range s.plan.Order {
		report.Tasks = append(report.Tasks, *s.reports[name])
	}
	return report
}

// record stores the task results and completes the run. It uses a context
// that survives cancellation so interrupted runs are still recorded.
func (s *scheduler) record(ctx context.Context, report *Report, runErr error) {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, t := range report.Tasks {
		result := &state.TaskResult{
			RunID:      s.runID,
			Name:       t.Name,
			Command:    t.Command,
			Status:     t.Status,
			DurationMS: t.Duration.Milliseconds(),
		}
		if t.Err != nil {
			result.Error = t.Err.Error()
		}
		if err := s.opts.Store.RecordTask(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}

	status, msg := state.RunStatusCompleted, ""
	if runErr != nil {
		status, msg = state.RunStatusFailed, runErr.Error()
	}
	if err := s.opts.Store.CompleteRun(ctx, s.runID, status, msg); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("failed to record run", "run_id", s.runID, "error", err)
	}
}

func failure(report *Report) error {
	var failures []*parallel.StepError
	for _, t := range report.Tasks {
		if t.Status == state.TaskStatusFailed {
			failures = append(failures, &parallel.StepError{Name: t.Name, Err: t.Err})
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &parallel.BackgroundFailure{Failures: failures}
}
