package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/kiwibrowser/infratool/internal/parallel"
	"github.com/kiwibrowser/infratool/internal/state"
)

// ParallelOptions holds options for the parallel command.
type ParallelOptions struct {
	HaltOnError bool
	NoRecord    bool
}

// NewParallelCommand creates the parallel command.
func NewParallelCommand() *cobra.Command {
	opts := &ParallelOptions{}

	cmd := &cobra.Command{
		Use:   "parallel -- <command>...",
		Short: "Run shell commands concurrently",
		Long: `Run each argument as a command, several at a time.

Every command writes to its own buffer. Output is printed in argument order
so the output of two commands never interleaves. A command that prints
nothing for --silent-timeout is treated as hung and killed with SIGXCPU,
then SIGTERM, then SIGKILL.`,
		Example: `  # Build two targets and run the linter at the same time
  infratool parallel -- "make -C out/a" "make -C out/b" "./lint.sh --fix"

  # Stop everything when one command fails
  infratool parallel --halt-on-error -j 2 -- "go test ./..." "npm test"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParallel(cmd, args, opts)
		},
	}

	addPoolFlags(cmd)
	cmd.Flags().BoolVar(&opts.HaltOnError, "halt-on-error", false, "Cancel remaining commands after the first failure")
	cmd.Flags().BoolVar(&opts.NoRecord, "no-record", false, "Do not record the run in the state database")

	return cmd
}

func runParallel(cmd *cobra.Command, args []string, opts *ParallelOptions) error {
	cc := NewCommandContext(cmd)
	ctx := cmd.Context()

	steps := make([]parallel.NamedStep, 0, len(args))
	for _, arg := range args {
		argv, err := shellquote.Split(arg)
		if err != nil {
			return fmt.Errorf("invalid command %q: %w", arg, err)
		}
		if len(argv) == 0 {
			return errors.New("empty command")
		}
		steps = append(steps, parallel.NamedStep{Name: arg, Run: parallel.CommandStep(argv)})
	}

	var store state.Store
	var run *state.Run
	if !opts.NoRecord {
		s, err := cc.OpenStore()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		if run, err = s.CreateRun(ctx, "parallel"); err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}
		store = s
	}

	pool := cc.PoolOptions(cc.StepOutput(cmd))
	pool.HaltOnError = opts.HaltOnError
	results, runErr := parallel.RunParallelSteps(ctx, steps, pool)

	if store != nil {
		recordParallel(ctx, store, run.ID, results, runErr, cc)
	}
	renderParallel(cc, results)
	return runErr
}

// stepStatus maps a result to a task status. Steps the runner cancelled
// before they started count as skipped.
func stepStatus(r parallel.Result) state.TaskStatus {
	switch {
	case r.Err == nil:
		return state.TaskStatusSucceeded
	case errors.Is(r.Err, context.Canceled) && r.Duration == 0:
		return state.TaskStatusSkipped
	default:
		return state.TaskStatusFailed
	}
}

func recordParallel(ctx context.Context, store state.Store, runID string, results []parallel.Result, runErr error, cc *CommandContext) {
	ctx = context.WithoutCancel(ctx)
	for _, r := range results {
		task := &state.TaskResult{
			RunID:      runID,
			Name:       r.Name,
			Command:    r.Name,
			Status:     stepStatus(r),
			DurationMS: r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			task.Error = r.Err.Error()
		}
		if err := store.RecordTask(ctx, task); err != nil {
			cc.Logger.Warn("failed to record task", "task", r.Name, "error", err)
		}
	}
	status, msg := state.RunStatusCompleted, ""
	if runErr != nil {
		status, msg = state.RunStatusFailed, runErr.Error()
	}
	if err := store.CompleteRun(ctx, runID, status, msg); err != nil {
		cc.Logger.Warn("failed to complete run", "run_id", runID, "error", err)
	}
}

type stepSummary struct {
	Command  string `json:"command"`
	Status   string `json:"status"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

func renderParallel(cc *CommandContext, results []parallel.Result) {
	r := cc.Renderer
	if r.IsJSON() {
		for _, res := range results {
			s := stepSummary{
				Command:  res.Name,
				Status:   string(stepStatus(res)),
				Duration: res.Duration.Round(time.Millisecond).String(),
			}
			if res.Err != nil {
				s.Error = res.Err.Error()
			}
			_ = r.JSON(s)
		}
		return
	}

	rows := make([][]string, 0, len(results))
	for _, res := range results {
		rows = append(rows, []string{
			res.Name,
			r.Status(string(stepStatus(res))),
			res.Duration.Round(time.Millisecond).String(),
		})
	}
	r.Table([]string{"Command", "Status", "Duration"}, rows)
}
