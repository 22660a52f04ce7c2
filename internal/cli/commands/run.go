package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiwibrowser/infratool/internal/cli/output"
	"github.com/kiwibrowser/infratool/internal/pipeline"
	"github.com/kiwibrowser/infratool/internal/state"
)

// RunOptions holds options for the pipeline run command.
type RunOptions struct {
	Select     []string
	Downstream bool
	Force      bool
	KeepGoing  bool
	DryRun     bool
	NoRecord   bool
}

// NewRunCommand creates the pipeline run command.
func NewRunCommand() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run the stale tasks of a pipeline",
		Long: `Execute pipeline tasks in dependency order.

A task is skipped when it declares outputs, all of them exist, and they are
newer than its inputs and its dependencies' outputs. Use --select to run
specific tasks with their dependencies, and --downstream to also run the
tasks that depend on them.`,
		Example: `  # Run every stale task of ./pipeline.yaml
  infratool pipeline run

  # Run one task and everything it depends on
  infratool pipeline run --select patch-cache

  # Rebuild a task and its dependents, even if up to date
  infratool pipeline run --select record --downstream --force

  # Show what would run
  infratool pipeline run --dry-run`,
		Aliases: []string{"build"},
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, args, opts)
		},
	}

	addPoolFlags(cmd)
	cmd.Flags().StringSliceVarP(&opts.Select, "select", "s", nil, "Comma-separated list of tasks to run")
	cmd.Flags().BoolVar(&opts.Downstream, "downstream", false, "Include downstream dependents when using --select")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Run tasks even if their outputs are up to date")
	cmd.Flags().BoolVarP(&opts.KeepGoing, "keep-going", "k", false, "Keep starting independent tasks after a failure")
	cmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "n", false, "Print the commands of stale tasks without running them")
	cmd.Flags().BoolVar(&opts.NoRecord, "no-record", false, "Do not record the run in the state database")

	return cmd
}

func runPipeline(cmd *cobra.Command, args []string, opts *RunOptions) error {
	cc := NewCommandContext(cmd)
	ctx := cmd.Context()

	p, err := loadPipeline(cc, args)
	if err != nil {
		return err
	}
	plan, err := p.Plan(pipeline.PlanOptions{
		Select:     splitList(opts.Select),
		Downstream: opts.Downstream,
		Force:      opts.Force,
	})
	if err != nil {
		return err
	}

	runOpts := pipeline.RunOptions{
		Jobs:      cc.Cfg.Jobs,
		KeepGoing: opts.KeepGoing,
		DryRun:    opts.DryRun,
		Pool:      cc.PoolOptions(cc.StepOutput(cmd)),
		Logger:    cc.Logger,
	}
	if !opts.NoRecord && !opts.DryRun {
		store, err := cc.OpenStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		runOpts.Store = store
	}

	start := time.Now()
	report, runErr := pipeline.Run(ctx, plan, runOpts)
	if report == nil {
		return runErr
	}
	renderReport(cc.Renderer, plan, report, time.Since(start))
	return runErr
}

func renderReport(r *output.Renderer, plan *pipeline.Plan, report *pipeline.Report, elapsed time.Duration) {
	counts := report.Counts()

	if r.IsJSON() {
		for _, t := range report.Tasks {
			e := output.TaskEvent{
				Name:    t.Name,
				Command: t.Command,
				Status:  string(t.Status),
				Reason:  plan.Reasons[t.Name],
			}
			if t.Duration > 0 {
				e.Duration = t.Duration.Round(time.Millisecond).String()
			}
			if t.Err != nil {
				e.Error = t.Err.Error()
			}
			_ = r.JSON(e)
		}
		summary := output.RunSummary{RunID: report.RunID, Counts: map[string]int{}, Failed: report.Failed()}
		for status, n := range counts {
			summary.Counts[string(status)] = n
		}
		_ = r.JSON(summary)
		return
	}

	r.Println("")
	r.Header("Summary")
	for _, t := range report.Tasks {
		line := fmt.Sprintf("  %-12s %s", r.Status(string(t.Status)), t.Name)
		if t.Duration > 0 {
			line += " " + r.Styles().Muted.Render("("+t.Duration.Round(time.Millisecond).String()+")")
		}
		r.Println(line)
	}
	r.Println("")

	stats := fmt.Sprintf("%d succeeded, %d up to date, %d failed, %d skipped",
		counts[state.TaskStatusSucceeded], counts[state.TaskStatusUpToDate],
		counts[state.TaskStatusFailed], counts[state.TaskStatusSkipped])
	if n := counts[pipeline.StatusPending]; n > 0 {
		stats = fmt.Sprintf("%d would run, %d up to date", n, counts[state.TaskStatusUpToDate])
	}
	if report.RunID != "" {
		stats += ", run " + report.RunID
	}
	if len(report.Failed()) > 0 {
		r.Error(stats)
	} else {
		r.Success(stats)
	}
	r.Muted(fmt.Sprintf("Completed in %s", elapsed.Round(time.Millisecond)))
}
