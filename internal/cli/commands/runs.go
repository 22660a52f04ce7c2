package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiwibrowser/infratool/internal/cli/output"
	"github.com/kiwibrowser/infratool/internal/state"
)

// NewRunsCommand creates the runs command.
func NewRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Long: `List the parallel and pipeline runs recorded in the state database,
most recent first.`,
		Example: `  # Show the last 20 runs
  infratool runs

  # Show the tasks of one run
  infratool runs show 3f1c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRuns(cmd, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum number of runs to show")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show the tasks of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShowRun(cmd, args[0])
		},
	})

	return cmd
}

func runRuns(cmd *cobra.Command, limit int) error {
	cc := NewCommandContext(cmd)
	store, err := cc.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.ListRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}

	r := cc.Renderer
	if r.IsJSON() {
		for _, run := range runs {
			_ = r.JSON(runInfo(run, nil))
		}
		return nil
	}
	if len(runs) == 0 {
		r.Muted("No runs recorded")
		return nil
	}
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.ID,
			run.Kind,
			r.Status(string(run.Status)),
			run.StartedAt.Local().Format(time.DateTime),
			runDuration(run),
		})
	}
	r.Table([]string{"ID", "Kind", "Status", "Started", "Duration"}, rows)
	return nil
}

func runShowRun(cmd *cobra.Command, id string) error {
	cc := NewCommandContext(cmd)
	store, err := cc.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()
	run, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	tasks, err := store.ListTasks(ctx, id)
	if err != nil {
		return err
	}

	r := cc.Renderer
	if r.IsJSON() {
		return r.JSON(runInfo(run, tasks))
	}

	r.Header(fmt.Sprintf("Run %s", run.ID))
	r.Printf("Kind:     %s\n", run.Kind)
	r.Printf("Status:   %s\n", r.Status(string(run.Status)))
	r.Printf("Started:  %s\n", run.StartedAt.Local().Format(time.DateTime))
	r.Printf("Duration: %s\n", runDuration(run))
	if run.Error != "" {
		r.Printf("Error:    %s\n", run.Error)
	}
	r.Println("")

	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			t.Name,
			r.Status(string(t.Status)),
			(time.Duration(t.DurationMS) * time.Millisecond).String(),
			t.Error,
		})
	}
	r.Table([]string{"Task", "Status", "Duration", "Error"}, rows)
	return nil
}

func runDuration(run *state.Run) string {
	if run.CompletedAt == nil {
		return "-"
	}
	return run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}

func runInfo(run *state.Run, tasks []*state.TaskResult) output.RunInfo {
	info := output.RunInfo{
		ID:        run.ID,
		Kind:      run.Kind,
		Status:    string(run.Status),
		StartedAt: run.StartedAt.UTC().Format(time.RFC3339),
		Error:     run.Error,
	}
	if run.CompletedAt != nil {
		info.CompletedAt = run.CompletedAt.UTC().Format(time.RFC3339)
	}
	for _, t := range tasks {
		info.Tasks = append(info.Tasks, output.TaskEvent{
			Name:     t.Name,
			Command:  t.Command,
			Status:   string(t.Status),
			Duration: (time.Duration(t.DurationMS) * time.Millisecond).String(),
			Error:    t.Error,
		})
	}
	return info
}
