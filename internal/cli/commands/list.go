package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kiwibrowser/infratool/internal/cli/output"
	"github.com/kiwibrowser/infratool/internal/pipeline"
)

// NewListCommand creates the pipeline list command.
func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [file]",
		Short: "List tasks and whether they are up to date",
		Long: `List the tasks of a pipeline in execution order with their
dependencies, and say why each stale task would run.`,
		Example: `  # List the tasks of ./pipeline.yaml
  infratool pipeline list

  # List tasks as JSON
  infratool pipeline list --output json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, args)
		},
	}

	return cmd
}

func runList(cmd *cobra.Command, args []string) error {
	cc := NewCommandContext(cmd)
	p, err := loadPipeline(cc, args)
	if err != nil {
		return err
	}
	plan, err := p.Plan(pipeline.PlanOptions{})
	if err != nil {
		return err
	}

	if cc.Renderer.IsJSON() {
		return listJSON(cc.Renderer, p, plan)
	}
	listText(cc.Renderer, p, plan)
	return nil
}

// TaskInfo is the JSON form of one listed task.
type TaskInfo struct {
	Name     string   `json:"name"`
	Command  string   `json:"command"`
	Deps     []string `json:"deps,omitempty"`
	Outputs  []string `json:"outputs,omitempty"`
	UpToDate bool     `json:"up_to_date"`
	Reason   string   `json:"reason,omitempty"`
}

func listJSON(r *output.Renderer, p *pipeline.Pipeline, plan *pipeline.Plan) error {
	for _, name := range plan.Order {
		t, _ := p.Task(name)
		if err := r.JSON(TaskInfo{
			Name:     name,
			Command:  t.CommandLine(),
			Deps:     t.Deps,
			Outputs:  t.Outputs,
			UpToDate: plan.UpToDate[name],
			Reason:   plan.Reasons[name],
		}); err != nil {
			return err
		}
	}
	return nil
}

// listText outputs tasks in styled text format.
func listText(r *output.Renderer, p *pipeline.Pipeline, plan *pipeline.Plan) {
	styles := r.Styles()

	r.Header(fmt.Sprintf("Tasks (%d total, %d stale)", len(plan.Order), len(plan.Stale())))
	for i, name := range plan.Order {
		t, _ := p.Task(name)
		state := styles.Success.Render("up to date")
		if !plan.UpToDate[name] {
			state = styles.Warning.Render("stale") + styles.Muted.Render(" ("+plan.Reasons[name]+")")
		}
		r.Printf("%3d. %s  %s\n", i+1, styles.Bold.Render(name), state)
		r.Printf("     %s\n", styles.Muted.Render(t.CommandLine()))
		if len(t.Deps) > 0 {
			r.Printf("     %s %s\n", styles.Muted.Render("depends on:"), strings.Join(t.Deps, ", "))
		}
	}
}
