package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kiwibrowser/infratool/internal/cli/output"
	"github.com/kiwibrowser/infratool/internal/dag"
	"github.com/kiwibrowser/infratool/internal/pipeline"
)

// NewDAGCommand creates the pipeline dag command.
func NewDAGCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dag [file]",
		Short: "Show the task dependency graph",
		Long: `Display the dependency graph of a pipeline.

Tasks are grouped by execution level: every task in a level depends only on
tasks in earlier levels, so tasks in the same level can run in parallel.`,
		Example: `  # Show the DAG of ./pipeline.yaml
  infratool pipeline dag

  # Output as JSON
  infratool pipeline dag ci/pipeline.yaml --output json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDAG(cmd, args)
		},
	}

	return cmd
}

func runDAG(cmd *cobra.Command, args []string) error {
	cc := NewCommandContext(cmd)
	p, err := loadPipeline(cc, args)
	if err != nil {
		return err
	}

	graph := p.Graph()
	levels, err := graph.Levels()
	if err != nil {
		return fmt.Errorf("failed to get execution levels: %w", err)
	}

	if cc.Renderer.IsJSON() {
		return dagJSON(cc.Renderer, graph, levels)
	}
	dagText(cc.Renderer, graph, levels)
	return nil
}

// dagText outputs DAG in styled text format.
func dagText(r *output.Renderer, graph *dag.Graph[*pipeline.Task], levels [][]string) {
	styles := r.Styles()

	r.Header("Dependency Graph")
	for i, level := range levels {
		r.Println(styles.Bold.Render(fmt.Sprintf("Level %d:", i)))
		for _, name := range level {
			r.Printf("  %s\n", name)
			if deps := graph.Parents(name); len(deps) > 0 {
				r.Printf("    %s %s\n", styles.Muted.Render("depends on:"), strings.Join(deps, ", "))
			}
			if children := graph.Children(name); len(children) > 0 {
				r.Printf("    %s %s\n", styles.Muted.Render("used by:"), strings.Join(children, ", "))
			}
		}
		r.Println("")
	}
	r.Muted(fmt.Sprintf("Total: %d tasks, %d dependencies", graph.Len(), graph.EdgeCount()))
}

// dagJSON outputs DAG in JSON format.
func dagJSON(r *output.Renderer, graph *dag.Graph[*pipeline.Task], levels [][]string) error {
	out := output.DAGOutput{
		Levels:     make([]output.DAGLevel, 0, len(levels)),
		TotalTasks: graph.Len(),
		TotalEdges: graph.EdgeCount(),
	}
	for i, level := range levels {
		l := output.DAGLevel{Level: i, Tasks: make([]output.DAGNode, 0, len(level))}
		for _, name := range level {
			l.Tasks = append(l.Tasks, output.DAGNode{
				Name:      name,
				DependsOn: graph.Parents(name),
				UsedBy:    graph.Children(name),
			})
		}
		out.Levels = append(out.Levels, l)
	}
	return r.JSON(out)
}
