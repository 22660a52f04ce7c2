package commands

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kiwibrowser/infratool/internal/pipeline"
)

// NewPipelineCommand creates the pipeline command group.
func NewPipelineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run task pipelines",
		Long: `Work with pipelines: YAML files of shell tasks with dependencies.

Each task names a command and optionally the tasks it depends on, the files
it reads and the files it writes:

  tasks:
    - name: record
      command: tools/record.sh --out out/record.wpr
      inputs: [record.cfg]
      outputs: [out/record.wpr]
    - name: benchmark
      command: ["tools/bench", "--replay", "out/record.wpr"]
      deps: [record]
      env: {BENCH_MODE: fast}

Without a file argument the pipeline.file setting is used.`,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewDAGCommand())
	cmd.AddCommand(NewListCommand())

	return cmd
}

func loadPipeline(cc *CommandContext, args []string) (*pipeline.Pipeline, error) {
	path := cc.Cfg.Pipeline.File
	if len(args) > 0 {
		path = args[0]
	}
	p, err := pipeline.Load(path)
	if err != nil {
		return nil, err
	}
	cc.Logger.Debug("loaded pipeline", "path", filepath.Clean(p.Path), "tasks", len(p.Tasks))
	return p, nil
}
