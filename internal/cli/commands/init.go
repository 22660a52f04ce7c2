package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kiwibrowser/infratool/internal/cli/output"
)

// NewInitCommand creates the init command.
func NewInitCommand() *cobra.Command {
	var force bool
	var example bool

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Initialize an infratool workspace",
		Long: `Initialize a workspace with a configuration file and a pipeline.

This creates:
  - infratool.yaml configuration file
  - pipeline.yaml with a single task
  - .gitignore for the state database and task outputs

Use --example to create a working demo with a multi-task pipeline and
buildbot .pyl files for one waterfall.`,
		Example: `  # Initialize in current directory
  infratool init

  # Initialize with a full working example
  infratool init --example

  # Initialize in a new directory
  infratool init ci --example

  # Force overwrite existing files
  infratool init --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}

			cfg := getConfig()
			r := output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.OutputFormat))

			template := "minimal"
			if example {
				template = "example"
			}
			return runInit(r, dir, template, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing files")
	cmd.Flags().BoolVar(&example, "example", false, "Create an example pipeline and buildbot inputs")

	return cmd
}

func runInit(r *output.Renderer, dir, template string, force bool) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	if _, err := os.Stat(filepath.Join(dir, "infratool.yaml")); err == nil && !force {
		return errors.New("infratool.yaml already exists. Use --force to overwrite")
	}

	files, err := copyTemplate(template, dir, force)
	if err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}

	if r.IsJSON() {
		return r.JSON(output.GenerateResult{Written: files})
	}

	groups := groupTemplateFiles(files)
	for _, group := range []string{"config", "buildbot", "scripts"} {
		if len(groups[group]) == 0 {
			continue
		}
		r.Println(r.Styles().Bold.Render(group))
		for _, f := range groups[group] {
			r.Printf("  %s %s\n", r.Styles().Success.Render("✓"), f)
		}
	}

	r.Println("")
	r.Success("infratool workspace initialized!")
	r.Println("")
	r.Println("Next steps:")
	r.Println("  infratool pipeline dag     Show the task graph")
	r.Println("  infratool pipeline run     Run the stale tasks")
	if template == "example" {
		r.Println("  infratool buildbot generate  Write the waterfall JSON")
	}
	r.Println("  infratool doctor           Check the workspace")

	return nil
}
