package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiwibrowser/infratool/internal/buildbot"
	"github.com/kiwibrowser/infratool/internal/cli/output"
)

// watchDelay is how long pyl files must stay unchanged before regenerating.
const watchDelay = 200 * time.Millisecond

// GenerateOptions holds options for the buildbot generate command.
type GenerateOptions struct {
	Waterfalls []string
	Check      bool
	Watch      bool
}

// NewBuildbotCommand creates the buildbot command group.
func NewBuildbotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buildbot",
		Short: "Generate and validate waterfall JSON",
		Long: `Generate the per-waterfall JSON files that describe which tests every
builder runs, from the .pyl files in --pyl-dir:

  waterfalls.pyl             waterfalls, their machines and test suites
  test_suites.pyl            basic and compound test suites
  test_suite_exceptions.pyl  per-tester removals, modifications, replacements
  mixins.pyl                 reusable fragments merged into tests`,
	}

	cmd.PersistentFlags().String("pyl-dir", "", "Directory holding the .pyl input files")
	cmd.PersistentFlags().String("output-dir", "", "Directory the JSON files are written to")

	cmd.AddCommand(NewGenerateCommand())
	cmd.AddCommand(NewValidateCommand())

	return cmd
}

// NewGenerateCommand creates the buildbot generate command.
func NewGenerateCommand() *cobra.Command {
	opts := &GenerateOptions{}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write waterfall JSON files",
		Example: `  # Regenerate every waterfall
  infratool buildbot generate

  # Fail if any generated file is out of date, showing diffs
  infratool buildbot generate --check -v

  # Regenerate one waterfall whenever a .pyl file changes
  infratool buildbot generate --waterfall chromium.linux --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGenerate(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Waterfalls, "waterfall", "w", nil, "Only generate these waterfalls")
	cmd.Flags().BoolVar(&opts.Check, "check", false, "Compare with the files on disk instead of writing")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "Regenerate whenever a .pyl file changes")
	cmd.MarkFlagsMutuallyExclusive("check", "watch")

	return cmd
}

// NewValidateCommand creates the buildbot validate command.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the .pyl files and the generated JSON",
		Long: `Check that every .pyl file has sorted keys, that every test suite,
exception and mixin is referenced, that exceptions only name existing testers
and tests, and that the JSON files in --output-dir are up to date.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd)
		},
	}
}

func loadGenerator(ctx context.Context, cc *CommandContext) (*buildbot.Generator, error) {
	in, err := buildbot.Load(ctx, cc.Cfg.Buildbot.PylDir)
	if err != nil {
		return nil, err
	}
	return buildbot.NewGenerator(in, cc.Logger), nil
}

// diffWriter returns where outdated-file diffs go, or nil unless verbose.
func diffWriter(cmd *cobra.Command, cc *CommandContext) io.Writer {
	if cc.Cfg.Verbose {
		return cmd.ErrOrStderr()
	}
	return nil
}

func runGenerate(cmd *cobra.Command, opts *GenerateOptions) error {
	cc := NewCommandContext(cmd)
	ctx := cmd.Context()
	filters := splitList(opts.Waterfalls)

	if !opts.Watch {
		return generate(ctx, cmd, cc, filters, opts.Check)
	}

	if err := generate(ctx, cmd, cc, filters, false); err != nil {
		cc.Renderer.Error(err.Error())
	}
	return buildbot.Watch(ctx, cc.Cfg.Buildbot.PylDir, watchDelay, func() {
		if err := generate(ctx, cmd, cc, filters, false); err != nil {
			cc.Renderer.Error(err.Error())
		}
	}, cc.Logger)
}

func generate(ctx context.Context, cmd *cobra.Command, cc *CommandContext, filters []string, check bool) error {
	g, err := loadGenerator(ctx, cc)
	if err != nil {
		return err
	}
	if err := g.Resolve(); err != nil {
		return err
	}

	outDir := cc.Cfg.Buildbot.OutputDir
	if check {
		err := g.CheckOutputFiles(ctx, outDir, filters, diffWriter(cmd, cc))
		renderCheck(cc.Renderer, err)
		return err
	}

	written, err := g.WriteJSONs(ctx, outDir, filters)
	if err != nil {
		return err
	}
	r := cc.Renderer
	if r.IsJSON() {
		return r.JSON(output.GenerateResult{Written: written})
	}
	for _, path := range written {
		r.Printf("wrote %s\n", relPath(cc.Cfg.ProjectRoot, path))
	}
	r.Success(fmt.Sprintf("Generated %d waterfall files", len(written)))
	return nil
}

func runValidate(cmd *cobra.Command) error {
	cc := NewCommandContext(cmd)
	ctx := cmd.Context()

	g, err := loadGenerator(ctx, cc)
	if err != nil {
		return err
	}
	if err := g.CheckConsistency(); err != nil {
		if !cc.Renderer.IsJSON() {
			cc.Renderer.Error("The .pyl files are inconsistent:")
		}
		return err
	}
	err = g.CheckOutputFiles(ctx, cc.Cfg.Buildbot.OutputDir, nil, diffWriter(cmd, cc))
	renderCheck(cc.Renderer, err)
	return err
}

func renderCheck(r *output.Renderer, err error) {
	var outdated *buildbot.OutdatedError
	switch {
	case errors.As(err, &outdated):
		if r.IsJSON() {
			_ = r.JSON(output.GenerateResult{Outdated: outdated.Waterfalls})
			return
		}
		for _, w := range outdated.Waterfalls {
			r.Warning("outdated: " + buildbot.OutputFileName(w))
		}
	case err == nil:
		if r.IsJSON() {
			_ = r.JSON(output.GenerateResult{})
			return
		}
		r.Success("All waterfall files are up to date")
	}
}

func relPath(base, path string) string {
	if rel, err := filepath.Rel(base, path); err == nil {
		return rel
	}
	return path
}
