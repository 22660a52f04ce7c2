package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kiwibrowser/infratool/internal/cli/config"
	"github.com/kiwibrowser/infratool/internal/cli/output"
	"github.com/kiwibrowser/infratool/internal/parallel"
	"github.com/kiwibrowser/infratool/internal/state"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Renderer *output.Renderer
}

// NewCommandContext builds a CommandContext from the loaded configuration.
func NewCommandContext(cmd *cobra.Command) *CommandContext {
	cfg := getConfig()
	return &CommandContext{
		Cfg:      cfg,
		Logger:   config.GetLogger(cmd.Context()),
		Renderer: output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.OutputFormat)),
	}
}

// getConfig returns the current configuration, or defaults when none was
// loaded.
func getConfig() *config.Config {
	if cfg := config.GetCurrentConfig(); cfg != nil {
		return cfg
	}
	return config.Defaults()
}

// OpenStore opens the state database, creating its directory.
func (c *CommandContext) OpenStore() (*state.SQLiteStore, error) {
	if dir := filepath.Dir(c.Cfg.StatePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return state.Open(c.Cfg.StatePath, c.Logger)
}

// PoolOptions returns runner options from the configured timeouts.
func (c *CommandContext) PoolOptions(out io.Writer) parallel.Options {
	return parallel.Options{
		MaxParallel:    c.Cfg.Jobs,
		SilentTimeout:  c.Cfg.SilentTimeout,
		ExitTimeout:    c.Cfg.ExitTimeout,
		SIGTERMTimeout: c.Cfg.SIGTERMTimeout,
		SIGKILLTimeout: c.Cfg.SIGKILLTimeout,
		PrintInterval:  c.Cfg.PrintInterval,
		Output:         out,
		Logger:         c.Logger,
	}
}

// StepOutput is where task output goes: stdout, or stderr when stdout
// carries JSON results.
func (c *CommandContext) StepOutput(cmd *cobra.Command) io.Writer {
	if c.Renderer.IsJSON() {
		return cmd.ErrOrStderr()
	}
	return cmd.OutOrStdout()
}

// splitList splits comma-separated flag values, dropping blanks.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// addPoolFlags registers the runner timeout flags. Their values reach the
// command through the configuration.
func addPoolFlags(cmd *cobra.Command) {
	d := config.Defaults()
	cmd.Flags().IntP("jobs", "j", d.Jobs, "Maximum number of tasks to run at once")
	cmd.Flags().Duration("silent-timeout", d.SilentTimeout, "Kill a task that produces no output for this long")
	cmd.Flags().Duration("exit-timeout", d.ExitTimeout, "Time a cancelled task has to exit")
	cmd.Flags().Duration("sigterm-timeout", d.SIGTERMTimeout, "Wait after SIGXCPU before SIGTERM")
	cmd.Flags().Duration("sigkill-timeout", d.SIGKILLTimeout, "Wait after SIGTERM before SIGKILL")
	cmd.Flags().Duration("print-interval", d.PrintInterval, "How often task output is flushed")
}
