package parallel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"
)

// CommandOption configures a CommandStep.
type CommandOption func(*exec.Cmd)

// WithDir sets the working directory of the command.
func WithDir(dir string) CommandOption {
	return func(c *exec.Cmd) {
		c.Dir = dir
	}
}

// WithEnv appends KEY=value pairs to the inherited environment.
func WithEnv(env ...string) CommandOption {
	return func(c *exec.Cmd) {
		if c.Env == nil {
			c.Env = os.Environ()
		}
		c.Env = append(c.Env, env...)
	}
}

// killRung is one signal of the termination ladder and how long to wait for
// the process to exit after sending it. A zero wait means wait forever.
type killRung struct {
	sig  os.Signal
	wait time.Duration
}

// CommandStep returns a Step that runs argv in its own process group with
// stdout and stderr going to the step output. When the step is cancelled the
// whole group is terminated by escalating signals.
func CommandStep(argv []string, opts ...CommandOption) Step {
	return func(ctx context.Context, out io.Writer) error {
		if len(argv) == 0 {
			return errors.New("empty command")
		}
		display := shellquote.Join(argv...)

		cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // running user-supplied commands is the point
		cmd.Stdout = out
		cmd.Stderr = out
		for _, o := range opts {
			o(cmd)
		}
		setProcessGroup(cmd)

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start %s: %w", display, err)
		}

		exited := make(chan error, 1)
		go func() {
			exited <- cmd.Wait()
		}()

		select {
		case err := <-exited:
			return commandError(display, err)
		case <-ctx.Done():
		}

		sigterm, sigkill := SIGTERMTimeout, SIGKILLTimeout
		logger := slog.New(slog.DiscardHandler)
		if info, ok := stepInfoFromContext(ctx); ok {
			sigterm, sigkill = info.sigtermTimeout, info.sigkillTimeout
			logger = info.logger
		}
		_ = terminate(cmd.Process, exited, killLadder(sigterm, sigkill), logger)
		return fmt.Errorf("%s: %w", display, context.Cause(ctx))
	}
}

// terminate walks the ladder until the process exits.
func terminate(p *os.Process, exited <-chan error, ladder []killRung, logger *slog.Logger) error {
	for _, rung := range ladder {
		logger.Info("signalling process group", "pid", p.Pid, "signal", rung.sig.String())
		if err := signalGroup(p, rung.sig); err != nil {
			logger.Debug("signal failed", "pid", p.Pid, "error", err)
		}
		if rung.wait <= 0 {
			return <-exited
		}
		select {
		case err := <-exited:
			return err
		case <-time.After(rung.wait):
		}
	}
	return <-exited
}

func commandError(display string, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Command: display, Code: exitErr.ExitCode()}
	}
	return fmt.Errorf("%s: %w", display, err)
}
