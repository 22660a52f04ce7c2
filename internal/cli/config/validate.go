package config

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// OutputModes lists the accepted values of the output setting.
var OutputModes = []string{"auto", "text", "json"}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if c.Jobs < 0 {
		errs = append(errs, fmt.Errorf("jobs must not be negative, got %d", c.Jobs))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"silent_timeout", c.SilentTimeout},
		{"exit_timeout", c.ExitTimeout},
		{"sigterm_timeout", c.SIGTERMTimeout},
		{"sigkill_timeout", c.SIGKILLTimeout},
		{"print_interval", c.PrintInterval},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.key, d.val))
		}
	}
	if !slices.Contains(OutputModes, c.OutputFormat) {
		errs = append(errs, fmt.Errorf("unknown output format %q (want one of %v)", c.OutputFormat, OutputModes))
	}
	return errors.Join(errs...)
}
