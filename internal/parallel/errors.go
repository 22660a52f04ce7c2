package parallel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSilentTimeout is reported for a step that stopped producing output.
	ErrSilentTimeout = errors.New("no output within silent timeout")
	// ErrExitTimeout is reported for a step that did not return after being cancelled.
	ErrExitTimeout = errors.New("step did not exit after cancellation")
	// ErrUnexpectedExit is reported for a step that panicked.
	ErrUnexpectedExit = errors.New("step exited unexpectedly")
)

// StepError ties a failure to the step that produced it.
type StepError struct {
	Name string
	Err  error
}

func (e *StepError) Error() string {
	return e.Name + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// BackgroundFailure collects every failed step of a run, in step order.
type BackgroundFailure struct {
	Failures []*StepError
}

func (e *BackgroundFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d step(s) failed:", len(e.Failures))
	for _, f := range e.Failures {
		b.WriteString("\n  ")
		b.WriteString(f.Error())
	}
	return b.String()
}

func (e *BackgroundFailure) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Names returns the names of the failed steps.
func (e *BackgroundFailure) Names() []string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Name
	}
	return names
}

// ExitError is returned by a CommandStep whose process exited with a non-zero status.
type ExitError struct {
	Command string
	Code    int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %s exited with status %d", e.Command, e.Code)
}

// failureFromResults builds a BackgroundFailure from results, or nil if all succeeded.
func failureFromResults(results []Result) error {
	var failures []*StepError
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, &StepError{Name: r.Name, Err: r.Err})
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &BackgroundFailure{Failures: failures}
}
