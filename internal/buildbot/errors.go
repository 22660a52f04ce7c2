package buildbot

import (
	"errors"
	"fmt"
	"strings"
)

// GenError reports a problem in the input files.
type GenError struct {
	Msg string
}

func (e *GenError) Error() string {
	return e.Msg
}

func genErrorf(format string, args ...any) error {
	return &GenError{Msg: fmt.Sprintf(format, args...)}
}

// ErrOutdated matches errors returned by CheckOutputFiles when a generated
// file differs from what the inputs produce.
var ErrOutdated = errors.New("generated files are out of date")

// OutdatedError lists the waterfalls whose JSON files need regenerating.
type OutdatedError struct {
	Waterfalls []string
}

func (e *OutdatedError) Error() string {
	return fmt.Sprintf("The following waterfalls have not been properly autogenerated: %s",
		strings.Join(e.Waterfalls, ", "))
}

func (e *OutdatedError) Is(target error) bool {
	return target == ErrOutdated
}

func unknownTestSuite(suite, tester, waterfall string) error {
	return genErrorf("Test suite %s from machine %s on waterfall %s not present in test_suites.pyl",
		suite, tester, waterfall)
}

func unknownTestSuiteType(kind, tester, waterfall string) error {
	return genErrorf("Unknown test suite type %s in bot %s on waterfall %s", kind, tester, waterfall)
}
