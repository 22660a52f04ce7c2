// Package testutil provides test utilities for CLI testing.
package testutil

import (
	"bytes"
	"os"
	"regexp"
	"testing"

	"github.com/kiwibrowser/infratool/internal/cli/output"
	"github.com/kiwibrowser/infratool/internal/testutil"
)

const projectConfig = `jobs: 2
print_interval: 10ms
state_path: .infratool/state.db
buildbot:
  pyl_dir: buildbot
  output_dir: buildbot
`

const projectPipeline = `tasks:
  - name: fetch
    command: sh -c "echo fetched > out/fetch.txt"
    inputs: [fetch.cfg]
    outputs: [out/fetch.txt]
  - name: build
    command: ["sh", "-c", "cat out/fetch.txt > out/build.txt"]
    deps: [fetch]
    outputs: [out/build.txt]
  - name: test
    command: "true"
    deps: [build]
`

const projectWaterfalls = `[
  {
    'name': 'tryserver.infra',
    'machines': {
      'linux-rel': {
        'test_suites': {
          'gtest_tests': 'unit_tests',
        },
      },
    },
  },
]
`

const projectTestSuites = `{
  'basic_suites': {
    'unit_tests': {
      'base_unittests': {},
      'net_unittests': {
        'args': ['--verbose'],
      },
    },
  },
}
`

// SetupTestProject creates a temporary project with an infratool.yaml, a
// three-task pipeline and a one-waterfall buildbot configuration.
func SetupTestProject(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	testutil.WriteFiles(t, tmpDir, map[string]string{
		"infratool.yaml":           projectConfig,
		"pipeline.yaml":            projectPipeline,
		"fetch.cfg":                "url: https://example.com\n",
		"out/.keep":                "",
		"buildbot/waterfalls.pyl":  projectWaterfalls,
		"buildbot/test_suites.pyl": projectTestSuites,
	})
	return tmpDir
}

// TestRenderer wraps a Renderer for testing with captured output buffers.
type TestRenderer struct {
	*output.Renderer
	Out    *bytes.Buffer
	ErrOut *bytes.Buffer
}

// NewTestRenderer creates a new test renderer with the specified mode and TTY state.
// Output is captured in buffers for inspection.
func NewTestRenderer(mode output.Mode, isTTY bool) *TestRenderer {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &TestRenderer{
		Renderer: output.NewRendererWithTTY(out, errOut, isTTY, mode),
		Out:      out,
		ErrOut:   errOut,
	}
}

// NewTestRendererText creates a new test renderer in text mode (simulated TTY).
func NewTestRendererText() *TestRenderer {
	return NewTestRenderer(output.ModeText, true)
}

// NewTestRendererJSON creates a new test renderer in JSON mode.
func NewTestRendererJSON() *TestRenderer {
	return NewTestRenderer(output.ModeJSON, false)
}

// Output returns the stdout output as a string.
func (tr *TestRenderer) Output() string {
	return tr.Out.String()
}

// ErrorOutput returns the stderr output as a string.
func (tr *TestRenderer) ErrorOutput() string {
	return tr.ErrOut.String()
}

// ansiPattern matches ANSI escape codes.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// AssertNoANSI checks that a string contains no ANSI escape codes.
func AssertNoANSI(t *testing.T, s string) {
	t.Helper()
	if ansiPattern.MatchString(s) {
		t.Errorf("string contains ANSI escape codes: %q", s)
	}
}

// StripANSI removes ANSI escape codes.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// ChdirProject switches into a fresh test project for the duration of the
// test and returns its path as the process sees it.
func ChdirProject(t *testing.T) string {
	t.Helper()
	t.Chdir(SetupTestProject(t))
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	return wd
}
