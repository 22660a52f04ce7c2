package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir switches to dir for the test and returns the working directory as
// the process sees it.
func chdir(t *testing.T, dir string) string {
	t.Helper()
	t.Chdir(dir)
	wd, err := os.Getwd()
	require.NoError(t, err)
	return wd
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "infratool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	ResetConfig()
	wd := chdir(t, t.TempDir())

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultJobs(), cfg.Jobs)
	assert.Equal(t, DefaultSilentTimeout, cfg.SilentTimeout)
	assert.Equal(t, DefaultExitTimeout, cfg.ExitTimeout)
	assert.Equal(t, DefaultSIGTERM, cfg.SIGTERMTimeout)
	assert.Equal(t, DefaultSIGKILL, cfg.SIGKILLTimeout)
	assert.Equal(t, DefaultPrintInterval, cfg.PrintInterval)
	assert.Equal(t, "auto", cfg.OutputFormat)
	assert.False(t, cfg.Verbose)
	assert.Equal(t, wd, cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(wd, DefaultStateFile), cfg.StatePath)
	assert.Equal(t, filepath.Join(wd, DefaultPylDir), cfg.Buildbot.PylDir)
	assert.Equal(t, filepath.Join(wd, DefaultPipelineFile), cfg.Pipeline.File)
	assert.Empty(t, GetConfigFileUsed())
	assert.Same(t, cfg, GetCurrentConfig())
}

func TestLoadConfig_UpwardSearch(t *testing.T) {
	ResetConfig()
	root := t.TempDir()
	writeConfig(t, root, `jobs: 3
silent_timeout: 90s
output: json
buildbot:
  pyl_dir: pyl
pipeline:
  file: ci/pipeline.yaml
`)
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	chdir(t, nested)

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	rootDir := filepath.Dir(GetConfigFileUsed())
	assert.Equal(t, "infratool.yaml", filepath.Base(GetConfigFileUsed()))
	assert.Equal(t, rootDir, cfg.ProjectRoot)
	assert.Equal(t, 3, cfg.Jobs)
	assert.Equal(t, 90*time.Second, cfg.SilentTimeout)
	assert.Equal(t, "json", cfg.OutputFormat)
	assert.Equal(t, filepath.Join(rootDir, "pyl"), cfg.Buildbot.PylDir)
	assert.Equal(t, filepath.Join(rootDir, DefaultPylDir), cfg.Buildbot.OutputDir)
	assert.Equal(t, filepath.Join(rootDir, "ci", "pipeline.yaml"), cfg.Pipeline.File)
}

func TestLoadConfig_ExplicitFile(t *testing.T) {
	ResetConfig()
	dir := t.TempDir()
	path := writeConfig(t, dir, "state_path: /var/lib/infratool/state.db\n")
	chdir(t, t.TempDir())

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, GetConfigFileUsed())
	assert.Equal(t, dir, cfg.ProjectRoot)
	assert.Equal(t, "/var/lib/infratool/state.db", cfg.StatePath)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestLoadConfig_EnvPrecedenceOverFile(t *testing.T) {
	ResetConfig()
	dir := t.TempDir()
	writeConfig(t, dir, "jobs: 3\nbuildbot:\n  output_dir: from_file\n")
	chdir(t, dir)

	t.Setenv("INFRATOOL_JOBS", "5")
	t.Setenv("INFRATOOL_SILENT_TIMEOUT", "2m")
	t.Setenv("INFRATOOL_BUILDBOT_OUTPUT_DIR", "from_env")

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Jobs, "env var should override config file")
	assert.Equal(t, 2*time.Minute, cfg.SilentTimeout)
	assert.Equal(t, "from_env", filepath.Base(cfg.Buildbot.OutputDir))
}

func TestLoadConfig_FlagPrecedence(t *testing.T) {
	ResetConfig()
	dir := t.TempDir()
	writeConfig(t, dir, "jobs: 3\nstate_path: from_file.db\n")
	wd := chdir(t, dir)
	t.Setenv("INFRATOOL_JOBS", "5")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("jobs", 0, "")
	flags.String("state", "", "")
	flags.Duration("sigkill-timeout", 0, "")
	flags.Bool("halt-on-error", false, "")
	require.NoError(t, flags.Set("jobs", "7"))
	require.NoError(t, flags.Set("state", "from_flag.db"))
	require.NoError(t, flags.Set("sigkill-timeout", "5s"))
	require.NoError(t, flags.Set("halt-on-error", "true"))

	cfg, err := LoadConfig("", flags)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Jobs, "flag value should override config file and env var")
	assert.Equal(t, filepath.Join(wd, "from_flag.db"), cfg.StatePath)
	assert.Equal(t, 5*time.Second, cfg.SIGKILLTimeout)
	assert.False(t, k.Exists("halt_on_error"), "non-config flags are not loaded")
}

func TestLoadConfig_FlagNotSetUsesEnv(t *testing.T) {
	ResetConfig()
	chdir(t, t.TempDir())
	t.Setenv("INFRATOOL_JOBS", "5")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("jobs", 1, "")

	cfg, err := LoadConfig("", flags)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Jobs, "env var should be used when flag is not set")
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		errSubstr string
	}{
		{"unknown output", "output: xml\n", `unknown output format "xml"`},
		{"zero timeout", "silent_timeout: 0s\n", "silent_timeout must be positive"},
		{"negative jobs", "jobs: -1\n", "jobs must not be negative"},
		{"bad duration", "exit_timeout: soon\n", "unable to decode config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ResetConfig()
			dir := t.TempDir()
			chdir(t, dir)
			writeConfig(t, dir, tt.content)

			_, err := LoadConfig("", nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
			assert.Nil(t, GetCurrentConfig())
		})
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"INFRATOOL_JOBS":                "jobs",
		"INFRATOOL_SIGTERM_TIMEOUT":     "sigterm_timeout",
		"INFRATOOL_BUILDBOT_PYL_DIR":    "buildbot.pyl_dir",
		"INFRATOOL_BUILDBOT_OUTPUT_DIR": "buildbot.output_dir",
		"INFRATOOL_PIPELINE_FILE":       "pipeline.file",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		assert.NoError(t, Defaults().Validate())
	})

	t.Run("joins every problem", func(t *testing.T) {
		cfg := Defaults()
		cfg.PrintInterval = 0
		cfg.ExitTimeout = -time.Second
		cfg.OutputFormat = "markdown"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "print_interval must be positive")
		assert.Contains(t, err.Error(), "exit_timeout must be positive")
		assert.Contains(t, err.Error(), `unknown output format "markdown"`)
	})
}

func TestLogger(t *testing.T) {
	assert.NotNil(t, GetLogger(context.Background()))

	var buf bytes.Buffer
	quiet := NewLogger(&buf, false)
	quiet.Info("hidden")
	quiet.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	verbose := NewLogger(&buf, true)
	ctx := WithLogger(context.Background(), verbose)
	GetLogger(ctx).Debug("details", "key", "value")
	assert.Contains(t, buf.String(), "key=value")
}
