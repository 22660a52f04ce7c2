// Package config loads infratool settings.
//
// Settings come from built-in defaults, an infratool.yaml file found in the
// working directory or one of its parents, INFRATOOL_ environment variables
// and explicitly set command-line flags, in increasing order of precedence.
package config

import (
	"runtime"
	"time"
)

// Config holds all CLI configuration options.
type Config struct {
	Jobs           int            `koanf:"jobs"`
	SilentTimeout  time.Duration  `koanf:"silent_timeout"`
	ExitTimeout    time.Duration  `koanf:"exit_timeout"`
	SIGTERMTimeout time.Duration  `koanf:"sigterm_timeout"`
	SIGKILLTimeout time.Duration  `koanf:"sigkill_timeout"`
	PrintInterval  time.Duration  `koanf:"print_interval"`
	StatePath      string         `koanf:"state_path"`
	Verbose        bool           `koanf:"verbose"`
	OutputFormat   string         `koanf:"output"`
	Buildbot       BuildbotConfig `koanf:"buildbot"`
	Pipeline       PipelineConfig `koanf:"pipeline"`

	// ProjectRoot is the directory relative paths resolve against: the
	// directory of the config file, or the working directory without one.
	ProjectRoot string `koanf:"-"`
}

// BuildbotConfig locates the waterfall inputs and generated files.
type BuildbotConfig struct {
	PylDir    string `koanf:"pyl_dir"`
	OutputDir string `koanf:"output_dir"`
}

// PipelineConfig names the default pipeline file.
type PipelineConfig struct {
	File string `koanf:"file"`
}

// Default configuration values.
const (
	DefaultStateFile     = ".infratool/state.db"
	DefaultOutput        = "auto" // TTY=text, otherwise JSON
	DefaultPylDir        = "testing/buildbot"
	DefaultPipelineFile  = "pipeline.yaml"
	DefaultSilentTimeout = 145 * time.Minute
	DefaultExitTimeout   = 10 * time.Minute
	DefaultSIGTERM       = 30 * time.Second
	DefaultSIGKILL       = 60 * time.Second
	DefaultPrintInterval = time.Second
)

// DefaultJobs is the default concurrency bound.
func DefaultJobs() int {
	return runtime.NumCPU()
}

// Defaults returns a Config holding only default values.
func Defaults() *Config {
	return &Config{
		Jobs:           DefaultJobs(),
		SilentTimeout:  DefaultSilentTimeout,
		ExitTimeout:    DefaultExitTimeout,
		SIGTERMTimeout: DefaultSIGTERM,
		SIGKILLTimeout: DefaultSIGKILL,
		PrintInterval:  DefaultPrintInterval,
		StatePath:      DefaultStateFile,
		OutputFormat:   DefaultOutput,
		Buildbot:       BuildbotConfig{PylDir: DefaultPylDir, OutputDir: DefaultPylDir},
		Pipeline:       PipelineConfig{File: DefaultPipelineFile},
	}
}
