package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable read as configuration.
const EnvPrefix = "INFRATOOL_"

// loggerKey is used to store logger in context.
type loggerKey struct{}

// maxUpwardSearchLevels limits how far up the directory tree to search for config files.
const maxUpwardSearchLevels = 10

// configNames are the config file names searched for, in order.
var configNames = []string{"infratool.yaml", "infratool.yml"}

// sections are the nested config keys. INFRATOOL_BUILDBOT_PYL_DIR maps to
// buildbot.pyl_dir.
var sections = []string{"buildbot", "pipeline"}

// flagKeys maps command-line flags to config keys. Other flags are not
// configuration.
var flagKeys = map[string]string{
	"jobs":            "jobs",
	"silent-timeout":  "silent_timeout",
	"exit-timeout":    "exit_timeout",
	"sigterm-timeout": "sigterm_timeout",
	"sigkill-timeout": "sigkill_timeout",
	"print-interval":  "print_interval",
	"state":           "state_path",
	"verbose":         "verbose",
	"output":          "output",
	"pyl-dir":         "buildbot.pyl_dir",
	"output-dir":      "buildbot.output_dir",
}

// pathFlags are flags whose values are paths relative to the working directory.
var pathFlags = map[string]bool{"state": true, "pyl-dir": true, "output-dir": true}

// Package-level koanf instance and config file tracking
var (
	k              = koanf.New(".")
	configFileUsed string
	currentConfig  *Config
)

// configIn returns the config file in dir, or "".
func configIn(dir string) string {
	for _, name := range configNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// findConfigUpward searches upward from startDir for a config file.
// Returns empty string if not found within maxUpwardSearchLevels.
func findConfigUpward(startDir string) string {
	dir := startDir
	for range maxUpwardSearchLevels {
		if path := configIn(dir); path != "" {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

func resolvePathRelativeTo(path, baseDir string) string {
	if path == "" || filepath.IsAbs(path) || path == ":memory:" {
		return path
	}
	return filepath.Join(baseDir, path)
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range sections {
		if rest, ok := strings.CutPrefix(key, section+"_"); ok {
			return section + "." + rest
		}
	}
	return key
}

// ResetConfig resets the koanf instance. Used for testing.
func ResetConfig() {
	k = koanf.New(".")
	configFileUsed = ""
	currentConfig = nil
}

// LoadConfig loads configuration from defaults, the config file,
// environment variables and flags. Precedence (highest to lowest):
// flags > env vars > config file > defaults.
//
// Without an explicit cfgFile the working directory and up to nine of its
// parents are searched for infratool.yaml or infratool.yml.
func LoadConfig(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k = koanf.New(".")

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	if cfgFile == "" {
		cfgFile = findConfigUpward(cwd)
	}
	projectRoot := cwd
	if cfgFile != "" {
		abs, err := filepath.Abs(cfgFile)
		if err != nil {
			return nil, err
		}
		cfgFile = abs
		projectRoot = filepath.Dir(abs)
	}

	// 1. Defaults
	d := Defaults()
	if err := k.Load(confmap.Provider(map[string]any{
		"jobs":                d.Jobs,
		"silent_timeout":      d.SilentTimeout,
		"exit_timeout":        d.ExitTimeout,
		"sigterm_timeout":     d.SIGTERMTimeout,
		"sigkill_timeout":     d.SIGKILLTimeout,
		"print_interval":      d.PrintInterval,
		"state_path":          d.StatePath,
		"verbose":             false,
		"output":              d.OutputFormat,
		"buildbot.pyl_dir":    d.Buildbot.PylDir,
		"buildbot.output_dir": d.Buildbot.OutputDir,
		"pipeline.file":       d.Pipeline.File,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	configFileUsed = cfgFile
	if configFileUsed != "" {
		if err := k.Load(file.Provider(configFileUsed), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFileUsed, err)
		}
	}

	// 3. Environment variables: INFRATOOL_SILENT_TIMEOUT -> silent_timeout
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags that were explicitly set
	flagPaths := map[string]string{}
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			if pathFlags[f.Name] {
				flagPaths[key] = f.Value.String()
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.ProjectRoot = projectRoot

	// Flag paths are relative to the working directory, everything else to
	// the project root.
	resolve := func(key, path string) string {
		if _, ok := flagPaths[key]; ok {
			return resolvePathRelativeTo(path, cwd)
		}
		return resolvePathRelativeTo(path, projectRoot)
	}
	cfg.StatePath = resolve("state_path", cfg.StatePath)
	cfg.Buildbot.PylDir = resolve("buildbot.pyl_dir", cfg.Buildbot.PylDir)
	cfg.Buildbot.OutputDir = resolve("buildbot.output_dir", cfg.Buildbot.OutputDir)
	cfg.Pipeline.File = resolve("pipeline.file", cfg.Pipeline.File)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	currentConfig = &cfg
	return &cfg, nil
}

// GetConfigFileUsed returns the path to the config file being used, if any.
func GetConfigFileUsed() string {
	return configFileUsed
}

// GetCurrentConfig returns the configuration loaded by the last LoadConfig
// call, or nil.
func GetCurrentConfig() *Config {
	return currentConfig
}

// NewLogger returns a text logger writing to w at Warn level, or Debug when
// verbose.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}
