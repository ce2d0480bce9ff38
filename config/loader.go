package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "specpatch.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/specpatch"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// DotEnvFile is loaded into the environment when present
	DotEnvFile = ".env"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger     *slog.Logger
	workDir    string
	homeDir    string
	configFile string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithWorkDir sets the directory the project config search starts from.
func WithWorkDir(dir string) LoaderOption {
	return func(l *Loader) { l.workDir = dir }
}

// WithHomeDir overrides the home directory used for the user config.
func WithHomeDir(dir string) LoaderOption {
	return func(l *Loader) { l.homeDir = dir }
}

// WithConfigFile uses an explicit project config file instead of searching.
func WithConfigFile(path string) LoaderOption {
	return func(l *Loader) { l.configFile = path }
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/specpatch/config.yaml)
// 3. Project config (specpatch.yaml in current or parent directories)
// 4. .env next to the project config or in the working directory
// 5. Environment variables
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		if err := config.mergeFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config
	projectConfigPath := l.configFile
	if projectConfigPath == "" {
		projectConfigPath = l.findProjectConfig()
	}
	if projectConfigPath != "" {
		if err := config.mergeFile(projectConfigPath); err != nil {
			if l.configFile != "" {
				return nil, err
			}
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		} else {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	// .env never overrides variables already set in the environment
	envDir := l.cwd()
	if projectConfigPath != "" {
		envDir = filepath.Dir(projectConfigPath)
	}
	if envDir != "" {
		envPath := filepath.Join(envDir, DotEnvFile)
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				l.logger.Warn("Failed to load .env", slog.String("path", envPath), slog.String("error", err.Error()))
			} else {
				l.logger.Debug("Loaded .env", slog.String("path", envPath))
			}
		}
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("no home directory")
	}

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home := l.homeDir
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return ""
		}
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

func (l *Loader) cwd() string {
	if l.workDir != "" {
		return l.workDir
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return cwd
}

// findProjectConfig searches for specpatch.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	dir := l.cwd()
	if dir == "" {
		return ""
	}

	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}

// envBinding maps one environment variable onto a config field.
type envBinding struct {
	names []string
	apply func(c *Config, v string) error
}

var envBindings = []envBinding{
	{[]string{"SPECPATCH_NATS_URL", "NATS_URL"}, func(c *Config, v string) error { c.NATS.URL = v; return nil }},
	{[]string{"SPECPATCH_DATABASE_URL", "DATABASE_URL"}, func(c *Config, v string) error { c.Database.URL = v; return nil }},
	{[]string{"SPECPATCH_MODEL_REGISTRY"}, func(c *Config, v string) error { c.LLM.RegistryPath = v; return nil }},
	{[]string{"SPECPATCH_LLM_TIMEOUT"}, durationVar(func(c *Config) *time.Duration { return &c.LLM.Timeout })},
	{[]string{"SPECPATCH_IMPACT_THRESHOLD"}, floatVar(func(c *Config) *float64 { return &c.Impact.Threshold })},
	{[]string{"SPECPATCH_MODULE_SIMILARITY_THRESHOLD"}, floatVar(func(c *Config) *float64 { return &c.Impact.ModuleSimilarityThreshold })},
	{[]string{"SPECPATCH_PATCH_CONCURRENCY"}, intVar(func(c *Config) *int { return &c.Workers.PatchConcurrency })},
	{[]string{"SPECPATCH_PR_CONCURRENCY"}, intVar(func(c *Config) *int { return &c.Workers.PRConcurrency })},
	{[]string{"SPECPATCH_MAX_ATTEMPTS"}, intVar(func(c *Config) *int { return &c.Workers.MaxAttempts })},
	{[]string{"SPECPATCH_HTTP_ADDR"}, func(c *Config, v string) error { c.HTTP.Addr = v; return nil }},
	{[]string{"SPECPATCH_WATCH_DIR"}, func(c *Config, v string) error { c.Watcher.Dir = v; return nil }},
	{[]string{"SPECPATCH_WEBHOOK_URL"}, func(c *Config, v string) error { c.SourceControl.WebhookURL = v; return nil }},
	{[]string{"SPECPATCH_WEBHOOK_TOKEN"}, func(c *Config, v string) error { c.SourceControl.Token = v; return nil }},
}

// applyEnv applies environment overrides. The first set name of a binding wins.
func applyEnv(c *Config) error {
	for _, b := range envBindings {
		for _, name := range b.names {
			v, ok := os.LookupEnv(name)
			if !ok || strings.TrimSpace(v) == "" {
				continue
			}
			if err := b.apply(c, strings.TrimSpace(v)); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			break
		}
	}
	return nil
}

func floatVar(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}
