// Package config provides configuration loading and management for specpatch.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete specpatch configuration
type Config struct {
	NATS          NATSConfig          `yaml:"nats"`
	Database      DatabaseConfig      `yaml:"database"`
	LLM           LLMConfig           `yaml:"llm"`
	Impact        ImpactConfig        `yaml:"impact"`
	Workers       WorkersConfig       `yaml:"workers"`
	HTTP          HTTPConfig          `yaml:"http"`
	Watcher       WatcherConfig       `yaml:"watcher"`
	SourceControl SourceControlConfig `yaml:"source_control"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
	// Name identifies this client on the server
	Name string `yaml:"name"`
	// MaxReconnects is the reconnect budget (-1 = unlimited)
	MaxReconnects int `yaml:"max_reconnects"`
	// ReconnectWait is the delay between reconnect attempts
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// DatabaseConfig configures the version store
type DatabaseConfig struct {
	// URL is the PostgreSQL DSN (empty = in-memory store)
	URL string `yaml:"url"`
	// MigrateOnStart applies the schema when serve starts
	MigrateOnStart bool `yaml:"migrate_on_start"`
}

// LLMConfig configures model access
type LLMConfig struct {
	// RegistryPath is a JSON model registry file (empty = built-in defaults)
	RegistryPath string `yaml:"registry_path"`
	// Timeout bounds a single model request
	Timeout time.Duration `yaml:"timeout"`
	// Temperature is used for diff generation (classification always runs at 0)
	Temperature float64 `yaml:"temperature"`
	// MaxRetries per model before falling back
	MaxRetries int `yaml:"max_retries"`
}

// ImpactConfig configures regulation impact filtering
type ImpactConfig struct {
	// Threshold is the minimum regulation/spec cosine similarity
	Threshold float64 `yaml:"threshold"`
	// ModuleSimilarityThreshold is the minimum regulation/module similarity
	// used to widen a conservative classification
	ModuleSimilarityThreshold float64 `yaml:"module_similarity_threshold"`
	// Parallelism bounds concurrent candidate scoring
	Parallelism int `yaml:"parallelism"`
}

// WorkersConfig configures the job worker pools
type WorkersConfig struct {
	PatchConcurrency int           `yaml:"patch_concurrency"`
	PRConcurrency    int           `yaml:"pr_concurrency"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	AckWait          time.Duration `yaml:"ack_wait"`
}

// HTTPConfig configures the status API
type HTTPConfig struct {
	// Addr is the listen address (empty = disabled)
	Addr string `yaml:"addr"`
}

// WatcherConfig configures the regulation directory watcher
type WatcherConfig struct {
	// Dir is the directory to watch (empty = disabled)
	Dir string `yaml:"dir"`
	// Include holds doublestar globs relative to Dir
	Include []string `yaml:"include"`
	// Debounce delays publishing until writes settle
	Debounce time.Duration `yaml:"debounce"`
	// Source is recorded on published regulation events
	Source string `yaml:"source"`
}

// SourceControlConfig configures pull request creation
type SourceControlConfig struct {
	// WebhookURL receives PR requests (empty = log only)
	WebhookURL string `yaml:"webhook_url"`
	// Token is sent as a bearer token
	Token string `yaml:"token"`
	// Timeout bounds a webhook call
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "specpatch",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Database: DatabaseConfig{
			URL:            "", // In-memory
			MigrateOnStart: true,
		},
		LLM: LLMConfig{
			Timeout:     5 * time.Minute,
			Temperature: 0.2,
			MaxRetries:  3,
		},
		Impact: ImpactConfig{
			Threshold:                 0.65,
			ModuleSimilarityThreshold: 0.72,
			Parallelism:               4,
		},
		Workers: WorkersConfig{
			PatchConcurrency: 2,
			PRConcurrency:    3,
			MaxAttempts:      5,
			BackoffBase:      5 * time.Second,
			BackoffMax:       5 * time.Minute,
			AckWait:          5 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Watcher: WatcherConfig{
			Include:  []string{"**/*.yaml", "**/*.yml", "**/*.html", "**/*.htm"},
			Debounce: 500 * time.Millisecond,
			Source:   "regulation-watcher",
		},
		SourceControl: SourceControlConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Impact.Threshold < -1 || c.Impact.Threshold > 1 {
		return fmt.Errorf("impact.threshold must be between -1 and 1")
	}
	if c.Impact.ModuleSimilarityThreshold < -1 || c.Impact.ModuleSimilarityThreshold > 1 {
		return fmt.Errorf("impact.module_similarity_threshold must be between -1 and 1")
	}
	if c.Impact.Parallelism <= 0 {
		return fmt.Errorf("impact.parallelism must be positive")
	}
	if c.Workers.PatchConcurrency <= 0 || c.Workers.PRConcurrency <= 0 {
		return fmt.Errorf("workers concurrency must be positive")
	}
	if c.Workers.MaxAttempts <= 0 {
		return fmt.Errorf("workers.max_attempts must be positive")
	}
	if c.Workers.BackoffBase <= 0 || c.Workers.BackoffMax < c.Workers.BackoffBase {
		return fmt.Errorf("workers backoff must satisfy 0 < backoff_base <= backoff_max")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm.temperature must be between 0 and 1")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}
	if c.Watcher.Dir != "" && len(c.Watcher.Include) == 0 {
		return fmt.Errorf("watcher.include is required when watcher.dir is set")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.mergeFile(path); err != nil {
		return nil, err
	}
	return config, nil
}

// mergeFile overlays the keys present in a YAML file onto c.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
