package impactanalyzer

import (
	"fmt"
	"time"

	"github.com/c360studio/specpatch/bus"
	"github.com/c360studio/specpatch/jobs"
)

// Config holds configuration for the impact analyzer processor.
type Config struct {
	// StreamName is the JetStream stream carrying regulation events.
	StreamName string
	// ConsumerName is the durable consumer name.
	ConsumerName string
	// Subject is the regulation event subject.
	Subject string
	// Concurrency bounds regulations analyzed at once.
	Concurrency int
	// MaxAttempts before a regulation event is dead-lettered.
	MaxAttempts int
	// Backoff between attempts.
	Backoff jobs.BackoffPolicy
	// AckWait is how long an analysis may run before redelivery.
	AckWait time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:   bus.StreamRegulations,
		ConsumerName: "impact-analyzer",
		Subject:      bus.SubjectRegulationPublished,
		Concurrency:  1,
		MaxAttempts:  5,
		Backoff:      jobs.DefaultBackoff,
		AckWait:      5 * time.Minute,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	return nil
}

// WorkerConfig returns the worker settings for this processor.
func (c *Config) WorkerConfig() jobs.WorkerConfig {
	return jobs.WorkerConfig{
		Name:        "impact-analyzer",
		Stream:      c.StreamName,
		Consumer:    c.ConsumerName,
		Subject:     c.Subject,
		Concurrency: c.Concurrency,
		MaxAttempts: c.MaxAttempts,
		Backoff:     c.Backoff,
		AckWait:     c.AckWait,
	}
}
