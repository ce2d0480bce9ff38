package prrequester

import (
	"fmt"
	"time"

	"github.com/c360studio/specpatch/bus"
	"github.com/c360studio/specpatch/jobs"
)

// Config holds configuration for the pull request processor.
type Config struct {
	// StreamName is the work-queue stream carrying pull request jobs.
	StreamName string
	// ConsumerName is the durable consumer name.
	ConsumerName string
	// Subject is the pull request job subject.
	Subject string
	// Concurrency bounds pull requests opened at once.
	Concurrency int
	// MaxAttempts before a job is dead-lettered.
	MaxAttempts int
	// Backoff between attempts.
	Backoff jobs.BackoffPolicy
	// AckWait is how long one request may take before redelivery.
	AckWait time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:   bus.StreamPRJobs,
		ConsumerName: "pr-requester",
		Subject:      bus.SubjectPRJobs,
		Concurrency:  3,
		MaxAttempts:  5,
		Backoff:      jobs.DefaultBackoff,
		AckWait:      2 * time.Minute,
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
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	return nil
}

// WorkerConfig returns the worker settings for this processor.
func (c *Config) WorkerConfig() jobs.WorkerConfig {
	return jobs.WorkerConfig{
		Name:        "pr-requester",
		Stream:      c.StreamName,
		Consumer:    c.ConsumerName,
		Subject:     c.Subject,
		Concurrency: c.Concurrency,
		MaxAttempts: c.MaxAttempts,
		Backoff:     c.Backoff,
		AckWait:     c.AckWait,
	}
}
