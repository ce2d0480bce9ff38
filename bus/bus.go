// Package bus connects to NATS, provisions the JetStream streams the pipeline
// uses, and defines the typed subjects and event payloads carried on them.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher publishes raw message data. msgID, when set, is used for
// JetStream duplicate detection.
type Publisher interface {
	Publish(ctx context.Context, subject, msgID string, data []byte) error
}

// Conn is a NATS connection with a JetStream context.
type Conn struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Option configures Connect.
type Option func(*connOptions)

type connOptions struct {
	name          string
	maxReconnects int
	reconnectWait time.Duration
	logger        *slog.Logger
}

// WithName sets the client connection name.
func WithName(name string) Option {
	return func(o *connOptions) { o.name = name }
}

// WithMaxReconnects sets the reconnect limit. Negative means unlimited.
func WithMaxReconnects(n int) Option {
	return func(o *connOptions) { o.maxReconnects = n }
}

// WithReconnectWait sets the delay between reconnect attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(o *connOptions) { o.reconnectWait = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *connOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Connect dials NATS and opens a JetStream context.
func Connect(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	o := connOptions{
		name:          "specpatch",
		maxReconnects: -1,
		reconnectWait: time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := o.logger
	nc, err := nats.Connect(url,
		nats.Name(o.name),
		nats.MaxReconnects(o.maxReconnects),
		nats.ReconnectWait(o.reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}

	return &Conn{nc: nc, js: js, logger: logger}, nil
}

// JetStream returns the JetStream context.
func (c *Conn) JetStream() jetstream.JetStream { return c.js }

// Close drains and closes the connection.
func (c *Conn) Close() {
	if err := c.nc.Drain(); err != nil {
		c.logger.Warn("NATS drain failed", "error", err)
		c.nc.Close()
	}
}

// Healthy reports whether the connection is up.
func (c *Conn) Healthy() bool {
	return c.nc.IsConnected()
}

// Publish publishes to a JetStream subject and waits for the ack.
func (c *Conn) Publish(ctx context.Context, subject, msgID string, data []byte) error {
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	ack, err := c.js.Publish(ctx, subject, data, opts...)
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if ack.Duplicate {
		c.logger.Debug("Duplicate publish suppressed", "subject", subject, "msg_id", msgID)
	}
	return nil
}

// StreamSpec declares one stream the pipeline depends on.
type StreamSpec struct {
	Name      string
	Subjects  []string
	WorkQueue bool
	MaxAge    time.Duration
}

// DefaultDuplicateWindow bounds how long a message id is remembered for dedup.
const DefaultDuplicateWindow = 2 * time.Hour

// Streams are the streams required by the pipeline.
var Streams = []StreamSpec{
	{Name: StreamRegulations, Subjects: []string{SubjectRegulationPublished}, MaxAge: 30 * 24 * time.Hour},
	{Name: StreamPatchJobs, Subjects: []string{SubjectPatchJobs}, WorkQueue: true},
	{Name: StreamPRJobs, Subjects: []string{SubjectPRJobs}, WorkQueue: true},
	{Name: StreamSpecEvents, Subjects: []string{SubjectSpecUpdated, SubjectDeadLetter}, MaxAge: 30 * 24 * time.Hour},
}

// EnsureStreams creates or updates every stream in specs.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, specs []StreamSpec) error {
	for _, s := range specs {
		cfg := jetstream.StreamConfig{
			Name:       s.Name,
			Subjects:   s.Subjects,
			Storage:    jetstream.FileStorage,
			Duplicates: DefaultDuplicateWindow,
			MaxAge:     s.MaxAge,
		}
		if s.WorkQueue {
			cfg.Retention = jetstream.WorkQueuePolicy
		}
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", s.Name, err)
		}
	}
	return nil
}

// GetOrCreateKV returns the named key-value bucket, creating it if missing.
func GetOrCreateKV(ctx context.Context, js jetstream.JetStream, bucket string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("get bucket %s: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "specpatch " + bucket,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return kv, nil
}
