package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/specpatch/bus"
)

// Delivery is the slice of jetstream.Msg the worker uses.
type Delivery interface {
	Data() []byte
	Headers() nats.Header
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Job is one delivery handed to a Handler.
type Job struct {
	ID          string
	Subject     string
	Attempt     int
	MaxAttempts int
	Data        []byte
}

// LastAttempt reports whether a retryable failure of this delivery will not
// be retried. A zero MaxAttempts means the budget is unknown.
func (j Job) LastAttempt() bool {
	return j.MaxAttempts > 0 && j.Attempt >= j.MaxAttempts
}

// Result carries optional details recorded on completion.
type Result struct {
	Warnings []string
	Detail   map[string]string
}

// Handler processes a job. Returning a Permanent error fails the job at once;
// any other error is retried with backoff.
type Handler interface {
	Handle(ctx context.Context, job Job) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) (Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job Job) (Result, error) { return f(ctx, job) }

// Observer records job outcomes.
type Observer interface {
	ObserveJob(worker, outcome string, d time.Duration)
}

// Job outcomes reported to the Observer.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Name        string
	Stream      string
	Consumer    string
	Subject     string
	Concurrency int
	MaxAttempts int
	Backoff     BackoffPolicy
	AckWait     time.Duration
}

func (c *WorkerConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 5 * time.Minute
	}
	if c.Consumer == "" {
		c.Consumer = c.Name
	}
}

// Worker consumes a work-queue subject with a bounded pool.
type Worker struct {
	cfg      WorkerConfig
	handler  Handler
	status   StatusStore
	dead     bus.Publisher
	logger   *slog.Logger
	observer Observer
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDeadLetters publishes dead letters to p.
func WithDeadLetters(p bus.Publisher) WorkerOption {
	return func(w *Worker) { w.dead = p }
}

// WithObserver sets the outcome observer.
func WithObserver(o Observer) WorkerOption {
	return func(w *Worker) { w.observer = o }
}

// NewWorker creates a worker.
func NewWorker(cfg WorkerConfig, handler Handler, status StatusStore, opts ...WorkerOption) *Worker {
	cfg.applyDefaults()
	w := &Worker{
		cfg:     cfg,
		handler: handler,
		status:  status,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("worker", cfg.Name)
	return w
}

// Config returns the effective configuration.
func (w *Worker) Config() WorkerConfig { return w.cfg }

// Run creates the durable consumer and processes messages until ctx is done.
func (w *Worker) Run(ctx context.Context, js jetstream.JetStream) error {
	stream, err := js.Stream(ctx, w.cfg.Stream)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", w.cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       w.cfg.Consumer,
		FilterSubject: w.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       w.cfg.AckWait,
		MaxDeliver:    w.cfg.MaxAttempts + 1,
		MaxAckPending: w.cfg.Concurrency * 2,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", w.cfg.Consumer, err)
	}

	w.logger.Info("Worker started",
		"stream", w.cfg.Stream,
		"subject", w.cfg.Subject,
		"concurrency", w.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consumeLoop(ctx, consumer)
		}()
	}
	wg.Wait()

	w.logger.Info("Worker stopped")
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, consumer jetstream.Consumer) {
	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			w.Process(ctx, msg)
		}

		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			w.logger.Warn("Message fetch error", "error", err)
		}
	}
}

// Process handles one delivery: status tracking, the handler call with panic
// recovery, and ack, delayed nak or termination.
func (w *Worker) Process(ctx context.Context, msg Delivery) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			w.logger.Warn("Failed to NAK message during shutdown", "error", err)
		}
		return
	}

	started := time.Now()
	attempt := 1
	if md, err := msg.Metadata(); err == nil && md != nil && md.NumDelivered > 0 {
		attempt = int(md.NumDelivered)
	}

	jobID := jobIDOf(msg)
	if jobID == "" {
		w.logger.Error("Dropping message without job id", "attempt", attempt)
		w.deadLetter(ctx, Job{Subject: w.cfg.Subject, Attempt: attempt, Data: msg.Data()}, errors.New("message has no job id"))
		w.term(msg)
		w.observe(OutcomeFailed, started)
		return
	}

	job := Job{ID: jobID, Subject: w.cfg.Subject, Attempt: attempt, MaxAttempts: w.cfg.MaxAttempts, Data: msg.Data()}
	if _, err := Transition(ctx, w.status, jobID, StatusProcessing, func(r *Record) {
		r.Subject = w.cfg.Subject
		r.Attempts = attempt
	}); err != nil {
		w.logger.Warn("Failed to record processing status", "job_id", jobID, "error", err)
	}

	result, err := w.safeHandle(ctx, job)
	if err == nil {
		w.complete(ctx, msg, job, result, started)
		return
	}

	if ctx.Err() != nil && !IsPermanent(err) {
		w.logger.Info("Job interrupted by shutdown", "job_id", jobID)
		w.setStatus(ctx, jobID, StatusQueued, err)
		if nakErr := msg.Nak(); nakErr != nil {
			w.logger.Warn("Failed to NAK message", "job_id", jobID, "error", nakErr)
		}
		return
	}

	if IsPermanent(err) || attempt >= w.cfg.MaxAttempts {
		w.logger.Error("Job failed",
			"job_id", jobID,
			"attempt", attempt,
			"permanent", IsPermanent(err),
			"error", err)
		w.setStatus(ctx, jobID, StatusFailed, err)
		w.deadLetter(ctx, job, err)
		w.term(msg)
		w.observe(OutcomeFailed, started)
		return
	}

	delay := w.cfg.Backoff.Delay(attempt)
	w.logger.Warn("Job failed, retrying",
		"job_id", jobID,
		"attempt", attempt,
		"max_attempts", w.cfg.MaxAttempts,
		"backoff", delay,
		"error", err)
	w.setStatus(ctx, jobID, StatusQueued, err)
	if nakErr := msg.NakWithDelay(delay); nakErr != nil {
		w.logger.Warn("Failed to NAK message", "job_id", jobID, "error", nakErr)
	}
	w.observe(OutcomeRetried, started)
}

func (w *Worker) complete(ctx context.Context, msg Delivery, job Job, result Result, started time.Time) {
	if _, err := Transition(ctx, w.status, job.ID, StatusCompleted, func(r *Record) {
		r.LastError = ""
		r.Warnings = result.Warnings
		r.Result = result.Detail
	}); err != nil {
		w.logger.Warn("Failed to record completion", "job_id", job.ID, "error", err)
	}
	if err := msg.Ack(); err != nil {
		w.logger.Warn("Failed to ACK message", "job_id", job.ID, "error", err)
	}
	w.observe(OutcomeCompleted, started)
	w.logger.Info("Job completed",
		"job_id", job.ID,
		"attempt", job.Attempt,
		"warnings", len(result.Warnings),
		"duration", time.Since(started))
}

// safeHandle runs the handler and converts a panic into a retryable error.
func (w *Worker) safeHandle(ctx context.Context, job Job) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Handler panic",
				"job_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, job)
}

func (w *Worker) setStatus(ctx context.Context, jobID string, status Status, cause error) {
	if _, err := Transition(ctx, w.status, jobID, status, func(r *Record) {
		if cause != nil {
			r.LastError = cause.Error()
		}
	}); err != nil {
		w.logger.Warn("Failed to record job status", "job_id", jobID, "status", status, "error", err)
	}
}

func (w *Worker) deadLetter(ctx context.Context, job Job, cause error) {
	if w.dead == nil {
		return
	}
	payload := json.RawMessage(nil)
	if json.Valid(job.Data) {
		payload = job.Data
	}
	dl := bus.DeadLetter{
		JobID:    job.ID,
		Subject:  job.Subject,
		Attempts: job.Attempt,
		Error:    cause.Error(),
		Payload:  payload,
		FailedAt: time.Now().UTC(),
	}
	// Dead-letter publishing must not depend on the job's cancelled context.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := bus.DeadLetters.Publish(pubCtx, w.dead, "", dl); err != nil {
		w.logger.Error("Failed to publish dead letter", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) term(msg Delivery) {
	if err := msg.Term(); err != nil {
		w.logger.Warn("Failed to TERM message", "error", err)
	}
}

func (w *Worker) observe(outcome string, started time.Time) {
	if w.observer != nil {
		w.observer.ObserveJob(w.cfg.Name, outcome, time.Since(started))
	}
}

// jobIDOf returns the envelope id, falling back to the Nats-Msg-Id header.
func jobIDOf(msg Delivery) string {
	var peek struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(msg.Data(), &peek); err == nil && peek.ID != "" {
		return peek.ID
	}
	if h := msg.Headers(); h != nil {
		return h.Get(jetstream.MsgIDHeader)
	}
	return ""
}
