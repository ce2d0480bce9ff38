package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/specpatch/bus"
)

// Queue enqueues jobs on work-queue subjects and tracks their status.
type Queue struct {
	pub    bus.Publisher
	status StatusStore
	logger *slog.Logger
}

// NewQueue creates a queue.
func NewQueue(pub bus.Publisher, status StatusStore, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{pub: pub, status: status, logger: logger}
}

// Status returns the record of a job.
func (q *Queue) Status(ctx context.Context, id string) (*Record, error) {
	return q.status.Get(ctx, id)
}

// Enqueue records jobID as queued and publishes payload with jobID as the
// dedup key. An existing record is left alone; the publish still goes out and
// JetStream drops it if it falls inside the dedup window.
func Enqueue[T any](ctx context.Context, q *Queue, subject bus.Subject[T], jobID string, payload T) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}

	_, err := q.status.Get(ctx, jobID)
	switch {
	case errors.Is(err, ErrNotFound):
		if _, err := Transition(ctx, q.status, jobID, StatusQueued, func(r *Record) {
			r.Subject = subject.Name
		}); err != nil {
			return fmt.Errorf("record job %s: %w", jobID, err)
		}
	case err != nil:
		return fmt.Errorf("load job %s: %w", jobID, err)
	default:
		q.logger.Debug("Job already tracked", "job_id", jobID, "subject", subject.Name)
	}

	if err := subject.Publish(ctx, q.pub, jobID, payload); err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	q.logger.Debug("Job enqueued", "job_id", jobID, "subject", subject.Name)
	return nil
}
