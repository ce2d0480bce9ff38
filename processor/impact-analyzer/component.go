// Package impactanalyzer turns regulation events into patch jobs.
//
// Each regulation.published event is run through the impact analyzer; every
// affected spec version gets one patch job, enqueued in score order. Job ids
// are derived from the regulation and the spec version, so a redelivered
// event enqueues nothing new.
package impactanalyzer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/c360studio/specpatch/bus"
	"github.com/c360studio/specpatch/impact"
	"github.com/c360studio/specpatch/jobs"
)

// SpecFinder finds the specs affected by a regulation.
type SpecFinder interface {
	FindAffectedSpecs(ctx context.Context, framework, jurisdiction, regulationText string) ([]impact.AffectedSpec, error)
}

// Observer records analyzed regulations.
type Observer interface {
	ObserveRegulation(enqueued int)
}

// Component handles regulation events.
type Component struct {
	finder   SpecFinder
	queue    *jobs.Queue
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Component) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver sets the observer.
func WithObserver(o Observer) Option {
	return func(c *Component) { c.observer = o }
}

// New creates the component.
func New(finder SpecFinder, queue *jobs.Queue, opts ...Option) *Component {
	c := &Component{
		finder: finder,
		queue:  queue,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "impact-analyzer")
	return c
}

// Handle implements jobs.Handler.
func (c *Component) Handle(ctx context.Context, job jobs.Job) (jobs.Result, error) {
	env, err := bus.RegulationPublished.Decode(job.Data)
	if err != nil {
		return jobs.Result{}, jobs.Permanent(err)
	}
	ev := env.Payload
	if err := ev.Validate(); err != nil {
		return jobs.Result{}, jobs.Permanent(fmt.Errorf("invalid regulation event: %w", err))
	}

	reg := ev.Regulation
	ref, hash := reg.Ref(), reg.Fingerprint()
	logger := c.logger.With("regulation", ref, "hash", hash, "attempt", job.Attempt)

	affected, err := c.finder.FindAffectedSpecs(ctx, reg.Framework, reg.Jurisdiction, reg.Content)
	if err != nil {
		return jobs.Result{}, fmt.Errorf("find affected specs: %w", err)
	}

	for _, a := range affected {
		patch := bus.PatchJob{
			JobID:          bus.PatchJobID(ref, hash, a.SpecVersionID),
			SpecVersionID:  a.SpecVersionID,
			LineageID:      a.LineageID,
			WorkspaceID:    a.WorkspaceID,
			Score:          a.Score,
			Regulation:     reg,
			RegulationHash: hash,
			EnqueuedAt:     c.now().UTC(),
		}
		if err := jobs.Enqueue(ctx, c.queue, bus.PatchJobs, patch.JobID, patch); err != nil {
			return jobs.Result{}, fmt.Errorf("enqueue patch job for %s: %w", a.SpecVersionID, err)
		}
		logger.Debug("Patch job enqueued",
			"job_id", patch.JobID,
			"spec_version_id", a.SpecVersionID,
			"score", a.Score)
	}

	if c.observer != nil {
		c.observer.ObserveRegulation(len(affected))
	}
	logger.Info("Regulation analyzed", "affected_specs", len(affected), "source", ev.Source)

	return jobs.Result{Detail: map[string]string{
		"regulation":      ref,
		"regulation_hash": hash,
		"affected_specs":  strconv.Itoa(len(affected)),
	}}, nil
}
