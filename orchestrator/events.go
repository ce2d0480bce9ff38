package orchestrator

import (
	"context"

	"github.com/c360studio/specpatch/bus"
	"github.com/c360studio/specpatch/jobs"
)

// BusEvents publishes "spec updated" to the event stream and enqueues the
// pull request job on the PR work queue.
type BusEvents struct {
	pub   bus.Publisher
	queue *jobs.Queue
}

// NewBusEvents creates the bus-backed EventPublisher.
func NewBusEvents(pub bus.Publisher, queue *jobs.Queue) *BusEvents {
	return &BusEvents{pub: pub, queue: queue}
}

// PublishSpecUpdated publishes with the new version id as dedup key.
func (e *BusEvents) PublishSpecUpdated(ctx context.Context, ev bus.SpecUpdatedEvent) error {
	return bus.SpecUpdated.Publish(ctx, e.pub, ev.NewVersionID, ev)
}

// RequestPR enqueues one PR job per new version.
func (e *BusEvents) RequestPR(ctx context.Context, ev bus.PRRequestedEvent) error {
	return jobs.Enqueue(ctx, e.queue, bus.PRJobs, bus.PRJobID(ev.NewVersionID), ev)
}
