package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stream names.
const (
	StreamRegulations = "REGULATIONS"
	StreamPatchJobs   = "SPEC_PATCH_JOBS"
	StreamPRJobs      = "SPEC_PR_JOBS"
	StreamSpecEvents  = "SPEC_EVENTS"
)

// Subject names.
const (
	SubjectRegulationPublished = "regulation.published"
	SubjectPatchJobs           = "spec.patch.jobs"
	SubjectPRJobs              = "spec.pr.jobs"
	SubjectSpecUpdated         = "spec.updated"
	SubjectDeadLetter          = "spec.jobs.dead"
)

// Envelope wraps every payload on the bus.
type Envelope[T any] struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Payload   T         `json:"payload"`
}

// Subject binds a subject name to its payload type.
type Subject[T any] struct {
	Name string
	Type string
}

// Typed subjects.
var (
	RegulationPublished = Subject[RegulationEvent]{Name: SubjectRegulationPublished, Type: "regulation.published.v1"}
	PatchJobs           = Subject[PatchJob]{Name: SubjectPatchJobs, Type: "spec.patch.job.v1"}
	PRJobs              = Subject[PRRequestedEvent]{Name: SubjectPRJobs, Type: "spec.pr.requested.v1"}
	SpecUpdated         = Subject[SpecUpdatedEvent]{Name: SubjectSpecUpdated, Type: "spec.updated.v1"}
	DeadLetters         = Subject[DeadLetter]{Name: SubjectDeadLetter, Type: "spec.job.dead.v1"}
)

// Encode wraps payload in an envelope. An empty id gets a random one.
func (s Subject[T]) Encode(id string, payload T) ([]byte, error) {
	if id == "" {
		id = uuid.New().String()
	}
	data, err := json.Marshal(Envelope[T]{
		ID:        id,
		Type:      s.Type,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", s.Type, err)
	}
	return data, nil
}

// Publish encodes payload and publishes it with id as the dedup key.
func (s Subject[T]) Publish(ctx context.Context, p Publisher, id string, payload T) error {
	if id == "" {
		id = uuid.New().String()
	}
	data, err := s.Encode(id, payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, s.Name, id, data)
}

// Decode parses an envelope. Bare payloads without an envelope are accepted
// so hand-published messages work too.
func (s Subject[T]) Decode(data []byte) (*Envelope[T], error) {
	var head struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.Name, err)
	}

	if len(head.Payload) == 0 {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", s.Name, err)
		}
		return &Envelope[T]{Type: s.Type, Payload: payload}, nil
	}

	if head.Type != "" && head.Type != s.Type {
		return nil, fmt.Errorf("decode %s: unexpected message type %q", s.Name, head.Type)
	}
	var env Envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode %s envelope: %w", s.Name, err)
	}
	return &env, nil
}
