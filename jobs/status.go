package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/specpatch/bus"
)

// BucketJobStatus is the KV bucket holding job records.
const BucketJobStatus = "SPEC_JOB_STATUS"

// Status is the lifecycle status of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// StatusChange records a status transition.
type StatusChange struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the tracked state of one job.
type Record struct {
	ID        string            `json:"id"`
	Subject   string            `json:"subject"`
	Status    Status            `json:"status"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
	Result    map[string]string `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	StatusChanges []StatusChange `json:"status_changes,omitempty"`
}

// StatusStore persists job records.
type StatusStore interface {
	Get(ctx context.Context, id string) (*Record, error)
	Put(ctx context.Context, r *Record) error
}

// Transition moves a job to status, applying mutate before the write and
// recording the change. A missing record is created.
func Transition(ctx context.Context, store StatusStore, id string, status Status, mutate func(*Record)) (*Record, error) {
	rec, err := store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		rec = &Record{ID: id}
	} else if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status != status {
		rec.StatusChanges = append(rec.StatusChanges, StatusChange{From: rec.Status, To: status, Timestamp: now})
	}
	rec.Status = status
	rec.UpdatedAt = now

	if status == StatusProcessing && rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	if status == StatusCompleted || status == StatusFailed {
		rec.CompletedAt = &now
	}
	if mutate != nil {
		mutate(rec)
	}

	if err := store.Put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// KVStatusStore keeps job records in a JetStream KV bucket.
type KVStatusStore struct {
	kv jetstream.KeyValue
}

// NewKVStatusStore opens or creates the job status bucket.
func NewKVStatusStore(ctx context.Context, js jetstream.JetStream) (*KVStatusStore, error) {
	kv, err := bus.GetOrCreateKV(ctx, js, BucketJobStatus)
	if err != nil {
		return nil, fmt.Errorf("create job status bucket: %w", err)
	}
	return &KVStatusStore{kv: kv}, nil
}

// Get loads a job record.
func (s *KVStatusStore) Get(ctx context.Context, id string) (*Record, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var r Record
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &r, nil
}

// Put writes a job record.
func (s *KVStatusStore) Put(ctx context.Context, r *Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", r.ID, err)
	}
	if _, err := s.kv.Put(ctx, r.ID, data); err != nil {
		return fmt.Errorf("put job %s: %w", r.ID, err)
	}
	return nil
}

// MemoryStatusStore keeps job records in memory.
type MemoryStatusStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStatusStore creates an empty store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{records: make(map[string]Record)}
}

// Get returns a copy of the record.
func (s *MemoryStatusStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

// Put stores a copy of the record.
func (s *MemoryStatusStore) Put(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = *cloneRecord(*r)
	return nil
}

func cloneRecord(r Record) *Record {
	r.Warnings = append([]string(nil), r.Warnings...)
	r.StatusChanges = append([]StatusChange(nil), r.StatusChanges...)
	if r.Result != nil {
		m := make(map[string]string, len(r.Result))
		for k, v := range r.Result {
			m[k] = v
		}
		r.Result = m
	}
	return &r
}
