package specpatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/specpatch/bus"
	"github.com/c360studio/specpatch/clause"
	"github.com/c360studio/specpatch/jobs"
	"github.com/c360studio/specpatch/orchestrator"
	"github.com/c360studio/specpatch/spec"
	"github.com/c360studio/specpatch/storage"
)

var gdpr32 = spec.Regulation{
	Framework:    "GDPR",
	Article:      "Article 32",
	Content:      "Encrypt personal data using state of the art algorithms.",
	Jurisdiction: "EU",
	Severity:     "high",
}

type delivery struct {
	data      []byte
	delivered uint64

	mu     sync.Mutex
	acked  bool
	naked  bool
	termed bool
}

func (d *delivery) Data() []byte         { return d.data }
func (d *delivery) Headers() nats.Header { return nil }
func (d *delivery) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: d.delivered}, nil
}
func (d *delivery) Ack() error                       { d.mu.Lock(); d.acked = true; d.mu.Unlock(); return nil }
func (d *delivery) Nak() error                       { d.mu.Lock(); d.naked = true; d.mu.Unlock(); return nil }
func (d *delivery) NakWithDelay(time.Duration) error { return d.Nak() }
func (d *delivery) Term() error                      { d.mu.Lock(); d.termed = true; d.mu.Unlock(); return nil }

type classifier struct{ modules []spec.ModuleKey }

func (c classifier) DetectAffectedModules(context.Context, spec.Regulation, string) (clause.Classification, error) {
	return clause.Classification{Modules: c.modules}, nil
}

type generator struct{ diffs map[spec.ModuleKey][]spec.ClauseDiff }

func (g generator) GenerateModuleDiffs(_ context.Context, reg spec.Regulation, module spec.ModuleKey, _ spec.Document) ([]spec.ClauseDiff, error) {
	out := append([]spec.ClauseDiff(nil), g.diffs[module]...)
	for i := range out {
		out[i].Module = module
		out[i].RegulationTrigger = reg.Ref()
	}
	return out, nil
}

type fixture struct {
	store  *storage.MemoryStore
	bus    *bus.MemoryBus
	status *jobs.MemoryStatusStore
	root   *spec.SpecVersion
	worker *jobs.Worker
}

func newFixture(t *testing.T, gen generator) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.NewMemoryStore(),
		bus:    bus.NewMemoryBus(),
		status: jobs.NewMemoryStatusStore(),
	}
	f.root = &spec.SpecVersion{
		WorkspaceID:   "ws-1",
		VersionNumber: 1,
		VersionLabel:  "v1.0.0",
		TriggeredBy:   spec.TriggeredByUser,
		Frameworks:    []string{"GDPR"},
		Jurisdictions: []string{"EU"},
		Modules: spec.Modules{
			spec.ModuleMasterSpecification: spec.Document{"projectName": "Payments"},
			spec.ModuleSecurityBlueprint: spec.Document{
				"encryptionControls": []any{map[string]any{"algorithm": "AES-128"}},
			},
			spec.ModuleCostAnalysis: spec.Document{"monthly": 100},
		},
	}
	require.NoError(t, f.store.InsertInitialVersion(context.Background(), f.root))
	f.worker = newWorker(f, f.store, gen)
	return f
}

func newWorker(f *fixture, store storage.VersionStore, gen generator) *jobs.Worker {
	queue := jobs.NewQueue(f.bus, f.status, nil)
	orch := orchestrator.New(store,
		classifier{modules: []spec.ModuleKey{spec.ModuleSecurityBlueprint, spec.ModuleCostAnalysis}},
		gen, clause.NewApplier(), orchestrator.NewBusEvents(f.bus, queue))

	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	return jobs.NewWorker(cfg.WorkerConfig(), New(orch, nil), f.status, jobs.WithDeadLetters(f.bus))
}

// seedLineage inserts another version 1 with the same modules as the root.
func (f *fixture) seedLineage(t *testing.T, workspaceID string) *spec.SpecVersion {
	t.Helper()
	v := &spec.SpecVersion{
		WorkspaceID:   workspaceID,
		VersionNumber: 1,
		VersionLabel:  "v1.0.0",
		TriggeredBy:   spec.TriggeredByUser,
		Frameworks:    f.root.Frameworks,
		Jurisdictions: f.root.Jurisdictions,
		Modules:       f.root.Modules.Clone(),
	}
	require.NoError(t, f.store.InsertInitialVersion(context.Background(), v))
	return v
}

func (f *fixture) message(t *testing.T, versionID string) (*delivery, string) {
	t.Helper()
	return f.messageFor(t, f.root, versionID)
}

func (f *fixture) messageFor(t *testing.T, root *spec.SpecVersion, versionID string) (*delivery, string) {
	t.Helper()
	job := bus.PatchJob{
		JobID:          bus.PatchJobID(gdpr32.Ref(), gdpr32.Fingerprint(), versionID),
		SpecVersionID:  versionID,
		LineageID:      root.LineageID,
		WorkspaceID:    root.WorkspaceID,
		Regulation:     gdpr32,
		RegulationHash: gdpr32.Fingerprint(),
	}
	data, err := bus.PatchJobs.Encode(job.JobID, job)
	require.NoError(t, err)
	return &delivery{data: data, delivered: 1}, job.JobID
}

var aes256 = spec.ClauseDiff{
	ClausePath: "encryptionControls[0].algorithm",
	Before:     json.RawMessage(`"AES-128"`),
	After:      json.RawMessage(`"AES-256"`),
	Reason:     "State of the art encryption",
	Severity:   spec.SeverityHigh,
}

func TestHandle_Patched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, generator{diffs: map[spec.ModuleKey][]spec.ClauseDiff{
		spec.ModuleSecurityBlueprint: {aes256},
	}})

	msg, jobID := f.message(t, f.root.ID)
	f.worker.Process(ctx, msg)
	assert.True(t, msg.acked)

	rec, err := f.status.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, rec.Status)
	assert.Equal(t, "patched", rec.Result["status"])
	assert.Equal(t, "v1.1.0", rec.Result["version_label"])
	assert.Equal(t, "1", rec.Result["diffs"])
	assert.Empty(t, rec.Warnings)

	assert.Len(t, f.bus.Messages(bus.SubjectSpecUpdated), 1)
	assert.Len(t, f.bus.Messages(bus.SubjectPRJobs), 1)
}

func TestHandle_PartialApplyCompletesWithWarnings(t *testing.T) {
	ctx := context.Background()
	stale := spec.ClauseDiff{
		ClausePath: "monthly",
		Before:     json.RawMessage(`999`),
		After:      json.RawMessage(`150`),
		Severity:   spec.SeverityLow,
	}
	f := newFixture(t, generator{diffs: map[spec.ModuleKey][]spec.ClauseDiff{
		spec.ModuleSecurityBlueprint: {aes256},
		spec.ModuleCostAnalysis:      {stale},
	}})

	msg, jobID := f.message(t, f.root.ID)
	f.worker.Process(ctx, msg)
	assert.True(t, msg.acked)

	rec, err := f.status.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, rec.Status)
	assert.Equal(t, "patched", rec.Result["status"])
	require.Len(t, rec.Warnings, 1)
	assert.Contains(t, rec.Warnings[0], "cost_analysis")
}

func TestHandle_NoChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, generator{})

	msg, jobID := f.message(t, f.root.ID)
	f.worker.Process(ctx, msg)

	rec, err := f.status.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, rec.Status)
	assert.Equal(t, "no_change", rec.Result["status"])
	assert.Empty(t, rec.Result["new_version_id"])
	assert.Empty(t, f.bus.Messages(bus.SubjectSpecUpdated))
}

func TestHandle_MissingVersionIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, generator{})

	msg, jobID := f.message(t, "does-not-exist")
	f.worker.Process(ctx, msg)
	assert.True(t, msg.termed)

	rec, err := f.status.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, rec.Status)
	assert.Len(t, f.bus.Messages(bus.SubjectDeadLetter), 1)
}

type failingRunner struct{}

func (failingRunner) Run(context.Context, bus.PatchJob, ...orchestrator.RunOption) (*orchestrator.Outcome, error) {
	return nil, errors.New("model timeout")
}

func TestHandle_TransientErrorIsRetryable(t *testing.T) {
	data, err := bus.PatchJobs.Encode("job-1", bus.PatchJob{JobID: "job-1"})
	require.NoError(t, err)

	_, err = New(failingRunner{}, nil).Handle(context.Background(), jobs.Job{ID: "job-1", Data: data})
	require.Error(t, err)
	assert.False(t, jobs.IsPermanent(err))

	_, err = New(failingRunner{}, nil).Handle(context.Background(), jobs.Job{ID: "job-1", Data: []byte("{")})
	assert.True(t, jobs.IsPermanent(err))
}

func TestHandle_FailingSpecDoesNotAffectOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, generator{diffs: map[spec.ModuleKey][]spec.ClauseDiff{
		spec.ModuleSecurityBlueprint: {aes256},
	}})
	second := f.seedLineage(t, "ws-2")
	gone := f.seedLineage(t, "ws-3")

	healthy := []*spec.SpecVersion{f.root, second}
	var healthyJobs []string
	for _, root := range healthy {
		msg, jobID := f.messageFor(t, root, root.ID)
		f.worker.Process(ctx, msg)
		assert.True(t, msg.acked)
		healthyJobs = append(healthyJobs, jobID)
	}
	missing, missingJob := f.messageFor(t, gone, "missing-version")
	f.worker.Process(ctx, missing)
	assert.True(t, missing.termed)

	for i, root := range healthy {
		rec, err := f.status.Get(ctx, healthyJobs[i])
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusCompleted, rec.Status)

		active, err := f.store.GetActiveVersion(ctx, root.LineageID)
		require.NoError(t, err)
		assert.Equal(t, 2, active.VersionNumber)
		assert.Equal(t, rec.Result["new_version_id"], active.ID)

		lineage, err := f.store.ListLineage(ctx, root.LineageID)
		require.NoError(t, err)
		require.NoError(t, spec.VerifyChain(lineage))
	}

	rec, err := f.status.Get(ctx, missingJob)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, rec.Status)
	assert.Len(t, f.bus.Messages(bus.SubjectDeadLetter), 1)

	entry, err := f.store.GetImpactLog(ctx, gdpr32.Ref(), gdpr32.Fingerprint(), gone.LineageID)
	require.NoError(t, err)
	assert.Equal(t, spec.ImpactFailed, entry.Status)

	untouched, err := f.store.GetActiveVersion(ctx, gone.LineageID)
	require.NoError(t, err)
	assert.Equal(t, gone.ID, untouched.ID)
	assert.Len(t, f.bus.Messages(bus.SubjectSpecUpdated), 2)
}

// conflictingStore loses every commit race.
type conflictingStore struct {
	storage.VersionStore
}

func (conflictingStore) CreateChildVersion(_ context.Context, p storage.ChildVersionParams) (*spec.SpecVersion, error) {
	return nil, fmt.Errorf("parent %s: %w", p.ParentID, storage.ErrConflict)
}

func TestHandle_ConflictOnLastAttemptRecordsFailure(t *testing.T) {
	ctx := context.Background()
	gen := generator{diffs: map[spec.ModuleKey][]spec.ClauseDiff{spec.ModuleSecurityBlueprint: {aes256}}}
	f := newFixture(t, gen)
	w := newWorker(f, conflictingStore{VersionStore: f.store}, gen)

	first, jobID := f.message(t, f.root.ID)
	w.Process(ctx, first)
	assert.True(t, first.naked)
	_, err := f.store.GetImpactLog(ctx, gdpr32.Ref(), gdpr32.Fingerprint(), f.root.LineageID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	last, _ := f.message(t, f.root.ID)
	last.delivered = 2
	w.Process(ctx, last)
	assert.True(t, last.termed)

	rec, err := f.status.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, rec.Status)
	assert.Len(t, f.bus.Messages(bus.SubjectDeadLetter), 1)

	entry, err := f.store.GetImpactLog(ctx, gdpr32.Ref(), gdpr32.Fingerprint(), f.root.LineageID)
	require.NoError(t, err)
	assert.Equal(t, spec.ImpactFailed, entry.Status)
	assert.Contains(t, entry.ErrorMessage, "conflict")
}
