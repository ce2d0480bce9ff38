// Package orchestrator runs one patch job end to end: load the spec, decide
// which modules a regulation affects, generate and apply clause diffs,
// commit the new version atomically and announce it.
//
// Runs are idempotent per (regulation, fingerprint, lineage). A job retried
// after the version was committed resumes at event publishing; a job retried
// after a conflicting commit starts over from a fresh load.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/specpatch/bus"
	"github.com/c360studio/specpatch/clause"
	"github.com/c360studio/specpatch/jobs"
	"github.com/c360studio/specpatch/spec"
	"github.com/c360studio/specpatch/storage"
)

// State is a step of a patch run.
type State string

const (
	StateLoaded          State = "LOADED"
	StateModulesDetected State = "MODULES_DETECTED"
	StateDiffsGenerated  State = "DIFFS_GENERATED"
	StateVersionCreated  State = "VERSION_CREATED"
	StateAuditWritten    State = "AUDIT_WRITTEN"
	StateEventsPublished State = "EVENTS_PUBLISHED"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
)

// ModuleClassifier detects affected modules.
type ModuleClassifier interface {
	DetectAffectedModules(ctx context.Context, reg spec.Regulation, specSummary string) (clause.Classification, error)
}

// DiffGenerator proposes validated clause diffs for one module.
type DiffGenerator interface {
	GenerateModuleDiffs(ctx context.Context, reg spec.Regulation, module spec.ModuleKey, payload spec.Document) ([]spec.ClauseDiff, error)
}

// DiffApplier applies diffs deterministically.
type DiffApplier interface {
	ApplyDiffsToSpec(modules spec.Modules, diffs []spec.ClauseDiff) clause.ApplyResult
}

// EventPublisher announces committed versions.
type EventPublisher interface {
	PublishSpecUpdated(ctx context.Context, ev bus.SpecUpdatedEvent) error
	RequestPR(ctx context.Context, ev bus.PRRequestedEvent) error
}

// ModuleHinter suggests additional modules when classification fell back to
// its conservative answer.
type ModuleHinter interface {
	HintModules(ctx context.Context, regulationText string, modules spec.Modules) ([]spec.ModuleKey, error)
}

// Observer records run outcomes.
type Observer interface {
	ObservePatch(status spec.ImpactStatus, diffs int)
	ObserveConflict()
}

// Outcome is the result of a run.
type Outcome struct {
	State      State
	Status     spec.ImpactStatus
	NewVersion *spec.SpecVersion
	Diffs      []spec.ClauseDiff
	Warnings   []string
	Resumed    bool
}

// Orchestrator runs patch jobs.
type Orchestrator struct {
	store      storage.VersionStore
	classifier ModuleClassifier
	generator  DiffGenerator
	applier    DiffApplier
	events     EventPublisher
	logger     *slog.Logger
	observer   Observer
	hinter     ModuleHinter
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver sets the outcome observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithModuleHints widens a conservative classification with modules the
// hinter finds similar to the regulation.
func WithModuleHints(h ModuleHinter) Option {
	return func(o *Orchestrator) { o.hinter = h }
}

// New creates an orchestrator.
func New(store storage.VersionStore, classifier ModuleClassifier, generator DiffGenerator, applier DiffApplier, events EventPublisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		classifier: classifier,
		generator:  generator,
		applier:    applier,
		events:     events,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunOption configures a single run.
type RunOption func(*run)

// FinalAttempt marks the run as the job's last delivery. A retryable failure
// is then recorded on the impact log as failed, since no retry will follow.
func FinalAttempt() RunOption {
	return func(r *run) { r.final = true }
}

// run carries per-job state between steps.
type run struct {
	job     bus.PatchJob
	reg     spec.Regulation
	ref     string
	hash    string
	current *spec.SpecVersion
	prior   *spec.ImpactLogEntry
	logger  *slog.Logger

	final     bool
	recorded  bool
	committed bool
}

// Run executes one patch job. Errors wrapped with jobs.Permanent must not be
// retried; any other error is safe to retry.
func (o *Orchestrator) Run(ctx context.Context, job bus.PatchJob, opts ...RunOption) (*Outcome, error) {
	if err := job.Validate(); err != nil {
		return nil, jobs.Permanent(fmt.Errorf("invalid patch job: %w", err))
	}

	r := &run{
		job:  job,
		reg:  job.Regulation,
		ref:  job.Regulation.Ref(),
		hash: job.RegulationHash,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.hash == "" {
		r.hash = r.reg.Fingerprint()
	}
	r.logger = o.logger.With("job_id", job.JobID, "regulation", r.ref, "spec_version_id", job.SpecVersionID)

	out, err := o.execute(ctx, r)
	if err != nil && r.final && !r.recorded && !jobs.IsPermanent(err) {
		o.recordFinal(ctx, r, err)
	}
	return out, err
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (*Outcome, error) {
	if err := o.load(ctx, r); err != nil {
		return nil, err
	}

	if out, done, err := o.resume(ctx, r); done || err != nil {
		return out, err
	}

	class, err := o.classifier.DetectAffectedModules(ctx, r.reg, spec.Summarize(r.current.Module(spec.ModuleMasterSpecification)))
	if err != nil {
		return nil, o.fail(ctx, r, fmt.Errorf("detect affected modules: %w", err))
	}
	modules := o.widen(ctx, r, class)
	r.logger.Info("Modules detected", "state", StateModulesDetected, "modules", modules)
	if len(modules) == 0 {
		return o.noChange(ctx, r, nil, nil)
	}

	var proposed []spec.ClauseDiff
	for _, m := range modules {
		diffs, err := o.generator.GenerateModuleDiffs(ctx, r.reg, m, r.current.Module(m))
		if err != nil {
			return nil, o.fail(ctx, r, fmt.Errorf("generate diffs for %s: %w", m, err))
		}
		proposed = append(proposed, diffs...)
	}
	r.logger.Info("Diffs generated", "state", StateDiffsGenerated, "diffs", len(proposed))
	if len(proposed) == 0 {
		return o.noChange(ctx, r, modules, nil)
	}

	applied := o.applier.ApplyDiffsToSpec(r.current.Modules, proposed)
	warnings := applied.Warnings()
	if len(applied.Applied) == 0 {
		return o.noChange(ctx, r, modules, warnings)
	}

	newVersion, err := o.commit(ctx, r, modules, applied, warnings)
	if err != nil {
		return nil, err
	}
	r.committed = true

	entry, err := o.store.GetImpactLog(ctx, r.ref, r.hash, r.current.LineageID)
	if err != nil {
		return nil, fmt.Errorf("reload impact log: %w", err)
	}

	if err := o.publish(ctx, r, entry, r.current, newVersion, applied.Applied); err != nil {
		return nil, err
	}

	o.observePatch(spec.ImpactPatched, len(applied.Applied))
	return &Outcome{
		State:      StateDone,
		Status:     spec.ImpactPatched,
		NewVersion: newVersion,
		Diffs:      applied.Applied,
		Warnings:   warnings,
	}, nil
}

// load resolves the version to patch. A superseded version is replaced by the
// lineage's active version so diffs are never computed against stale content.
func (o *Orchestrator) load(ctx context.Context, r *run) error {
	loaded, err := o.store.GetVersion(ctx, r.job.SpecVersionID)
	if errors.Is(err, storage.ErrNotFound) {
		o.recordFailure(ctx, r, r.job.LineageID, r.job.SpecVersionID, err)
		return jobs.Permanent(fmt.Errorf("load spec version: %w", err))
	}
	if err != nil {
		return fmt.Errorf("load spec version: %w", err)
	}

	if loaded.Status != spec.StatusActive {
		active, err := o.store.GetActiveVersion(ctx, loaded.LineageID)
		if errors.Is(err, storage.ErrNotFound) {
			o.recordFailure(ctx, r, loaded.LineageID, loaded.ID, err)
			return jobs.Permanent(fmt.Errorf("lineage %s has no active version: %w", loaded.LineageID, err))
		}
		if err != nil {
			return fmt.Errorf("load active version: %w", err)
		}
		r.logger.Info("Job version no longer active, using current version",
			"loaded_version", loaded.ID, "active_version", active.ID)
		loaded = active
	}

	r.current = loaded
	r.logger = r.logger.With("lineage_id", loaded.LineageID, "version_number", loaded.VersionNumber)
	r.logger.Debug("Spec loaded", "state", StateLoaded)
	return nil
}

// resume consults the impact log. done is true when there is nothing left to do
// or when the run finished by resuming at event publishing.
func (o *Orchestrator) resume(ctx context.Context, r *run) (*Outcome, bool, error) {
	entry, err := o.store.GetImpactLog(ctx, r.ref, r.hash, r.current.LineageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load impact log: %w", err)
	}
	r.prior = entry

	switch entry.Status {
	case spec.ImpactPatched, spec.ImpactPRCreated, spec.ImpactFailed:
		// A failed row with a new version id failed after its commit.
		if entry.NewSpecVersionID == nil {
			return nil, false, nil
		}
		r.committed = true
		newVersion, err := o.store.GetVersion(ctx, *entry.NewSpecVersionID)
		if err != nil {
			return nil, false, fmt.Errorf("load patched version: %w", err)
		}
		diffs, err := o.store.ListDiffs(ctx, newVersion.ID)
		if err != nil {
			return nil, false, fmt.Errorf("load diffs: %w", err)
		}
		out := &Outcome{
			State:      StateDone,
			Status:     spec.ImpactPatched,
			NewVersion: newVersion,
			Diffs:      diffs,
			Warnings:   entry.Warnings,
			Resumed:    true,
		}
		if entry.EventsPublishedAt != nil {
			r.logger.Info("Regulation already applied to lineage", "new_version_id", newVersion.ID)
			return out, true, nil
		}

		r.logger.Info("Resuming at event publishing", "new_version_id", newVersion.ID)
		parent := r.current
		if newVersion.ParentID != nil && *newVersion.ParentID != parent.ID {
			if p, err := o.store.GetVersion(ctx, *newVersion.ParentID); err == nil {
				parent = p
			}
		}
		if err := o.publish(ctx, r, entry, parent, newVersion, diffs); err != nil {
			return nil, false, err
		}
		if entry.Status == spec.ImpactFailed {
			if err := o.store.SetImpactStatus(ctx, entry.ID, spec.ImpactPatched, ""); err != nil {
				r.logger.Warn("Failed to clear failure from impact log", "error", err)
			}
		}
		return out, true, nil

	case spec.ImpactNoChange:
		if entry.SpecVersionID == r.current.ID {
			r.logger.Info("Regulation already evaluated without change")
			return &Outcome{State: StateDone, Status: spec.ImpactNoChange, Warnings: entry.Warnings, Resumed: true}, true, nil
		}
	}
	return nil, false, nil
}

func (o *Orchestrator) commit(ctx context.Context, r *run, modules []spec.ModuleKey, applied clause.ApplyResult, warnings []string) (*spec.SpecVersion, error) {
	ref := r.ref
	child := &spec.SpecVersion{
		VersionLabel:      spec.NextMinorLabel(r.current.VersionLabel, r.current.VersionNumber+1),
		ChangeReason:      fmt.Sprintf("Automated patch: %d clause change(s) for %s", len(applied.Applied), ref),
		TriggeredBy:       spec.TriggeredByRegulationUpdate,
		RegulationTrigger: &ref,
		Frameworks:        append([]string(nil), r.current.Frameworks...),
		Jurisdictions:     append([]string(nil), r.current.Jurisdictions...),
		Modules:           applied.Modules,
	}

	impact := o.impactEntry(r, modules, warnings)
	newVersion, err := o.store.CreateChildVersion(ctx, storage.ChildVersionParams{
		ParentID: r.current.ID,
		Child:    child,
		Diffs:    applied.Applied,
		Impact:   impact,
	})
	if errors.Is(err, storage.ErrConflict) {
		if o.observer != nil {
			o.observer.ObserveConflict()
		}
		r.logger.Warn("Concurrent patch committed first, will retry from a fresh load", "error", err)
		return nil, fmt.Errorf("create version: %w", err)
	}
	if err != nil {
		return nil, o.fail(ctx, r, fmt.Errorf("create version: %w", err))
	}

	r.logger.Info("Version created",
		"state", StateAuditWritten,
		"new_version_id", newVersion.ID,
		"new_version_number", newVersion.VersionNumber,
		"label", newVersion.VersionLabel,
		"diffs", len(applied.Applied))
	return newVersion, nil
}

func (o *Orchestrator) publish(ctx context.Context, r *run, entry *spec.ImpactLogEntry, parent, newVersion *spec.SpecVersion, diffs []spec.ClauseDiff) error {
	pr := bus.PRRequestedEvent{
		ImpactLogID:       entry.ID,
		WorkspaceID:       newVersion.WorkspaceID,
		LineageID:         newVersion.LineageID,
		PreviousVersionID: parent.ID,
		NewVersionID:      newVersion.ID,
		VersionLabel:      newVersion.VersionLabel,
		Title:             fmt.Sprintf("%s: %s compliance update (%s)", newVersion.Title(), r.ref, newVersion.VersionLabel),
		RegulationRef:     r.ref,
		AffectedModules:   entry.AffectedModules,
		Diffs:             diffs,
	}
	if err := o.events.RequestPR(ctx, pr); err != nil {
		return fmt.Errorf("request pull request: %w", err)
	}

	updated := bus.SpecUpdatedEvent{
		WorkspaceID:       newVersion.WorkspaceID,
		LineageID:         newVersion.LineageID,
		PreviousVersionID: parent.ID,
		NewVersionID:      newVersion.ID,
		VersionNumber:     newVersion.VersionNumber,
		VersionLabel:      newVersion.VersionLabel,
		RegulationRef:     r.ref,
		AffectedModules:   entry.AffectedModules,
		Diffs:             diffs,
		DiffCount:         len(diffs),
		PRRequested:       true,
		Warnings:          entry.Warnings,
	}
	if err := o.events.PublishSpecUpdated(ctx, updated); err != nil {
		return fmt.Errorf("publish spec updated: %w", err)
	}

	if err := o.store.MarkEventsPublished(ctx, entry.ID, o.now().UTC()); err != nil {
		return fmt.Errorf("mark events published: %w", err)
	}
	r.logger.Info("Events published", "state", StateEventsPublished, "new_version_id", newVersion.ID)
	return nil
}

func (o *Orchestrator) impactEntry(r *run, modules []spec.ModuleKey, warnings []string) *spec.ImpactLogEntry {
	e := &spec.ImpactLogEntry{
		RegulationRef:   r.ref,
		RegulationHash:  r.hash,
		WorkspaceID:     r.current.WorkspaceID,
		LineageID:       r.current.LineageID,
		SpecVersionID:   r.current.ID,
		AffectedModules: modules,
		Warnings:        warnings,
	}
	if r.prior != nil {
		e.ID = r.prior.ID
	}
	return e
}

func (o *Orchestrator) noChange(ctx context.Context, r *run, modules []spec.ModuleKey, warnings []string) (*Outcome, error) {
	entry := o.impactEntry(r, modules, warnings)
	entry.Status = spec.ImpactNoChange
	if err := o.store.UpsertImpactLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("record no change: %w", err)
	}
	r.logger.Info("No change required", "modules", modules, "warnings", len(warnings))
	o.observePatch(spec.ImpactNoChange, 0)
	return &Outcome{State: StateDone, Status: spec.ImpactNoChange, Warnings: warnings}, nil
}

// fail records the error on the impact log and returns it unchanged.
func (o *Orchestrator) fail(ctx context.Context, r *run, err error) error {
	o.recordFailure(ctx, r, r.current.LineageID, r.current.ID, err)
	return err
}

// recordFinal records the last retryable error of a job that will not be
// redelivered. A committed version keeps its row and new version id; only the
// status and error change.
func (o *Orchestrator) recordFinal(ctx context.Context, r *run, cause error) {
	if !r.committed {
		lineageID, versionID := r.job.LineageID, r.job.SpecVersionID
		if r.current != nil {
			lineageID, versionID = r.current.LineageID, r.current.ID
		}
		o.recordFailure(ctx, r, lineageID, versionID, cause)
		return
	}

	r.recorded = true
	r.logger.Error("Patch run failed after commit", "state", StateFailed, "error", cause)
	o.observePatch(spec.ImpactFailed, 0)
	entry, err := o.store.GetImpactLog(ctx, r.ref, r.hash, r.current.LineageID)
	if err != nil {
		r.logger.Warn("Failed to load impact log to record failure", "error", err)
		return
	}
	if err := o.store.SetImpactStatus(ctx, entry.ID, spec.ImpactFailed, cause.Error()); err != nil {
		r.logger.Warn("Failed to record failure in impact log", "error", err)
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, r *run, lineageID, versionID string, cause error) {
	r.recorded = true
	r.logger.Error("Patch run failed", "state", StateFailed, "error", cause)
	o.observePatch(spec.ImpactFailed, 0)
	if lineageID == "" {
		return
	}
	entry := &spec.ImpactLogEntry{
		RegulationRef:  r.ref,
		RegulationHash: r.hash,
		WorkspaceID:    r.job.WorkspaceID,
		LineageID:      lineageID,
		SpecVersionID:  versionID,
		Status:         spec.ImpactFailed,
		ErrorMessage:   cause.Error(),
	}
	if r.current != nil {
		entry.WorkspaceID = r.current.WorkspaceID
	}
	if err := o.store.UpsertImpactLog(ctx, entry); err != nil {
		r.logger.Warn("Failed to record failure in impact log", "error", err)
	}
}

func (o *Orchestrator) observePatch(status spec.ImpactStatus, diffs int) {
	if o.observer != nil {
		o.observer.ObservePatch(status, diffs)
	}
}

// widen adds hinted modules to a fallback classification. A classification
// the model actually answered is never widened.
func (o *Orchestrator) widen(ctx context.Context, r *run, class clause.Classification) []spec.ModuleKey {
	modules := class.Modules
	if o.hinter == nil || !class.Fallback {
		return modules
	}
	hints, err := o.hinter.HintModules(ctx, r.reg.Content, r.current.Modules)
	if err != nil {
		r.logger.Warn("Module hints unavailable", "error", err)
		return modules
	}
	if len(hints) == 0 {
		return modules
	}
	r.logger.Debug("Widening conservative classification", "hints", hints)
	return spec.SortModules(append(append([]spec.ModuleKey{}, modules...), hints...))
}
