// Package prrequester opens pull requests for committed spec versions and
// records them on the regulation impact log.
package prrequester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/specpatch/bus"
	"github.com/c360studio/specpatch/clause"
	"github.com/c360studio/specpatch/jobs"
	"github.com/c360studio/specpatch/spec"
	"github.com/c360studio/specpatch/storage"
)

// ImpactStore is the slice of the version store this processor needs.
type ImpactStore interface {
	ListImpactLog(ctx context.Context, regulationRef string) ([]*spec.ImpactLogEntry, error)
	SetImpactStatus(ctx context.Context, entryID string, status spec.ImpactStatus, errMsg string) error
}

var _ ImpactStore = (storage.VersionStore)(nil)

// Component handles pull request jobs.
type Component struct {
	store  ImpactStore
	scm    SourceControl
	logger *slog.Logger
}

// New creates the component.
func New(store ImpactStore, scm SourceControl, logger *slog.Logger) *Component {
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{store: store, scm: scm, logger: logger.With("component", "pr-requester")}
}

// Handle implements jobs.Handler.
func (c *Component) Handle(ctx context.Context, job jobs.Job) (jobs.Result, error) {
	env, err := bus.PRJobs.Decode(job.Data)
	if err != nil {
		return jobs.Result{}, jobs.Permanent(err)
	}
	ev := env.Payload
	if ev.NewVersionID == "" || ev.ImpactLogID == "" {
		return jobs.Result{}, jobs.Permanent(errors.New("pull request job needs a version and an impact log entry"))
	}
	logger := c.logger.With("job_id", job.ID, "new_version_id", ev.NewVersionID, "regulation", ev.RegulationRef)

	entry, err := c.findEntry(ctx, ev)
	if err != nil {
		return jobs.Result{}, err
	}
	if entry.Status == spec.ImpactPRCreated {
		logger.Info("Pull request already created")
		return jobs.Result{Detail: map[string]string{"status": string(spec.ImpactPRCreated), "skipped": "true"}}, nil
	}

	ref, err := c.scm.OpenPullRequest(ctx, BuildPullRequest(ev))
	if err != nil {
		return jobs.Result{}, fmt.Errorf("open pull request: %w", err)
	}

	if err := c.store.SetImpactStatus(ctx, ev.ImpactLogID, spec.ImpactPRCreated, ""); err != nil {
		return jobs.Result{}, fmt.Errorf("record pull request: %w", err)
	}

	logger.Info("Pull request created", "pr_id", ref.ID, "pr_url", ref.URL, "diffs", len(ev.Diffs))
	detail := map[string]string{"status": string(spec.ImpactPRCreated)}
	if ref.URL != "" {
		detail["pr_url"] = ref.URL
	}
	if ref.ID != "" {
		detail["pr_id"] = ref.ID
	}
	return jobs.Result{Detail: detail}, nil
}

func (c *Component) findEntry(ctx context.Context, ev bus.PRRequestedEvent) (*spec.ImpactLogEntry, error) {
	entries, err := c.store.ListImpactLog(ctx, ev.RegulationRef)
	if err != nil {
		return nil, fmt.Errorf("load impact log: %w", err)
	}
	for _, e := range entries {
		if e.ID == ev.ImpactLogID {
			return e, nil
		}
	}
	return nil, jobs.Permanent(fmt.Errorf("impact log %s: %w", ev.ImpactLogID, storage.ErrNotFound))
}

// BuildPullRequest renders the pull request for a committed version.
func BuildPullRequest(ev bus.PRRequestedEvent) PullRequest {
	return PullRequest{
		Title:             ev.Title,
		Body:              renderBody(ev),
		Branch:            branchName(ev),
		WorkspaceID:       ev.WorkspaceID,
		LineageID:         ev.LineageID,
		PreviousVersionID: ev.PreviousVersionID,
		NewVersionID:      ev.NewVersionID,
		VersionLabel:      ev.VersionLabel,
		RegulationRef:     ev.RegulationRef,
		AffectedModules:   ev.AffectedModules,
		Diffs:             ev.Diffs,
	}
}

func renderBody(ev bus.PRRequestedEvent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n\n", ev.Title)
	fmt.Fprintf(&sb, "Regulation **%s** changes %d clause(s) of this specification.\n\n", ev.RegulationRef, len(ev.Diffs))
	fmt.Fprintf(&sb, "| | |\n|---|---|\n")
	fmt.Fprintf(&sb, "| Version | %s |\n", ev.VersionLabel)
	fmt.Fprintf(&sb, "| New version | `%s` |\n", ev.NewVersionID)
	fmt.Fprintf(&sb, "| Previous version | `%s` |\n", ev.PreviousVersionID)
	if len(ev.AffectedModules) > 0 {
		modules := make([]string, len(ev.AffectedModules))
		for i, m := range ev.AffectedModules {
			modules[i] = string(m)
		}
		fmt.Fprintf(&sb, "| Modules | %s |\n", strings.Join(modules, ", "))
	}
	sb.WriteString("\n")

	for _, d := range ev.Diffs {
		label := d.FieldLabel
		if label == "" {
			label = d.ClausePath
		}
		fmt.Fprintf(&sb, "- **%s** (%s, %s): %s\n", label, d.Module, d.Severity, d.Reason)
	}
	if len(ev.Diffs) > 0 {
		sb.WriteString("\n```diff\n")
		sb.WriteString(clause.RenderPatches(ev.Diffs))
		sb.WriteString("```\n")
	}
	return sb.String()
}

func branchName(ev bus.PRRequestedEvent) string {
	lineage := ev.LineageID
	if len(lineage) > 8 {
		lineage = lineage[:8]
	}
	label := strings.NewReplacer(" ", "-", "/", "-").Replace(ev.VersionLabel)
	return fmt.Sprintf("specpatch/%s/%s", lineage, label)
}
