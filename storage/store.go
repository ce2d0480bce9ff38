// Package storage is the Version Store: the append-only chain of specification
// versions, the clause-diff audit table and the regulation impact log.
//
// The only way to change the status of an existing version is CreateChildVersion,
// which inserts the child and supersedes the parent in one unit of work, and
// ArchiveVersion.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/specpatch/spec"
)

// VersionStore is the single source of truth for "what is the current version of spec X".
type VersionStore interface {
	GetVersion(ctx context.Context, id string) (*spec.SpecVersion, error)
	GetActiveVersion(ctx context.Context, lineageID string) (*spec.SpecVersion, error)
	ListLineage(ctx context.Context, lineageID string) ([]*spec.SpecVersion, error)

	// FindActiveCandidates returns active versions whose declared frameworks and
	// jurisdictions both intersect the given sets (case-insensitive).
	FindActiveCandidates(ctx context.Context, frameworks, jurisdictions []string) ([]*spec.SpecVersion, error)

	InsertInitialVersion(ctx context.Context, v *spec.SpecVersion) error
	CreateChildVersion(ctx context.Context, p ChildVersionParams) (*spec.SpecVersion, error)
	ArchiveVersion(ctx context.Context, id string) error

	ListDiffs(ctx context.Context, toVersionID string) ([]spec.ClauseDiff, error)

	UpsertImpactLog(ctx context.Context, entry *spec.ImpactLogEntry) error
	GetImpactLog(ctx context.Context, regulationRef, regulationHash, lineageID string) (*spec.ImpactLogEntry, error)
	ListImpactLog(ctx context.Context, regulationRef string) ([]*spec.ImpactLogEntry, error)
	MarkEventsPublished(ctx context.Context, entryID string, at time.Time) error
	SetImpactStatus(ctx context.Context, entryID string, status spec.ImpactStatus, errMsg string) error
}

// ChildVersionParams describes one atomic create-and-supersede.
type ChildVersionParams struct {
	// ParentID is the version the caller loaded and computed diffs against.
	ParentID string

	// Child holds the new version's content. ID and CreatedAt are assigned when
	// empty; lineage, parent, number and status are derived from the parent.
	Child *spec.SpecVersion

	// Diffs are written as audit rows referencing (ParentID, Child.ID).
	Diffs []spec.ClauseDiff

	// Impact is upserted as patched with the new version id and diff count.
	Impact *spec.ImpactLogEntry
}

// Validate checks the fields required before opening a transaction.
func (p ChildVersionParams) Validate() error {
	if p.ParentID == "" {
		return fmt.Errorf("parent id is required")
	}
	if p.Child == nil {
		return fmt.Errorf("child version is required")
	}
	if p.Impact == nil {
		return fmt.Errorf("impact log entry is required")
	}
	return nil
}

// NewID returns a fresh row identifier.
func NewID() string { return uuid.New().String() }

// DeriveChild fills the lineage fields of the child from its parent.
func DeriveChild(parent *spec.SpecVersion, p ChildVersionParams, now time.Time) *spec.SpecVersion {
	child := *p.Child
	if child.ID == "" {
		child.ID = NewID()
	}
	if child.CreatedAt.IsZero() {
		child.CreatedAt = now
	}
	parentID := parent.ID
	child.ParentID = &parentID
	child.LineageID = parent.LineageID
	child.WorkspaceID = parent.WorkspaceID
	child.VersionNumber = parent.VersionNumber + 1
	child.Status = spec.StatusActive
	if child.Frameworks == nil {
		child.Frameworks = parent.Frameworks
	}
	if child.Jurisdictions == nil {
		child.Jurisdictions = parent.Jurisdictions
	}
	return &child
}

// StampDiffs binds audit rows to the (parent, child) pair.
func StampDiffs(diffs []spec.ClauseDiff, parentID, childID string, now time.Time) []spec.ClauseDiff {
	out := make([]spec.ClauseDiff, len(diffs))
	for i, d := range diffs {
		if d.ID == "" {
			d.ID = NewID()
		}
		d.FromVersionID = parentID
		d.ToVersionID = childID
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		out[i] = d
	}
	return out
}

// PatchedImpact returns the impact row recorded alongside a new version.
func PatchedImpact(in *spec.ImpactLogEntry, parent, child *spec.SpecVersion, diffCount int, now time.Time) *spec.ImpactLogEntry {
	entry := *in
	if entry.ID == "" {
		entry.ID = NewID()
	}
	childID := child.ID
	entry.NewSpecVersionID = &childID
	entry.SpecVersionID = parent.ID
	entry.LineageID = parent.LineageID
	entry.WorkspaceID = parent.WorkspaceID
	entry.DiffCount = diffCount
	entry.Status = spec.ImpactPatched
	entry.ErrorMessage = ""
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	return &entry
}

// intersectsFold reports whether a and b share an element, ignoring case.
func intersectsFold(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(strings.TrimSpace(x), strings.TrimSpace(y)) {
				return true
			}
		}
	}
	return false
}
