package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/specpatch/spec"
)

// MemoryStore is an in-process VersionStore with the same conflict semantics as
// the Postgres store. It backs tests and local runs without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string]*spec.SpecVersion
	diffs    map[string][]spec.ClauseDiff // keyed by to-version id
	impact   map[string]*spec.ImpactLogEntry
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string]*spec.SpecVersion),
		diffs:    make(map[string][]spec.ClauseDiff),
		impact:   make(map[string]*spec.ImpactLogEntry),
		now:      time.Now,
	}
}

var _ VersionStore = (*MemoryStore)(nil)

func copyVersion(v *spec.SpecVersion) *spec.SpecVersion {
	cp := *v
	cp.Modules = v.Modules.Clone()
	return &cp
}

func copyImpact(e *spec.ImpactLogEntry) *spec.ImpactLogEntry {
	cp := *e
	return &cp
}

// GetVersion returns a version by id.
func (s *MemoryStore) GetVersion(_ context.Context, id string) (*spec.SpecVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[id]
	if !ok {
		return nil, fmt.Errorf("version %s: %w", id, ErrNotFound)
	}
	return copyVersion(v), nil
}

// GetActiveVersion returns the active version of a lineage.
func (s *MemoryStore) GetActiveVersion(_ context.Context, lineageID string) (*spec.SpecVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions {
		if v.LineageID == lineageID && v.Status == spec.StatusActive {
			return copyVersion(v), nil
		}
	}
	return nil, fmt.Errorf("active version of lineage %s: %w", lineageID, ErrNotFound)
}

// ListLineage returns every version of a lineage ordered by version number.
func (s *MemoryStore) ListLineage(_ context.Context, lineageID string) ([]*spec.SpecVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*spec.SpecVersion
	for _, v := range s.versions {
		if v.LineageID == lineageID {
			out = append(out, copyVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, nil
}

// FindActiveCandidates performs the structural framework/jurisdiction filter.
func (s *MemoryStore) FindActiveCandidates(_ context.Context, frameworks, jurisdictions []string) ([]*spec.SpecVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*spec.SpecVersion
	for _, v := range s.versions {
		if v.Status != spec.StatusActive {
			continue
		}
		if intersectsFold(v.Frameworks, frameworks) && intersectsFold(v.Jurisdictions, jurisdictions) {
			out = append(out, copyVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InsertInitialVersion stores version 1 of a new lineage.
func (s *MemoryStore) InsertInitialVersion(_ context.Context, v *spec.SpecVersion) error {
	if v.ParentID != nil || v.VersionNumber != 1 {
		return fmt.Errorf("initial version must have no parent and version number 1")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v.ID == "" {
		v.ID = NewID()
	}
	if v.LineageID == "" {
		v.LineageID = v.ID
	}
	if v.Status == "" {
		v.Status = spec.StatusActive
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	if _, exists := s.versions[v.ID]; exists {
		return fmt.Errorf("version %s already exists: %w", v.ID, ErrConflict)
	}
	for _, other := range s.versions {
		if other.LineageID == v.LineageID {
			return fmt.Errorf("lineage %s already exists: %w", v.LineageID, ErrConflict)
		}
	}
	s.versions[v.ID] = copyVersion(v)
	return nil
}

// CreateChildVersion atomically inserts the child, supersedes the parent, writes
// the audit rows and marks the impact row patched.
func (s *MemoryStore) CreateChildVersion(_ context.Context, p ChildVersionParams) (*spec.SpecVersion, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.versions[p.ParentID]
	if !ok {
		return nil, fmt.Errorf("parent %s: %w", p.ParentID, ErrNotFound)
	}
	if parent.Status != spec.StatusActive {
		return nil, fmt.Errorf("parent %s is %s: %w", parent.ID, parent.Status, ErrConflict)
	}

	now := s.now()
	child := DeriveChild(parent, p, now)
	if _, exists := s.versions[child.ID]; exists {
		return nil, fmt.Errorf("version %s already exists: %w", child.ID, ErrConflict)
	}

	superseded := copyVersion(parent)
	superseded.Status = spec.StatusSuperseded
	s.versions[parent.ID] = superseded
	s.versions[child.ID] = copyVersion(child)
	s.diffs[child.ID] = StampDiffs(p.Diffs, parent.ID, child.ID, now)

	entry := PatchedImpact(p.Impact, parent, child, len(p.Diffs), now)
	s.upsertImpactLocked(entry)

	return copyVersion(child), nil
}

// ArchiveVersion marks a version archived. Archiving never deletes.
func (s *MemoryStore) ArchiveVersion(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[id]
	if !ok {
		return fmt.Errorf("version %s: %w", id, ErrNotFound)
	}
	archived := copyVersion(v)
	archived.Status = spec.StatusArchived
	s.versions[id] = archived
	return nil
}

// ListDiffs returns the audit rows that produced a version.
func (s *MemoryStore) ListDiffs(_ context.Context, toVersionID string) ([]spec.ClauseDiff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	diffs := s.diffs[toVersionID]
	out := make([]spec.ClauseDiff, len(diffs))
	copy(out, diffs)
	return out, nil
}

func impactKey(ref, hash, lineageID string) string {
	return ref + "\x00" + hash + "\x00" + lineageID
}

// UpsertImpactLog inserts or updates the row for (regulation, lineage).
func (s *MemoryStore) UpsertImpactLog(_ context.Context, entry *spec.ImpactLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	s.upsertImpactLocked(entry)
	return nil
}

func (s *MemoryStore) upsertImpactLocked(entry *spec.ImpactLogEntry) {
	key := impactKey(entry.RegulationRef, entry.RegulationHash, entry.LineageID)
	if existing, ok := s.impact[key]; ok {
		entry.ID = existing.ID
		entry.CreatedAt = existing.CreatedAt
		if entry.EventsPublishedAt == nil {
			entry.EventsPublishedAt = existing.EventsPublishedAt
		}
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	s.impact[key] = copyImpact(entry)
}

// GetImpactLog returns the row for (regulation, lineage).
func (s *MemoryStore) GetImpactLog(_ context.Context, regulationRef, regulationHash, lineageID string) (*spec.ImpactLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.impact[impactKey(regulationRef, regulationHash, lineageID)]
	if !ok {
		return nil, fmt.Errorf("impact log %s for lineage %s: %w", regulationRef, lineageID, ErrNotFound)
	}
	return copyImpact(entry), nil
}

// ListImpactLog returns every evaluation of a regulation, oldest first.
func (s *MemoryStore) ListImpactLog(_ context.Context, regulationRef string) ([]*spec.ImpactLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*spec.ImpactLogEntry
	for _, e := range s.impact {
		if e.RegulationRef == regulationRef {
			out = append(out, copyImpact(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) findImpactLocked(id string) *spec.ImpactLogEntry {
	for _, e := range s.impact {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// MarkEventsPublished records that downstream events for a patched row went out.
func (s *MemoryStore) MarkEventsPublished(_ context.Context, entryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.findImpactLocked(entryID)
	if e == nil {
		return fmt.Errorf("impact log %s: %w", entryID, ErrNotFound)
	}
	e.EventsPublishedAt = &at
	e.UpdatedAt = s.now()
	return nil
}

// SetImpactStatus moves a row to a new status in place.
func (s *MemoryStore) SetImpactStatus(_ context.Context, entryID string, status spec.ImpactStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.findImpactLocked(entryID)
	if e == nil {
		return fmt.Errorf("impact log %s: %w", entryID, ErrNotFound)
	}
	e.Status = status
	e.ErrorMessage = errMsg
	e.UpdatedAt = s.now()
	return nil
}
