package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/specpatch/spec"
)

func seedLineage(t *testing.T, s *MemoryStore) *spec.SpecVersion {
	t.Helper()
	v := &spec.SpecVersion{
		WorkspaceID:   "ws-1",
		VersionNumber: 1,
		VersionLabel:  "v1.0.0",
		TriggeredBy:   spec.TriggeredByUser,
		Frameworks:    []string{"GDPR", "SOC2"},
		Jurisdictions: []string{"EU"},
		Modules: spec.Modules{
			spec.ModuleSecurityBlueprint: spec.Document{
				"encryptionControls": []any{map[string]any{"algorithm": "AES-128"}},
			},
		},
	}
	require.NoError(t, s.InsertInitialVersion(context.Background(), v))
	return v
}

func childParams(parentID, ref string) ChildVersionParams {
	return ChildVersionParams{
		ParentID: parentID,
		Child: &spec.SpecVersion{
			VersionLabel: "v1.1.0",
			ChangeReason: "Automated patch: " + ref,
			TriggeredBy:  spec.TriggeredByRegulationUpdate,
			Modules: spec.Modules{
				spec.ModuleSecurityBlueprint: spec.Document{
					"encryptionControls": []any{map[string]any{"algorithm": "AES-256-GCM"}},
				},
			},
		},
		Diffs: []spec.ClauseDiff{{
			Module:     spec.ModuleSecurityBlueprint,
			ClausePath: "encryptionControls[0].algorithm",
			Before:     json.RawMessage(`"AES-128"`),
			After:      json.RawMessage(`"AES-256-GCM"`),
			Severity:   spec.SeverityHigh,
		}},
		Impact: &spec.ImpactLogEntry{
			RegulationRef:   ref,
			RegulationHash:  "abc",
			AffectedModules: []spec.ModuleKey{spec.ModuleSecurityBlueprint},
		},
	}
}

func TestMemoryStore_InitialVersion(t *testing.T) {
	s := NewMemoryStore()
	v := seedLineage(t, s)

	assert.Equal(t, v.ID, v.LineageID, "lineage defaults to root id")
	assert.Equal(t, spec.StatusActive, v.Status)

	active, err := s.GetActiveVersion(context.Background(), v.LineageID)
	require.NoError(t, err)
	assert.Equal(t, v.ID, active.ID)

	err = s.InsertInitialVersion(context.Background(), &spec.SpecVersion{VersionNumber: 2})
	assert.Error(t, err)
}

func TestMemoryStore_CreateChildVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	root := seedLineage(t, s)

	child, err := s.CreateChildVersion(ctx, childParams(root.ID, "GDPR Article 32"))
	require.NoError(t, err)

	assert.Equal(t, 2, child.VersionNumber)
	assert.Equal(t, root.LineageID, child.LineageID)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, root.ID, *child.ParentID)
	assert.Equal(t, spec.StatusActive, child.Status)
	assert.Equal(t, root.Frameworks, child.Frameworks, "frameworks inherited when unset")

	parent, err := s.GetVersion(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, spec.StatusSuperseded, parent.Status)
	assert.Equal(t, "AES-128", parent.Modules[spec.ModuleSecurityBlueprint]["encryptionControls"].([]any)[0].(map[string]any)["algorithm"],
		"parent payload is never rewritten")

	diffs, err := s.ListDiffs(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, root.ID, diffs[0].FromVersionID)
	assert.Equal(t, child.ID, diffs[0].ToVersionID)

	entry, err := s.GetImpactLog(ctx, "GDPR Article 32", "abc", root.LineageID)
	require.NoError(t, err)
	assert.Equal(t, spec.ImpactPatched, entry.Status)
	assert.Equal(t, 1, entry.DiffCount)
	require.NotNil(t, entry.NewSpecVersionID)
	assert.Equal(t, child.ID, *entry.NewSpecVersionID)

	lineage, err := s.ListLineage(ctx, root.LineageID)
	require.NoError(t, err)
	require.NoError(t, spec.VerifyChain(lineage))
}

func TestMemoryStore_ConflictOnSupersededParent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	root := seedLineage(t, s)

	_, err := s.CreateChildVersion(ctx, childParams(root.ID, "GDPR Article 32"))
	require.NoError(t, err)

	_, err = s.CreateChildVersion(ctx, childParams(root.ID, "GDPR Article 25"))
	assert.True(t, errors.Is(err, ErrConflict), "got %v", err)
}

func TestMemoryStore_ConcurrentCommitsProduceOneChain(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	root := seedLineage(t, s)

	refs := []string{"GDPR Article 32", "GDPR Article 25"}
	results := make([]error, len(refs))
	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref string) {
			defer wg.Done()
			_, results[i] = s.CreateChildVersion(ctx, childParams(root.ID, ref))
		}(i, ref)
	}
	wg.Wait()

	var loser = -1
	successes := 0
	for i, err := range results {
		if err == nil {
			successes++
			continue
		}
		require.ErrorIs(t, err, ErrConflict)
		loser = i
	}
	require.Equal(t, 1, successes, "exactly one writer wins")
	require.NotEqual(t, -1, loser)

	// The loser reloads the active version and retries against it.
	active, err := s.GetActiveVersion(ctx, root.LineageID)
	require.NoError(t, err)
	retried, err := s.CreateChildVersion(ctx, childParams(active.ID, refs[loser]))
	require.NoError(t, err)
	assert.Equal(t, 3, retried.VersionNumber)

	lineage, err := s.ListLineage(ctx, root.LineageID)
	require.NoError(t, err)
	require.Len(t, lineage, 3)
	require.NoError(t, spec.VerifyChain(lineage))
}

func TestMemoryStore_FindActiveCandidates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	eu := seedLineage(t, s)

	us := &spec.SpecVersion{
		VersionNumber: 1,
		Frameworks:    []string{"HIPAA"},
		Jurisdictions: []string{"US"},
		Modules:       spec.Modules{},
	}
	require.NoError(t, s.InsertInitialVersion(ctx, us))

	got, err := s.FindActiveCandidates(ctx, []string{"gdpr"}, []string{"eu"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, eu.ID, got[0].ID)

	require.NoError(t, s.ArchiveVersion(ctx, eu.ID))
	got, err = s.FindActiveCandidates(ctx, []string{"GDPR"}, []string{"EU"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_ImpactLog(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	entry := &spec.ImpactLogEntry{
		RegulationRef:  "GDPR Article 32",
		RegulationHash: "h1",
		LineageID:      "lin-1",
		SpecVersionID:  "v1",
		Status:         spec.ImpactNoChange,
	}
	require.NoError(t, s.UpsertImpactLog(ctx, entry))
	firstID := entry.ID
	require.NotEmpty(t, firstID)

	again := &spec.ImpactLogEntry{
		RegulationRef:  "GDPR Article 32",
		RegulationHash: "h1",
		LineageID:      "lin-1",
		SpecVersionID:  "v1",
		Status:         spec.ImpactFailed,
		ErrorMessage:   "boom",
	}
	require.NoError(t, s.UpsertImpactLog(ctx, again))
	assert.Equal(t, firstID, again.ID, "upsert keeps the row identity")

	require.NoError(t, s.SetImpactStatus(ctx, firstID, spec.ImpactPRCreated, ""))
	require.NoError(t, s.MarkEventsPublished(ctx, firstID, s.now()))

	got, err := s.GetImpactLog(ctx, "GDPR Article 32", "h1", "lin-1")
	require.NoError(t, err)
	assert.Equal(t, spec.ImpactPRCreated, got.Status)
	assert.NotNil(t, got.EventsPublishedAt)

	list, err := s.ListImpactLog(ctx, "GDPR Article 32")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetImpactLog(ctx, "GDPR Article 32", "other", "lin-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetImpactStatus(ctx, "missing", spec.ImpactFailed, ""), ErrNotFound)
}
