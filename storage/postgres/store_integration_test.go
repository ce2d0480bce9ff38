//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/specpatch/spec"
	"github.com/c360studio/specpatch/storage"
	"github.com/c360studio/specpatch/storage/postgres"
)

// openStore connects to SPECPATCH_TEST_DATABASE_URL and applies the schema.
func openStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("SPECPATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SPECPATCH_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := postgres.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func seed(t *testing.T, s *postgres.Store) *spec.SpecVersion {
	t.Helper()
	v := &spec.SpecVersion{
		WorkspaceID:   "ws-it",
		VersionNumber: 1,
		VersionLabel:  "v1.0.0",
		TriggeredBy:   spec.TriggeredByUser,
		Frameworks:    []string{"GDPR"},
		Jurisdictions: []string{"EU"},
		Modules: spec.Modules{
			spec.ModuleSecurityBlueprint: spec.Document{"encryption": "AES-128"},
		},
	}
	require.NoError(t, s.InsertInitialVersion(context.Background(), v))
	return v
}

func params(parentID, ref string) storage.ChildVersionParams {
	return storage.ChildVersionParams{
		ParentID: parentID,
		Child: &spec.SpecVersion{
			VersionLabel: "v1.1.0",
			TriggeredBy:  spec.TriggeredByRegulationUpdate,
			Modules: spec.Modules{
				spec.ModuleSecurityBlueprint: spec.Document{"encryption": "AES-256-GCM"},
			},
		},
		Diffs: []spec.ClauseDiff{{
			Module:     spec.ModuleSecurityBlueprint,
			ClausePath: "encryption",
			Before:     json.RawMessage(`"AES-128"`),
			After:      json.RawMessage(`"AES-256-GCM"`),
			Severity:   spec.SeverityHigh,
		}},
		Impact: &spec.ImpactLogEntry{RegulationRef: ref, RegulationHash: "h"},
	}
}

func TestStore_CreateChildVersion(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	root := seed(t, s)

	child, err := s.CreateChildVersion(ctx, params(root.ID, "GDPR Article 32"))
	require.NoError(t, err)
	assert.Equal(t, 2, child.VersionNumber)

	parent, err := s.GetVersion(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, spec.StatusSuperseded, parent.Status)

	diffs, err := s.ListDiffs(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.JSONEq(t, `"AES-256-GCM"`, string(diffs[0].After))

	entry, err := s.GetImpactLog(ctx, "GDPR Article 32", "h", root.LineageID)
	require.NoError(t, err)
	assert.Equal(t, spec.ImpactPatched, entry.Status)
}

func TestStore_ConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	root := seed(t, s)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, ref := range []string{"GDPR Article 32", "GDPR Article 25"} {
		wg.Add(1)
		go func(i int, ref string) {
			defer wg.Done()
			_, errs[i] = s.CreateChildVersion(ctx, params(root.ID, ref))
		}(i, ref)
	}
	wg.Wait()

	conflicts := 0
	for _, err := range errs {
		if err != nil {
			require.True(t, errors.Is(err, storage.ErrConflict), "unexpected error: %v", err)
			conflicts++
		}
	}
	assert.Equal(t, 1, conflicts)

	lineage, err := s.ListLineage(ctx, root.LineageID)
	require.NoError(t, err)
	require.NoError(t, spec.VerifyChain(lineage))
}
