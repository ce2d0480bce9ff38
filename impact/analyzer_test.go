package impact

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/specpatch/llm/testutil"
	"github.com/c360studio/specpatch/spec"
	"github.com/c360studio/specpatch/storage"
)

const regulationText = "Personal data must be encrypted with state of the art algorithms."

func seed(t *testing.T, s *storage.MemoryStore, id, project string, frameworks, jurisdictions []string) {
	t.Helper()
	err := s.InsertInitialVersion(context.Background(), &spec.SpecVersion{
		ID:            id,
		WorkspaceID:   "ws-" + id,
		VersionNumber: 1,
		VersionLabel:  "v1.0.0",
		TriggeredBy:   spec.TriggeredByUser,
		Frameworks:    frameworks,
		Jurisdictions: jurisdictions,
		Modules: spec.Modules{
			spec.ModuleMasterSpecification: spec.Document{"projectName": project},
		},
	})
	require.NoError(t, err)
}

type failingFinder struct{}

func (failingFinder) FindActiveCandidates(context.Context, []string, []string) ([]*spec.SpecVersion, error) {
	return nil, errors.New("database unavailable")
}

type countingObserver struct{ candidates, retained, excluded int }

func (o *countingObserver) ObserveImpact(c, r, e int) {
	o.candidates, o.retained, o.excluded = c, r, e
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"zero vector", []float64{0, 0}, []float64{1, 1}, 0},
		{"length mismatch", []float64{1, 2}, []float64{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestFindAffectedSpecs_StructuralFilter(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, "a", "Payments", []string{"GDPR"}, []string{"EU"})
	seed(t, store, "b", "Telemetry", []string{"HIPAA"}, []string{"US"})
	seed(t, store, "c", "Billing", []string{"gdpr"}, []string{"eu"})

	a := NewAnalyzer(store, nil)
	got, err := a.FindAffectedSpecs(context.Background(), "GDPR", "EU", "")
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].SpecVersionID)
	assert.Equal(t, "c", got[1].SpecVersionID)
	for _, s := range got {
		assert.Equal(t, 1.0, s.Score)
	}
}

func TestFindAffectedSpecs_SemanticThreshold(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, "close", "Close", []string{"GDPR"}, []string{"EU"})
	seed(t, store, "far", "Far", []string{"GDPR"}, []string{"EU"})
	seed(t, store, "closest", "Closest", []string{"GDPR"}, []string{"EU"})

	// cos(regulation, far) = 0.40 which sits below the 0.65 default.
	embedder := &testutil.MockEmbedder{Vectors: map[string][]float64{
		regulationText: {1, 0},
		"Close":        {0.8, 0.6},
		"Far":          {0.4, math.Sqrt(1 - 0.16)},
		"Closest":      {1, 0},
	}}
	obs := &countingObserver{}

	a := NewAnalyzer(store, embedder, WithObserver(obs), WithParallelism(2))
	got, err := a.FindAffectedSpecs(context.Background(), "GDPR", "EU", regulationText)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "closest", got[0].SpecVersionID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.Equal(t, "close", got[1].SpecVersionID)
	assert.InDelta(t, 0.8, got[1].Score, 1e-9)
	assert.Equal(t, 4, embedder.CallCount(), "regulation embedded once plus once per candidate")
	assert.Equal(t, countingObserver{candidates: 3, retained: 2, excluded: 1}, *obs)
}

func TestFindAffectedSpecs_CandidateFailureIsIsolated(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, "ok", "Healthy", []string{"GDPR"}, []string{"EU"})
	seed(t, store, "broken", "Broken", []string{"GDPR"}, []string{"EU"})

	embedder := &testutil.MockEmbedder{
		Vectors: map[string][]float64{regulationText: {1, 0}, "Healthy": {1, 0}},
		Fail:    map[string]error{"Broken": errors.New("embedding timeout")},
	}

	got, err := NewAnalyzer(store, embedder).FindAffectedSpecs(context.Background(), "GDPR", "EU", regulationText)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].SpecVersionID)
}

func TestFindAffectedSpecs_RegulationEmbeddingFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, "a", "Payments", []string{"GDPR"}, []string{"EU"})

	embedder := &testutil.MockEmbedder{Fail: map[string]error{regulationText: errors.New("down")}}

	_, err := NewAnalyzer(store, embedder).FindAffectedSpecs(context.Background(), "GDPR", "EU", regulationText)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embed regulation")
}

func TestFindAffectedSpecs_StoreFailure(t *testing.T) {
	_, err := NewAnalyzer(failingFinder{}, nil).FindAffectedSpecs(context.Background(), "GDPR", "EU", "")
	require.Error(t, err)
}

func TestFindAffectedSpecs_NoCandidates(t *testing.T) {
	embedder := &testutil.MockEmbedder{Default: []float64{1}}
	got, err := NewAnalyzer(storage.NewMemoryStore(), embedder).FindAffectedSpecs(context.Background(), "GDPR", "EU", regulationText)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, embedder.CallCount())
}

func TestFindAffectedSpecs_CustomThreshold(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, "a", "Payments", []string{"GDPR"}, []string{"EU"})

	embedder := &testutil.MockEmbedder{Vectors: map[string][]float64{
		regulationText: {1, 0},
		"Payments":     {0.4, math.Sqrt(1 - 0.16)},
	}}

	a := NewAnalyzer(store, embedder, WithThreshold(0.3))
	assert.Equal(t, 0.3, a.Threshold())
	got, err := a.FindAffectedSpecs(context.Background(), "GDPR", "EU", regulationText)
	require.NoError(t, err)
	require.Len(t, got, 1)
}
