package impact

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/specpatch/llm/testutil"
	"github.com/c360studio/specpatch/spec"
)

func TestModuleRanker_HintModules(t *testing.T) {
	modules := spec.Modules{
		spec.ModuleMasterSpecification: spec.Document{"projectName": "Shop"},
		spec.ModuleSecurityBlueprint:   spec.Document{"encryption": "AES-128"},
		spec.ModuleCostAnalysis:        spec.Document{"monthly": 100},
		spec.ModuleCodeScaffolding:     spec.Document{},
	}
	embedder := &testutil.MockEmbedder{
		Vectors: map[string][]float64{
			regulationText: {1, 0},
			"Shop":         {0.5, 0.86},
			"security_blueprint\n{\"encryption\":\"AES-128\"}": {0.9, 0.1},
			"cost_analysis\n{\"monthly\":100}":                 {0, 1},
		},
	}

	ranker := NewModuleRanker(embedder, 0, nil)
	hints, err := ranker.HintModules(context.Background(), regulationText, modules)
	require.NoError(t, err)
	assert.Equal(t, []spec.ModuleKey{spec.ModuleSecurityBlueprint}, hints)
	// regulation + three non-empty modules
	assert.Equal(t, 4, embedder.CallCount())
}

func TestModuleRanker_LowerThreshold(t *testing.T) {
	modules := spec.Modules{
		spec.ModuleMasterSpecification: spec.Document{"projectName": "Shop"},
	}
	embedder := &testutil.MockEmbedder{
		Vectors: map[string][]float64{
			regulationText: {1, 0},
			"Shop":         {0.5, 0.86},
		},
	}

	hints, err := NewModuleRanker(embedder, 0.4, nil).HintModules(context.Background(), regulationText, modules)
	require.NoError(t, err)
	assert.Equal(t, []spec.ModuleKey{spec.ModuleMasterSpecification}, hints)
}

func TestModuleRanker_Failures(t *testing.T) {
	modules := spec.Modules{
		spec.ModuleMasterSpecification: spec.Document{"projectName": "Shop"},
	}

	t.Run("regulation embedding fails", func(t *testing.T) {
		embedder := &testutil.MockEmbedder{Fail: map[string]error{regulationText: errors.New("down")}}
		_, err := NewModuleRanker(embedder, 0, nil).HintModules(context.Background(), regulationText, modules)
		assert.ErrorContains(t, err, "embed regulation")
	})

	t.Run("module embedding fails", func(t *testing.T) {
		embedder := &testutil.MockEmbedder{
			Vectors: map[string][]float64{regulationText: {1, 0}},
			Fail:    map[string]error{"Shop": errors.New("down")},
		}
		hints, err := NewModuleRanker(embedder, 0, nil).HintModules(context.Background(), regulationText, modules)
		require.NoError(t, err)
		assert.Empty(t, hints)
	})

	t.Run("no text", func(t *testing.T) {
		embedder := &testutil.MockEmbedder{}
		hints, err := NewModuleRanker(embedder, 0, nil).HintModules(context.Background(), "", modules)
		require.NoError(t, err)
		assert.Empty(t, hints)
		assert.Zero(t, embedder.CallCount())
	})
}

func TestModuleText_TruncatesOnRuneBoundary(t *testing.T) {
	doc := spec.Document{"note": strings.Repeat("é", maxModuleChars)}
	text := moduleText(spec.ModuleCostAnalysis, doc)

	assert.True(t, utf8.ValidString(text))
	assert.LessOrEqual(t, len(text), maxModuleChars)
	assert.GreaterOrEqual(t, len(text), maxModuleChars-utf8.UTFMax)
	assert.True(t, strings.HasPrefix(text, "cost_analysis\n"))
}
