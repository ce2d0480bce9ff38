package impact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/c360studio/specpatch/spec"
)

// DefaultModuleSimilarityThreshold is the minimum cosine similarity between a
// regulation and a module payload for the module to be suggested.
const DefaultModuleSimilarityThreshold = 0.72

// maxModuleChars bounds the module text sent for embedding.
const maxModuleChars = 6000

// ModuleRanker suggests modules by embedding similarity. It backs up the
// classifier when the classifier had to fall back to its conservative answer.
type ModuleRanker struct {
	embedder  Embedder
	threshold float64
	logger    *slog.Logger
}

// NewModuleRanker creates a ranker. A threshold of 0 selects the default.
func NewModuleRanker(embedder Embedder, threshold float64, logger *slog.Logger) *ModuleRanker {
	if threshold == 0 {
		threshold = DefaultModuleSimilarityThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ModuleRanker{embedder: embedder, threshold: threshold, logger: logger}
}

// HintModules returns the non-empty modules whose payload is at least
// threshold-similar to the regulation text, in canonical order.
func (m *ModuleRanker) HintModules(ctx context.Context, regulationText string, modules spec.Modules) ([]spec.ModuleKey, error) {
	if m.embedder == nil || regulationText == "" {
		return nil, nil
	}
	regVec, err := m.embedder.EmbedOne(ctx, regulationText)
	if err != nil {
		return nil, fmt.Errorf("embed regulation: %w", err)
	}

	var hints []spec.ModuleKey
	for _, key := range spec.AllModules() {
		doc := modules[key]
		if len(doc) == 0 {
			continue
		}
		text := moduleText(key, doc)
		vec, err := m.embedder.EmbedOne(ctx, text)
		if err != nil {
			m.logger.Warn("Module embedding failed", "module", key, "error", err)
			continue
		}
		score := Cosine(regVec, vec)
		m.logger.Debug("Module similarity", "module", key, "score", score)
		if score >= m.threshold {
			hints = append(hints, key)
		}
	}
	return hints, nil
}

func moduleText(key spec.ModuleKey, doc spec.Document) string {
	if key == spec.ModuleMasterSpecification {
		return spec.Summarize(doc)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return string(key)
	}
	text := string(key) + "\n" + string(data)
	if len(text) > maxModuleChars {
		cut := maxModuleChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}
