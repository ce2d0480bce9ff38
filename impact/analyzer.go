// Package impact narrows the set of active specifications to those a
// regulation plausibly touches.
//
// Filtering runs in two stages. The structural stage asks the version store for
// active versions whose declared frameworks and jurisdictions intersect the
// regulation's. The semantic stage embeds the regulation text once and each
// candidate's spec summary, keeping candidates whose cosine similarity reaches
// the threshold. Without regulation text the semantic stage is skipped and every
// structural candidate is kept with score 1.0.
package impact

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/specpatch/spec"
	"github.com/c360studio/specpatch/storage"
)

const (
	// DefaultThreshold is the minimum cosine similarity for a candidate to be retained.
	DefaultThreshold = 0.65

	// DefaultParallelism bounds concurrent candidate embeddings.
	DefaultParallelism = 4
)

// Embedder turns text into a vector.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float64, error)
}

// CandidateFinder is the structural-filter slice of the version store.
type CandidateFinder interface {
	FindActiveCandidates(ctx context.Context, frameworks, jurisdictions []string) ([]*spec.SpecVersion, error)
}

var _ CandidateFinder = (storage.VersionStore)(nil)

// Observer receives per-call filter statistics.
type Observer interface {
	ObserveImpact(candidates, retained, excluded int)
}

// AffectedSpec is one spec version selected for patching.
type AffectedSpec struct {
	SpecVersionID string  `json:"spec_version_id"`
	LineageID     string  `json:"lineage_id"`
	WorkspaceID   string  `json:"workspace_id"`
	Score         float64 `json:"score"`
}

// Analyzer finds specs affected by a regulation.
type Analyzer struct {
	store       CandidateFinder
	embedder    Embedder
	threshold   float64
	parallelism int
	logger      *slog.Logger
	observer    Observer
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithThreshold sets the similarity threshold.
func WithThreshold(t float64) Option {
	return func(a *Analyzer) { a.threshold = t }
}

// WithParallelism bounds concurrent candidate scoring.
func WithParallelism(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.parallelism = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithObserver sets the statistics observer.
func WithObserver(o Observer) Option {
	return func(a *Analyzer) { a.observer = o }
}

// NewAnalyzer creates an analyzer. embedder may be nil, in which case every
// structural candidate is retained.
func NewAnalyzer(store CandidateFinder, embedder Embedder, opts ...Option) *Analyzer {
	a := &Analyzer{
		store:       store,
		embedder:    embedder,
		threshold:   DefaultThreshold,
		parallelism: DefaultParallelism,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Threshold returns the configured similarity threshold.
func (a *Analyzer) Threshold() float64 { return a.threshold }

// FindAffectedSpecs returns the active specs affected by a regulation, sorted by
// score descending.
func (a *Analyzer) FindAffectedSpecs(ctx context.Context, framework, jurisdiction, regulationText string) ([]AffectedSpec, error) {
	candidates, err := a.store.FindActiveCandidates(ctx, []string{framework}, []string{jurisdiction})
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}

	if len(candidates) == 0 {
		a.observe(0, 0, 0)
		return nil, nil
	}

	if strings.TrimSpace(regulationText) == "" || a.embedder == nil {
		out := make([]AffectedSpec, 0, len(candidates))
		for _, c := range candidates {
			out = append(out, affected(c, 1.0))
		}
		sortAffected(out)
		a.observe(len(candidates), len(out), 0)
		return out, nil
	}

	regVec, err := a.embedder.EmbedOne(ctx, regulationText)
	if err != nil {
		return nil, fmt.Errorf("embed regulation: %w", err)
	}

	var (
		mu       sync.Mutex
		retained []AffectedSpec
		excluded int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallelism)

	for _, c := range candidates {
		g.Go(func() error {
			score, err := a.score(gctx, regVec, c)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				excluded++
				a.logger.Warn("Candidate scoring failed, excluding",
					"spec_version_id", c.ID, "error", err)
				return nil
			}
			if score < a.threshold {
				excluded++
				a.logger.Debug("Candidate below threshold",
					"spec_version_id", c.ID, "score", score, "threshold", a.threshold)
				return nil
			}
			retained = append(retained, affected(c, score))
			return nil
		})
	}
	// Goroutines never return errors; failures are isolated per candidate.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sortAffected(retained)
	a.observe(len(candidates), len(retained), excluded)
	a.logger.Info("Impact analysis complete",
		"framework", framework,
		"jurisdiction", jurisdiction,
		"candidates", len(candidates),
		"retained", len(retained))
	return retained, nil
}

func (a *Analyzer) score(ctx context.Context, regVec []float64, c *spec.SpecVersion) (float64, error) {
	summary := spec.Summarize(c.Module(spec.ModuleMasterSpecification))
	if summary == "" {
		return 0, fmt.Errorf("spec has no summary text")
	}
	vec, err := a.embedder.EmbedOne(ctx, summary)
	if err != nil {
		return 0, err
	}
	return Cosine(regVec, vec), nil
}

func (a *Analyzer) observe(candidates, retained, excluded int) {
	if a.observer != nil {
		a.observer.ObserveImpact(candidates, retained, excluded)
	}
}

func affected(v *spec.SpecVersion, score float64) AffectedSpec {
	return AffectedSpec{
		SpecVersionID: v.ID,
		LineageID:     v.LineageID,
		WorkspaceID:   v.WorkspaceID,
		Score:         score,
	}
}

func sortAffected(s []AffectedSpec) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		return s[i].SpecVersionID < s[j].SpecVersionID
	})
}

// Cosine returns the cosine similarity of a and b. Mismatched lengths and zero
// vectors yield 0.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
