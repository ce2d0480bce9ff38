// Package clause turns a regulation into concrete, verified clause-level edits
// of a specification: which modules are affected, which fields must change,
// and the deterministic application of those changes.
package clause

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/c360studio/specpatch/llm"
	"github.com/c360studio/specpatch/model"
	"github.com/c360studio/specpatch/spec"
)

// maxSummaryChars keeps the classification prompt small.
const maxSummaryChars = 4000

// maxRegulationChars bounds the regulation text sent with every prompt.
const maxRegulationChars = 8000

// Completer is the text-generation capability used by the classifier and generator.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// StageObserver records per-stage model latency.
type StageObserver interface {
	ObserveStage(stage string, d time.Duration, err error)
}

// ConservativeModules is the fallback when the classifier output cannot be parsed.
func ConservativeModules() []spec.ModuleKey {
	return []spec.ModuleKey{spec.ModuleMasterSpecification, spec.ModuleSecurityBlueprint}
}

// Classification is the classifier's answer. Fallback is set when the model
// output could not be parsed and Modules is ConservativeModules.
type Classification struct {
	Modules  []spec.ModuleKey
	Fallback bool
}

// Classifier detects the modules of a spec affected by a regulation.
type Classifier struct {
	client   Completer
	logger   *slog.Logger
	observer StageObserver
}

// Option configures a Classifier or Generator.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	observer    StageObserver
	temperature float64
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver sets the stage observer.
func WithObserver(obs StageObserver) Option {
	return func(o *options) { o.observer = obs }
}

// WithTemperature sets the sampling temperature for diff generation.
// Classification always runs at 0.
func WithTemperature(t float64) Option {
	return func(o *options) { o.temperature = t }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewClassifier creates a classifier on top of a completion client.
func NewClassifier(client Completer, opts ...Option) *Classifier {
	o := buildOptions(opts)
	return &Classifier{client: client, logger: o.logger, observer: o.observer}
}

// DetectAffectedModules returns the affected modules in canonical order.
// Unparsable output yields ConservativeModules with Fallback set; transport
// errors are returned.
func (c *Classifier) DetectAffectedModules(ctx context.Context, reg spec.Regulation, specSummary string) (Classification, error) {
	temp := 0.0
	started := time.Now()
	resp, err := c.client.Complete(ctx, llm.Request{
		Capability: string(model.CapabilityClassification),
		Messages: []llm.Message{
			{Role: "system", Content: classifySystemPrompt},
			{Role: "user", Content: fmt.Sprintf(classifyUserPrompt,
				reg.Ref(), reg.Jurisdiction, severityOrUnknown(reg.Severity),
				truncate(reg.Content, maxRegulationChars),
				truncate(specSummary, maxSummaryChars))},
		},
		Temperature: &temp,
		MaxTokens:   256,
	})
	observeStage(c.observer, "classify", started, err)
	if err != nil {
		return Classification{}, fmt.Errorf("classify modules: %w", err)
	}

	var raw []string
	if err := llm.DecodeJSONArray(resp.Content, &raw); err != nil {
		c.logger.Warn("Unparsable classifier output, using conservative default",
			"regulation", reg.Ref(), "error", err)
		return Classification{Modules: ConservativeModules(), Fallback: true}, nil
	}

	keys := make([]spec.ModuleKey, 0, len(raw))
	for _, r := range raw {
		key, err := spec.ParseModuleKey(r)
		if err != nil {
			c.logger.Debug("Dropping unknown module key", "key", r)
			continue
		}
		keys = append(keys, key)
	}
	return Classification{Modules: spec.SortModules(keys)}, nil
}

func severityOrUnknown(s string) string {
	if s == "" {
		return "unspecified"
	}
	return s
}

// truncate cuts s to at most maxChars bytes on a rune boundary, preferring a
// paragraph boundary.
func truncate(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	cut := s[:runeBoundary(s, maxChars)]
	if i := lastParagraph(cut); i > maxChars/2 {
		cut = cut[:i]
	}
	return cut + "\n\n[Content truncated...]"
}

// runeBoundary returns the largest index <= n that starts a rune in s.
func runeBoundary(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

func lastParagraph(s string) int {
	for i := len(s) - 2; i >= 0; i-- {
		if s[i] == '\n' && s[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func observeStage(o StageObserver, stage string, started time.Time, err error) {
	if o != nil {
		o.ObserveStage(stage, time.Since(started), err)
	}
}
