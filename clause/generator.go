package clause

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/specpatch/llm"
	"github.com/c360studio/specpatch/model"
	"github.com/c360studio/specpatch/spec"
	"github.com/c360studio/specpatch/spec/clausepath"
)

// proposal is one edit as returned by the model, before validation.
type proposal struct {
	ClausePath string          `json:"clausePath"`
	FieldLabel string          `json:"fieldLabel"`
	Before     json.RawMessage `json:"before"`
	After      json.RawMessage `json:"after"`
	Reason     string          `json:"reason"`
	Severity   string          `json:"severity"`
}

// Generator proposes clause diffs for one module.
type Generator struct {
	client      Completer
	logger      *slog.Logger
	observer    StageObserver
	temperature float64
}

// NewGenerator creates a generator on top of a completion client.
func NewGenerator(client Completer, opts ...Option) *Generator {
	o := buildOptions(opts)
	return &Generator{client: client, logger: o.logger, observer: o.observer, temperature: o.temperature}
}

// GenerateModuleDiffs asks the model for the edits that bring payload into
// compliance with reg and returns only those that validate against payload.
// Unparsable output yields no diffs.
func (g *Generator) GenerateModuleDiffs(ctx context.Context, reg spec.Regulation, module spec.ModuleKey, payload spec.Document) ([]spec.ClauseDiff, error) {
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", module, err)
	}

	temp := g.temperature
	started := time.Now()
	resp, err := g.client.Complete(ctx, llm.Request{
		Capability: string(model.CapabilityCompliance),
		Messages: []llm.Message{
			{Role: "system", Content: diffSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(diffUserPrompt,
				reg.Ref(), truncate(reg.Content, maxRegulationChars), module, body)},
		},
		Temperature: &temp,
		MaxTokens:   4096,
	})
	observeStage(g.observer, "generate_diffs", started, err)
	if err != nil {
		return nil, fmt.Errorf("generate %s diffs: %w", module, err)
	}

	var proposals []proposal
	if err := llm.DecodeJSONArray(resp.Content, &proposals); err != nil {
		g.logger.Warn("Unparsable diff output, treating module as unchanged",
			"module", module, "regulation", reg.Ref(), "error", err)
		return []spec.ClauseDiff{}, nil
	}

	diffs := make([]spec.ClauseDiff, 0, len(proposals))
	seen := make(map[string]bool, len(proposals))
	for _, p := range proposals {
		d, err := validateProposal(p, payload)
		if err != nil {
			g.logger.Info("Dropping invalid diff",
				"module", module, "clause_path", p.ClausePath, "reason", err.Error())
			continue
		}
		if seen[d.ClausePath] {
			g.logger.Info("Dropping duplicate diff", "module", module, "clause_path", d.ClausePath)
			continue
		}
		seen[d.ClausePath] = true
		d.Module = module
		d.RegulationTrigger = reg.Ref()
		diffs = append(diffs, d)
	}
	return diffs, nil
}

// validateProposal checks a proposal against the current payload and returns
// the normalized diff.
func validateProposal(p proposal, payload spec.Document) (spec.ClauseDiff, error) {
	path, err := clausepath.Parse(p.ClausePath)
	if err != nil {
		return spec.ClauseDiff{}, err
	}
	current, err := clausepath.Get(payload, path)
	if err != nil {
		return spec.ClauseDiff{}, err
	}
	if len(p.Before) == 0 || !clausepath.EqualRaw(p.Before, current) {
		return spec.ClauseDiff{}, fmt.Errorf("stale before value")
	}
	if len(p.After) == 0 || !json.Valid(p.After) {
		return spec.ClauseDiff{}, fmt.Errorf("missing after value")
	}
	if clausepath.EqualRaw(p.After, current) {
		return spec.ClauseDiff{}, fmt.Errorf("after equals before")
	}

	before, err := json.Marshal(current)
	if err != nil {
		return spec.ClauseDiff{}, err
	}

	severity, ok := spec.ParseSeverity(p.Severity)
	if !ok {
		severity = spec.SeverityMedium
	}

	label := strings.TrimSpace(p.FieldLabel)
	if label == "" {
		label = clausepath.Label(path)
	}

	return spec.ClauseDiff{
		ClausePath: path.String(),
		FieldLabel: label,
		Before:     before,
		After:      compact(p.After),
		Reason:     strings.TrimSpace(p.Reason),
		Severity:   severity,
	}, nil
}

func compact(raw json.RawMessage) json.RawMessage {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
