// Package spec defines the versioned compliance specification model: spec
// versions chained by parent id, clause-level diffs between adjacent versions,
// and the regulation impact log.
package spec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ModuleKey names one of the five structured documents that make up a specification.
type ModuleKey string

const (
	ModuleMasterSpecification    ModuleKey = "master_specification"
	ModuleSecurityBlueprint      ModuleKey = "security_blueprint"
	ModuleCostAnalysis           ModuleKey = "cost_analysis"
	ModuleTechStackJustification ModuleKey = "tech_stack_justification"
	ModuleCodeScaffolding        ModuleKey = "code_scaffolding"
)

// AllModules returns every module key in canonical order.
func AllModules() []ModuleKey {
	return []ModuleKey{
		ModuleMasterSpecification,
		ModuleSecurityBlueprint,
		ModuleCostAnalysis,
		ModuleTechStackJustification,
		ModuleCodeScaffolding,
	}
}

// ParseModuleKey validates a raw module key.
func ParseModuleKey(s string) (ModuleKey, error) {
	key := ModuleKey(strings.TrimSpace(s))
	for _, m := range AllModules() {
		if m == key {
			return key, nil
		}
	}
	return "", fmt.Errorf("unknown module key: %q", s)
}

// SortModules returns keys deduplicated and in canonical order.
func SortModules(keys []ModuleKey) []ModuleKey {
	seen := make(map[ModuleKey]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	out := make([]ModuleKey, 0, len(seen))
	for _, m := range AllModules() {
		if seen[m] {
			out = append(out, m)
		}
	}
	return out
}

// Status is the lifecycle status of a spec version.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusArchived   Status = "archived"
)

// TriggeredBy records what caused a version to be created.
type TriggeredBy string

const (
	TriggeredByUser             TriggeredBy = "user"
	TriggeredByRegulationUpdate TriggeredBy = "regulation_update"
	TriggeredByScan             TriggeredBy = "scan"
)

// Severity grades a clause diff.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalizes a severity string. ok is false for unknown values.
func ParseSeverity(s string) (Severity, bool) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, true
	default:
		return "", false
	}
}

// Document is one module payload: a generic JSON tree addressed by clause path.
type Document = map[string]any

// Modules holds the module payloads of one version.
type Modules map[ModuleKey]Document

// Clone returns a shallow copy of the module map. Documents are shared, which is
// safe because documents are treated as immutable once stored.
func (m Modules) Clone() Modules {
	out := make(Modules, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SpecVersion is one immutable snapshot of a compliance specification.
type SpecVersion struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`

	// LineageID is the id of version 1 of this lineage.
	LineageID     string  `json:"lineage_id"`
	ParentID      *string `json:"parent_id,omitempty"`
	VersionNumber int     `json:"version_number"`
	VersionLabel  string  `json:"version_label"`

	Status            Status      `json:"status"`
	ChangeReason      string      `json:"change_reason,omitempty"`
	TriggeredBy       TriggeredBy `json:"triggered_by"`
	RegulationTrigger *string     `json:"regulation_trigger,omitempty"`

	// Frameworks and Jurisdictions are the declared scope used for structural impact filtering.
	Frameworks    []string `json:"frameworks"`
	Jurisdictions []string `json:"jurisdictions"`

	Modules   Modules   `json:"modules"`
	CreatedAt time.Time `json:"created_at"`
}

// Module returns the payload for key, or an empty document.
func (v *SpecVersion) Module(key ModuleKey) Document {
	if doc, ok := v.Modules[key]; ok && doc != nil {
		return doc
	}
	return Document{}
}

// IsRoot reports whether v is the first version of its lineage.
func (v *SpecVersion) IsRoot() bool {
	return v.ParentID == nil
}

// ClauseDiff is one audited edit between two adjacent versions.
type ClauseDiff struct {
	ID                string          `json:"id"`
	FromVersionID     string          `json:"from_version_id"`
	ToVersionID       string          `json:"to_version_id"`
	Module            ModuleKey       `json:"module"`
	ClausePath        string          `json:"clause_path"`
	FieldLabel        string          `json:"field_label"`
	Before            json.RawMessage `json:"before"`
	After             json.RawMessage `json:"after"`
	Reason            string          `json:"reason"`
	RegulationTrigger string          `json:"regulation_trigger"`
	Severity          Severity        `json:"severity"`
	CreatedAt         time.Time       `json:"created_at,omitempty"`
}

// ImpactStatus is the outcome of evaluating one regulation against one spec.
type ImpactStatus string

const (
	ImpactPatched   ImpactStatus = "patched"
	ImpactNoChange  ImpactStatus = "no_change"
	ImpactFailed    ImpactStatus = "failed"
	ImpactPRCreated ImpactStatus = "pr_created"
)

// ImpactLogEntry ties a regulation to the spec evaluation it produced.
type ImpactLogEntry struct {
	ID             string `json:"id"`
	RegulationRef  string `json:"regulation_ref"`
	RegulationHash string `json:"regulation_hash"`
	WorkspaceID    string `json:"workspace_id"`
	LineageID      string `json:"lineage_id"`

	// SpecVersionID is the version that was evaluated.
	SpecVersionID    string       `json:"spec_version_id"`
	NewSpecVersionID *string      `json:"new_spec_version_id,omitempty"`
	AffectedModules  []ModuleKey  `json:"affected_modules"`
	DiffCount        int          `json:"diff_count"`
	Status           ImpactStatus `json:"status"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	Warnings         []string     `json:"warnings,omitempty"`

	// EventsPublishedAt is set once downstream events for a patched version went out.
	EventsPublishedAt *time.Time `json:"events_published_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Regulation is a new or amended regulation as emitted by the regulation source.
type Regulation struct {
	Framework    string `json:"framework" yaml:"framework"`
	Article      string `json:"article" yaml:"article"`
	Title        string `json:"title" yaml:"title"`
	Content      string `json:"content" yaml:"content"`
	Jurisdiction string `json:"jurisdiction" yaml:"jurisdiction"`
	Severity     string `json:"severity" yaml:"severity"`
}

// Ref returns the human reference, e.g. "GDPR Article 32".
func (r Regulation) Ref() string {
	return strings.TrimSpace(r.Framework + " " + r.Article)
}

// Fingerprint identifies this exact text of the regulation so an amendment is
// distinguishable from a redelivery of the same event.
func (r Regulation) Fingerprint() string {
	sum := sha256.Sum256([]byte(r.Framework + "|" + r.Article + "|" + r.Content))
	return hex.EncodeToString(sum[:8])
}

// Validate checks the fields needed for impact detection.
func (r Regulation) Validate() error {
	if strings.TrimSpace(r.Framework) == "" {
		return fmt.Errorf("regulation framework is required")
	}
	if strings.TrimSpace(r.Article) == "" {
		return fmt.Errorf("regulation article is required")
	}
	if strings.TrimSpace(r.Jurisdiction) == "" {
		return fmt.Errorf("regulation jurisdiction is required")
	}
	return nil
}
