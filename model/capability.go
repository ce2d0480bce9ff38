// Package model provides capability-based model selection.
// Callers ask for a capability (classification, compliance, embedding) and the
// registry resolves it to configured endpoints with a fallback chain.
package model

// Capability represents a semantic capability for model selection.
type Capability string

const (
	// CapabilityClassification decides which spec modules a regulation touches.
	CapabilityClassification Capability = "classification"

	// CapabilityCompliance drafts clause-level edits against regulation text.
	CapabilityCompliance Capability = "compliance"

	// CapabilityEmbedding produces vectors for semantic similarity.
	CapabilityEmbedding Capability = "embedding"

	// CapabilityFast is for quick responses and the default for unknown capabilities.
	CapabilityFast Capability = "fast"
)

// RoleCapabilities maps pipeline roles to their capability.
var RoleCapabilities = map[string]Capability{
	"module-classifier": CapabilityClassification,
	"clause-generator":  CapabilityCompliance,
	"impact-analyzer":   CapabilityEmbedding,
}

// CapabilityForRole returns the capability for a role, or CapabilityFast.
func CapabilityForRole(role string) Capability {
	if c, ok := RoleCapabilities[role]; ok {
		return c
	}
	return CapabilityFast
}

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityClassification, CapabilityCompliance, CapabilityEmbedding, CapabilityFast:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	c := Capability(s)
	if c.IsValid() {
		return c
	}
	return ""
}
