package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// RegistryConfig is the serialized form of a registry. It appears under
// "model_registry" in a JSON file or under llm.registry in specpatch.yaml.
type RegistryConfig struct {
	Capabilities map[string]*CapabilityConfig `json:"capabilities" yaml:"capabilities"`
	Endpoints    map[string]*EndpointConfig   `json:"endpoints" yaml:"endpoints"`
	Defaults     *DefaultsConfig              `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// LoadFromFile loads a registry configuration from a JSON file.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	return LoadFromJSON(data)
}

// LoadFromJSON accepts either {"model_registry": {...}} or the bare registry config.
func LoadFromJSON(data []byte) (*Registry, error) {
	var wrapped struct {
		ModelRegistry *RegistryConfig `json:"model_registry"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.ModelRegistry != nil {
		return FromConfig(wrapped.ModelRegistry)
	}

	var cfg RegistryConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse registry config: %w", err)
	}
	return FromConfig(&cfg)
}

// FromConfig builds a registry and checks that every referenced model has an endpoint.
func FromConfig(cfg *RegistryConfig) (*Registry, error) {
	caps := make(map[Capability]*CapabilityConfig, len(cfg.Capabilities))
	for k, v := range cfg.Capabilities {
		c := ParseCapability(k)
		if c == "" {
			return nil, fmt.Errorf("unknown capability %q", k)
		}
		caps[c] = v
	}

	r := NewRegistry(caps, cfg.Endpoints)
	if cfg.Defaults != nil {
		r.defaults = cfg.Defaults
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate reports capabilities that name models with no endpoint.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for c, cfg := range r.capabilities {
		for _, name := range append(append([]string{}, cfg.Preferred...), cfg.Fallback...) {
			if _, ok := r.endpoints[name]; !ok {
				return fmt.Errorf("capability %s references unknown endpoint %q", c, name)
			}
		}
	}
	return nil
}

// ToConfig converts a Registry to a RegistryConfig for serialization.
func (r *Registry) ToConfig() *RegistryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make(map[string]*CapabilityConfig, len(r.capabilities))
	for k, v := range r.capabilities {
		caps[string(k)] = v
	}

	return &RegistryConfig{
		Capabilities: caps,
		Endpoints:    r.endpoints,
		Defaults:     r.defaults,
	}
}

// MergeFromConfig overlays cfg onto the registry. Existing entries with the same
// name are replaced.
func (r *Registry) MergeFromConfig(cfg *RegistryConfig) error {
	r.mu.Lock()
	for k, v := range cfg.Capabilities {
		c := ParseCapability(k)
		if c == "" {
			r.mu.Unlock()
			return fmt.Errorf("unknown capability %q", k)
		}
		r.capabilities[c] = v
	}
	for k, v := range cfg.Endpoints {
		r.endpoints[k] = v
	}
	if cfg.Defaults != nil {
		r.defaults = cfg.Defaults
	}
	r.mu.Unlock()

	return r.Validate()
}
