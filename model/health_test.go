package model

import (
	"testing"
	"time"
)

func TestEndpointHealthTracking(t *testing.T) {
	r := NewDefaultRegistry()

	if !r.IsEndpointAvailable("qwen") {
		t.Error("expected qwen to be available initially")
	}
	if r.GetEndpointHealth("qwen") != nil {
		t.Error("expected no health info before any requests")
	}

	r.MarkEndpointSuccess("qwen")

	health := r.GetEndpointHealth("qwen")
	if health == nil {
		t.Fatal("expected health info after success")
	}
	if !health.Available || health.FailureCount != 0 || health.LastSuccess.IsZero() {
		t.Errorf("unexpected health after success: %+v", health)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	r := NewDefaultRegistry()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.health.now = func() time.Time { return clock }
	r.SetHealthConfig(HealthConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	r.MarkEndpointFailure("claude-sonnet")
	if !r.IsEndpointAvailable("claude-sonnet") {
		t.Error("expected endpoint available after 1 failure")
	}

	r.MarkEndpointFailure("claude-sonnet")
	if r.IsEndpointAvailable("claude-sonnet") {
		t.Error("expected circuit open after 2 failures")
	}

	clock = clock.Add(2 * time.Minute)
	if !r.IsEndpointAvailable("claude-sonnet") {
		t.Error("expected half-open trial request after recovery timeout")
	}

	r.MarkEndpointSuccess("claude-sonnet")
	health := r.GetEndpointHealth("claude-sonnet")
	if health.CircuitOpen || health.FailureCount != 0 {
		t.Errorf("expected closed circuit after success, got %+v", health)
	}
}

func TestGetAvailableFallbackChain(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	r.MarkEndpointFailure("claude-sonnet")

	chain := r.GetAvailableFallbackChain(CapabilityCompliance)
	if len(chain) != 1 || chain[0] != "qwen" {
		t.Errorf("expected [qwen], got %v", chain)
	}

	r.MarkEndpointFailure("qwen")
	chain = r.GetAvailableFallbackChain(CapabilityCompliance)
	if len(chain) != 2 {
		t.Errorf("expected the full chain when everything is down, got %v", chain)
	}
}

func TestHealthSnapshotAndReset(t *testing.T) {
	r := NewDefaultRegistry()
	r.MarkEndpointSuccess("qwen")
	r.MarkEndpointFailure("claude-haiku")

	snap := r.HealthSnapshot()
	if len(snap) != 2 || snap[0].Name != "claude-haiku" || snap[1].Name != "qwen" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	r.ResetEndpointHealth("qwen")
	if r.GetEndpointHealth("qwen") != nil {
		t.Error("expected no health info after reset")
	}
}

func TestDefaultHealthConfig(t *testing.T) {
	cfg := DefaultHealthConfig()
	if cfg.FailureThreshold != 3 {
		t.Errorf("expected failure threshold 3, got %d", cfg.FailureThreshold)
	}
	if cfg.RecoveryTimeout != 30*time.Second {
		t.Errorf("expected recovery timeout 30s, got %v", cfg.RecoveryTimeout)
	}
}
