// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/agent/gate"
)

func TestLoadAgentConfig_Embedded(t *testing.T) {
	cfg, err := LoadAgentConfig(context.Background(), defaultAgentPolicyYAML)
	if err != nil {
		t.Fatalf("LoadAgentConfig failed on embedded YAML: %v", err)
	}

	if cfg.Engine.MaxIterations != 3 {
		t.Errorf("MaxIterations = %d, want 3", cfg.Engine.MaxIterations)
	}
	if cfg.Engine.LLMTimeout != time.Minute {
		t.Errorf("LLMTimeout = %v, want 1m", cfg.Engine.LLMTimeout)
	}
	if cfg.Engine.ToolTimeout != 10*time.Second {
		t.Errorf("ToolTimeout = %v", cfg.Engine.ToolTimeout)
	}
	if len(cfg.Roles) != len(agent.AllRoles) {
		t.Errorf("roles = %v, want all %d", cfg.RoleNames(), len(agent.AllRoles))
	}

	grants := cfg.Grants()
	if len(grants[agent.RoleCustomer]) != 2 || grants[agent.RoleCustomer][0] != "orders:read" {
		t.Errorf("customer grants = %v", grants[agent.RoleCustomer])
	}
	for _, c := range grants[agent.RoleSupplier] {
		if c == "deliveries:write" {
			t.Error("supplier must not be granted deliveries:write")
		}
	}

	prompts := cfg.SystemPrompts()
	if !strings.HasPrefix(prompts[agent.RoleDriver], "You are the assistant for a delivery driver.") {
		t.Errorf("driver prompt = %q", prompts[agent.RoleDriver])
	}

	// The embedded policies must compile into a gate.
	if _, err := gate.New(cfg.Policies()); err != nil {
		t.Fatalf("gate.New() with embedded policies: %v", err)
	}
	driver := cfg.Policies()[agent.RoleDriver]
	if driver.ScopingPredicate != "driver_id = :actor_id" {
		t.Errorf("driver predicate = %q", driver.ScopingPredicate)
	}
	if len(driver.AllowedOperations) != 2 || driver.AllowedOperations[1] != gate.OpWrite {
		t.Errorf("driver operations = %v", driver.AllowedOperations)
	}
}

func TestLoadAgentConfig_Defaults(t *testing.T) {
	data := []byte(`
roles:
  owner:
    capabilities: ["query:run"]
    system_prompt: "owner"
    query_policy:
      allowed_tables: ["*"]
      allowed_operations: [read]
`)
	cfg, err := LoadAgentConfig(context.Background(), data)
	if err != nil {
		t.Fatalf("LoadAgentConfig() error = %v", err)
	}
	e := cfg.Engine
	if e.MaxIterations != DefaultMaxIterations || e.MaxConcurrentTools != DefaultMaxConcurrentTools ||
		e.LLMTimeout != DefaultLLMTimeout || e.ToolTimeout != DefaultToolTimeout ||
		e.MaxTokens != DefaultMaxTokens || e.ToolOutputBytes != DefaultToolOutputBytes {
		t.Errorf("defaults not applied: %+v", e)
	}
	if ops := cfg.Policies()[agent.RoleOwner].AllowedOperations; len(ops) != 1 || ops[0] != gate.OpRead {
		t.Errorf("operations not normalized: %v", ops)
	}
}

func TestLoadAgentConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"empty", "", "empty YAML"},
		{"bad yaml", "roles: [", "parsing YAML"},
		{"no roles", "engine:\n  max_iterations: 2\n", "no roles"},
		{"unknown role", `
roles:
  root:
    capabilities: ["query:run"]
    system_prompt: "x"
    query_policy: {allowed_tables: ["*"], allowed_operations: [READ]}
`, "unknown role"},
		{"missing prompt", `
roles:
  owner:
    capabilities: ["query:run"]
    query_policy: {allowed_tables: ["*"], allowed_operations: [READ]}
`, "system_prompt"},
		{"no capabilities", `
roles:
  owner:
    system_prompt: "x"
    query_policy: {allowed_tables: ["*"], allowed_operations: [READ]}
`, "capabilities"},
		{"unscoped driver", `
roles:
  driver:
    capabilities: ["deliveries:read"]
    system_prompt: "x"
    query_policy: {allowed_tables: [delivery_tracking], allowed_operations: [READ]}
`, "scoping predicate"},
		{"wildcard for scoped role", `
roles:
  customer:
    capabilities: ["orders:read"]
    system_prompt: "x"
    query_policy: {allowed_tables: ["*"], allowed_operations: [READ], scoping_predicate: "customer_id = :actor_id"}
`, "must list its tables"},
		{"temperature", `
engine: {temperature: 3}
roles:
  owner:
    capabilities: ["query:run"]
    system_prompt: "x"
    query_policy: {allowed_tables: ["*"], allowed_operations: [READ]}
`, "temperature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAgentConfig(context.Background(), []byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadAgentConfig_PolicyErrorsWrapSentinels(t *testing.T) {
	data := []byte(`
roles:
  customer:
    capabilities: ["orders:read"]
    system_prompt: "x"
    query_policy: {allowed_tables: [orders], allowed_operations: [READ], scoping_predicate: "customer_id = 5"}
`)
	_, err := LoadAgentConfig(context.Background(), data)
	if !errors.Is(err, ErrInvalidConfig) || !errors.Is(err, gate.ErrInvalidPolicy) {
		t.Errorf("expected ErrInvalidConfig and gate.ErrInvalidPolicy, got %v", err)
	}
}

func TestLoadAgentConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, defaultAgentPolicyYAML, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadAgentConfigFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadAgentConfigFile() error = %v", err)
	}
	if len(cfg.Roles) != 5 {
		t.Errorf("roles = %d", len(cfg.Roles))
	}

	if _, err := LoadAgentConfigFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestGetAgentConfig_Cached(t *testing.T) {
	ResetAgentConfig()
	t.Cleanup(ResetAgentConfig)

	a, err := GetAgentConfig(context.Background())
	if err != nil {
		t.Fatalf("GetAgentConfig() error = %v", err)
	}
	b, _ := GetAgentConfig(context.Background())
	if a != b {
		t.Error("expected the cached instance on second call")
	}

	ResetAgentConfig()
	c, _ := GetAgentConfig(context.Background())
	if c == a {
		t.Error("expected a fresh instance after reset")
	}
}
