// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the agent policy: engine limits, per-role tool
// grants, query policies and system prompts.
package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/agent/gate"
)

// =============================================================================
// Embedded Default Policy
// =============================================================================

//go:embed agent_policy.yaml
var defaultAgentPolicyYAML []byte

// MaxYAMLFileSize bounds policy files.
const MaxYAMLFileSize = 1 << 20

// Engine defaults applied to missing fields.
const (
	DefaultMaxIterations      = 3
	DefaultMaxConcurrentTools = 4
	DefaultLLMTimeout         = 60 * time.Second
	DefaultToolTimeout        = 10 * time.Second
	DefaultMaxTokens          = 1024
	DefaultToolOutputBytes    = 8192
)

// ErrInvalidConfig is returned when a policy file fails validation.
var ErrInvalidConfig = errors.New("config: invalid agent policy")

var tracer = otel.Tracer("opsagent.config")

// =============================================================================
// Types
// =============================================================================

// EngineConfig bounds one conversation.
type EngineConfig struct {
	// MaxIterations is the number of model calls per conversation.
	MaxIterations int `yaml:"max_iterations"`

	// MaxConcurrentTools bounds tool calls running at once within a turn.
	MaxConcurrentTools int `yaml:"max_concurrent_tools"`

	LLMTimeout  time.Duration `yaml:"llm_timeout"`
	ToolTimeout time.Duration `yaml:"tool_timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`

	// ToolOutputBytes caps each tool result fed back to the model.
	ToolOutputBytes int `yaml:"tool_output_bytes"`
}

// QueryPolicyConfig is the YAML form of gate.QueryPolicy.
type QueryPolicyConfig struct {
	AllowedTables     []string          `yaml:"allowed_tables"`
	AllowedOperations []string          `yaml:"allowed_operations"`
	ScopingPredicate  string            `yaml:"scoping_predicate"`
	TablePredicates   map[string]string `yaml:"table_predicates"`
}

// Policy converts to the gate's form.
func (q QueryPolicyConfig) Policy() gate.QueryPolicy {
	ops := make([]gate.Operation, 0, len(q.AllowedOperations))
	for _, op := range q.AllowedOperations {
		ops = append(ops, gate.Operation(strings.ToUpper(strings.TrimSpace(op))))
	}
	return gate.QueryPolicy{
		AllowedTables:     q.AllowedTables,
		AllowedOperations: ops,
		ScopingPredicate:  q.ScopingPredicate,
		TablePredicates:   q.TablePredicates,
	}
}

// RoleConfig is everything configured for one role.
type RoleConfig struct {
	Capabilities []agent.Capability `yaml:"capabilities"`
	QueryPolicy  QueryPolicyConfig  `yaml:"query_policy"`
	SystemPrompt string             `yaml:"system_prompt"`
}

// AgentConfig is the loaded agent policy.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type AgentConfig struct {
	Engine EngineConfig               `yaml:"engine"`
	Roles  map[agent.Role]RoleConfig `yaml:"roles"`
}

// Grants returns the capability grants per role.
func (c *AgentConfig) Grants() map[agent.Role][]agent.Capability {
	out := make(map[agent.Role][]agent.Capability, len(c.Roles))
	for role, rc := range c.Roles {
		out[role] = append([]agent.Capability(nil), rc.Capabilities...)
	}
	return out
}

// Policies returns the query policy per role.
func (c *AgentConfig) Policies() map[agent.Role]gate.QueryPolicy {
	out := make(map[agent.Role]gate.QueryPolicy, len(c.Roles))
	for role, rc := range c.Roles {
		out[role] = rc.QueryPolicy.Policy()
	}
	return out
}

// SystemPrompts returns the trimmed system prompt per role.
func (c *AgentConfig) SystemPrompts() map[agent.Role]string {
	out := make(map[agent.Role]string, len(c.Roles))
	for role, rc := range c.Roles {
		out[role] = strings.TrimSpace(rc.SystemPrompt)
	}
	return out
}

// RoleNames returns the configured roles, sorted.
func (c *AgentConfig) RoleNames() []string {
	names := make([]string, 0, len(c.Roles))
	for r := range c.Roles {
		names = append(names, string(r))
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Loading
// =============================================================================

var (
	agentConfigMu      sync.RWMutex
	agentConfigOnce    sync.Once
	cachedAgentConfig  *AgentConfig
	agentConfigLoadErr error
)

// GetAgentConfig returns the embedded default policy, parsed once.
//
// Thread Safety: Safe for concurrent use via sync.Once.
func GetAgentConfig(ctx context.Context) (*AgentConfig, error) {
	if ctx == nil {
		return nil, fmt.Errorf("GetAgentConfig: ctx must not be nil")
	}

	agentConfigMu.RLock()
	if cachedAgentConfig != nil || agentConfigLoadErr != nil {
		cfg, err := cachedAgentConfig, agentConfigLoadErr
		agentConfigMu.RUnlock()
		return cfg, err
	}
	agentConfigMu.RUnlock()

	agentConfigMu.Lock()
	defer agentConfigMu.Unlock()

	agentConfigOnce.Do(func() {
		cachedAgentConfig, agentConfigLoadErr = LoadAgentConfig(ctx, defaultAgentPolicyYAML)
	})
	return cachedAgentConfig, agentConfigLoadErr
}

// ResetAgentConfig clears the cached default. For tests.
func ResetAgentConfig() {
	agentConfigMu.Lock()
	defer agentConfigMu.Unlock()
	cachedAgentConfig = nil
	agentConfigLoadErr = nil
	agentConfigOnce = sync.Once{}
}

// LoadAgentConfigFile reads and parses a policy file.
func LoadAgentConfigFile(ctx context.Context, path string) (*AgentConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("LoadAgentConfigFile: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("LoadAgentConfigFile: %s exceeds maximum size (%d > %d)", path, info.Size(), MaxYAMLFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadAgentConfigFile: %w", err)
	}
	return LoadAgentConfig(ctx, data)
}

// LoadAgentConfig parses and validates policy YAML.
//
// Description:
//
//	Applies engine defaults for missing fields, then validates every role:
//	the role name must be known, it needs a system prompt and at least one
//	capability, and its query policy must satisfy gate.QueryPolicy.Validate.
//
// Inputs:
//   - ctx: Used for tracing.
//   - data: YAML bytes.
//
// Outputs:
//   - *AgentConfig: The loaded policy.
//   - error: Wraps ErrInvalidConfig on validation failures.
func LoadAgentConfig(ctx context.Context, data []byte) (*AgentConfig, error) {
	_, span := tracer.Start(ctx, "config.LoadAgentConfig")
	defer span.End()

	if len(data) == 0 {
		return nil, fmt.Errorf("LoadAgentConfig: empty YAML data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("LoadAgentConfig: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("LoadAgentConfig: parsing YAML: %w", err)
	}

	applyEngineDefaults(&cfg.Engine)

	if err := validateAgentConfig(&cfg); err != nil {
		return nil, fmt.Errorf("LoadAgentConfig: %w", err)
	}

	span.SetAttributes(
		attribute.StringSlice("roles", cfg.RoleNames()),
		attribute.Int("max_iterations", cfg.Engine.MaxIterations),
		attribute.Int("max_concurrent_tools", cfg.Engine.MaxConcurrentTools),
	)
	slog.Info("agent policy loaded",
		slog.Any("roles", cfg.RoleNames()),
		slog.Int("max_iterations", cfg.Engine.MaxIterations),
		slog.Duration("llm_timeout", cfg.Engine.LLMTimeout),
	)
	return &cfg, nil
}

func applyEngineDefaults(e *EngineConfig) {
	if e.MaxIterations <= 0 {
		e.MaxIterations = DefaultMaxIterations
	}
	if e.MaxConcurrentTools <= 0 {
		e.MaxConcurrentTools = DefaultMaxConcurrentTools
	}
	if e.LLMTimeout <= 0 {
		e.LLMTimeout = DefaultLLMTimeout
	}
	if e.ToolTimeout <= 0 {
		e.ToolTimeout = DefaultToolTimeout
	}
	if e.MaxTokens <= 0 {
		e.MaxTokens = DefaultMaxTokens
	}
	if e.ToolOutputBytes <= 0 {
		e.ToolOutputBytes = DefaultToolOutputBytes
	}
}

func validateAgentConfig(cfg *AgentConfig) error {
	if cfg.Engine.Temperature < 0 || cfg.Engine.Temperature > 2 {
		return fmt.Errorf("engine.temperature %.2f out of range [0, 2]: %w", cfg.Engine.Temperature, ErrInvalidConfig)
	}
	if len(cfg.Roles) == 0 {
		return fmt.Errorf("no roles configured: %w", ErrInvalidConfig)
	}
	for _, name := range cfg.RoleNames() {
		role := agent.Role(name)
		rc := cfg.Roles[role]
		if !role.Valid() {
			return fmt.Errorf("roles.%s: unknown role: %w", name, ErrInvalidConfig)
		}
		if strings.TrimSpace(rc.SystemPrompt) == "" {
			return fmt.Errorf("roles.%s: system_prompt is required: %w", name, ErrInvalidConfig)
		}
		if len(rc.Capabilities) == 0 {
			return fmt.Errorf("roles.%s: capabilities must not be empty: %w", name, ErrInvalidConfig)
		}
		for i, c := range rc.Capabilities {
			if strings.TrimSpace(string(c)) == "" {
				return fmt.Errorf("roles.%s: capabilities[%d] is empty: %w", name, i, ErrInvalidConfig)
			}
		}
		if err := rc.QueryPolicy.Policy().Validate(role); err != nil {
			return errors.Join(ErrInvalidConfig, err)
		}
	}
	return nil
}
