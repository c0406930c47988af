// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry holds the process-wide catalog of tools the model may
// call, and decides which of them each role may see.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/llm"
)

var (
	// ErrDuplicateTool is returned when a tool name is registered twice.
	ErrDuplicateTool = errors.New("registry: duplicate tool")

	// ErrToolNotFound is returned when resolving an unknown tool name.
	ErrToolNotFound = errors.New("registry: tool not found")

	// ErrInvalidTool is returned for a spec that cannot be registered.
	ErrInvalidTool = errors.New("registry: invalid tool")
)

// Output is what a handler produces on success.
type Output struct {
	// Payload is marshaled to JSON for the model and the caller.
	Payload any

	// RowsAffected is set by tools that read or changed datastore rows.
	RowsAffected *int64
}

// Rows is a convenience for setting Output.RowsAffected.
func Rows(n int64) *int64 {
	return &n
}

// Handler runs one tool invocation. args has already passed schema
// validation; actor is the caller and never comes from the model.
type Handler func(ctx context.Context, actor agent.ActorContext, args map[string]any) (Output, error)

// ToolSpec describes one callable tool.
//
// Fields:
//   - Name: Unique tool name shown to the model.
//   - Description: What the tool does, shown to the model.
//   - Parameters: JSON-schema object describing the arguments.
//   - RequiredCapability: The capability a role needs to see and call it.
//   - Handler: The implementation.
type ToolSpec struct {
	Name               string
	Description        string
	Parameters         llm.ToolParameters
	RequiredCapability agent.Capability
	Handler            Handler
}

// Validate checks that the spec can be registered.
func (s ToolSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidTool)
	}
	if s.Handler == nil {
		return fmt.Errorf("%w: %s: handler is nil", ErrInvalidTool, s.Name)
	}
	if s.Parameters.Type != "object" {
		return fmt.Errorf("%w: %s: parameters must be an object schema, got %q", ErrInvalidTool, s.Name, s.Parameters.Type)
	}
	for _, req := range s.Parameters.Required {
		if _, ok := s.Parameters.Properties[req]; !ok {
			return fmt.Errorf("%w: %s: required parameter %q is not declared", ErrInvalidTool, s.Name, req)
		}
	}
	if s.RequiredCapability == "" {
		return fmt.Errorf("%w: %s: required capability is empty", ErrInvalidTool, s.Name)
	}
	return nil
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry maps tool names to specs and roles to capabilities.
//
// Description:
//
//	Tools are registered once at process start and read concurrently by
//	every request afterwards. Capability grants are configuration and fixed
//	at construction.
//
// Thread Safety:
//
//	Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]ToolSpec
	grants map[agent.Role]map[agent.Capability]bool
	logger *slog.Logger
}

// New creates an empty registry.
//
// Inputs:
//   - grants: Capabilities granted to each role. Roles not present are
//     granted nothing.
//   - opts: Functional options.
//
// Example:
//
//	reg := registry.New(map[agent.Role][]agent.Capability{
//	    agent.RoleDriver: {"deliveries:read", "deliveries:write"},
//	})
func New(grants map[agent.Role][]agent.Capability, opts ...Option) *Registry {
	r := &Registry{
		tools:  make(map[string]ToolSpec),
		grants: make(map[agent.Role]map[agent.Capability]bool, len(grants)),
		logger: slog.Default(),
	}
	for role, caps := range grants {
		set := make(map[agent.Capability]bool, len(caps))
		for _, c := range caps {
			set[c] = true
		}
		r.grants[role] = set
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds tools in order, stopping at the first failure.
//
// Outputs:
//   - error: ErrInvalidTool if a spec fails Validate, ErrDuplicateTool if
//     its name is already registered. Specs before the failing one stay
//     registered.
//
// Thread Safety: This method is safe for concurrent use.
func (r *Registry) Register(specs ...ToolSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return err
		}
		if _, exists := r.tools[spec.Name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, spec.Name)
		}
		r.tools[spec.Name] = spec
		r.logger.Debug("tool registered",
			slog.String("tool", spec.Name),
			slog.String("capability", string(spec.RequiredCapability)),
		)
	}
	return nil
}

// Resolve returns the spec registered under name.
//
// Outputs:
//   - ToolSpec: The spec.
//   - error: ErrToolNotFound if no tool has that name.
func (r *Registry) Resolve(name string) (ToolSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.tools[name]
	if !ok {
		return ToolSpec{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return spec, nil
}

// Allowed reports whether role holds the capability spec requires.
func (r *Registry) Allowed(role agent.Role, spec ToolSpec) bool {
	return r.grants[role][spec.RequiredCapability]
}

// ListFor returns the tools role may use, sorted by name.
//
// Description:
//
//	A tool is listed when its RequiredCapability is granted to role. The
//	result is the per-request catalog: a role never sees a tool it could
//	not call.
func (r *Registry) ListFor(role agent.Role) []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ToolSpec
	for _, spec := range r.tools {
		if r.grants[role][spec.RequiredCapability] {
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// All returns every registered tool, sorted by name.
func (r *Registry) All() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolSpec, 0, len(r.tools))
	for _, spec := range r.tools {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// Definitions converts specs into the provider-neutral tool catalog.
func Definitions(specs []ToolSpec) []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, llm.ToolDef{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return defs
}
