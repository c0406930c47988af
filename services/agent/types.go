// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent holds the types shared by the ops agent components: actor
// identity, roles, capabilities, the error taxonomy, and the per-invocation
// tool result.
//
// Thread Safety:
//
//	All types in this package are immutable values and safe for concurrent use.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// Roles
// =============================================================================

// Role is a named permission class that determines which tools and which rows
// a request may touch.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleSupplier Role = "supplier"
	RoleDriver   Role = "driver"
	RoleCustomer Role = "customer"
)

// AllRoles lists every role in a stable order.
var AllRoles = []Role{RoleOwner, RoleAdmin, RoleSupplier, RoleDriver, RoleCustomer}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleSupplier, RoleDriver, RoleCustomer:
		return true
	default:
		return false
	}
}

// Privileged reports whether r bypasses table and row scoping.
//
// Only owner and admin are privileged. Privileged roles still pass the
// denylist and operation checks of the query gate.
func (r Role) Privileged() bool {
	return r == RoleOwner || r == RoleAdmin
}

// ParseRole converts a case-insensitive role name into a Role.
//
// Outputs:
//   - Role: The parsed role.
//   - error: ErrInvalidActor wrapped with the offending value if unknown.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q: %w", s, ErrInvalidActor)
	}
	return r, nil
}

// Capability is a named permission a tool requires, e.g. "deliveries:read".
type Capability string

// =============================================================================
// Actor
// =============================================================================

// ActorContext identifies the caller on whose behalf a request runs.
//
// Description:
//
//	Supplied by the inbound surface (upstream identity resolution) and never
//	derived from the conversation transcript. Immutable for the lifetime of
//	one request.
//
// Fields:
//   - ActorID: The caller's id, bound into scoping predicates.
//   - Role: The caller's role.
//   - TenantID: Optional tenant; recorded in audit records.
type ActorContext struct {
	ActorID  string `json:"actorId"`
	Role     Role   `json:"role"`
	TenantID *int64 `json:"tenantId,omitempty"`
}

// NewActorContext validates and builds an ActorContext.
//
// Outputs:
//   - ActorContext: The actor.
//   - error: ErrInvalidActor if the role is unknown or the id is empty.
func NewActorContext(actorID string, role Role, tenantID *int64) (ActorContext, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ActorContext{}, fmt.Errorf("actor id must not be empty: %w", ErrInvalidActor)
	}
	if !role.Valid() {
		return ActorContext{}, fmt.Errorf("unknown role %q: %w", role, ErrInvalidActor)
	}
	return ActorContext{ActorID: actorID, Role: role, TenantID: tenantID}, nil
}

// String renders the actor as "role:id", e.g. "driver:7".
func (a ActorContext) String() string {
	return string(a.Role) + ":" + a.ActorID
}

// =============================================================================
// Tool Results
// =============================================================================

// ToolInvocationRequest is one tool call proposed by the model.
//
// RequestID is the provider's tool-call id, or a generated id when the
// provider supplied none. Consumed once by the executor.
type ToolInvocationRequest struct {
	ToolName     string          `json:"toolName"`
	RawArguments json.RawMessage `json:"arguments"`
	RequestID    string          `json:"requestId"`
}

// ToolExecutionResult is the outcome of one tool invocation.
//
// Description:
//
//	Every executor path returns one of these; failures are data, not panics or
//	propagated errors. The result is appended to the transcript (so the model
//	can self-correct) and to the audit log.
//
// Fields:
//   - RequestID: The tool-call id the result answers.
//   - ToolName: The invoked tool.
//   - Success: True if the handler completed without error.
//   - Payload: Handler output when Success is true.
//   - ErrorKind: Failure classification when Success is false.
//   - Error: Human-readable failure detail when Success is false.
//   - DurationMs: Wall time of validation plus handler execution.
//   - RowsAffected: Rows returned or changed, when the tool touched the datastore.
type ToolExecutionResult struct {
	RequestID    string    `json:"requestId"`
	ToolName     string    `json:"toolName"`
	Success      bool      `json:"success"`
	Payload      any       `json:"payload,omitempty"`
	ErrorKind    ErrorKind `json:"errorKind,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"durationMs"`
	RowsAffected *int64    `json:"rowsAffected,omitempty"`
}

// FailedResult builds a failed result from an error, classifying it with KindOf.
func FailedResult(requestID, toolName string, err error, durationMs int64) ToolExecutionResult {
	return ToolExecutionResult{
		RequestID:  requestID,
		ToolName:   toolName,
		Success:    false,
		ErrorKind:  KindOf(err),
		Error:      err.Error(),
		DurationMs: durationMs,
	}
}
