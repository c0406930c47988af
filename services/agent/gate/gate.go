// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gate authorizes SQL statements against per-role query policies.
//
// Every statement a tool sends to the datastore passes through Gate.Authorize.
// The gate rejects destructive or engine-control constructs for every role,
// checks the operation and tables against the role's policy, and for
// non-privileged roles rewrites the statement so every referenced table is
// filtered by the role's scoping predicate bound to the calling actor.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/opsagent/services/agent"
)

// Verdict is the outcome of authorizing one statement.
type Verdict struct {
	// Allowed is true when RewrittenQuery may be executed.
	Allowed bool `json:"allowed"`

	// RewrittenQuery is the statement to execute. Set only when Allowed.
	RewrittenQuery string `json:"rewrittenQuery,omitempty"`

	// Reason explains a denial.
	Reason string `json:"reason,omitempty"`

	// Kind is UnsafeQuery or Unauthorized for denials.
	Kind agent.ErrorKind `json:"errorKind,omitempty"`

	// Operation is the statement's access class when it could be parsed.
	Operation Operation `json:"operation,omitempty"`

	// Tables lists the referenced tables in order of appearance.
	Tables []string `json:"tables,omitempty"`

	// Scoped is true when scoping predicates were injected.
	Scoped bool `json:"scoped"`
}

// Err converts a denial into a kinded error, nil when allowed.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	sentinel := agent.ErrUnauthorized
	if v.Kind == agent.KindUnsafeQuery {
		sentinel = agent.ErrUnsafeQuery
	}
	return agent.NewToolError(v.Kind, fmt.Errorf("%s: %w", v.Reason, sentinel))
}

func deny(kind agent.ErrorKind, format string, args ...any) Verdict {
	return Verdict{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Gate authorizes statements against immutable role policies.
//
// Thread Safety: Safe for concurrent use. Policies are compiled in New and
// never modified.
type Gate struct {
	policies map[agent.Role]*compiledPolicy
	reserved map[string]bool
	logger   *slog.Logger
}

// DefaultReservedTables may not be referenced by any role, privileged or not.
var DefaultReservedTables = []string{"audit_log"}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger used for denial diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithReservedTables adds tables no statement may reference for any role.
func WithReservedTables(names ...string) Option {
	return func(g *Gate) {
		for _, n := range names {
			if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
				g.reserved[n] = true
			}
		}
	}
}

// New compiles policies into a Gate.
//
// Inputs:
//   - policies: One policy per role. Roles without a policy are denied.
//   - opts: Optional configuration.
//
// Outputs:
//   - *Gate: The gate.
//   - error: ErrInvalidPolicy if any policy violates its invariants.
func New(policies map[agent.Role]QueryPolicy, opts ...Option) (*Gate, error) {
	g := &Gate{
		policies: make(map[agent.Role]*compiledPolicy, len(policies)),
		reserved: make(map[string]bool, len(DefaultReservedTables)),
		logger:   slog.Default(),
	}
	for _, n := range DefaultReservedTables {
		g.reserved[n] = true
	}
	for _, opt := range opts {
		opt(g)
	}

	for role, p := range policies {
		if !role.Valid() {
			return nil, fmt.Errorf("policy for unknown role %q: %w", role, ErrInvalidPolicy)
		}
		cp, err := compilePolicy(role, p)
		if err != nil {
			return nil, err
		}
		g.policies[role] = cp
	}
	return g, nil
}

// Roles returns the roles that have a policy, sorted.
func (g *Gate) Roles() []agent.Role {
	roles := make([]agent.Role, 0, len(g.policies))
	for r := range g.policies {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// Authorize checks query against role's policy and rewrites it for actorID.
//
// Description:
//
//	Steps, first failure wins:
//	  1. Denylist: comments, statement separators, and schema or
//	     engine-control keywords outside literals → UnsafeQuery.
//	  2. Leading keyword must be SELECT, WITH, INSERT, UPDATE, DELETE or
//	     REPLACE → Unauthorized otherwise.
//	  3. No name anywhere in the statement may be a reserved table.
//	  4. Role must have a policy and allow the operation.
//	  5. Privileged roles get the normalized statement without rewriting.
//	  6. Every referenced table must be allowed and scopable, and an UPDATE
//	     must not assign a scoping column.
//	  7. Each table reference gets its predicate, qualified by alias and
//	     bound to actorID, conjoined with the existing WHERE clause.
//
//	The rewrite is deterministic: authorizing the same input twice yields
//	byte-identical output.
//
// Inputs:
//   - ctx: Used for tracing only; Authorize does no I/O.
//   - query: The statement to authorize.
//   - role: The caller's role.
//   - actorID: The caller's id, bound into scoping predicates.
//
// Outputs:
//   - Verdict: Never nil; check Allowed or Err.
//
// Thread Safety: Safe for concurrent use.
func (g *Gate) Authorize(ctx context.Context, query string, role agent.Role, actorID string) Verdict {
	_, span := otel.Tracer("opsagent.agent").Start(ctx, "gate.Gate.Authorize")
	defer span.End()

	start := time.Now()
	v := g.authorize(query, role, actorID)

	label := string(role)
	if !role.Valid() {
		label = "unknown"
	}
	recordVerdict(label, v, time.Since(start).Seconds())

	span.SetAttributes(
		attribute.String("role", label),
		attribute.Bool("allowed", v.Allowed),
		attribute.String("operation", string(v.Operation)),
		attribute.StringSlice("tables", v.Tables),
		attribute.Bool("scoped", v.Scoped),
	)
	if !v.Allowed {
		span.SetStatus(codes.Error, v.Reason)
		g.logger.Debug("gate: statement denied",
			slog.String("role", label),
			slog.String("kind", string(v.Kind)),
			slog.String("reason", v.Reason),
		)
		return v
	}
	span.SetStatus(codes.Ok, "")
	return v
}

func (g *Gate) authorize(query string, role agent.Role, actorID string) Verdict {
	stmt, err := parseStatement(query)
	if err != nil {
		var ue *unsafeError
		if errors.As(err, &ue) {
			return deny(agent.KindUnsafeQuery, "%s", ue.Error())
		}
		return deny(agent.KindUnauthorized, "%s", err.Error())
	}

	tables := make([]string, 0, len(stmt.tables))
	for _, t := range stmt.tables {
		tables = append(tables, t.Name)
	}

	v := g.authorizeParsed(stmt, role, actorID)
	v.Operation = stmt.op
	v.Tables = tables
	return v
}

func (g *Gate) authorizeParsed(stmt *statement, role agent.Role, actorID string) Verdict {
	if name, ok := g.reservedReference(stmt); ok {
		return deny(agent.KindUnauthorized, "table %q is reserved", name)
	}

	pol, ok := g.policies[role]
	if !ok {
		return deny(agent.KindUnauthorized, "no query policy for role %q", role)
	}
	if !pol.operations[stmt.op] {
		return deny(agent.KindUnauthorized, "operation %s is not permitted for role %s", stmt.op, role)
	}

	if role.Privileged() {
		return Verdict{Allowed: true, RewrittenQuery: render(stmt.tokens)}
	}

	if stmt.unscopable != "" {
		return deny(agent.KindUnauthorized, "%s is not permitted for role %s", stmt.unscopable, role)
	}
	if len(stmt.tables) == 0 {
		return deny(agent.KindUnauthorized, "statement references no table")
	}
	for _, t := range stmt.tables {
		if !pol.allowsTable(t.Name) {
			return deny(agent.KindUnauthorized, "table %q is not permitted for role %s", t.Name, role)
		}
	}
	if actorID == "" {
		return deny(agent.KindUnauthorized, "scoped role %s requires an actor id", role)
	}

	actor := actorLiteral(actorID)
	preds := make([][]token, 0, len(stmt.tables))
	for _, t := range stmt.tables {
		pred := pol.predicateFor(t.Name)
		if pred == nil {
			return deny(agent.KindUnauthorized, "table %q has no scoping predicate for role %s", t.Name, role)
		}
		for _, col := range pred.columnNames() {
			for _, a := range stmt.assigned {
				if a == col {
					return deny(agent.KindUnauthorized, "assignment to scoping column %q is not permitted", col)
				}
			}
		}
		preds = append(preds, pred.bind(t.Qualifier, actor))
	}

	return Verdict{
		Allowed:        true,
		RewrittenQuery: injectPredicates(stmt, preds),
		Scoped:         true,
	}
}

// reservedReference returns the first reserved table named by any identifier
// or string token, whether or not the parser placed it in a table position.
func (g *Gate) reservedReference(stmt *statement) (string, bool) {
	for _, t := range stmt.tokens {
		switch t.kind {
		case tokWord, tokQuotedIdent, tokString:
			if name := strings.ToLower(unquoteIdent(t.text)); g.reserved[name] {
				return name, true
			}
		}
	}
	return "", false
}
