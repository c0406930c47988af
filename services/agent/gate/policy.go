// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/opsagent/services/agent"
)

// ActorPlaceholder is the only placeholder a scoping predicate may contain.
// It is replaced by the calling actor's id rendered as a SQL literal.
const ActorPlaceholder = ":actor_id"

// AllTables is the AllowedTables wildcard for privileged roles.
const AllTables = "*"

// ErrInvalidPolicy is returned when a policy violates its invariants.
var ErrInvalidPolicy = errors.New("gate: invalid query policy")

// QueryPolicy is the static data-access policy of one role.
//
// Description:
//
//	Non-privileged roles must list a finite, non-empty set of tables and a
//	scoping predicate for each of them, either the role-wide
//	ScopingPredicate or a per-table entry in TablePredicates. Predicates are
//	SQL boolean expressions over bare column names, e.g.
//	"driver_id = :actor_id"; columns are qualified with the table alias when
//	injected.
//
// Thread Safety: Treat as immutable once passed to New.
type QueryPolicy struct {
	AllowedTables     []string
	AllowedOperations []Operation
	ScopingPredicate  string
	TablePredicates   map[string]string
}

// AllTables reports whether the policy grants every table.
func (p QueryPolicy) AllTables() bool {
	for _, t := range p.AllowedTables {
		if t == AllTables {
			return true
		}
	}
	return false
}

// Validate checks the policy invariants for role.
//
// Outputs:
//   - error: ErrInvalidPolicy wrapped with the first violation, nil if valid.
func (p QueryPolicy) Validate(role agent.Role) error {
	if len(p.AllowedOperations) == 0 {
		return fmt.Errorf("policy[%s]: allowed_operations must not be empty: %w", role, ErrInvalidPolicy)
	}
	for _, op := range p.AllowedOperations {
		if op != OpRead && op != OpWrite {
			return fmt.Errorf("policy[%s]: unknown operation %q: %w", role, op, ErrInvalidPolicy)
		}
	}
	if len(p.AllowedTables) == 0 {
		return fmt.Errorf("policy[%s]: allowed_tables must not be empty: %w", role, ErrInvalidPolicy)
	}
	if p.AllTables() && len(p.AllowedTables) > 1 {
		return fmt.Errorf("policy[%s]: %q must be the only allowed_tables entry: %w", role, AllTables, ErrInvalidPolicy)
	}
	for i, t := range p.AllowedTables {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("policy[%s]: allowed_tables[%d] must not be empty: %w", role, i, ErrInvalidPolicy)
		}
	}

	if role.Privileged() {
		return nil
	}

	if p.AllTables() {
		return fmt.Errorf("policy[%s]: non-privileged role must list its tables: %w", role, ErrInvalidPolicy)
	}
	if p.ScopingPredicate == "" && len(p.TablePredicates) == 0 {
		return fmt.Errorf("policy[%s]: non-privileged role requires a scoping predicate: %w", role, ErrInvalidPolicy)
	}
	if p.ScopingPredicate != "" {
		if _, err := compilePredicate(p.ScopingPredicate); err != nil {
			return fmt.Errorf("policy[%s]: scoping_predicate: %v: %w", role, err, ErrInvalidPolicy)
		}
	}
	for table, pred := range p.TablePredicates {
		if _, err := compilePredicate(pred); err != nil {
			return fmt.Errorf("policy[%s]: table_predicates[%s]: %v: %w", role, table, err, ErrInvalidPolicy)
		}
	}
	for _, t := range p.AllowedTables {
		if p.ScopingPredicate == "" && p.TablePredicates[t] == "" {
			return fmt.Errorf("policy[%s]: table %q has no scoping predicate: %w", role, t, ErrInvalidPolicy)
		}
	}
	return nil
}

// =============================================================================
// Compiled Policy
// =============================================================================

type compiledPolicy struct {
	policy     QueryPolicy
	operations map[Operation]bool
	tables     map[string]bool
	defaultPre *compiledPredicate
	tablePreds map[string]*compiledPredicate
}

func compilePolicy(role agent.Role, p QueryPolicy) (*compiledPolicy, error) {
	if err := p.Validate(role); err != nil {
		return nil, err
	}

	cp := &compiledPolicy{
		policy:     p,
		operations: make(map[Operation]bool, len(p.AllowedOperations)),
		tables:     make(map[string]bool, len(p.AllowedTables)),
		tablePreds: make(map[string]*compiledPredicate, len(p.TablePredicates)),
	}
	for _, op := range p.AllowedOperations {
		cp.operations[op] = true
	}
	for _, t := range p.AllowedTables {
		cp.tables[strings.ToLower(t)] = true
	}

	// Privileged roles never inject predicates, so theirs are not compiled.
	if role.Privileged() {
		return cp, nil
	}

	if p.ScopingPredicate != "" {
		pred, err := compilePredicate(p.ScopingPredicate)
		if err != nil {
			return nil, err
		}
		cp.defaultPre = pred
	}
	for table, src := range p.TablePredicates {
		pred, err := compilePredicate(src)
		if err != nil {
			return nil, err
		}
		cp.tablePreds[strings.ToLower(table)] = pred
	}
	return cp, nil
}

func (c *compiledPolicy) allowsTable(name string) bool {
	return c.tables[AllTables] || c.tables[name]
}

func (c *compiledPolicy) predicateFor(table string) *compiledPredicate {
	if p, ok := c.tablePreds[table]; ok {
		return p
	}
	return c.defaultPre
}

// =============================================================================
// Scoping Predicates
// =============================================================================

// predicateKeywords are words in a predicate template that are not columns.
var predicateKeywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IN": true, "IS": true, "NULL": true,
	"LIKE": true, "GLOB": true, "BETWEEN": true, "TRUE": true, "FALSE": true,
	"ESCAPE": true, "COLLATE": true, "CASE": true, "WHEN": true, "THEN": true,
	"ELSE": true, "END": true,
}

// compiledPredicate is a lexed scoping predicate template.
type compiledPredicate struct {
	source  string
	tokens  []token
	columns map[int]bool // token indexes of bare column references
	hasOr   bool         // top-level OR; bound output is parenthesized
}

// compilePredicate lexes and checks a predicate template.
func compilePredicate(src string) (*compiledPredicate, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("predicate is empty")
	}

	cp := &compiledPredicate{source: src, tokens: tokens, columns: make(map[int]bool)}
	bound := false
	depth := 0
	for i, t := range tokens {
		switch {
		case t.isPunct("("):
			depth++
		case t.isPunct(")"):
			depth--
		case depth == 0 && t.isWord("OR"):
			cp.hasOr = true
		case t.kind == tokComment || t.isPunct(";"):
			return nil, fmt.Errorf("predicate contains %q", t.text)
		case t.kind == tokWord && (denylistedWords[t.upper] || t.upper == "SELECT"):
			return nil, fmt.Errorf("predicate contains %s", t.upper)
		case t.kind == tokParam:
			if t.text != ActorPlaceholder {
				return nil, fmt.Errorf("unsupported placeholder %q (only %s)", t.text, ActorPlaceholder)
			}
			bound = true
		case t.kind == tokWord && !predicateKeywords[t.upper]:
			prevDot := i > 0 && tokens[i-1].isPunct(".")
			nextParen := i+1 < len(tokens) && tokens[i+1].isPunct("(")
			nextDot := i+1 < len(tokens) && tokens[i+1].isPunct(".")
			if !prevDot && !nextParen && !nextDot {
				cp.columns[i] = true
			}
		}
	}
	if !bound {
		return nil, fmt.Errorf("predicate must reference %s", ActorPlaceholder)
	}
	return cp, nil
}

// columnNames returns the lower-cased column names the predicate constrains.
func (p *compiledPredicate) columnNames() []string {
	names := make([]string, 0, len(p.columns))
	for i := range p.tokens {
		if p.columns[i] {
			names = append(names, strings.ToLower(p.tokens[i].text))
		}
	}
	return names
}

// bind renders the predicate for one table reference.
//
// Inputs:
//   - qualifier: Alias or table name prefixed to bare columns.
//   - actor: The actor id literal token.
//
// Outputs:
//   - []token: The predicate tokens; the first token is marked as spaced.
func (p *compiledPredicate) bind(qualifier string, actor token) []token {
	out := make([]token, 0, len(p.tokens)+4)
	if p.hasOr {
		out = append(out, token{kind: tokPunct, text: "("})
	}
	for i, t := range p.tokens {
		switch {
		case t.kind == tokParam:
			a := actor
			a.space = t.space
			out = append(out, a)
		case p.columns[i] && qualifier != "":
			out = append(out,
				token{kind: tokWord, text: qualifier, upper: strings.ToUpper(qualifier), space: t.space},
				token{kind: tokPunct, text: "."},
				token{kind: tokWord, text: t.text, upper: t.upper},
			)
		default:
			out = append(out, t)
		}
	}
	if p.hasOr {
		out[1].space = false
		out = append(out, token{kind: tokPunct, text: ")"})
	}
	out[0].space = true
	return out
}

var integerID = regexp.MustCompile(`^-?[0-9]{1,18}$`)

// actorLiteral renders an actor id as a SQL literal token. Integer ids stay
// numeric so they compare correctly against integer columns; anything else
// becomes a quoted string with embedded quotes doubled.
func actorLiteral(actorID string) token {
	if integerID.MatchString(actorID) {
		return token{kind: tokNumber, text: actorID}
	}
	return token{kind: tokString, text: "'" + strings.ReplaceAll(actorID, "'", "''") + "'"}
}
