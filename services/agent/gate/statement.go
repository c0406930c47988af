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
	"fmt"
	"strings"
)

// Operation is the coarse access class of a statement.
type Operation string

const (
	OpRead  Operation = "READ"
	OpWrite Operation = "WRITE"
)

// leadingOps maps the leading keyword of a statement to its operation.
var leadingOps = map[string]Operation{
	"SELECT":  OpRead,
	"WITH":    OpRead,
	"INSERT":  OpWrite,
	"UPDATE":  OpWrite,
	"DELETE":  OpWrite,
	"REPLACE": OpWrite,
}

// denylistedWords are rejected wherever they appear outside literals.
var denylistedWords = map[string]bool{
	"DROP":           true,
	"ALTER":          true,
	"CREATE":         true,
	"TRUNCATE":       true,
	"ATTACH":         true,
	"DETACH":         true,
	"PRAGMA":         true,
	"VACUUM":         true,
	"REINDEX":        true,
	"GRANT":          true,
	"REVOKE":         true,
	"LOAD_EXTENSION": true,
}

// clauseEnders terminate a top-level WHERE clause or mark where one is inserted.
var clauseEnders = map[string]bool{
	"GROUP":     true,
	"HAVING":    true,
	"ORDER":     true,
	"LIMIT":     true,
	"OFFSET":    true,
	"WINDOW":    true,
	"RETURNING": true,
}

// setOperators combine two selects and cannot be scoped as one statement.
var setOperators = map[string]bool{
	"UNION":     true,
	"INTERSECT": true,
	"EXCEPT":    true,
}

// notAlias are words that may follow a table name but are never its alias.
var notAlias = map[string]bool{
	"WHERE": true, "JOIN": true, "LEFT": true, "RIGHT": true, "INNER": true,
	"OUTER": true, "CROSS": true, "NATURAL": true, "FULL": true, "ON": true,
	"USING": true, "GROUP": true, "ORDER": true, "LIMIT": true, "HAVING": true,
	"SET": true, "UNION": true, "EXCEPT": true, "INTERSECT": true, "WINDOW": true,
	"RETURNING": true, "OFFSET": true, "VALUES": true, "INDEXED": true, "NOT": true,
	"DEFAULT": true, "SELECT": true, "FROM": true,
}

// joinWords make up join operators.
var joinWords = map[string]bool{
	"JOIN":    true,
	"NATURAL": true,
	"LEFT":    true,
	"RIGHT":   true,
	"FULL":    true,
	"INNER":   true,
	"OUTER":   true,
	"CROSS":   true,
}

// tableRef is one table reference in a statement.
//
// Name is the unquoted, lower-cased table name used for policy checks.
// Qualifier is the text used to qualify injected predicate columns: the alias
// if one was given, otherwise the table name as written.
type tableRef struct {
	Name      string
	Qualifier string
}

// statement is the parsed shape of a single SQL statement.
//
// whereStart/whereEnd delimit the body of the top-level WHERE clause as token
// indexes (whereStart < 0 when there is none). insertAt is the token index at
// which a new WHERE clause is inserted.
type statement struct {
	tokens []token
	verb   string
	op     Operation
	tables []tableRef

	whereStart int
	whereEnd   int
	insertAt   int

	// unscopable holds the reason the statement cannot carry a row predicate,
	// empty when it can.
	unscopable string

	// assigned holds lower-cased UPDATE SET targets.
	assigned []string
}

// unsafeError reports a denylisted construct.
type unsafeError struct {
	construct string
}

func (e *unsafeError) Error() string {
	return "unsafe construct: " + e.construct
}

// parseStatement tokenizes and parses query.
//
// Description:
//
//	Runs the denylist over the token stream first (comments, separators,
//	schema and engine-control keywords), then determines the operation,
//	collects table references at every nesting depth, and locates the
//	top-level WHERE clause or the point where one would be inserted.
//
// Inputs:
//   - query: The raw statement.
//
// Outputs:
//   - *statement: The parsed statement.
//   - error: *unsafeError for denylisted constructs; a plain error for
//     statements that cannot be recognized.
func parseStatement(query string) (*statement, error) {
	tokens, err := lex(query)
	if err != nil {
		return nil, &unsafeError{construct: err.Error()}
	}

	// A single trailing separator is tolerated and dropped.
	if n := len(tokens); n > 0 && tokens[n-1].isPunct(";") {
		tokens = tokens[:n-1]
	}

	for _, t := range tokens {
		switch {
		case t.kind == tokComment:
			return nil, &unsafeError{construct: "comment"}
		case t.isPunct(";"):
			return nil, &unsafeError{construct: "statement separator"}
		case t.kind == tokWord && denylistedWords[t.upper]:
			return nil, &unsafeError{construct: t.upper}
		}
	}

	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty statement")
	}

	first := tokens[0]
	op, ok := leadingOps[first.upper]
	if first.kind != tokWord || !ok {
		return nil, fmt.Errorf("unsupported statement %q", first.text)
	}

	s := &statement{
		tokens:     tokens,
		verb:       first.upper,
		op:         op,
		whereStart: -1,
		whereEnd:   -1,
		insertAt:   len(tokens),
	}

	s.scanStructure()
	return s, nil
}

// scanStructure walks the token stream once, tracking parenthesis depth.
func (s *statement) scanStructure() {
	if s.verb == "WITH" {
		s.markUnscopable("common table expression")
	}
	if s.verb == "INSERT" || s.verb == "REPLACE" {
		s.markUnscopable("insert cannot carry a row predicate")
	}

	depth := 0
	afterTableSection := false
	for i := 0; i < len(s.tokens); i++ {
		t := s.tokens[i]

		switch {
		case t.isPunct("("):
			depth++
			continue
		case t.isPunct(")"):
			depth--
			continue
		case t.kind != tokWord:
			continue
		}

		if t.upper == "SELECT" && i > 0 {
			s.markUnscopable("nested select")
		}

		switch t.upper {
		case "FROM":
			if depth == 0 {
				i = s.readFromClause(i + 1)
				afterTableSection = true
				continue
			}
			i = s.readTableList(i+1, true)
			continue
		case "JOIN", "INTO":
			i = s.readTableList(i+1, false)
			if depth == 0 {
				afterTableSection = true
			}
			continue
		case "UPDATE":
			if i == 0 {
				i = s.readUpdateTarget(i + 1)
				continue
			}
		}

		if depth != 0 {
			continue
		}

		switch {
		case setOperators[t.upper]:
			s.markUnscopable("set operation")
		case t.upper == "SET" && s.verb == "UPDATE":
			s.readAssignments(i + 1)
			afterTableSection = true
		case t.upper == "WHERE" && s.whereStart < 0:
			s.whereStart = i + 1
			s.whereEnd = s.findClauseEnd(i + 1)
			s.insertAt = s.whereStart
		case clauseEnders[t.upper] && s.whereStart < 0 && afterTableSection && s.insertAt == len(s.tokens):
			s.insertAt = i
		}
	}
}

// readTableList parses table references starting at i. When list is true a
// comma-separated list is accepted (FROM a, b). Returns the index of the last
// consumed token.
func (s *statement) readTableList(i int, list bool) int {
	for {
		next, ok := s.readTableRef(i)
		if !ok {
			return i - 1
		}
		i = next
		if list && i < len(s.tokens) && s.tokens[i].isPunct(",") {
			i++
			continue
		}
		return i - 1
	}
}

// readFromClause parses the top-level join clause starting at i and returns
// the index of the last consumed token.
//
// A table reference is read after FROM, after every comma and after every
// join operator. Index hints and ON/USING constraints are skipped. Anything
// else before WHERE or a clause ender makes the statement unscopable, so a
// table the parser cannot see is never left unchecked.
func (s *statement) readFromClause(i int) int {
	for {
		next, ok := s.readTableRef(i)
		if !ok {
			s.markUnscopable(s.unrecognized(i, "table reference"))
			return i - 1
		}
		i = s.skipJoinConstraint(s.skipIndexHint(next))

		if i >= len(s.tokens) || endsFromClause(s.tokens[i]) {
			return i - 1
		}
		if s.tokens[i].isPunct(",") {
			i++
			continue
		}
		if j, ok := s.readJoinOperator(i); ok {
			i = j
			continue
		}
		s.markUnscopable(s.unrecognized(i, "FROM clause"))
		return i - 1
	}
}

// readJoinOperator consumes "[NATURAL] [LEFT|RIGHT|FULL] [OUTER] JOIN",
// "INNER JOIN" or "CROSS JOIN" at i.
func (s *statement) readJoinOperator(i int) (int, bool) {
	for i < len(s.tokens) && s.tokens[i].kind == tokWord && joinWords[s.tokens[i].upper] {
		if s.tokens[i].upper == "JOIN" {
			return i + 1, true
		}
		i++
	}
	return i, false
}

// skipIndexHint skips "INDEXED BY name" or "NOT INDEXED" at i.
func (s *statement) skipIndexHint(i int) int {
	switch {
	case i+2 < len(s.tokens) && s.tokens[i].isWord("INDEXED") && s.tokens[i+1].isWord("BY") && isNameToken(s.tokens[i+2]):
		return i + 3
	case i+1 < len(s.tokens) && s.tokens[i].isWord("NOT") && s.tokens[i+1].isWord("INDEXED"):
		return i + 2
	}
	return i
}

// skipJoinConstraint skips "ON expr" or "USING (columns)" at i.
func (s *statement) skipJoinConstraint(i int) int {
	if i >= len(s.tokens) {
		return i
	}
	switch {
	case s.tokens[i].isWord("ON"):
		depth := 0
		for i++; i < len(s.tokens); i++ {
			t := s.tokens[i]
			switch {
			case t.isPunct("("):
				depth++
			case t.isPunct(")"):
				if depth == 0 {
					return i
				}
				depth--
			case t.isWord("SELECT"):
				s.markUnscopable("nested select")
			case depth == 0 && (t.isPunct(",") || (t.kind == tokWord && joinWords[t.upper]) || endsFromClause(t)):
				return i
			}
		}
		return i
	case s.tokens[i].isWord("USING") && i+1 < len(s.tokens) && s.tokens[i+1].isPunct("("):
		depth := 0
		for j := i + 1; j < len(s.tokens); j++ {
			switch {
			case s.tokens[j].isPunct("("):
				depth++
			case s.tokens[j].isPunct(")"):
				depth--
				if depth == 0 {
					return j + 1
				}
			}
		}
		return len(s.tokens)
	}
	return i
}

// readUpdateTarget parses "UPDATE [OR <action>] table [AS alias] [index hint]".
func (s *statement) readUpdateTarget(i int) int {
	if i < len(s.tokens) && s.tokens[i].isWord("OR") {
		i += 2
	}
	next, ok := s.readTableRef(i)
	if !ok {
		s.markUnscopable(s.unrecognized(i, "update target"))
		return i - 1
	}
	next = s.skipIndexHint(next)
	if next >= len(s.tokens) || !s.tokens[next].isWord("SET") {
		s.markUnscopable(s.unrecognized(next, "update target"))
	}
	return next - 1
}

// readTableRef parses "[schema.]name [[AS] alias]" at i and records it.
// SQLite accepts a string literal wherever it expects a name, so string
// tokens count as names here.
// Returns the index after the reference.
func (s *statement) readTableRef(i int) (int, bool) {
	if i >= len(s.tokens) {
		return i, false
	}

	t := s.tokens[i]
	if t.isPunct("(") {
		s.markUnscopable("derived table")
		return i, false
	}
	if !isNameToken(t) {
		return i, false
	}

	nameTok := t
	i++
	if i < len(s.tokens) && s.tokens[i].isPunct(".") {
		if i+1 >= len(s.tokens) || !isNameToken(s.tokens[i+1]) {
			return i, false
		}
		nameTok = s.tokens[i+1]
		i += 2
	}
	if i < len(s.tokens) && s.tokens[i].isPunct("(") {
		s.markUnscopable("table-valued function")
		return i, false
	}

	ref := tableRef{
		Name:      strings.ToLower(unquoteIdent(nameTok.text)),
		Qualifier: qualifierText(nameTok),
	}

	if i < len(s.tokens) && s.tokens[i].isWord("AS") {
		i++
	}
	if i < len(s.tokens) && isNameToken(s.tokens[i]) {
		ref.Qualifier = qualifierText(s.tokens[i])
		i++
	}

	s.tables = append(s.tables, ref)
	return i, true
}

// readAssignments records the targets of an UPDATE SET list starting at i.
func (s *statement) readAssignments(i int) {
	expectTarget := true
	depth := 0
	for ; i < len(s.tokens); i++ {
		t := s.tokens[i]
		switch {
		case t.isPunct("("):
			if expectTarget && depth == 0 {
				s.markUnscopable("row-value assignment")
			}
			depth++
		case t.isPunct(")"):
			depth--
		case depth > 0:
		case t.isPunct(","):
			expectTarget = true
		case t.kind == tokWord && (t.upper == "WHERE" || t.upper == "FROM" || clauseEnders[t.upper]):
			return
		case expectTarget && (t.kind == tokWord || t.kind == tokQuotedIdent):
			name := t.text
			if i+2 < len(s.tokens) && s.tokens[i+1].isPunct(".") {
				name = s.tokens[i+2].text
				i += 2
			}
			s.assigned = append(s.assigned, strings.ToLower(unquoteIdent(name)))
			expectTarget = false
		}
	}
}

// findClauseEnd returns the index of the first top-level clause keyword at or
// after i that ends a WHERE clause.
func (s *statement) findClauseEnd(i int) int {
	depth := 0
	for ; i < len(s.tokens); i++ {
		t := s.tokens[i]
		switch {
		case t.isPunct("("):
			depth++
		case t.isPunct(")"):
			depth--
		case depth == 0 && t.kind == tokWord && (clauseEnders[t.upper] || setOperators[t.upper]):
			return i
		}
	}
	return len(s.tokens)
}

func (s *statement) unrecognized(i int, what string) string {
	if i >= len(s.tokens) {
		return "incomplete " + what
	}
	return fmt.Sprintf("unrecognized %s near %q", what, s.tokens[i].text)
}

func (s *statement) markUnscopable(reason string) {
	if s.unscopable == "" {
		s.unscopable = reason
	}
}

// unquoteIdent strips identifier quoting and undoubles embedded quotes.
func unquoteIdent(text string) string {
	if len(text) < 2 {
		return text
	}
	switch text[0] {
	case '"':
		return strings.ReplaceAll(text[1:len(text)-1], `""`, `"`)
	case '`':
		return strings.ReplaceAll(text[1:len(text)-1], "``", "`")
	case '\'':
		return strings.ReplaceAll(text[1:len(text)-1], "''", "'")
	case '[':
		return text[1 : len(text)-1]
	}
	return text
}

// isNameToken reports whether t can name a table or alias.
func isNameToken(t token) bool {
	switch t.kind {
	case tokQuotedIdent, tokString:
		return true
	case tokWord:
		return !notAlias[t.upper]
	}
	return false
}

// qualifierText renders a name token as a column qualifier. String literals
// are re-quoted as identifiers.
func qualifierText(t token) string {
	if t.kind != tokString {
		return t.text
	}
	return `"` + strings.ReplaceAll(unquoteIdent(t.text), `"`, `""`) + `"`
}

// endsFromClause reports whether t closes a top-level FROM clause.
func endsFromClause(t token) bool {
	return t.kind == tokWord && (t.upper == "WHERE" || clauseEnders[t.upper] || setOperators[t.upper])
}
