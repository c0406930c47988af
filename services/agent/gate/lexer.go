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
	"strings"
	"unicode"
	"unicode/utf8"
)

// =============================================================================
// Tokens
// =============================================================================

// tokenKind classifies a lexical token of a SQL statement.
type tokenKind int

const (
	tokWord        tokenKind = iota // keyword or bare identifier
	tokQuotedIdent                  // "ident", `ident`, [ident]
	tokString                       // 'literal'
	tokNumber                       // 42, 3.14, 0x1F
	tokParam                        // ?, ?1, :name, @name, $name
	tokPunct                        // ( ) , ; .
	tokOp                           // = <> <= || ...
	tokComment                      // -- ... or /* ... */
)

// token is one lexical unit.
//
// Text is the exact source text and is never modified, so literal payloads
// survive rewriting byte for byte. Upper is the upper-cased text for words
// and is used only for keyword matching.
type token struct {
	kind  tokenKind
	text  string
	upper string
	pos   int
	space bool // whitespace preceded this token
}

func (t token) isWord(upper string) bool {
	return t.kind == tokWord && t.upper == upper
}

func (t token) isPunct(p string) bool {
	return t.kind == tokPunct && t.text == p
}

// errUnterminated is returned for unterminated strings, identifiers and comments.
var errUnterminated = errors.New("unterminated literal")

// =============================================================================
// Lexer
// =============================================================================

// lex splits a statement into tokens.
//
// Description:
//
//	A single forward scan. String literals use SQL quote doubling (''), quoted
//	identifiers use the matching closing delimiter. Comments are emitted as
//	tokComment so the caller can reject them; they are never skipped.
//
// Inputs:
//   - src: The statement text.
//
// Outputs:
//   - []token: Tokens in source order.
//   - error: errUnterminated or an unexpected-character error.
func lex(src string) ([]token, error) {
	var (
		tokens []token
		space  bool
	)

	emit := func(kind tokenKind, start, end int) {
		text := src[start:end]
		t := token{kind: kind, text: text, pos: start, space: space}
		if kind == tokWord {
			t.upper = strings.ToUpper(text)
		}
		tokens = append(tokens, t)
		space = false
	}

	i := 0
	for i < len(src) {
		r, size := utf8.DecodeRuneInString(src[i:])

		switch {
		case unicode.IsSpace(r):
			space = true
			i += size

		case r == '-' && strings.HasPrefix(src[i:], "--"):
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				end = len(src) - i
			}
			emit(tokComment, i, i+end)
			i += end

		case r == '/' && strings.HasPrefix(src[i:], "/*"):
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("block comment at %d: %w", i, errUnterminated)
			}
			emit(tokComment, i, i+2+end+2)
			i += 2 + end + 2

		case r == '\'':
			end, err := scanQuoted(src, i, '\'')
			if err != nil {
				return nil, err
			}
			emit(tokString, i, end)
			i = end

		case r == '"' || r == '`':
			end, err := scanQuoted(src, i, byte(r))
			if err != nil {
				return nil, err
			}
			emit(tokQuotedIdent, i, end)
			i = end

		case r == '[':
			end := strings.IndexByte(src[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("bracket identifier at %d: %w", i, errUnterminated)
			}
			emit(tokQuotedIdent, i, i+end+1)
			i += end + 1

		case r == '?':
			j := i + 1
			for j < len(src) && isDigit(src[j]) {
				j++
			}
			emit(tokParam, i, j)
			i = j

		case (r == ':' || r == '@' || r == '$') && i+1 < len(src) && isWordStart(rune(src[i+1])):
			j := scanWord(src, i+1)
			emit(tokParam, i, j)
			i = j

		case (r >= '0' && r <= '9') || (r == '.' && i+1 < len(src) && isDigit(src[i+1])):
			j := scanNumber(src, i)
			emit(tokNumber, i, j)
			i = j

		case isWordStart(r):
			j := scanWord(src, i)
			emit(tokWord, i, j)
			i = j

		case strings.ContainsRune("(),;.", r):
			emit(tokPunct, i, i+1)
			i++

		default:
			n := scanOperator(src[i:])
			if n == 0 {
				return nil, fmt.Errorf("unexpected character %q at %d", r, i)
			}
			emit(tokOp, i, i+n)
			i += n
		}
	}

	return tokens, nil
}

// scanQuoted returns the index just past the closing quote of a literal that
// starts at src[start]. A doubled quote is an escaped quote.
func scanQuoted(src string, start int, quote byte) (int, error) {
	i := start + 1
	for i < len(src) {
		if src[i] == quote {
			if i+1 < len(src) && src[i+1] == quote {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, fmt.Errorf("literal at %d: %w", start, errUnterminated)
}

func scanWord(src string, start int) int {
	i := start
	for i < len(src) {
		r, size := utf8.DecodeRuneInString(src[i:])
		if !isWordPart(r) {
			break
		}
		i += size
	}
	return i
}

func scanNumber(src string, start int) int {
	i := start
	if strings.HasPrefix(strings.ToLower(src[i:]), "0x") {
		i += 2
		for i < len(src) && strings.IndexByte("0123456789abcdefABCDEF", src[i]) >= 0 {
			i++
		}
		return i
	}
	for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
		i++
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j < len(src) && isDigit(src[j]) {
			i = j
			for i < len(src) && isDigit(src[i]) {
				i++
			}
		}
	}
	return i
}

// multiCharOps is ordered longest first.
var multiCharOps = []string{"->>", "->", "<=", ">=", "<>", "!=", "==", "||", "<<", ">>"}

func scanOperator(s string) int {
	for _, op := range multiCharOps {
		if strings.HasPrefix(s, op) {
			return len(op)
		}
	}
	if strings.IndexByte("=<>+-*/%&|~!", s[0]) >= 0 {
		return 1
	}
	return 0
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func isWordStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isWordPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
