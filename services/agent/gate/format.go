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

import "strings"

// render joins tokens back into SQL. Runs of whitespace collapse to a single
// space; token text, including every literal, is emitted unchanged.
func render(tokens []token) string {
	var sb strings.Builder
	for i, t := range tokens {
		if i > 0 && t.space {
			sb.WriteByte(' ')
		}
		sb.WriteString(t.text)
	}
	return sb.String()
}

// injectPredicates conjoins predicates with the statement's top-level filter.
//
// Description:
//
//	With an existing WHERE clause the original condition is parenthesized
//	before conjoining, so an OR inside it cannot widen the result:
//
//	    WHERE a = 1 OR b = 2   →   WHERE (a = 1 OR b = 2) AND t.owner_id = 7
//
//	Without one, a WHERE clause is inserted ahead of GROUP BY, HAVING,
//	ORDER BY, LIMIT, RETURNING, or the end of the statement.
//
// Inputs:
//   - s: The parsed statement.
//   - preds: Bound predicates, one per table reference.
//
// Outputs:
//   - string: The rewritten statement.
func injectPredicates(s *statement, preds [][]token) string {
	if len(preds) == 0 {
		return render(s.tokens)
	}

	var conj []token
	for i, p := range preds {
		if i > 0 {
			conj = append(conj, keyword("AND"))
		}
		conj = append(conj, p...)
	}

	out := make([]token, 0, len(s.tokens)+len(conj)+4)
	if s.whereStart >= 0 {
		out = append(out, s.tokens[:s.whereStart]...)
		out = append(out, token{kind: tokPunct, text: "(", space: true})
		body := append([]token(nil), s.tokens[s.whereStart:s.whereEnd]...)
		if len(body) > 0 {
			body[0].space = false
		}
		out = append(out, body...)
		out = append(out, token{kind: tokPunct, text: ")"})
		out = append(out, keyword("AND"))
		out = append(out, conj...)
		out = append(out, spaced(s.tokens[s.whereEnd:])...)
		return render(out)
	}

	out = append(out, s.tokens[:s.insertAt]...)
	out = append(out, keyword("WHERE"))
	out = append(out, conj...)
	out = append(out, spaced(s.tokens[s.insertAt:])...)
	return render(out)
}

func keyword(word string) token {
	return token{kind: tokWord, text: word, upper: word, space: true}
}

// spaced copies rest with its first token separated by a space.
func spaced(rest []token) []token {
	if len(rest) == 0 {
		return nil
	}
	out := append([]token(nil), rest...)
	out[0].space = true
	return out
}
