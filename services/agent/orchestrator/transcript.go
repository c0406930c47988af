// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/llm"
)

// normalizeCalls gives every call an id so the assistant turn and the tool
// results it produces can be paired. Provider ids are kept.
func normalizeCalls(calls []llm.ToolCallResponse) []llm.ToolCallResponse {
	out := make([]llm.ToolCallResponse, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		out[i] = c
	}
	return out
}

// toolMessage is what the model sees for one tool result.
type toolMessage struct {
	Success      bool            `json:"success"`
	Payload      any             `json:"payload,omitempty"`
	RowsAffected *int64          `json:"rowsAffected,omitempty"`
	ErrorKind    agent.ErrorKind `json:"errorKind,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// toolResultMessage renders res as a transcript entry, capped at maxBytes.
func toolResultMessage(res agent.ToolExecutionResult, maxBytes int) llm.ChatMessage {
	body, err := json.Marshal(toolMessage{
		Success:      res.Success,
		Payload:      res.Payload,
		RowsAffected: res.RowsAffected,
		ErrorKind:    res.ErrorKind,
		Error:        res.Error,
	})
	if err != nil {
		body, _ = json.Marshal(toolMessage{
			ErrorKind: agent.KindUpstream,
			Error:     fmt.Sprintf("tool result could not be encoded: %v", err),
		})
	}
	return llm.ChatMessage{
		Role:       "tool",
		Content:    truncate(string(body), maxBytes),
		ToolCallID: res.RequestID,
		ToolName:   res.ToolName,
	}
}

// truncate cuts s to at most maxBytes on a rune boundary and notes how much
// was dropped. maxBytes <= 0 disables the cap.
func truncate(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("... [truncated %d bytes]", len(s)-cut)
}
