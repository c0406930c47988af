// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestToolCallResponse_ArgumentsString(t *testing.T) {
	tests := []struct {
		name string
		args json.RawMessage
		want string
	}{
		{"object", json.RawMessage(`{"order_id":42,"status":"late"}`), `{"order_id":42,"status":"late"}`},
		// Some models return arguments as a JSON string
		{"string encoded", json.RawMessage(`"{\"order_id\":42}"`), `{"order_id":42}`},
		{"empty", json.RawMessage(``), "{}"},
		{"nil", nil, "{}"},
		{"array", json.RawMessage(`[1,2,3]`), `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := ToolCallResponse{ID: "call-1", Name: "get_order", Arguments: tt.args}
			if got := tc.ArgumentsString(); got != tt.want {
				t.Errorf("ArgumentsString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToolParameters_BoundsSerialize(t *testing.T) {
	min, max := 1.0, 50.0
	maxLen := 64
	closed := false
	params := ToolParameters{
		Type: "object",
		Properties: map[string]ToolParamDef{
			"limit":  {Type: "integer", Minimum: &min, Maximum: &max},
			"status": {Type: "string", Enum: []any{"open", "late"}, MaxLength: &maxLen},
		},
		Required:             []string{"status"},
		AdditionalProperties: &closed,
	}

	data, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for _, want := range []string{`"minimum":1`, `"maximum":50`, `"maxLength":64`, `"additionalProperties":false`, `"enum":["open","late"]`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("schema %s missing %s", data, want)
		}
	}

	data, _ = json.Marshal(ToolParamDef{Type: "string"})
	if string(data) != `{"type":"string"}` {
		t.Errorf("unset bounds should be omitted, got %s", data)
	}
}

func TestChatMessage_ToolCallsSurviveJSON(t *testing.T) {
	msg := ChatMessage{
		Role: "assistant",
		ToolCalls: []ToolCallResponse{
			{ID: "tc-1", Name: "track_delivery", Arguments: json.RawMessage(`{"delivery_id":3}`)},
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded ChatMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(decoded.ToolCalls) != 1 || decoded.ToolCalls[0].ArgumentsString() != `{"delivery_id":3}` {
		t.Errorf("decoded tool calls = %+v", decoded.ToolCalls)
	}
}

func TestStopReasonFor(t *testing.T) {
	if got := stopReasonFor(nil); got != "end" {
		t.Errorf("stopReasonFor(nil) = %q", got)
	}
	if got := stopReasonFor([]ToolCallResponse{{ID: "a"}}); got != "tool_use" {
		t.Errorf("stopReasonFor(calls) = %q", got)
	}
}
