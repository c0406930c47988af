// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/llm"
)

// decodeArguments parses raw tool arguments into a JSON object. Empty input
// is an empty object.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}

	// Some providers send the object as a JSON string.
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, agent.ToolErrorf(agent.KindValidation, "arguments are not valid JSON: %v", err)
		}
		raw = []byte(inner)
	}

	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, agent.ToolErrorf(agent.KindValidation, "arguments must be a JSON object: %v", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// validateArguments checks args against the tool's parameter schema.
//
// Description:
//
//	Supports the schema subset tools declare: required names, closed objects
//	(additionalProperties false), primitive types, enum, numeric bounds and
//	string length. Null values count as absent. Errors name the offending
//	parameter so the model can correct itself.
//
// Outputs:
//   - error: ValidationError describing the first violation, nil if valid.
func validateArguments(schema llm.ToolParameters, args map[string]any) error {
	for name, v := range args {
		if v == nil {
			delete(args, name)
		}
	}

	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			return agent.ToolErrorf(agent.KindValidation, "missing required parameter %q", name)
		}
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def, ok := schema.Properties[name]
		if !ok {
			if schema.AdditionalProperties != nil && !*schema.AdditionalProperties {
				return agent.ToolErrorf(agent.KindValidation, "unknown parameter %q", name)
			}
			continue
		}
		if err := validateValue(name, def, args[name]); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(name string, def llm.ToolParamDef, v any) error {
	switch def.Type {
	case "string":
		s, ok := v.(string)
		if !ok {
			return typeError(name, def.Type, v)
		}
		if def.MaxLength != nil && utf8.RuneCountInString(s) > *def.MaxLength {
			return agent.ToolErrorf(agent.KindValidation, "parameter %q exceeds %d characters", name, *def.MaxLength)
		}
	case "integer":
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return typeError(name, def.Type, v)
		}
		if err := checkBounds(name, def, f); err != nil {
			return err
		}
	case "number":
		f, ok := v.(float64)
		if !ok {
			return typeError(name, def.Type, v)
		}
		if err := checkBounds(name, def, f); err != nil {
			return err
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return typeError(name, def.Type, v)
		}
	case "array":
		if _, ok := v.([]any); !ok {
			return typeError(name, def.Type, v)
		}
	case "object":
		if _, ok := v.(map[string]any); !ok {
			return typeError(name, def.Type, v)
		}
	}

	if len(def.Enum) > 0 && !inEnum(def.Enum, v) {
		return agent.ToolErrorf(agent.KindValidation, "parameter %q must be one of %v", name, def.Enum)
	}
	return nil
}

func checkBounds(name string, def llm.ToolParamDef, f float64) error {
	if def.Minimum != nil && f < *def.Minimum {
		return agent.ToolErrorf(agent.KindValidation, "parameter %q must be >= %g", name, *def.Minimum)
	}
	if def.Maximum != nil && f > *def.Maximum {
		return agent.ToolErrorf(agent.KindValidation, "parameter %q must be <= %g", name, *def.Maximum)
	}
	return nil
}

// inEnum compares by formatted value so integer enums declared as Go ints
// match JSON numbers.
func inEnum(enum []any, v any) bool {
	got := fmt.Sprint(v)
	for _, e := range enum {
		if fmt.Sprint(e) == got {
			return true
		}
	}
	return false
}

func typeError(name, want string, v any) error {
	return agent.ToolErrorf(agent.KindValidation, "parameter %q must be %s, got %s", name, want, jsonType(v))
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
