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

import "encoding/json"

// ToolDef is the provider-agnostic function declaration passed to
// ChatWithTools. Each client converts it to its own wire format
// (OpenAI tools[].function, Gemini functionDeclarations).
//
// Thread Safety: ToolDef is immutable and safe for concurrent read access.
type ToolDef struct {
	// Type is always "function".
	Type string `json:"type"`

	Function ToolFunction `json:"function"`
}

// ToolFunction contains the function name, description, and parameter schema.
type ToolFunction struct {
	// Name is the canonical name the model will call.
	Name string `json:"name"`

	Description string `json:"description"`

	// Parameters is the object schema for the call arguments. Nil means
	// the function takes no arguments.
	Parameters *Schema `json:"parameters,omitempty"`
}

// ChatMessage carries tool call metadata in addition to role and content.
//
// Description:
//
//	Tool results set ToolCallID (OpenAI) and ToolName (Gemini's
//	functionResponse needs the name, not an ID). Assistant turns that
//	requested calls set ToolCalls.
type ChatMessage struct {
	// Role is "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	Content string `json:"content,omitempty"`

	ToolCalls []ToolCallResponse `json:"tool_calls,omitempty"`

	ToolCallID string `json:"tool_call_id,omitempty"`

	ToolName string `json:"tool_name,omitempty"`
}

// ToolCallResponse is one function call requested by the model.
//
// Description:
//
//	OpenAI supplies IDs; Gemini does not, so the Gemini client generates
//	synthetic ones ("gemini-call-N").
type ToolCallResponse struct {
	ID string `json:"id"`

	Name string `json:"name"`

	// Arguments is the raw JSON arguments object.
	Arguments json.RawMessage `json:"arguments"`
}

// ArgumentsString returns the arguments as a JSON string.
//
// Description:
//
//	If Arguments is itself a JSON string value (some providers double
//	encode), the unquoted string is returned. Otherwise the raw JSON is
//	returned as-is. Returns "{}" for nil/empty.
//
// Thread Safety: This method is safe for concurrent use.
func (t *ToolCallResponse) ArgumentsString() string {
	if len(t.Arguments) == 0 {
		return "{}"
	}
	if t.Arguments[0] == '"' {
		var s string
		if err := json.Unmarshal(t.Arguments, &s); err == nil {
			return s
		}
	}
	return string(t.Arguments)
}

// ArgumentsMap decodes the arguments into a map. Empty arguments decode to
// an empty map.
func (t *ToolCallResponse) ArgumentsMap() (map[string]any, error) {
	args := map[string]any{}
	if err := json.Unmarshal([]byte(t.ArgumentsString()), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// ChatWithToolsResult is the provider-agnostic result from ChatWithTools.
type ChatWithToolsResult struct {
	// Content is the text response (may be empty if only tool calls).
	Content string

	ToolCalls []ToolCallResponse

	// StopReason is "end" or "tool_use".
	StopReason string
}
