// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package phases

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianConductor/services/llm"
	agentllm "github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/llm"
)

// ToolCallDecision is the model's argument choice for one step.
type ToolCallDecision struct {
	ToolName  string         `json:"toolName"`
	Arguments map[string]any `json:"arguments"`
	Reasoning string         `json:"reasoning"`
}

// parseDecision decodes and checks a decision reply.
//
// Description:
//
//	Both toolName and arguments must be present. An explicit null for
//	arguments is read as "no arguments"; a missing key is not.
func parseDecision(reply string) (*ToolCallDecision, error) {
	var fields map[string]json.RawMessage
	if err := agentllm.ParseJSON(reply, &fields); err != nil {
		return nil, err
	}

	rawName, ok := fields["toolName"]
	if !ok {
		return nil, fmt.Errorf("decision has no toolName")
	}
	var d ToolCallDecision
	if err := json.Unmarshal(rawName, &d.ToolName); err != nil || strings.TrimSpace(d.ToolName) == "" {
		return nil, fmt.Errorf("decision toolName is empty or not a string")
	}

	rawArgs, ok := fields["arguments"]
	if !ok {
		return nil, fmt.Errorf("decision has no arguments")
	}
	if !bytes.Equal(bytes.TrimSpace(rawArgs), []byte("null")) {
		if err := json.Unmarshal(rawArgs, &d.Arguments); err != nil {
			return nil, fmt.Errorf("decision arguments are not an object: %w", err)
		}
	}
	if d.Arguments == nil {
		d.Arguments = map[string]any{}
	}

	if rawReason, ok := fields["reasoning"]; ok {
		_ = json.Unmarshal(rawReason, &d.Reasoning)
	}
	return &d, nil
}

// =============================================================================
// Response schemas
// =============================================================================

// planSchema is the structured-output schema for the planner. toolName is
// restricted to the live catalog's names.
func planSchema(toolNames []string) *llm.Schema {
	toolName := &llm.Schema{Type: "string", Description: "Exact name of one available tool."}
	if len(toolNames) > 0 {
		toolName.Enum = append([]string(nil), toolNames...)
	}
	step := &llm.Schema{
		Type: "object",
		Properties: map[string]*llm.Schema{
			"stepNumber":     {Type: "integer"},
			"toolName":       toolName,
			"purpose":        {Type: "string"},
			"reasoning":      {Type: "string"},
			"expectedOutput": {Type: "string"},
		},
		Required:         []string{"stepNumber", "toolName", "purpose", "reasoning", "expectedOutput"},
		PropertyOrdering: []string{"stepNumber", "toolName", "purpose", "reasoning", "expectedOutput"},
	}
	return &llm.Schema{
		Type: "object",
		Properties: map[string]*llm.Schema{
			"overallGoal":           {Type: "string"},
			"narrative":             {Type: "string"},
			"steps":                 {Type: "array", Items: step},
			"finalResponseGuidance": {Type: "string"},
		},
		Required:         []string{"overallGoal", "narrative", "steps", "finalResponseGuidance"},
		PropertyOrdering: []string{"overallGoal", "narrative", "steps", "finalResponseGuidance"},
	}
}

// decisionSchema is the structured-output schema for one step's
// arguments. The tool's own parameter schema becomes "arguments".
//
// Outputs:
//   - *llm.Schema: The response schema.
//   - []string: Field order given to the model when shortFirst is set,
//     nil otherwise.
func decisionSchema(toolName string, params *llm.Schema, shortFirst bool) (*llm.Schema, []string) {
	args := params.Clone()
	if args == nil {
		args = &llm.Schema{Type: "object"}
	}

	top := &llm.Schema{
		Type: "object",
		Properties: map[string]*llm.Schema{
			"toolName":  {Type: "string", Enum: []string{toolName}},
			"arguments": args,
			"reasoning": {Type: "string"},
		},
		Required: []string{"toolName", "arguments", "reasoning"},
	}
	if !shortFirst {
		top.PropertyOrdering = []string{"toolName", "reasoning", "arguments"}
		return top, nil
	}

	orderShortFieldsFirst(args)
	top.PropertyOrdering = []string{"toolName", "arguments", "reasoning"}

	order := []string{"toolName"}
	for _, n := range args.PropertyOrdering {
		order = append(order, "arguments."+n)
	}
	return top, append(order, "reasoning")
}

// longTextHints mark string fields that usually carry free text.
var longTextHints = []string{
	"body", "content", "text", "description", "markdown", "html",
	"note", "message", "summary", "prompt", "comment", "document",
}

// orderShortFieldsFirst sets PropertyOrdering on s and every nested
// object so scalars come before free text and nested structures.
//
// Description:
//
//	Rank, lowest first: booleans and numbers, enum strings, other strings,
//	strings whose name or description hints at free text, arrays and
//	objects. Ties keep alphabetical order.
func orderShortFieldsFirst(s *llm.Schema) {
	if s == nil {
		return
	}
	if s.Items != nil {
		orderShortFieldsFirst(s.Items)
	}
	if len(s.Properties) == 0 {
		return
	}
	names := make([]string, 0, len(s.Properties))
	for n, p := range s.Properties {
		names = append(names, n)
		orderShortFieldsFirst(p)
	}
	sort.Strings(names)
	sort.SliceStable(names, func(i, j int) bool {
		return fieldRank(names[i], s.Properties[names[i]]) < fieldRank(names[j], s.Properties[names[j]])
	})
	s.PropertyOrdering = names
}

func fieldRank(name string, p *llm.Schema) int {
	if p == nil {
		return 2
	}
	switch p.Type {
	case "boolean", "integer", "number":
		return 0
	case "array", "object":
		return 4
	case "string":
		if len(p.Enum) > 0 {
			return 1
		}
		if looksLikeLongText(name, p.Description) {
			return 3
		}
		return 2
	default:
		return 2
	}
}

func looksLikeLongText(name, description string) bool {
	n := strings.ToLower(name)
	for _, hint := range longTextHints {
		if strings.Contains(n, hint) {
			return true
		}
	}
	d := strings.ToLower(description)
	return strings.Contains(d, "full text") || strings.Contains(d, "free text") || strings.Contains(d, "markdown")
}
