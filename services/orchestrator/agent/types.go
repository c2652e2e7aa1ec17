// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent holds the domain types shared by the planner, executor,
// synthesizer and fallback controller: plans, step results, progress
// events, conversation and environment context, and the error taxonomy.
package agent

import (
	"encoding/json"
	"fmt"
)

// PlanStep is one planned tool use. Arguments are deliberately absent:
// they are decided at execution time from prior step outputs.
type PlanStep struct {
	// StepNumber is 1-based and equals the step's position in the plan.
	StepNumber     int    `json:"stepNumber"`
	ToolName       string `json:"toolName"`
	Purpose        string `json:"purpose"`
	Reasoning      string `json:"reasoning"`
	ExpectedOutput string `json:"expectedOutput"`
}

// ExecutionPlan is the planner's output for one user turn.
//
// Description:
//
//	Created once per turn and never modified afterwards. An empty Steps
//	slice is a valid plan meaning "answerable without tools".
//
// Thread Safety: Immutable after creation; safe for concurrent reads.
type ExecutionPlan struct {
	ID                    string     `json:"id"`
	OverallGoal           string     `json:"overallGoal"`
	Narrative             string     `json:"narrative"`
	Steps                 []PlanStep `json:"steps"`
	FinalResponseGuidance string     `json:"finalResponseGuidance"`
}

// StepSummaries renders each step as "N. tool: purpose" for progress display.
func (p *ExecutionPlan) StepSummaries() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, fmt.Sprintf("%d. %s: %s", s.StepNumber, s.ToolName, s.Purpose))
	}
	return out
}

// StepResult records the outcome of one executed step.
type StepResult struct {
	StepNumber      int            `json:"stepNumber"`
	ToolName        string         `json:"toolName"`
	Input           map[string]any `json:"input,omitempty"`
	Output          any            `json:"output,omitempty"`
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"executionTimeMs"`
}

// OutputText returns Output as text: strings verbatim, everything else as JSON.
func (r StepResult) OutputText() string {
	return renderValue(r.Output)
}

// InputText returns Input as compact JSON.
func (r StepResult) InputText() string {
	if r.Input == nil {
		return "{}"
	}
	return renderValue(r.Input)
}

func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case json.RawMessage:
		return string(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
