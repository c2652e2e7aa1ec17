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
	"fmt"
	"strings"
	"text/template"

	"github.com/AleutianAI/AleutianConductor/services/llm"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/catalog"
)

// =============================================================================
// Prompt Builder
// =============================================================================

// DefaultResultChars caps each tool output rendered into a prompt.
const DefaultResultChars = 4000

// PromptBuilder renders the planning, argument-decision, synthesis and
// direct-answer prompts.
//
// Thread Safety: Safe for concurrent use.
type PromptBuilder struct {
	plan        *template.Template
	decision    *template.Template
	synthesis   *template.Template
	direct      *template.Template
	resultChars int
}

type paramView struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

type toolView struct {
	Name        string
	Description string
	Params      []paramView
}

type resultView struct {
	StepNumber int
	ToolName   string
	Input      string
	Output     string
	Error      string
}

type contextView struct {
	Environment string
	History     string
	Query       string
}

type planPromptData struct {
	contextView
	Tools    []toolView
	MaxSteps int
}

type decisionPromptData struct {
	contextView
	Goal             string
	Step             agent.PlanStep
	TotalSteps       int
	Tool             toolView
	Prior            []resultView
	ShortFieldsFirst bool
	FieldOrder       []string
}

type synthesisPromptData struct {
	contextView
	Goal      string
	Narrative string
	Successes []resultView
	Failure   *resultView
	Guidance  string
}

type directPromptData struct {
	contextView
	Goal      string
	Narrative string
}

const contextBlock = `
{{- define "context"}}
{{- if .Environment}}

## Environment
{{.Environment}}
{{- end}}
{{- if .History}}

## Recent conversation
{{.History}}
{{- end}}
{{- end}}`

const toolBlock = `
{{- define "tool"}}
- {{.Name}}: {{.Description}}
{{- range .Params}}
  - {{.Name}} ({{.Type}}, {{if .Required}}required{{else}}optional{{end}}){{if .Description}}: {{.Description}}{{end}}
{{- end}}
{{- end}}`

const planPromptTemplate = `You are the planning stage of an assistant that can call tools. Decide which tools, if any, are needed to answer the user's request, and in what order.
{{- template "context" .}}

## Available tools
{{- range .Tools}}{{template "tool" .}}{{else}}
(no tools are available)
{{- end}}

## User request
{{.Query}}

## Instructions
- Produce an ordered list of steps. Each step uses exactly one tool from the list above, named exactly as listed.
- Do not include tool arguments. They are worked out later, one step at a time, from earlier results.
- If the request can be answered without any tool, return an empty steps list.
- Use at most {{.MaxSteps}} steps.
- overallGoal states what the user wants. narrative explains the approach. finalResponseGuidance tells the writer of the final answer what to emphasize.

Respond with JSON only.`

const decisionPromptTemplate = `You are carrying out step {{.Step.StepNumber}} of {{.TotalSteps}} of a plan made for the user's request.

## User request
{{.Query}}

## Plan goal
{{.Goal}}

## Current step
Tool: {{.Step.ToolName}}
Purpose: {{.Step.Purpose}}
Reasoning: {{.Step.Reasoning}}
Expected output: {{.Step.ExpectedOutput}}

## Tool
{{- template "tool" .Tool}}
{{- if not .Tool.Params}}
  (takes no arguments)
{{- end}}
{{- if .Prior}}

## Results of earlier steps
{{- range .Prior}}

Step {{.StepNumber}} ({{.ToolName}})
Input: {{.Input}}
Output: {{.Output}}
{{- end}}
{{- end}}
{{- template "context" .}}

## Instructions
Return a JSON object with toolName set to "{{.Tool.Name}}", arguments holding a value for each parameter you use, and reasoning explaining the values in one or two sentences.
Take concrete values from the request, the conversation and the earlier results. Never invent placeholder values. Leave out optional parameters you have no value for.
{{- if .ShortFieldsFirst}}
Write the fields in this order: {{join .FieldOrder ", "}}. Short values go before long free text.
{{- end}}

Respond with JSON only.`

const synthesisPromptTemplate = `You are writing the final answer to the user's request from the results of the tools that were run for it.
{{- template "context" .}}

## User request
{{.Query}}

## Plan
Goal: {{.Goal}}
Approach: {{.Narrative}}
{{- if .Successes}}

## Tool results
{{- range .Successes}}

Step {{.StepNumber}} ({{.ToolName}})
Input: {{.Input}}
Output: {{.Output}}
{{- end}}
{{- end}}
{{- with .Failure}}

## Failure
Step {{.StepNumber}} ({{.ToolName}}) failed: {{.Error}}
The steps after it were not run. Tell the user plainly what could not be done.
{{- end}}
{{- if .Guidance}}

## Guidance
{{.Guidance}}
{{- end}}

Answer the user directly in plain text. Do not describe the internal plan unless it helps the user.`

const directPromptTemplate = `You are a helpful assistant. Answer the user's request.
{{- template "context" .}}
{{- if .Goal}}

This request can be answered without tools.
Goal: {{.Goal}}
{{- if .Narrative}}
Approach: {{.Narrative}}
{{- end}}
{{- end}}

## User request
{{.Query}}`

// NewPromptBuilder parses all prompt templates.
//
// Inputs:
//   - resultChars: Per-result cap on rendered tool output. <= 0 uses
//     DefaultResultChars.
//
// Outputs:
//   - *PromptBuilder: Ready to render.
//   - error: Non-nil if a template fails to parse.
func NewPromptBuilder(resultChars int) (*PromptBuilder, error) {
	if resultChars <= 0 {
		resultChars = DefaultResultChars
	}
	funcMap := template.FuncMap{"join": strings.Join}

	parse := func(name, body string) (*template.Template, error) {
		t, err := template.New(name).Funcs(funcMap).Parse(contextBlock + toolBlock)
		if err != nil {
			return nil, err
		}
		if _, err := t.Parse(body); err != nil {
			return nil, fmt.Errorf("parsing %s prompt: %w", name, err)
		}
		return t, nil
	}

	b := &PromptBuilder{resultChars: resultChars}
	var err error
	if b.plan, err = parse("plan", planPromptTemplate); err != nil {
		return nil, err
	}
	if b.decision, err = parse("decision", decisionPromptTemplate); err != nil {
		return nil, err
	}
	if b.synthesis, err = parse("synthesis", synthesisPromptTemplate); err != nil {
		return nil, err
	}
	if b.direct, err = parse("direct", directPromptTemplate); err != nil {
		return nil, err
	}
	return b, nil
}

// MustPromptBuilder is NewPromptBuilder for callers that treat a template
// error as a programming bug.
func MustPromptBuilder(resultChars int) *PromptBuilder {
	b, err := NewPromptBuilder(resultChars)
	if err != nil {
		panic(err)
	}
	return b
}

// BuildPlanPrompt renders the planning prompt.
func (b *PromptBuilder) BuildPlanPrompt(tc *agent.TurnContext, tools []catalog.Descriptor, maxSteps int) (string, error) {
	views := make([]toolView, 0, len(tools))
	for _, d := range tools {
		views = append(views, newToolView(d))
	}
	return render(b.plan, planPromptData{
		contextView: newContextView(tc),
		Tools:       views,
		MaxSteps:    maxSteps,
	})
}

// BuildDecisionPrompt renders the argument-decision prompt for one step.
//
// Description:
//
//	prior must hold only successful results; failed steps produced no
//	usable data. fieldOrder is the emission order given to the model
//	when short-fields-first ordering is on.
func (b *PromptBuilder) BuildDecisionPrompt(tc *agent.TurnContext, plan *agent.ExecutionPlan, step agent.PlanStep,
	tool catalog.Descriptor, prior []agent.StepResult, fieldOrder []string) (string, error) {

	return render(b.decision, decisionPromptData{
		contextView:      newContextView(tc),
		Goal:             plan.OverallGoal,
		Step:             step,
		TotalSteps:       len(plan.Steps),
		Tool:             newToolView(tool),
		Prior:            b.resultViews(prior),
		ShortFieldsFirst: len(fieldOrder) > 0,
		FieldOrder:       fieldOrder,
	})
}

// BuildSynthesisPrompt renders the final-answer prompt.
func (b *PromptBuilder) BuildSynthesisPrompt(tc *agent.TurnContext, plan *agent.ExecutionPlan, results []agent.StepResult) (string, error) {
	var successes []agent.StepResult
	var failure *resultView
	for _, r := range results {
		if r.Success {
			successes = append(successes, r)
			continue
		}
		if failure == nil {
			v := b.resultView(r)
			failure = &v
		}
	}
	return render(b.synthesis, synthesisPromptData{
		contextView: newContextView(tc),
		Goal:        plan.OverallGoal,
		Narrative:   plan.Narrative,
		Successes:   b.resultViews(successes),
		Failure:     failure,
		Guidance:    plan.FinalResponseGuidance,
	})
}

// BuildDirectPrompt renders a tool-free answer prompt. plan may be nil;
// when set, its goal and narrative frame the answer.
func (b *PromptBuilder) BuildDirectPrompt(tc *agent.TurnContext, plan *agent.ExecutionPlan) (string, error) {
	data := directPromptData{contextView: newContextView(tc)}
	if plan != nil {
		data.Goal = plan.OverallGoal
		data.Narrative = plan.Narrative
	}
	return render(b.direct, data)
}

func (b *PromptBuilder) resultViews(results []agent.StepResult) []resultView {
	out := make([]resultView, 0, len(results))
	for _, r := range results {
		out = append(out, b.resultView(r))
	}
	return out
}

func (b *PromptBuilder) resultView(r agent.StepResult) resultView {
	return resultView{
		StepNumber: r.StepNumber,
		ToolName:   r.ToolName,
		Input:      r.InputText(),
		Output:     agent.Truncate(r.OutputText(), b.resultChars),
		Error:      r.Error,
	}
}

func newContextView(tc *agent.TurnContext) contextView {
	return contextView{
		Environment: tc.Environment.Render(),
		History:     tc.History(),
		Query:       tc.Query,
	}
}

func newToolView(d catalog.Descriptor) toolView {
	v := toolView{Name: d.Name, Description: d.Description}
	for _, name := range d.Parameters.PropertyNames() {
		p := d.Parameters.Properties[name]
		v.Params = append(v.Params, paramView{
			Name:        name,
			Type:        paramType(p),
			Required:    d.Parameters.IsRequired(name),
			Description: p.Description,
		})
	}
	return v
}

func paramType(s *llm.Schema) string {
	if s == nil || s.Type == "" {
		return "any"
	}
	if s.Type == "array" && s.Items != nil && s.Items.Type != "" {
		return "array of " + s.Items.Type
	}
	if len(s.Enum) > 0 {
		return "one of " + strings.Join(s.Enum, "|")
	}
	return s.Type
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", t.Name(), err)
	}
	return buf.String(), nil
}
