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
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/catalog"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/toolid"
)

func planOf(tools ...string) *agent.ExecutionPlan {
	plan := &agent.ExecutionPlan{
		ID:                    "plan-1",
		OverallGoal:           "answer the question",
		Narrative:             "use the tools in order",
		FinalResponseGuidance: "be concise",
	}
	for i, name := range tools {
		plan.Steps = append(plan.Steps, agent.PlanStep{
			StepNumber:     i + 1,
			ToolName:       name,
			Purpose:        "purpose of " + name,
			Reasoning:      "because",
			ExpectedOutput: "something",
		})
	}
	return plan
}

func TestExecutePlan_SearchScenario(t *testing.T) {
	search := &toolRecorder{out: map[string]any{"results": []any{}}}
	snap := snapshotOf(t, builtin("search", "Search the web", searchSchema, search))

	model := &fakeModel{
		decide: func(int, string) (string, error) {
			return `{"toolName":"search","arguments":{"query":"x"},"reasoning":"the user asked for x"}`, nil
		},
		synth: reply("Nothing was found for x."),
	}

	out, err := newPhases(model, ExecutorConfig{}).executor.ExecutePlan(context.Background(), turn("find x"), planOf("search"), snap, nil)
	require.NoError(t, err)

	assert.Equal(t, "Nothing was found for x.", out.Answer)
	require.Len(t, out.Results, 1)
	assert.True(t, out.Results[0].Success)
	assert.Nil(t, out.Failed())
	assert.Equal(t, map[string]any{"query": "x"}, out.Results[0].Input)
	assert.GreaterOrEqual(t, out.Results[0].ExecutionTimeMs, int64(0))

	require.Equal(t, 1, search.callCount())
	assert.Equal(t, map[string]any{"query": "x"}, search.calls[0])

	require.Equal(t, 1, model.count(kindSynth))
	synthPrompt := model.prompt(kindSynth, 0)
	assert.Contains(t, synthPrompt, `{"results":[]}`)
	assert.Contains(t, synthPrompt, `{"query":"x"}`)
	assert.NotContains(t, synthPrompt, "## Failure")
	assert.Contains(t, synthPrompt, "be concise")
}

func TestExecutePlan_HaltsOnFirstFailure(t *testing.T) {
	first := &toolRecorder{out: "alpha-output"}
	second := &toolRecorder{err: errors.New("upstream 502")}
	third := &toolRecorder{out: "never"}
	snap := snapshotOf(t,
		builtin("first", "one", `{"type":"object"}`, first),
		builtin("second", "two", `{"type":"object"}`, second),
		builtin("third", "three", `{"type":"object"}`, third),
	)
	model := &fakeModel{
		decide: func(n int, prompt string) (string, error) {
			name := []string{"first", "second", "third"}[n-1]
			return `{"toolName":"` + name + `","arguments":{}}`, nil
		},
		synth: reply("Partial answer."),
	}

	out, err := newPhases(model, ExecutorConfig{}).executor.ExecutePlan(context.Background(), turn("q"), planOf("first", "second", "third"), snap, nil)
	require.NoError(t, err)

	require.Len(t, out.Results, 2, "steps after a failure are never attempted")
	assert.True(t, out.Results[0].Success)
	assert.False(t, out.Results[1].Success)
	assert.Contains(t, out.Results[1].Error, "upstream 502")
	assert.Contains(t, out.Results[1].Error, string(agent.KindToolExecution))
	assert.Equal(t, 0, third.callCount())
	assert.Equal(t, 2, model.count(kindDecide))

	require.Equal(t, 1, model.count(kindSynth), "synthesizer still runs after a failure")
	synthPrompt := model.prompt(kindSynth, 0)
	assert.Contains(t, synthPrompt, "## Failure")
	assert.Contains(t, synthPrompt, "Step 2 (second) failed")
	assert.Equal(t, "Partial answer.", out.Answer)
	assert.Equal(t, 2, out.Failed().StepNumber)
}

func TestExecutePlan_DecisionPromptCarriesPriorSuccesses(t *testing.T) {
	first := &toolRecorder{out: "alpha-output"}
	second := &toolRecorder{out: "beta-output"}
	snap := snapshotOf(t,
		builtin("first", "one", `{"type":"object"}`, first),
		builtin("second", "two", searchSchema, second),
	)
	model := &fakeModel{
		decide: func(n int, prompt string) (string, error) {
			if n == 1 {
				return `{"toolName":"first","arguments":{}}`, nil
			}
			return `{"toolName":"second","arguments":{"query":"from alpha"}}`, nil
		},
		synth: reply("done"),
	}

	_, err := newPhases(model, ExecutorConfig{}).executor.ExecutePlan(context.Background(), turn("q"), planOf("first", "second"), snap, nil)
	require.NoError(t, err)

	assert.NotContains(t, model.prompt(kindDecide, 0), "## Results of earlier steps")
	p2 := model.prompt(kindDecide, 1)
	assert.Contains(t, p2, "You are carrying out step 2 of 2")
	assert.Contains(t, p2, "Output: alpha-output")
	assert.Contains(t, p2, "query (string, required)")

	schema := model.schema(kindDecide, 1)
	require.NotNil(t, schema)
	assert.Equal(t, []string{"second"}, schema.Properties["toolName"].Enum)
	assert.True(t, schema.Properties["arguments"].IsRequired("query"))
}

func TestExecutePlan_InvalidDecisions(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"missing arguments", `{"toolName":"search","reasoning":"r"}`},
		{"missing toolName", `{"arguments":{"query":"x"}}`},
		{"empty toolName", `{"toolName":"","arguments":{"query":"x"}}`},
		{"not json", `I would search for x`},
		{"arguments not an object", `{"toolName":"search","arguments":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			search := &toolRecorder{out: "unused"}
			snap := snapshotOf(t, builtin("search", "Search", searchSchema, search))
			model := &fakeModel{
				decide: func(int, string) (string, error) { return tt.reply, nil },
				synth:  reply("sorry"),
			}

			out, err := newPhases(model, ExecutorConfig{}).executor.ExecutePlan(context.Background(), turn("q"), planOf("search"), snap, nil)
			require.NoError(t, err)
			require.Len(t, out.Results, 1)
			assert.False(t, out.Results[0].Success)
			assert.Contains(t, out.Results[0].Error, string(agent.KindInvalidToolCallDecision))
			assert.Equal(t, 0, search.callCount())
			assert.Equal(t, 1, model.count(kindSynth))
		})
	}
}

func TestExecutePlan_ModelUnavailableAborts(t *testing.T) {
	snap := snapshotOf(t, builtin("search", "Search", searchSchema, &toolRecorder{}))
	model := &fakeModel{
		decide: func(int, string) (string, error) {
			return "", agent.NewError(agent.KindModelUnavailable, "", errors.New("dial tcp: refused"))
		},
	}

	out, err := newPhases(model, ExecutorConfig{}).executor.ExecutePlan(context.Background(), turn("q"), planOf("search"), snap, nil)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, agent.ErrModelUnavailable))
	assert.Equal(t, 0, model.count(kindSynth))
}

func TestExecutePlan_ValidateArguments(t *testing.T) {
	search := &toolRecorder{out: "unused"}
	snap := snapshotOf(t, builtin("search", "Search", searchSchema, search))
	model := &fakeModel{
		decide: func(int, string) (string, error) {
			return `{"toolName":"search","arguments":{"limit":3}}`, nil
		},
		synth: reply("sorry"),
	}

	out, err := newPhases(model, ExecutorConfig{ValidateArguments: true}).executor.ExecutePlan(context.Background(), turn("q"), planOf("search"), snap, nil)
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.False(t, out.Results[0].Success)
	assert.Contains(t, out.Results[0].Error, string(agent.KindInvalidToolCallDecision))
	assert.Equal(t, 0, search.callCount())
}

func TestExecutePlan_DecisionNamingOtherToolKeepsPlannedTool(t *testing.T) {
	search := &toolRecorder{out: "ok"}
	other := &toolRecorder{out: "wrong"}
	snap := snapshotOf(t,
		builtin("search", "Search", searchSchema, search),
		builtin("other", "Other", `{"type":"object"}`, other),
	)
	model := &fakeModel{
		decide: func(int, string) (string, error) {
			return `{"toolName":"other","arguments":{"query":"x"}}`, nil
		},
		synth: reply("done"),
	}

	out, err := newPhases(model, ExecutorConfig{}).executor.ExecutePlan(context.Background(), turn("q"), planOf("search"), snap, nil)
	require.NoError(t, err)
	assert.True(t, out.Results[0].Success)
	assert.Equal(t, 1, search.callCount())
	assert.Equal(t, 0, other.callCount())
}

type serverCaller struct {
	calls []toolid.Identity
}

func (s *serverCaller) CallTool(_ context.Context, server, tool string, args map[string]any) (any, error) {
	s.calls = append(s.calls, toolid.Identity{Server: server, Tool: tool})
	return "page text", nil
}

func TestExecutePlan_ServerToolResolvesThroughRegistry(t *testing.T) {
	caller := &serverCaller{}
	snap, err := catalog.Build(catalog.Input{
		Discovered: []catalog.DiscoveredTool{{Server: "wiki-server", Name: "lookup.page", Description: "Wikipedia lookup"}},
		Caller:     caller,
	}, catalog.PolicySuffix, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"wiki_server_lookup_page"}, snap.Names())

	model := &fakeModel{
		decide: func(int, string) (string, error) {
			return `{"toolName":"wiki_server_lookup_page","arguments":{"title":"Go"}}`, nil
		},
		synth: reply("Go is a language."),
	}
	out, err := newPhases(model, ExecutorConfig{}).executor.ExecutePlan(context.Background(), turn("q"), planOf("wiki_server_lookup_page"), snap, nil)
	require.NoError(t, err)
	assert.True(t, out.Results[0].Success)
	assert.Equal(t, []toolid.Identity{{Server: "wiki-server", Tool: "lookup.page"}}, caller.calls)
}

func TestExecutePlan_ProgressEvents(t *testing.T) {
	long := strings.Repeat("r", 500)
	snap := snapshotOf(t, builtin("search", "Search", searchSchema, &toolRecorder{out: long}))
	model := &fakeModel{
		decide: func(int, string) (string, error) { return `{"toolName":"search","arguments":{"query":"x"}}`, nil },
		synth:  reply("done"),
	}

	var events []agent.ProgressEvent
	sink := agent.ProgressSink(func(ev agent.ProgressEvent) { events = append(events, ev) })

	_, err := newPhases(model, ExecutorConfig{}).executor.ExecutePlan(context.Background(), turn("q"), planOf("search"), snap, sink)
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, agent.StatusStepRunning, events[0].Status)
	assert.Equal(t, "Step 1/1 running: purpose of search", events[0].CurrentStepDescription)
	assert.Equal(t, 1, events[0].TotalSteps)
	assert.Equal(t, agent.StatusStepCompleted, events[1].Status)
	assert.LessOrEqual(t, len([]rune(events[1].ToolResult)), agent.PreviewChars)
	assert.Equal(t, agent.StatusSynthesizing, events[2].Status)
}

func TestExecutePlan_ShortFieldsFirstOrdering(t *testing.T) {
	notes := &toolRecorder{out: "saved"}
	schema := `{"type":"object","properties":{"body":{"type":"string"},"title":{"type":"string"},"pinned":{"type":"boolean"}},"required":["title","body"]}`
	snap := snapshotOf(t, builtin("notes_create", "Create a note", schema, notes))
	model := &fakeModel{
		decide: func(int, string) (string, error) {
			return `{"toolName":"notes_create","arguments":{"pinned":false,"title":"t","body":"b"}}`, nil
		},
		synth: reply("saved"),
	}

	_, err := newPhases(model, ExecutorConfig{OrderShortFieldsFirst: true}).executor.ExecutePlan(context.Background(), turn("q"), planOf("notes_create"), snap, nil)
	require.NoError(t, err)

	s := model.schema(kindDecide, 0)
	assert.Equal(t, []string{"toolName", "arguments", "reasoning"}, s.PropertyOrdering)
	assert.Equal(t, []string{"pinned", "title", "body"}, s.Properties["arguments"].PropertyOrdering)
	assert.Contains(t, model.prompt(kindDecide, 0), "toolName, arguments.pinned, arguments.title, arguments.body, reasoning")

	d, _ := snap.Lookup("notes_create")
	assert.Empty(t, d.Parameters.PropertyOrdering, "the catalog's schema must not be mutated")
}

func TestExecutePlan_RequiresPlanAndSnapshot(t *testing.T) {
	p := newPhases(&fakeModel{}, ExecutorConfig{})
	_, err := p.executor.ExecutePlan(context.Background(), turn("q"), nil, snapshotOf(t), nil)
	assert.Error(t, err)
}
