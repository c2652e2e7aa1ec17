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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
)

func TestCreatePlan_ValidPlanIsRenumbered(t *testing.T) {
	model := &fakeModel{}
	snap := snapshotOf(t,
		builtin("search", "Search the web. Returns links and snippets only.", searchSchema, &toolRecorder{}),
		builtin("notes_create", "Create a note", `{"type":"object","properties":{"title":{"type":"string"},"body":{"type":"string"}},"required":["title"]}`, &toolRecorder{}),
	)
	model.plan = reply("```json\n" + `{
		"overallGoal": "Save a summary of Go news",
		"narrative": "Search, then write a note",
		"steps": [
			{"stepNumber": 3, "toolName": "search", "purpose": "find news", "reasoning": "r", "expectedOutput": "links"},
			{"stepNumber": 7, "toolName": " notes_create ", "purpose": "save", "reasoning": "r", "expectedOutput": "note id"}
		],
		"finalResponseGuidance": "Confirm the note title"
	}` + "\n```")

	p := newPhases(model, ExecutorConfig{})
	plan, err := p.planner.CreatePlan(context.Background(), turn("save go news"), snap)
	require.NoError(t, err)

	assert.NotEmpty(t, plan.ID)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, 1, plan.Steps[0].StepNumber)
	assert.Equal(t, 2, plan.Steps[1].StepNumber)
	assert.Equal(t, "notes_create", plan.Steps[1].ToolName)
	assert.Equal(t, "Confirm the note title", plan.FinalResponseGuidance)

	prompt := model.prompt(kindPlan, 0)
	assert.Contains(t, prompt, "- search: Search the web. Returns links and snippets only.")
	assert.Contains(t, prompt, "query (string, required): What to look for")
	assert.Contains(t, prompt, "limit (integer, optional)")
	assert.Contains(t, prompt, "body (string, optional)")
	assert.Contains(t, prompt, "user: earlier question")
	assert.Contains(t, prompt, "save go news")

	schema := model.schema(kindPlan, 0)
	require.NotNil(t, schema)
	toolName := schema.Properties["steps"].Items.Properties["toolName"]
	assert.Equal(t, []string{"notes_create", "search"}, toolName.Enum)
}

func TestCreatePlan_EmptyStepsIsValid(t *testing.T) {
	model := &fakeModel{plan: reply(`{"overallGoal":"greet","narrative":"just reply","steps":[],"finalResponseGuidance":""}`)}
	snap := snapshotOf(t, builtin("search", "Search", searchSchema, &toolRecorder{}))

	plan, err := newPhases(model, ExecutorConfig{}).planner.CreatePlan(context.Background(), turn("hello"), snap)
	require.NoError(t, err)
	assert.Empty(t, plan.Steps)
	assert.Equal(t, "greet", plan.OverallGoal)
}

func TestCreatePlan_InvalidToolReference(t *testing.T) {
	for _, bad := range []string{"", "None", "null", "ghost_tool", "searc"} {
		t.Run(fmt.Sprintf("%q", bad), func(t *testing.T) {
			model := &fakeModel{plan: reply(fmt.Sprintf(`{
				"overallGoal":"g","narrative":"n","finalResponseGuidance":"",
				"steps":[
					{"stepNumber":1,"toolName":"search","purpose":"p","reasoning":"r","expectedOutput":"o"},
					{"stepNumber":2,"toolName":%q,"purpose":"p","reasoning":"r","expectedOutput":"o"}
				]}`, bad))}
			snap := snapshotOf(t, builtin("search", "Search", searchSchema, &toolRecorder{}))

			plan, err := newPhases(model, ExecutorConfig{}).planner.CreatePlan(context.Background(), turn("q"), snap)
			require.Error(t, err)
			assert.Nil(t, plan)
			assert.True(t, errors.Is(err, agent.ErrInvalidToolReference))

			var e *agent.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, 2, e.Step, "error must name the offending step")
		})
	}
}

func TestCreatePlan_MalformedOutputIsPlanningFailed(t *testing.T) {
	model := &fakeModel{plan: reply("I think you should search the web.")}
	snap := snapshotOf(t, builtin("search", "Search", searchSchema, &toolRecorder{}))

	_, err := newPhases(model, ExecutorConfig{}).planner.CreatePlan(context.Background(), turn("q"), snap)
	require.Error(t, err)
	assert.True(t, errors.Is(err, agent.ErrPlanningFailed))
}

func TestCreatePlan_ModelDownIsPlanningFailed(t *testing.T) {
	model := &fakeModel{plan: func(string) (string, error) {
		return "", agent.NewError(agent.KindModelUnavailable, "gemini request failed", errors.New("503"))
	}}
	snap := snapshotOf(t, builtin("search", "Search", searchSchema, &toolRecorder{}))

	_, err := newPhases(model, ExecutorConfig{}).planner.CreatePlan(context.Background(), turn("q"), snap)
	require.Error(t, err)
	assert.True(t, errors.Is(err, agent.ErrPlanningFailed))
	assert.True(t, errors.Is(err, agent.ErrModelUnavailable))
}

func TestCreatePlan_TooManySteps(t *testing.T) {
	steps := ""
	for i := 1; i <= DefaultMaxSteps+1; i++ {
		if i > 1 {
			steps += ","
		}
		steps += fmt.Sprintf(`{"stepNumber":%d,"toolName":"search","purpose":"p","reasoning":"r","expectedOutput":"o"}`, i)
	}
	model := &fakeModel{plan: reply(`{"overallGoal":"g","narrative":"n","finalResponseGuidance":"","steps":[` + steps + `]}`)}
	snap := snapshotOf(t, builtin("search", "Search", searchSchema, &toolRecorder{}))

	_, err := newPhases(model, ExecutorConfig{}).planner.CreatePlan(context.Background(), turn("q"), snap)
	assert.True(t, errors.Is(err, agent.ErrPlanningFailed))
}

func TestCreatePlan_EmptyCatalogHasNoEnum(t *testing.T) {
	model := &fakeModel{plan: reply(`{"overallGoal":"g","narrative":"n","steps":[],"finalResponseGuidance":""}`)}
	snap := snapshotOf(t)

	_, err := newPhases(model, ExecutorConfig{}).planner.CreatePlan(context.Background(), turn("q"), snap)
	require.NoError(t, err)
	assert.Contains(t, model.prompt(kindPlan, 0), "(no tools are available)")
	assert.Empty(t, model.schema(kindPlan, 0).Properties["steps"].Items.Properties["toolName"].Enum)
}
