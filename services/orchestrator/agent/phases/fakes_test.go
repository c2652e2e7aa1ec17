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
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianConductor/services/llm"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/catalog"
	agentllm "github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/llm"
)

const (
	kindPlan   = "plan"
	kindDecide = "decide"
	kindSynth  = "synth"
	kindDirect = "direct"
)

// fakeModel routes Generate calls by prompt type.
type fakeModel struct {
	mu      sync.Mutex
	plan    func(prompt string) (string, error)
	decide  func(n int, prompt string) (string, error)
	synth   func(prompt string) (string, error)
	direct  func(prompt string) (string, error)
	prompts map[string][]string
	schemas map[string][]*llm.Schema
}

func promptKind(prompt string) string {
	switch {
	case strings.HasPrefix(prompt, "You are the planning stage"):
		return kindPlan
	case strings.HasPrefix(prompt, "You are carrying out step"):
		return kindDecide
	case strings.HasPrefix(prompt, "You are writing the final answer"):
		return kindSynth
	default:
		return kindDirect
	}
}

func (f *fakeModel) Generate(_ context.Context, req *agentllm.Request) (string, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	kind := promptKind(prompt)

	f.mu.Lock()
	if f.prompts == nil {
		f.prompts = map[string][]string{}
		f.schemas = map[string][]*llm.Schema{}
	}
	f.prompts[kind] = append(f.prompts[kind], prompt)
	f.schemas[kind] = append(f.schemas[kind], req.Schema)
	n := len(f.prompts[kind])
	f.mu.Unlock()

	switch {
	case kind == kindPlan && f.plan != nil:
		return f.plan(prompt)
	case kind == kindDecide && f.decide != nil:
		return f.decide(n, prompt)
	case kind == kindSynth && f.synth != nil:
		return f.synth(prompt)
	case kind == kindDirect && f.direct != nil:
		return f.direct(prompt)
	}
	return "", errors.New("fakeModel: unexpected " + kind + " call")
}

func (f *fakeModel) ChatWithTools(context.Context, []llm.ChatMessage, []llm.ToolDef) (*llm.ChatWithToolsResult, error) {
	return nil, errors.New("fakeModel: ChatWithTools not scripted")
}

func (f *fakeModel) Name() string  { return "fake" }
func (f *fakeModel) Model() string { return "fake-model" }

func (f *fakeModel) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts[kind])
}

func (f *fakeModel) prompt(kind string, i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[kind][i]
}

func (f *fakeModel) schema(kind string, i int) *llm.Schema {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schemas[kind][i]
}

func reply(text string) func(string) (string, error) {
	return func(string) (string, error) { return text, nil }
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

// toolRecorder is a built-in tool whose calls are recorded.
type toolRecorder struct {
	mu    sync.Mutex
	calls []map[string]any
	out   any
	err   error
}

func (r *toolRecorder) Invoke(_ context.Context, args map[string]any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
	return r.out, r.err
}

func (r *toolRecorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

const searchSchema = `{"type":"object","properties":{"query":{"type":"string","description":"What to look for"},"limit":{"type":"integer"}},"required":["query"]}`

func builtin(name, description, schema string, inv catalog.Invoker) catalog.Builtin {
	return catalog.Builtin{
		Name:        name,
		Description: description,
		InputSchema: json.RawMessage(schema),
		Invoker:     inv,
	}
}

func snapshotOf(t *testing.T, builtins ...catalog.Builtin) *catalog.Snapshot {
	t.Helper()
	snap, err := catalog.Build(catalog.Input{Builtins: builtins}, catalog.PolicySuffix, nil)
	require.NoError(t, err)
	return snap
}

func turn(query string) *agent.TurnContext {
	return &agent.TurnContext{
		Query: query,
		Conversation: agent.NewConversation([]agent.Turn{
			{Role: "user", Content: "earlier question"},
			{Role: "assistant", Content: "earlier answer"},
		}),
	}
}

type phaseSet struct {
	planner     *Planner
	executor    *Executor
	synthesizer *Synthesizer
}

func newPhases(model agentllm.Client, cfg ExecutorConfig) phaseSet {
	prompts := MustPromptBuilder(0)
	synth := NewSynthesizer(model, prompts, nil)
	return phaseSet{
		planner:     NewPlanner(model, prompts, PlannerConfig{}, nil),
		executor:    NewExecutor(model, prompts, synth, cfg, nil),
		synthesizer: synth,
	}
}
