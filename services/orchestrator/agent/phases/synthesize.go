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
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
	agentllm "github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/llm"
)

// SynthesisFallback is returned when the final-answer call yields no text.
const SynthesisFallback = "I worked through your request but couldn't put together a final answer. Please try asking again."

// Synthesizer writes the final answer of a turn.
//
// Thread Safety: Safe for concurrent use.
type Synthesizer struct {
	client  agentllm.Client
	prompts *PromptBuilder
	logger  *slog.Logger
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer(client agentllm.Client, prompts *PromptBuilder, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{client: client, prompts: prompts, logger: logger}
}

// Synthesize produces the final answer from a plan and its step results.
//
// Description:
//
//	The prompt carries the plan's goal and narrative, every successful
//	input/output pair, the first failure if any, and the plan's
//	guidance. Nothing is left to fall back to after this call, so any
//	failure degrades to SynthesisFallback instead of an error.
//
// Outputs:
//   - string: The answer. Never empty.
func (s *Synthesizer) Synthesize(ctx context.Context, tc *agent.TurnContext, plan *agent.ExecutionPlan, results []agent.StepResult) string {
	ctx, span := phasesTracer.Start(ctx, "phases.Synthesizer.Synthesize",
		trace.WithAttributes(attribute.Int("results", len(results))),
	)
	defer span.End()

	answer, err := s.synthesize(ctx, tc, plan, results)
	if err != nil {
		err = agent.NewError(agent.KindSynthesisFailed, "", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis fell back")
		synthesisTotal.WithLabelValues("fallback").Inc()
		s.logger.Warn("synthesis failed, returning fallback answer",
			slog.String("plan_id", plan.ID),
			slog.String("error", err.Error()),
		)
		return SynthesisFallback
	}
	synthesisTotal.WithLabelValues("answered").Inc()
	return answer
}

func (s *Synthesizer) synthesize(ctx context.Context, tc *agent.TurnContext, plan *agent.ExecutionPlan, results []agent.StepResult) (string, error) {
	prompt, err := s.prompts.BuildSynthesisPrompt(tc, plan, results)
	if err != nil {
		return "", err
	}
	reply, err := s.client.Generate(ctx, agentllm.Prompt(prompt))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// AnswerDirectly generates an answer without tools.
//
// Description:
//
//	With a plan, this is the informed no-tool path: the planner decided
//	no tool was needed and its goal and narrative frame the answer.
//	With a nil plan it is plain generation over the conversation.
//
// Outputs:
//   - string: The answer.
//   - error: The model error, or a wrapped llm.ErrEmptyResponse.
func (s *Synthesizer) AnswerDirectly(ctx context.Context, tc *agent.TurnContext, plan *agent.ExecutionPlan) (string, error) {
	ctx, span := phasesTracer.Start(ctx, "phases.Synthesizer.AnswerDirectly",
		trace.WithAttributes(attribute.Bool("informed", plan != nil)),
	)
	defer span.End()

	prompt, err := s.prompts.BuildDirectPrompt(tc, plan)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	reply, err := s.client.Generate(ctx, agentllm.Prompt(prompt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "direct answer failed")
		return "", err
	}
	return strings.TrimSpace(reply), nil
}
