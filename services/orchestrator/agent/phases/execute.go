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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/catalog"
	agentllm "github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/llm"
)

// ExecutorConfig tunes step execution.
type ExecutorConfig struct {
	// OrderShortFieldsFirst asks the model to emit short scalar argument
	// fields before long free-text ones.
	OrderShortFieldsFirst bool

	// ValidateArguments checks decided arguments against the tool's JSON
	// Schema before calling it.
	ValidateArguments bool

	// PreviewChars caps the output preview in progress events.
	PreviewChars int
}

// Outcome is the result of running a plan.
type Outcome struct {
	Plan    *agent.ExecutionPlan
	Results []agent.StepResult
	Answer  string
}

// Failed returns the failing step result, if any.
func (o *Outcome) Failed() *agent.StepResult {
	for i := range o.Results {
		if !o.Results[i].Success {
			return &o.Results[i]
		}
	}
	return nil
}

// Executor runs a plan's steps in order and hands the results to the
// Synthesizer.
//
// Thread Safety: Safe for concurrent use; each call runs one plan
// sequentially.
type Executor struct {
	client      agentllm.Client
	prompts     *PromptBuilder
	synthesizer *Synthesizer
	config      ExecutorConfig
	logger      *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(client agentllm.Client, prompts *PromptBuilder, synthesizer *Synthesizer, config ExecutorConfig, logger *slog.Logger) *Executor {
	if config.PreviewChars <= 0 {
		config.PreviewChars = agent.PreviewChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client:      client,
		prompts:     prompts,
		synthesizer: synthesizer,
		config:      config,
		logger:      logger,
	}
}

// ExecutePlan runs every step of plan and returns the final answer.
//
// Description:
//
//	Steps run strictly one after another. Each step decides its
//	arguments with the model, calls its tool through the snapshot and
//	records a StepResult. The first failed step stops the loop; the
//	Synthesizer still runs over whatever results exist.
//
// Inputs:
//   - ctx: Context for model and tool calls.
//   - tc: The turn's query and context.
//   - plan: A validated plan with at least one step.
//   - snap: The snapshot the plan was validated against.
//   - sink: Optional progress listener.
//
// Outputs:
//   - *Outcome: Plan, results and answer.
//   - error: Only for failures outside a single step's scope: the model
//     being unreachable while deciding arguments, or a prompt that cannot
//     be rendered. Step failures are recorded, not returned.
func (e *Executor) ExecutePlan(ctx context.Context, tc *agent.TurnContext, plan *agent.ExecutionPlan,
	snap *catalog.Snapshot, sink agent.ProgressSink) (*Outcome, error) {

	if plan == nil || snap == nil {
		return nil, fmt.Errorf("executor: plan and snapshot are required")
	}

	ctx, span := phasesTracer.Start(ctx, "phases.Executor.ExecutePlan",
		trace.WithAttributes(
			attribute.String("plan_id", plan.ID),
			attribute.Int("steps", len(plan.Steps)),
			attribute.Int64("catalog_generation", int64(snap.Generation())),
		),
	)
	defer span.End()

	results := make([]agent.StepResult, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		result, err := e.executeStep(ctx, tc, plan, step, snap, results, sink)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "execution aborted")
			return nil, err
		}
		results = append(results, result)
		if !result.Success {
			e.logger.Info("step failed, skipping remaining steps",
				slog.String("plan_id", plan.ID),
				slog.Int("step", step.StepNumber),
				slog.Int("skipped", len(plan.Steps)-step.StepNumber),
			)
			break
		}
	}

	sink.Emit(agent.ProgressEvent{
		Status:     agent.StatusSynthesizing,
		TotalSteps: len(plan.Steps),
	})
	answer := e.synthesizer.Synthesize(ctx, tc, plan, results)
	return &Outcome{Plan: plan, Results: results, Answer: answer}, nil
}

// executeStep runs one step through deciding, calling and recording.
func (e *Executor) executeStep(ctx context.Context, tc *agent.TurnContext, plan *agent.ExecutionPlan,
	step agent.PlanStep, snap *catalog.Snapshot, prior []agent.StepResult, sink agent.ProgressSink) (agent.StepResult, error) {

	total := len(plan.Steps)
	ctx, span := phasesTracer.Start(ctx, "phases.Executor.executeStep",
		trace.WithAttributes(
			attribute.Int("step", step.StepNumber),
			attribute.String("tool", step.ToolName),
		),
	)
	defer span.End()

	sink.Emit(agent.ProgressEvent{
		Status:                 agent.StatusStepRunning,
		CurrentStep:            step.StepNumber,
		TotalSteps:             total,
		CurrentStepDescription: fmt.Sprintf("Step %d/%d running: %s", step.StepNumber, total, step.Purpose),
		ToolUsed:               step.ToolName,
	})

	start := time.Now()
	result := agent.StepResult{StepNumber: step.StepNumber, ToolName: step.ToolName}

	tool, ok := snap.Lookup(step.ToolName)
	if !ok {
		err := agent.StepError(agent.KindToolMappingNotFound, step.StepNumber, step.ToolName, "tool is not in the catalog", nil)
		return e.record(span, result, start, false, nil, err, sink, total), nil
	}

	decision, err := e.decide(ctx, tc, plan, step, tool, successful(prior))
	if err != nil {
		if errors.Is(err, agent.ErrModelUnavailable) || agent.KindOf(err) == "" {
			return result, err
		}
		return e.record(span, result, start, tool.Builtin, nil, err, sink, total), nil
	}
	result.Input = decision.Arguments

	if e.config.ValidateArguments {
		if verr := snap.ValidateArgs(tool.Name, decision.Arguments); verr != nil {
			err := agent.StepError(agent.KindInvalidToolCallDecision, step.StepNumber, tool.Name, "arguments do not match the tool schema", verr)
			return e.record(span, result, start, tool.Builtin, nil, err, sink, total), nil
		}
	}

	callStart := time.Now()
	output, err := snap.Invoke(ctx, tool.Name, decision.Arguments)
	recordToolCall(tool.Builtin, time.Since(callStart), err)
	if err != nil {
		if agent.KindOf(err) != agent.KindToolMappingNotFound {
			err = agent.StepError(agent.KindToolExecution, step.StepNumber, tool.Name, "", err)
		}
		return e.record(span, result, start, tool.Builtin, nil, err, sink, total), nil
	}
	return e.record(span, result, start, tool.Builtin, output, nil, sink, total), nil
}

// decide asks the model for the step's arguments.
func (e *Executor) decide(ctx context.Context, tc *agent.TurnContext, plan *agent.ExecutionPlan,
	step agent.PlanStep, tool catalog.Descriptor, prior []agent.StepResult) (*ToolCallDecision, error) {

	schema, fieldOrder := decisionSchema(tool.Name, tool.Parameters, e.config.OrderShortFieldsFirst)
	prompt, err := e.prompts.BuildDecisionPrompt(tc, plan, step, tool, prior, fieldOrder)
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}

	req := agentllm.Prompt(prompt)
	req.Schema = schema
	reply, err := e.client.Generate(ctx, req)
	if err != nil {
		if errors.Is(err, agent.ErrModelUnavailable) {
			return nil, err
		}
		return nil, agent.StepError(agent.KindInvalidToolCallDecision, step.StepNumber, tool.Name, "no usable decision", err)
	}

	decision, err := parseDecision(reply)
	if err != nil {
		return nil, agent.StepError(agent.KindInvalidToolCallDecision, step.StepNumber, tool.Name, "", err)
	}
	if decision.ToolName != tool.Name {
		e.logger.Warn("decision named a different tool, keeping the planned one",
			slog.Int("step", step.StepNumber),
			slog.String("planned", tool.Name),
			slog.String("decided", decision.ToolName),
		)
		decision.ToolName = tool.Name
	}
	e.logger.Debug("arguments decided",
		slog.Int("step", step.StepNumber),
		slog.String("tool", tool.Name),
		slog.Int("argument_count", len(decision.Arguments)),
	)
	return decision, nil
}

// record finalizes a StepResult and emits its progress event.
func (e *Executor) record(span trace.Span, result agent.StepResult, start time.Time, builtin bool,
	output any, err error, sink agent.ProgressSink, total int) agent.StepResult {

	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	ev := agent.ProgressEvent{
		CurrentStep: result.StepNumber,
		TotalSteps:  total,
		ToolUsed:    result.ToolName,
	}

	if err != nil {
		result.Success = false
		result.Error = err.Error()
		kind := agent.KindOf(err)
		if kind == "" {
			kind = agent.KindToolExecution
		}
		stepOutcomesTotal.WithLabelValues(originLabel(builtin), string(kind)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		e.logger.Warn("step failed",
			slog.Int("step", result.StepNumber),
			slog.String("tool", result.ToolName),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		ev.Status = agent.StatusStepFailed
		ev.CurrentStepDescription = fmt.Sprintf("Step %d/%d failed", result.StepNumber, total)
		ev.ToolResult = agent.Truncate(result.Error, e.config.PreviewChars)
	} else {
		result.Success = true
		result.Output = output
		stepOutcomesTotal.WithLabelValues(originLabel(builtin), "success").Inc()
		e.logger.Info("step completed",
			slog.Int("step", result.StepNumber),
			slog.String("tool", result.ToolName),
			slog.Int64("duration_ms", result.ExecutionTimeMs),
		)
		ev.Status = agent.StatusStepCompleted
		ev.CurrentStepDescription = fmt.Sprintf("Step %d/%d completed", result.StepNumber, total)
		ev.ToolResult = agent.Truncate(result.OutputText(), e.config.PreviewChars)
	}

	sink.Emit(ev)
	return result
}

func successful(results []agent.StepResult) []agent.StepResult {
	out := make([]agent.StepResult, 0, len(results))
	for _, r := range results {
		if r.Success {
			out = append(out, r)
		}
	}
	return out
}
