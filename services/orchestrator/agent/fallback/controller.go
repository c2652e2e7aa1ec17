// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fallback runs one user turn through the tiered strategy:
// plan-and-execute first, a single function-calling attempt if that
// fails, and tool-free generation when the caller asks for it.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianConductor/services/llm"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/catalog"
	agentllm "github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/llm"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/phases"
)

// DefaultMaxFunctionRounds caps model round-trips in function calling.
const DefaultMaxFunctionRounds = 6

// ErrTooManyRounds is returned when function calling never produces text.
var ErrTooManyRounds = errors.New("function calling did not reach an answer")

// Config tunes the controller.
type Config struct {
	// MaxFunctionRounds caps model round-trips in function calling.
	// Zero means DefaultMaxFunctionRounds.
	MaxFunctionRounds int
}

// Result is the outcome of one turn.
type Result struct {
	Answer string `json:"answer"`
	Tier   Tier   `json:"tier"`

	// Plan and Steps are set when plan-and-execute produced the answer.
	Plan  *agent.ExecutionPlan `json:"plan,omitempty"`
	Steps []agent.StepResult   `json:"steps,omitempty"`

	// ToolCalls lists the calls made by function calling.
	ToolCalls []agent.StepResult `json:"toolCalls,omitempty"`

	// FallbackReason is the plan-and-execute error that caused a
	// fall-through, empty otherwise.
	FallbackReason string `json:"fallbackReason,omitempty"`
}

// Controller owns the tier order for a turn.
//
// Description:
//
//	Tier 1 plans and executes. A planner error, an executor error or a
//	panic inside either falls through to Tier 2 exactly once. Tier 2 is
//	a native function-calling loop over the same snapshot; its errors are
//	returned to the caller and never retried. Tier 3 is tool-free
//	generation and runs only when the caller selects ModeDirect.
//
// Thread Safety: Safe for concurrent use; holds no per-turn state.
type Controller struct {
	client      agentllm.Client
	planner     *phases.Planner
	executor    *phases.Executor
	synthesizer *phases.Synthesizer
	config      Config
	logger      *slog.Logger
}

// NewController wires the phases into a Controller.
func NewController(client agentllm.Client, planner *phases.Planner, executor *phases.Executor,
	synthesizer *phases.Synthesizer, config Config, logger *slog.Logger) *Controller {

	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxFunctionRounds <= 0 {
		config.MaxFunctionRounds = DefaultMaxFunctionRounds
	}
	return &Controller{
		client:      client,
		planner:     planner,
		executor:    executor,
		synthesizer: synthesizer,
		config:      config,
		logger:      logger.With(slog.String("component", "fallback")),
	}
}

// Run answers one turn.
//
// Inputs:
//   - ctx: Context for every model and tool call in the turn.
//   - mode: Strategy chosen by the caller.
//   - tc: Query, conversation and environment.
//   - snap: The catalog snapshot held for the whole turn.
//   - sink: Optional progress listener.
//
// Outputs:
//   - *Result: The answer and how it was produced.
//   - error: A function-calling or direct-generation failure. Use
//     agent.UserMessage to turn it into something a user can read.
func (c *Controller) Run(ctx context.Context, mode Mode, tc *agent.TurnContext,
	snap *catalog.Snapshot, sink agent.ProgressSink) (*Result, error) {

	if tc == nil || snap == nil {
		return nil, fmt.Errorf("fallback: turn context and snapshot are required")
	}

	ctx, span := fallbackTracer.Start(ctx, "fallback.Controller.Run",
		trace.WithAttributes(
			attribute.String("mode", string(mode)),
			attribute.Int("tools", snap.Len()),
		),
	)
	defer span.End()

	var (
		result *Result
		err    error
	)
	switch mode {
	case ModeDirect:
		result, err = c.runDirect(ctx, tc)
	case ModeFunctionCalling:
		result, err = c.runFunctionCalling(ctx, tc, snap, sink)
	case ModePlanExecute, "":
		result, err = c.runPlanExecute(ctx, tc, snap, sink)
		if err != nil {
			reason := fallthroughReason(err)
			fallthroughTotal.WithLabelValues(reason).Inc()
			c.logger.Warn("plan-and-execute failed, falling back to function calling",
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)
			span.AddEvent("fallback", trace.WithAttributes(attribute.String("reason", reason)))
			sink.Emit(agent.ProgressEvent{Status: agent.StatusFallback})

			planErr := err
			result, err = c.runFunctionCalling(ctx, tc, snap, sink)
			if result != nil {
				result.FallbackReason = agent.Truncate(reason+": "+planErr.Error(), 300)
			}
		}
	default:
		err = fmt.Errorf("fallback: unknown mode %q", mode)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("tier", string(result.Tier)))
	sink.Emit(agent.ProgressEvent{Status: agent.StatusCompleted})
	return result, nil
}

// =============================================================================
// Tier 1: plan and execute
// =============================================================================

func (c *Controller) runPlanExecute(ctx context.Context, tc *agent.TurnContext,
	snap *catalog.Snapshot, sink agent.ProgressSink) (result *Result, err error) {

	defer func() { recordTier(TierPlanExecute, err) }()
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
			result = nil
		}
	}()

	sink.Emit(agent.ProgressEvent{Status: agent.StatusPlanning})
	plan, err := c.planner.CreatePlan(ctx, tc, snap)
	if err != nil {
		return nil, err
	}
	sink.Emit(agent.ProgressEvent{
		Status:     agent.StatusPlanReady,
		Plan:       plan.StepSummaries(),
		TotalSteps: len(plan.Steps),
	})

	if len(plan.Steps) == 0 {
		answer, err := c.synthesizer.AnswerDirectly(ctx, tc, plan)
		if err != nil {
			return nil, fmt.Errorf("informed answer: %w", err)
		}
		return &Result{Answer: answer, Tier: TierNoTools, Plan: plan}, nil
	}

	outcome, err := c.executor.ExecutePlan(ctx, tc, plan, snap, sink)
	if err != nil {
		return nil, err
	}
	return &Result{
		Answer: outcome.Answer,
		Tier:   TierPlanExecute,
		Plan:   outcome.Plan,
		Steps:  outcome.Results,
	}, nil
}

type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("plan-and-execute panicked: %v", p.value) }

func fallthroughReason(err error) string {
	var p *panicError
	if errors.As(err, &p) {
		return "panic"
	}
	if k := agent.KindOf(err); k != "" {
		return string(k)
	}
	return "unknown"
}

// =============================================================================
// Tier 2: function calling
// =============================================================================

const functionCallingSystem = "You are a helpful assistant with access to tools. Call a tool when it helps answer the user's request, one call at a time, then answer in plain text."

// runFunctionCalling lets the model call tools natively until it answers.
//
// Description:
//
//	Every call goes through Snapshot.Invoke, so server tools resolve via
//	the identity registry exactly as in plan-and-execute. Only the first
//	call of a round is executed; the rest are dropped and the model sees
//	just that one result. Tool errors end the turn.
func (c *Controller) runFunctionCalling(ctx context.Context, tc *agent.TurnContext,
	snap *catalog.Snapshot, sink agent.ProgressSink) (result *Result, err error) {

	ctx, span := fallbackTracer.Start(ctx, "fallback.Controller.FunctionCalling")
	defer span.End()
	defer func() {
		recordTier(TierFunctionCalling, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "function calling failed")
		}
	}()

	messages := initialMessages(tc)
	tools := snap.ToolDefs()
	var calls []agent.StepResult

	for round := 1; round <= c.config.MaxFunctionRounds; round++ {
		resp, err := c.client.ChatWithTools(ctx, messages, tools)
		if err != nil {
			functionRounds.Observe(float64(round))
			return nil, err
		}
		if len(resp.ToolCalls) == 0 {
			functionRounds.Observe(float64(round))
			answer := strings.TrimSpace(resp.Content)
			if answer == "" {
				return nil, fmt.Errorf("function calling: %w", llm.ErrEmptyResponse)
			}
			span.SetAttributes(attribute.Int("rounds", round), attribute.Int("tool_calls", len(calls)))
			return &Result{Answer: answer, Tier: TierFunctionCalling, ToolCalls: calls}, nil
		}

		call := resp.ToolCalls[0]
		if len(resp.ToolCalls) > 1 {
			c.logger.Debug("model requested several tools, running the first",
				slog.Int("requested", len(resp.ToolCalls)),
				slog.String("tool", call.Name),
			)
		}

		step, err := c.invoke(ctx, snap, call, len(calls)+1, sink)
		calls = append(calls, step)
		if err != nil {
			functionRounds.Observe(float64(round))
			return nil, err
		}

		messages = append(messages,
			llm.ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: []llm.ToolCallResponse{call}},
			llm.ChatMessage{Role: "tool", ToolCallID: call.ID, ToolName: call.Name, Content: step.OutputText()},
		)
	}

	functionRounds.Observe(float64(c.config.MaxFunctionRounds))
	return nil, fmt.Errorf("%w after %d rounds", ErrTooManyRounds, c.config.MaxFunctionRounds)
}

// invoke runs one model-requested call and reports it as a step.
func (c *Controller) invoke(ctx context.Context, snap *catalog.Snapshot, call llm.ToolCallResponse,
	n int, sink agent.ProgressSink) (agent.StepResult, error) {

	step := agent.StepResult{StepNumber: n, ToolName: call.Name}
	sink.Emit(agent.ProgressEvent{
		Status:                 agent.StatusStepRunning,
		CurrentStep:            n,
		CurrentStepDescription: fmt.Sprintf("Calling %s", call.Name),
		ToolUsed:               call.Name,
	})

	start := time.Now()
	args, err := call.ArgumentsMap()
	if err != nil {
		err = agent.StepError(agent.KindInvalidToolCallDecision, n, call.Name, "arguments are not a JSON object", err)
	} else {
		step.Input = args
		var out any
		out, err = snap.Invoke(ctx, call.Name, args)
		if err != nil && agent.KindOf(err) == "" {
			err = agent.StepError(agent.KindToolExecution, n, call.Name, "tool call failed", err)
		}
		step.Output = out
	}
	step.ExecutionTimeMs = time.Since(start).Milliseconds()

	if err != nil {
		step.Error = err.Error()
		c.logger.Warn("function call failed",
			slog.String("tool", call.Name),
			slog.String("error", err.Error()),
		)
		sink.Emit(agent.ProgressEvent{
			Status:      agent.StatusStepFailed,
			CurrentStep: n,
			ToolUsed:    call.Name,
			ToolResult:  agent.Truncate(step.Error, agent.PreviewChars),
		})
		return step, err
	}

	step.Success = true
	c.logger.Info("function call completed",
		slog.String("tool", call.Name),
		slog.Int64("duration_ms", step.ExecutionTimeMs),
	)
	sink.Emit(agent.ProgressEvent{
		Status:      agent.StatusStepCompleted,
		CurrentStep: n,
		ToolUsed:    call.Name,
		ToolResult:  agent.Truncate(step.OutputText(), agent.PreviewChars),
	})
	return step, nil
}

func initialMessages(tc *agent.TurnContext) []llm.ChatMessage {
	system := functionCallingSystem
	if env := tc.Environment.Render(); env != "" {
		system += "\n\n" + env
	}
	messages := []llm.ChatMessage{{Role: "system", Content: system}}

	n := tc.WindowTurns
	if n <= 0 {
		n = agent.DefaultWindowTurns
	}
	for _, t := range tc.Conversation.Window(n) {
		role := t.Role
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: t.Content})
	}
	return append(messages, llm.ChatMessage{Role: "user", Content: tc.Query})
}

// =============================================================================
// Tier 3: direct
// =============================================================================

func (c *Controller) runDirect(ctx context.Context, tc *agent.TurnContext) (result *Result, err error) {
	defer func() { recordTier(TierDirect, err) }()

	answer, err := c.synthesizer.AnswerDirectly(ctx, tc, nil)
	if err != nil {
		return nil, err
	}
	return &Result{Answer: answer, Tier: TierDirect}, nil
}
