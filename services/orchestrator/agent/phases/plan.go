// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package phases holds the three model-driven stages of a plan-and-execute
// turn: planning, step execution and response synthesis.
package phases

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/catalog"
	agentllm "github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/llm"
)

// DefaultMaxSteps bounds plan length when PlannerConfig leaves it unset.
const DefaultMaxSteps = 8

// PlannerConfig tunes the planner.
type PlannerConfig struct {
	// MaxSteps is the longest plan accepted. Longer plans fail with
	// PlanningFailed.
	MaxSteps int
}

// Planner asks the model for an ExecutionPlan and validates it against
// the catalog.
//
// Thread Safety: Safe for concurrent use.
type Planner struct {
	client  agentllm.Client
	prompts *PromptBuilder
	config  PlannerConfig
	logger  *slog.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(client agentllm.Client, prompts *PromptBuilder, config PlannerConfig, logger *slog.Logger) *Planner {
	if config.MaxSteps <= 0 {
		config.MaxSteps = DefaultMaxSteps
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{client: client, prompts: prompts, config: config, logger: logger}
}

// rawPlan mirrors the model's JSON before validation.
type rawPlan struct {
	OverallGoal           string           `json:"overallGoal"`
	Narrative             string           `json:"narrative"`
	Steps                 []agent.PlanStep `json:"steps"`
	FinalResponseGuidance string           `json:"finalResponseGuidance"`
}

// CreatePlan produces a validated plan for one turn.
//
// Description:
//
//	Renders every catalog tool with its parameters into the prompt and
//	asks for JSON whose toolName fields are restricted to the catalog's
//	names. The reply is then checked again step by step, because
//	schema-constrained output is not guaranteed. Steps are renumbered to
//	their 1-based position.
//
// Inputs:
//   - ctx: Context for the model call.
//   - tc: The turn's query and context.
//   - snap: The catalog snapshot the turn runs against.
//
// Outputs:
//   - *agent.ExecutionPlan: The plan. Zero steps is a valid result and
//     means no tool is needed.
//   - error: PlanningFailed for a failed model call or unreadable output;
//     InvalidToolReference naming the first bad step.
func (p *Planner) CreatePlan(ctx context.Context, tc *agent.TurnContext, snap *catalog.Snapshot) (*agent.ExecutionPlan, error) {
	ctx, span := phasesTracer.Start(ctx, "phases.Planner.CreatePlan",
		trace.WithAttributes(attribute.Int("catalog_size", snap.Len())),
	)
	defer span.End()

	plan, err := p.createPlan(ctx, tc, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(agent.KindOf(err)))
		planOutcomesTotal.WithLabelValues(string(agent.KindOf(err))).Inc()
		p.logger.Warn("planning failed",
			slog.String("kind", string(agent.KindOf(err))),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	outcome := "planned"
	if len(plan.Steps) == 0 {
		outcome = "no_tools"
	}
	planOutcomesTotal.WithLabelValues(outcome).Inc()
	planSteps.Observe(float64(len(plan.Steps)))
	span.SetAttributes(attribute.Int("steps", len(plan.Steps)), attribute.String("plan_id", plan.ID))

	p.logger.Info("plan created",
		slog.String("plan_id", plan.ID),
		slog.Int("steps", len(plan.Steps)),
		slog.String("goal", agent.Truncate(plan.OverallGoal, 120)),
	)
	return plan, nil
}

func (p *Planner) createPlan(ctx context.Context, tc *agent.TurnContext, snap *catalog.Snapshot) (*agent.ExecutionPlan, error) {
	prompt, err := p.prompts.BuildPlanPrompt(tc, snap.Descriptors(), p.config.MaxSteps)
	if err != nil {
		return nil, agent.NewError(agent.KindPlanningFailed, "building prompt", err)
	}

	req := agentllm.Prompt(prompt)
	req.Schema = planSchema(snap.Names())
	reply, err := p.client.Generate(ctx, req)
	if err != nil {
		return nil, agent.NewError(agent.KindPlanningFailed, "model call failed", err)
	}

	var raw rawPlan
	if err := agentllm.ParseJSON(reply, &raw); err != nil {
		return nil, agent.NewError(agent.KindPlanningFailed, "malformed plan", err)
	}
	return p.validate(&raw, snap)
}

// validate checks every step against the catalog independently of the
// schema the model was given.
func (p *Planner) validate(raw *rawPlan, snap *catalog.Snapshot) (*agent.ExecutionPlan, error) {
	if len(raw.Steps) > p.config.MaxSteps {
		return nil, agent.NewError(agent.KindPlanningFailed,
			fmt.Sprintf("plan has %d steps, limit is %d", len(raw.Steps), p.config.MaxSteps), nil)
	}

	plan := &agent.ExecutionPlan{
		ID:                    uuid.NewString(),
		OverallGoal:           strings.TrimSpace(raw.OverallGoal),
		Narrative:             strings.TrimSpace(raw.Narrative),
		Steps:                 make([]agent.PlanStep, 0, len(raw.Steps)),
		FinalResponseGuidance: strings.TrimSpace(raw.FinalResponseGuidance),
	}

	for i, step := range raw.Steps {
		position := i + 1
		name := strings.TrimSpace(step.ToolName)
		switch {
		case isNullToolName(name):
			return nil, agent.StepError(agent.KindInvalidToolReference, position, name, "step names no tool", nil)
		case !snap.Has(name):
			return nil, agent.StepError(agent.KindInvalidToolReference, position, name, "tool is not in the catalog", nil)
		}
		if step.StepNumber != position {
			p.logger.Debug("renumbering plan step",
				slog.Int("model_number", step.StepNumber),
				slog.Int("position", position),
			)
		}
		step.StepNumber = position
		step.ToolName = name
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

func isNullToolName(name string) bool {
	switch strings.ToLower(name) {
	case "", "none", "null", "nil":
		return true
	}
	return false
}
