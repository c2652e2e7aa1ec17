// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm is the narrow model interface the orchestrator core depends
// on, plus the adapter that puts any services/llm provider client behind
// it with metrics and tracing.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianConductor/services/llm"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
)

// Request is one generation call.
type Request struct {
	// System is sent as the system instruction. Optional.
	System string

	// Messages is the conversation, oldest first.
	Messages []llm.Message

	// Schema, when set, asks the provider for JSON matching it.
	Schema *llm.Schema

	// Temperature overrides the adapter default when non-nil.
	Temperature *float32

	// MaxTokens overrides the adapter default when > 0.
	MaxTokens int
}

// Prompt builds a single-user-message request.
func Prompt(text string) *Request {
	return &Request{Messages: []llm.Message{{Role: "user", Content: text}}}
}

// Client is what planner, executor, synthesizer and fallback tiers call.
//
// Description:
//
//	Generate returns the model's text. A transport failure comes back as
//	an *agent.Error of kind ModelUnavailable. A reply with no text wraps
//	llm.ErrEmptyResponse and is NOT ModelUnavailable: the model was
//	reached and had nothing to say.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Client interface {
	Generate(ctx context.Context, request *Request) (string, error)
	ChatWithTools(ctx context.Context, messages []llm.ChatMessage, tools []llm.ToolDef) (*llm.ChatWithToolsResult, error)
	Name() string
	Model() string
}

// Defaults are generation parameters applied to every call unless the
// request overrides them.
type Defaults struct {
	Temperature *float32
	MaxTokens   int
}

// Adapter wraps a provider client as a Client.
//
// Thread Safety: Safe for concurrent use.
type Adapter struct {
	client   llm.LLMClient
	defaults Defaults
	logger   *slog.Logger
}

// NewAdapter creates an Adapter.
//
// Inputs:
//   - client: The provider client. Must not be nil.
//   - defaults: Parameters applied when a request leaves them unset.
//   - logger: May be nil; slog.Default() is used.
//
// Outputs:
//   - *Adapter: The configured adapter.
func NewAdapter(client llm.LLMClient, defaults Defaults, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{client: client, defaults: defaults, logger: logger}
}

// Name implements Client.Name.
func (a *Adapter) Name() string { return a.client.Provider() }

// Model implements Client.Model.
func (a *Adapter) Model() string { return a.client.Model() }

// Generate implements Client.Generate.
func (a *Adapter) Generate(ctx context.Context, request *Request) (string, error) {
	if request == nil {
		return "", fmt.Errorf("%s: nil request", a.Name())
	}
	provider := a.Name()

	ctx, span := otel.Tracer(llmTracerName).Start(ctx, "agent.llm.Adapter.Generate",
		trace.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", a.Model()),
			attribute.Int("message_count", len(request.Messages)),
			attribute.Bool("structured", request.Schema != nil),
		),
	)
	defer span.End()

	incActiveRequests(provider)
	defer decActiveRequests(provider)

	messages := make([]llm.Message, 0, len(request.Messages)+1)
	if request.System != "" {
		messages = append(messages, llm.Message{Role: "system", Content: request.System})
	}
	messages = append(messages, request.Messages...)

	params := a.buildParams(request.Temperature, request.MaxTokens)
	params.ResponseSchema = request.Schema

	a.logger.Debug("sending model request",
		slog.String("provider", provider),
		slog.String("model", a.Model()),
		slog.Int("message_count", len(messages)),
		slog.Bool("structured", request.Schema != nil),
	)

	start := time.Now()
	content, err := a.client.Chat(ctx, messages, params)
	duration := time.Since(start)

	if err == nil && strings.TrimSpace(content) == "" {
		err = fmt.Errorf("%s: %w", provider, llm.ErrEmptyResponse)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, llm.SafeLogString(err.Error()))
		recordLLMMetrics(provider, "generate", duration, 0, 0, err)
		return "", a.classify(err)
	}

	inputTokens := estimateInputTokens(messages)
	outputTokens := estimateTokens(content)
	span.AddEvent("response_received", trace.WithAttributes(
		attribute.Int("input_tokens", inputTokens),
		attribute.Int("output_tokens", outputTokens),
	))
	recordLLMMetrics(provider, "generate", duration, inputTokens, outputTokens, nil)
	return content, nil
}

// ChatWithTools implements Client.ChatWithTools.
func (a *Adapter) ChatWithTools(ctx context.Context, messages []llm.ChatMessage, tools []llm.ToolDef) (*llm.ChatWithToolsResult, error) {
	provider := a.Name()

	ctx, span := otel.Tracer(llmTracerName).Start(ctx, "agent.llm.Adapter.ChatWithTools",
		trace.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", a.Model()),
			attribute.Int("message_count", len(messages)),
			attribute.Int("tool_count", len(tools)),
		),
	)
	defer span.End()

	incActiveRequests(provider)
	defer decActiveRequests(provider)

	params := a.buildParams(nil, 0)
	start := time.Now()
	result, err := a.client.ChatWithTools(ctx, messages, params, tools)
	duration := time.Since(start)

	if err == nil && (result == nil || (strings.TrimSpace(result.Content) == "" && len(result.ToolCalls) == 0)) {
		err = fmt.Errorf("%s: %w", provider, llm.ErrEmptyResponse)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, llm.SafeLogString(err.Error()))
		recordLLMMetrics(provider, "chat_with_tools", duration, 0, 0, err)
		return nil, a.classify(err)
	}

	inputTokens := estimateInputTokensChat(messages)
	outputTokens := estimateTokens(result.Content)
	span.AddEvent("response_received", trace.WithAttributes(
		attribute.Int("input_tokens", inputTokens),
		attribute.Int("output_tokens", outputTokens),
		attribute.Int("tool_calls", len(result.ToolCalls)),
		attribute.String("stop_reason", result.StopReason),
	))
	recordLLMMetrics(provider, "chat_with_tools", duration, inputTokens, outputTokens, nil)
	return result, nil
}

// classify turns a provider failure into the core's taxonomy.
func (a *Adapter) classify(err error) error {
	if errors.Is(err, llm.ErrEmptyResponse) {
		return err
	}
	a.logger.Warn("model call failed",
		slog.String("provider", a.Name()),
		slog.String("error_type", classifyError(err)),
		slog.String("error", llm.SafeLogString(err.Error())),
	)
	return agent.NewError(agent.KindModelUnavailable, a.Name()+" request failed", err)
}

func (a *Adapter) buildParams(temperature *float32, maxTokens int) llm.GenerationParams {
	params := llm.GenerationParams{Temperature: a.defaults.Temperature}
	if temperature != nil {
		params.Temperature = temperature
	}
	if maxTokens <= 0 {
		maxTokens = a.defaults.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = &maxTokens
	}
	return params
}

// estimateTokens gives a rough token count (~4 characters per token).
func estimateTokens(s string) int {
	return len(s) / 4
}

func estimateInputTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total / 4
}

func estimateInputTokensChat(messages []llm.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
		for _, tc := range m.ToolCalls {
			total += len(tc.Arguments)
		}
	}
	return total / 4
}
