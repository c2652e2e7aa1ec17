// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// =============================================================================
// OpenAI Wire Types
// =============================================================================

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIModel   = "gpt-4o-mini"
)

type openaiRequest struct {
	Model               string                `json:"model"`
	Messages            []openaiMessage       `json:"messages"`
	Temperature         *float32              `json:"temperature,omitempty"`
	MaxCompletionTokens *int                  `json:"max_completion_tokens,omitempty"`
	TopP                *float32              `json:"top_p,omitempty"`
	Stop                []string              `json:"stop,omitempty"`
	Tools               []openaiTool          `json:"tools,omitempty"`
	ParallelToolCalls   *bool                 `json:"parallel_tool_calls,omitempty"`
	ResponseFormat      *openaiResponseFormat `json:"response_format,omitempty"`
}

type openaiResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openaiJSONSchema `json:"json_schema,omitempty"`
}

type openaiJSONSchema struct {
	Name   string  `json:"name"`
	Schema *Schema `json:"schema"`
	Strict bool    `json:"strict"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Choices []openaiChoice `json:"choices"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiCallFunction `json:"function"`
}

type openaiCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// =============================================================================
// Client Implementation
// =============================================================================

// OpenAIClient implements LLMClient against the OpenAI Chat Completions API.
//
// Description:
//
//	Raw net/http, no SDK. Structured output uses response_format
//	json_schema in non-strict mode so optional tool parameters stay
//	optional.
//
// Thread Safety: OpenAIClient is safe for concurrent use.
type OpenAIClient struct {
	opts    clientOptions
	apiKey  string
	model   string
	baseURL string
}

// NewOpenAIClientWithConfig creates an OpenAIClient with explicit configuration.
//
// Inputs:
//   - apiKey: The OpenAI API key.
//   - model: The model name. Empty selects the default.
//   - baseURL: Full chat completions URL. Empty selects the public endpoint.
//   - opts: Optional HTTP client, timeout, and rate limit settings.
func NewOpenAIClientWithConfig(apiKey, model, baseURL string, opts ...ClientOption) *OpenAIClient {
	if model == "" {
		model = defaultOpenAIModel
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIClient{
		opts:    buildOptions(opts),
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
	}
}

// NewOpenAIClient creates an OpenAIClient from OPENAI_API_KEY and OPENAI_MODEL.
func NewOpenAIClient(opts ...ClientOption) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("openai: API key is missing (OPENAI_API_KEY)")
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = defaultOpenAIModel
		slog.Warn("OPENAI_MODEL not set, using default", slog.String("model", model))
	}
	slog.Info("Initializing OpenAI client", slog.String("model", model))
	return NewOpenAIClientWithConfig(apiKey, model, defaultOpenAIBaseURL, opts...), nil
}

// Provider implements LLMClient.
func (o *OpenAIClient) Provider() string { return "openai" }

// Model implements LLMClient.
func (o *OpenAIClient) Model() string { return o.model }

// Chat implements LLMClient.Chat.
func (o *OpenAIClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	oaiMessages := make([]openaiMessage, 0, len(messages))
	for _, msg := range messages {
		role := msg.Role
		switch role {
		case "system", "user", "assistant":
		default:
			role = "user"
		}
		oaiMessages = append(oaiMessages, openaiMessage{Role: role, Content: msg.Content})
	}

	req := o.baseRequest(params, oaiMessages)
	if params.ResponseSchema != nil {
		req.ResponseFormat = &openaiResponseFormat{
			Type: "json_schema",
			JSONSchema: &openaiJSONSchema{
				Name:   "response",
				Schema: params.ResponseSchema,
			},
		}
	}

	choice, err := o.complete(ctx, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		return "", fmt.Errorf("openai: choice had no content (finish_reason=%s): %w", choice.FinishReason, ErrEmptyResponse)
	}
	return choice.Message.Content, nil
}

// ChatWithTools implements LLMClient.ChatWithTools.
//
// Description:
//
//	parallel_tool_calls is disabled so the model requests at most one call
//	per round.
func (o *OpenAIClient) ChatWithTools(ctx context.Context, messages []ChatMessage,
	params GenerationParams, tools []ToolDef) (*ChatWithToolsResult, error) {

	oaiMessages := make([]openaiMessage, 0, len(messages))
	for _, msg := range messages {
		oaiMsg := openaiMessage{Role: msg.Role, Content: msg.Content}
		if msg.Role == "tool" {
			oaiMsg.ToolCallID = msg.ToolCallID
		}
		if msg.Role == "assistant" {
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openaiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openaiCallFunction{
						Name:      tc.Name,
						Arguments: tc.ArgumentsString(),
					},
				})
			}
		}
		oaiMessages = append(oaiMessages, oaiMsg)
	}

	req := o.baseRequest(params, oaiMessages)
	for _, td := range tools {
		schema := td.Function.Parameters
		if schema == nil {
			schema = &Schema{Type: "object"}
		}
		req.Tools = append(req.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        td.Function.Name,
				Description: td.Function.Description,
				Parameters:  schema,
			},
		})
	}
	if len(req.Tools) > 0 {
		parallel := false
		req.ParallelToolCalls = &parallel
	}

	choice, err := o.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &ChatWithToolsResult{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCallResponse{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(result.ToolCalls) > 0 {
		result.StopReason = "tool_use"
	} else {
		result.StopReason = "end"
	}
	return result, nil
}

func (o *OpenAIClient) baseRequest(params GenerationParams, messages []openaiMessage) openaiRequest {
	model := o.model
	if params.ModelOverride != "" {
		model = params.ModelOverride
	}
	return openaiRequest{
		Model:               model,
		Messages:            messages,
		Temperature:         params.Temperature,
		MaxCompletionTokens: params.MaxTokens,
		TopP:                params.TopP,
		Stop:                params.Stop,
	}
}

// complete performs one chat completions round trip and returns the first choice.
func (o *OpenAIClient) complete(ctx context.Context, req openaiRequest) (*openaiChoice, error) {
	if err := o.opts.wait(ctx, "openai"); err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("openai: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	slog.Debug("Sending request to OpenAI",
		slog.String("model", req.Model),
		slog.Int("messages", len(req.Messages)),
		slog.Int("tools", len(req.Tools)),
	)

	resp, err := o.opts.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai: API returned %d: %s", resp.StatusCode, SafeLogString(string(bodyBytes)))
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("openai: parsing response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("openai: API error: %s - %s", apiResp.Error.Type, SafeLogString(apiResp.Error.Message))
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("openai: returned no choices: %w", ErrEmptyResponse)
	}

	slog.Debug("Received OpenAI response",
		slog.String("finish_reason", apiResp.Choices[0].FinishReason),
		slog.Int("tool_calls", len(apiResp.Choices[0].Message.ToolCalls)),
	)
	return &apiResp.Choices[0], nil
}
