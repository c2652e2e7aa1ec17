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

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-2.0-flash"
)

// GeminiClient implements LLMClient for Google Gemini models.
//
// Description:
//
//	Uses the Gemini REST API (generateContent) for plain chat, schema
//	constrained JSON output (responseSchema with enum and propertyOrdering),
//	and function calling.
//
// Thread Safety: GeminiClient is safe for concurrent use.
type GeminiClient struct {
	opts    clientOptions
	apiKey  string
	model   string
	baseURL string
}

// NewGeminiClientWithConfig creates a GeminiClient with explicit configuration.
//
// Inputs:
//   - apiKey: The Gemini API key.
//   - model: The model name. Empty selects the default.
//   - baseURL: API root, e.g. "https://generativelanguage.googleapis.com/v1beta".
//     Empty selects the public endpoint.
//   - opts: Optional HTTP client, timeout, and rate limit settings.
//
// Outputs:
//   - *GeminiClient: The configured client.
func NewGeminiClientWithConfig(apiKey, model, baseURL string, opts ...ClientOption) *GeminiClient {
	if model == "" {
		model = defaultGeminiModel
	}
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiClient{
		opts:    buildOptions(opts),
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// NewGeminiClient creates a GeminiClient from GEMINI_API_KEY and GEMINI_MODEL.
//
// Outputs:
//   - *GeminiClient: The configured client.
//   - error: Non-nil if GEMINI_API_KEY is missing.
func NewGeminiClient(opts ...ClientOption) (*GeminiClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: API key is missing (GEMINI_API_KEY)")
	}

	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		model = defaultGeminiModel
		slog.Info("GEMINI_MODEL not set, using default", slog.String("model", model))
	}

	slog.Info("Initializing Gemini client", slog.String("model", model))
	return NewGeminiClientWithConfig(apiKey, model, defaultGeminiBaseURL, opts...), nil
}

// Provider implements LLMClient.
func (g *GeminiClient) Provider() string { return "gemini" }

// Model implements LLMClient.
func (g *GeminiClient) Model() string { return g.model }

// =============================================================================
// Gemini Wire Types
// =============================================================================

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiToolDeclaration `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig       `json:"toolConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiToolDeclaration struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiToolConfig struct {
	FunctionCallingConfig geminiFunctionCallingConfig `json:"functionCallingConfig"`
}

type geminiFunctionCallingConfig struct {
	Mode string `json:"mode"`
}

type geminiGenerationConfig struct {
	Temperature      *float32       `json:"temperature,omitempty"`
	TopP             *float32       `json:"topP,omitempty"`
	TopK             *int           `json:"topK,omitempty"`
	MaxOutputTokens  *int           `json:"maxOutputTokens,omitempty"`
	StopSequences    []string       `json:"stopSequences,omitempty"`
	ResponseMIMEType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
	Error         *geminiError      `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// =============================================================================
// LLMClient Implementation
// =============================================================================

// Chat implements LLMClient.Chat using the Gemini generateContent API.
//
// Description:
//
//	System messages become systemInstruction; assistant turns map to the
//	"model" role. When params.ResponseSchema is set the request asks for
//	application/json output constrained to that schema.
//
// Outputs:
//   - string: Concatenated text of the first candidate.
//   - error: Non-nil on transport/API failure; wraps ErrEmptyResponse when
//     the candidate has no text.
func (g *GeminiClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	req := geminiRequest{GenerationConfig: buildGeminiGenConfig(params)}
	for _, msg := range messages {
		switch strings.ToLower(msg.Role) {
		case "system":
			req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}
		case "assistant", "model":
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: msg.Content}}})
		default:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		}
	}

	apiResp, model, err := g.generate(ctx, params, req)
	if err != nil {
		return "", err
	}

	var textParts []string
	for _, part := range apiResp.Candidates[0].Content.Parts {
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
	}
	result := strings.Join(textParts, "")
	if strings.TrimSpace(result) == "" {
		return "", fmt.Errorf("gemini: candidate had no text (finish_reason=%s): %w",
			apiResp.Candidates[0].FinishReason, ErrEmptyResponse)
	}

	slog.Debug("Received Gemini response",
		slog.String("model", model),
		slog.Int("response_len", len(result)),
		slog.String("finish_reason", apiResp.Candidates[0].FinishReason),
	)
	return result, nil
}

// ChatWithTools sends a chat request with function declarations.
//
// Description:
//
//	Tool result messages become functionResponse parts; assistant turns
//	with ToolCalls become functionCall parts. Gemini does not assign call
//	IDs so synthetic ones are generated per response.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - messages: Conversation history with tool metadata.
//   - params: Generation parameters. ResponseSchema is ignored here.
//   - tools: Function declarations.
//
// Outputs:
//   - *ChatWithToolsResult: Content and/or tool calls.
//   - error: Non-nil on failure.
//
// Thread Safety: This method is safe for concurrent use.
func (g *GeminiClient) ChatWithTools(ctx context.Context, messages []ChatMessage,
	params GenerationParams, tools []ToolDef) (*ChatWithToolsResult, error) {

	params.ResponseSchema = nil
	req := geminiRequest{GenerationConfig: buildGeminiGenConfig(params)}

	if len(tools) > 0 {
		decls := make([]geminiFunctionDeclaration, 0, len(tools))
		for _, td := range tools {
			decl := geminiFunctionDeclaration{
				Name:        td.Function.Name,
				Description: td.Function.Description,
			}
			if td.Function.Parameters != nil && len(td.Function.Parameters.Properties) > 0 {
				decl.Parameters = toGeminiSchema(td.Function.Parameters)
			}
			decls = append(decls, decl)
		}
		req.Tools = []geminiToolDeclaration{{FunctionDeclarations: decls}}
		req.ToolConfig = &geminiToolConfig{FunctionCallingConfig: geminiFunctionCallingConfig{Mode: "AUTO"}}
	}

	for _, msg := range messages {
		switch {
		case msg.Role == "system":
			req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}

		case msg.Role == "tool" && msg.ToolName != "":
			var respData map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &respData); err != nil {
				respData = map[string]any{"result": msg.Content}
			}
			req.Contents = append(req.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{FunctionResponse: &geminiFunctionResp{
					Name:     msg.ToolName,
					Response: respData,
				}}},
			})

		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			var parts []geminiPart
			if msg.Content != "" {
				parts = append(parts, geminiPart{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args, err := tc.ArgumentsMap()
				if err != nil {
					args = map[string]any{}
				}
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args}})
			}
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: parts})

		case msg.Role == "assistant":
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: msg.Content}}})

		default:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		}
	}

	apiResp, model, err := g.generate(ctx, params, req)
	if err != nil {
		return nil, err
	}

	result := &ChatWithToolsResult{}
	var textParts []string
	callIndex := 0
	for _, part := range apiResp.Candidates[0].Content.Parts {
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
		if part.FunctionCall != nil {
			argsJSON, err := json.Marshal(part.FunctionCall.Args)
			if err != nil || part.FunctionCall.Args == nil {
				argsJSON = []byte(`{}`)
			}
			result.ToolCalls = append(result.ToolCalls, ToolCallResponse{
				ID:        fmt.Sprintf("gemini-call-%d", callIndex),
				Name:      part.FunctionCall.Name,
				Arguments: json.RawMessage(argsJSON),
			})
			callIndex++
		}
	}
	result.Content = strings.Join(textParts, "")

	if len(result.ToolCalls) > 0 {
		result.StopReason = "tool_use"
	} else {
		result.StopReason = "end"
	}

	slog.Debug("Received Gemini tool response",
		slog.String("model", model),
		slog.Int("tool_calls", len(result.ToolCalls)),
		slog.Int("content_len", len(result.Content)),
	)
	return result, nil
}

// generate performs one generateContent round trip and guarantees at least
// one candidate on success.
func (g *GeminiClient) generate(ctx context.Context, params GenerationParams, req geminiRequest) (*geminiResponse, string, error) {
	model := g.model
	if params.ModelOverride != "" {
		model = params.ModelOverride
	}

	if err := g.opts.wait(ctx, "gemini"); err != nil {
		return nil, model, err
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, model, fmt.Errorf("gemini: marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, model, fmt.Errorf("gemini: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	slog.Debug("Sending request to Gemini",
		slog.String("model", model),
		slog.Int("content_count", len(req.Contents)),
		slog.Int("tool_count", countDeclarations(req.Tools)),
		slog.Bool("structured", req.GenerationConfig != nil && req.GenerationConfig.ResponseSchema != nil),
	)

	resp, err := g.opts.httpClient.Do(httpReq)
	if err != nil {
		return nil, model, fmt.Errorf("gemini: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model, fmt.Errorf("gemini: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, model, fmt.Errorf("gemini: API returned %d: %s", resp.StatusCode, SafeLogString(string(bodyBytes)))
	}

	var apiResp geminiResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, model, fmt.Errorf("gemini: parsing response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return nil, model, fmt.Errorf("gemini: API error [%d] %s: %s",
			apiResp.Error.Code, apiResp.Error.Status, SafeLogString(apiResp.Error.Message))
	}
	if len(apiResp.Candidates) == 0 {
		return nil, model, fmt.Errorf("gemini: returned no candidates: %w", ErrEmptyResponse)
	}
	return &apiResp, model, nil
}

func countDeclarations(tools []geminiToolDeclaration) int {
	n := 0
	for _, t := range tools {
		n += len(t.FunctionDeclarations)
	}
	return n
}

func buildGeminiGenConfig(params GenerationParams) *geminiGenerationConfig {
	cfg := &geminiGenerationConfig{
		Temperature:     params.Temperature,
		TopP:            params.TopP,
		TopK:            params.TopK,
		MaxOutputTokens: params.MaxTokens,
		StopSequences:   params.Stop,
	}
	if params.ResponseSchema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = toGeminiSchema(params.ResponseSchema)
	}
	if cfg.Temperature == nil && cfg.TopP == nil && cfg.TopK == nil && cfg.MaxOutputTokens == nil &&
		len(cfg.StopSequences) == 0 && cfg.ResponseSchema == nil {
		return nil
	}
	return cfg
}

// toGeminiSchema renders a Schema in Gemini's OpenAPI dialect: uppercase
// type names and an explicit propertyOrdering on every object.
//
// Gemini rejects OBJECT schemas with an empty properties map, so empty
// objects are sent as nullable objects without properties.
func toGeminiSchema(s *Schema) map[string]any {
	if s == nil {
		return nil
	}
	out := map[string]any{}
	if s.Type != "" {
		out["type"] = strings.ToUpper(s.Type)
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
		if s.Type == "" || s.Type == "string" {
			out["type"] = "STRING"
			out["format"] = "enum"
		}
	} else if s.Format == "date-time" || s.Format == "int32" || s.Format == "int64" || s.Format == "float" || s.Format == "double" {
		out["format"] = s.Format
	}
	if s.Items != nil {
		out["items"] = toGeminiSchema(s.Items)
	} else if s.Type == "array" {
		out["items"] = map[string]any{"type": "STRING"}
	}
	if s.Type == "object" {
		if len(s.Properties) == 0 {
			out["nullable"] = true
			return out
		}
		props := make(map[string]any, len(s.Properties))
		for name, p := range s.Properties {
			props[name] = toGeminiSchema(p)
		}
		out["properties"] = props
		out["propertyOrdering"] = s.PropertyNames()
		if len(s.Required) > 0 {
			var req []string
			for _, r := range s.Required {
				if _, ok := s.Properties[r]; ok {
					req = append(req, r)
				}
			}
			if len(req) > 0 {
				out["required"] = req
			}
		}
	}
	return out
}
