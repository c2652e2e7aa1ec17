// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm contains the REST clients for the model providers the
// conductor talks to, plus the provider-agnostic wire types they share.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ErrEmptyResponse is returned when a provider answers successfully but
// produces no usable text or function calls.
var ErrEmptyResponse = errors.New("empty response")

// Message is a plain role/content chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams controls a single generation request.
//
// Description:
//
//	All pointer fields are optional; nil means "provider default".
//	When ResponseSchema is set the provider is asked for JSON output
//	constrained to that schema (Gemini responseSchema, OpenAI json_schema).
type GenerationParams struct {
	Temperature    *float32
	TopP           *float32
	TopK           *int
	MaxTokens      *int
	Stop           []string
	ModelOverride  string
	ResponseSchema *Schema
}

// LLMClient is implemented by every provider client in this package.
//
// Thread Safety: Implementations must be safe for concurrent use.
type LLMClient interface {
	// Chat sends a conversation and returns the model's text.
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)

	// ChatWithTools sends a conversation with function declarations and
	// returns text and/or requested function calls.
	ChatWithTools(ctx context.Context, messages []ChatMessage, params GenerationParams, tools []ToolDef) (*ChatWithToolsResult, error)

	// Provider returns the provider name ("gemini", "openai").
	Provider() string

	// Model returns the default model name.
	Model() string
}

// =============================================================================
// Client Options
// =============================================================================

type clientOptions struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientOption configures a provider client.
type ClientOption func(*clientOptions)

// WithHTTPClient replaces the default HTTP client (120s timeout).
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		if d > 0 {
			o.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithRateLimit caps outgoing requests to perMinute, with a burst of one.
// Zero or negative disables limiting.
func WithRateLimit(perMinute int) ClientOption {
	return func(o *clientOptions) {
		if perMinute > 0 {
			o.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
		}
	}
}

func buildOptions(opts []ClientOption) clientOptions {
	o := clientOptions{httpClient: &http.Client{Timeout: 120 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// wait blocks until the limiter admits one request or ctx ends.
func (o clientOptions) wait(ctx context.Context, provider string) error {
	if o.limiter == nil {
		return nil
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limiter: %w", provider, err)
	}
	return nil
}

// NewClient builds the client for a provider name.
//
// Inputs:
//   - provider: "gemini" or "openai".
//   - apiKey, model, baseURL: Passed to the provider constructor; empty
//     model and baseURL select provider defaults.
//
// Outputs:
//   - LLMClient: The configured client.
//   - error: Non-nil for an unknown provider or a missing key.
func NewClient(provider, apiKey, model, baseURL string, opts ...ClientOption) (LLMClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s: API key is missing", provider)
	}
	switch provider {
	case "gemini", "":
		return NewGeminiClientWithConfig(apiKey, model, baseURL, opts...), nil
	case "openai":
		return NewOpenAIClientWithConfig(apiKey, model, baseURL, opts...), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}
}
