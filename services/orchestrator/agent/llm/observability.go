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
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianConductor/services/llm"
)

// llmTracerName is the shared OTel tracer name for model calls.
const llmTracerName = "conductor.llm"

// Package-level Prometheus metrics for model calls.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// llmCallDuration measures the duration of model API calls.
	//
	// Labels:
	//   - provider: "gemini", "openai"
	//   - operation: "generate" or "chat_with_tools"
	//   - status: "success" or "error"
	llmCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conductor",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Duration of model API calls in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "operation", "status"},
	)

	// llmCallsTotal counts model API calls.
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Total number of model API calls.",
		},
		[]string{"provider", "operation", "status"},
	)

	// llmTokensTotal counts estimated tokens.
	//
	// Labels:
	//   - provider: "gemini", "openai"
	//   - direction: "input" or "output"
	llmTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Estimated tokens consumed by model calls.",
		},
		[]string{"provider", "direction"},
	)

	// llmErrorsTotal counts model errors by type.
	//
	// Labels:
	//   - provider: "gemini", "openai"
	//   - error_type: "timeout", "auth", "rate_limit", "server", "empty_response", "unknown"
	llmErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Total model errors by type.",
		},
		[]string{"provider", "error_type"},
	)

	llmActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "llm",
			Name:      "active_requests",
			Help:      "Number of in-flight model requests.",
		},
		[]string{"provider"},
	)
)

// classifyError maps an error to a label-safe error type string.
//
// Description:
//
//	Inspects the error to categorize it into one of a fixed set of
//	values so raw error text never becomes a label.
//
// Outputs:
//
//	string - One of: "timeout", "auth", "rate_limit", "server",
//	         "empty_response", "unknown". Empty for a nil error.
//
// Thread Safety: Safe for concurrent use.
func classifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, llm.ErrEmptyResponse) {
		return "empty_response"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "returned 401") ||
		strings.Contains(msg, "returned 403") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "api key"):
		return "auth"
	case strings.Contains(msg, "returned 429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests"):
		return "rate_limit"
	case strings.Contains(msg, "returned 500") ||
		strings.Contains(msg, "returned 502") ||
		strings.Contains(msg, "returned 503") ||
		strings.Contains(msg, "server error"):
		return "server"
	default:
		return "unknown"
	}
}

// recordLLMMetrics records metrics for one completed model call.
//
// Thread Safety: Safe for concurrent use.
func recordLLMMetrics(provider, operation string, duration time.Duration, inputTokens, outputTokens int, err error) {
	status := "success"
	if err != nil {
		status = "error"
		llmErrorsTotal.WithLabelValues(provider, classifyError(err)).Inc()
	}

	llmCallDuration.WithLabelValues(provider, operation, status).Observe(duration.Seconds())
	llmCallsTotal.WithLabelValues(provider, operation, status).Inc()

	if err == nil {
		llmTokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
		llmTokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func incActiveRequests(provider string) {
	llmActiveRequests.WithLabelValues(provider).Inc()
}

func decActiveRequests(provider string) {
	llmActiveRequests.WithLabelValues(provider).Dec()
}
