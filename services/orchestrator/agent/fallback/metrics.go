// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fallback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var fallbackTracer = otel.Tracer("conductor.agent.fallback")

var (
	// tierOutcomesTotal counts tier attempts.
	//
	// Labels:
	//   - tier: "plan_execute", "plan_no_tools", "function_calling", "direct"
	//   - outcome: "success" or "error"
	tierOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "fallback",
		Name:      "tier_outcomes_total",
		Help:      "Tier attempts by outcome.",
	}, []string{"tier", "outcome"})

	// fallthroughTotal counts Tier 1 failures handed to function calling.
	//
	// Labels:
	//   - reason: error kind, "panic" or "unknown"
	fallthroughTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "fallback",
		Name:      "fallthrough_total",
		Help:      "Plan-and-execute failures that fell through to function calling.",
	}, []string{"reason"})

	functionRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "conductor",
		Subsystem: "fallback",
		Name:      "function_calling_rounds",
		Help:      "Model rounds per function-calling turn.",
		Buckets:   []float64{1, 2, 3, 4, 6, 8, 12},
	})
)

func recordTier(tier Tier, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	tierOutcomesTotal.WithLabelValues(string(tier), outcome).Inc()
}
