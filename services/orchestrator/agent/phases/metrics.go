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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var phasesTracer = otel.Tracer("conductor.agent.phases")

var (
	// planOutcomesTotal counts planner results.
	//
	// Labels:
	//   - outcome: "planned", "no_tools", "invalid_tool_reference", "planning_failed"
	planOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "planner",
		Name:      "plans_total",
		Help:      "Planner results by outcome.",
	}, []string{"outcome"})

	planSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "conductor",
		Subsystem: "planner",
		Name:      "plan_steps",
		Help:      "Number of steps in accepted plans.",
		Buckets:   []float64{0, 1, 2, 3, 4, 6, 8, 12},
	})

	// stepOutcomesTotal counts executed steps.
	//
	// Labels:
	//   - origin: "builtin" or "server"
	//   - outcome: "success", "invalid_tool_call_decision", "tool_mapping_not_found", "tool_execution_error"
	stepOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "executor",
		Name:      "steps_total",
		Help:      "Executed plan steps by tool origin and outcome.",
	}, []string{"origin", "outcome"})

	toolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conductor",
		Subsystem: "executor",
		Name:      "tool_call_duration_seconds",
		Help:      "Latency of tool invocations.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"origin", "status"})

	// synthesisTotal counts synthesis calls.
	//
	// Labels:
	//   - outcome: "answered" or "fallback"
	synthesisTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "synthesizer",
		Name:      "responses_total",
		Help:      "Final answers by outcome.",
	}, []string{"outcome"})
)

func originLabel(builtin bool) string {
	if builtin {
		return "builtin"
	}
	return "server"
}

func recordToolCall(builtin bool, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	toolCallDuration.WithLabelValues(originLabel(builtin), status).Observe(d.Seconds())
}
