// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package toolserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var toolserverTracer = otel.Tracer("conductor.toolserver")

var (
	connectedServers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conductor",
		Subsystem: "toolserver",
		Name:      "connected",
		Help:      "Tool servers currently connected.",
	})

	connectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "toolserver",
		Name:      "connects_total",
		Help:      "Connect attempts by status.",
	}, []string{"status"})

	// callsTotal counts tool calls.
	//
	// Labels:
	//   - server: configured server name
	//   - status: "success", "error", "tool_error", "not_connected"
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "toolserver",
		Name:      "calls_total",
		Help:      "Tool server calls by status.",
	}, []string{"server", "status"})

	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conductor",
		Subsystem: "toolserver",
		Name:      "call_duration_seconds",
		Help:      "Tool server call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"server"})
)
