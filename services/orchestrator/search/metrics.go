// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var searchTracer = otel.Tracer("conductor.search")

var (
	// searchesTotal counts search tool invocations.
	//
	// Labels:
	//   - variant: "light" or "deep"
	//   - status: "success" or "error"
	searchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "search",
		Name:      "requests_total",
		Help:      "Built-in search requests by variant and status.",
	}, []string{"variant", "status"})

	pageFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "search",
		Name:      "page_fetches_total",
		Help:      "Deep search page fetches by status.",
	}, []string{"status"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "search",
		Name:      "page_cache_lookups_total",
		Help:      "Page cache lookups by result.",
	}, []string{"result"})
)
