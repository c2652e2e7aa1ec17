// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// catalogTools is the size of the live catalog.
	//
	// Labels:
	//   - origin: "builtin" or "server"
	catalogTools = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "catalog",
			Name:      "tools",
			Help:      "Number of tools in the live catalog.",
		},
		[]string{"origin"},
	)

	catalogGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "catalog",
			Name:      "generation",
			Help:      "Generation number of the live catalog snapshot.",
		},
	)

	catalogCollisionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "catalog",
			Name:      "name_collisions_total",
			Help:      "Canonical tool name collisions observed across refreshes.",
		},
	)
)

func recordCatalogMetrics(s *Snapshot) {
	builtins, servers := 0, 0
	for _, d := range s.ordered {
		if d.Builtin {
			builtins++
		} else {
			servers++
		}
	}
	catalogTools.WithLabelValues("builtin").Set(float64(builtins))
	catalogTools.WithLabelValues("server").Set(float64(servers))
	catalogGeneration.Set(float64(s.generation))
	catalogCollisionsTotal.Add(float64(len(s.collisions)))
}
