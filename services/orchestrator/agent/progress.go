// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"log/slog"
)

// Progress statuses.
const (
	StatusPlanning      = "planning"
	StatusPlanReady     = "plan_ready"
	StatusStepRunning   = "step_running"
	StatusStepCompleted = "step_completed"
	StatusStepFailed    = "step_failed"
	StatusSynthesizing  = "synthesizing"
	StatusFallback      = "fallback"
	StatusCompleted     = "completed"
)

// PreviewChars bounds ProgressEvent.ToolResult.
const PreviewChars = 200

// ProgressEvent is a fire-and-forget status notification.
type ProgressEvent struct {
	Status                 string   `json:"status,omitempty"`
	Plan                   []string `json:"plan,omitempty"`
	CurrentStep            int      `json:"currentStep,omitempty"`
	TotalSteps             int      `json:"totalSteps,omitempty"`
	CurrentStepDescription string   `json:"currentStepDescription,omitempty"`
	ToolUsed               string   `json:"toolUsed,omitempty"`
	ToolResult             string   `json:"toolResult,omitempty"`
}

// ProgressSink receives progress events. A nil sink is valid and drops
// every event.
type ProgressSink func(ProgressEvent)

// Emit delivers ev to the sink. A panicking listener is logged and
// otherwise ignored; it never affects the turn.
func (s ProgressSink) Emit(ev ProgressEvent) {
	if s == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("progress listener panicked",
				slog.String("status", ev.Status),
				slog.Any("panic", r),
			)
		}
	}()
	s(ev)
}
