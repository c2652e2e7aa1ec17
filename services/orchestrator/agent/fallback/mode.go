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
	"fmt"
	"strings"
)

// Mode is the caller's choice of top-level strategy.
type Mode string

const (
	// ModePlanExecute plans, executes and synthesizes, falling back to
	// function calling once if that fails.
	ModePlanExecute Mode = "plan_execute"
	// ModeFunctionCalling runs the function-calling loop only.
	ModeFunctionCalling Mode = "function_calling"
	// ModeDirect answers without tools.
	ModeDirect Mode = "direct"
)

// Tier names the strategy that produced an answer.
type Tier string

const (
	TierPlanExecute     Tier = "plan_execute"
	TierNoTools         Tier = "plan_no_tools"
	TierFunctionCalling Tier = "function_calling"
	TierDirect          Tier = "direct"
)

// ParseMode accepts a Mode value or its short CLI alias.
//
// Outputs:
//   - Mode: ModePlanExecute for empty input.
//   - error: Non-nil for an unknown mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "plan", string(ModePlanExecute):
		return ModePlanExecute, nil
	case "functions", "function", string(ModeFunctionCalling):
		return ModeFunctionCalling, nil
	case "direct", "none", "no_tools":
		return ModeDirect, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want plan, functions or direct)", s)
	}
}
