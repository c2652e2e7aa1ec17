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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
)

// ErrNoJSON is returned when a reply contains no JSON object.
var ErrNoJSON = errors.New("no JSON object found in response")

// ParseJSON decodes the JSON object in a model reply into v.
//
// Description:
//
//	Structured output is advisory, so replies sometimes arrive wrapped in
//	a markdown fence or with a sentence before or after the object. The
//	span from the first "{" to the last "}" is decoded.
//
// Outputs:
//   - error: ErrNoJSON when there is no object; the decode error otherwise.
func ParseJSON(reply string, v any) error {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.TrimPrefix(reply, "```")
	reply = strings.TrimSuffix(reply, "```")
	reply = strings.TrimSpace(reply)

	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start == -1 || end == -1 || end <= start {
		return fmt.Errorf("%w: %s", ErrNoJSON, agent.Truncate(reply, 100))
	}

	raw := reply[start : end+1]
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w, response: %s", err, agent.Truncate(raw, 100))
	}
	return nil
}
