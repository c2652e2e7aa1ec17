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
	"regexp"
)

type redactionPattern struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// redactionPatterns is applied in order. OpenAI project keys (sk-proj-)
// must precede the generic sk- pattern or they are only half redacted.
var redactionPatterns = []redactionPattern{
	{
		Pattern:     regexp.MustCompile(`sk-proj-[A-Za-z0-9_-]{20,}`),
		Replacement: "[REDACTED:openai_key]",
	},
	{
		Pattern:     regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		Replacement: "[REDACTED:openai_key]",
	},
	{
		Pattern:     regexp.MustCompile(`AIza[A-Za-z0-9_-]{30,}`),
		Replacement: "[REDACTED:gemini_key]",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)x-goog-api-key:\s*\S+`),
		Replacement: "x-goog-api-key: [REDACTED]",
	},
	{
		Pattern:     regexp.MustCompile(`Bearer\s+[A-Za-z0-9._-]{10,}`),
		Replacement: "[REDACTED:bearer_token]",
	},
	{
		Pattern:     regexp.MustCompile(`key=[A-Za-z0-9._-]{10,}`),
		Replacement: "key=[REDACTED]",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)(token|secret|password)=[^\s&]{3,}`),
		Replacement: "${1}=[REDACTED]",
	},
}

// SafeLogString redacts provider keys and credentials from a string before
// it is logged or wrapped into an error.
//
// Description:
//
//	Provider error bodies sometimes echo the request URL or headers, and
//	tool server env blocks carry tokens. Every match is replaced with a
//	labeled placeholder so the reader knows what kind of secret was there.
//
// Inputs:
//   - s: Any single-line string. Empty input returns empty output.
//
// Outputs:
//   - string: s with all matched secrets replaced.
//
// Limitations:
//   - Pattern based. Keys with an unknown format are not caught.
//
// Thread Safety: This function is safe for concurrent use.
func SafeLogString(s string) string {
	if s == "" {
		return s
	}
	for _, p := range redactionPatterns {
		s = p.Pattern.ReplaceAllString(s, p.Replacement)
	}
	return s
}
