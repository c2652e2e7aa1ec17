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
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/catalog"
)

const (
	// LightToolName and DeepToolName are the catalog names of the two
	// variants.
	LightToolName = "web_search"
	DeepToolName  = "web_search_deep"

	// FlagLight and FlagDeep are the feature flags that enable them.
	FlagLight = "light_search"
	FlagDeep  = "heavy_search"
)

const searchArgsSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Search terms, as you would type them into a search engine"},
    "max_results": {"type": "integer", "minimum": 1, "maximum": 10, "description": "How many results to return"}
  },
  "required": ["query"]
}`

// Builtins returns the catalog entries for both search variants. Each is
// included only when its flag is set.
func Builtins(s *Searcher) []catalog.Builtin {
	return []catalog.Builtin{
		{
			Name: LightToolName,
			Description: "Search the web and return a title, link and short snippet for each result. " +
				"Fast and cheap; use it for facts a snippet can answer or to find where something is.",
			InputSchema: json.RawMessage(searchArgsSchema),
			EnabledBy:   FlagLight,
			Invoker:     catalog.InvokerFunc(s.invokeLight),
		},
		{
			Name: DeepToolName,
			Description: "Search the web and also download the top result pages, returning their full text. " +
				"Slow and expensive; use it only when the answer needs the content of the pages, not just snippets.",
			InputSchema: json.RawMessage(searchArgsSchema),
			EnabledBy:   FlagDeep,
			Invoker:     catalog.InvokerFunc(s.invokeDeep),
		},
	}
}

func (s *Searcher) invokeLight(ctx context.Context, args map[string]any) (any, error) {
	query, max, err := searchArgs(args)
	if err != nil {
		return nil, err
	}
	return s.Light(ctx, query, max)
}

func (s *Searcher) invokeDeep(ctx context.Context, args map[string]any) (any, error) {
	query, max, err := searchArgs(args)
	if err != nil {
		return nil, err
	}
	return s.Deep(ctx, query, max)
}

func searchArgs(args map[string]any) (string, int, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", 0, ErrEmptyQuery
	}
	var max int
	switch v := args["max_results"].(type) {
	case nil:
	case float64:
		if v != math.Trunc(v) {
			return "", 0, fmt.Errorf("max_results must be an integer, got %v", v)
		}
		max = int(v)
	case int:
		max = v
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return "", 0, fmt.Errorf("max_results: %w", err)
		}
		max = int(n)
	default:
		return "", 0, fmt.Errorf("max_results must be an integer, got %T", v)
	}
	return query, max, nil
}
