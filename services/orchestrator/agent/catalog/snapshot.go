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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/AleutianAI/AleutianConductor/services/llm"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/toolid"
)

// Snapshot is one immutable generation of catalog + identity registry.
//
// Description:
//
//	A turn holds a single Snapshot for its whole lifetime. Nothing in a
//	published Snapshot is mutated; a refresh produces a new one.
//
// Thread Safety: Safe for concurrent reads.
type Snapshot struct {
	generation uint64
	byName     map[string]*Descriptor
	ordered    []Descriptor
	registry   *toolid.Registry
	validators map[string]*jsonschema.Schema
	collisions []toolid.Collision
	logger     *slog.Logger
}

func emptySnapshot(logger *slog.Logger) *Snapshot {
	return &Snapshot{
		byName:     make(map[string]*Descriptor),
		registry:   toolid.NewRegistry(logger),
		validators: make(map[string]*jsonschema.Schema),
		logger:     logger,
	}
}

func (s *Snapshot) add(d *Descriptor) {
	s.byName[d.Name] = d
}

func (s *Snapshot) remove(name string) {
	delete(s.byName, name)
}

// finish parses parameter schemas, compiles validators and fixes the order.
func (s *Snapshot) finish() {
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	sort.Strings(names)

	s.ordered = make([]Descriptor, 0, len(names))
	for _, n := range names {
		d := s.byName[n]
		params, err := llm.ParseSchema(d.InputSchema)
		if err != nil {
			s.logger.Warn("tool schema unreadable, treating as argument-free",
				slog.String("tool", n),
				slog.String("error", err.Error()),
			)
			params = &llm.Schema{Type: "object"}
		}
		d.Parameters = params

		if v, err := compileSchema(n, d.InputSchema); err != nil {
			s.logger.Warn("tool schema does not compile, arguments will not be validated",
				slog.String("tool", n),
				slog.String("error", err.Error()),
			)
		} else if v != nil {
			s.validators[n] = v
		}
		s.ordered = append(s.ordered, *d)
	}
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	url := "mem://tools/" + name + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Generation increases by one on every successful refresh.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Registry returns the identity registry bound to this snapshot.
func (s *Snapshot) Registry() *toolid.Registry { return s.registry }

// Descriptors returns all entries sorted by name.
func (s *Snapshot) Descriptors() []Descriptor {
	return append([]Descriptor(nil), s.ordered...)
}

// Len returns the number of entries.
func (s *Snapshot) Len() int { return len(s.ordered) }

// Names returns all canonical names, sorted.
func (s *Snapshot) Names() []string {
	out := make([]string, 0, len(s.ordered))
	for _, d := range s.ordered {
		out = append(out, d.Name)
	}
	return out
}

// Lookup returns the entry for name.
func (s *Snapshot) Lookup(name string) (Descriptor, bool) {
	d, ok := s.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// Has reports whether name is in the catalog.
func (s *Snapshot) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// Collisions lists canonical name collisions seen while building.
func (s *Snapshot) Collisions() []toolid.Collision {
	return append([]toolid.Collision(nil), s.collisions...)
}

// ToolDefs renders the catalog as function declarations.
func (s *Snapshot) ToolDefs() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(s.ordered))
	for _, d := range s.ordered {
		defs = append(defs, llm.ToolDef{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return defs
}

// ValidateArgs checks args against the tool's JSON Schema.
//
// Outputs:
//   - error: Nil when valid or when the tool has no compiled schema.
func (s *Snapshot) ValidateArgs(name string, args map[string]any) error {
	v, ok := s.validators[name]
	if !ok {
		return nil
	}
	// The validator expects values shaped like encoding/json output.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encoding arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decoding arguments: %w", err)
	}
	return v.Validate(doc)
}

// Invoke dispatches a call through the entry's typed handle.
//
// Description:
//
//	Built-ins run in-process. Server tools resolve their canonical name
//	through the registry and call the owning server.
//
// Outputs:
//   - any: The tool's output.
//   - error: agent.ErrToolMappingNotFound kind for unknown names; the
//     tool's own error otherwise.
func (s *Snapshot) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	d, ok := s.byName[name]
	if !ok {
		return nil, &agent.Error{Kind: agent.KindToolMappingNotFound, Tool: name, Msg: "tool is not in the catalog"}
	}
	if args == nil {
		args = map[string]any{}
	}
	return d.invoker.Invoke(ctx, args)
}
