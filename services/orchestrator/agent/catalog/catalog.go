// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog assembles the tool catalog the planner sees: tools
// discovered on connected tool servers plus flag-gated built-ins, bound
// together with the identity registry into one immutable Snapshot.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianConductor/services/llm"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/toolid"
)

// BuiltinServer is the Identity.Server value of built-in tools.
const BuiltinServer = "builtin"

// Invoker is the typed invocation handle carried by every catalog entry.
type Invoker interface {
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, args map[string]any) (any, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// ToolCaller reaches a tool on a connected tool server by its native name.
type ToolCaller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error)
}

// DiscoveredTool is one tool listed by a tool server.
type DiscoveredTool struct {
	Server      string
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Builtin is a synthetic tool dispatched in-process.
type Builtin struct {
	// Name must already be a valid canonical name.
	Name        string
	Description string
	InputSchema json.RawMessage
	// EnabledBy names the feature flag that includes this tool. Empty
	// means always included.
	EnabledBy string
	Invoker   Invoker
}

// Flags are feature flags keyed by name.
type Flags map[string]bool

// Input is everything a refresh is computed from.
type Input struct {
	Discovered []DiscoveredTool
	Builtins   []Builtin
	Flags      Flags
	// Caller dispatches server tools. May be nil when Discovered is empty.
	Caller ToolCaller
}

// CollisionPolicy decides what happens when two server tools sanitize to
// the same canonical name.
type CollisionPolicy string

const (
	// PolicyOverwrite keeps the registry's last-write-wins behavior; the
	// earlier tool disappears from the catalog.
	PolicyOverwrite CollisionPolicy = "overwrite"
	// PolicySuffix renames the later tool to name_2, name_3, ... so both
	// stay callable.
	PolicySuffix CollisionPolicy = "suffix"
	// PolicyFail rejects the refresh.
	PolicyFail CollisionPolicy = "fail"
)

// Descriptor is one immutable catalog entry.
type Descriptor struct {
	Name        string
	Description string
	Parameters  *llm.Schema
	InputSchema json.RawMessage
	Origin      toolid.Identity
	Builtin     bool

	invoker Invoker
}

// =============================================================================
// Catalog
// =============================================================================

// Catalog holds the live Snapshot and swaps it atomically on refresh.
//
// Description:
//
//	Readers call Current once per turn and keep that pointer for the
//	whole turn. Refresh builds the next snapshot off to the side and
//	publishes it with a single pointer store, so a reader sees either
//	the old catalog and registry or the new pair, never a mix.
//
// Thread Safety: Safe for concurrent use. Refreshes are serialized.
type Catalog struct {
	current    atomic.Pointer[Snapshot]
	generation atomic.Uint64
	refreshMu  sync.Mutex
	policy     CollisionPolicy
	logger     *slog.Logger
}

// New creates a Catalog holding an empty snapshot.
func New(policy CollisionPolicy, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == "" {
		policy = PolicySuffix
	}
	c := &Catalog{policy: policy, logger: logger}
	c.current.Store(emptySnapshot(logger))
	return c
}

// Current returns the published snapshot. Never nil.
func (c *Catalog) Current() *Snapshot {
	return c.current.Load()
}

// Refresh rebuilds the catalog from in and publishes it.
//
// Description:
//
//	Idempotent: the same Input always yields a snapshot with the same
//	descriptors and registry contents. On error the previous snapshot
//	stays live.
//
// Outputs:
//   - *Snapshot: The newly published snapshot.
//   - error: Non-nil for an invalid built-in or, under PolicyFail, a
//     canonical name collision.
func (c *Catalog) Refresh(in Input) (*Snapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	snap, err := Build(in, c.policy, c.logger)
	if err != nil {
		return nil, err
	}
	snap.generation = c.generation.Add(1)
	c.current.Store(snap)

	recordCatalogMetrics(snap)
	c.logger.Info("tool catalog refreshed",
		slog.Uint64("generation", snap.generation),
		slog.Int("tools", len(snap.byName)),
		slog.Int("collisions", len(snap.collisions)),
	)
	return snap, nil
}

// Build computes a snapshot without publishing it.
func Build(in Input, policy CollisionPolicy, logger *slog.Logger) (*Snapshot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	snap := emptySnapshot(logger)
	reg := snap.registry

	for _, b := range in.Builtins {
		if b.EnabledBy != "" && !in.Flags[b.EnabledBy] {
			continue
		}
		if !toolid.Valid(b.Name) {
			return nil, fmt.Errorf("catalog: built-in name %q is not canonical", b.Name)
		}
		if b.Invoker == nil {
			return nil, fmt.Errorf("catalog: built-in %q has no invoker", b.Name)
		}
		if _, dup := snap.byName[b.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate built-in %q", b.Name)
		}
		snap.add(&Descriptor{
			Name:        b.Name,
			Description: b.Description,
			InputSchema: b.InputSchema,
			Origin:      toolid.Identity{Server: BuiltinServer, Tool: b.Name},
			Builtin:     true,
			invoker:     b.Invoker,
		})
	}

	discovered := append([]DiscoveredTool(nil), in.Discovered...)
	sort.SliceStable(discovered, func(i, j int) bool {
		if discovered[i].Server != discovered[j].Server {
			return discovered[i].Server < discovered[j].Server
		}
		return discovered[i].Name < discovered[j].Name
	})
	if len(discovered) > 0 && in.Caller == nil {
		return nil, fmt.Errorf("catalog: %d server tools but no tool caller", len(discovered))
	}

	var suffixed []toolid.Collision
	for _, d := range discovered {
		id := toolid.Identity{Server: d.Server, Tool: d.Name}
		name := toolid.CanonicalName(d.Server, d.Name)

		existing, taken := snap.byName[name]
		if taken && existing.Origin == id {
			continue
		}
		if taken {
			collision := toolid.Collision{Canonical: name, Previous: existing.Origin, Current: id}
			switch {
			case policy == PolicyFail:
				return nil, fmt.Errorf("catalog: %s and %s both map to %q", existing.Origin, id, name)
			case policy == PolicyOverwrite && !existing.Builtin:
				snap.remove(name)
			default:
				name = freeName(snap, name)
				suffixed = append(suffixed, collision)
				logger.Warn("canonical tool name collision, renamed later tool",
					slog.String("canonical", collision.Canonical),
					slog.String("previous", collision.Previous.String()),
					slog.String("current", id.String()),
					slog.String("renamed_to", name),
				)
			}
		}

		if err := reg.RegisterAs(name, id); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		snap.add(&Descriptor{
			Name:        name,
			Description: d.Description,
			InputSchema: d.InputSchema,
			Origin:      id,
			invoker:     &serverInvoker{registry: reg, name: name, caller: in.Caller},
		})
	}

	snap.collisions = append(reg.Collisions(), suffixed...)
	snap.finish()
	return snap, nil
}

func freeName(snap *Snapshot, name string) string {
	for n := 2; ; n++ {
		candidate := toolid.WithSuffix(name, n)
		if _, taken := snap.byName[candidate]; !taken {
			return candidate
		}
	}
}

// serverInvoker resolves its canonical name through the registry on every
// call; the registry is the only path from a model-visible name to a
// tool server.
type serverInvoker struct {
	registry *toolid.Registry
	name     string
	caller   ToolCaller
}

func (s *serverInvoker) Invoke(ctx context.Context, args map[string]any) (any, error) {
	id, err := s.registry.Resolve(s.name)
	if err != nil {
		return nil, err
	}
	return s.caller.CallTool(ctx, id.Server, id.Tool, args)
}
