// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package toolid maps a tool's origin identity (server + native method
// name) to the canonical call name shown to the model, and back.
package toolid

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
)

// MaxNameLength is the longest canonical name any provider accepts as a
// function identifier.
const MaxNameLength = 64

// Identity is the true origin of a tool.
type Identity struct {
	Server string `json:"server"`
	Tool   string `json:"tool"`
}

// String renders "server/tool".
func (id Identity) String() string { return id.Server + "/" + id.Tool }

// =============================================================================
// Sanitization
// =============================================================================

// Sanitize coerces s into the canonical name grammar.
//
// Description:
//
//	Applied in order:
//	  1. every rune outside [A-Za-z0-9_] becomes "_"
//	  2. a leading rune that is not a letter or "_" gets a "_" prefix
//	  3. runs of "_" collapse to one
//	  4. the result is cut to MaxNameLength bytes
//
//	The output is always a fixed point: Sanitize(Sanitize(s)) == Sanitize(s).
//	Empty input yields "_".
//
// Thread Safety: Pure function.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 1)
	for _, r := range s {
		if isNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	replaced := b.String()

	if replaced == "" || !isLeadRune(rune(replaced[0])) {
		replaced = "_" + replaced
	}

	b.Reset()
	prevUnderscore := false
	for i := 0; i < len(replaced); i++ {
		c := replaced[i]
		if c == '_' {
			if prevUnderscore {
				continue
			}
			prevUnderscore = true
		} else {
			prevUnderscore = false
		}
		b.WriteByte(c)
	}
	out := b.String()

	if len(out) > MaxNameLength {
		out = out[:MaxNameLength]
	}
	return out
}

// CanonicalName derives the canonical name for (server, tool).
func CanonicalName(server, tool string) string {
	return Sanitize(server + "_" + tool)
}

// Valid reports whether name already satisfies the canonical grammar.
func Valid(name string) bool {
	return name != "" && Sanitize(name) == name
}

// WithSuffix appends "_n" to name, shortening name first so the result
// stays within MaxNameLength and keeps no doubled underscore.
func WithSuffix(name string, n int) string {
	suffix := "_" + strconv.Itoa(n)
	base := name
	if len(base)+len(suffix) > MaxNameLength {
		base = base[:MaxNameLength-len(suffix)]
	}
	base = strings.TrimRight(base, "_")
	return base + suffix
}

func isNameRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func isLeadRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// =============================================================================
// Registry
// =============================================================================

// Collision records one canonical name claimed by two identities.
type Collision struct {
	Canonical string   `json:"canonical"`
	Previous  Identity `json:"previous"`
	Current   Identity `json:"current"`
}

// Registry is the bidirectional canonical name <-> Identity map.
//
// Description:
//
//	Register is last-write-wins: when a second identity sanitizes to a
//	name already taken, the earlier identity stops resolving. Every such
//	overwrite is logged and kept in Collisions so callers can surface it.
//	Callers that need both identities resolvable pick a free name first
//	(see RegisterAs and catalog's suffix policy).
//
//	A Registry is built once per tool-server connect cycle and published
//	inside a catalog snapshot; it is never cleared in place.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	forward    map[string]Identity
	reverse    map[Identity]string
	collisions []Collision
	logger     *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		forward: make(map[string]Identity),
		reverse: make(map[Identity]string),
		logger:  logger,
	}
}

// Register maps (server, tool) to its canonical name and returns it.
func (r *Registry) Register(server, tool string) string {
	name := CanonicalName(server, tool)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(name, Identity{Server: server, Tool: tool})
	return name
}

// RegisterAs maps id to an explicit canonical name.
//
// Outputs:
//   - error: Non-nil when name violates the canonical grammar.
func (r *Registry) RegisterAs(name string, id Identity) error {
	if !Valid(name) {
		return fmt.Errorf("toolid: %q is not a valid canonical name", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(name, id)
	return nil
}

func (r *Registry) put(name string, id Identity) {
	if prev, ok := r.forward[name]; ok && prev != id {
		r.collisions = append(r.collisions, Collision{Canonical: name, Previous: prev, Current: id})
		delete(r.reverse, prev)
		r.logger.Warn("canonical tool name collision, later registration wins",
			slog.String("canonical", name),
			slog.String("previous", prev.String()),
			slog.String("current", id.String()),
		)
	}
	if old, ok := r.reverse[id]; ok && old != name {
		delete(r.forward, old)
	}
	r.forward[name] = id
	r.reverse[id] = name
}

// Resolve returns the identity behind a canonical name.
//
// Outputs:
//   - error: An agent.Error of kind ToolMappingNotFound for unknown names.
//     No fuzzy or prefix matching is attempted.
func (r *Registry) Resolve(name string) (Identity, error) {
	r.mu.RLock()
	id, ok := r.forward[name]
	r.mu.RUnlock()
	if !ok {
		return Identity{}, &agent.Error{Kind: agent.KindToolMappingNotFound, Tool: name, Msg: "no tool registered under this name"}
	}
	return id, nil
}

// Taken reports whether name is registered.
func (r *Registry) Taken(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.forward[name]
	return ok
}

// CanonicalFor returns the canonical name currently mapped to (server, tool).
func (r *Registry) CanonicalFor(server, tool string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.reverse[Identity{Server: server, Tool: tool}]
	return name, ok
}

// Collisions returns every overwrite observed so far, oldest first.
func (r *Registry) Collisions() []Collision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Collision(nil), r.collisions...)
}

// Len returns the number of resolvable names.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forward)
}

// Names returns all canonical names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.forward))
	for n := range r.forward {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
