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
	"fmt"
	"sort"
	"strings"
	"time"
)

// Turn is one prior message in the conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is a read-only view over prior turns, oldest first.
//
// Description:
//
//	The orchestrator never appends to or truncates the log; persistence
//	belongs to the caller. Window returns copies.
//
// Thread Safety: Safe for concurrent reads.
type Conversation struct {
	turns []Turn
}

// NewConversation copies turns into a Conversation.
func NewConversation(turns []Turn) Conversation {
	return Conversation{turns: append([]Turn(nil), turns...)}
}

// Len returns the number of turns.
func (c Conversation) Len() int { return len(c.turns) }

// Window returns the most recent n turns. n <= 0 returns nothing.
func (c Conversation) Window(n int) []Turn {
	if n <= 0 || len(c.turns) == 0 {
		return nil
	}
	start := len(c.turns) - n
	if start < 0 {
		start = 0
	}
	return append([]Turn(nil), c.turns[start:]...)
}

// Render formats the last n turns as "role: content" lines for a prompt.
func (c Conversation) Render(n int) string {
	window := c.Window(n)
	if len(window) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range window {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Environment describes the caller's surroundings at the time of the turn.
type Environment struct {
	Now        time.Time         `json:"now"`
	Timezone   string            `json:"timezone,omitempty"`
	Locale     string            `json:"locale,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Render formats the environment as "key: value" lines, attributes sorted.
func (e Environment) Render() string {
	var lines []string
	if !e.Now.IsZero() {
		now := e.Now
		if e.Timezone != "" {
			if loc, err := time.LoadLocation(e.Timezone); err == nil {
				now = now.In(loc)
			}
		}
		lines = append(lines, "Current time: "+now.Format(time.RFC1123))
	}
	if e.Timezone != "" {
		lines = append(lines, "Timezone: "+e.Timezone)
	}
	if e.Locale != "" {
		lines = append(lines, "Locale: "+e.Locale)
	}
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, e.Attributes[k]))
	}
	return strings.Join(lines, "\n")
}

// DefaultWindowTurns is how many recent turns prompts include when a
// TurnContext does not say.
const DefaultWindowTurns = 10

// TurnContext is everything one user turn is answered from.
//
// Thread Safety: Read-only once built; safe to share across phases.
type TurnContext struct {
	Query        string
	Conversation Conversation
	Environment  Environment

	// WindowTurns caps the conversation turns rendered into prompts.
	WindowTurns int
}

// History renders the windowed conversation.
func (tc *TurnContext) History() string {
	n := tc.WindowTurns
	if n <= 0 {
		n = DefaultWindowTurns
	}
	return tc.Conversation.Render(n)
}
