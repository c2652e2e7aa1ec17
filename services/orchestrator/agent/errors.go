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
	"errors"
	"fmt"
	"strings"
)

// Kind classifies orchestration failures.
type Kind string

const (
	KindPlanningFailed          Kind = "planning_failed"
	KindInvalidToolReference    Kind = "invalid_tool_reference"
	KindInvalidToolCallDecision Kind = "invalid_tool_call_decision"
	KindToolMappingNotFound     Kind = "tool_mapping_not_found"
	KindToolExecution           Kind = "tool_execution_error"
	KindSynthesisFailed         Kind = "synthesis_failed"
	KindModelUnavailable        Kind = "model_unavailable"
)

// Error is the single error type of the orchestration core.
//
// Description:
//
//	Step and Tool are set when the failure is tied to a plan step. Err is
//	the underlying cause. errors.Is matches on Kind alone, so the package
//	sentinels below work against any Error of the same kind:
//
//	    if errors.Is(err, agent.ErrToolMappingNotFound) { ... }
type Error struct {
	Kind Kind
	Step int
	Tool string
	Msg  string
	Err  error
}

// Sentinels for errors.Is.
var (
	ErrPlanningFailed          = &Error{Kind: KindPlanningFailed}
	ErrInvalidToolReference    = &Error{Kind: KindInvalidToolReference}
	ErrInvalidToolCallDecision = &Error{Kind: KindInvalidToolCallDecision}
	ErrToolMappingNotFound     = &Error{Kind: KindToolMappingNotFound}
	ErrToolExecution           = &Error{Kind: KindToolExecution}
	ErrSynthesisFailed         = &Error{Kind: KindSynthesisFailed}
	ErrModelUnavailable        = &Error{Kind: KindModelUnavailable}
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Step > 0 {
		fmt.Fprintf(&b, " (step %d", e.Step)
		if e.Tool != "" {
			fmt.Fprintf(&b, ", tool %q", e.Tool)
		}
		b.WriteString(")")
	} else if e.Tool != "" {
		fmt.Fprintf(&b, " (tool %q)", e.Tool)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError builds an *Error without step context.
func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// StepError builds an *Error tied to a plan step.
func StepError(kind Kind, step int, tool, msg string, cause error) *Error {
	return &Error{Kind: kind, Step: step, Tool: tool, Msg: msg, Err: cause}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or ""
// when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// =============================================================================
// User-facing messages
// =============================================================================

// User-visible failure messages. They never contain error detail.
const (
	MessageModelUnreachable = "Sorry, I couldn't reach the language model right now. Please try again in a moment."
	MessageToolFailed       = "Sorry, one of the tools I needed failed, so I couldn't finish answering your request."
	MessageNoAnswer         = "Sorry, I wasn't able to produce an answer to that."
)

// UserMessage maps a failed turn's error to one of the three user-visible
// messages: model unreachable, tool failed, or no answer.
//
// Model reachability wins over tool failure when both appear in the chain.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return MessageNoAnswer
	case errors.Is(err, ErrModelUnavailable):
		return MessageModelUnreachable
	case errors.Is(err, ErrToolExecution), errors.Is(err, ErrToolMappingNotFound):
		return MessageToolFailed
	default:
		return MessageNoAnswer
	}
}
