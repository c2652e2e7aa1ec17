// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator hosts the conductor Service: one tool catalog, one
// set of tool server connections and one fallback controller, exposed over
// HTTP and websocket.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/catalog"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/fallback"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/toolid"
)

var serviceTracer = otel.Tracer("conductor.orchestrator")

// ToolSource is where server tools come from. *toolserver.Manager
// satisfies it.
type ToolSource interface {
	catalog.ToolCaller
	ConnectAll(ctx context.Context) error
	DisconnectAll() error
	ListTools(ctx context.Context) ([]catalog.DiscoveredTool, error)
}

// Dependencies are the collaborators a Service is built from.
type Dependencies struct {
	Controller *fallback.Controller
	// Tools may be nil when no tool servers are configured.
	Tools       ToolSource
	Builtins    []catalog.Builtin
	Flags       catalog.Flags
	Policy      catalog.CollisionPolicy
	DefaultMode fallback.Mode
	WindowTurns int
	// Now stamps the environment of each turn. Defaults to time.Now.
	Now func() time.Time
}

// TurnRequest is one user turn.
type TurnRequest struct {
	Query        string            `json:"query" binding:"required"`
	Mode         string            `json:"mode,omitempty"`
	Conversation []agent.Turn      `json:"conversation,omitempty"`
	Environment  *EnvironmentInput `json:"environment,omitempty"`
}

// EnvironmentInput is the caller-supplied part of agent.Environment.
type EnvironmentInput struct {
	Timezone   string            `json:"timezone,omitempty"`
	Locale     string            `json:"locale,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// TurnResponse is the answer to one turn.
type TurnResponse struct {
	TurnID string        `json:"turn_id"`
	Answer string        `json:"answer"`
	Tier   fallback.Tier `json:"tier,omitempty"`

	Plan      *agent.ExecutionPlan `json:"plan,omitempty"`
	Steps     []agent.StepResult   `json:"steps,omitempty"`
	ToolCalls []agent.StepResult   `json:"tool_calls,omitempty"`

	// Failed is set when Answer is an apology rather than a real answer.
	Failed    bool       `json:"failed,omitempty"`
	ErrorKind agent.Kind `json:"error_kind,omitempty"`

	CatalogGeneration uint64 `json:"catalog_generation"`
	DurationMs        int64  `json:"duration_ms"`
}

// ToolInfo describes one catalog entry for listing.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Origin      toolid.Identity `json:"origin"`
	Builtin     bool            `json:"builtin"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ErrEmptyQuery is returned by Ask for a blank query.
var ErrEmptyQuery = errors.New("query is required")

// Service answers turns for one session.
//
// Description:
//
//	Every turn holds the read lock for its whole duration and reads the
//	catalog snapshot once. Reconnect takes the write lock, so it waits
//	for in-flight turns and blocks new ones until the new snapshot is
//	published. No turn ever sees tool servers mid-reconnect.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	mu          sync.RWMutex
	catalog     *catalog.Catalog
	tools       ToolSource
	builtins    []catalog.Builtin
	flags       catalog.Flags
	controller  *fallback.Controller
	defaultMode fallback.Mode
	windowTurns int
	now         func() time.Time
	logger      *slog.Logger

	// healthMu guards the fields below. Health never takes mu.
	healthMu       sync.Mutex
	lastConnectErr error
	lastRefresh    time.Time
}

// NewService creates a Service. The catalog starts with the built-ins
// only; call Reconnect to bring tool servers in.
func NewService(deps Dependencies, logger *slog.Logger) (*Service, error) {
	if deps.Controller == nil {
		return nil, fmt.Errorf("orchestrator: controller is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.DefaultMode == "" {
		deps.DefaultMode = fallback.ModePlanExecute
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Service{
		catalog:     catalog.New(deps.Policy, logger),
		tools:       deps.Tools,
		builtins:    append([]catalog.Builtin(nil), deps.Builtins...),
		flags:       deps.Flags,
		controller:  deps.Controller,
		defaultMode: deps.DefaultMode,
		windowTurns: deps.WindowTurns,
		now:         deps.Now,
		logger:      logger.With(slog.String("component", "orchestrator")),
	}
	if _, err := s.catalog.Refresh(catalog.Input{Builtins: s.builtins, Flags: s.flags}); err != nil {
		return nil, fmt.Errorf("orchestrator: initial catalog: %w", err)
	}
	return s, nil
}

// Reconnect drops every tool server connection, reconnects, lists tools and
// publishes a new snapshot.
//
// Description:
//
//	Servers that fail to connect or list are left out and the failure is
//	kept for Health; they do not fail the refresh. Only a catalog build
//	error (a collision under the fail policy, a bad built-in) is
//	returned, in which case the previous snapshot stays live.
//
// Outputs:
//   - *catalog.Snapshot: The published snapshot.
//   - error: Catalog build failure.
func (s *Service) Reconnect(ctx context.Context) (*catalog.Snapshot, error) {
	ctx, span := serviceTracer.Start(ctx, "orchestrator.Service.Reconnect")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	in := catalog.Input{Builtins: s.builtins, Flags: s.flags}
	var connectErr error
	if s.tools != nil {
		if err := s.tools.DisconnectAll(); err != nil {
			s.logger.Warn("disconnect before reconnect failed", slog.String("error", err.Error()))
		}
		if err := s.tools.ConnectAll(ctx); err != nil {
			connectErr = err
			s.logger.Warn("some tool servers did not connect", slog.String("error", err.Error()))
		}
		discovered, err := s.tools.ListTools(ctx)
		if err != nil {
			connectErr = errors.Join(connectErr, err)
			s.logger.Warn("some tool servers did not list tools", slog.String("error", err.Error()))
		}
		in.Discovered = discovered
		in.Caller = s.tools
	}

	snap, err := s.catalog.Refresh(in)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("catalog refresh failed, keeping previous tools", slog.String("error", err.Error()))
		return nil, err
	}
	s.healthMu.Lock()
	s.lastConnectErr = connectErr
	s.lastRefresh = s.now()
	s.healthMu.Unlock()
	span.SetAttributes(
		attribute.Int64("generation", int64(snap.Generation())),
		attribute.Int("tools", snap.Len()),
	)
	return snap, nil
}

// Ask answers one turn.
//
// Inputs:
//   - ctx: Context for the turn.
//   - req: Query, optional mode, conversation and environment.
//   - sink: Optional progress listener.
//
// Outputs:
//   - *TurnResponse: Always non-nil unless the request itself is invalid.
//     On failure Answer carries the user-facing apology and Failed is set.
//   - error: The underlying failure, for logging. Never shown to users.
func (s *Service) Ask(ctx context.Context, req TurnRequest, sink agent.ProgressSink) (*TurnResponse, error) {
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}
	mode := s.defaultMode
	if req.Mode != "" {
		m, err := fallback.ParseMode(req.Mode)
		if err != nil {
			return nil, err
		}
		mode = m
	}

	turnID := uuid.NewString()
	ctx, span := serviceTracer.Start(ctx, "orchestrator.Service.Ask",
		trace.WithAttributes(
			attribute.String("turn_id", turnID),
			attribute.String("mode", string(mode)),
		),
	)
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.catalog.Current()
	tc := s.turnContext(req)
	start := time.Now()

	resp := &TurnResponse{TurnID: turnID, CatalogGeneration: snap.Generation()}
	result, err := s.controller.Run(ctx, mode, tc, snap, sink)
	resp.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		span.RecordError(err)
		resp.Answer = agent.UserMessage(err)
		resp.Failed = true
		resp.ErrorKind = agent.KindOf(err)
		s.logger.Warn("turn failed",
			slog.String("turn_id", turnID),
			slog.String("mode", string(mode)),
			slog.String("error", err.Error()),
		)
		return resp, err
	}

	resp.Answer = result.Answer
	resp.Tier = result.Tier
	resp.Plan = result.Plan
	resp.Steps = result.Steps
	resp.ToolCalls = result.ToolCalls
	s.logger.Info("turn answered",
		slog.String("turn_id", turnID),
		slog.String("tier", string(result.Tier)),
		slog.Int64("duration_ms", resp.DurationMs),
	)
	return resp, nil
}

func (s *Service) turnContext(req TurnRequest) *agent.TurnContext {
	env := agent.Environment{Now: s.now()}
	if req.Environment != nil {
		env.Timezone = req.Environment.Timezone
		env.Locale = req.Environment.Locale
		env.Attributes = req.Environment.Attributes
	}
	return &agent.TurnContext{
		Query:        req.Query,
		Conversation: agent.NewConversation(req.Conversation),
		Environment:  env,
		WindowTurns:  s.windowTurns,
	}
}

// Tools lists the current catalog.
func (s *Service) Tools() []ToolInfo {
	snap := s.catalog.Current()
	out := make([]ToolInfo, 0, snap.Len())
	for _, d := range snap.Descriptors() {
		out = append(out, ToolInfo{
			Name:        d.Name,
			Description: d.Description,
			Origin:      d.Origin,
			Builtin:     d.Builtin,
			Schema:      d.InputSchema,
		})
	}
	return out
}

// Snapshot returns the published catalog snapshot.
func (s *Service) Snapshot() *catalog.Snapshot {
	return s.catalog.Current()
}

// Health summarizes connection state.
type Health struct {
	Status            string             `json:"status"`
	Tools             int                `json:"tools"`
	CatalogGeneration uint64             `json:"catalog_generation"`
	Collisions        []toolid.Collision `json:"collisions,omitempty"`
	LastRefresh       time.Time          `json:"last_refresh,omitempty"`
	ConnectError      string             `json:"connect_error,omitempty"`
}

// Health reports "ok", or "degraded" when the last reconnect left some
// tool servers out.
func (s *Service) Health() Health {
	s.healthMu.Lock()
	connectErr, lastRefresh := s.lastConnectErr, s.lastRefresh
	s.healthMu.Unlock()

	snap := s.catalog.Current()
	h := Health{
		Status:            "ok",
		Tools:             snap.Len(),
		CatalogGeneration: snap.Generation(),
		Collisions:        snap.Collisions(),
		LastRefresh:       lastRefresh,
	}
	if connectErr != nil {
		h.Status = "degraded"
		h.ConnectError = connectErr.Error()
	}
	return h
}

// Close disconnects every tool server.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tools == nil {
		return nil
	}
	return s.tools.DisconnectAll()
}
