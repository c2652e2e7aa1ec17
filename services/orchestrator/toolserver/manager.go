// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package toolserver manages connections to external MCP tool servers and
// gives the catalog a single CallTool entry point into all of them.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/catalog"
)

// Transport names how a tool server is reached.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
	TransportHTTP  Transport = "http"
)

const (
	// DefaultConnectTimeout bounds dialing plus the initialize handshake.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultCallTimeout bounds a single tool call.
	DefaultCallTimeout = 60 * time.Second

	clientName    = "aleutian-conductor"
	clientVersion = "0.1.0"
)

// ErrNotConnected is returned by CallTool for a server with no session.
var ErrNotConnected = errors.New("tool server is not connected")

// ServerConfig describes one tool server.
type ServerConfig struct {
	Name      string            `yaml:"name" json:"name" validate:"required"`
	Transport Transport         `yaml:"transport" json:"transport" validate:"required,oneof=stdio sse http"`
	Command   string            `yaml:"command,omitempty" json:"command,omitempty" validate:"required_if=Transport stdio"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL       string            `yaml:"url,omitempty" json:"url,omitempty" validate:"required_unless=Transport stdio"`
}

// Session is the part of an MCP client the manager uses. *client.Client
// satisfies it.
type Session interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// DialFunc opens a session to one server. The manager performs the
// initialize handshake itself.
//
// ctx lives as long as the session: long-lived transports (the SSE event
// stream, streamable-HTTP notifications) are bound to it. The manager
// cancels it on disconnect.
type DialFunc func(ctx context.Context, cfg ServerConfig) (Session, error)

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the mcp-go transport dialer.
func WithDialer(dial DialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

// WithTimeouts overrides the connect and call timeouts. Zero keeps the
// default.
func WithTimeouts(connect, call time.Duration) Option {
	return func(m *Manager) {
		if connect > 0 {
			m.connectTimeout = connect
		}
		if call > 0 {
			m.callTimeout = call
		}
	}
}

// Manager owns the sessions to every configured tool server.
//
// Description:
//
//	ConnectAll dials servers in parallel; it is only ever called while
//	the owning Service holds its write lock, so plan execution never
//	overlaps a connect cycle. A server that fails to connect is skipped
//	and reported; the others stay usable.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	mu             sync.RWMutex
	servers        []ServerConfig
	sessions       map[string]Session
	cancels        map[string]context.CancelFunc
	dial           DialFunc
	connectTimeout time.Duration
	callTimeout    time.Duration
	logger         *slog.Logger
}

// NewManager creates a Manager for servers. Nothing is dialed yet.
func NewManager(servers []ServerConfig, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		servers:        append([]ServerConfig(nil), servers...),
		sessions:       make(map[string]Session),
		cancels:        make(map[string]context.CancelFunc),
		dial:           Dial,
		connectTimeout: DefaultConnectTimeout,
		callTimeout:    DefaultCallTimeout,
		logger:         logger.With(slog.String("component", "toolserver")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetServers replaces the server list used by the next ConnectAll.
func (m *Manager) SetServers(servers []ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers = append([]ServerConfig(nil), servers...)
}

// Dial opens an mcp-go client for cfg. SSE and streamable-HTTP clients are
// started with ctx, which must stay live for the session's lifetime.
func Dial(ctx context.Context, cfg ServerConfig) (Session, error) {
	switch cfg.Transport {
	case TransportStdio:
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)
		c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
		if err != nil {
			return nil, err
		}
		return c, nil
	case TransportSSE:
		c, err := client.NewSSEMCPClient(cfg.URL)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	case TransportHTTP:
		c, err := client.NewStreamableHttpClient(cfg.URL)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// =============================================================================
// Connection lifecycle
// =============================================================================

// ConnectAll dials every configured server that is not yet connected.
//
// Outputs:
//   - error: Joined per-server failures, nil when all connected. Servers
//     that did connect are usable either way.
func (m *Manager) ConnectAll(ctx context.Context) error {
	ctx, span := toolserverTracer.Start(ctx, "toolserver.Manager.ConnectAll")
	defer span.End()

	m.mu.RLock()
	var pending []ServerConfig
	for _, s := range m.servers {
		if _, ok := m.sessions[s.Name]; !ok {
			pending = append(pending, s)
		}
	}
	m.mu.RUnlock()

	var (
		resultsMu sync.Mutex
		connected = make(map[string]Session, len(pending))
		cancels   = make(map[string]context.CancelFunc, len(pending))
		failures  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, cfg := range pending {
		g.Go(func() error {
			sess, cancel, err := m.connect(gctx, cfg)
			resultsMu.Lock()
			defer resultsMu.Unlock()
			if err != nil {
				failures = append(failures, fmt.Errorf("%s: %w", cfg.Name, err))
				return nil
			}
			connected[cfg.Name] = sess
			cancels[cfg.Name] = cancel
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	for name, sess := range connected {
		m.sessions[name] = sess
		m.cancels[name] = cancels[name]
	}
	total := len(m.sessions)
	m.mu.Unlock()

	connectedServers.Set(float64(total))
	span.SetAttributes(attribute.Int("connected", total), attribute.Int("failed", len(failures)))
	if len(failures) > 0 {
		err := errors.Join(failures...)
		span.RecordError(err)
		span.SetStatus(codes.Error, "some tool servers failed to connect")
		return err
	}
	return nil
}

// connect dials cfg and runs the initialize handshake.
//
// Description:
//
//	The session runs under its own context, detached from ctx's
//	cancellation, so the transport outlives ConnectAll. Only the
//	handshake is bounded by the connect timeout.
//
// Outputs:
//   - Session: The initialized session.
//   - context.CancelFunc: Ends the session's transport context.
//   - error: Dial or initialize failure; the session context is already
//     cancelled.
func (m *Manager) connect(ctx context.Context, cfg ServerConfig) (Session, context.CancelFunc, error) {
	sessCtx, sessCancel := context.WithCancel(context.WithoutCancel(ctx))

	start := time.Now()
	sess, err := m.dialWithTimeout(ctx, sessCtx, cfg)
	if err != nil {
		sessCancel()
		connectsTotal.WithLabelValues("error").Inc()
		m.logger.Warn("tool server dial failed",
			slog.String("server", cfg.Name),
			slog.String("transport", string(cfg.Transport)),
			slog.String("error", err.Error()),
		)
		return nil, nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	info, err := sess.Initialize(initCtx, req)
	if err != nil {
		_ = sess.Close()
		sessCancel()
		connectsTotal.WithLabelValues("error").Inc()
		m.logger.Warn("tool server initialize failed",
			slog.String("server", cfg.Name),
			slog.String("error", err.Error()),
		)
		return nil, nil, fmt.Errorf("initialize: %w", err)
	}

	connectsTotal.WithLabelValues("success").Inc()
	attrs := []any{
		slog.String("server", cfg.Name),
		slog.String("transport", string(cfg.Transport)),
		slog.Duration("duration", time.Since(start)),
	}
	if info != nil {
		attrs = append(attrs, slog.String("server_name", info.ServerInfo.Name))
	}
	m.logger.Info("tool server connected", attrs...)
	return sess, sessCancel, nil
}

type dialResult struct {
	sess Session
	err  error
}

// dialWithTimeout runs the dialer under sessCtx and gives up after the
// connect timeout or when ctx ends. A session that arrives after giving
// up is closed.
func (m *Manager) dialWithTimeout(ctx, sessCtx context.Context, cfg ServerConfig) (Session, error) {
	done := make(chan dialResult, 1)
	go func() {
		sess, err := m.dial(sessCtx, cfg)
		done <- dialResult{sess: sess, err: err}
	}()

	timer := time.NewTimer(m.connectTimeout)
	defer timer.Stop()
	var giveUp error
	select {
	case r := <-done:
		return r.sess, r.err
	case <-timer.C:
		giveUp = fmt.Errorf("dial: %w", context.DeadlineExceeded)
	case <-ctx.Done():
		giveUp = fmt.Errorf("dial: %w", ctx.Err())
	}
	go func() {
		if r := <-done; r.sess != nil {
			_ = r.sess.Close()
		}
	}()
	return nil, giveUp
}

// DisconnectAll closes every session.
func (m *Manager) DisconnectAll() error {
	m.mu.Lock()
	sessions, cancels := m.sessions, m.cancels
	m.sessions = make(map[string]Session)
	m.cancels = make(map[string]context.CancelFunc)
	m.mu.Unlock()

	var errs []error
	for name, sess := range sessions {
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			m.logger.Warn("tool server close failed",
				slog.String("server", name),
				slog.String("error", err.Error()),
			)
		}
		if cancel := cancels[name]; cancel != nil {
			cancel()
		}
	}
	connectedServers.Set(0)
	return errors.Join(errs...)
}

// Connected returns the names of connected servers, sorted.
func (m *Manager) Connected() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sessions))
	for n := range m.sessions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Discovery and calls
// =============================================================================

// ListTools lists the tools of every connected server.
//
// Outputs:
//   - []catalog.DiscoveredTool: Tools ordered by server then name.
//   - error: Joined per-server listing failures. Tools from servers that
//     answered are still returned.
func (m *Manager) ListTools(ctx context.Context) ([]catalog.DiscoveredTool, error) {
	m.mu.RLock()
	sessions := make(map[string]Session, len(m.sessions))
	for n, s := range m.sessions {
		sessions[n] = s
	}
	m.mu.RUnlock()

	names := make([]string, 0, len(sessions))
	for n := range sessions {
		names = append(names, n)
	}
	sort.Strings(names)

	var (
		tools []catalog.DiscoveredTool
		errs  []error
	)
	for _, server := range names {
		lctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
		res, err := sessions[server].ListTools(lctx, mcp.ListToolsRequest{})
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: list tools: %w", server, err))
			continue
		}
		for _, t := range res.Tools {
			schema, err := inputSchema(t)
			if err != nil {
				m.logger.Warn("tool schema not serializable",
					slog.String("server", server),
					slog.String("tool", t.Name),
					slog.String("error", err.Error()),
				)
			}
			tools = append(tools, catalog.DiscoveredTool{
				Server:      server,
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
			})
		}
		m.logger.Debug("tools listed",
			slog.String("server", server),
			slog.Int("count", len(res.Tools)),
		)
	}
	return tools, errors.Join(errs...)
}

func inputSchema(t mcp.Tool) (json.RawMessage, error) {
	if len(t.RawInputSchema) > 0 {
		return t.RawInputSchema, nil
	}
	b, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// CallTool invokes tool on server by its native name.
//
// Description:
//
//	Text content blocks are joined with newlines. When the joined text
//	is a JSON document it is returned as json.RawMessage, otherwise as a
//	string. A result flagged IsError becomes an error carrying its text.
//
// Outputs:
//   - any: json.RawMessage or string.
//   - error: ErrNotConnected, a transport error, or the tool's own error.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	ctx, span := toolserverTracer.Start(ctx, "toolserver.Manager.CallTool",
		trace.WithAttributes(
			attribute.String("server", server),
			attribute.String("tool", tool),
		),
	)
	defer span.End()

	m.mu.RLock()
	sess, ok := m.sessions[server]
	m.mu.RUnlock()
	if !ok {
		callsTotal.WithLabelValues(server, "not_connected").Inc()
		return nil, fmt.Errorf("%s: %w", server, ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	start := time.Now()
	res, err := sess.CallTool(ctx, req)
	callDuration.WithLabelValues(server).Observe(time.Since(start).Seconds())
	if err != nil {
		callsTotal.WithLabelValues(server, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "call failed")
		return nil, fmt.Errorf("%s/%s: %w", server, tool, err)
	}

	if res == nil {
		callsTotal.WithLabelValues(server, "error").Inc()
		err := fmt.Errorf("%s/%s: empty result", server, tool)
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty result")
		return nil, err
	}

	text := resultText(res)
	if res.IsError {
		callsTotal.WithLabelValues(server, "tool_error").Inc()
		if text == "" {
			text = "tool reported an error"
		}
		err := errors.New(text)
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool error")
		return nil, err
	}

	callsTotal.WithLabelValues(server, "success").Inc()
	trimmed := strings.TrimSpace(text)
	if trimmed != "" && json.Valid([]byte(trimmed)) && (trimmed[0] == '{' || trimmed[0] == '[') {
		return json.RawMessage(trimmed), nil
	}
	return text, nil
}

func resultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Manager is the catalog's route to server tools.
var _ catalog.ToolCaller = (*Manager)(nil)
