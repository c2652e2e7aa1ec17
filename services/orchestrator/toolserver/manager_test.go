// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/catalog"
)

// fakeSession is a scripted MCP session.
type fakeSession struct {
	mu        sync.Mutex
	tools     []mcp.Tool
	result    *mcp.CallToolResult
	callErr   error
	initErr   error
	closed    bool
	lastCall  mcp.CallToolRequest
	callCount int
}

func (f *fakeSession) Initialize(context.Context, mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &mcp.InitializeResult{ServerInfo: mcp.Implementation{Name: "fake", Version: "1"}}, nil
}

func (f *fakeSession) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeSession) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = req
	f.callCount++
	return f.result, f.callErr
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func dialerFor(sessions map[string]*fakeSession) DialFunc {
	return func(_ context.Context, cfg ServerConfig) (Session, error) {
		s, ok := sessions[cfg.Name]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return s, nil
	}
}

func servers(names ...string) []ServerConfig {
	out := make([]ServerConfig, 0, len(names))
	for _, n := range names {
		out = append(out, ServerConfig{Name: n, Transport: TransportSSE, URL: "http://localhost/" + n})
	}
	return out
}

func textResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: s}}}
}

func TestConnectAll_PartialFailureKeepsHealthyServers(t *testing.T) {
	wiki := &fakeSession{}
	m := NewManager(servers("wiki", "down"), nil, WithDialer(dialerFor(map[string]*fakeSession{"wiki": wiki})))

	err := m.ConnectAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Equal(t, []string{"wiki"}, m.Connected())
}

func TestConnectAll_InitializeFailureClosesSession(t *testing.T) {
	bad := &fakeSession{initErr: errors.New("protocol mismatch")}
	m := NewManager(servers("bad"), nil, WithDialer(dialerFor(map[string]*fakeSession{"bad": bad})))

	require.Error(t, m.ConnectAll(context.Background()))
	assert.Empty(t, m.Connected())
	assert.True(t, bad.closed)
}

func TestDisconnectAll(t *testing.T) {
	a, b := &fakeSession{}, &fakeSession{}
	m := NewManager(servers("a", "b"), nil, WithDialer(dialerFor(map[string]*fakeSession{"a": a, "b": b})))
	require.NoError(t, m.ConnectAll(context.Background()))

	require.NoError(t, m.DisconnectAll())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Empty(t, m.Connected())

	_, err := m.CallTool(context.Background(), "a", "x", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestListTools_OrderedWithSchemas(t *testing.T) {
	wiki := &fakeSession{tools: []mcp.Tool{
		{Name: "lookup.page", Description: "Look up a page", RawInputSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"}}}`)},
	}}
	notes := &fakeSession{tools: []mcp.Tool{
		{Name: "create-note", Description: "Create a note", InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"body": map[string]any{"type": "string"}},
			Required:   []string{"body"},
		}},
	}}
	m := NewManager(servers("wiki", "notes"), nil, WithDialer(dialerFor(map[string]*fakeSession{"wiki": wiki, "notes": notes})))
	require.NoError(t, m.ConnectAll(context.Background()))

	tools, err := m.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "notes", tools[0].Server)
	assert.Equal(t, "create-note", tools[0].Name)
	assert.JSONEq(t, `{"type":"object","properties":{"body":{"type":"string"}},"required":["body"]}`, string(tools[0].InputSchema))
	assert.Equal(t, "wiki", tools[1].Server)
	assert.JSONEq(t, `{"type":"object","properties":{"title":{"type":"string"}}}`, string(tools[1].InputSchema))
}

func TestCallTool_Results(t *testing.T) {
	tests := []struct {
		name    string
		result  *mcp.CallToolResult
		callErr error
		want    any
		wantErr string
	}{
		{name: "plain text", result: textResult("sunny"), want: "sunny"},
		{name: "json object", result: textResult(` {"temp": 21} `), want: json.RawMessage(`{"temp": 21}`)},
		{name: "tool error", result: &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "city not found"}}}, wantErr: "city not found"},
		{name: "transport error", callErr: errors.New("broken pipe"), wantErr: "broken pipe"},
		{name: "nil result", wantErr: "weather/get-forecast: empty result"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &fakeSession{result: tt.result, callErr: tt.callErr}
			m := NewManager(servers("weather"), nil, WithDialer(dialerFor(map[string]*fakeSession{"weather": sess})))
			require.NoError(t, m.ConnectAll(context.Background()))

			got, err := m.CallTool(context.Background(), "weather", "get-forecast", map[string]any{"city": "Oslo"})
			assert.Equal(t, "get-forecast", sess.lastCall.Params.Name)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManager_ThroughCatalogRegistry(t *testing.T) {
	wiki := &fakeSession{
		tools:  []mcp.Tool{{Name: "lookup.page", Description: "Look up a page"}},
		result: textResult("Go is a programming language."),
	}
	m := NewManager(servers("wiki-server"), nil, WithDialer(dialerFor(map[string]*fakeSession{"wiki-server": wiki})))
	require.NoError(t, m.ConnectAll(context.Background()))
	discovered, err := m.ListTools(context.Background())
	require.NoError(t, err)

	snap, err := catalog.Build(catalog.Input{Discovered: discovered, Caller: m}, catalog.PolicySuffix, nil)
	require.NoError(t, err)
	require.True(t, snap.Has("wiki_server_lookup_page"))

	out, err := snap.Invoke(context.Background(), "wiki_server_lookup_page", map[string]any{"title": "Go"})
	require.NoError(t, err)
	assert.Equal(t, "Go is a programming language.", out)
	assert.Equal(t, "lookup.page", wiki.lastCall.Params.Name)
}

func newEchoServer() *server.MCPServer {
	srv := server.NewMCPServer("echo-server", "1.0.0", server.WithToolCapabilities(true))
	srv.AddTool(
		mcp.NewTool("echo-text",
			mcp.WithDescription("Echo the input"),
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to echo")),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text, _ := req.GetArguments()["text"].(string)
			return mcp.NewToolResultText("echo: " + text), nil
		},
	)
	return srv
}

// assertEchoRoundTrip lists and calls the echo tool after ConnectAll has
// returned, so the transport must outlive the connect cycle.
func assertEchoRoundTrip(t *testing.T, m *Manager, serverName string) {
	t.Helper()
	tools, err := m.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo-text", tools[0].Name)
	assert.Contains(t, string(tools[0].InputSchema), `"text"`)

	out, err := m.CallTool(context.Background(), serverName, "echo-text", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", out)

	// A second call still goes through the same long-lived session.
	out, err = m.CallTool(context.Background(), serverName, "echo-text", map[string]any{"text": "again"})
	require.NoError(t, err)
	assert.Equal(t, "echo: again", out)
}

func TestDial_SSE(t *testing.T) {
	ts := server.NewTestServer(newEchoServer())
	t.Cleanup(ts.Close)

	m := NewManager([]ServerConfig{{Name: "echo", Transport: TransportSSE, URL: ts.URL + "/sse"}}, nil,
		WithTimeouts(5*time.Second, 5*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.ConnectAll(ctx))
	cancel()
	t.Cleanup(func() { _ = m.DisconnectAll() })

	assert.Equal(t, []string{"echo"}, m.Connected())
	assertEchoRoundTrip(t, m, "echo")
}

func TestDial_StreamableHTTP(t *testing.T) {
	ts := httptest.NewServer(server.NewStreamableHTTPServer(newEchoServer()))
	t.Cleanup(ts.Close)

	m := NewManager([]ServerConfig{{Name: "echo", Transport: TransportHTTP, URL: ts.URL + "/mcp"}}, nil,
		WithTimeouts(5*time.Second, 5*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.ConnectAll(ctx))
	cancel()
	t.Cleanup(func() { _ = m.DisconnectAll() })

	assertEchoRoundTrip(t, m, "echo")
}

func TestConnectAll_SessionContextOutlivesConnect(t *testing.T) {
	var sessCtx context.Context
	dial := func(ctx context.Context, _ ServerConfig) (Session, error) {
		sessCtx = ctx
		return &fakeSession{}, nil
	}
	m := NewManager(servers("wiki"), nil, WithDialer(dial), WithTimeouts(time.Second, 0))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.ConnectAll(ctx))
	cancel()

	require.NotNil(t, sessCtx)
	assert.NoError(t, sessCtx.Err(), "session context must survive the connect cycle")

	require.NoError(t, m.DisconnectAll())
	assert.ErrorIs(t, sessCtx.Err(), context.Canceled)
}

func TestConnectAll_DialTimeout(t *testing.T) {
	late := &fakeSession{}
	release := make(chan struct{})
	dial := func(context.Context, ServerConfig) (Session, error) {
		<-release
		return late, nil
	}
	m := NewManager(servers("slow"), nil, WithDialer(dial), WithTimeouts(50*time.Millisecond, 0))

	err := m.ConnectAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, m.Connected())

	close(release)
	assert.Eventually(t, func() bool {
		late.mu.Lock()
		defer late.mu.Unlock()
		return late.closed
	}, time.Second, 10*time.Millisecond, "a session that arrives late is closed")
}

func TestManager_InProcessServer(t *testing.T) {
	srv := newEchoServer()
	dial := func(ctx context.Context, _ ServerConfig) (Session, error) {
		c, err := client.NewInProcessClient(srv)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
	m := NewManager(servers("echo"), nil, WithDialer(dial))
	require.NoError(t, m.ConnectAll(context.Background()))
	t.Cleanup(func() { _ = m.DisconnectAll() })

	assertEchoRoundTrip(t, m, "echo")
}
