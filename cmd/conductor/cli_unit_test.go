// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/toolid"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/config"
)

func TestFormatProgress(t *testing.T) {
	tests := []struct {
		name string
		ev   agent.ProgressEvent
		want string
	}{
		{"planning", agent.ProgressEvent{Status: agent.StatusPlanning}, "Planning..."},
		{"empty plan", agent.ProgressEvent{Status: agent.StatusPlanReady}, "Plan ready: no tools needed"},
		{"plan", agent.ProgressEvent{Status: agent.StatusPlanReady, Plan: []string{"1. web_search: find", "2. wiki_lookup: read"}},
			"Plan (2 steps):\n  1. web_search: find\n  2. wiki_lookup: read"},
		{"running", agent.ProgressEvent{Status: agent.StatusStepRunning, CurrentStep: 1, TotalSteps: 2, ToolUsed: "web_search", CurrentStepDescription: "find"},
			"[1/2] web_search: find"},
		{"completed without total", agent.ProgressEvent{Status: agent.StatusStepCompleted, CurrentStep: 3, ToolUsed: "web_search", ToolResult: "3 hits"},
			"[3] web_search done: 3 hits"},
		{"failed", agent.ProgressEvent{Status: agent.StatusStepFailed, CurrentStep: 1, TotalSteps: 1, ToolUsed: "t", ToolResult: "boom"},
			"[1/1] t failed: boom"},
		{"fallback", agent.ProgressEvent{Status: agent.StatusFallback}, "Plan did not work out, retrying with direct tool calls..."},
		{"completed turn", agent.ProgressEvent{Status: agent.StatusCompleted}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatProgress(tt.ev))
		})
	}
}

func TestWantProgress(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, wantProgress(false, f.Fd()), "a regular file is not a terminal")
	assert.False(t, wantProgress(true, os.Stderr.Fd()))
}

func TestPrintAnswer(t *testing.T) {
	resp := &orchestrator.TurnResponse{TurnID: "t-1", Answer: "Forty-two."}

	var plain bytes.Buffer
	require.NoError(t, printAnswer(&plain, resp, false))
	assert.Equal(t, "\nForty-two.\n", plain.String())

	var js bytes.Buffer
	require.NoError(t, printAnswer(&js, resp, true))
	var decoded orchestrator.TurnResponse
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, "t-1", decoded.TurnID)
}

func TestPrintTools(t *testing.T) {
	tools := []orchestrator.ToolInfo{
		{Name: "web_search", Description: "Search the web", Origin: toolid.Identity{Server: "builtin", Tool: "web_search"}, Builtin: true},
		{Name: "wiki_lookup_page", Description: strings.Repeat("long ", 40), Origin: toolid.Identity{Server: "wiki", Tool: "lookup.page"}},
	}
	var buf bytes.Buffer
	require.NoError(t, printTools(&buf, tools, false))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Contains(t, lines[2], "wiki/lookup.page")
	assert.True(t, strings.HasSuffix(lines[2], "..."))
}

func TestNewLogger(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)

	cfg.Logging.Format = "json"
	var buf bytes.Buffer
	newLogger(cfg, &buf).Info("hello")
	assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())))

	cfg.Logging.Format = "text"
	cfg.Logging.Level = "warn"
	buf.Reset()
	logger := newLogger(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestWatchConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":1\"\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	var changes atomic.Int32
	done, err := watchConfig(ctx, path, 20*time.Millisecond, discardLogger(), func(context.Context) {
		changes.Add(1)
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600))
	assert.Never(t, func() bool { return changes.Load() > 0 }, 200*time.Millisecond, 10*time.Millisecond,
		"changes to other files are ignored")

	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":2\"\n"), 0o600))
	assert.Eventually(t, func() bool { return changes.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatchConfig_MissingDirectory(t *testing.T) {
	_, err := watchConfig(context.Background(), filepath.Join(t.TempDir(), "nope", "c.yaml"), time.Millisecond,
		discardLogger(), func(context.Context) {})
	assert.Error(t, err)
}

func TestSetupTracing(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)

	shutdown, err := setupTracing(cfg, &bytes.Buffer{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	cfg.Telemetry.TraceStdout = true
	var buf bytes.Buffer
	shutdown, err = setupTracing(cfg, &buf)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
