// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator/search"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/toolserver"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	for _, k := range []string{EnvConfigPath, "CONDUCTOR_PROVIDER", "GEMINI_API_KEY", "GEMINI_MODEL", "GEMINI_BASE_URL",
		"OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL", "CONDUCTOR_ADDR", "CONDUCTOR_LOG_LEVEL",
		"CONDUCTOR_SEARCH_CACHE_DIR", "CONDUCTOR_HEAVY_SEARCH"} {
		t.Setenv(k, "")
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "gemini", cfg.Model.Provider)
	assert.Equal(t, 8, cfg.Planner.MaxSteps)
	assert.Equal(t, 60*time.Second, cfg.Model.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Search.CacheTTL)
	assert.Equal(t, "suffix", cfg.Registry.CollisionPolicy)
	assert.Equal(t, "plan_execute", cfg.Fallback.DefaultMode)
	assert.True(t, cfg.Executor.OrderShortFieldsFirst)
	assert.Empty(t, cfg.ToolServers)
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
planner:
  max_steps: 4
search:
  heavy_enabled: true
tool_servers:
  - name: wiki
    transport: stdio
    command: wiki-mcp
    args: ["--lang", "en"]
  - name: notes
    transport: sse
    url: http://localhost:9000/sse
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Planner.MaxSteps)
	assert.True(t, cfg.Search.HeavyEnabled)
	assert.True(t, cfg.Search.LightEnabled, "unset keys keep their defaults")
	assert.Equal(t, 5, cfg.Search.MaxResults)
	require.Len(t, cfg.ToolServers, 2)
	assert.Equal(t, toolserver.TransportStdio, cfg.ToolServers[0].Transport)
	assert.Equal(t, []string{"--lang", "en"}, cfg.ToolServers[0].Args)

	flags := cfg.Flags()
	assert.True(t, flags[search.FlagLight])
	assert.True(t, flags[search.FlagDeep])
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("GEMINI_MODEL", "gemini-test")
	t.Setenv("CONDUCTOR_ADDR", ":9999")
	t.Setenv("CONDUCTOR_HEAVY_SEARCH", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "g-key", cfg.Model.APIKey)
	assert.Equal(t, "gemini-test", cfg.Model.Model)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.True(t, cfg.Search.HeavyEnabled)

	t.Setenv("CONDUCTOR_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "o-key")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Model.Provider)
	assert.Equal(t, "o-key", cfg.Model.APIKey)

	t.Setenv("CONDUCTOR_HEAVY_SEARCH", "maybe")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoad_PathFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfigPath, writeConfig(t, "conversation:\n  window_turns: 3\n"))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Conversation.WindowTurns)
}

func TestLoad_Rejects(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "planner:\n  max_stepz: 3\n", "max_stepz"},
		{"bad provider", "model:\n  provider: llama\n", "Provider"},
		{"bad policy", "registry:\n  collision_policy: merge\n", "CollisionPolicy"},
		{"zero steps", "planner:\n  max_steps: 0\n", "MaxSteps"},
		{"stdio without command", "tool_servers:\n  - name: a\n    transport: stdio\n", "Command"},
		{"sse without url", "tool_servers:\n  - name: a\n    transport: sse\n", "URL"},
		{"bad transport", "tool_servers:\n  - name: a\n    transport: pigeon\n    url: http://x\n", "Transport"},
		{"duplicate server", "tool_servers:\n  - {name: a, transport: sse, url: http://x}\n  - {name: a, transport: sse, url: http://y}\n", "duplicate"},
		{"bad duration", "model:\n  timeout: soon\n", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	cfg.Logging.Level = "nonsense"
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}
