// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianConductor/services/llm"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/catalog"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/fallback"
	agentllm "github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/llm"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent/phases"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/config"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/search"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/toolserver"
)

// Runtime is a fully wired Service plus the resources it owns.
type Runtime struct {
	Service *Service
	Tools   *toolserver.Manager
	Cache   *search.PageCache
	Config  *config.Config
}

// Build wires a Runtime from configuration.
//
// Description:
//
//	Creates the provider client and its adapter, the three phases, the
//	fallback controller, the search built-ins and the tool server
//	manager. The page cache is opened only when deep search is enabled.
//	Nothing is dialed; call Service.Reconnect to connect tool servers.
//
// Outputs:
//   - *Runtime: Ready to serve built-in tools.
//   - error: Missing API key or invalid configuration.
func Build(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := llm.NewClient(cfg.Model.Provider, cfg.Model.APIKey, cfg.Model.Model, cfg.Model.BaseURL,
		llm.WithRateLimit(cfg.Model.RequestsPerMinute),
		llm.WithTimeout(cfg.Model.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("model client: %w", err)
	}
	temperature := cfg.Model.Temperature
	model := agentllm.NewAdapter(client, agentllm.Defaults{
		Temperature: &temperature,
		MaxTokens:   cfg.Model.MaxOutputTokens,
	}, logger)

	prompts, err := phases.NewPromptBuilder(cfg.Executor.PriorResultChars)
	if err != nil {
		return nil, fmt.Errorf("prompts: %w", err)
	}
	synthesizer := phases.NewSynthesizer(model, prompts, logger)
	planner := phases.NewPlanner(model, prompts, phases.PlannerConfig{MaxSteps: cfg.Planner.MaxSteps}, logger)
	executor := phases.NewExecutor(model, prompts, synthesizer, phases.ExecutorConfig{
		OrderShortFieldsFirst: cfg.Executor.OrderShortFieldsFirst,
		ValidateArguments:     cfg.Executor.ValidateArguments,
		PreviewChars:          cfg.Executor.PreviewChars,
	}, logger)
	controller := fallback.NewController(model, planner, executor, synthesizer,
		fallback.Config{MaxFunctionRounds: cfg.Fallback.MaxFunctionRounds}, logger)

	var cache *search.PageCache
	if cfg.Search.HeavyEnabled {
		cache, err = search.OpenPageCache(cfg.Search.CacheDir, cfg.Search.CacheTTL, logger)
		if err != nil {
			logger.Warn("page cache unavailable, deep search will refetch pages",
				slog.String("error", err.Error()),
			)
			cache = nil
		}
	}
	searcher := search.NewSearcher(cfg.SearcherConfig(), nil, cache, logger)

	// The manager is wired even with no servers so a config reload can
	// add some later.
	manager := toolserver.NewManager(cfg.ToolServers, logger)

	mode, err := fallback.ParseMode(cfg.Fallback.DefaultMode)
	if err != nil {
		return nil, err
	}
	svc, err := NewService(Dependencies{
		Controller:  controller,
		Tools:       manager,
		Builtins:    search.Builtins(searcher),
		Flags:       cfg.Flags(),
		Policy:      catalog.CollisionPolicy(cfg.Registry.CollisionPolicy),
		DefaultMode: mode,
		WindowTurns: cfg.Conversation.WindowTurns,
	}, logger)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	logger.Info("conductor built",
		slog.String("provider", model.Name()),
		slog.String("model", model.Model()),
		slog.Int("tool_servers", len(cfg.ToolServers)),
		slog.Bool("light_search", cfg.Search.LightEnabled),
		slog.Bool("heavy_search", cfg.Search.HeavyEnabled),
	)
	return &Runtime{Service: svc, Tools: manager, Cache: cache, Config: cfg}, nil
}

// Close disconnects tool servers and closes the page cache.
func (r *Runtime) Close() error {
	return errors.Join(r.Service.Close(), r.Cache.Close())
}

// Reload applies a changed configuration's tool server list and
// reconnects. Other sections need a restart.
func (r *Runtime) Reload(ctx context.Context, cfg *config.Config) error {
	r.Tools.SetServers(cfg.ToolServers)
	r.Config = cfg
	_, err := r.Service.Reconnect(ctx)
	return err
}
