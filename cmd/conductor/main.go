// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command conductor answers questions with a model that plans over tools
// from connected tool servers and built-in web search.
//
// Usage:
//
//	GEMINI_API_KEY=... conductor serve --config conductor.yaml
//	GEMINI_API_KEY=... conductor ask "What changed in Go 1.25?"
//	conductor tools --config conductor.yaml
//
// Example requests against a running server:
//
//	curl http://localhost:8089/v1/conductor/health
//
//	curl -X POST http://localhost:8089/v1/conductor/ask \
//	  -H "Content-Type: application/json" \
//	  -d '{"query": "What is the weather in Oslo?"}'
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/config"
)

// configPath and logLevel hold the persistent flag values.
var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "conductor",
	Short:         "Plan-and-execute assistant over tool servers and web search",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $"+config.EnvConfigPath+", then built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newAskCmd(), newToolsCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// buildRuntime loads configuration, installs the default logger and wires
// a Runtime.
func buildRuntime() (*orchestrator.Runtime, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	rt, err := orchestrator.Build(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return rt, logger, nil
}
