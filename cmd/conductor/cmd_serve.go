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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/config"
)

const (
	watchDebounce   = 500 * time.Millisecond
	shutdownTimeout = 15 * time.Second
)

func newServeCmd() *cobra.Command {
	var watch, debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conductor HTTP and websocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), watch, debug)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "reconnect tool servers when the config file changes")
	cmd.Flags().BoolVar(&debug, "debug", false, "gin debug mode and request logging")
	return cmd
}

func runServe(ctx context.Context, watch, debug bool) error {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	rt, logger, err := buildRuntime()
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("shutdown cleanup failed", slog.String("error", err.Error()))
		}
	}()

	shutdownTracing, err := setupTracing(rt.Config, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := rt.Service.Reconnect(ctx); err != nil {
		logger.Warn("initial tool catalog refresh failed, serving built-ins only",
			slog.String("error", err.Error()),
		)
	}

	if watch {
		path := configPath
		if path == "" {
			path = os.Getenv(config.EnvConfigPath)
		}
		if path == "" {
			logger.Warn("--watch needs a config file, ignoring")
		} else if _, err := watchConfig(ctx, path, watchDebounce, logger, func(ctx context.Context) {
			reload(ctx, rt, logger)
		}); err != nil {
			return err
		}
	}

	router := orchestrator.NewRouter(orchestrator.NewHandlers(rt.Service, logger), debug)
	srv := &http.Server{
		Addr:              rt.Config.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting conductor server", slog.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down conductor server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// reload re-reads the config file and reconnects tool servers. A bad file
// is logged and the running configuration stays.
func reload(ctx context.Context, rt *orchestrator.Runtime, logger *slog.Logger) {
	cfg, err := loadConfig()
	if err != nil {
		logger.Warn("config reload rejected, keeping current settings", slog.String("error", err.Error()))
		return
	}
	if err := rt.Reload(ctx, cfg); err != nil {
		logger.Warn("tool catalog refresh after reload failed", slog.String("error", err.Error()))
		return
	}
	snap := rt.Service.Snapshot()
	logger.Info("tool servers reconnected after config change",
		slog.Uint64("generation", snap.Generation()),
		slog.Int("tools", snap.Len()),
	)
}
