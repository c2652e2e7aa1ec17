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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
)

func newAskCmd() *cobra.Command {
	var (
		mode    string
		asJSON  bool
		quietly bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, logger, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			if _, err := rt.Service.Reconnect(cmd.Context()); err != nil {
				logger.Warn("tool catalog refresh failed, using built-ins only", slog.String("error", err.Error()))
			}

			var sink agent.ProgressSink
			if wantProgress(quietly, os.Stderr.Fd()) {
				progress := cmd.ErrOrStderr()
				sink = func(ev agent.ProgressEvent) {
					if line := formatProgress(ev); line != "" {
						fmt.Fprintln(progress, line)
					}
				}
			}

			req := orchestrator.TurnRequest{Query: strings.Join(args, " "), Mode: mode}
			resp, err := rt.Service.Ask(cmd.Context(), req, sink)
			if resp == nil {
				return err
			}
			if err != nil {
				logger.Debug("turn failed", slog.String("error", err.Error()))
			}
			return printAnswer(cmd.OutOrStdout(), resp, asJSON)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "plan_execute, function_calling or direct (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full turn response as JSON")
	cmd.Flags().BoolVarP(&quietly, "quiet", "q", false, "do not print progress (it is only printed to a terminal)")
	return cmd
}

// wantProgress reports whether progress lines should be printed: only when
// not silenced and stderr is a terminal.
func wantProgress(quiet bool, fd uintptr) bool {
	if quiet {
		return false
	}
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// formatProgress renders one progress event as a console line. Events
// with nothing to show render as "".
func formatProgress(ev agent.ProgressEvent) string {
	step := fmt.Sprintf("[%d]", ev.CurrentStep)
	if ev.TotalSteps > 0 {
		step = fmt.Sprintf("[%d/%d]", ev.CurrentStep, ev.TotalSteps)
	}
	switch ev.Status {
	case agent.StatusPlanning:
		return "Planning..."
	case agent.StatusPlanReady:
		if len(ev.Plan) == 0 {
			return "Plan ready: no tools needed"
		}
		return fmt.Sprintf("Plan (%d steps):\n  %s", len(ev.Plan), strings.Join(ev.Plan, "\n  "))
	case agent.StatusStepRunning:
		return fmt.Sprintf("%s %s: %s", step, ev.ToolUsed, ev.CurrentStepDescription)
	case agent.StatusStepCompleted:
		return fmt.Sprintf("%s %s done: %s", step, ev.ToolUsed, ev.ToolResult)
	case agent.StatusStepFailed:
		return fmt.Sprintf("%s %s failed: %s", step, ev.ToolUsed, ev.ToolResult)
	case agent.StatusSynthesizing:
		return "Writing answer..."
	case agent.StatusFallback:
		return "Plan did not work out, retrying with direct tool calls..."
	default:
		return ""
	}
}

func printAnswer(w io.Writer, resp *orchestrator.TurnResponse, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	_, err := fmt.Fprintf(w, "\n%s\n", resp.Answer)
	return err
}
