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
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianConductor/services/orchestrator"
	"github.com/AleutianAI/AleutianConductor/services/orchestrator/agent"
)

func newToolsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Connect to the configured tool servers and list the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, logger, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			if _, err := rt.Service.Reconnect(cmd.Context()); err != nil {
				logger.Warn("tool catalog refresh failed, listing built-ins only", slog.String("error", err.Error()))
			}
			if h := rt.Service.Health(); h.ConnectError != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", h.ConnectError)
			}
			return printTools(cmd.OutOrStdout(), rt.Service.Tools(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tools with schemas as JSON")
	return cmd
}

func printTools(w io.Writer, tools []orchestrator.ToolInfo, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tools)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tORIGIN\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, t.Origin, agent.Truncate(t.Description, 60))
	}
	return tw.Flush()
}
