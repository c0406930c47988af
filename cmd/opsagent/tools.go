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
	"log/slog"
	"text/tabwriter"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/agent/registry"
	"github.com/spf13/cobra"
)

func newToolsCmd() *cobra.Command {
	var (
		role       string
		policyFile string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tool catalog a role sees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := agent.ParseRole(role)
			if err != nil {
				return err
			}
			policy, err := loadPolicy(cmd.Context(), policyFile)
			if err != nil {
				return err
			}
			_, reg, err := buildCatalog(policy, nil, nil, slog.Default())
			if err != nil {
				return err
			}

			specs := reg.ListFor(r)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(registry.Definitions(specs))
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tCAPABILITY\tDESCRIPTION")
			for _, s := range specs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.RequiredCapability, s.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "actor role")
	cmd.Flags().StringVar(&policyFile, "policy", "", "agent policy YAML (default: embedded)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print provider tool definitions as JSON")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}
