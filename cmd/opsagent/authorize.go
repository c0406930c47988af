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
	"strings"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/spf13/cobra"
)

func newAuthorizeCmd() *cobra.Command {
	var (
		role       string
		actorID    string
		policyFile string
	)
	cmd := &cobra.Command{
		Use:   "authorize <query>",
		Short: "Dry-run the query gate offline",
		Long: `Dry-run the query gate offline.

Prints the verdict as JSON: whether the statement is allowed for the role,
the rewritten statement with scoping predicates, or the denial reason.
Exits non-zero when the statement is denied.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := agent.ParseRole(role)
			if err != nil {
				return err
			}
			policy, err := loadPolicy(cmd.Context(), policyFile)
			if err != nil {
				return err
			}
			g, err := newGate(policy, slog.Default())
			if err != nil {
				return err
			}

			v := g.Authorize(cmd.Context(), strings.Join(args, " "), r, actorID)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(v); err != nil {
				return err
			}
			if !v.Allowed {
				return fmt.Errorf("denied: %s", v.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "actor role")
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id bound into scoping predicates")
	cmd.Flags().StringVar(&policyFile, "policy", "", "agent policy YAML (default: embedded)")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}
