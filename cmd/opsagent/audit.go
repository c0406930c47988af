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
	"text/tabwriter"
	"time"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/agent/audit"
	"github.com/AleutianAI/opsagent/services/datastore"
	"github.com/AleutianAI/opsagent/services/ops"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the tool invocation audit log",
	}
	cmd.AddCommand(newAuditListCmd())
	return cmd
}

func newAuditListCmd() *cobra.Command {
	var (
		backend  string
		dbPath   string
		dir      string
		filter   audit.Filter
		role     string
		since    string
		asJSON   bool
		failures bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := ops.LoadServerConfig()
			if cmd.Flags().Changed("backend") {
				cfg.AuditBackend = strings.ToLower(backend)
			}
			if cmd.Flags().Changed("db") {
				cfg.DatabasePath = dbPath
			}
			if cmd.Flags().Changed("dir") {
				cfg.AuditDir = dir
			}
			if cfg.AuditBackend == "badger" && cfg.AuditDir == "" {
				return fmt.Errorf("--dir is required for the badger backend")
			}

			if role != "" {
				r, err := agent.ParseRole(role)
				if err != nil {
					return err
				}
				filter.Role = r
			}
			if since != "" {
				t, err := parseSince(since, time.Now())
				if err != nil {
					return err
				}
				filter.Since = t
			}
			filter.OnlyFailures = failures

			ctx := cmd.Context()
			logger := slog.Default()
			store, err := datastore.Open(ctx, cfg.DatabasePath, datastore.WithLogger(logger))
			if err != nil {
				return err
			}
			defer store.Close()

			auditStore, closeAudit, err := openAuditStore(ctx, cfg, store, logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeAudit() }()

			records, err := auditStore.List(ctx, filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON || !isTerminal(out) {
				return writeRecordsJSON(out, records)
			}
			return writeRecordsTable(out, records)
		},
	}

	f := cmd.Flags()
	f.StringVar(&backend, "backend", "sqlite", "audit backend: sqlite or badger")
	f.StringVar(&dbPath, "db", "opsagent.db", "sqlite datastore path")
	f.StringVar(&dir, "dir", "", "badger directory")
	f.StringVar(&filter.ActorID, "actor", "", "filter by actor id")
	f.StringVar(&role, "role", "", "filter by role")
	f.StringVar(&filter.ToolName, "tool", "", "filter by tool name")
	f.StringVar(&filter.ConversationID, "conversation", "", "filter by conversation id")
	f.StringVar(&since, "since", "", "only records newer than a duration (24h) or RFC 3339 time")
	f.BoolVar(&failures, "failures", false, "only failed invocations")
	f.IntVar(&filter.Limit, "limit", audit.DefaultListLimit, "maximum records")
	f.BoolVar(&asJSON, "json", false, "JSON output even on a terminal")
	return cmd
}

// parseSince accepts a lookback duration or an absolute RFC 3339 time.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since %q is neither a duration nor an RFC 3339 time", s)
	}
	return t, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func writeRecordsJSON(w io.Writer, records []audit.Record) error {
	if records == nil {
		records = []audit.Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func writeRecordsTable(w io.Writer, records []audit.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTOR\tTOOL\tRESULT\tMS\tROWS\tCONVERSATION")
	for _, r := range records {
		result := "ok"
		if !r.Success {
			result = r.ErrorKind
		}
		rows := "-"
		if r.RowsAffected != nil {
			rows = fmt.Sprint(*r.RowsAffected)
		}
		fmt.Fprintf(tw, "%s\t%s:%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Timestamp.Local().Format(time.DateTime), r.Role, r.ActorID, r.ToolName,
			result, r.DurationMs, rows, r.ConversationID)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d record(s)\n", len(records))
	return err
}
