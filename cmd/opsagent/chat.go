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
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/opsagent/services/agent/orchestrator"
	"github.com/AleutianAI/opsagent/services/ops"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	var (
		server         string
		role           string
		actorID        string
		tenantID       int64
		conversationID string
		raw            bool
		timeout        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Send one message to a running server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ops.ChatRequest{
				Message:        strings.Join(args, " "),
				Role:           role,
				ActorID:        actorID,
				ConversationID: conversationID,
			}
			if cmd.Flags().Changed("tenant") {
				req.TenantID = &tenantID
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			resp, body, err := postChat(ctx, server, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if raw {
				_, err := out.Write(body)
				return err
			}
			printChat(out, resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&role, "role", "", "actor role (owner, admin, supplier, driver, customer)")
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().Int64Var(&tenantID, "tenant", 0, "tenant id")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id to stamp on audit records")
	cmd.Flags().BoolVar(&raw, "raw", false, "print the raw JSON response")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "request timeout")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func postChat(ctx context.Context, server string, req ops.ChatRequest) (*orchestrator.Response, []byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, err
	}
	url := strings.TrimRight(server, "/") + "/v1/agent/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("chat: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("chat: reading response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		var e ops.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, body, fmt.Errorf("chat: %s (%s, HTTP %d)", e.Error, e.Code, httpResp.StatusCode)
		}
		return nil, body, fmt.Errorf("chat: HTTP %d", httpResp.StatusCode)
	}

	var resp orchestrator.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, body, fmt.Errorf("chat: decoding response: %w", err)
	}
	return &resp, body, nil
}

func printChat(w io.Writer, resp *orchestrator.Response) {
	if resp.Message != "" {
		fmt.Fprintf(w, "%s\n", resp.Message)
	}
	if len(resp.ToolCalls) > 0 {
		fmt.Fprintln(w, "\nTool calls:")
		for _, tc := range resp.ToolCalls {
			status := "ok"
			if !tc.Success {
				status = fmt.Sprintf("%s: %s", tc.ErrorKind, tc.Error)
			}
			fmt.Fprintf(w, "  - %s (%dms) %s\n", tc.ToolName, tc.DurationMs, status)
		}
	}
	if resp.Error != "" {
		retry := ""
		if resp.Retryable {
			retry = " (retryable)"
		}
		fmt.Fprintf(w, "\nError: %s [%s]%s\n", resp.Error, resp.ErrorKind, retry)
	}
	fmt.Fprintf(w, "\n---\nconversation %s, state %s, %d model call(s)\n", resp.ConversationID, resp.State, resp.Iterations)
}
