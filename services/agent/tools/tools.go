// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools implements the operations tools the model may call.
//
// Every tool that touches the datastore builds its statement, authorizes it
// through the query gate with the caller's role and id, and executes only
// the rewritten statement the gate returns.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/agent/gate"
	"github.com/AleutianAI/opsagent/services/agent/registry"
	"github.com/AleutianAI/opsagent/services/datastore"
	"github.com/AleutianAI/opsagent/services/notify"
)

// Capabilities required by the tools in this package.
const (
	CapInventoryRead  agent.Capability = "inventory:read"
	CapOrdersRead     agent.Capability = "orders:read"
	CapDeliveriesRead agent.Capability = "deliveries:read"
	CapDeliveryWrite  agent.Capability = "deliveries:write"
	CapQueryRun       agent.Capability = "query:run"
	CapNotifySend     agent.Capability = "notify:send"
)

// defaultLimit applies when a listing tool is called without a limit.
const defaultLimit = 25

// Deps are the collaborators the tools need.
type Deps struct {
	Store    datastore.Store
	Gate     *gate.Gate
	Notifier notify.Sender
	Logger   *slog.Logger
}

// Register adds every tool to reg.
func Register(reg *registry.Registry, d Deps) error {
	if err := reg.Register(Specs(d)...); err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	return nil
}

// Specs returns the tool specs bound to d.
func Specs(d Deps) []registry.ToolSpec {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return []registry.ToolSpec{
		listInventorySpec(d),
		getOrderSpec(d),
		listOrdersSpec(d),
		trackDeliverySpec(d),
		updateDeliveryStatusSpec(d),
		runQuerySpec(d),
		sendNotificationSpec(d),
	}
}

// rowsPayload is the payload of read tools.
type rowsPayload struct {
	Rows  []datastore.Row `json:"rows"`
	Count int             `json:"count"`
}

// authorize passes query through the gate for actor.
func (d Deps) authorize(ctx context.Context, actor agent.ActorContext, query string) (gate.Verdict, error) {
	v := d.Gate.Authorize(ctx, query, actor.Role, actor.ActorID)
	if !v.Allowed {
		return v, v.Err()
	}
	return v, nil
}

// query authorizes and runs a read statement.
func (d Deps) query(ctx context.Context, actor agent.ActorContext, query string, args ...any) (registry.Output, error) {
	v, err := d.authorize(ctx, actor, query)
	if err != nil {
		return registry.Output{}, err
	}
	if v.Operation != gate.OpRead {
		return registry.Output{}, agent.ToolErrorf(agent.KindUnauthorized, "statement is not a read")
	}
	rows, err := d.Store.Query(ctx, v.RewrittenQuery, args...)
	if err != nil {
		return registry.Output{}, err
	}
	return registry.Output{
		Payload:      rowsPayload{Rows: rows, Count: len(rows)},
		RowsAffected: registry.Rows(int64(len(rows))),
	}, nil
}

// execute authorizes and runs a write statement.
func (d Deps) execute(ctx context.Context, actor agent.ActorContext, query string, args ...any) (datastore.ExecResult, error) {
	v, err := d.authorize(ctx, actor, query)
	if err != nil {
		return datastore.ExecResult{}, err
	}
	if v.Operation != gate.OpWrite {
		return datastore.ExecResult{}, agent.ToolErrorf(agent.KindUnauthorized, "statement is not a write")
	}
	return d.Store.Execute(ctx, v.RewrittenQuery, args...)
}

func limitOr(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return limit
}

func bound(f float64) *float64 { return &f }
func length(n int) *int        { return &n }
func closed() *bool            { b := false; return &b }
