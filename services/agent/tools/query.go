// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/agent/gate"
	"github.com/AleutianAI/opsagent/services/agent/registry"
	"github.com/AleutianAI/opsagent/services/llm"
)

type runQueryRequest struct {
	SQL string `json:"sql" validate:"required,max=4000"`
}

type writePayload struct {
	Changes int64 `json:"changes"`
	LastID  int64 `json:"lastId,omitempty"`
}

// runQuerySpec lets the model propose its own statement. The gate decides
// whether it runs and scopes it to the caller.
func runQuerySpec(d Deps) registry.ToolSpec {
	return registry.ToolSpec{
		Name: "run_query",
		Description: "Run one SQL statement against the operations database (tables: users, inventory, orders, delivery_tracking). " +
			"Results are limited to rows the caller may see; statements outside the caller's permissions are rejected.",
		Parameters: llm.ToolParameters{
			Type: "object",
			Properties: map[string]llm.ToolParamDef{
				"sql": {Type: "string", Description: "A single SQL statement without comments", MaxLength: length(4000)},
			},
			Required:             []string{"sql"},
			AdditionalProperties: closed(),
		},
		RequiredCapability: CapQueryRun,
		Handler: registry.Typed(func(ctx context.Context, actor agent.ActorContext, req runQueryRequest) (registry.Output, error) {
			v, err := d.authorize(ctx, actor, req.SQL)
			if err != nil {
				return registry.Output{}, err
			}
			if v.Operation == gate.OpRead {
				rows, err := d.Store.Query(ctx, v.RewrittenQuery)
				if err != nil {
					return registry.Output{}, err
				}
				return registry.Output{
					Payload:      rowsPayload{Rows: rows, Count: len(rows)},
					RowsAffected: registry.Rows(int64(len(rows))),
				}, nil
			}

			res, err := d.Store.Execute(ctx, v.RewrittenQuery)
			if err != nil {
				return registry.Output{}, err
			}
			return registry.Output{
				Payload:      writePayload{Changes: res.Changes, LastID: res.LastID},
				RowsAffected: registry.Rows(res.Changes),
			}, nil
		}),
	}
}
