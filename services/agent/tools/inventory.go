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
	"fmt"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/agent/registry"
	"github.com/AleutianAI/opsagent/services/llm"
)

type listInventoryRequest struct {
	LowStockBelow *int `json:"low_stock_below,omitempty" validate:"omitempty,gte=0"`
	Limit         int  `json:"limit,omitempty" validate:"gte=0,lte=100"`
}

func listInventorySpec(d Deps) registry.ToolSpec {
	return registry.ToolSpec{
		Name:        "list_inventory",
		Description: "List inventory items with their stock levels, optionally only items below a stock threshold.",
		Parameters: llm.ToolParameters{
			Type: "object",
			Properties: map[string]llm.ToolParamDef{
				"low_stock_below": {Type: "integer", Description: "Only items with quantity below this value", Minimum: bound(0)},
				"limit":           {Type: "integer", Description: "Maximum items to return (default 25)", Minimum: bound(1), Maximum: bound(100)},
			},
			AdditionalProperties: closed(),
		},
		RequiredCapability: CapInventoryRead,
		Handler: registry.Typed(func(ctx context.Context, actor agent.ActorContext, req listInventoryRequest) (registry.Output, error) {
			q := "SELECT id, sku, name, quantity, supplier_id, updated_at FROM inventory"
			var args []any
			if req.LowStockBelow != nil {
				q += " WHERE quantity < ?"
				args = append(args, *req.LowStockBelow)
			}
			q += fmt.Sprintf(" ORDER BY sku LIMIT %d", limitOr(req.Limit))
			return d.query(ctx, actor, q, args...)
		}),
	}
}
