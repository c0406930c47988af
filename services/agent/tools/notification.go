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
	"log/slog"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/agent/registry"
	"github.com/AleutianAI/opsagent/services/llm"
	"github.com/AleutianAI/opsagent/services/notify"
)

type sendNotificationRequest struct {
	To      string `json:"to" validate:"required,max=128"`
	Subject string `json:"subject" validate:"required,max=200"`
	Body    string `json:"body" validate:"required,max=2000"`
}

func sendNotificationSpec(d Deps) registry.ToolSpec {
	return registry.ToolSpec{
		Name:        "send_notification",
		Description: "Send a short notification to a user, e.g. a delivery update to a customer.",
		Parameters: llm.ToolParameters{
			Type: "object",
			Properties: map[string]llm.ToolParamDef{
				"to":      {Type: "string", Description: "Recipient address or user handle", MaxLength: length(128)},
				"subject": {Type: "string", Description: "Subject line", MaxLength: length(200)},
				"body":    {Type: "string", Description: "Message body", MaxLength: length(2000)},
			},
			Required:             []string{"to", "subject", "body"},
			AdditionalProperties: closed(),
		},
		RequiredCapability: CapNotifySend,
		Handler: registry.Typed(func(ctx context.Context, actor agent.ActorContext, req sendNotificationRequest) (registry.Output, error) {
			receipt, err := d.Notifier.Send(ctx, notify.Message{
				To:       req.To,
				Subject:  req.Subject,
				Body:     req.Body,
				Metadata: map[string]string{"sender": actor.String()},
			})
			if err != nil {
				d.Logger.WarnContext(ctx, "notification failed",
					slog.String("actor", actor.String()),
					slog.String("error", err.Error()),
				)
				return registry.Output{}, agent.NewToolError(agent.KindUpstream, fmt.Errorf("notification not sent: %w", err))
			}
			return registry.Output{Payload: receipt}, nil
		}),
	}
}
