// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify delivers operational notifications (delivery updates,
// order alerts) to recipients on behalf of the agent tools.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// ErrInvalidMessage is returned for a message without recipient or body.
var ErrInvalidMessage = errors.New("notify: invalid message")

// Message is one notification.
type Message struct {
	To       string            `json:"to"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks the required fields.
func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("%w: recipient is empty", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.Body) == "" {
		return fmt.Errorf("%w: body is empty", ErrInvalidMessage)
	}
	return nil
}

// Receipt acknowledges an accepted notification.
type Receipt struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

// Sender delivers notifications.
type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// =============================================================================
// Log Sender
// =============================================================================

// LogSender writes notifications to a structured log. Used when no broker
// is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender. A nil logger uses slog.Default().
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := msg.Validate(); err != nil {
		return Receipt{}, err
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	id := uuid.NewString()
	s.logger.InfoContext(ctx, "notification",
		slog.String("message_id", id),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.Int("body_bytes", len(msg.Body)),
	)
	return Receipt{Success: true, MessageID: id}, nil
}

// =============================================================================
// NATS Sender
// =============================================================================

// publisher is the subset of *nats.Conn the sender uses.
type publisher interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// NATSSender publishes notifications to NATS.
//
// Description:
//
//	Each message is published as JSON on "<prefix>.<recipient>" with a
//	Nats-Msg-Id header, so JetStream streams bound to the subject
//	deduplicate retries. Send flushes before returning, so a nil error
//	means the server accepted the message.
//
// Thread Safety: Safe for concurrent use.
type NATSSender struct {
	conn   publisher
	close  func()
	prefix string
}

// NewNATSSender connects to the NATS server at url.
//
// Inputs:
//   - url: Server URL, e.g. "nats://127.0.0.1:4222".
//   - prefix: Subject prefix, e.g. "ops.notify".
//   - opts: Extra connection options (credentials, TLS).
//
// Outputs:
//   - *NATSSender: The sender. Close it when done.
//   - error: Non-nil if the connection fails.
func NewNATSSender(url, prefix string, opts ...nats.Option) (*NATSSender, error) {
	opts = append([]nats.Option{nats.Name("opsagent-notify")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: connect %s: %w", url, err)
	}
	return &NATSSender{conn: nc, close: nc.Close, prefix: prefix}, nil
}

// Close closes the connection.
func (s *NATSSender) Close() {
	if s.close != nil {
		s.close()
	}
}

// Send implements Sender.
func (s *NATSSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := msg.Validate(); err != nil {
		return Receipt{}, err
	}

	id := uuid.NewString()
	data, err := json.Marshal(msg)
	if err != nil {
		return Receipt{}, fmt.Errorf("notify: marshal: %w", err)
	}

	m := nats.NewMsg(s.Subject(msg.To))
	m.Data = data
	m.Header.Set(nats.MsgIdHdr, id)
	for k, v := range msg.Metadata {
		m.Header.Set("Ops-"+k, v)
	}

	if err := s.conn.PublishMsg(m); err != nil {
		return Receipt{}, fmt.Errorf("notify: publish: %w", err)
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return Receipt{}, fmt.Errorf("notify: flush: %w", err)
	}
	return Receipt{Success: true, MessageID: id}, nil
}

// Subject returns the subject a recipient's notifications are published on.
// Characters that are NATS tokens separators or wildcards are replaced.
func (s *NATSSender) Subject(to string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return s.prefix + "." + r.Replace(strings.TrimSpace(to))
}
