// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/opsagent/services/agent"
)

// Recorder writes audit records through a Store.
//
// Description:
//
//	Record blocks until the store has accepted the record. A store failure
//	is logged and counted; it is never returned, because the invocation it
//	describes has already taken effect.
//
// Thread Safety: Safe for concurrent use if the Store is.
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger sets the logger for write failures.
func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRecorder creates a Recorder over store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stamps rec with an id and timestamp when missing and appends it.
//
// Inputs:
//   - ctx: Used for tracing. Cancellation of ctx does not skip the write.
//   - rec: The record.
//
// Outputs:
//   - bool: True if the store accepted the record.
func (r *Recorder) Record(ctx context.Context, rec Record) bool {
	ctx, span := otel.Tracer("opsagent.audit").Start(ctx, "audit.Recorder.Record")
	defer span.End()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now().UTC()
	}
	span.SetAttributes(
		attribute.String("audit.id", rec.ID),
		attribute.String("tool", rec.ToolName),
		attribute.Bool("success", rec.Success),
	)

	// The invocation already happened; a cancelled request still gets its record.
	writeCtx := context.WithoutCancel(ctx)

	start := time.Now()
	err := r.store.Append(writeCtx, rec)
	writeSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		writeFailuresTotal.WithLabelValues(rec.ToolName).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		r.logger.ErrorContext(ctx, "audit record not persisted",
			slog.String("audit_id", rec.ID),
			slog.String("request_id", rec.RequestID),
			slog.String("conversation_id", rec.ConversationID),
			slog.String("actor", string(rec.Role)+":"+rec.ActorID),
			slog.String("tool", rec.ToolName),
			slog.Bool("success", rec.Success),
			slog.String("error_kind", rec.ErrorKind),
			slog.String("error", err.Error()),
		)
		return false
	}

	recordsTotal.WithLabelValues(rec.ToolName, strconv.FormatBool(rec.Success)).Inc()
	span.SetStatus(codes.Ok, "")
	if agent.ErrorKind(rec.ErrorKind).Retryable() {
		// Timeouts and upstream failures are what operators alert on.
		r.logger.WarnContext(ctx, "tool invocation failed",
			slog.String("audit_id", rec.ID),
			slog.String("tool", rec.ToolName),
			slog.String("error_kind", rec.ErrorKind),
			slog.String("error", rec.ErrorDetail),
		)
	}
	return true
}

// List reads records back from the store.
func (r *Recorder) List(ctx context.Context, f Filter) ([]Record, error) {
	return r.store.List(ctx, f)
}
