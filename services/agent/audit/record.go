// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records every tool invocation to an append-only store.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/AleutianAI/opsagent/services/agent"
)

// ErrInvalidRecord is returned by stores for records missing required fields.
var ErrInvalidRecord = errors.New("audit: invalid record")

// DefaultListLimit caps List when Filter.Limit is unset.
const DefaultListLimit = 100

// Record describes one tool invocation. Records are append-only.
type Record struct {
	ID              string     `json:"id"`
	Timestamp       time.Time  `json:"timestamp"`
	ConversationID  string     `json:"conversationId"`
	RequestID       string     `json:"requestId"`
	ActorID         string     `json:"actorId"`
	Role            agent.Role `json:"role"`
	TenantID        *int64     `json:"tenantId,omitempty"`
	ToolName        string     `json:"toolName"`
	ArgumentsDigest string     `json:"argumentsDigest"`
	Success         bool       `json:"success"`
	ErrorKind       string     `json:"errorKind,omitempty"`
	ErrorDetail     string     `json:"errorDetail,omitempty"`
	DurationMs      int64      `json:"durationMs"`
	RowsAffected    *int64     `json:"rowsAffected,omitempty"`
}

// Validate checks the fields every store requires.
func (r Record) Validate() error {
	switch {
	case r.ID == "":
		return errors.Join(ErrInvalidRecord, errors.New("id is required"))
	case r.Timestamp.IsZero():
		return errors.Join(ErrInvalidRecord, errors.New("timestamp is required"))
	case r.ActorID == "" || !r.Role.Valid():
		return errors.Join(ErrInvalidRecord, errors.New("actor is required"))
	case r.ToolName == "":
		return errors.Join(ErrInvalidRecord, errors.New("tool name is required"))
	}
	return nil
}

// Filter selects records for List. Zero fields match everything.
type Filter struct {
	ActorID        string
	Role           agent.Role
	ToolName       string
	ConversationID string
	Since          time.Time
	Until          time.Time
	OnlyFailures   bool
	Limit          int
}

// Matches reports whether r passes the filter.
func (f Filter) Matches(r Record) bool {
	switch {
	case f.ActorID != "" && r.ActorID != f.ActorID:
		return false
	case f.Role != "" && r.Role != f.Role:
		return false
	case f.ToolName != "" && r.ToolName != f.ToolName:
		return false
	case f.ConversationID != "" && r.ConversationID != f.ConversationID:
		return false
	case !f.Since.IsZero() && r.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && !r.Timestamp.Before(f.Until):
		return false
	case f.OnlyFailures && r.Success:
		return false
	}
	return true
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// Store is an append-only audit sink.
type Store interface {
	// Append durably writes r before returning.
	Append(ctx context.Context, r Record) error

	// List returns matching records, newest first.
	List(ctx context.Context, f Filter) ([]Record, error)
}

// ArgumentsDigest returns the sha256 hex digest of the canonical JSON form
// of raw. Object keys are sorted and insignificant whitespace dropped, so
// equivalent argument objects share a digest. Input that is not valid JSON
// is hashed as-is.
func ArgumentsDigest(raw json.RawMessage) string {
	data := []byte(raw)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if len(raw) > 0 && dec.Decode(&v) == nil {
		// encoding/json sorts map keys on output.
		if canon, err := json.Marshal(v); err == nil {
			data = canon
		}
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FromResult builds the record for one executed invocation.
func FromResult(conversationID string, actor agent.ActorContext, req agent.ToolInvocationRequest, res agent.ToolExecutionResult) Record {
	return Record{
		ConversationID:  conversationID,
		RequestID:       res.RequestID,
		ActorID:         actor.ActorID,
		Role:            actor.Role,
		TenantID:        actor.TenantID,
		ToolName:        res.ToolName,
		ArgumentsDigest: ArgumentsDigest(req.RawArguments),
		Success:         res.Success,
		ErrorKind:       string(res.ErrorKind),
		ErrorDetail:     res.Error,
		DurationMs:      res.DurationMs,
		RowsAffected:    res.RowsAffected,
	}
}
