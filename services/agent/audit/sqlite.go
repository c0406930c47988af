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
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/opsagent/services/agent"
)

// TableName is the SQLite audit table. The query gate reserves it so tool
// statements cannot read or forge records on a shared database.
const TableName = "audit_log"

// sqliteSchema creates the audit table. The triggers make it append-only
// for every connection, including statements the gate lets through.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	actor_id TEXT NOT NULL,
	role TEXT NOT NULL,
	tenant_id INTEGER,
	tool_name TEXT NOT NULL,
	arguments_digest TEXT NOT NULL,
	success INTEGER NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL,
	rows_affected INTEGER
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_id, ts);
CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END;
CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END;
`

// SQLiteStore keeps audit records in a SQLite table.
//
// Thread Safety: Safe for concurrent use.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore prepares the audit table on db. The handle stays owned by
// the caller.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: sqlite handle must not be nil")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("audit: create table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_log (
		id, ts, conversation_id, request_id, actor_id, role, tenant_id, tool_name,
		arguments_digest, success, error_kind, error_detail, duration_ms, rows_affected
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp.UTC().UnixNano(), r.ConversationID, r.RequestID, r.ActorID,
		string(r.Role), nullInt(r.TenantID), r.ToolName, r.ArgumentsDigest, r.Success,
		r.ErrorKind, r.ErrorDetail, r.DurationMs, nullInt(r.RowsAffected),
	)
	if err != nil {
		return fmt.Errorf("audit: append %s: %w", r.ID, err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		where = append(where, cond)
		args = append(args, arg)
	}
	if f.ActorID != "" {
		add("actor_id = ?", f.ActorID)
	}
	if f.Role != "" {
		add("role = ?", string(f.Role))
	}
	if f.ToolName != "" {
		add("tool_name = ?", f.ToolName)
	}
	if f.ConversationID != "" {
		add("conversation_id = ?", f.ConversationID)
	}
	if !f.Since.IsZero() {
		add("ts >= ?", f.Since.UTC().UnixNano())
	}
	if !f.Until.IsZero() {
		add("ts < ?", f.Until.UTC().UnixNano())
	}
	if f.OnlyFailures {
		where = append(where, "success = 0")
	}

	q := `SELECT id, ts, conversation_id, request_id, actor_id, role, tenant_id, tool_name,
		arguments_digest, success, error_kind, error_detail, duration_ms, rows_affected
		FROM audit_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			r      Record
			ts     int64
			role   string
			tenant sql.NullInt64
			rowsN  sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &ts, &r.ConversationID, &r.RequestID, &r.ActorID, &role,
			&tenant, &r.ToolName, &r.ArgumentsDigest, &r.Success, &r.ErrorKind,
			&r.ErrorDetail, &r.DurationMs, &rowsN); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		r.Role = agent.Role(role)
		if tenant.Valid {
			r.TenantID = &tenant.Int64
		}
		if rowsN.Valid {
			r.RowsAffected = &rowsN.Int64
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return out, nil
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
