// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datastore is the relational store the ops tools read and write:
// users, inventory, orders and delivery tracking, kept in SQLite.
//
// Every statement that reaches this package from a tool has already passed
// the query gate; the store itself applies no authorization.
package datastore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// DefaultMaxRows caps the rows one Query returns.
const DefaultMaxRows = 500

// Row is one result row keyed by column name.
type Row map[string]any

// ExecResult reports the effect of a write.
type ExecResult struct {
	Changes int64 `json:"changes"`
	LastID  int64 `json:"lastId"`
}

// Store is the datastore contract the tools depend on.
type Store interface {
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
	Execute(ctx context.Context, query string, args ...any) (ExecResult, error)
}

// Option configures a SQLite store.
type Option func(*SQLite)

// WithMaxRows sets the per-query row cap.
func WithMaxRows(n int) Option {
	return func(s *SQLite) {
		if n > 0 {
			s.maxRows = n
		}
	}
}

// WithLogger sets the store logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLite) {
		s.logger = logger
	}
}

// SQLite is a Store on modernc.org/sqlite.
//
// Description:
//
//	Rows are fully read and closed inside Query, so no connection is held
//	once a call returns. Writes wait up to five seconds on a locked database.
//
// Thread Safety: SQLite is safe for concurrent use.
type SQLite struct {
	db      *sql.DB
	maxRows int
	logger  *slog.Logger
}

// Open opens the database at path and applies the schema. The file is
// created if missing; ":memory:" gives a private in-memory database.
//
// Inputs:
//   - ctx: Context for the connection check and schema setup.
//   - path: Database file path.
//   - opts: Functional options.
//
// Outputs:
//   - *SQLite: The open store. Close it when done.
//   - error: Non-nil if the database cannot be opened or migrated.
func Open(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("datastore: open %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("datastore: ping %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("datastore: apply schema: %w", err)
	}

	s := &SQLite{db: db, maxRows: DefaultMaxRows, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func dsn(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// DB exposes the underlying handle for components that share the file,
// such as the SQL audit store.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Query runs a read statement and returns up to the configured row cap.
//
// Outputs:
//   - []Row: Result rows. TEXT and BLOB columns are returned as strings.
//   - error: The driver error wrapped with the datastore prefix.
func (s *SQLite) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	ctx, span := s.startSpan(ctx, "datastore.SQLite.Query", query)
	defer span.End()
	start := time.Now()

	rows, err := s.queryRows(ctx, query, args)
	recordStatement("query", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))
	span.SetStatus(codes.Ok, "")
	return rows, nil
}

func (s *SQLite) queryRows(ctx context.Context, query string, args []any) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("datastore: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("datastore: columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		if len(out) == s.maxRows {
			s.logger.Warn("query result truncated", slog.Int("max_rows", s.maxRows))
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("datastore: scan: %w", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("datastore: rows: %w", err)
	}
	if out == nil {
		out = []Row{}
	}
	return out, nil
}

// Execute runs a write statement.
//
// Outputs:
//   - ExecResult: Rows changed and the last inserted id.
//   - error: The driver error wrapped with the datastore prefix.
func (s *SQLite) Execute(ctx context.Context, query string, args ...any) (ExecResult, error) {
	ctx, span := s.startSpan(ctx, "datastore.SQLite.Execute", query)
	defer span.End()
	start := time.Now()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		err = fmt.Errorf("datastore: execute: %w", err)
		recordStatement("execute", start, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ExecResult{}, err
	}
	recordStatement("execute", start, nil)

	var out ExecResult
	out.Changes, _ = res.RowsAffected()
	out.LastID, _ = res.LastInsertId()
	span.SetAttributes(attribute.Int64("changes", out.Changes))
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func (s *SQLite) startSpan(ctx context.Context, name, query string) (context.Context, oteltrace.Span) {
	return otel.Tracer("opsagent.datastore").Start(ctx, name,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("db.system", "sqlite"),
			attribute.String("db.statement", query),
		),
	)
}
