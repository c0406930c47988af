// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datastore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

// openTest opens a store in a temp directory with a small fixture: driver 7
// and driver 9 each with one delivery, customer 5 with two orders.
func openTest(t *testing.T, opts ...Option) *SQLite {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "ops.db"), opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	fixture := []string{
		`INSERT INTO users (id, name, email, role) VALUES
			(1, 'Olive', 'olive@example.com', 'owner'),
			(3, 'Sam', 'sam@example.com', 'supplier'),
			(5, 'Cleo', 'cleo@example.com', 'customer'),
			(7, 'Dana', 'dana@example.com', 'driver'),
			(9, 'Eli', 'eli@example.com', 'driver')`,
		`INSERT INTO orders (id, customer_id, supplier_id, driver_id, status, total_cents) VALUES
			(100, 5, 3, 7, 'open', 1250),
			(101, 5, 3, 9, 'late', 980)`,
		`INSERT INTO delivery_tracking (id, order_id, driver_id, status) VALUES
			(41, 100, 7, 'en_route'),
			(42, 101, 9, 'assigned')`,
	}
	for _, q := range fixture {
		if _, err := s.Execute(ctx, q); err != nil {
			t.Fatalf("fixture: %v", err)
		}
	}
	return s
}

func TestSQLite_QueryAndExecute(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	rows, err := s.Query(ctx, "SELECT id, status FROM delivery_tracking WHERE driver_id = ? ORDER BY id", 7)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != int64(41) || rows[0]["status"] != "en_route" {
		t.Errorf("rows = %v", rows)
	}

	res, err := s.Execute(ctx, "UPDATE delivery_tracking SET status = 'delivered' WHERE id = ?", 41)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Changes != 1 {
		t.Errorf("Changes = %d, want 1", res.Changes)
	}

	res, err = s.Execute(ctx, "INSERT INTO inventory (sku, name, quantity, supplier_id) VALUES ('A-1', 'Crate', 4, 3)")
	if err != nil {
		t.Fatalf("insert error = %v", err)
	}
	if res.LastID == 0 {
		t.Error("LastID not reported")
	}
}

func TestSQLite_EmptyResultIsNotNil(t *testing.T) {
	s := openTest(t)
	rows, err := s.Query(context.Background(), "SELECT * FROM inventory")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if rows == nil || len(rows) != 0 {
		t.Errorf("rows = %#v, want empty slice", rows)
	}
}

func TestSQLite_MaxRows(t *testing.T) {
	s := openTest(t, WithMaxRows(1))
	rows, err := s.Query(context.Background(), "SELECT id FROM orders ORDER BY id")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("len(rows) = %d, want 1", len(rows))
	}
}

func TestSQLite_Errors(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if _, err := s.Query(ctx, "SELECT * FROM no_such_table"); err == nil || !strings.HasPrefix(err.Error(), "datastore: query") {
		t.Errorf("expected wrapped query error, got %v", err)
	}
	if _, err := s.Execute(ctx, "INSERT INTO orders (id, customer_id) VALUES (200, 999)"); err == nil {
		t.Error("expected foreign key violation")
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.Query(cctx, "SELECT 1"); err == nil {
		t.Error("expected error on cancelled context")
	}
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if _, err := s.Execute(context.Background(), "INSERT INTO users (id, name, email, role) VALUES (1, 'a', 'a@x', 'owner')"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	rows, err := s.Query(context.Background(), "SELECT COUNT(*) AS n FROM users")
	if err != nil || rows[0]["n"] != int64(1) {
		t.Errorf("rows = %v err = %v", rows, err)
	}
}
