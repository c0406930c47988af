// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/AleutianAI/opsagent/services/agent"
)

func testPolicies() map[agent.Role]QueryPolicy {
	return map[agent.Role]QueryPolicy{
		agent.RoleOwner: {
			AllowedTables:     []string{AllTables},
			AllowedOperations: []Operation{OpRead, OpWrite},
		},
		agent.RoleDriver: {
			AllowedTables:     []string{"delivery_tracking", "orders"},
			AllowedOperations: []Operation{OpRead, OpWrite},
			ScopingPredicate:  "driver_id = :actor_id",
		},
		agent.RoleCustomer: {
			AllowedTables:     []string{"orders"},
			AllowedOperations: []Operation{OpRead},
			ScopingPredicate:  "customer_id = :actor_id",
		},
		agent.RoleSupplier: {
			AllowedTables:     []string{"inventory", "orders"},
			AllowedOperations: []Operation{OpRead},
			TablePredicates: map[string]string{
				"inventory": "supplier_id = :actor_id",
				"orders":    "supplier_id = :actor_id AND status <> 'draft'",
			},
		},
	}
}

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	g, err := New(testPolicies())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func TestAuthorize_Rewrites(t *testing.T) {
	g := newTestGate(t)
	gold := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	tests := []struct {
		name  string
		role  agent.Role
		actor string
		query string
	}{
		{"driver_where", agent.RoleDriver, "7", "SELECT * FROM delivery_tracking WHERE id = 42"},
		{"customer_or_filter", agent.RoleCustomer, "5", "SELECT id FROM orders WHERE status = 'open' OR status = 'late'"},
		{"customer_order_limit", agent.RoleCustomer, "5", "SELECT id FROM orders o ORDER BY created_at DESC LIMIT 5"},
		{"driver_join", agent.RoleDriver, "7", "SELECT d.status, o.total_cents FROM delivery_tracking d JOIN orders o ON o.id = d.order_id"},
		{"driver_delete", agent.RoleDriver, "7", "DELETE FROM delivery_tracking WHERE id = 3;"},
		{"customer_group_by", agent.RoleCustomer, "5", "SELECT status, COUNT(*)\n  FROM orders\n GROUP BY status"},
		{"driver_update", agent.RoleDriver, "7", "UPDATE delivery_tracking SET status = 'delivered' WHERE id = 9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.Authorize(context.Background(), tt.query, tt.role, tt.actor)
			if !v.Allowed {
				t.Fatalf("expected allowed, got %s: %s", v.Kind, v.Reason)
			}
			if !v.Scoped {
				t.Error("expected Scoped for non-privileged role")
			}
			gold.Assert(t, tt.name, []byte(v.RewrittenQuery))
		})
	}
}

func TestAuthorize_Denials(t *testing.T) {
	g := newTestGate(t)

	tests := []struct {
		name     string
		role     agent.Role
		actor    string
		query    string
		wantKind agent.ErrorKind
		reason   string
	}{
		{"drop for owner", agent.RoleOwner, "1", "DROP TABLE users", agent.KindUnsafeQuery, "DROP"},
		{"drop for driver", agent.RoleDriver, "7", "drop table users", agent.KindUnsafeQuery, "DROP"},
		{"stacked statements", agent.RoleOwner, "1", "SELECT 1; DELETE FROM users", agent.KindUnsafeQuery, "separator"},
		{"line comment", agent.RoleCustomer, "5", "SELECT * FROM orders -- WHERE customer_id = 5", agent.KindUnsafeQuery, "comment"},
		{"block comment", agent.RoleCustomer, "5", "SELECT * /* x */ FROM orders", agent.KindUnsafeQuery, "comment"},
		{"pragma", agent.RoleAdmin, "1", "PRAGMA table_info(users)", agent.KindUnsafeQuery, "PRAGMA"},
		{"attach", agent.RoleOwner, "1", "ATTACH DATABASE 'x.db' AS x", agent.KindUnsafeQuery, "ATTACH"},
		{"unterminated literal", agent.RoleOwner, "1", "SELECT 'abc", agent.KindUnsafeQuery, "unterminated"},
		{"unknown verb", agent.RoleOwner, "1", "EXPLAIN SELECT 1", agent.KindUnauthorized, "unsupported"},
		{"role without policy", agent.RoleAdmin, "1", "SELECT 1", agent.KindUnauthorized, "no query policy"},
		{"invalid role", agent.Role("root"), "1", "SELECT 1", agent.KindUnauthorized, "no query policy"},
		{"write for read-only role", agent.RoleCustomer, "5", "DELETE FROM orders", agent.KindUnauthorized, "operation WRITE"},
		{"table outside policy", agent.RoleCustomer, "5", "SELECT * FROM users", agent.KindUnauthorized, `"users"`},
		{"joined table outside policy", agent.RoleDriver, "7", "SELECT * FROM orders o JOIN users u ON u.id = o.customer_id", agent.KindUnauthorized, `"users"`},
		{"subquery", agent.RoleDriver, "7", "SELECT * FROM orders WHERE id IN (SELECT order_id FROM delivery_tracking)", agent.KindUnauthorized, "nested select"},
		{"union", agent.RoleDriver, "7", "SELECT id FROM orders UNION SELECT id FROM delivery_tracking", agent.KindUnauthorized, "set operation"},
		{"cte", agent.RoleDriver, "7", "WITH x AS (SELECT 1) SELECT * FROM orders", agent.KindUnauthorized, "common table expression"},
		{"insert", agent.RoleDriver, "7", "INSERT INTO delivery_tracking (order_id, driver_id) VALUES (1, 8)", agent.KindUnauthorized, "insert"},
		{"reassign scoping column", agent.RoleDriver, "7", "UPDATE delivery_tracking SET driver_id = 8 WHERE id = 1", agent.KindUnauthorized, "driver_id"},
		{"no table", agent.RoleCustomer, "5", "SELECT 1", agent.KindUnauthorized, "no table"},
		{"empty actor", agent.RoleCustomer, "", "SELECT * FROM orders", agent.KindUnauthorized, "actor id"},
		{"empty statement", agent.RoleOwner, "1", "  ; ", agent.KindUnauthorized, "empty"},
		{"string literal table", agent.RoleCustomer, "5", "SELECT u.email, u.role FROM orders, 'users' u", agent.KindUnauthorized, `"users"`},
		{"string literal join", agent.RoleCustomer, "5", "SELECT 'users'.* FROM orders JOIN 'users'", agent.KindUnauthorized, `"users"`},
		{"comma join after index hint", agent.RoleCustomer, "5", "SELECT users.email FROM orders INDEXED BY idx_orders_customer, users", agent.KindUnauthorized, `"users"`},
		{"comma join after not indexed", agent.RoleCustomer, "5", "SELECT users.email FROM orders NOT INDEXED, users", agent.KindUnauthorized, `"users"`},
		{"comma join after on", agent.RoleCustomer, "5", "SELECT users.email FROM orders o JOIN orders p ON 1=1, users", agent.KindUnauthorized, `"users"`},
		{"comma join after using", agent.RoleDriver, "7", "SELECT * FROM orders JOIN delivery_tracking USING (driver_id), users", agent.KindUnauthorized, `"users"`},
		{"bracket quoted table", agent.RoleCustomer, "5", "SELECT * FROM [users]", agent.KindUnauthorized, `"users"`},
		{"schema qualified string table", agent.RoleCustomer, "5", "SELECT * FROM main.'users'", agent.KindUnauthorized, `"users"`},
		{"update from outside policy", agent.RoleDriver, "7", "UPDATE delivery_tracking SET status = 'lost' FROM users WHERE users.id = 1", agent.KindUnauthorized, `"users"`},
		{"trailing word in from clause", agent.RoleCustomer, "5", "SELECT * FROM orders o extra", agent.KindUnauthorized, "unrecognized FROM clause"},
		{"malformed index hint", agent.RoleCustomer, "5", "SELECT * FROM orders INDEXED users", agent.KindUnauthorized, "unrecognized FROM clause"},
		{"dangling join", agent.RoleCustomer, "5", "SELECT * FROM orders JOIN", agent.KindUnauthorized, "incomplete table reference"},
		{"subquery in join constraint", agent.RoleDriver, "7", "SELECT * FROM orders o JOIN delivery_tracking d ON d.order_id IN (SELECT id FROM users)", agent.KindUnauthorized, "nested select"},
		{"update target without set", agent.RoleDriver, "7", "UPDATE delivery_tracking d x SET status = 'lost'", agent.KindUnauthorized, "update target"},
		{"reserved table insert by owner", agent.RoleOwner, "1", "INSERT INTO audit_log (id, actor_id) VALUES ('forged', '1')", agent.KindUnauthorized, `"audit_log" is reserved`},
		{"reserved table read by owner", agent.RoleOwner, "1", `SELECT * FROM "AUDIT_LOG"`, agent.KindUnauthorized, `"audit_log" is reserved`},
		{"reserved table as string", agent.RoleOwner, "1", "SELECT * FROM main.'audit_log'", agent.KindUnauthorized, `"audit_log" is reserved`},
		{"reserved table without policy", agent.RoleAdmin, "1", "SELECT count(*) FROM audit_log", agent.KindUnauthorized, `"audit_log" is reserved`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.Authorize(context.Background(), tt.query, tt.role, tt.actor)
			if v.Allowed {
				t.Fatalf("expected denial, got rewrite %q", v.RewrittenQuery)
			}
			if v.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q (reason %q)", v.Kind, tt.wantKind, v.Reason)
			}
			if !strings.Contains(v.Reason, tt.reason) {
				t.Errorf("Reason = %q, want it to contain %q", v.Reason, tt.reason)
			}
			if v.RewrittenQuery != "" {
				t.Errorf("RewrittenQuery must be empty on denial, got %q", v.RewrittenQuery)
			}
		})
	}
}

func TestAuthorize_PrivilegedRoleIsNotScoped(t *testing.T) {
	g := newTestGate(t)

	v := g.Authorize(context.Background(), "select *   from users\n where id = 3", agent.RoleOwner, "1")
	if !v.Allowed {
		t.Fatalf("expected allowed, got %s", v.Reason)
	}
	if v.Scoped {
		t.Error("privileged role must not be scoped")
	}
	if v.RewrittenQuery != "select * from users where id = 3" {
		t.Errorf("RewrittenQuery = %q", v.RewrittenQuery)
	}
	if v.Operation != OpRead {
		t.Errorf("Operation = %q", v.Operation)
	}
}

func TestAuthorize_DenylistedWordInsideLiteralIsAllowed(t *testing.T) {
	g := newTestGate(t)

	v := g.Authorize(context.Background(),
		"SELECT id FROM orders WHERE notes = 'DROP TABLE users; -- later'", agent.RoleCustomer, "5")
	if !v.Allowed {
		t.Fatalf("expected allowed, got %s: %s", v.Kind, v.Reason)
	}
	want := "SELECT id FROM orders WHERE (notes = 'DROP TABLE users; -- later') AND orders.customer_id = 5"
	if v.RewrittenQuery != want {
		t.Errorf("RewrittenQuery = %q, want %q", v.RewrittenQuery, want)
	}
}

func TestAuthorize_Deterministic(t *testing.T) {
	g := newTestGate(t)
	q := "SELECT * FROM delivery_tracking d WHERE d.status = 'en_route' OR d.id = 4 ORDER BY d.id"

	first := g.Authorize(context.Background(), q, agent.RoleDriver, "7")
	second := g.Authorize(context.Background(), q, agent.RoleDriver, "7")
	if !first.Allowed || !second.Allowed {
		t.Fatalf("expected allowed: %q / %q", first.Reason, second.Reason)
	}
	if first.RewrittenQuery != second.RewrittenQuery {
		t.Errorf("rewrite not deterministic:\n%q\n%q", first.RewrittenQuery, second.RewrittenQuery)
	}
	want := "SELECT * FROM delivery_tracking d WHERE (d.status = 'en_route' OR d.id = 4) AND d.driver_id = 7 ORDER BY d.id"
	if first.RewrittenQuery != want {
		t.Errorf("RewrittenQuery = %q, want %q", first.RewrittenQuery, want)
	}
}

func TestAuthorize_TablePredicates(t *testing.T) {
	g := newTestGate(t)

	v := g.Authorize(context.Background(),
		"SELECT i.sku, o.id FROM inventory i, orders o", agent.RoleSupplier, "12")
	if !v.Allowed {
		t.Fatalf("expected allowed, got %s", v.Reason)
	}
	want := "SELECT i.sku, o.id FROM inventory i, orders o WHERE i.supplier_id = 12 AND o.supplier_id = 12 AND o.status <> 'draft'"
	if v.RewrittenQuery != want {
		t.Errorf("RewrittenQuery = %q, want %q", v.RewrittenQuery, want)
	}
	if len(v.Tables) != 2 || v.Tables[0] != "inventory" || v.Tables[1] != "orders" {
		t.Errorf("Tables = %v", v.Tables)
	}
}

func TestAuthorize_StringActorIDIsQuoted(t *testing.T) {
	g := newTestGate(t)

	v := g.Authorize(context.Background(), "SELECT * FROM orders", agent.RoleCustomer, "o'brien")
	if !v.Allowed {
		t.Fatalf("expected allowed, got %s", v.Reason)
	}
	want := "SELECT * FROM orders WHERE orders.customer_id = 'o''brien'"
	if v.RewrittenQuery != want {
		t.Errorf("RewrittenQuery = %q, want %q", v.RewrittenQuery, want)
	}
}

func TestAuthorize_QuotedTableName(t *testing.T) {
	g := newTestGate(t)

	v := g.Authorize(context.Background(), `SELECT * FROM "Orders" WHERE id = 1`, agent.RoleCustomer, "5")
	if !v.Allowed {
		t.Fatalf("expected allowed, got %s", v.Reason)
	}
	want := `SELECT * FROM "Orders" WHERE (id = 1) AND "Orders".customer_id = 5`
	if v.RewrittenQuery != want {
		t.Errorf("RewrittenQuery = %q, want %q", v.RewrittenQuery, want)
	}
}

func TestVerdict_Err(t *testing.T) {
	g := newTestGate(t)

	unsafe := g.Authorize(context.Background(), "DROP TABLE users", agent.RoleOwner, "1")
	if err := unsafe.Err(); !errors.Is(err, agent.ErrUnsafeQuery) || agent.KindOf(err) != agent.KindUnsafeQuery {
		t.Errorf("unsafe Err() = %v", err)
	}

	denied := g.Authorize(context.Background(), "SELECT * FROM users", agent.RoleCustomer, "5")
	if err := denied.Err(); !errors.Is(err, agent.ErrUnauthorized) || agent.KindOf(err) != agent.KindUnauthorized {
		t.Errorf("unauthorized Err() = %v", err)
	}

	ok := g.Authorize(context.Background(), "SELECT * FROM orders", agent.RoleCustomer, "5")
	if ok.Err() != nil {
		t.Errorf("allowed Err() = %v", ok.Err())
	}
}

func TestNew_InvalidPolicies(t *testing.T) {
	tests := []struct {
		name     string
		policies map[agent.Role]QueryPolicy
	}{
		{"wildcard for scoped role", map[agent.Role]QueryPolicy{
			agent.RoleDriver: {AllowedTables: []string{AllTables}, AllowedOperations: []Operation{OpRead}, ScopingPredicate: "driver_id = :actor_id"},
		}},
		{"missing predicate", map[agent.Role]QueryPolicy{
			agent.RoleCustomer: {AllowedTables: []string{"orders"}, AllowedOperations: []Operation{OpRead}},
		}},
		{"table without predicate", map[agent.Role]QueryPolicy{
			agent.RoleSupplier: {
				AllowedTables:     []string{"inventory", "orders"},
				AllowedOperations: []Operation{OpRead},
				TablePredicates:   map[string]string{"inventory": "supplier_id = :actor_id"},
			},
		}},
		{"predicate without placeholder", map[agent.Role]QueryPolicy{
			agent.RoleCustomer: {AllowedTables: []string{"orders"}, AllowedOperations: []Operation{OpRead}, ScopingPredicate: "customer_id = 5"},
		}},
		{"predicate with sub-select", map[agent.Role]QueryPolicy{
			agent.RoleCustomer: {AllowedTables: []string{"orders"}, AllowedOperations: []Operation{OpRead}, ScopingPredicate: "id IN (SELECT id FROM x WHERE c = :actor_id)"},
		}},
		{"no operations", map[agent.Role]QueryPolicy{
			agent.RoleOwner: {AllowedTables: []string{AllTables}},
		}},
		{"unknown operation", map[agent.Role]QueryPolicy{
			agent.RoleOwner: {AllowedTables: []string{AllTables}, AllowedOperations: []Operation{"DDL"}},
		}},
		{"unknown role", map[agent.Role]QueryPolicy{
			agent.Role("root"): {AllowedTables: []string{AllTables}, AllowedOperations: []Operation{OpRead}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.policies); !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("New() error = %v, want ErrInvalidPolicy", err)
			}
		})
	}
}

func TestGate_Roles(t *testing.T) {
	g := newTestGate(t)
	roles := g.Roles()
	if len(roles) != 4 {
		t.Fatalf("Roles() = %v", roles)
	}
	for i := 1; i < len(roles); i++ {
		if roles[i-1] >= roles[i] {
			t.Errorf("Roles() not sorted: %v", roles)
		}
	}
}

func TestAuthorize_FromClauseVariants(t *testing.T) {
	g := newTestGate(t)

	tests := []struct {
		name  string
		role  agent.Role
		actor string
		query string
		want  string
	}{
		{"string literal table", agent.RoleCustomer, "5",
			"SELECT id FROM 'orders'",
			`SELECT id FROM 'orders' WHERE "orders".customer_id = 5`},
		{"string literal alias", agent.RoleCustomer, "5",
			"SELECT id FROM orders 'o' WHERE id = 1",
			`SELECT id FROM orders 'o' WHERE (id = 1) AND "o".customer_id = 5`},
		{"index hint", agent.RoleCustomer, "5",
			"SELECT id FROM orders INDEXED BY idx_orders_customer WHERE id = 1",
			"SELECT id FROM orders INDEXED BY idx_orders_customer WHERE (id = 1) AND orders.customer_id = 5"},
		{"not indexed with alias", agent.RoleCustomer, "5",
			"SELECT o.id FROM orders AS o NOT INDEXED ORDER BY o.id",
			"SELECT o.id FROM orders AS o NOT INDEXED WHERE o.customer_id = 5 ORDER BY o.id"},
		{"comma join after on", agent.RoleDriver, "7",
			"SELECT d.id FROM delivery_tracking d JOIN orders o ON o.id = d.order_id, orders p",
			"SELECT d.id FROM delivery_tracking d JOIN orders o ON o.id = d.order_id, orders p WHERE d.driver_id = 7 AND o.driver_id = 7 AND p.driver_id = 7"},
		{"left join using", agent.RoleDriver, "7",
			"SELECT * FROM orders LEFT OUTER JOIN delivery_tracking USING (driver_id) LIMIT 3",
			"SELECT * FROM orders LEFT OUTER JOIN delivery_tracking USING (driver_id) WHERE orders.driver_id = 7 AND delivery_tracking.driver_id = 7 LIMIT 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.Authorize(context.Background(), tt.query, tt.role, tt.actor)
			if !v.Allowed {
				t.Fatalf("expected allowed, got %s: %s", v.Kind, v.Reason)
			}
			if v.RewrittenQuery != tt.want {
				t.Errorf("RewrittenQuery = %q, want %q", v.RewrittenQuery, tt.want)
			}
		})
	}
}

func TestAuthorize_ReservedTables(t *testing.T) {
	g, err := New(testPolicies(), WithReservedTables(" Shipments_Archive "))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, q := range []string{"SELECT * FROM shipments_archive", "SELECT * FROM audit_log"} {
		v := g.Authorize(context.Background(), q, agent.RoleOwner, "1")
		if v.Allowed {
			t.Errorf("%q: expected denial for reserved table", q)
		}
	}
	if v := g.Authorize(context.Background(), "SELECT * FROM users", agent.RoleOwner, "1"); !v.Allowed {
		t.Errorf("unreserved table denied: %s", v.Reason)
	}
}
