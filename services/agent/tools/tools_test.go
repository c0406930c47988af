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
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/agent/gate"
	"github.com/AleutianAI/opsagent/services/agent/registry"
	"github.com/AleutianAI/opsagent/services/datastore"
	"github.com/AleutianAI/opsagent/services/notify"
)

// spyStore counts the statements that reach the datastore.
type spyStore struct {
	datastore.Store
	queries []string
}

func (s *spyStore) Query(ctx context.Context, q string, args ...any) ([]datastore.Row, error) {
	s.queries = append(s.queries, q)
	return s.Store.Query(ctx, q, args...)
}

func (s *spyStore) Execute(ctx context.Context, q string, args ...any) (datastore.ExecResult, error) {
	s.queries = append(s.queries, q)
	return s.Store.Execute(ctx, q, args...)
}

type failingSender struct{}

func (failingSender) Send(context.Context, notify.Message) (notify.Receipt, error) {
	return notify.Receipt{}, errors.New("broker unavailable")
}

func testGrants() map[agent.Role][]agent.Capability {
	return map[agent.Role][]agent.Capability{
		agent.RoleOwner:    {CapInventoryRead, CapOrdersRead, CapDeliveriesRead, CapDeliveryWrite, CapQueryRun, CapNotifySend},
		agent.RoleDriver:   {CapOrdersRead, CapDeliveriesRead, CapDeliveryWrite, CapQueryRun},
		agent.RoleCustomer: {CapOrdersRead, CapQueryRun},
		agent.RoleSupplier: {CapInventoryRead, CapOrdersRead, CapQueryRun},
	}
}

func testPolicies() map[agent.Role]gate.QueryPolicy {
	return map[agent.Role]gate.QueryPolicy{
		agent.RoleOwner: {
			AllowedTables:     []string{gate.AllTables},
			AllowedOperations: []gate.Operation{gate.OpRead, gate.OpWrite},
		},
		agent.RoleDriver: {
			AllowedTables:     []string{"delivery_tracking", "orders"},
			AllowedOperations: []gate.Operation{gate.OpRead, gate.OpWrite},
			ScopingPredicate:  "driver_id = :actor_id",
		},
		agent.RoleCustomer: {
			AllowedTables:     []string{"orders"},
			AllowedOperations: []gate.Operation{gate.OpRead},
			ScopingPredicate:  "customer_id = :actor_id",
		},
		agent.RoleSupplier: {
			AllowedTables:     []string{"inventory", "orders"},
			AllowedOperations: []gate.Operation{gate.OpRead},
			ScopingPredicate:  "supplier_id = :actor_id",
		},
	}
}

type fixture struct {
	reg   *registry.Registry
	store *spyStore
	db    *datastore.SQLite
}

func newFixture(t *testing.T, sender notify.Sender) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := datastore.Open(ctx, filepath.Join(t.TempDir(), "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, q := range []string{
		`INSERT INTO users (id, name, email, role) VALUES
			(1, 'Olive', 'olive@example.com', 'owner'),
			(3, 'Sam', 'sam@example.com', 'supplier'),
			(4, 'Ada', 'ada@example.com', 'supplier'),
			(5, 'Cleo', 'cleo@example.com', 'customer'),
			(6, 'Finn', 'finn@example.com', 'customer'),
			(7, 'Dana', 'dana@example.com', 'driver'),
			(9, 'Eli', 'eli@example.com', 'driver')`,
		`INSERT INTO inventory (id, sku, name, quantity, supplier_id) VALUES
			(1, 'BOX-S', 'Small box', 3, 3),
			(2, 'BOX-L', 'Large box', 40, 3),
			(3, 'TAPE', 'Packing tape', 1, 4)`,
		`INSERT INTO orders (id, customer_id, supplier_id, driver_id, status, total_cents) VALUES
			(100, 5, 3, 7, 'open', 1250),
			(101, 6, 4, 9, 'late', 980)`,
		`INSERT INTO delivery_tracking (id, order_id, driver_id, status) VALUES
			(41, 100, 7, 'en_route'),
			(42, 101, 9, 'assigned')`,
	} {
		_, err := db.Execute(ctx, q)
		require.NoError(t, err)
	}

	g, err := gate.New(testPolicies())
	require.NoError(t, err)
	reg := registry.New(testGrants())

	if sender == nil {
		sender = notify.NewLogSender(nil)
	}
	spy := &spyStore{Store: db}
	require.NoError(t, Register(reg, Deps{Store: spy, Gate: g, Notifier: sender}))
	return &fixture{reg: reg, store: spy, db: db}
}

func (f *fixture) call(t *testing.T, actor agent.ActorContext, tool string, args map[string]any) (registry.Output, error) {
	t.Helper()
	spec, err := f.reg.Resolve(tool)
	require.NoError(t, err)
	return spec.Handler(context.Background(), actor, args)
}

func actor(t *testing.T, id string, role agent.Role) agent.ActorContext {
	t.Helper()
	a, err := agent.NewActorContext(id, role, nil)
	require.NoError(t, err)
	return a
}

func rowsOf(t *testing.T, out registry.Output) []datastore.Row {
	t.Helper()
	p, ok := out.Payload.(rowsPayload)
	require.True(t, ok, "payload is %T", out.Payload)
	assert.Equal(t, len(p.Rows), p.Count)
	return p.Rows
}

func TestRegister_AllTools(t *testing.T) {
	f := newFixture(t, nil)

	names := make([]string, 0)
	for _, s := range f.reg.All() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"get_order", "list_inventory", "list_orders", "run_query",
		"send_notification", "track_delivery", "update_delivery_status",
	}, names)

	for _, s := range f.reg.All() {
		assert.NoError(t, s.Validate(), s.Name)
	}

	err := Register(f.reg, Deps{})
	assert.ErrorIs(t, err, registry.ErrDuplicateTool)
}

func TestTrackDelivery_DriverSeesOnlyOwnDeliveries(t *testing.T) {
	f := newFixture(t, nil)
	dana := actor(t, "7", agent.RoleDriver)

	out, err := f.call(t, dana, "track_delivery", map[string]any{"delivery_id": float64(41)})
	require.NoError(t, err)
	rows := rowsOf(t, out)
	require.Len(t, rows, 1)
	assert.Equal(t, "en_route", rows[0]["status"])

	out, err = f.call(t, dana, "track_delivery", map[string]any{"delivery_id": float64(42)})
	require.NoError(t, err)
	assert.Empty(t, rowsOf(t, out))
	require.NotNil(t, out.RowsAffected)
	assert.Equal(t, int64(0), *out.RowsAffected)

	assert.Contains(t, f.store.queries[len(f.store.queries)-1], "delivery_tracking.driver_id = 7")
}

func TestTrackDelivery_ByOrder(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.call(t, actor(t, "1", agent.RoleOwner), "track_delivery", map[string]any{"order_id": float64(101)})
	require.NoError(t, err)
	rows := rowsOf(t, out)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(42), rows[0]["id"])

	_, err = f.call(t, actor(t, "1", agent.RoleOwner), "track_delivery", map[string]any{})
	assert.Equal(t, agent.KindValidation, agent.KindOf(err))
}

func TestUpdateDeliveryStatus(t *testing.T) {
	f := newFixture(t, nil)
	dana := actor(t, "7", agent.RoleDriver)
	ctx := context.Background()

	out, err := f.call(t, dana, "update_delivery_status", map[string]any{
		"delivery_id": float64(41), "status": "delivered", "latitude": 61.2, "longitude": -149.9,
	})
	require.NoError(t, err)
	assert.Equal(t, updatePayload{Updated: true, DeliveryID: 41, Status: "delivered"}, out.Payload)
	assert.Equal(t, int64(1), *out.RowsAffected)

	// Another driver's delivery is left untouched.
	out, err = f.call(t, dana, "update_delivery_status", map[string]any{"delivery_id": float64(42), "status": "delivered"})
	require.NoError(t, err)
	assert.False(t, out.Payload.(updatePayload).Updated)

	rows, err := f.db.Query(ctx, "SELECT status, latitude FROM delivery_tracking ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, "delivered", rows[0]["status"])
	assert.Equal(t, 61.2, rows[0]["latitude"])
	assert.Equal(t, "assigned", rows[1]["status"])

	_, err = f.call(t, dana, "update_delivery_status", map[string]any{"delivery_id": float64(41), "status": "lost"})
	assert.Equal(t, agent.KindValidation, agent.KindOf(err))
}

func TestListInventory_SupplierScope(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.call(t, actor(t, "3", agent.RoleSupplier), "list_inventory", map[string]any{})
	require.NoError(t, err)
	rows := rowsOf(t, out)
	require.Len(t, rows, 2)
	assert.Equal(t, "BOX-L", rows[0]["sku"])

	out, err = f.call(t, actor(t, "3", agent.RoleSupplier), "list_inventory", map[string]any{"low_stock_below": float64(10)})
	require.NoError(t, err)
	rows = rowsOf(t, out)
	require.Len(t, rows, 1)
	assert.Equal(t, "BOX-S", rows[0]["sku"])

	out, err = f.call(t, actor(t, "1", agent.RoleOwner), "list_inventory", map[string]any{"low_stock_below": float64(10)})
	require.NoError(t, err)
	assert.Len(t, rowsOf(t, out), 2)
}

func TestListInventory_DriverDeniedByGate(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.call(t, actor(t, "7", agent.RoleDriver), "list_inventory", map[string]any{})
	assert.Equal(t, agent.KindUnauthorized, agent.KindOf(err))
	assert.Empty(t, f.store.queries)
}

func TestOrders(t *testing.T) {
	f := newFixture(t, nil)
	cleo := actor(t, "5", agent.RoleCustomer)

	out, err := f.call(t, cleo, "get_order", map[string]any{"order_id": float64(100)})
	require.NoError(t, err)
	assert.Len(t, rowsOf(t, out), 1)

	out, err = f.call(t, cleo, "get_order", map[string]any{"order_id": float64(101)})
	require.NoError(t, err)
	assert.Empty(t, rowsOf(t, out))

	out, err = f.call(t, actor(t, "1", agent.RoleOwner), "list_orders", map[string]any{"status": "late"})
	require.NoError(t, err)
	rows := rowsOf(t, out)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(101), rows[0]["id"])

	_, err = f.call(t, cleo, "get_order", map[string]any{"order_id": "one hundred"})
	assert.Equal(t, agent.KindValidation, agent.KindOf(err))
}

func TestRunQuery(t *testing.T) {
	tests := []struct {
		name     string
		actor    agent.ActorContext
		sql      string
		wantKind agent.ErrorKind
		wantRows int
	}{
		{"drop rejected before datastore", agent.ActorContext{ActorID: "1", Role: agent.RoleOwner}, "DROP TABLE users", agent.KindUnsafeQuery, 0},
		{"stacked statement", agent.ActorContext{ActorID: "7", Role: agent.RoleDriver}, "SELECT 1 FROM orders; DELETE FROM orders", agent.KindUnsafeQuery, 0},
		{"customer reads inventory", agent.ActorContext{ActorID: "5", Role: agent.RoleCustomer}, "SELECT * FROM inventory", agent.KindUnauthorized, 0},
		{"customer writes orders", agent.ActorContext{ActorID: "5", Role: agent.RoleCustomer}, "DELETE FROM orders", agent.KindUnauthorized, 0},
		{"driver scoped read", agent.ActorContext{ActorID: "9", Role: agent.RoleDriver}, "SELECT * FROM delivery_tracking", "", 1},
		{"owner unscoped read", agent.ActorContext{ActorID: "1", Role: agent.RoleOwner}, "SELECT * FROM users", "", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			out, err := f.call(t, tt.actor, "run_query", map[string]any{"sql": tt.sql})
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, agent.KindOf(err))
				assert.Empty(t, f.store.queries, "denied statement reached the datastore")
				return
			}
			require.NoError(t, err)
			assert.Len(t, rowsOf(t, out), tt.wantRows)
		})
	}
}

func TestRunQuery_CustomerCannotReachOtherTables(t *testing.T) {
	cleo := actor(t, "5", agent.RoleCustomer)

	statements := []string{
		"SELECT u.email, u.role FROM orders, 'users' u",
		"SELECT 'users'.* FROM orders JOIN 'users'",
		"SELECT users.email FROM orders INDEXED BY idx_orders_customer, users",
		"SELECT users.email FROM orders o JOIN orders p ON 1=1, users",
		"SELECT users.email FROM orders NOT INDEXED, users",
		`SELECT u.email FROM orders o LEFT JOIN "users" u ON u.id = o.customer_id`,
		"SELECT * FROM main.users",
		"SELECT * FROM [users]",
	}

	for _, sql := range statements {
		t.Run(sql, func(t *testing.T) {
			f := newFixture(t, nil)
			_, err := f.call(t, cleo, "run_query", map[string]any{"sql": sql})
			require.Error(t, err)
			assert.Equal(t, agent.KindUnauthorized, agent.KindOf(err))
			assert.Empty(t, f.store.queries, "denied statement reached the datastore")
		})
	}
}

func TestRunQuery_StringLiteralTableIsScoped(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.call(t, actor(t, "5", agent.RoleCustomer), "run_query", map[string]any{
		"sql": "SELECT id, customer_id FROM 'orders' NOT INDEXED",
	})
	require.NoError(t, err)
	rows := rowsOf(t, out)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(5), rows[0]["customer_id"])
}

func TestRunQuery_AuditTableIsReserved(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.call(t, actor(t, "1", agent.RoleOwner), "run_query", map[string]any{
		"sql": "INSERT INTO audit_log (id, actor_id, role, tool_name) VALUES ('forged', '5', 'customer', 'get_order')",
	})
	require.Error(t, err)
	assert.Equal(t, agent.KindUnauthorized, agent.KindOf(err))
	assert.Empty(t, f.store.queries)
}

func TestRunQuery_ScopedWrite(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.call(t, actor(t, "7", agent.RoleDriver), "run_query", map[string]any{
		"sql": "UPDATE delivery_tracking SET status = 'failed'",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), *out.RowsAffected)
	assert.Equal(t, writePayload{Changes: 1}, out.Payload)

	rows, err := f.db.Query(context.Background(), "SELECT status FROM delivery_tracking WHERE id = 42")
	require.NoError(t, err)
	assert.Equal(t, "assigned", rows[0]["status"])
}

func TestSendNotification(t *testing.T) {
	f := newFixture(t, nil)
	owner := actor(t, "1", agent.RoleOwner)
	args := map[string]any{"to": "customer:5", "subject": "Delivery update", "body": "Your order is on its way."}

	out, err := f.call(t, owner, "send_notification", args)
	require.NoError(t, err)
	receipt, ok := out.Payload.(notify.Receipt)
	require.True(t, ok)
	assert.True(t, receipt.Success)
	assert.NotEmpty(t, receipt.MessageID)

	failing := newFixture(t, failingSender{})
	_, err = failing.call(t, owner, "send_notification", args)
	assert.Equal(t, agent.KindUpstream, agent.KindOf(err))
}
