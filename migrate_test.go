package main

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	tables      []*Table
	objects     *SourceObjects
	describeErr error
}

func (c *fakeCatalog) ListTables(_ context.Context, _ []string) ([]TableRef, error) {
	refs := make([]TableRef, len(c.tables))
	for i, t := range c.tables {
		refs[i] = t.Ref
	}
	return refs, nil
}

func (c *fakeCatalog) DescribeTable(_ context.Context, ref TableRef) (*Table, error) {
	if c.describeErr != nil {
		return nil, c.describeErr
	}
	for _, t := range c.tables {
		if t.Ref == ref {
			return t, nil
		}
	}
	return nil, errors.New("no such table")
}

func (c *fakeCatalog) ListSourceObjects(_ context.Context, _ []string) (*SourceObjects, error) {
	if c.objects == nil {
		return &SourceObjects{}, nil
	}
	return c.objects, nil
}

// eventLog records statements and batch writes in the order they happen.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

// first returns the index of the first event containing substr, or -1.
func (l *eventLog) first(substr string) int {
	for i, e := range l.events {
		if strings.Contains(e, substr) {
			return i
		}
	}
	return -1
}

func (l *eventLog) last(substr string) int {
	for i := len(l.events) - 1; i >= 0; i-- {
		if strings.Contains(l.events[i], substr) {
			return i
		}
	}
	return -1
}

// loggingExecer records every statement. Statements containing failOn return
// an error.
type loggingExecer struct {
	log    *eventLog
	failOn string
}

func (e loggingExecer) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	e.log.add(query)
	if e.failOn != "" && strings.Contains(query, e.failOn) {
		return nil, errors.New("statement rejected")
	}
	return driver.RowsAffected(0), nil
}

type loggingWriter struct {
	log  *eventLog
	ref  TableRef
	fail error
}

func (w *loggingWriter) WriteBatch(_ context.Context, rows [][]any) error {
	if w.fail != nil {
		return w.fail
	}
	w.log.add("copy " + w.ref.String())
	return nil
}

var (
	customersRef = TableRef{Schema: "public", Name: "customers"}
	ordersRef    = TableRef{Schema: "public", Name: "orders"}
)

// shopTables returns orders referencing customers, deliberately listed
// dependent-first.
func shopTables() []*Table {
	customers := &Table{
		Ref: customersRef,
		Columns: []Column{
			{Name: "id", DataType: "integer", AutoIncrement: true},
			{Name: "name", DataType: "character varying", CharMaxLen: i64(100)},
		},
		PrimaryKey: []string{"id"},
	}
	orders := &Table{
		Ref: ordersRef,
		Columns: []Column{
			{Name: "id", DataType: "integer", AutoIncrement: true},
			{Name: "customer_id", DataType: "integer"},
		},
		PrimaryKey: []string{"id"},
		Indexes: []Index{
			{Name: "orders_customer_idx", Columns: []string{"customer_id"}, Descending: []bool{false}, Method: "btree"},
		},
		ForeignKeys: []ForeignKey{
			{Name: "orders_customer_id_fkey", Columns: []string{"customer_id"}, RefSchema: "public", RefTable: "customers", RefColumns: []string{"id"}, UpdateRule: "NO ACTION", DeleteRule: "NO ACTION"},
		},
	}
	return []*Table{orders, customers}
}

func testConfig() *MigrationConfig {
	return &MigrationConfig{
		Schemas:         []string{"public"},
		BatchSize:       2,
		Workers:         1,
		WritersPerTable: 1,
		OnTableError:    "skip",
		Target:          TargetConfig{InsertMode: "insert"},
	}
}

// newTestMigrator wires fakes that log into ev. Writers for tables in fail
// return an error.
func newTestMigrator(cfg *MigrationConfig, ev *eventLog, fail map[TableRef]error) *migrator {
	src := &fakeRowSource{rows: map[TableRef]int{customersRef: 3, ordersRef: 5}}
	ex := loggingExecer{log: ev}
	return &migrator{
		cfg:     cfg,
		catalog: &fakeCatalog{tables: shopTables()},
		copier:  newCopier(src, cfg.BatchSize, cfg.WritersPerTable),
		ddl:     newScriptExecer(io.Discard, ex),
		data:    ex,
		newWriter: func(t *Table) batchWriter {
			return &loggingWriter{log: ev, ref: t.Ref, fail: fail[t.Ref]}
		},
	}
}

func TestMigrator_DependencyOrder(t *testing.T) {
	ev := &eventLog{}
	m := newTestMigrator(testConfig(), ev, nil)

	summary, err := m.run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Tables, 2)
	assert.Equal(t, customersRef, summary.Tables[0].Ref)
	assert.Equal(t, ordersRef, summary.Tables[1].Ref)

	createCustomers := ev.first("CREATE TABLE [public].[customers]")
	createOrders := ev.first("CREATE TABLE [public].[orders]")
	require.GreaterOrEqual(t, createCustomers, 0)
	assert.Less(t, createCustomers, createOrders)
	assert.Less(t, ev.last("copy public.customers"), ev.first("copy public.orders"))

	fk := ev.first("FOREIGN KEY")
	require.GreaterOrEqual(t, fk, 0)
	assert.Greater(t, fk, ev.last("copy "))
	assert.Greater(t, ev.first("DBCC CHECKIDENT (N'[public].[customers]', RESEED)"), ev.last("copy "))

	for _, r := range summary.Tables {
		assert.Equal(t, stageForeignKeysCreated, r.Stage, r.Ref.String())
		assert.NoError(t, r.Err)
	}
	assert.EqualValues(t, 3, summary.result(customersRef).Rows)
	assert.EqualValues(t, 5, summary.result(ordersRef).Rows)
	assert.EqualValues(t, 3, summary.result(ordersRef).Batches)
}

func TestMigrator_SkipFailedTable(t *testing.T) {
	ev := &eventLog{}
	m := newTestMigrator(testConfig(), ev, map[TableRef]error{customersRef: errors.New("disk full")})

	summary, err := m.run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "1 of 2 tables failed", err.Error())
	assert.Equal(t, 1, summary.Failed)

	customers := summary.result(customersRef)
	require.Error(t, customers.Err)
	assert.Contains(t, customers.Err.Error(), "disk full")
	assert.Equal(t, stageTableCreated, customers.Stage)

	orders := summary.result(ordersRef)
	assert.NoError(t, orders.Err)
	assert.Equal(t, stageIndexesCreated, orders.Stage)
	assert.EqualValues(t, 5, orders.Rows)
	assert.Contains(t, orders.Skipped, "public.customers")
	assert.Equal(t, -1, ev.first("FOREIGN KEY"))
}

func TestMigrator_ReferencedTableConstraintFailure(t *testing.T) {
	ev := &eventLog{}
	m := newTestMigrator(testConfig(), ev, nil)
	m.ddl = newScriptExecer(io.Discard, loggingExecer{log: ev, failOn: "DBCC CHECKIDENT (N'[public].[customers]'"})

	summary, err := m.run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "1 of 2 tables failed", err.Error())

	customers := summary.result(customersRef)
	require.Error(t, customers.Err)
	assert.Contains(t, customers.Err.Error(), "identity reseed")
	assert.Equal(t, stageIndexesCreated, customers.Stage)

	// customers has its primary key, so the orders foreign key still goes in.
	orders := summary.result(ordersRef)
	assert.NoError(t, orders.Err)
	assert.Empty(t, orders.Skipped)
	assert.Equal(t, stageForeignKeysCreated, orders.Stage)
	assert.GreaterOrEqual(t, ev.first("REFERENCES [public].[customers]"), 0)
}

func TestMigrator_AbortStopsRemainingTables(t *testing.T) {
	cfg := testConfig()
	cfg.OnTableError = "abort"
	ev := &eventLog{}
	m := newTestMigrator(cfg, ev, map[TableRef]error{customersRef: errors.New("disk full")})

	summary, err := m.run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public.customers")
	assert.Contains(t, err.Error(), "disk full")

	assert.Equal(t, -1, ev.first("CREATE TABLE [public].[orders]"))
	assert.Contains(t, summary.result(ordersRef).Err.Error(), "not started")
	assert.Equal(t, 2, summary.Failed)
}

func TestMigrator_Resume(t *testing.T) {
	ctx := context.Background()
	store, err := openCheckpointStore(ctx, filepath.Join(t.TempDir(), "state.db"), false)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.save(ctx, tableCheckpoint{Schema: "public", Table: "customers", Stage: stageDataCopied, RowsCopied: 3, Batches: 2}))
	require.NoError(t, store.save(ctx, tableCheckpoint{Schema: "public", Table: "orders", Stage: stageTableCreated, RowsCopied: 2, Batches: 1}))

	ev := &eventLog{}
	m := newTestMigrator(testConfig(), ev, nil)
	m.store = store

	summary, err := m.run(ctx)
	require.NoError(t, err)

	assert.Equal(t, -1, ev.first("CREATE TABLE [public].[customers]"))
	assert.Equal(t, -1, ev.first("copy public.customers"))
	assert.True(t, summary.result(customersRef).Resumed)

	clear := ev.first("DELETE FROM [public].[orders]")
	require.GreaterOrEqual(t, clear, 0)
	assert.Less(t, clear, ev.first("copy public.orders"))
	assert.GreaterOrEqual(t, ev.first("FOREIGN KEY"), 0)

	cps, err := store.load(ctx)
	require.NoError(t, err)
	assert.Equal(t, stageForeignKeysCreated, cps[customersRef].Stage)
	assert.Equal(t, stageForeignKeysCreated, cps[ordersRef].Stage)
	assert.EqualValues(t, 5, cps[ordersRef].RowsCopied)
}

func TestMigrator_RerunIsNoop(t *testing.T) {
	ctx := context.Background()
	store, err := openCheckpointStore(ctx, filepath.Join(t.TempDir(), "state.db"), false)
	require.NoError(t, err)
	defer store.Close()

	first := &eventLog{}
	m := newTestMigrator(testConfig(), first, nil)
	m.store = store
	_, err = m.run(ctx)
	require.NoError(t, err)

	second := &eventLog{}
	m = newTestMigrator(testConfig(), second, nil)
	m.store = store
	summary, err := m.run(ctx)
	require.NoError(t, err)

	assert.Equal(t, -1, second.first("CREATE TABLE"))
	assert.Equal(t, -1, second.first("copy "))
	assert.Equal(t, -1, second.first("FOREIGN KEY"))
	for _, r := range summary.Tables {
		assert.True(t, r.Resumed, r.Ref.String())
		assert.Equal(t, stageForeignKeysCreated, r.Stage)
	}
}

func TestMigrator_DryRunWritesScriptOnly(t *testing.T) {
	var script strings.Builder
	m := &migrator{
		cfg:     testConfig(),
		catalog: &fakeCatalog{tables: shopTables()},
		ddl:     newScriptExecer(&script, nil),
	}

	_, err := m.run(context.Background())
	require.NoError(t, err)

	out := script.String()
	assert.Contains(t, out, "CREATE TABLE [public].[customers]")
	assert.Contains(t, out, "CREATE INDEX [IX_public_orders_orders_customer_idx]")
	assert.Contains(t, out, "REFERENCES [public].[customers] ([id])")
	assert.Less(t, strings.Index(out, "CREATE TABLE [public].[customers]"), strings.Index(out, "CREATE TABLE [public].[orders]"))
	assert.NotContains(t, out, "DELETE FROM")
}

func TestMigrator_CatalogErrorIsFatal(t *testing.T) {
	ev := &eventLog{}
	m := newTestMigrator(testConfig(), ev, nil)
	m.catalog = &fakeCatalog{tables: shopTables(), describeErr: errors.New("permission denied")}

	summary, err := m.run(context.Background())
	require.Error(t, err)
	assert.Nil(t, summary)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Empty(t, ev.events)
}

func TestMigrator_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev := &eventLog{}
	m := newTestMigrator(testConfig(), ev, nil)
	m.catalog = &fakeCatalog{tables: shopTables()}

	_, err := m.run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
