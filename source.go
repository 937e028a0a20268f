package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// catalogQuerier is the read-only query capability the source side needs.
// *pgxpool.Pool, *pgxpool.Conn and *pgx.Conn all satisfy it.
type catalogQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// catalogReader abstracts source metadata introspection.
type catalogReader interface {
	// ListTables returns the base tables of the given schemas ordered by schema, then name.
	ListTables(ctx context.Context, schemas []string) ([]TableRef, error)

	// DescribeTable reads columns, primary key, indexes and foreign keys of one table.
	DescribeTable(ctx context.Context, ref TableRef) (*Table, error)

	// ListSourceObjects discovers views, routines and triggers that need manual migration.
	ListSourceObjects(ctx context.Context, schemas []string) (*SourceObjects, error)
}

// rowSource streams table data from the source.
type rowSource interface {
	// CountRows returns the row count used for progress reporting.
	CountRows(ctx context.Context, t *Table) (int64, error)

	// StreamRows calls fn for every row, with values in t.Columns order.
	StreamRows(ctx context.Context, t *Table, fn func(row []any) error) error
}

// introspectSchema lists and describes every table in the allow-listed schemas.
// Any catalog error aborts introspection.
func introspectSchema(ctx context.Context, cat catalogReader, schemas []string) (*Schema, error) {
	refs, err := cat.ListTables(ctx, schemas)
	if err != nil {
		return nil, fmt.Errorf("introspect tables: %w", err)
	}

	schema := &Schema{Tables: make([]*Table, 0, len(refs))}
	for _, ref := range refs {
		t, err := cat.DescribeTable(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("describe %s: %w", ref, err)
		}
		schema.Tables = append(schema.Tables, t)
	}
	markReferencedIndexes(schema)
	return schema, nil
}

// markReferencedIndexes flags unique indexes whose key columns are the
// referenced columns of some foreign key.
func markReferencedIndexes(schema *Schema) {
	byRef := make(map[TableRef]*Table, len(schema.Tables))
	for _, t := range schema.Tables {
		byRef[t.Ref] = t
	}
	for _, t := range schema.Tables {
		for _, fk := range t.ForeignKeys {
			rt := byRef[fk.RefTableRef()]
			if rt == nil {
				continue
			}
			for i := range rt.Indexes {
				idx := &rt.Indexes[i]
				if idx.Unique && sameColumnSet(idx.Columns, fk.RefColumns) {
					idx.Referenced = true
				}
			}
		}
	}
}

func sameColumnSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, c := range a {
		set[c] = true
	}
	for _, c := range b {
		if !set[c] {
			return false
		}
	}
	return true
}
