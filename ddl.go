package main

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
)

// sqlExecer runs a statement on the target. *sql.DB, *sql.Conn and *sql.Tx
// all satisfy it.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// scriptExecer records every statement into a T-SQL script, separated by GO,
// before passing it on. With a nil target it only records, which is how
// dry runs produce the DDL without touching SQL Server.
type scriptExecer struct {
	mu     sync.Mutex
	w      io.Writer
	target sqlExecer
}

func newScriptExecer(w io.Writer, target sqlExecer) *scriptExecer {
	return &scriptExecer{w: w, target: target}
}

func (s *scriptExecer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	_, err := fmt.Fprintf(s.w, "%s;\nGO\n\n", query)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write ddl script: %w", err)
	}
	if s.target == nil {
		return driver.RowsAffected(0), nil
	}
	return s.target.ExecContext(ctx, query, args...)
}

// schemaDDL creates a target schema unless it already exists. CREATE SCHEMA
// must be alone in its batch, hence EXEC.
func schemaDDL(schema string) string {
	return fmt.Sprintf("IF NOT EXISTS (SELECT 1 FROM sys.schemas WHERE name = %s) EXEC(%s)",
		msLiteral(schema), msLiteral("CREATE SCHEMA "+msIdent(schema)))
}

// ensureSchemas creates every schema referenced by the given tables.
func ensureSchemas(ctx context.Context, ex sqlExecer, tables []*Table) error {
	seen := make(map[string]bool)
	var schemas []string
	for _, t := range tables {
		if !seen[t.Ref.Schema] {
			seen[t.Ref.Schema] = true
			schemas = append(schemas, t.Ref.Schema)
		}
	}
	sort.Strings(schemas)

	for _, s := range schemas {
		if err := execSQL(ctx, ex, "schema "+s, schemaDDL(s)); err != nil {
			return err
		}
	}
	return nil
}

// generateCreateTable produces a guarded CREATE TABLE statement. The primary
// key is declared inline; indexes and foreign keys are added separately.
func generateCreateTable(t *Table, tm TypeMappingConfig) string {
	defs := make([]string, 0, len(t.Columns)+1)
	for _, col := range t.Columns {
		null := "NULL"
		if !col.Nullable || col.AutoIncrement {
			null = "NOT NULL"
		}
		defs = append(defs, fmt.Sprintf("%s %s %s", msIdent(col.Name), mapType(col, tm), null))
	}
	if len(t.PrimaryKey) > 0 {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s PRIMARY KEY (%s)",
			msIdent(primaryKeyName(t.Ref)), quotedColumnList(t.PrimaryKey)))
	}

	return fmt.Sprintf("IF OBJECT_ID(%s, N'U') IS NULL\nCREATE TABLE %s(%s)",
		msLiteral(msTable(t.Ref)), msTable(t.Ref), strings.Join(defs, ", "))
}

// createTable creates the target table if it does not exist yet.
func createTable(ctx context.Context, ex sqlExecer, t *Table, tm TypeMappingConfig) error {
	log.Printf("  creating %s", msTable(t.Ref))
	return execSQL(ctx, ex, "create table "+t.Ref.String(), generateCreateTable(t, tm))
}

// quotedColumnList joins column names with bracket quoting.
func quotedColumnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = msIdent(c)
	}
	return strings.Join(quoted, ", ")
}
