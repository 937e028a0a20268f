package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	mssql "github.com/microsoft/go-mssqldb"
)

const (
	// maxInsertParams stays below the SQL Server limit of 2100 parameters per request.
	maxInsertParams = 2000
	// maxInsertRows is the SQL Server limit of row value expressions per VALUES clause.
	maxInsertRows = 1000
)

// openTarget connects to SQL Server.
func openTarget(ctx context.Context, cfg TargetConfig, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open target: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping target: %w", err)
	}
	return db, nil
}

// batchWriter writes one batch of rows, in table column order, to the target.
type batchWriter interface {
	WriteBatch(ctx context.Context, rows [][]any) error
}

// newBatchWriter returns the writer for mode. INSERT BULK has no way to keep
// source identity values, so tables with an identity column always use
// INSERTs under IDENTITY_INSERT.
func newBatchWriter(db *sql.DB, t *Table, mode string) batchWriter {
	if mode == "insert" {
		return &insertWriter{db: db, t: t}
	}
	if t.hasIdentity() {
		log.Printf("  %s: identity column, using INSERT instead of bulk copy", t.Ref)
		return &insertWriter{db: db, t: t}
	}
	return &bulkWriter{db: db, t: t}
}

// bulkWriter loads each batch with the TDS bulk copy protocol inside its own
// transaction. It is only used for tables without an identity column.
type bulkWriter struct {
	db *sql.DB
	t  *Table
}

func (w *bulkWriter) WriteBatch(ctx context.Context, rows [][]any) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	opts := mssql.BulkOptions{KeepNulls: true}
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(msTable(w.t.Ref), opts, w.t.columnNames()...))
	if err != nil {
		return fmt.Errorf("prepare bulk copy into %s: %w", w.t.Ref, err)
	}
	for _, row := range rows {
		args := make([]any, len(row))
		for i, v := range row {
			args[i] = bulkValue(v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			stmt.Close()
			return fmt.Errorf("bulk copy into %s: %w", w.t.Ref, err)
		}
	}
	// An Exec without arguments flushes the buffered rows.
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("bulk copy into %s: %w", w.t.Ref, err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("bulk copy into %s: %w", w.t.Ref, err)
	}
	return tx.Commit()
}

// insertWriter sends each batch as parameterized multi-row INSERT statements
// inside its own transaction.
type insertWriter struct {
	db *sql.DB
	t  *Table
}

// insertChunkRows is the number of rows one INSERT statement carries for a
// table with ncols columns.
func insertChunkRows(ncols int) int {
	if ncols <= 0 {
		return maxInsertRows
	}
	n := maxInsertParams / ncols
	if n < 1 {
		n = 1
	}
	if n > maxInsertRows {
		n = maxInsertRows
	}
	return n
}

// insertStatement builds INSERT INTO [s].[t] ([a], [b]) VALUES (@p1, @p2), ...
// for nrows rows.
func insertStatement(t *Table, nrows int) string {
	ncols := len(t.Columns)
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", msTable(t.Ref), quotedColumnList(t.columnNames()))
	p := 1
	for r := 0; r < nrows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < ncols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			p++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// bulkValue adapts a row value to a type the bulk copy encoder accepts.
// GUID columns take raw bytes in SQL Server's mixed-endian order.
func bulkValue(v any) any {
	if u, ok := v.(uuid.UUID); ok {
		return mssql.UniqueIdentifier(u)
	}
	return v
}

// insertValue adapts a row value to a parameter type that matches the
// target column.
func insertValue(v any, col Column) any {
	switch v := v.(type) {
	case time.Time:
		if normalizedType(col) == "date" {
			return civil.DateOf(v)
		}
	case uuid.UUID:
		return v.String()
	}
	return v
}

func (w *insertWriter) WriteBatch(ctx context.Context, rows [][]any) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	identity := w.t.hasIdentity()
	if identity {
		if err := execSQL(ctx, tx, "identity insert on", "SET IDENTITY_INSERT "+msTable(w.t.Ref)+" ON"); err != nil {
			return err
		}
	}

	chunk := insertChunkRows(len(w.t.Columns))
	for start := 0; start < len(rows); start += chunk {
		end := min(start+chunk, len(rows))
		args := make([]any, 0, (end-start)*len(w.t.Columns))
		for _, row := range rows[start:end] {
			for i, v := range row {
				args = append(args, insertValue(v, w.t.Columns[i]))
			}
		}
		q := insertStatement(w.t, end-start)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", w.t.Ref, err)
		}
	}

	if identity {
		if err := execSQL(ctx, tx, "identity insert off", "SET IDENTITY_INSERT "+msTable(w.t.Ref)+" OFF"); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// clearTable deletes rows left behind by an interrupted copy.
func clearTable(ctx context.Context, ex sqlExecer, t *Table) error {
	return execSQL(ctx, ex, "clear "+t.Ref.String(), "DELETE FROM "+msTable(t.Ref))
}
