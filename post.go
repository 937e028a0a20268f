package main

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// execSQL is a helper that runs a single statement and reports errors with context.
func execSQL(ctx context.Context, ex sqlExecer, desc, query string) error {
	if _, err := ex.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("%s: %w\nSQL: %s", desc, err, query)
	}
	return nil
}

// generateCreateIndex produces a guarded CREATE INDEX statement. Unique
// indexes over nullable columns are filtered to non-NULL keys because SQL
// Server treats NULLs as equal in unique indexes and PostgreSQL does not.
// A filtered index cannot back a foreign key, so referenced indexes stay
// unfiltered.
func generateCreateIndex(t *Table, idx Index) string {
	name := indexName(t.Ref, idx)

	keys := make([]string, len(idx.Columns))
	for i, c := range idx.Columns {
		keys[i] = msIdent(c)
		if i < len(idx.Descending) && idx.Descending[i] {
			keys[i] += " DESC"
		}
	}

	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}

	var b strings.Builder
	fmt.Fprintf(&b, "IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = %s AND object_id = OBJECT_ID(%s))\n",
		msLiteral(name), msLiteral(msTable(t.Ref)))
	fmt.Fprintf(&b, "CREATE %sINDEX %s ON %s (%s)", unique, msIdent(name), msTable(t.Ref), strings.Join(keys, ", "))
	if len(idx.Include) > 0 {
		fmt.Fprintf(&b, " INCLUDE (%s)", quotedColumnList(idx.Include))
	}
	if idx.Unique && !idx.Referenced {
		var filters []string
		for _, c := range nullableKeyColumns(t, idx) {
			filters = append(filters, msIdent(c)+" IS NOT NULL")
		}
		if len(filters) > 0 {
			fmt.Fprintf(&b, " WHERE %s", strings.Join(filters, " AND "))
		}
	}
	return b.String()
}

// createIndexes adds the table's supported indexes. Unsupported shapes are
// skipped; they were reported during planning.
func createIndexes(ctx context.Context, ex sqlExecer, t *Table) error {
	for _, idx := range t.Indexes {
		if _, unsupported := indexUnsupportedReason(t, idx); unsupported {
			continue
		}
		name := indexName(t.Ref, idx)
		if err := execSQL(ctx, ex, "index "+name, generateCreateIndex(t, idx)); err != nil {
			return err
		}
		log.Printf("    index %s on %s", name, t.Ref)
	}
	return nil
}

// fkAction renders an ON DELETE/ON UPDATE clause. RESTRICT and NO ACTION are
// the SQL Server default and are omitted.
func fkAction(verb, rule string) string {
	switch rule {
	case "CASCADE", "SET NULL", "SET DEFAULT":
		return fmt.Sprintf(" ON %s %s", verb, rule)
	default:
		return ""
	}
}

// generateAddForeignKey produces a guarded ALTER TABLE ... ADD CONSTRAINT
// FOREIGN KEY statement.
func generateAddForeignKey(t *Table, fk ForeignKey) string {
	name := foreignKeyName(t.Ref, fk)
	return fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.foreign_keys WHERE name = %s AND parent_object_id = OBJECT_ID(%s))\n"+
			"ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)%s%s",
		msLiteral(name), msLiteral(msTable(t.Ref)),
		msTable(t.Ref), msIdent(name), quotedColumnList(fk.Columns),
		msTable(fk.RefTableRef()), quotedColumnList(fk.RefColumns),
		fkAction("DELETE", fk.DeleteRule), fkAction("UPDATE", fk.UpdateRule),
	)
}

// addForeignKeys adds every foreign key declared on the table.
func addForeignKeys(ctx context.Context, ex sqlExecer, t *Table) error {
	for _, fk := range t.ForeignKeys {
		name := foreignKeyName(t.Ref, fk)
		if err := execSQL(ctx, ex, "foreign key "+name, generateAddForeignKey(t, fk)); err != nil {
			return err
		}
		log.Printf("    foreign key %s on %s -> %s", name, t.Ref, fk.RefTableRef())
	}
	return nil
}

// generateReseedIdentity moves the identity seed past the copied values.
func generateReseedIdentity(t *Table) string {
	return fmt.Sprintf("IF OBJECTPROPERTY(OBJECT_ID(%s), N'TableHasIdentity') = 1\nDBCC CHECKIDENT (%s, RESEED)",
		msLiteral(msTable(t.Ref)), msLiteral(msTable(t.Ref)))
}

func reseedIdentity(ctx context.Context, ex sqlExecer, t *Table) error {
	if !t.hasIdentity() {
		return nil
	}
	return execSQL(ctx, ex, "reseed "+t.Ref.String(), generateReseedIdentity(t))
}

// tableStep is one DDL step applied to a single table.
type tableStep struct {
	name string
	fn   func(context.Context, sqlExecer, *Table) error
}

// constraintSteps run for each table once all table data has been copied.
var constraintSteps = []tableStep{
	{"foreign keys", addForeignKeys},
	{"identity reseed", reseedIdentity},
}

func runTableSteps(ctx context.Context, ex sqlExecer, t *Table, steps []tableStep) error {
	for _, step := range steps {
		if err := step.fn(ctx, ex, t); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}
