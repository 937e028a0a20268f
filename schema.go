package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// maxMSSQLIdentLen is the SQL Server sysname length.
const maxMSSQLIdentLen = 128

// msIdent returns a bracket-quoted SQL Server identifier.
func msIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// msTable returns [schema].[table].
func msTable(ref TableRef) string {
	return msIdent(ref.Schema) + "." + msIdent(ref.Name)
}

// msLiteral returns an N'...' unicode string literal.
func msLiteral(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// pgIdent returns a double-quoted PostgreSQL identifier. Source names are
// always quoted so mixed-case names survive.
func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// pgTable returns "schema"."table".
func pgTable(ref TableRef) string {
	return pgx.Identifier{ref.Schema, ref.Name}.Sanitize()
}

// objectName builds a deterministic constraint/index name from a prefix and
// parts, e.g. PK_public_users. Names longer than the SQL Server limit are
// truncated and suffixed with a hash of the full name to stay unique.
func objectName(prefix string, parts ...string) string {
	name := prefix + "_" + strings.Join(parts, "_")
	runes := []rune(name)
	if len(runes) <= maxMSSQLIdentLen {
		return name
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	suffix := fmt.Sprintf("_%08x", h.Sum32())
	return string(runes[:maxMSSQLIdentLen-len(suffix)]) + suffix
}

func primaryKeyName(ref TableRef) string {
	return objectName("PK", ref.Schema, ref.Name)
}

func indexName(ref TableRef, idx Index) string {
	return objectName("IX", ref.Schema, ref.Name, idx.Name)
}

func foreignKeyName(ref TableRef, fk ForeignKey) string {
	return objectName("FK", ref.Schema, ref.Name, fk.Name)
}

// collectStringRows is a helper to collect single-column string results.
func collectStringRows(ctx context.Context, q catalogQuerier, query string, args ...any) ([]string, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
