package main

import (
	"fmt"
	"sort"
	"strings"
)

// collectCollationWarnings reports explicit source collations, which are not
// carried over, and unique keys on text columns. PostgreSQL compares text
// case-sensitively by default while SQL Server databases commonly use a
// case-insensitive collation, so such keys can reject rows on the target.
func collectCollationWarnings(schema *Schema, typeMap TypeMappingConfig) []string {
	collations := make(map[string][]string)
	var keyWarnings []string

	for _, t := range schema.Tables {
		for _, col := range t.Columns {
			if col.Collation != "" {
				collations[col.Collation] = append(collations[col.Collation], t.Ref.String()+"."+col.Name)
			}
		}

		if cols := textKeyColumns(t, t.PrimaryKey, typeMap); len(cols) > 0 {
			keyWarnings = append(keyWarnings, fmt.Sprintf(
				"%s (primary key): text column(s) %s; values differing only by case collide under a case-insensitive target collation",
				t.Ref, strings.Join(cols, ", ")))
		}
		for _, idx := range t.Indexes {
			if !idx.Unique {
				continue
			}
			if _, unsupported := indexUnsupportedReason(t, idx); unsupported {
				continue
			}
			if cols := textKeyColumns(t, idx.Columns, typeMap); len(cols) > 0 {
				keyWarnings = append(keyWarnings, fmt.Sprintf(
					"%s (%s): text column(s) %s; values differing only by case collide under a case-insensitive target collation",
					t.Ref, idx.Name, strings.Join(cols, ", ")))
			}
		}
	}

	var warnings []string
	for _, coll := range sortedKeys(collations) {
		warnings = append(warnings, fmt.Sprintf(
			"collation %q is not carried over; target columns use the database default: %s",
			coll, strings.Join(collations[coll], ", ")))
	}
	return append(warnings, keyWarnings...)
}

// textKeyColumns returns the key columns that map to character types.
func textKeyColumns(t *Table, key []string, typeMap TypeMappingConfig) []string {
	var out []string
	for _, name := range key {
		col, ok := t.column(name)
		if !ok {
			continue
		}
		if isTextLikeMSType(mapType(col, typeMap)) {
			out = append(out, name)
		}
	}
	return out
}

// isTextLikeMSType reports whether a SQL Server type compares by collation.
func isTextLikeMSType(msType string) bool {
	upper := strings.ToUpper(msType)
	for _, prefix := range []string{"NVARCHAR", "NCHAR", "VARCHAR", "CHAR"} {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

// sortedKeys returns the keys of a map in sorted order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
