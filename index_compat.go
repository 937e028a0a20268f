package main

import (
	"fmt"
	"strings"
)

// indexUnsupportedReason reports why an index cannot be recreated in SQL Server.
func indexUnsupportedReason(t *Table, idx Index) (string, bool) {
	if idx.HasExpression {
		return "expression index key-parts are not supported", true
	}
	if idx.Partial {
		return "partial indexes (WHERE predicate) are not supported", true
	}
	if idx.Method != "" && idx.Method != "btree" {
		return fmt.Sprintf("index method %q is not supported", idx.Method), true
	}
	if len(idx.Columns) == 0 {
		return "index has no plain column key-parts", true
	}
	for _, name := range idx.Columns {
		col, ok := t.column(name)
		if !ok {
			return fmt.Sprintf("key column %q not found", name), true
		}
		if typ := mapType(col, TypeMappingConfig{}); strings.HasSuffix(typ, "(MAX)") {
			return fmt.Sprintf("key column %q maps to %s, which cannot be an index key", name, typ), true
		}
	}
	return "", false
}

func nullableKeyColumns(t *Table, idx Index) []string {
	var cols []string
	for _, c := range idx.Columns {
		if col, ok := t.column(c); ok && col.Nullable {
			cols = append(cols, c)
		}
	}
	return cols
}

func collectIndexCompatibilityWarnings(schema *Schema) []string {
	var warnings []string
	for _, t := range schema.Tables {
		for _, idx := range t.Indexes {
			if reason, unsupported := indexUnsupportedReason(t, idx); unsupported {
				warnings = append(warnings,
					fmt.Sprintf("%s (%s): %s; source definition: %s", t.Ref, idx.Name, reason, idx.Definition),
				)
				continue
			}
			if idx.Unique && idx.Referenced {
				if cols := nullableKeyColumns(t, idx); len(cols) > 0 {
					warnings = append(warnings, fmt.Sprintf(
						"%s (%s): unique key is referenced by a foreign key and is created without a NOT NULL filter; more than one NULL in %s will fail in SQL Server",
						t.Ref, idx.Name, strings.Join(cols, ", ")))
				}
			}
		}
	}
	return warnings
}
