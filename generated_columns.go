package main

import "fmt"

// collectGeneratedColumnWarnings lists stored generated columns. Their values
// are copied as plain data.
func collectGeneratedColumnWarnings(schema *Schema) []string {
	if schema == nil {
		return nil
	}

	var warnings []string
	for _, t := range schema.Tables {
		for _, col := range t.Columns {
			if !col.Generated {
				continue
			}
			warnings = append(warnings, fmt.Sprintf(
				"generated column %s.%s will be materialized as plain data; generation expression is not recreated",
				t.Ref, col.Name,
			))
		}
	}
	return warnings
}
