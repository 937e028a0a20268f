package main

import "fmt"

// collectTypeFallbackWarnings lists columns whose source type has no SQL
// Server counterpart and is stored as NVARCHAR(MAX) text.
func collectTypeFallbackWarnings(schema *Schema) []string {
	if schema == nil {
		return nil
	}

	var warnings []string
	for _, t := range schema.Tables {
		for _, col := range t.Columns {
			if !isFallbackType(col) {
				continue
			}
			typ := col.DataType
			if col.UDTName != "" && col.UDTName != col.DataType {
				typ = fmt.Sprintf("%s (%s)", col.DataType, col.UDTName)
			}
			warnings = append(warnings, fmt.Sprintf("%s.%s: %s has no direct mapping, stored as %s",
				t.Ref, col.Name, typ, unboundedTextType))
		}
	}
	return warnings
}
