package main

import (
	"strings"
	"testing"
)

func TestCollectTypeFallbackWarnings(t *testing.T) {
	schema := &Schema{
		Tables: []*Table{
			{
				Ref: TableRef{Schema: "public", Name: "users"},
				Columns: []Column{
					{Name: "id", DataType: "integer", UDTName: "int4"},
					{Name: "prefs", DataType: "jsonb", UDTName: "jsonb"},
				},
			},
			{
				Ref: TableRef{Schema: "public", Name: "events"},
				Columns: []Column{
					{Name: "tags", DataType: "ARRAY", UDTName: "_text"},
					{Name: "seq", DataType: "bigint", AutoIncrement: true},
				},
			},
		},
	}

	warnings := collectTypeFallbackWarnings(schema)
	if len(warnings) != 2 {
		t.Fatalf("warnings len = %d, want 2 (%v)", len(warnings), warnings)
	}
	if !strings.Contains(warnings[1], "public.events.tags: ARRAY (_text)") {
		t.Errorf("unexpected warning: %q", warnings[1])
	}
}
