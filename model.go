package main

import "fmt"

// TableRef identifies a source table. It is also the identity of the
// migrated table in SQL Server.
type TableRef struct {
	Schema string
	Name   string
}

func (r TableRef) String() string {
	return fmt.Sprintf("%s.%s", r.Schema, r.Name)
}

// Less orders refs by schema, then name.
func (r TableRef) Less(o TableRef) bool {
	if r.Schema != o.Schema {
		return r.Schema < o.Schema
	}
	return r.Name < o.Name
}

// Column represents a single column from PostgreSQL information_schema.columns.
type Column struct {
	Name          string
	DataType      string // information_schema data_type, lower-cased, e.g. "character varying"
	UDTName       string // e.g. "varchar", "int4", "_text"
	Nullable      bool
	CharMaxLen    *int64 // character types only
	Precision     *int64 // numeric/decimal only
	Scale         *int64 // numeric/decimal only
	Default       *string
	AutoIncrement bool   // nextval() default or identity column
	Generated     bool   // GENERATED ALWAYS AS (...) STORED
	Collation     string // explicit column collation, empty for the default
	OrdinalPos    int
}

// Index represents a non-primary PostgreSQL index read from pg_index.
type Index struct {
	Name          string
	Columns       []string // key columns, ordered by key position
	Descending    []bool   // per key column
	Include       []string // INCLUDE (...) columns
	Unique        bool
	Method        string // btree, hash, gin, gist, ...
	Partial       bool   // WHERE predicate present
	HasExpression bool   // at least one key part is an expression
	Definition    string // pg_get_indexdef output, for reporting
	Referenced    bool   // unique key targeted by a foreign key in the schema
}

// ForeignKey represents a PostgreSQL foreign key constraint. Column lists are
// aligned: Columns[i] references RefColumns[i].
type ForeignKey struct {
	Name       string
	Columns    []string
	RefSchema  string
	RefTable   string
	RefColumns []string
	UpdateRule string // NO ACTION, RESTRICT, CASCADE, SET NULL, SET DEFAULT
	DeleteRule string
}

// RefTableRef returns the referenced table.
func (fk ForeignKey) RefTableRef() TableRef {
	return TableRef{Schema: fk.RefSchema, Name: fk.RefTable}
}

// Table holds the full introspected definition of a PostgreSQL table.
type Table struct {
	Ref         TableRef
	Columns     []Column
	PrimaryKey  []string // ordered; empty means no primary key
	Indexes     []Index
	ForeignKeys []ForeignKey
}

// hasIdentity reports whether the table has a column that becomes an IDENTITY column.
func (t *Table) hasIdentity() bool {
	for _, c := range t.Columns {
		if c.AutoIncrement {
			return true
		}
	}
	return false
}

// column looks up a column by name.
func (t *Table) column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// columnNames returns the column names in ordinal order.
func (t *Table) columnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Schema holds all introspected tables, in catalog listing order.
type Schema struct {
	Tables []*Table
}
