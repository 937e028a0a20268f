package main

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// nextvalRe matches column defaults generated by serial/bigserial columns.
var nextvalRe = regexp.MustCompile(`(?i)^\s*nextval\(`)

// postgresSource reads catalog metadata and row data from PostgreSQL.
type postgresSource struct {
	q catalogQuerier
}

func newPostgresSource(q catalogQuerier) *postgresSource {
	return &postgresSource{q: q}
}

// openSource connects to PostgreSQL. Sessions are read-only. When an SSH
// tunnel is configured every pool connection is dialed through it.
func openSource(ctx context.Context, cfg SourceConfig, maxConns int) (*pgxpool.Pool, func(), error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("parse source dsn: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "mssqlferry"
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	cleanup := func() {}
	if cfg.SSH.enabled() {
		tunnel, err := dialSSH(cfg.SSH)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("  tunnelling source connections through %s", tunnel.RemoteAddr())
		poolCfg.ConnConfig.DialFunc = tunnel.DialContext
		// The database host is resolved on the far side of the tunnel.
		poolCfg.ConnConfig.LookupFunc = func(_ context.Context, host string) ([]string, error) {
			return []string{host}, nil
		}
		cleanup = func() { tunnel.Close() }
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("connect source: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		cleanup()
		return nil, nil, fmt.Errorf("ping source: %w", err)
	}
	return pool, func() {
		pool.Close()
		cleanup()
	}, nil
}

func (s *postgresSource) ListTables(ctx context.Context, schemas []string) ([]TableRef, error) {
	rows, err := s.q.Query(ctx,
		`SELECT table_schema::text, table_name::text
		 FROM information_schema.tables
		 WHERE table_schema = ANY($1)
		   AND table_type = 'BASE TABLE'
		 ORDER BY table_schema, table_name`,
		schemas,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (TableRef, error) {
		var ref TableRef
		err := row.Scan(&ref.Schema, &ref.Name)
		return ref, err
	})
}

func (s *postgresSource) DescribeTable(ctx context.Context, ref TableRef) (*Table, error) {
	t := &Table{Ref: ref}

	cols, err := s.introspectColumns(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("introspect columns for %s: %w", ref, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s has no visible columns", ref)
	}
	t.Columns = cols

	pk, err := s.introspectPrimaryKey(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("introspect primary key for %s: %w", ref, err)
	}
	t.PrimaryKey = pk

	indexes, err := s.introspectIndexes(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("introspect indexes for %s: %w", ref, err)
	}
	t.Indexes = indexes

	fks, err := s.introspectForeignKeys(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("introspect foreign keys for %s: %w", ref, err)
	}
	t.ForeignKeys = fks

	return t, nil
}

func (s *postgresSource) introspectColumns(ctx context.Context, ref TableRef) ([]Column, error) {
	rows, err := s.q.Query(ctx,
		`SELECT column_name::text, data_type::text, udt_name::text, is_nullable::text,
		        character_maximum_length::int8, numeric_precision::int8, numeric_scale::int8,
		        column_default::text, is_identity::text, is_generated::text, ordinal_position::int4,
		        COALESCE(collation_name::text, '')
		 FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2
		 ORDER BY ordinal_position`,
		ref.Schema, ref.Name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		var nullable, identity, generated string
		if err := rows.Scan(
			&c.Name, &c.DataType, &c.UDTName, &nullable,
			&c.CharMaxLen, &c.Precision, &c.Scale,
			&c.Default, &identity, &generated, &c.OrdinalPos,
			&c.Collation,
		); err != nil {
			return nil, err
		}
		cols = append(cols, finishColumn(c, nullable, identity, generated))
	}
	return cols, rows.Err()
}

// finishColumn applies the catalog flags and drops metadata that is only
// meaningful for other type families.
func finishColumn(c Column, nullable, identity, generated string) Column {
	c.DataType = strings.ToLower(c.DataType)
	c.Nullable = nullable == "YES"
	c.Generated = generated == "ALWAYS"
	c.AutoIncrement = identity == "YES" || (c.Default != nil && nextvalRe.MatchString(*c.Default))

	switch c.DataType {
	case "numeric", "decimal":
	default:
		c.Precision, c.Scale = nil, nil
	}
	switch c.DataType {
	case "character varying", "character":
	default:
		c.CharMaxLen = nil
	}
	return c
}

func (s *postgresSource) introspectPrimaryKey(ctx context.Context, ref TableRef) ([]string, error) {
	return collectStringRows(ctx, s.q,
		`SELECT kcu.column_name::text
		 FROM information_schema.table_constraints tc
		 JOIN information_schema.key_column_usage kcu
		   ON kcu.constraint_schema = tc.constraint_schema
		  AND kcu.constraint_name = tc.constraint_name
		  AND kcu.table_name = tc.table_name
		 WHERE tc.constraint_type = 'PRIMARY KEY'
		   AND tc.table_schema = $1
		   AND tc.table_name = $2
		 ORDER BY kcu.ordinal_position`,
		ref.Schema, ref.Name,
	)
}

func (s *postgresSource) introspectIndexes(ctx context.Context, ref TableRef) ([]Index, error) {
	rows, err := s.q.Query(ctx,
		`SELECT ic.relname::text,
		        i.indisunique,
		        am.amname::text,
		        i.indpred IS NOT NULL,
		        i.indexprs IS NOT NULL,
		        i.indnkeyatts::int4,
		        ARRAY(SELECT COALESCE(a.attname::text, '')
		              FROM unnest(i.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord)
		              LEFT JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
		              ORDER BY k.ord),
		        ARRAY(SELECT (o.opt & 1) = 1
		              FROM unnest(i.indoption::int2[]) WITH ORDINALITY AS o(opt, ord)
		              ORDER BY o.ord),
		        pg_get_indexdef(i.indexrelid)
		 FROM pg_index i
		 JOIN pg_class c ON c.oid = i.indrelid
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 JOIN pg_class ic ON ic.oid = i.indexrelid
		 JOIN pg_am am ON am.oid = ic.relam
		 WHERE n.nspname = $1 AND c.relname = $2
		   AND NOT i.indisprimary
		 ORDER BY ic.relname`,
		ref.Schema, ref.Name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indexes []Index
	for rows.Next() {
		var idx Index
		var nKey int
		var attrs []string
		var desc []bool
		if err := rows.Scan(&idx.Name, &idx.Unique, &idx.Method, &idx.Partial, &idx.HasExpression,
			&nKey, &attrs, &desc, &idx.Definition); err != nil {
			return nil, err
		}
		indexes = append(indexes, splitIndexKey(idx, nKey, attrs, desc))
	}
	return indexes, rows.Err()
}

// splitIndexKey separates key columns from INCLUDE columns. Expression key
// parts come back as empty names and are dropped; HasExpression marks them.
func splitIndexKey(idx Index, nKey int, attrs []string, desc []bool) Index {
	if nKey > len(attrs) {
		nKey = len(attrs)
	}
	for i, name := range attrs[:nKey] {
		if name == "" {
			idx.HasExpression = true
			continue
		}
		idx.Columns = append(idx.Columns, name)
		idx.Descending = append(idx.Descending, i < len(desc) && desc[i])
	}
	for _, name := range attrs[nKey:] {
		if name != "" {
			idx.Include = append(idx.Include, name)
		}
	}
	return idx
}

func (s *postgresSource) introspectForeignKeys(ctx context.Context, ref TableRef) ([]ForeignKey, error) {
	rows, err := s.q.Query(ctx,
		`SELECT con.conname::text,
		        ARRAY(SELECT a.attname::text
		              FROM unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord)
		              JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
		              ORDER BY k.ord),
		        rn.nspname::text,
		        rc.relname::text,
		        ARRAY(SELECT a.attname::text
		              FROM unnest(con.confkey) WITH ORDINALITY AS k(attnum, ord)
		              JOIN pg_attribute a ON a.attrelid = con.confrelid AND a.attnum = k.attnum
		              ORDER BY k.ord),
		        con.confupdtype::text,
		        con.confdeltype::text
		 FROM pg_constraint con
		 JOIN pg_class c ON c.oid = con.conrelid
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 JOIN pg_class rc ON rc.oid = con.confrelid
		 JOIN pg_namespace rn ON rn.oid = rc.relnamespace
		 WHERE con.contype = 'f'
		   AND n.nspname = $1 AND c.relname = $2
		 ORDER BY con.conname`,
		ref.Schema, ref.Name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		var updType, delType string
		if err := rows.Scan(&fk.Name, &fk.Columns, &fk.RefSchema, &fk.RefTable, &fk.RefColumns, &updType, &delType); err != nil {
			return nil, err
		}
		if len(fk.Columns) != len(fk.RefColumns) {
			return nil, fmt.Errorf("foreign key %s: %d local columns but %d referenced columns",
				fk.Name, len(fk.Columns), len(fk.RefColumns))
		}
		fk.UpdateRule = fkActionRule(updType)
		fk.DeleteRule = fkActionRule(delType)
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

// fkActionRule decodes pg_constraint.confupdtype/confdeltype.
func fkActionRule(code string) string {
	switch code {
	case "r":
		return "RESTRICT"
	case "c":
		return "CASCADE"
	case "n":
		return "SET NULL"
	case "d":
		return "SET DEFAULT"
	default:
		return "NO ACTION"
	}
}

func (s *postgresSource) ListSourceObjects(ctx context.Context, schemas []string) (*SourceObjects, error) {
	objs := &SourceObjects{}
	var err error

	objs.Views, err = collectStringRows(ctx, s.q, `
		SELECT table_schema::text || '.' || table_name::text
		FROM information_schema.views
		WHERE table_schema = ANY($1)
		UNION ALL
		SELECT schemaname::text || '.' || matviewname::text
		FROM pg_matviews
		WHERE schemaname = ANY($1)
		ORDER BY 1
	`, schemas)
	if err != nil {
		return nil, fmt.Errorf("introspect views: %w", err)
	}

	objs.Routines, err = collectStringRows(ctx, s.q, `
		SELECT COALESCE(routine_type::text, 'FUNCTION') || ' ' || routine_schema::text || '.' || routine_name::text
		FROM information_schema.routines
		WHERE routine_schema = ANY($1)
		ORDER BY 1
	`, schemas)
	if err != nil {
		return nil, fmt.Errorf("introspect routines: %w", err)
	}

	objs.Triggers, err = collectStringRows(ctx, s.q, `
		SELECT DISTINCT trigger_schema::text || '.' || trigger_name::text
		FROM information_schema.triggers
		WHERE trigger_schema = ANY($1)
		ORDER BY 1
	`, schemas)
	if err != nil {
		return nil, fmt.Errorf("introspect triggers: %w", err)
	}

	objs.Sequences, err = collectStringRows(ctx, s.q, `
		SELECT n.nspname::text || '.' || c.relname::text
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'S'
		  AND n.nspname = ANY($1)
		  AND NOT EXISTS (
		    SELECT 1 FROM pg_depend d
		    WHERE d.objid = c.oid AND d.classid = 'pg_class'::regclass AND d.deptype IN ('a', 'i')
		  )
		ORDER BY 1
	`, schemas)
	if err != nil {
		return nil, fmt.Errorf("introspect sequences: %w", err)
	}

	return objs, nil
}

func (s *postgresSource) CountRows(ctx context.Context, t *Table) (int64, error) {
	var n int64
	if err := s.q.QueryRow(ctx, "SELECT count(*) FROM "+pgTable(t.Ref)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", t.Ref, err)
	}
	return n, nil
}

// selectQuery builds the source SELECT with exactly the table's columns in
// ordinal order, matching the target INSERT column list.
func selectQuery(t *Table) string {
	exprs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		exprs[i] = sourceSelectExpr(c)
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), pgTable(t.Ref))
}

func (s *postgresSource) StreamRows(ctx context.Context, t *Table, fn func(row []any) error) error {
	q := selectQuery(t)
	rows, err := s.q.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("select %s: %w\nSQL: %s", t.Ref, err, q)
	}
	defer rows.Close()

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return fmt.Errorf("read %s: %w", t.Ref, err)
		}
		for i := range vals {
			v, err := transformValue(vals[i], t.Columns[i])
			if err != nil {
				return fmt.Errorf("transform %s: %w", t.Ref, err)
			}
			vals[i] = v
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
	return rows.Err()
}
