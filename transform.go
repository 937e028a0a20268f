package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

const (
	// maxBoundedNVarchar is the largest length SQL Server accepts for NVARCHAR(n)/NCHAR(n).
	maxBoundedNVarchar      = 4000
	maxDecimalPrecision     = 38
	defaultDecimalPrecision = 18
	defaultDecimalScale     = 4

	identityType      = "INT IDENTITY(1,1)"
	bigIdentityType   = "BIGINT IDENTITY(1,1)"
	unboundedTextType = "NVARCHAR(MAX)"
)

// exactTypeMap maps lower-cased PostgreSQL type names to SQL Server types.
var exactTypeMap = map[string]string{
	"integer":                     "INT",
	"int":                         "INT",
	"int4":                        "INT",
	"bigint":                      "BIGINT",
	"int8":                        "BIGINT",
	"smallint":                    "SMALLINT",
	"int2":                        "SMALLINT",
	"boolean":                     "BIT",
	"bool":                        "BIT",
	"date":                        "DATE",
	"timestamp without time zone": "DATETIME2",
	"timestamp with time zone":    "DATETIME2",
	"timestamp":                   "DATETIME2",
	"timestamptz":                 "DATETIME2",
	"double precision":            "FLOAT",
	"float8":                      "FLOAT",
	"real":                        "REAL",
	"float4":                      "REAL",
	"uuid":                        "UNIQUEIDENTIFIER",
	"bytea":                       "VARBINARY(MAX)",
	"time without time zone":      "TIME",
	"time":                        "TIME",
	"money":                       "MONEY",
}

func normalizedType(col Column) string {
	return strings.ToLower(strings.TrimSpace(col.DataType))
}

// mapType returns the SQL Server type for a PostgreSQL column. It never fails:
// types without a mapping become NVARCHAR(MAX).
func mapType(col Column, typeMap TypeMappingConfig) string {
	dt := normalizedType(col)

	if col.AutoIncrement {
		if typeMap.BigintIdentity && (dt == "bigint" || dt == "int8") {
			return bigIdentityType
		}
		return identityType
	}

	if t, ok := exactTypeMap[dt]; ok {
		return t
	}

	switch dt {
	case "character varying", "varchar":
		return boundedText("NVARCHAR", col.CharMaxLen)
	case "character", "char", "bpchar":
		return boundedText("NCHAR", col.CharMaxLen)
	case "text":
		return unboundedTextType
	case "numeric", "decimal":
		return decimalType(col.Precision, col.Scale)
	}

	return unboundedTextType
}

func boundedText(base string, length *int64) string {
	if length == nil || *length <= 0 || *length > maxBoundedNVarchar {
		return unboundedTextType
	}
	return fmt.Sprintf("%s(%d)", base, *length)
}

func decimalType(precision, scale *int64) string {
	p := int64(defaultDecimalPrecision)
	if precision != nil && *precision > 0 {
		p = *precision
	}
	s := int64(defaultDecimalScale)
	if scale != nil && *scale >= 0 {
		s = *scale
	}
	if p > maxDecimalPrecision {
		p = maxDecimalPrecision
	}
	if s > p {
		s = p
	}
	return fmt.Sprintf("DECIMAL(%d,%d)", p, s)
}

// isFallbackType reports whether mapType had no explicit rule for the column
// and fell back to NVARCHAR(MAX).
func isFallbackType(col Column) bool {
	if col.AutoIncrement {
		return false
	}
	dt := normalizedType(col)
	if _, ok := exactTypeMap[dt]; ok {
		return false
	}
	switch dt {
	case "character varying", "varchar", "character", "char", "bpchar", "text", "numeric", "decimal":
		return false
	}
	return true
}

// sourceSelectExpr returns the projection used to read the column from
// PostgreSQL. Fallback types are cast to text on the source side so json,
// arrays and other PostgreSQL-only types arrive in their canonical text form.
func sourceSelectExpr(col Column) string {
	ident := pgIdent(col.Name)
	if isFallbackType(col) {
		return ident + "::text"
	}
	switch normalizedType(col) {
	case "money":
		return ident + "::numeric"
	}
	return ident
}

// transformValue converts a pgx row value to a value go-mssqldb can send.
// uuid values stay binary as uuid.UUID; each writer adapts them further.
func transformValue(val any, col Column) (any, error) {
	if val == nil {
		return nil, nil
	}

	switch v := val.(type) {
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case pgtype.Numeric:
		return numericString(v, col)
	case [16]byte:
		return uuid.UUID(v), nil
	case pgtype.Time:
		if !v.Valid {
			return nil, nil
		}
		return time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(v.Microseconds) * time.Microsecond), nil
	case time.Time:
		if normalizedType(col) == "timestamp with time zone" || normalizedType(col) == "timestamptz" {
			return v.UTC(), nil
		}
		return v, nil
	default:
		return val, nil
	}
}

func numericString(n pgtype.Numeric, col Column) (any, error) {
	if !n.Valid {
		return nil, nil
	}
	if n.NaN {
		return nil, fmt.Errorf("column %s: NaN cannot be stored as DECIMAL", col.Name)
	}
	if n.InfinityModifier != pgtype.Finite {
		return nil, fmt.Errorf("column %s: infinite numeric cannot be stored as DECIMAL", col.Name)
	}
	if n.Int == nil {
		return "0", nil
	}
	return decimal.NewFromBigInt(n.Int, n.Exp).String(), nil
}
