package store

import (
	"context"
	"strings"

	"github.com/spf13/cast"
)

// Column describes a physical table column.
type Column struct {
	Table         string
	Name          string
	DataType      string
	Nullable      bool
	DefaultValue  any
	IsPrimaryKey  bool
	AutoIncrement bool
	IsGenerated   bool
	Precision     int
	Scale         int
}

// ForeignKey describes a single-column foreign key constraint.
type ForeignKey struct {
	Table         string
	Column        string
	ForeignTable  string
	ForeignColumn string
	OnDelete      string
}

// Local field types shared by the whole engine.
const (
	TypeBigInteger = "bigInteger"
	TypeBoolean    = "boolean"
	TypeDate       = "date"
	TypeDateTime   = "dateTime"
	TypeDecimal    = "decimal"
	TypeFloat      = "float"
	TypeInteger    = "integer"
	TypeJSON       = "json"
	TypeString     = "string"
	TypeText       = "text"
	TypeTime       = "time"
	TypeTimestamp  = "timestamp"
	TypeUUID       = "uuid"
	TypeBinary     = "binary"
	TypeCSV        = "csv"
	TypeAlias      = "alias"
	TypeUnknown    = "unknown"
)

// LocalType maps a database column type to a local field type.
func LocalType(dbType string) string {
	t := strings.ToLower(strings.TrimSpace(dbType))
	if t == "tinyint(1)" {
		return TypeBoolean
	}
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	t = strings.TrimSuffix(t, " unsigned")

	switch t {
	case "bigint", "int8", "bigserial":
		return TypeBigInteger
	case "int", "integer", "int4", "int2", "smallint", "tinyint", "mediumint", "serial", "smallserial":
		return TypeInteger
	case "bool", "boolean":
		return TypeBoolean
	case "real", "double", "double precision", "float", "float4", "float8":
		return TypeFloat
	case "decimal", "numeric":
		return TypeDecimal
	case "char", "varchar", "character varying", "character", "nvarchar", "nchar", "enum":
		return TypeString
	case "text", "tinytext", "mediumtext", "longtext", "clob":
		return TypeText
	case "json", "jsonb":
		return TypeJSON
	case "uuid":
		return TypeUUID
	case "date":
		return TypeDate
	case "datetime", "timestamp without time zone":
		return TypeDateTime
	case "timestamp", "timestamptz", "timestamp with time zone":
		return TypeTimestamp
	case "time", "time without time zone", "time with time zone":
		return TypeTime
	case "blob", "bytea", "binary", "varbinary", "longblob":
		return TypeBinary
	}
	return TypeUnknown
}

// quoteWith quotes every dot-separated part of ident with q.
func quoteWith(ident string, q string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		if p == "*" {
			continue
		}
		parts[i] = q + strings.ReplaceAll(p, q, q+q) + q
	}
	return strings.Join(parts, ".")
}

func tableNames(ctx context.Context, q Querier, sqlStr string, args ...any) ([]string, error) {
	rows, err := QueryRows(ctx, q, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, cast.ToString(r["table_name"]))
	}
	return names, nil
}

func foreignKeys(ctx context.Context, q Querier, sqlStr string, args ...any) ([]ForeignKey, error) {
	rows, err := QueryRows(ctx, q, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	fks := make([]ForeignKey, 0, len(rows))
	for _, r := range rows {
		fks = append(fks, ForeignKey{
			Table:         cast.ToString(r["table_name"]),
			Column:        cast.ToString(r["column_name"]),
			ForeignTable:  cast.ToString(r["foreign_table"]),
			ForeignColumn: cast.ToString(r["foreign_column"]),
			OnDelete:      strings.ToUpper(cast.ToString(r["on_delete"])),
		})
	}
	return fks, nil
}
