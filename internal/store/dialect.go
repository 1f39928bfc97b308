package store

import (
	"context"

	sq "github.com/Masterminds/squirrel"
)

// Dialect abstracts database-specific SQL generation and behavior.
type Dialect interface {
	// Name returns "postgres", "sqlite" or "mysql".
	Name() string

	// DriverName returns the database/sql driver name.
	DriverName() string

	// GooseDialect returns the dialect name understood by goose.
	GooseDialect() string

	// Builder returns a squirrel statement builder using the dialect's placeholders.
	Builder() sq.StatementBuilderType

	// Quote quotes an identifier. Dotted identifiers are quoted per part.
	Quote(ident string) string

	// NowExpr returns the SQL expression for the current timestamp.
	NowExpr() string

	// SupportsReturning reports whether INSERT ... RETURNING is available.
	SupportsReturning() bool

	// SupportsWindowFunctions reports whether ROW_NUMBER() OVER (...) is available.
	SupportsWindowFunctions() bool

	// LowerExpr wraps a column for case-insensitive comparison.
	LowerExpr(col string) string

	// ColumnType maps a local field type to the database DDL type.
	ColumnType(localType string, precision, scale int) string

	// AutoIncrementPK returns the DDL column definition for a generated integer key.
	AutoIncrementPK(col string, big bool) string

	// SoftDeleteIndexSQL returns the CREATE INDEX statement for soft-delete filtering.
	SoftDeleteIndexSQL(table, column string) string

	// TableExists checks whether a table exists.
	TableExists(ctx context.Context, q Querier, table string) (bool, error)

	// Tables lists base tables in the current schema.
	Tables(ctx context.Context, q Querier) ([]string, error)

	// Columns returns the physical columns of a table in ordinal order.
	Columns(ctx context.Context, q Querier, table string) ([]Column, error)

	// ForeignKeys returns every foreign key in the current schema.
	ForeignKeys(ctx context.Context, q Querier) ([]ForeignKey, error)

	// MapError inspects a driver error and returns a *ConstraintError if applicable.
	MapError(err error) error

	// NeedsBoolFix returns true if boolean columns come back as integers.
	NeedsBoolFix() bool
}

// NewDialect creates a Dialect for the given driver name.
func NewDialect(driver string) Dialect {
	switch driver {
	case "sqlite":
		return &SQLiteDialect{}
	case "mysql":
		return &MySQLDialect{}
	default:
		return &PostgresDialect{}
	}
}
