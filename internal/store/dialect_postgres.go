package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cast"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string                  { return "postgres" }
func (d *PostgresDialect) DriverName() string            { return "pgx" }
func (d *PostgresDialect) GooseDialect() string          { return "postgres" }
func (d *PostgresDialect) NowExpr() string               { return "NOW()" }
func (d *PostgresDialect) SupportsReturning() bool       { return true }
func (d *PostgresDialect) SupportsWindowFunctions() bool { return true }
func (d *PostgresDialect) NeedsBoolFix() bool            { return false }

func (d *PostgresDialect) Builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

func (d *PostgresDialect) Quote(ident string) string { return quoteWith(ident, `"`) }

func (d *PostgresDialect) LowerExpr(col string) string { return "LOWER(" + col + "::text)" }

func (d *PostgresDialect) ColumnType(localType string, precision, scale int) string {
	switch localType {
	case TypeString:
		return "VARCHAR(255)"
	case TypeText:
		return "TEXT"
	case TypeInteger:
		return "INTEGER"
	case TypeBigInteger:
		return "BIGINT"
	case TypeFloat:
		return "REAL"
	case TypeDecimal:
		if precision <= 0 {
			precision, scale = 10, 5
		}
		return fmt.Sprintf("NUMERIC(%d,%d)", precision, scale)
	case TypeBoolean:
		return "BOOLEAN"
	case TypeUUID:
		return "UUID"
	case TypeTimestamp:
		return "TIMESTAMPTZ"
	case TypeDateTime:
		return "TIMESTAMP"
	case TypeDate:
		return "DATE"
	case TypeTime:
		return "TIME"
	case TypeJSON:
		return "JSON"
	case TypeBinary:
		return "BYTEA"
	default:
		return "TEXT"
	}
}

func (d *PostgresDialect) AutoIncrementPK(col string, big bool) string {
	if big {
		return d.Quote(col) + " BIGSERIAL PRIMARY KEY"
	}
	return d.Quote(col) + " SERIAL PRIMARY KEY"
}

func (d *PostgresDialect) SoftDeleteIndexSQL(table, column string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s) WHERE %s IS NULL",
		d.Quote("idx_"+table+"_"+column), d.Quote(table), d.Quote(column), d.Quote(column))
}

func (d *PostgresDialect) TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1 AND table_schema = current_schema())`,
		table,
	).Scan(&exists)
	return exists, err
}

func (d *PostgresDialect) Tables(ctx context.Context, q Querier) ([]string, error) {
	return tableNames(ctx, q, `SELECT table_name AS table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`)
}

func (d *PostgresDialect) Columns(ctx context.Context, q Querier, table string) ([]Column, error) {
	rows, err := QueryRows(ctx, q, `SELECT c.column_name AS column_name, c.data_type AS data_type,
			c.is_nullable AS is_nullable, c.column_default AS column_default,
			c.numeric_precision AS numeric_precision, c.numeric_scale AS numeric_scale,
			c.is_generated AS is_generated, c.is_identity AS is_identity
		FROM information_schema.columns c
		WHERE c.table_schema = current_schema() AND c.table_name = $1
		ORDER BY c.ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}

	pkRows, err := QueryRows(ctx, q, `SELECT kcu.column_name AS column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = current_schema() AND tc.table_name = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("primary key of %s: %w", table, err)
	}
	pks := make(map[string]bool, len(pkRows))
	for _, r := range pkRows {
		pks[cast.ToString(r["column_name"])] = true
	}

	cols := make([]Column, 0, len(rows))
	for _, r := range rows {
		def := r["column_default"]
		defStr := cast.ToString(def)
		auto := strings.HasPrefix(defStr, "nextval(") || cast.ToString(r["is_identity"]) == "YES"
		col := Column{
			Table:         table,
			Name:          cast.ToString(r["column_name"]),
			DataType:      cast.ToString(r["data_type"]),
			Nullable:      cast.ToString(r["is_nullable"]) == "YES",
			AutoIncrement: auto,
			IsGenerated:   cast.ToString(r["is_generated"]) == "ALWAYS",
			Precision:     cast.ToInt(r["numeric_precision"]),
			Scale:         cast.ToInt(r["numeric_scale"]),
		}
		col.IsPrimaryKey = pks[col.Name]
		if def != nil && !auto {
			col.DefaultValue = parsePgDefault(defStr)
		}
		cols = append(cols, col)
	}
	return cols, nil
}

var pgCastSuffix = regexp.MustCompile(`::[a-z ]+(\[\])?$`)

// parsePgDefault strips casts and quotes from a column_default expression.
func parsePgDefault(s string) any {
	s = pgCastSuffix.ReplaceAllString(s, "")
	if strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") && len(s) >= 2 {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if f, err := cast.ToFloat64E(s); err == nil {
		return f
	}
	return s
}

func (d *PostgresDialect) ForeignKeys(ctx context.Context, q Querier) ([]ForeignKey, error) {
	return foreignKeys(ctx, q, `SELECT kcu.table_name AS table_name, kcu.column_name AS column_name,
			ccu.table_name AS foreign_table, ccu.column_name AS foreign_column, rc.delete_rule AS on_delete
		FROM information_schema.referential_constraints rc
		JOIN information_schema.key_column_usage kcu
		  ON rc.constraint_name = kcu.constraint_name AND rc.constraint_schema = kcu.constraint_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON rc.unique_constraint_name = ccu.constraint_name AND rc.unique_constraint_schema = ccu.constraint_schema
		WHERE rc.constraint_schema = current_schema()`)
}

var pgKeyDetail = regexp.MustCompile(`Key \(([^)]+)\)=\((.*)\)`)

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		// With pgx/stdlib some wrapped errors only keep the message
		errStr := err.Error()
		if strings.Contains(errStr, "23505") || strings.Contains(errStr, "duplicate key") {
			return &ConstraintError{Kind: ErrUniqueViolation, Err: err}
		}
		return err
	}

	ce := &ConstraintError{Table: pgErr.TableName, Column: pgErr.ColumnName, Err: err}
	if m := pgKeyDetail.FindStringSubmatch(pgErr.Detail); m != nil {
		ce.Column = m[1]
		ce.Value = m[2]
	}
	switch pgErr.Code {
	case "23505":
		ce.Kind = ErrUniqueViolation
	case "23503":
		ce.Kind = ErrForeignKeyViolation
	case "23502":
		ce.Kind = ErrNotNullViolation
	default:
		return err
	}
	return ce
}
