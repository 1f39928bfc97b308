package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	"github.com/spf13/cast"
)

// MySQLDialect implements Dialect for MySQL 8 via go-sql-driver/mysql.
// MySQL has no INSERT ... RETURNING, so generated keys are read back
// inside the inserting transaction.
type MySQLDialect struct{}

func (d *MySQLDialect) Name() string                  { return "mysql" }
func (d *MySQLDialect) DriverName() string            { return "mysql" }
func (d *MySQLDialect) GooseDialect() string          { return "mysql" }
func (d *MySQLDialect) NowExpr() string               { return "CURRENT_TIMESTAMP" }
func (d *MySQLDialect) SupportsReturning() bool       { return false }
func (d *MySQLDialect) SupportsWindowFunctions() bool { return true }
func (d *MySQLDialect) NeedsBoolFix() bool            { return true }

func (d *MySQLDialect) Builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}

func (d *MySQLDialect) Quote(ident string) string { return quoteWith(ident, "`") }

func (d *MySQLDialect) LowerExpr(col string) string { return "LOWER(" + col + ")" }

func (d *MySQLDialect) ColumnType(localType string, precision, scale int) string {
	switch localType {
	case TypeString:
		return "VARCHAR(255)"
	case TypeText:
		return "TEXT"
	case TypeInteger:
		return "INT"
	case TypeBigInteger:
		return "BIGINT"
	case TypeFloat:
		return "FLOAT"
	case TypeDecimal:
		if precision <= 0 {
			precision, scale = 10, 5
		}
		return fmt.Sprintf("DECIMAL(%d,%d)", precision, scale)
	case TypeBoolean:
		return "TINYINT(1)"
	case TypeUUID:
		return "CHAR(36)"
	case TypeTimestamp:
		return "TIMESTAMP NULL"
	case TypeDateTime:
		return "DATETIME"
	case TypeDate:
		return "DATE"
	case TypeTime:
		return "TIME"
	case TypeJSON:
		return "JSON"
	case TypeBinary:
		return "BLOB"
	default:
		return "TEXT"
	}
}

func (d *MySQLDialect) AutoIncrementPK(col string, big bool) string {
	// signed so that plain INT foreign keys can reference it
	if big {
		return d.Quote(col) + " BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY"
	}
	return d.Quote(col) + " INT NOT NULL AUTO_INCREMENT PRIMARY KEY"
}

func (d *MySQLDialect) SoftDeleteIndexSQL(table, column string) string {
	// no partial indexes in MySQL
	return fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
		d.Quote("idx_"+table+"_"+column), d.Quote(table), d.Quote(column))
}

func (d *MySQLDialect) TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?",
		table,
	).Scan(&n)
	return n > 0, err
}

func (d *MySQLDialect) Tables(ctx context.Context, q Querier) ([]string, error) {
	return tableNames(ctx, q, `SELECT table_name AS table_name FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name`)
}

func (d *MySQLDialect) Columns(ctx context.Context, q Querier, table string) ([]Column, error) {
	rows, err := QueryRows(ctx, q, `SELECT column_name AS column_name, column_type AS column_type,
			is_nullable AS is_nullable, column_default AS column_default,
			numeric_precision AS numeric_precision, numeric_scale AS numeric_scale,
			column_key AS column_key, extra AS extra
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}

	cols := make([]Column, 0, len(rows))
	for _, r := range rows {
		extra := strings.ToLower(cast.ToString(r["extra"]))
		col := Column{
			Table:         table,
			Name:          cast.ToString(r["column_name"]),
			DataType:      cast.ToString(r["column_type"]),
			Nullable:      cast.ToString(r["is_nullable"]) == "YES",
			IsPrimaryKey:  cast.ToString(r["column_key"]) == "PRI",
			AutoIncrement: strings.Contains(extra, "auto_increment"),
			IsGenerated:   strings.Contains(extra, "generated"),
			Precision:     cast.ToInt(r["numeric_precision"]),
			Scale:         cast.ToInt(r["numeric_scale"]),
		}
		if def := r["column_default"]; def != nil {
			col.DefaultValue = def
		}
		cols = append(cols, col)
	}
	return cols, nil
}

func (d *MySQLDialect) ForeignKeys(ctx context.Context, q Querier) ([]ForeignKey, error) {
	return foreignKeys(ctx, q, `SELECT kcu.table_name AS table_name, kcu.column_name AS column_name,
			kcu.referenced_table_name AS foreign_table, kcu.referenced_column_name AS foreign_column,
			rc.delete_rule AS on_delete
		FROM information_schema.key_column_usage kcu
		JOIN information_schema.referential_constraints rc
		  ON rc.constraint_name = kcu.constraint_name AND rc.constraint_schema = kcu.table_schema
		WHERE kcu.table_schema = DATABASE() AND kcu.referenced_table_name IS NOT NULL`)
}

var (
	mysqlDuplicate = regexp.MustCompile(`Duplicate entry '(.*)' for key '(?:[^.']+\.)?([^']+)'`)
	mysqlNotNull   = regexp.MustCompile(`Column '([^']+)' cannot be null`)
)

func (d *MySQLDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}
	ce := &ConstraintError{Err: err}
	switch myErr.Number {
	case 1062:
		ce.Kind = ErrUniqueViolation
		if m := mysqlDuplicate.FindStringSubmatch(myErr.Message); m != nil {
			ce.Value = m[1]
			ce.Column = uniqueIndexColumn(m[2])
		}
	case 1451, 1452:
		ce.Kind = ErrForeignKeyViolation
	case 1048:
		ce.Kind = ErrNotNullViolation
		if m := mysqlNotNull.FindStringSubmatch(myErr.Message); m != nil {
			ce.Column = m[1]
		}
	default:
		return err
	}
	return ce
}

// uniqueIndexColumn recovers the column from index names created by the
// migrator ("uniq_<table>__<column>").
func uniqueIndexColumn(index string) string {
	if _, col, ok := strings.Cut(index, "__"); ok {
		return col
	}
	return index
}
