package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/spf13/cast"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string                  { return "sqlite" }
func (d *SQLiteDialect) DriverName() string            { return "sqlite" }
func (d *SQLiteDialect) GooseDialect() string          { return "sqlite3" }
func (d *SQLiteDialect) NowExpr() string               { return "CURRENT_TIMESTAMP" }
func (d *SQLiteDialect) SupportsReturning() bool       { return true }
func (d *SQLiteDialect) SupportsWindowFunctions() bool { return true }
func (d *SQLiteDialect) NeedsBoolFix() bool            { return true }

func (d *SQLiteDialect) Builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}

func (d *SQLiteDialect) Quote(ident string) string { return quoteWith(ident, `"`) }

func (d *SQLiteDialect) LowerExpr(col string) string { return "LOWER(" + col + ")" }

func (d *SQLiteDialect) ColumnType(localType string, precision, scale int) string {
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
		return fmt.Sprintf("DECIMAL(%d,%d)", precision, scale)
	case TypeBoolean:
		return "BOOLEAN"
	case TypeUUID:
		return "UUID"
	case TypeTimestamp:
		return "TIMESTAMP"
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

func (d *SQLiteDialect) AutoIncrementPK(col string, _ bool) string {
	return d.Quote(col) + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (d *SQLiteDialect) SoftDeleteIndexSQL(table, column string) string {
	// SQLite supports partial indexes (3.8.0+)
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s) WHERE %s IS NULL",
		d.Quote("idx_"+table+"_"+column), d.Quote(table), d.Quote(column), d.Quote(column))
}

func (d *SQLiteDialect) TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var name string
	err := q.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
		table,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *SQLiteDialect) Tables(ctx context.Context, q Querier) ([]string, error) {
	return tableNames(ctx, q, `SELECT name AS table_name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
}

func (d *SQLiteDialect) Columns(ctx context.Context, q Querier, table string) ([]Column, error) {
	rows, err := QueryRows(ctx, q, fmt.Sprintf("PRAGMA table_info(%s)", d.Quote(table)))
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}

	pkCount := 0
	for _, r := range rows {
		if cast.ToInt(r["pk"]) > 0 {
			pkCount++
		}
	}

	cols := make([]Column, 0, len(rows))
	for _, r := range rows {
		dataType := cast.ToString(r["type"])
		isPK := cast.ToInt(r["pk"]) > 0
		col := Column{
			Table:        table,
			Name:         cast.ToString(r["name"]),
			DataType:     dataType,
			Nullable:     cast.ToInt(r["notnull"]) == 0 && !isPK,
			IsPrimaryKey: isPK,
		}
		// INTEGER PRIMARY KEY aliases the rowid and is assigned automatically
		if isPK && pkCount == 1 && strings.EqualFold(dataType, "INTEGER") {
			col.AutoIncrement = true
		}
		if def := r["dflt_value"]; def != nil {
			col.DefaultValue = parseSQLiteDefault(cast.ToString(def))
		}
		if m := sqliteNumericArgs.FindStringSubmatch(dataType); m != nil {
			col.Precision = cast.ToInt(m[1])
			col.Scale = cast.ToInt(m[2])
		}
		cols = append(cols, col)
	}
	return cols, nil
}

var sqliteNumericArgs = regexp.MustCompile(`\((\d+)\s*,\s*(\d+)\)`)

func parseSQLiteDefault(s string) any {
	if strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") && len(s) >= 2 {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	switch strings.ToUpper(s) {
	case "NULL":
		return nil
	case "CURRENT_TIMESTAMP", "CURRENT_DATE", "CURRENT_TIME":
		return strings.ToUpper(s)
	case "TRUE":
		return true
	case "FALSE":
		return false
	}
	if f, err := cast.ToFloat64E(s); err == nil {
		return f
	}
	return s
}

func (d *SQLiteDialect) ForeignKeys(ctx context.Context, q Querier) ([]ForeignKey, error) {
	tables, err := d.Tables(ctx, q)
	if err != nil {
		return nil, err
	}
	var fks []ForeignKey
	for _, t := range tables {
		rows, err := QueryRows(ctx, q, fmt.Sprintf("PRAGMA foreign_key_list(%s)", d.Quote(t)))
		if err != nil {
			return nil, fmt.Errorf("foreign keys of %s: %w", t, err)
		}
		for _, r := range rows {
			fks = append(fks, ForeignKey{
				Table:         t,
				Column:        cast.ToString(r["from"]),
				ForeignTable:  cast.ToString(r["table"]),
				ForeignColumn: cast.ToString(r["to"]),
				OnDelete:      strings.ToUpper(cast.ToString(r["on_delete"])),
			})
		}
	}
	return fks, nil
}

var sqliteConstraint = regexp.MustCompile(`(UNIQUE|NOT NULL) constraint failed: ([^\s,]+)`)

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, "FOREIGN KEY constraint failed") {
		return &ConstraintError{Kind: ErrForeignKeyViolation, Err: err}
	}
	m := sqliteConstraint.FindStringSubmatch(errStr)
	if m == nil {
		return err
	}
	ce := &ConstraintError{Err: err}
	if table, column, ok := strings.Cut(m[2], "."); ok {
		ce.Table, ce.Column = table, column
	}
	if m[1] == "UNIQUE" {
		ce.Kind = ErrUniqueViolation
	} else {
		ce.Kind = ErrNotNullViolation
	}
	return ce
}
