package store

import (
	"context"
	"fmt"
	"strings"
)

// Reference describes a foreign key from a column to another table.
type Reference struct {
	Table    string
	Column   string
	OnDelete string // SET NULL, CASCADE, NO ACTION...
}

// ColumnDef describes a column to create.
type ColumnDef struct {
	Name          string
	Type          string // local field type
	Precision     int
	Scale         int
	Nullable      bool
	Default       any
	PrimaryKey    bool
	AutoIncrement bool
	Unique        bool
	// UniqueWhereNull limits the unique index to rows where this column is
	// NULL, so soft deleted rows keep their values without blocking reuse.
	UniqueWhereNull string
	References      *Reference
}

// TableDef describes a table to create.
type TableDef struct {
	Name    string
	Columns []ColumnDef
	// SoftDeleteColumn, when set, gets a timestamp column and an index.
	SoftDeleteColumn string
}

func (t TableDef) column(name string) *ColumnDef {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// Migrator issues DDL for user collections. System tables are owned by the
// goose migrations.
type Migrator struct {
	q       Querier
	dialect Dialect
}

func NewMigrator(q Querier, dialect Dialect) *Migrator {
	return &Migrator{q: q, dialect: dialect}
}

// UniqueIndexName returns the name of the unique index guarding table.column.
func UniqueIndexName(table, column string) string {
	return "uniq_" + table + "__" + column
}

// Sync ensures the table matches def: it is created if missing, otherwise
// missing columns are added.
func (m *Migrator) Sync(ctx context.Context, def TableDef) error {
	exists, err := m.dialect.TableExists(ctx, m.q, def.Name)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}
	if !exists {
		return m.CreateTable(ctx, def)
	}

	cols, err := m.dialect.Columns(ctx, m.q, def.Name)
	if err != nil {
		return err
	}
	existing := make(map[string]bool, len(cols))
	for _, c := range cols {
		existing[c.Name] = true
	}
	// the soft delete column comes first; partial unique indexes refer to it
	if def.SoftDeleteColumn != "" && !existing[def.SoftDeleteColumn] && def.column(def.SoftDeleteColumn) == nil {
		if err := m.AddColumn(ctx, def.Name, ColumnDef{Name: def.SoftDeleteColumn, Type: TypeTimestamp, Nullable: true}); err != nil {
			return err
		}
		if err := m.exec(ctx, m.dialect.SoftDeleteIndexSQL(def.Name, def.SoftDeleteColumn)); err != nil {
			return err
		}
	}
	for _, c := range def.Columns {
		if existing[c.Name] {
			continue
		}
		if c.UniqueWhereNull == "" && c.Name != def.SoftDeleteColumn {
			c.UniqueWhereNull = def.SoftDeleteColumn
		}
		if err := m.AddColumn(ctx, def.Name, c); err != nil {
			return err
		}
	}
	return nil
}

// CreateTable creates the table with its unique and soft-delete indexes.
func (m *Migrator) CreateTable(ctx context.Context, def TableDef) error {
	if len(def.Columns) == 0 {
		return fmt.Errorf("create table %s: no columns", def.Name)
	}

	var lines []string
	var constraints []string
	for _, c := range def.Columns {
		lines = append(lines, m.columnSQL(c))
		if c.References != nil {
			constraints = append(constraints, m.foreignKeySQL(c))
		}
	}
	if def.SoftDeleteColumn != "" && def.column(def.SoftDeleteColumn) == nil {
		lines = append(lines, m.columnSQL(ColumnDef{Name: def.SoftDeleteColumn, Type: TypeTimestamp, Nullable: true}))
	}
	lines = append(lines, constraints...)

	ddl := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", m.dialect.Quote(def.Name), strings.Join(lines, ",\n  "))
	if err := m.exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", def.Name, err)
	}

	for _, c := range def.Columns {
		if c.Unique && !c.PrimaryKey {
			where := c.UniqueWhereNull
			if where == "" {
				where = def.SoftDeleteColumn
			}
			if err := m.CreateUniqueIndex(ctx, def.Name, c.Name, where); err != nil {
				return err
			}
		}
	}
	if def.SoftDeleteColumn != "" {
		if err := m.exec(ctx, m.dialect.SoftDeleteIndexSQL(def.Name, def.SoftDeleteColumn)); err != nil {
			return fmt.Errorf("create soft delete index on %s: %w", def.Name, err)
		}
	}
	return nil
}

// AddColumn adds a column and, when flagged, its unique index.
func (m *Migrator) AddColumn(ctx context.Context, table string, c ColumnDef) error {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", m.dialect.Quote(table), m.columnSQL(c))
	if c.References != nil {
		if m.dialect.Name() == "mysql" {
			// inline REFERENCES is parsed but ignored by MySQL
			stmt += ", ADD " + m.foreignKeySQL(c)
		} else {
			stmt += " " + m.referenceSQL(c.References)
		}
	}
	if err := m.exec(ctx, stmt); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, c.Name, err)
	}
	if c.Unique {
		return m.CreateUniqueIndex(ctx, table, c.Name, c.UniqueWhereNull)
	}
	return nil
}

// DropColumn drops a column, removing its unique index first when present.
func (m *Migrator) DropColumn(ctx context.Context, table, column string, unique bool) error {
	if unique {
		if err := m.DropUniqueIndex(ctx, table, column); err != nil {
			return err
		}
	}
	stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", m.dialect.Quote(table), m.dialect.Quote(column))
	if err := m.exec(ctx, stmt); err != nil {
		return fmt.Errorf("drop column %s.%s: %w", table, column, err)
	}
	return nil
}

// DropTable drops the table if it exists.
func (m *Migrator) DropTable(ctx context.Context, table string) error {
	if err := m.exec(ctx, "DROP TABLE IF EXISTS "+m.dialect.Quote(table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	return nil
}

// CreateUniqueIndex guards table.column. A non-empty whereNull makes it a
// partial index over the rows where that column is NULL. MySQL has no partial
// indexes and always gets the full one.
func (m *Migrator) CreateUniqueIndex(ctx context.Context, table, column, whereNull string) error {
	name := UniqueIndexName(table, column)
	stmt := fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)",
		m.dialect.Quote(name), m.dialect.Quote(table), m.dialect.Quote(column))
	if whereNull != "" && m.dialect.Name() != "mysql" {
		stmt += fmt.Sprintf(" WHERE %s IS NULL", m.dialect.Quote(whereNull))
	}
	if err := m.exec(ctx, stmt); err != nil {
		return fmt.Errorf("create unique index on %s.%s: %w", table, column, err)
	}
	return nil
}

func (m *Migrator) DropUniqueIndex(ctx context.Context, table, column string) error {
	name := m.dialect.Quote(UniqueIndexName(table, column))
	var stmt string
	if m.dialect.Name() == "mysql" {
		stmt = fmt.Sprintf("DROP INDEX %s ON %s", name, m.dialect.Quote(table))
	} else {
		stmt = "DROP INDEX IF EXISTS " + name
	}
	if err := m.exec(ctx, stmt); err != nil {
		return fmt.Errorf("drop unique index on %s.%s: %w", table, column, err)
	}
	return nil
}

func (m *Migrator) columnSQL(c ColumnDef) string {
	if c.PrimaryKey && c.AutoIncrement {
		return m.dialect.AutoIncrementPK(c.Name, c.Type == TypeBigInteger)
	}

	col := m.dialect.Quote(c.Name) + " " + m.dialect.ColumnType(c.Type, c.Precision, c.Scale)
	if c.PrimaryKey {
		return col + " NOT NULL PRIMARY KEY"
	}
	if !c.Nullable {
		col += " NOT NULL"
	}
	if c.Default != nil {
		if def, ok := m.defaultSQL(c.Type, c.Default); ok {
			col += " DEFAULT " + def
		}
	}
	return col
}

func (m *Migrator) defaultSQL(localType string, v any) (string, bool) {
	if m.dialect.Name() == "mysql" && (localType == TypeText || localType == TypeJSON || localType == TypeBinary) {
		// MySQL rejects literal defaults on TEXT/BLOB/JSON columns
		return "", false
	}
	switch val := v.(type) {
	case bool:
		if m.dialect.Name() == "postgres" {
			return fmt.Sprintf("%t", val), true
		}
		if val {
			return "1", true
		}
		return "0", true
	case int, int32, int64, float32, float64:
		return fmt.Sprintf("%v", val), true
	case string:
		if strings.EqualFold(val, "CURRENT_TIMESTAMP") || strings.EqualFold(val, "NOW()") {
			return m.dialect.NowExpr(), true
		}
		return "'" + strings.ReplaceAll(val, "'", "''") + "'", true
	}
	return "", false
}

func (m *Migrator) foreignKeySQL(c ColumnDef) string {
	return fmt.Sprintf("FOREIGN KEY (%s) %s", m.dialect.Quote(c.Name), m.referenceSQL(c.References))
}

func (m *Migrator) referenceSQL(ref *Reference) string {
	s := fmt.Sprintf("REFERENCES %s (%s)", m.dialect.Quote(ref.Table), m.dialect.Quote(ref.Column))
	if ref.OnDelete != "" {
		s += " ON DELETE " + strings.ToUpper(ref.OnDelete)
	}
	return s
}

func (m *Migrator) exec(ctx context.Context, stmt string) error {
	_, err := m.q.ExecContext(ctx, stmt)
	return err
}
