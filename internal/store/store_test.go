package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cms-engine/internal/store"
	"cms-engine/internal/store/storetest"
)

func TestLocalType(t *testing.T) {
	cases := map[string]string{
		"INTEGER":                  store.TypeInteger,
		"int unsigned":             store.TypeInteger,
		"BIGINT":                   store.TypeBigInteger,
		"tinyint(1)":               store.TypeBoolean,
		"character varying":        store.TypeString,
		"VARCHAR(255)":             store.TypeString,
		"numeric":                  store.TypeDecimal,
		"DECIMAL(10,2)":            store.TypeDecimal,
		"timestamp with time zone": store.TypeTimestamp,
		"DATETIME":                 store.TypeDateTime,
		"jsonb":                    store.TypeJSON,
		"uuid":                     store.TypeUUID,
		"geometry":                 store.TypeUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, store.LocalType(in), in)
	}
}

func TestCoerce(t *testing.T) {
	sqlite := store.NewDialect("sqlite")
	pg := store.NewDialect("postgres")

	assert.Equal(t, int64(3), store.Coerce(sqlite, store.TypeInteger, "3"))
	assert.Equal(t, 12.5, store.Coerce(pg, store.TypeDecimal, "12.50"))
	assert.Equal(t, true, store.Coerce(sqlite, store.TypeBoolean, int64(1)))
	assert.Equal(t, false, store.Coerce(sqlite, store.TypeBoolean, int64(0)))
	assert.Equal(t, "2024-03-01", store.Coerce(sqlite, store.TypeDate, "2024-03-01"))
	assert.Equal(t, "2024-03-01T10:11:12", store.Coerce(sqlite, store.TypeDateTime, "2024-03-01 10:11:12"))
	assert.Equal(t, map[string]any{"a": float64(1)}, store.Coerce(sqlite, store.TypeJSON, `{"a":1}`))
	assert.Equal(t, "not json", store.Coerce(sqlite, store.TypeJSON, "not json"))
	assert.Nil(t, store.Coerce(sqlite, store.TypeString, nil))
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"articles"."id"`, store.NewDialect("postgres").Quote("articles.id"))
	assert.Equal(t, "`a``b`", store.NewDialect("mysql").Quote("a`b"))
	assert.Equal(t, `"t".*`, store.NewDialect("sqlite").Quote("t.*"))
}

func TestMapError_Postgres(t *testing.T) {
	d := store.NewDialect("postgres")
	err := d.MapError(fmt.Errorf("insert: %w", &pgconn.PgError{
		Code:      "23505",
		TableName: "articles",
		Detail:    "Key (slug)=(hello) already exists.",
	}))

	var ce *store.ConstraintError
	require.True(t, errors.As(err, &ce))
	assert.ErrorIs(t, err, store.ErrUniqueViolation)
	assert.Equal(t, "articles", ce.Table)
	assert.Equal(t, "slug", ce.Column)
	assert.Equal(t, "hello", ce.Value)

	err = d.MapError(&pgconn.PgError{Code: "23503"})
	assert.ErrorIs(t, err, store.ErrForeignKeyViolation)

	plain := errors.New("boom")
	assert.Same(t, plain, d.MapError(plain))
}

func TestMapError_MySQL(t *testing.T) {
	d := store.NewDialect("mysql")
	err := d.MapError(&mysql.MySQLError{
		Number:  1062,
		Message: "Duplicate entry 'hello' for key 'articles.uniq_articles__slug'",
	})

	var ce *store.ConstraintError
	require.True(t, errors.As(err, &ce))
	assert.ErrorIs(t, err, store.ErrUniqueViolation)
	assert.Equal(t, "slug", ce.Column)
	assert.Equal(t, "hello", ce.Value)

	err = d.MapError(&mysql.MySQLError{Number: 1048, Message: "Column 'title' cannot be null"})
	require.True(t, errors.As(err, &ce))
	assert.ErrorIs(t, err, store.ErrNotNullViolation)
	assert.Equal(t, "title", ce.Column)
}

func TestMapError_SQLite(t *testing.T) {
	d := store.NewDialect("sqlite")
	err := d.MapError(errors.New("constraint failed: UNIQUE constraint failed: articles.slug (2067)"))

	var ce *store.ConstraintError
	require.True(t, errors.As(err, &ce))
	assert.ErrorIs(t, err, store.ErrUniqueViolation)
	assert.Equal(t, "articles", ce.Table)
	assert.Equal(t, "slug", ce.Column)

	err = d.MapError(errors.New("FOREIGN KEY constraint failed (787)"))
	assert.ErrorIs(t, err, store.ErrForeignKeyViolation)
}

func TestMigrations_CreateSystemTables(t *testing.T) {
	s := storetest.OpenSQLite(t)
	ctx := context.Background()

	tables, err := s.Dialect.Tables(ctx, s.DB)
	require.NoError(t, err)
	for _, name := range []string{
		"directus_collections", "directus_fields", "directus_relations",
		"directus_permissions", "directus_activity", "directus_revisions",
	} {
		assert.Contains(t, tables, name)
	}

	// running twice is a no-op
	require.NoError(t, s.RunMigrations())
}

func TestMigrator_CreateTableAndIntrospect(t *testing.T) {
	s := storetest.OpenSQLite(t)
	ctx := context.Background()
	m := store.NewMigrator(s.DB, s.Dialect)

	require.NoError(t, m.CreateTable(ctx, store.TableDef{
		Name: "authors",
		Columns: []store.ColumnDef{
			{Name: "id", Type: store.TypeInteger, PrimaryKey: true, AutoIncrement: true},
			{Name: "name", Type: store.TypeString},
		},
	}))
	require.NoError(t, m.CreateTable(ctx, store.TableDef{
		Name: "articles",
		Columns: []store.ColumnDef{
			{Name: "id", Type: store.TypeInteger, PrimaryKey: true, AutoIncrement: true},
			{Name: "slug", Type: store.TypeString, Unique: true},
			{Name: "published", Type: store.TypeBoolean, Nullable: true, Default: false},
			{Name: "author", Type: store.TypeInteger, Nullable: true,
				References: &store.Reference{Table: "authors", Column: "id", OnDelete: "SET NULL"}},
		},
		SoftDeleteColumn: "deleted_at",
	}))

	cols, err := s.Dialect.Columns(ctx, s.DB, "articles")
	require.NoError(t, err)
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"id", "slug", "published", "author", "deleted_at"}, names)
	assert.True(t, cols[0].IsPrimaryKey)
	assert.True(t, cols[0].AutoIncrement)
	assert.False(t, cols[1].Nullable)
	assert.EqualValues(t, 0, cols[2].DefaultValue)

	fks, err := s.Dialect.ForeignKeys(ctx, s.DB)
	require.NoError(t, err)
	require.Len(t, fks, 1)
	assert.Equal(t, store.ForeignKey{
		Table: "articles", Column: "author", ForeignTable: "authors", ForeignColumn: "id", OnDelete: "SET NULL",
	}, fks[0])

	storetest.MustExec(t, s, `INSERT INTO articles (slug) VALUES ('a')`)
	_, err = s.DB.ExecContext(ctx, `INSERT INTO articles (slug) VALUES ('a')`)
	assert.ErrorIs(t, s.Dialect.MapError(err), store.ErrUniqueViolation)
	// soft deleted rows leave the unique index
	storetest.MustExec(t, s,
		`UPDATE articles SET deleted_at = CURRENT_TIMESTAMP WHERE slug = 'a'`,
		`INSERT INTO articles (slug) VALUES ('a')`,
	)

	require.NoError(t, m.AddColumn(ctx, "articles", store.ColumnDef{Name: "code", Type: store.TypeString, Nullable: true, Unique: true}))
	require.NoError(t, m.DropColumn(ctx, "articles", "code", true))
	require.NoError(t, m.DropTable(ctx, "articles"))

	exists, err := s.Dialect.TableExists(ctx, s.DB, "articles")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestQueryRow_NotFound(t *testing.T) {
	s := storetest.OpenSQLite(t)
	_, err := store.QueryRow(context.Background(), s.DB, "SELECT * FROM directus_collections WHERE collection = ?", "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
