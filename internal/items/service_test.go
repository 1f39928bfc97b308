package items

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cms-engine/internal/cache"
	"cms-engine/internal/config"
	"cms-engine/internal/hooks"
	"cms-engine/internal/permissions"
	"cms-engine/internal/schema"
	"cms-engine/internal/store"
	"cms-engine/internal/store/storetest"
)

type fixture struct {
	store *store.Store
	ov    *schema.Overview
	bus   *hooks.Bus
	cfg   *config.Config
	cache cache.Store
}

var admin = &permissions.Accountability{User: "u1", Admin: true}

func setup(t *testing.T) *fixture {
	t.Helper()
	s := storetest.OpenSQLite(t)
	storetest.MustExec(t, s,
		`CREATE TABLE customers (id INTEGER PRIMARY KEY AUTOINCREMENT, name VARCHAR(255) NOT NULL, email VARCHAR(255))`,
		`CREATE TABLE orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			customer INTEGER REFERENCES customers (id),
			status VARCHAR(32) DEFAULT 'draft',
			total DECIMAL(10,2),
			created_on TIMESTAMP,
			updated_on TIMESTAMP,
			user_created VARCHAR(64)
		)`,
		`CREATE TABLE order_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER REFERENCES orders (id),
			sku VARCHAR(64) NOT NULL,
			qty INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE posts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title VARCHAR(255),
			slug VARCHAR(255),
			status VARCHAR(32),
			deleted_at TIMESTAMP,
			deleted_by VARCHAR(64)
		)`,
		`CREATE TABLE settings (id INTEGER PRIMARY KEY AUTOINCREMENT, site_name VARCHAR(255) DEFAULT 'My site', theme VARCHAR(32))`,
		`CREATE TABLE accounts (id UUID PRIMARY KEY, email VARCHAR(255), password VARCHAR(255), team VARCHAR(32), role VARCHAR(32))`,
		`CREATE TABLE kinds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			i INTEGER, big BIGINT, f FLOAT, amount DECIMAL(10,2), b BOOLEAN,
			s VARCHAR(64), t TEXT, j JSON, d DATE, dt DATETIME, ts TIMESTAMP,
			u UUID, tags TEXT
		)`,
		`CREATE TABLE logs (id INTEGER PRIMARY KEY AUTOINCREMENT, message TEXT)`,
		`CREATE TABLE codes (id INTEGER PRIMARY KEY AUTOINCREMENT, code VARCHAR(32))`,
		`CREATE UNIQUE INDEX uniq_codes__code ON codes (code)`,

		`INSERT INTO directus_collections (collection, is_soft_delete) VALUES ('posts', 1)`,
		`INSERT INTO directus_collections (collection, singleton) VALUES ('settings', 1)`,
		`INSERT INTO directus_collections (collection, accountability) VALUES ('logs', NULL)`,

		`INSERT INTO directus_fields (collection, field, special, "unique") VALUES ('customers', 'email', NULL, 1)`,
		`INSERT INTO directus_fields (collection, field, special) VALUES ('customers', 'orders', 'o2m')`,
		`INSERT INTO directus_fields (collection, field, special) VALUES ('orders', 'created_on', 'date-created')`,
		`INSERT INTO directus_fields (collection, field, special) VALUES ('orders', 'updated_on', 'date-updated')`,
		`INSERT INTO directus_fields (collection, field, special) VALUES ('orders', 'user_created', 'user-created')`,
		`INSERT INTO directus_fields (collection, field, special) VALUES ('orders', 'items', 'o2m')`,
		`INSERT INTO directus_fields (collection, field, special, "unique") VALUES ('posts', 'slug', NULL, 1)`,
		`INSERT INTO directus_fields (collection, field, special) VALUES ('posts', 'deleted_at', 'date-deleted')`,
		`INSERT INTO directus_fields (collection, field, special) VALUES ('posts', 'deleted_by', 'user-deleted')`,
		`INSERT INTO directus_fields (collection, field, special) VALUES ('accounts', 'password', 'hash,conceal')`,
		`INSERT INTO directus_fields (collection, field, unique_combination) VALUES ('accounts', 'team', 1)`,
		`INSERT INTO directus_fields (collection, field, unique_combination) VALUES ('accounts', 'role', 1)`,
		`INSERT INTO directus_fields (collection, field, special) VALUES ('kinds', 'tags', 'cast-csv')`,

		`INSERT INTO directus_relations (many_collection, many_field, one_collection, one_field)
			VALUES ('orders', 'customer', 'customers', 'orders')`,
		`INSERT INTO directus_relations (many_collection, many_field, one_collection, one_field)
			VALUES ('order_items', 'order_id', 'orders', 'items')`,
	)

	cfg := config.Default()
	cfg.Security.HashMemory = 8 * 1024
	cfg.Security.HashIterations = 1
	cfg.Security.HashParallelism = 1

	f := &fixture{
		store: s,
		bus:   hooks.New(nil),
		cfg:   cfg,
		cache: cache.Noop{},
	}
	f.reload(t)
	return f
}

// reload rebuilds the schema overview after metadata rows changed.
func (f *fixture) reload(t *testing.T) {
	t.Helper()
	ov, err := schema.NewBuilder(f.store.Dialect, zap.NewNop().Sugar(), []string{"goose_db_version"}).Build(context.Background(), f.store.DB)
	require.NoError(t, err)
	f.ov = ov
}

func (f *fixture) items(collection string, acc *permissions.Accountability) *Service {
	return New(collection, Options{
		Schema:         f.ov,
		Accountability: acc,
		Store:          f.store,
		Hooks:          f.bus,
		Cache:          f.cache,
		Config:         f.cfg,
	})
}

func (f *fixture) meta() *MetaService {
	return NewMetaService(Options{
		Schema: f.ov,
		Store:  f.store,
		Hooks:  f.bus,
		Cache:  f.cache,
		Config: f.cfg,
	})
}

// rows reads straight from the database, bypassing the service.
func (f *fixture) rows(t *testing.T, sqlStr string, args ...any) []map[string]any {
	t.Helper()
	rows, err := store.QueryRows(context.Background(), f.store.DB, sqlStr, args...)
	require.NoError(t, err)
	return rows
}

func (f *fixture) count(t *testing.T, sqlStr string, args ...any) int64 {
	t.Helper()
	rows := f.rows(t, sqlStr, args...)
	require.Len(t, rows, 1)
	return count(rows[0]["n"])
}
