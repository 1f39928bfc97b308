package schema

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cms-engine/internal/cache"
	"cms-engine/internal/store"
	"cms-engine/internal/store/storetest"
)

func seed(t *testing.T) *store.Store {
	t.Helper()
	s := storetest.OpenSQLite(t)
	storetest.MustExec(t, s,
		`CREATE TABLE authors (id INTEGER PRIMARY KEY AUTOINCREMENT, name VARCHAR(255) NOT NULL)`,
		`CREATE TABLE articles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title VARCHAR(255),
			rating DECIMAL(4,2) DEFAULT 2.5,
			published BOOLEAN DEFAULT 0,
			author INTEGER REFERENCES authors (id) ON DELETE SET NULL,
			deleted_at TIMESTAMP
		)`,
		`CREATE TABLE logs (message TEXT)`,
		`CREATE TABLE "bad name" (id INTEGER PRIMARY KEY)`,
		`INSERT INTO directus_collections (collection, is_soft_delete, accountability) VALUES ('articles', 1, 'activity')`,
		`INSERT INTO directus_collections (collection, accountability) VALUES ('authors', NULL)`,
		`INSERT INTO directus_fields (collection, field, special, "unique") VALUES ('articles', 'title', NULL, 1)`,
		`INSERT INTO directus_fields (collection, field, special) VALUES ('articles', 'deleted_at', 'date-deleted')`,
		`INSERT INTO directus_fields (collection, field, special) VALUES ('authors', 'articles', 'o2m')`,
		`INSERT INTO directus_fields (collection, field, special) VALUES ('authors', 'divider', 'alias,no-data')`,
		`INSERT INTO directus_fields (collection, field, validation) VALUES ('authors', 'name', '{"name":{"_nempty":true}}')`,
		`INSERT INTO directus_relations (many_collection, many_field, one_collection, one_field)
			VALUES ('articles', 'author', 'authors', 'articles')`,
	)
	return s
}

func TestBuild(t *testing.T) {
	s := seed(t)
	b := NewBuilder(s.Dialect, zaptest.NewLogger(t).Sugar(), []string{"goose_db_version"})

	ov, err := b.Build(context.Background(), s.DB)
	require.NoError(t, err)

	assert.Nil(t, ov.Collection("logs"), "tables without a primary key are skipped")
	assert.Nil(t, ov.Collection("bad name"))
	assert.Nil(t, ov.Collection("goose_db_version"))

	articles := ov.Collection("articles")
	require.NotNil(t, articles)
	assert.Equal(t, "id", articles.Primary)
	assert.True(t, articles.IsSoftDelete)
	assert.Equal(t, "activity", *articles.Accountability)
	assert.Equal(t, "deleted_at", articles.DeletedAtField())
	assert.True(t, articles.Field("title").Unique)
	assert.Equal(t, store.TypeDecimal, articles.Field("rating").Type)
	assert.Equal(t, 2.5, articles.Field("rating").DefaultValue)
	assert.Equal(t, false, articles.Field("published").DefaultValue)
	assert.Equal(t, []string{"id", "title", "rating", "published", "author", "deleted_at"}, articles.FieldOrder)

	authors := ov.Collection("authors")
	require.NotNil(t, authors)
	assert.Nil(t, authors.Accountability)
	assert.True(t, authors.Field("articles").Alias)
	assert.Equal(t, store.TypeAlias, authors.Field("articles").Type)
	assert.Nil(t, authors.Field("divider"))
	assert.Equal(t, []string{"id", "name"}, authors.ScalarFields())
	assert.Equal(t, map[string]any{"_nempty": true}, authors.Field("name").Validation["name"])

	// missing meta row means full accountability
	fields := ov.Collection("directus_fields")
	require.NotNil(t, fields)
	assert.True(t, fields.System)
	assert.Equal(t, store.TypeBoolean, fields.Field("unique").Type)
	assert.Nil(t, ov.Collection("directus_activity").Accountability)

	m2o := ov.M2O("articles", "author")
	require.NotNil(t, m2o)
	assert.Equal(t, "authors", m2o.RelatedCollection)
	require.NotNil(t, m2o.Schema)
	assert.Equal(t, "SET NULL", m2o.Schema.OnDelete)
	require.NotNil(t, m2o.Meta)
	assert.Same(t, m2o, ov.O2M("authors", "articles"))
	assert.Contains(t, ov.RelationMap["authors"], m2o)
	assert.Contains(t, ov.RelationMap["articles"], m2o)
}

func TestBuild_MetaOnlyRelation(t *testing.T) {
	s := seed(t)
	storetest.MustExec(t, s,
		`CREATE TABLE pages (id INTEGER PRIMARY KEY, item VARCHAR(255), collection VARCHAR(64))`,
		`INSERT INTO directus_relations (many_collection, many_field, one_collection_field, one_allowed_collections)
			VALUES ('pages', 'item', 'collection', 'articles,authors')`,
	)
	ov, err := NewBuilder(s.Dialect, zaptest.NewLogger(t).Sugar(), nil).Build(context.Background(), s.DB)
	require.NoError(t, err)

	r := ov.M2O("pages", "item")
	require.NotNil(t, r)
	assert.True(t, r.IsA2O())
	assert.Nil(t, r.Schema)
	assert.Equal(t, []string{"articles", "authors"}, r.Meta.OneAllowedCollections)
	assert.Contains(t, ov.RelationMap["authors"], r)
}

func TestProvider_CachesUntilInvalidated(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	log := zaptest.NewLogger(t).Sugar()
	p := NewProvider(NewBuilder(s.Dialect, log, nil), s.DB, cache.NewMemory(10, time.Minute), log)

	first, err := p.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, first.Collection("articles"))

	storetest.MustExec(t, s, `CREATE TABLE tags (id INTEGER PRIMARY KEY, name TEXT)`)

	cached, err := p.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, cached.Collection("tags"))
	// decoded snapshot keeps typed defaults and the relation index
	assert.Equal(t, false, cached.Collection("articles").Field("published").DefaultValue)
	assert.NotNil(t, cached.O2M("authors", "articles"))

	p.Invalidate(ctx)
	fresh, err := p.Get(ctx)
	require.NoError(t, err)
	assert.NotNil(t, fresh.Collection("tags"))
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("down")
}
func (brokenCache) Set(context.Context, string, []byte) error { return errors.New("down") }
func (brokenCache) Clear(context.Context) error               { return errors.New("down") }
func (brokenCache) Close() error                              { return nil }

func TestProvider_DegradesOnCacheFailure(t *testing.T) {
	s := seed(t)
	log := zaptest.NewLogger(t).Sugar()
	p := NewProvider(NewBuilder(s.Dialect, log, nil), s.DB, brokenCache{}, log)

	ov, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, ov.Collection("articles"))
	p.Invalidate(context.Background())
}

func TestEventNames(t *testing.T) {
	assert.Equal(t, []string{"items.create", "articles.items.create"}, EventNames("articles", "create"))
	assert.Equal(t, []string{"fields.update"}, EventNames("directus_fields", "update"))
}
