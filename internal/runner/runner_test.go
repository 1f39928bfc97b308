package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cms-engine/internal/ast"
	"cms-engine/internal/query"
	"cms-engine/internal/schema"
	"cms-engine/internal/store"
	"cms-engine/internal/store/storetest"
)

func setup(t *testing.T) (*store.Store, *schema.Overview) {
	t.Helper()
	s := storetest.OpenSQLite(t)
	storetest.MustExec(t, s,
		`CREATE TABLE authors (id INTEGER PRIMARY KEY AUTOINCREMENT, name VARCHAR(255))`,
		`CREATE TABLE articles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title VARCHAR(255),
			status VARCHAR(255),
			rating DECIMAL(4,2),
			published BOOLEAN,
			meta JSON,
			secret TEXT,
			author INTEGER REFERENCES authors (id)
		)`,
		`CREATE TABLE pages (id INTEGER PRIMARY KEY AUTOINCREMENT, item VARCHAR(255), collection VARCHAR(64))`,
		`INSERT INTO directus_fields (collection, field, special) VALUES ('authors', 'articles', 'o2m')`,
		`INSERT INTO directus_fields (collection, field, special) VALUES ('articles', 'secret', 'conceal')`,
		`INSERT INTO directus_relations (many_collection, many_field, one_collection, one_field)
			VALUES ('articles', 'author', 'authors', 'articles')`,
		`INSERT INTO directus_relations (many_collection, many_field, one_collection_field, one_allowed_collections)
			VALUES ('pages', 'item', 'collection', 'articles,authors')`,
		`INSERT INTO authors (id, name) VALUES (1, 'Ann'), (2, 'Bob'), (3, 'Cid')`,
		`INSERT INTO articles (id, title, status, rating, published, meta, secret, author) VALUES
			(1, 'Hello', 'published', 4.5, 1, '{"a":1}', 'pw', 1),
			(2, 'World', 'draft', 3, 0, NULL, NULL, 1),
			(3, 'Third', 'published', 2, 1, NULL, NULL, 2),
			(4, 'Orphan', 'draft', 1, 0, NULL, NULL, NULL)`,
		`INSERT INTO pages (id, item, collection) VALUES (1, '1', 'articles'), (2, '2', 'authors'), (3, NULL, NULL)`,
	)
	ov, err := schema.NewBuilder(s.Dialect, zap.NewNop().Sugar(), []string{"goose_db_version"}).Build(context.Background(), s.DB)
	require.NoError(t, err)
	return s, ov
}

func run(t *testing.T, s *store.Store, ov *schema.Overview, collection string, q *query.Query) []map[string]any {
	t.Helper()
	root, err := ast.Build(collection, q, ov, ast.Options{})
	require.NoError(t, err)
	rows, err := Run(context.Background(), s.DB, s.Dialect, root, ov, Options{})
	require.NoError(t, err)
	return rows
}

func TestRun_ScalarsAndCoercion(t *testing.T) {
	s, ov := setup(t)
	rows := run(t, s, ov, "articles", &query.Query{
		Fields: []string{"id", "title", "rating", "published", "meta", "secret"},
		Filter: query.Filter{"status": map[string]any{"_eq": "published"}},
		Sort:   []string{"-id"},
	})

	require.Len(t, rows, 2)
	assert.Equal(t, map[string]any{
		"id": int64(3), "title": "Third", "rating": 2.0, "published": true, "meta": nil, "secret": nil,
	}, rows[0])
	assert.Equal(t, 4.5, rows[1]["rating"])
	assert.Equal(t, map[string]any{"a": 1.0}, rows[1]["meta"])
	assert.Equal(t, ConcealedValue, rows[1]["secret"])
}

func TestRun_LimitOffsetPage(t *testing.T) {
	s, ov := setup(t)
	rows := run(t, s, ov, "articles", &query.Query{Fields: []string{"id"}, Limit: query.Int(2), Page: 2})
	assert.Equal(t, []map[string]any{{"id": int64(3)}, {"id": int64(4)}}, rows)

	rows = run(t, s, ov, "articles", &query.Query{Fields: []string{"id"}, Offset: 3})
	assert.Equal(t, []map[string]any{{"id": int64(4)}}, rows)
}

func TestRun_EmptyResultIsNotNil(t *testing.T) {
	s, ov := setup(t)
	rows := run(t, s, ov, "articles", &query.Query{Filter: query.Filter{"title": map[string]any{"_eq": "none"}}})
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestRun_JoinedM2O(t *testing.T) {
	s, ov := setup(t)
	rows := run(t, s, ov, "articles", &query.Query{
		Fields: []string{"title", "author.name"},
		Filter: query.Filter{"id": map[string]any{"_in": []any{1, 4}}},
	})
	assert.Equal(t, []map[string]any{
		{"title": "Hello", "author": map[string]any{"name": "Ann"}},
		{"title": "Orphan", "author": nil},
	}, rows)
}

func TestRun_BatchedM2OWithNestedO2M(t *testing.T) {
	s, ov := setup(t)
	rows := run(t, s, ov, "articles", &query.Query{
		Fields: []string{"id", "author.name", "author.articles"},
		Filter: query.Filter{"id": map[string]any{"_eq": 3}},
	})
	assert.Equal(t, []map[string]any{
		{"id": int64(3), "author": map[string]any{"name": "Bob", "articles": []any{int64(3)}}},
	}, rows)
}

func TestRun_O2MPerParentLimit(t *testing.T) {
	s, ov := setup(t)
	rows := run(t, s, ov, "authors", &query.Query{
		Fields: []string{"name", "articles.title"},
		Deep:   map[string]*query.Query{"articles": {Limit: query.Int(1), Sort: []string{"-id"}}},
	})
	assert.Equal(t, []map[string]any{
		{"name": "Ann", "articles": []any{map[string]any{"title": "World"}}},
		{"name": "Bob", "articles": []any{map[string]any{"title": "Third"}}},
		{"name": "Cid", "articles": []any{}},
	}, rows)
}

func TestRun_O2MKeysOnly(t *testing.T) {
	s, ov := setup(t)
	rows := run(t, s, ov, "authors", &query.Query{
		Fields: []string{"id", "articles"},
		Filter: query.Filter{"id": map[string]any{"_eq": 1}},
	})
	assert.Equal(t, []map[string]any{{"id": int64(1), "articles": []any{int64(1), int64(2)}}}, rows)
}

func TestRun_RelationalFilters(t *testing.T) {
	s, ov := setup(t)

	rows := run(t, s, ov, "articles", &query.Query{
		Fields: []string{"id"},
		Filter: query.Filter{"author": map[string]any{"name": map[string]any{"_eq": "Bob"}}},
	})
	assert.Equal(t, []map[string]any{{"id": int64(3)}}, rows)

	rows = run(t, s, ov, "authors", &query.Query{
		Fields: []string{"id"},
		Filter: query.Filter{"articles": map[string]any{"_none": map[string]any{"status": map[string]any{"_eq": "draft"}}}},
	})
	assert.Equal(t, []map[string]any{{"id": int64(2)}, {"id": int64(3)}}, rows)

	rows = run(t, s, ov, "authors", &query.Query{
		Fields: []string{"id"},
		Filter: query.Filter{"articles": map[string]any{"title": map[string]any{"_eq": "Hello"}}},
	})
	assert.Equal(t, []map[string]any{{"id": int64(1)}}, rows)
}

func TestRun_Operators(t *testing.T) {
	s, ov := setup(t)
	cases := []struct {
		name   string
		filter query.Filter
		want   []int64
	}{
		{"or", query.Filter{"_or": []any{
			map[string]any{"id": map[string]any{"_eq": 1}},
			map[string]any{"title": map[string]any{"_starts_with": "Th"}},
		}}, []int64{1, 3}},
		{"null", query.Filter{"author": map[string]any{"_null": true}}, []int64{4}},
		{"nnull string bool", query.Filter{"meta": map[string]any{"_nnull": "true"}}, []int64{1}},
		{"between", query.Filter{"rating": map[string]any{"_between": []any{2, 3}}}, []int64{2, 3}},
		{"nin", query.Filter{"id": map[string]any{"_nin": []any{1, 2}}}, []int64{3, 4}},
		{"icontains", query.Filter{"title": map[string]any{"_icontains": "OR"}}, []int64{2, 4}},
		{"nends_with", query.Filter{"title": map[string]any{"_nends_with": "d"}}, []int64{1, 4}},
		{"gte numeric string", query.Filter{"id": map[string]any{"_gte": "3"}}, []int64{3, 4}},
		{"bool", query.Filter{"published": map[string]any{"_eq": true}}, []int64{1, 3}},
		{"empty in list", query.Filter{"id": map[string]any{"_in": []any{}}}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rows := run(t, s, ov, "articles", &query.Query{Fields: []string{"id"}, Filter: tc.filter})
			var ids []int64
			for _, r := range rows {
				ids = append(ids, r["id"].(int64))
			}
			assert.Equal(t, tc.want, ids)
		})
	}
}

func TestRun_WildcardsMatchLiterally(t *testing.T) {
	s, ov := setup(t)
	storetest.MustExec(t, s, `INSERT INTO articles (id, title) VALUES (5, 'a_b'), (6, 'axb'), (7, '50%'), (8, '500'), (9, 'c\d')`)
	cases := []struct {
		name   string
		filter query.Filter
		want   []int64
	}{
		{"underscore", query.Filter{"title": map[string]any{"_contains": "a_b"}}, []int64{5}},
		{"insensitive underscore", query.Filter{"title": map[string]any{"_icontains": "A_B"}}, []int64{5}},
		{"percent", query.Filter{"title": map[string]any{"_ends_with": "0%"}}, []int64{7}},
		{"negated percent", query.Filter{"_and": []any{
			map[string]any{"id": map[string]any{"_gte": 5}},
			map[string]any{"title": map[string]any{"_nstarts_with": "50%"}},
		}}, []int64{5, 6, 8, 9}},
		{"backslash", query.Filter{"title": map[string]any{"_contains": `\`}}, []int64{9}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rows := run(t, s, ov, "articles", &query.Query{Fields: []string{"id"}, Filter: tc.filter})
			var ids []int64
			for _, r := range rows {
				ids = append(ids, r["id"].(int64))
			}
			assert.Equal(t, tc.want, ids)
		})
	}

	rows := run(t, s, ov, "articles", &query.Query{Fields: []string{"id"}, Search: "a_b"})
	assert.Equal(t, []map[string]any{{"id": int64(5)}}, rows)
}

func TestRun_Search(t *testing.T) {
	s, ov := setup(t)
	rows := run(t, s, ov, "articles", &query.Query{Fields: []string{"id"}, Search: "hel"})
	assert.Equal(t, []map[string]any{{"id": int64(1)}}, rows)

	rows = run(t, s, ov, "articles", &query.Query{Fields: []string{"id"}, Search: "3"})
	assert.Equal(t, []map[string]any{{"id": int64(2)}, {"id": int64(3)}}, rows, "numeric terms match ids and ratings")
}

func TestRun_A2O(t *testing.T) {
	s, ov := setup(t)
	rows := run(t, s, ov, "pages", &query.Query{
		Fields: []string{"id", "item:articles.title", "item:authors.name"},
	})
	assert.Equal(t, []map[string]any{
		{"id": int64(1), "item": map[string]any{"title": "Hello"}},
		{"id": int64(2), "item": map[string]any{"name": "Bob"}},
		{"id": int64(3), "item": nil},
	}, rows)
}

func TestRun_Aggregate(t *testing.T) {
	s, ov := setup(t)
	rows := run(t, s, ov, "articles", &query.Query{
		Aggregate: map[string][]string{"count": {"*"}, "max": {"rating"}},
		Group:     []string{"status"},
		Sort:      []string{"status"},
	})
	assert.Equal(t, []map[string]any{
		{"status": "draft", "count": int64(2), "max": map[string]any{"rating": 3.0}},
		{"status": "published", "count": int64(2), "max": map[string]any{"rating": 4.5}},
	}, rows)

	rows = run(t, s, ov, "articles", &query.Query{
		Aggregate: map[string][]string{"sum": {"rating"}, "countDistinct": {"author"}},
	})
	assert.Equal(t, []map[string]any{
		{"sum": map[string]any{"rating": 10.5}, "countDistinct": map[string]any{"author": int64(2)}},
	}, rows)
}

func TestRun_Excluded(t *testing.T) {
	s, ov := setup(t)
	root, err := ast.Build("articles", &query.Query{}, ov, ast.Options{})
	require.NoError(t, err)
	root.Excluded = true

	rows, err := Run(context.Background(), s.DB, s.Dialect, root, ov, Options{})
	require.NoError(t, err)
	assert.Nil(t, rows)
}

func TestRun_TransformersAndKeepNonRequested(t *testing.T) {
	s, ov := setup(t)
	root, err := ast.Build("articles", &query.Query{
		Fields: []string{"title", "secret"},
		Filter: query.Filter{"id": map[string]any{"_eq": 1}},
	}, ov, ast.Options{})
	require.NoError(t, err)

	rows, err := Run(context.Background(), s.DB, s.Dialect, root, ov, Options{
		KeepNonRequested: true,
		Transformers: map[string]Transformer{
			"conceal": func(v any, _ *schema.Field) any { return "hidden" },
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"id": int64(1), "title": "Hello", "secret": "hidden"}}, rows)
}

func TestRun_PostgresPlaceholders(t *testing.T) {
	r := &runner{dialect: &store.PostgresDialect{}}
	out, err := r.placeholders("SELECT * FROM t WHERE a = ? AND b IN (?,?)")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2,$3)", out)
}
