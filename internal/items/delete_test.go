package items

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cms-engine/internal/apperror"
	"cms-engine/internal/hooks"
	"cms-engine/internal/permissions"
	"cms-engine/internal/query"
)

func seedPosts(t *testing.T, f *fixture) []any {
	t.Helper()
	keys, err := f.items("posts", admin).CreateMany(context.Background(), []map[string]any{
		{"title": "alpha", "slug": "alpha", "status": "published"},
		{"title": "beta", "slug": "beta", "status": "draft"},
		{"title": "gamma", "slug": "gamma", "status": "published"},
	}, MutationOptions{})
	require.NoError(t, err)
	return keys
}

func ids(rows []map[string]any) []any {
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, r["id"])
	}
	return out
}

func TestDeleteOne_SoftDeletes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	keys := seedPosts(t, f)

	_, err := f.items("posts", admin).DeleteOne(ctx, keys[2], MutationOptions{})
	require.NoError(t, err)

	row := f.rows(t, `SELECT deleted_at, deleted_by FROM posts WHERE id = ?`, keys[2])[0]
	assert.NotNil(t, row["deleted_at"])
	assert.Equal(t, "u1", row["deleted_by"])
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) AS n FROM directus_activity WHERE action = 'softdelete'`))

	// deleting again leaves the first stamp alone
	_, err = f.items("posts", admin).DeleteOne(ctx, keys[2], MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) AS n FROM directus_activity WHERE action = 'softdelete'`))
}

func TestReadByQuery_HidesSoftDeletedRows(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	keys := seedPosts(t, f)
	_, err := f.items("posts", admin).DeleteOne(ctx, keys[2], MutationOptions{})
	require.NoError(t, err)
	svc := f.items("posts", admin)

	tests := []struct {
		name string
		q    *query.Query
		want []any
	}{
		{"no filter", &query.Query{}, []any{int64(1), int64(2)}},
		{"or filter", &query.Query{Filter: query.Filter{"_or": []any{
			map[string]any{"status": map[string]any{"_eq": "published"}},
			map[string]any{"title": map[string]any{"_eq": "gamma"}},
		}}}, []any{int64(1)}},
		{"and filter", &query.Query{Filter: query.Filter{"_and": []any{
			map[string]any{"status": map[string]any{"_eq": "published"}},
		}}}, []any{int64(1)}},
		{"field filter", &query.Query{Filter: query.Filter{"title": map[string]any{"_eq": "gamma"}}}, []any{}},
		{"show deleted", &query.Query{ShowSoftDelete: true}, []any{int64(1), int64(2), int64(3)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.q.Fields = []string{"id"}
			rows, err := svc.ReadByQuery(ctx, tt.q, ReadOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(rows))
		})
	}

	_, err = svc.ReadOne(ctx, keys[2], nil, ReadOptions{})
	assert.True(t, apperror.Is(err, apperror.CodeForbidden))
}

func TestDeleteMany_ForceDelete(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	keys := seedPosts(t, f)

	_, err := f.items("posts", admin).DeleteMany(ctx, keys[:2], MutationOptions{ForceDelete: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) AS n FROM posts`))
	assert.Equal(t, int64(2), f.count(t, `SELECT COUNT(*) AS n FROM directus_activity WHERE action = 'delete'`))
}

func TestDeleteByQuery(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	seedOrder(t, f, "a", "b", "c")

	keys, err := f.items("order_items", admin).DeleteByQuery(ctx, &query.Query{
		Filter: query.Filter{"sku": map[string]any{"_neq": "b"}},
	}, MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(3)}, keys)
	assert.Equal(t, []map[string]any{{"sku": "b"}}, f.rows(t, `SELECT sku FROM order_items`))
}

func TestDeleteMany_Cascade(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	first := seedOrder(t, f, "a", "b")
	seedOrder(t, f, "c")

	// without opting in the children stay
	storeExec(t, f, `PRAGMA foreign_keys = OFF`)
	_, err := f.items("orders", admin).DeleteOne(ctx, first, MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.count(t, `SELECT COUNT(*) AS n FROM order_items`))

	third := seedOrder(t, f, "d")
	_, err = f.items("orders", admin).DeleteOne(ctx, third, MutationOptions{Deleteds: []string{"items"}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) AS n FROM order_items WHERE sku = 'd'`))
	assert.Equal(t, int64(3), f.count(t, `SELECT COUNT(*) AS n FROM order_items`))
}

func TestDeleteMany_FilterHookAndAction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	keys := seedPosts(t, f)

	var deleted []any
	f.bus.OnFilter("posts.items.delete", func(_ context.Context, payload any, _ hooks.Meta) (any, error) {
		// never delete the first post
		var out []any
		for _, k := range payload.([]any) {
			if k != keys[0] {
				out = append(out, k)
			}
		}
		return out, nil
	})
	f.bus.OnAction("items.delete", func(_ context.Context, meta hooks.Meta) error {
		deleted = meta.Keys
		return nil
	})

	_, err := f.items("posts", admin).DeleteMany(ctx, keys, MutationOptions{ForceDelete: true})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2), int64(3)}, deleted)
	assert.Equal(t, []map[string]any{{"id": int64(1)}}, f.rows(t, `SELECT id FROM posts`))
}

func TestDeleteMany_PermissionFilter(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	keys := seedPosts(t, f)

	author := &permissions.Accountability{User: "u2", Role: "author", Permissions: []permissions.Permission{
		{Collection: "posts", Action: "delete", Permissions: query.Filter{"status": map[string]any{"_eq": "draft"}}},
	}}
	_, err := f.items("posts", author).DeleteOne(ctx, keys[0], MutationOptions{})
	assert.True(t, apperror.Is(err, apperror.CodeForbidden))
	_, err = f.items("posts", author).DeleteOne(ctx, keys[1], MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, "u2", f.rows(t, `SELECT deleted_by FROM posts WHERE id = ?`, keys[1])[0]["deleted_by"])
}

func TestRestore_IsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	keys := seedPosts(t, f)
	svc := f.items("posts", admin)
	_, err := svc.DeleteMany(ctx, keys[1:], MutationOptions{})
	require.NoError(t, err)

	restored, err := svc.Restore(ctx, []any{keys[0], keys[1]}, MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{keys[0], keys[1]}, restored)

	restored, err = svc.Restore(ctx, []any{keys[0], keys[1]}, MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{keys[0], keys[1]}, restored)

	activity := f.rows(t, `SELECT item FROM directus_activity WHERE action = 'restore'`)
	assert.Equal(t, []map[string]any{{"item": "2"}}, activity)
	row := f.rows(t, `SELECT deleted_at, deleted_by FROM posts WHERE id = ?`, keys[1])[0]
	assert.Equal(t, map[string]any{"deleted_at": nil, "deleted_by": nil}, row)
	assert.NotNil(t, f.rows(t, `SELECT deleted_at FROM posts WHERE id = ?`, keys[2])[0]["deleted_at"])
}

func TestRestore_UniqueValueTakenMeanwhile(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	keys := seedPosts(t, f)
	svc := f.items("posts", admin)

	_, err := svc.DeleteOne(ctx, keys[0], MutationOptions{})
	require.NoError(t, err)
	// the slug is free again while the post is deleted
	_, err = svc.CreateOne(ctx, map[string]any{"title": "alpha 2", "slug": "alpha"}, MutationOptions{})
	require.NoError(t, err)

	_, err = svc.Restore(ctx, []any{keys[0]}, MutationOptions{})
	assert.True(t, apperror.Is(err, apperror.CodeRecordNotUnique))
	assert.NotNil(t, f.rows(t, `SELECT deleted_at FROM posts WHERE id = ?`, keys[0])[0]["deleted_at"])
}

func TestRestore_RequiresSoftDelete(t *testing.T) {
	f := setup(t)
	_, err := f.items("orders", admin).Restore(context.Background(), []any{1}, MutationOptions{})
	assert.True(t, apperror.Is(err, apperror.CodeInvalidPayload))
}

func TestRestore_FilterHookCanAbort(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	keys := seedPosts(t, f)
	svc := f.items("posts", admin)
	_, err := svc.DeleteOne(ctx, keys[0], MutationOptions{})
	require.NoError(t, err)

	refused := errors.New("restores are frozen")
	var seen []any
	f.bus.OnFilter("posts.items.restore", func(_ context.Context, payload any, _ hooks.Meta) (any, error) {
		seen = payload.([]any)
		return nil, refused
	})

	_, err = svc.Restore(ctx, []any{keys[0]}, MutationOptions{})
	require.ErrorIs(t, err, refused)
	assert.Equal(t, []any{keys[0]}, seen)
	assert.NotNil(t, f.rows(t, `SELECT deleted_at FROM posts WHERE id = ?`, keys[0])[0]["deleted_at"])
	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) AS n FROM directus_activity WHERE action = 'restore'`))

	// skipping events bypasses the hook
	restored, err := svc.Restore(ctx, []any{keys[0]}, MutationOptions{SkipEvents: true})
	require.NoError(t, err)
	assert.Equal(t, []any{keys[0]}, restored)
	assert.Nil(t, f.rows(t, `SELECT deleted_at FROM posts WHERE id = ?`, keys[0])[0]["deleted_at"])
}

func TestDeleteMany_ForceDeleteCascadesDeletedChildren(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	storeExec(t, f,
		`CREATE TABLE comments (id INTEGER PRIMARY KEY AUTOINCREMENT, post INTEGER, body TEXT, deleted_at TIMESTAMP)`,
		`INSERT INTO directus_collections (collection, is_soft_delete) VALUES ('comments', 1)`,
		`INSERT INTO directus_fields (collection, field, special) VALUES ('comments', 'deleted_at', 'date-deleted')`,
		`INSERT INTO directus_fields (collection, field, special) VALUES ('posts', 'comments', 'o2m')`,
		`INSERT INTO directus_relations (many_collection, many_field, one_collection, one_field)
			VALUES ('comments', 'post', 'posts', 'comments')`,
	)
	f.reload(t)
	keys := seedPosts(t, f)

	comments, err := f.items("comments", admin).CreateMany(ctx, []map[string]any{
		{"post": keys[0], "body": "first"},
		{"post": keys[0], "body": "second"},
		{"post": keys[1], "body": "other"},
	}, MutationOptions{})
	require.NoError(t, err)
	_, err = f.items("comments", admin).DeleteOne(ctx, comments[0], MutationOptions{})
	require.NoError(t, err)

	_, err = f.items("posts", admin).DeleteOne(ctx, keys[0], MutationOptions{ForceDelete: true, Deleteds: []string{"comments"}})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"body": "other"}}, f.rows(t, `SELECT body FROM comments`))
	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) AS n FROM posts WHERE id = ?`, keys[0]))
}
