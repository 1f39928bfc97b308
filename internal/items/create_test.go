package items

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cms-engine/internal/apperror"
	"cms-engine/internal/hooks"
	"cms-engine/internal/permissions"
	"cms-engine/internal/query"
	"cms-engine/internal/runner"
)

func TestCreateOne_NestedO2M(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	key, err := f.items("orders", admin).CreateOne(ctx, map[string]any{
		"status": "paid",
		"items":  []any{map[string]any{"sku": "a", "qty": 2}, map[string]any{"sku": "b"}},
	}, MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), key)

	order, err := f.items("orders", admin).ReadOne(ctx, key, &query.Query{
		Fields: []string{"id", "status", "user_created", "items.sku", "items.qty"},
	}, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "paid", order["status"])
	assert.Equal(t, "u1", order["user_created"])
	assert.Equal(t, []any{
		map[string]any{"sku": "a", "qty": int64(2)},
		map[string]any{"sku": "b", "qty": int64(1)},
	}, order["items"])
}

func TestCreateOne_FillsDateSpecials(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	key, err := f.items("orders", admin).CreateOne(ctx, map[string]any{"status": "paid"}, MutationOptions{})
	require.NoError(t, err)

	order, err := f.items("orders", admin).ReadOne(ctx, key, nil, ReadOptions{})
	require.NoError(t, err)
	assert.NotNil(t, order["created_on"])
	assert.NotNil(t, order["updated_on"])
}

func TestCreateOne_RollsBackNestedWrites(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.items("orders", admin).CreateOne(ctx, map[string]any{
		"status": "paid",
		// the second item misses its required sku
		"items": []any{map[string]any{"sku": "a"}, map[string]any{"qty": 2}},
	}, MutationOptions{})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.CodeInvalidPayload))

	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) AS n FROM orders`))
	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) AS n FROM order_items`))
	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) AS n FROM directus_activity`))
}

func TestCreateOne_NestedM2O(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	key, err := f.items("orders", admin).CreateOne(ctx, map[string]any{
		"customer": map[string]any{"name": "Ann", "email": "ann@example.com"},
	}, MutationOptions{})
	require.NoError(t, err)

	order, err := f.items("orders", admin).ReadOne(ctx, key, &query.Query{
		Fields: []string{"customer.id", "customer.name"},
	}, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": int64(1), "name": "Ann"}, order["customer"])

	// an object carrying a stored key updates that row
	_, err = f.items("orders", admin).CreateOne(ctx, map[string]any{
		"customer": map[string]any{"id": 1, "name": "Anna"},
	}, MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) AS n FROM customers`))
	assert.Equal(t, "Anna", f.rows(t, `SELECT name FROM customers WHERE id = 1`)[0]["name"])
}

func TestCreateOne_UniqueField(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	svc := f.items("customers", admin)

	_, err := svc.CreateOne(ctx, map[string]any{"name": "Ann", "email": "a@example.com"}, MutationOptions{})
	require.NoError(t, err)

	_, err = svc.CreateOne(ctx, map[string]any{"name": "Bob", "email": "a@example.com"}, MutationOptions{})
	require.Error(t, err)
	ae, ok := apperror.As(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeRecordNotUnique, ae.Code)

	// missing values never collide
	_, err = svc.CreateOne(ctx, map[string]any{"name": "Cid"}, MutationOptions{})
	require.NoError(t, err)
	_, err = svc.CreateOne(ctx, map[string]any{"name": "Dee", "email": nil}, MutationOptions{})
	require.NoError(t, err)
}

func TestCreateOne_ConcurrentUniqueValue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	svc := f.items("customers", admin)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.CreateOne(ctx, map[string]any{"name": "Same", "email": "same@example.com"}, MutationOptions{})
		}()
	}
	wg.Wait()

	var failed int
	for _, err := range errs {
		if err != nil {
			failed++
			assert.True(t, apperror.Is(err, apperror.CodeRecordNotUnique), err.Error())
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) AS n FROM customers`))
}

func TestCreateOne_DatabaseUniqueIndexIsTranslated(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	svc := f.items("codes", admin)

	_, err := svc.CreateOne(ctx, map[string]any{"code": "X1"}, MutationOptions{})
	require.NoError(t, err)
	_, err = svc.CreateOne(ctx, map[string]any{"code": "X1"}, MutationOptions{})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.CodeRecordNotUnique), err.Error())
}

func TestCreateOne_UniqueCombination(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	svc := f.items("accounts", admin)

	_, err := svc.CreateOne(ctx, map[string]any{"email": "a@x", "team": "red", "role": "lead"}, MutationOptions{})
	require.NoError(t, err)
	other, err := svc.CreateOne(ctx, map[string]any{"email": "b@x", "team": "red", "role": "dev"}, MutationOptions{})
	require.NoError(t, err)

	_, err = svc.CreateOne(ctx, map[string]any{"email": "c@x", "team": "red", "role": "lead"}, MutationOptions{})
	require.Error(t, err)
	var errs apperror.Errors
	require.ErrorAs(t, err, &errs)
	assert.Len(t, errs, 2)
	assert.True(t, apperror.Is(err, apperror.CodeRecordNotUniqueCombination))

	// completing the combination with the stored team collides too
	_, err = svc.UpdateOne(ctx, other, map[string]any{"role": "lead"}, MutationOptions{})
	assert.True(t, apperror.Is(err, apperror.CodeRecordNotUniqueCombination))
}

func TestCreateOne_UUIDKeyHashAndConceal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	svc := f.items("accounts", admin)

	key, err := svc.CreateOne(ctx, map[string]any{"email": "a@x", "password": "secret"}, MutationOptions{})
	require.NoError(t, err)
	require.IsType(t, "", key)
	assert.Len(t, key, 36)

	stored := f.rows(t, `SELECT password FROM accounts WHERE id = ?`, key)[0]["password"].(string)
	assert.True(t, strings.HasPrefix(stored, "$argon2id$v=19$"), stored)

	acc, err := svc.ReadOne(ctx, key, nil, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, key, acc["id"])
	assert.Equal(t, runner.ConcealedValue, acc["password"])

	// writing the mask back keeps the stored hash
	_, err = svc.UpdateOne(ctx, key, map[string]any{"email": "b@x", "password": runner.ConcealedValue}, MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, stored, f.rows(t, `SELECT password FROM accounts WHERE id = ?`, key)[0]["password"])
}

func TestCreateOne_FilterHookRewritesPayload(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.bus.OnFilter("orders.items.create", func(_ context.Context, payload any, _ hooks.Meta) (any, error) {
		p := payload.(map[string]any)
		p["status"] = "flagged"
		return p, nil
	})

	key, err := f.items("orders", admin).CreateOne(ctx, map[string]any{"status": "paid"}, MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, "flagged", f.rows(t, `SELECT status FROM orders WHERE id = ?`, key)[0]["status"])

	// events can be skipped
	key, err = f.items("orders", admin).CreateOne(ctx, map[string]any{"status": "paid"}, MutationOptions{SkipEvents: true})
	require.NoError(t, err)
	assert.Equal(t, "paid", f.rows(t, `SELECT status FROM orders WHERE id = ?`, key)[0]["status"])
}

func TestUniqueness_CheckedBeforeFilterHooks(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	keys := seedPosts(t, f)

	var calls int
	rewrite := func(_ context.Context, payload any, _ hooks.Meta) (any, error) {
		calls++
		p := payload.(map[string]any)
		p["slug"] = "fresh"
		return p, nil
	}
	f.bus.OnFilter("posts.items.create", rewrite)
	f.bus.OnFilter("posts.items.update", rewrite)
	svc := f.items("posts", admin)

	_, err := svc.CreateOne(ctx, map[string]any{"title": "again", "slug": "alpha"}, MutationOptions{})
	assert.True(t, apperror.Is(err, apperror.CodeRecordNotUnique))
	_, err = svc.UpdateOne(ctx, keys[1], map[string]any{"slug": "alpha"}, MutationOptions{})
	assert.True(t, apperror.Is(err, apperror.CodeRecordNotUnique))
	assert.Zero(t, calls)
	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) AS n FROM posts WHERE slug = 'fresh'`))

	// a unique caller payload still reaches the hook
	key, err := svc.CreateOne(ctx, map[string]any{"title": "delta", "slug": "delta"}, MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "fresh", f.rows(t, `SELECT slug FROM posts WHERE id = ?`, key)[0]["slug"])
}

func TestCreateOne_ActionsFireAfterCommit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	var visible int64
	f.bus.OnAction("items.create", func(_ context.Context, meta hooks.Meta) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, meta.Collection)
		if meta.Collection == "orders" {
			// the connection is free again only once the transaction committed
			visible = f.count(t, `SELECT COUNT(*) AS n FROM orders`)
		}
		return nil
	})

	_, err := f.items("orders", admin).CreateOne(ctx, map[string]any{
		"items": []any{map[string]any{"sku": "a"}},
	}, MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"order_items", "orders"}, seen)
	assert.Equal(t, int64(1), visible)

	seen = nil
	_, err = f.items("orders", admin).CreateOne(ctx, map[string]any{
		"items": []any{map[string]any{"sku": "a"}, map[string]any{"qty": 1}},
	}, MutationOptions{})
	require.Error(t, err)
	assert.Empty(t, seen)
}

func TestCreateOne_ActivityAndRevisions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tracked := &permissions.Accountability{User: "u1", Admin: true, IP: "10.0.0.1"}
	key, err := f.items("orders", tracked).CreateOne(ctx, map[string]any{
		"status": "paid",
		"items":  []any{map[string]any{"sku": "a"}, map[string]any{"sku": "b"}},
	}, MutationOptions{})
	require.NoError(t, err)

	activity := f.rows(t, `SELECT action, "user", collection, item, ip FROM directus_activity ORDER BY id`)
	require.Len(t, activity, 3)
	assert.Equal(t, map[string]any{
		"action": "create", "user": "u1", "collection": "orders", "item": "1", "ip": "10.0.0.1",
	}, activity[2])
	assert.Equal(t, "order_items", activity[0]["collection"])

	revisions := f.rows(t, `SELECT id, collection, item, parent, delta FROM directus_revisions ORDER BY id`)
	require.Len(t, revisions, 3)
	parent := revisions[2]
	assert.Equal(t, "orders", parent["collection"])
	assert.Equal(t, keyString(key), parent["item"])
	assert.Nil(t, parent["parent"])
	assert.Equal(t, parent["id"], revisions[0]["parent"])
	assert.Equal(t, parent["id"], revisions[1]["parent"])
	assert.Contains(t, parent["delta"], `"status":"paid"`)
}

func TestCreateOne_UntrackedCollection(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.items("logs", admin).CreateOne(ctx, map[string]any{"message": "hi"}, MutationOptions{})
	require.NoError(t, err)
	// internal calls are not tracked either
	_, err = f.items("orders", nil).CreateOne(ctx, map[string]any{"status": "paid"}, MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) AS n FROM directus_activity`))
}

func TestCreateMany(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	keys, err := f.items("customers", admin).CreateMany(ctx, []map[string]any{
		{"name": "Ann", "email": "a@x"},
		{"name": "Bob", "email": "b@x"},
	}, MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, keys)

	// one failure undoes the whole batch
	_, err = f.items("customers", admin).CreateMany(ctx, []map[string]any{
		{"name": "Cid", "email": "c@x"},
		{"name": "Dup", "email": "a@x"},
	}, MutationOptions{})
	require.Error(t, err)
	assert.Equal(t, int64(2), f.count(t, `SELECT COUNT(*) AS n FROM customers`))
}
