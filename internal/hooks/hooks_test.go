package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFilter_ChainsPayload(t *testing.T) {
	b := New(zaptest.NewLogger(t).Sugar())
	b.OnFilter("items.create", func(_ context.Context, p any, _ Meta) (any, error) {
		m := p.(map[string]any)
		m["a"] = 1
		return m, nil
	})
	b.OnFilter("articles.items.create", func(_ context.Context, p any, meta Meta) (any, error) {
		m := p.(map[string]any)
		m["event"] = meta.Event
		return m, nil
	})

	out, err := b.Filter(context.Background(), []string{"items.create", "articles.items.create"}, map[string]any{}, Meta{Collection: "articles"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "event": "articles.items.create"}, out)
}

func TestFilter_ErrorAborts(t *testing.T) {
	b := New(nil)
	boom := errors.New("nope")
	b.OnFilter("items.delete", func(context.Context, any, Meta) (any, error) { return nil, boom })

	_, err := b.Filter(context.Background(), []string{"items.delete"}, []any{1}, Meta{})
	assert.ErrorIs(t, err, boom)
}

func TestNilBus(t *testing.T) {
	var b *Bus
	out, err := b.Filter(context.Background(), []string{"items.create"}, "payload", Meta{})
	require.NoError(t, err)
	assert.Equal(t, "payload", out)
	b.Action(context.Background(), []string{"items.create"}, Meta{})
	assert.False(t, b.HasFilters([]string{"items.create"}))
}

func TestAction_ErrorsAndPanicsAreContained(t *testing.T) {
	b := New(zaptest.NewLogger(t).Sugar())
	var ran []string
	b.OnAction("items.update", func(context.Context, Meta) error {
		ran = append(ran, "first")
		return errors.New("fails")
	})
	b.OnAction("items.update", func(context.Context, Meta) error {
		ran = append(ran, "second")
		panic("boom")
	})
	b.OnAction("items.update", func(context.Context, Meta) error {
		ran = append(ran, "third")
		return nil
	})

	assert.NotPanics(t, func() {
		b.Action(context.Background(), []string{"items.update"}, Meta{})
	})
	assert.Equal(t, []string{"first", "second", "third"}, ran)
}

func TestQueue(t *testing.T) {
	b := New(nil)
	var got []any
	b.OnAction("items.create", func(_ context.Context, m Meta) error {
		got = append(got, m.Key)
		return nil
	})

	q := b.NewQueue()
	q.Add([]string{"items.create"}, Meta{Key: 1})
	q.Add([]string{"items.create"}, Meta{Key: 2})
	assert.Empty(t, got, "nothing fires before flush")
	assert.Equal(t, 2, q.Len())

	q.Flush(context.Background())
	assert.Equal(t, []any{1, 2}, got)
	assert.Equal(t, 0, q.Len())

	q.Add([]string{"items.create"}, Meta{Key: 3})
	q.Discard()
	q.Flush(context.Background())
	assert.Equal(t, []any{1, 2}, got)
}
