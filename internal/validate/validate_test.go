package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cms-engine/internal/query"
)

func TestMatch(t *testing.T) {
	record := map[string]any{
		"title":  "Hello World",
		"views":  int64(42),
		"status": "published",
		"tags":   []any{},
		"author": map[string]any{"name": "Ann"},
		"date":   "2024-05-01",
		"flag":   true,
	}

	cases := []struct {
		name   string
		filter query.Filter
		want   bool
	}{
		{"eq", query.Filter{"status": map[string]any{"_eq": "published"}}, true},
		{"eq loose number", query.Filter{"views": map[string]any{"_eq": "42"}}, true},
		{"neq", query.Filter{"status": map[string]any{"_neq": "draft"}}, true},
		{"gt", query.Filter{"views": map[string]any{"_gt": 40}}, true},
		{"lte fails", query.Filter{"views": map[string]any{"_lte": 10}}, false},
		{"in", query.Filter{"status": map[string]any{"_in": []any{"draft", "published"}}}, true},
		{"nin", query.Filter{"status": map[string]any{"_nin": []any{"published"}}}, false},
		{"null", query.Filter{"missing": map[string]any{"_null": true}}, true},
		{"nnull", query.Filter{"title": map[string]any{"_nnull": true}}, true},
		{"empty", query.Filter{"tags": map[string]any{"_empty": true}}, true},
		{"nempty", query.Filter{"title": map[string]any{"_nempty": true}}, true},
		{"contains", query.Filter{"title": map[string]any{"_contains": "World"}}, true},
		{"icontains folds case", query.Filter{"title": map[string]any{"_icontains": "WORLD"}}, true},
		{"ncontains", query.Filter{"title": map[string]any{"_ncontains": "World"}}, false},
		{"starts with", query.Filter{"title": map[string]any{"_starts_with": "Hell"}}, true},
		{"istarts with", query.Filter{"title": map[string]any{"_istarts_with": "hell"}}, true},
		{"ends with", query.Filter{"title": map[string]any{"_ends_with": "World"}}, true},
		{"between dates", query.Filter{"date": map[string]any{"_between": []any{"2024-01-01", "2024-12-31"}}}, true},
		{"nbetween", query.Filter{"views": map[string]any{"_nbetween": []any{1, 100}}}, false},
		{"bool eq", query.Filter{"flag": map[string]any{"_eq": true}}, true},
		{"nested path", query.Filter{"author": map[string]any{"name": map[string]any{"_eq": "Ann"}}}, true},
		{"or", query.Filter{"_or": []any{
			map[string]any{"status": map[string]any{"_eq": "draft"}},
			map[string]any{"views": map[string]any{"_gt": 10}},
		}}, true},
		{"and", query.Filter{"_and": []any{
			map[string]any{"status": map[string]any{"_eq": "published"}},
			map[string]any{"views": map[string]any{"_gt": 100}},
		}}, false},
		{"shorthand eq", query.Filter{"status": "published"}, true},
		{"empty filter", query.Filter{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Match(tc.filter, record, Options{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMatch_Partial(t *testing.T) {
	filter := query.Filter{"title": map[string]any{"_nempty": true}, "views": map[string]any{"_gt": 0}}

	ok, err := Match(filter, map[string]any{"views": 5}, Options{Partial: true})
	require.NoError(t, err)
	assert.True(t, ok, "missing fields are skipped on partial payloads")

	ok, err = Match(filter, map[string]any{"views": 5}, Options{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Match(filter, map[string]any{"title": ""}, Options{Partial: true})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate_Details(t *testing.T) {
	filter := query.Filter{
		"_and": []any{
			map[string]any{"title": map[string]any{"_nempty": true}},
			map[string]any{"views": map[string]any{"_gte": 0}},
		},
		"author": map[string]any{"name": map[string]any{"_eq": "Ann"}},
	}
	details, err := Validate(filter, map[string]any{
		"title":  "",
		"views":  3,
		"author": map[string]any{"name": "Bob"},
	}, Options{})
	require.NoError(t, err)
	require.Len(t, details, 2)

	fields := []string{details[0].Field, details[1].Field}
	assert.ElementsMatch(t, []string{"title", "author.name"}, fields)
	for _, d := range details {
		if d.Field == "title" {
			assert.Equal(t, "_nempty", d.Rule)
		}
	}
}

func TestCompile_Reuse(t *testing.T) {
	p, err := Compile(query.Filter{"n": map[string]any{"_lt": 10}}, Options{})
	require.NoError(t, err)

	ok, err := p.Match(map[string]any{"n": 3})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Match(map[string]any{"n": 30})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApply_Unknown(t *testing.T) {
	_, err := Apply("_nope", 1, 1)
	assert.Error(t, err)
}
