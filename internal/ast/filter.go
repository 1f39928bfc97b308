package ast

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"cms-engine/internal/apperror"
	"cms-engine/internal/query"
	"cms-engine/internal/schema"
	"cms-engine/internal/store"
)

// Operators lists every filter operator the runner can compile.
var Operators = []string{
	"_eq", "_neq", "_lt", "_lte", "_gt", "_gte",
	"_in", "_nin", "_null", "_nnull", "_empty", "_nempty",
	"_contains", "_ncontains", "_icontains",
	"_starts_with", "_nstarts_with", "_istarts_with", "_nistarts_with",
	"_ends_with", "_nends_with", "_iends_with", "_niends_with",
	"_between", "_nbetween",
}

var (
	listOperators       = []string{"_in", "_nin"}
	rangeOperators      = []string{"_between", "_nbetween"}
	boolOperators       = []string{"_null", "_nnull", "_empty", "_nempty"}
	comparisonOperators = []string{"_lt", "_lte", "_gt", "_gte", "_between", "_nbetween"}
	stringOperators     = []string{
		"_contains", "_ncontains", "_icontains",
		"_starts_with", "_nstarts_with", "_istarts_with", "_nistarts_with",
		"_ends_with", "_nends_with", "_iends_with", "_niends_with",
	}
	// quantifiers for filters on o2m aliases
	relationalOperators = []string{"_some", "_none"}
)

var stringTypes = []string{store.TypeString, store.TypeText, store.TypeUUID, store.TypeCSV, store.TypeUnknown}

// prepareFilter validates filter against c and returns a copy in nested
// form: dotted keys ("author.name") become nested objects and bare values
// become _eq.
func (b *builder) prepareFilter(c *schema.Collection, filter query.Filter) (query.Filter, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	out, err := b.normalize(c, map[string]any(filter))
	if err != nil {
		return nil, err
	}
	return query.Filter(out), nil
}

// PrepareFilter validates and normalizes a filter for collection outside of
// a full query, e.g. permission or validation filters.
func PrepareFilter(collection string, filter query.Filter, ov *schema.Overview) (query.Filter, error) {
	c := ov.Collection(collection)
	if c == nil {
		return nil, apperror.Forbidden()
	}
	b := &builder{ov: ov}
	return b.prepareFilter(c, filter)
}

func (b *builder) normalize(c *schema.Collection, node map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(node))
	for key, val := range node {
		switch key {
		case "_and", "_or":
			list, ok := query.AsList(val)
			if !ok {
				return nil, apperror.InvalidQuery(fmt.Sprintf(`"%s" has to be an array`, key))
			}
			items := make([]any, 0, len(list))
			for _, item := range list {
				m, ok := query.AsMap(item)
				if !ok {
					return nil, apperror.InvalidQuery(fmt.Sprintf(`"%s" items have to be objects`, key))
				}
				n, err := b.normalize(c, m)
				if err != nil {
					return nil, err
				}
				items = append(items, n)
			}
			out[key] = items
			continue
		}

		// "author.name": {...} -> author: {name: {...}}
		if head, rest, ok := strings.Cut(key, "."); ok {
			val = map[string]any{rest: val}
			key = head
		}

		normalized, err := b.normalizeField(c, key, val)
		if err != nil {
			return nil, err
		}
		if existing, ok := out[key].(map[string]any); ok {
			for k, v := range normalized {
				existing[k] = v
			}
			continue
		}
		out[key] = normalized
	}
	return out, nil
}

func (b *builder) normalizeField(c *schema.Collection, name string, val any) (map[string]any, error) {
	f := c.Field(name)
	if f == nil {
		return nil, apperror.InvalidQuery(fmt.Sprintf("Invalid filter: field %q doesn't exist in collection %q", name, c.Collection))
	}

	m, ok := query.AsMap(val)
	if !ok {
		if f.Alias {
			return nil, apperror.InvalidQuery(fmt.Sprintf("Invalid filter: %q needs a nested filter", name))
		}
		return map[string]any{"_eq": val}, nil
	}

	if rel := b.ov.M2O(c.Collection, name); rel != nil && hasFieldKeys(m) {
		if rel.IsA2O() {
			return nil, apperror.InvalidQuery(fmt.Sprintf("Invalid filter: can't filter through any-to-one field %q", name))
		}
		related := b.ov.Collection(rel.RelatedCollection)
		if related == nil {
			return nil, apperror.Forbidden()
		}
		return b.normalize(related, m)
	}

	if rel := b.ov.O2M(c.Collection, name); rel != nil {
		related := b.ov.Collection(rel.Collection)
		if related == nil {
			return nil, apperror.Forbidden()
		}
		m = maps.Clone(m)
		out := map[string]any{}
		for _, q := range relationalOperators {
			if sub, ok := m[q]; ok {
				subMap, ok := query.AsMap(sub)
				if !ok {
					return nil, apperror.InvalidQuery(fmt.Sprintf(`Invalid filter: "%s" needs an object`, q))
				}
				n, err := b.normalize(related, subMap)
				if err != nil {
					return nil, err
				}
				out[q] = n
				delete(m, q)
			}
		}
		if len(m) > 0 {
			// plain nested filter means "some child matches"
			n, err := b.normalize(related, m)
			if err != nil {
				return nil, err
			}
			if existing, ok := out["_some"].(map[string]any); ok {
				out["_some"] = map[string]any{"_and": []any{existing, n}}
			} else {
				out["_some"] = n
			}
		}
		return out, nil
	}

	if f.Alias {
		return nil, apperror.InvalidQuery(fmt.Sprintf("Invalid filter: can't filter on alias field %q", name))
	}
	return validateOperators(c, f, m)
}

func hasFieldKeys(m map[string]any) bool {
	for k := range m {
		if !strings.HasPrefix(k, "_") {
			return true
		}
		if k == "_and" || k == "_or" {
			return true
		}
	}
	return false
}

func validateOperators(c *schema.Collection, f *schema.Field, m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for op, v := range m {
		if !slices.Contains(Operators, op) {
			return nil, apperror.InvalidQuery(fmt.Sprintf("Invalid filter: unknown operator %q on field %q", op, f.Field))
		}
		switch {
		case slices.Contains(listOperators, op):
			list, ok := query.AsList(v)
			if !ok {
				if s, isString := v.(string); isString {
					// comma separated list from a query string
					parts := strings.Split(s, ",")
					list = make([]any, len(parts))
					for i, p := range parts {
						list[i] = strings.TrimSpace(p)
					}
				} else {
					return nil, apperror.InvalidQuery(fmt.Sprintf(`Invalid filter: "%s" on field %q needs an array`, op, f.Field))
				}
			}
			v = list
		case slices.Contains(rangeOperators, op):
			list, ok := query.AsList(v)
			if !ok || len(list) != 2 {
				return nil, apperror.InvalidQuery(fmt.Sprintf(`Invalid filter: "%s" on field %q needs two values`, op, f.Field))
			}
			v = list
		case slices.Contains(boolOperators, op):
			bv, ok := asBool(v)
			if !ok {
				return nil, apperror.InvalidQuery(fmt.Sprintf(`Invalid filter: "%s" on field %q needs a boolean`, op, f.Field))
			}
			v = bv
		case slices.Contains(stringOperators, op):
			if !slices.Contains(stringTypes, f.Type) {
				return nil, apperror.InvalidQuery(fmt.Sprintf(`Invalid filter: "%s" can't be used on %s field %q`, op, f.Type, f.Field))
			}
		}
		if slices.Contains(comparisonOperators, op) && (f.Type == store.TypeJSON || f.Type == store.TypeBoolean) {
			return nil, apperror.InvalidQuery(fmt.Sprintf(`Invalid filter: "%s" can't be used on %s field %q`, op, f.Type, f.Field))
		}
		out[op] = v
	}
	return out, nil
}

func asBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		switch val {
		case "true", "1":
			return true, true
		case "false", "0":
			return false, true
		}
	}
	return false, false
}
