package query

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"cms-engine/internal/apperror"
)

// params recognised inside a deep object; other keys are nested relations.
var deepParams = []string{"fields", "filter", "sort", "limit", "offset", "page", "search", "aggregate", "group", "alias"}

var rawAliases = map[string]string{
	"showSoftDelete": "show_soft_delete",
}

// Sanitize decodes a loosely typed query (as parsed from a query string or a
// GraphQL argument set) into a Query. Comma separated strings become lists,
// JSON strings become objects and numeric strings become numbers.
func Sanitize(raw map[string]any) (*Query, error) {
	q := &Query{}
	if len(raw) == 0 {
		return q, nil
	}

	input := make(map[string]any, len(raw))
	for k, v := range raw {
		if alias, ok := rawAliases[k]; ok {
			k = alias
		}
		input[k] = v
	}
	if deep, ok := input["deep"]; ok {
		normalized, err := normalizeDeep(deep)
		if err != nil {
			return nil, err
		}
		input["deep"] = normalized
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			jsonStringHook,
			mapstructure.StringToSliceHookFunc(","),
			trimSliceHook,
		),
		WeaklyTypedInput: true,
		Result:           q,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(input); err != nil {
		return nil, apperror.InvalidQuery(fmt.Sprintf("Invalid query: %v", err))
	}

	if err := q.validate(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Query) validate() error {
	if q.Limit != nil && *q.Limit < -1 {
		return apperror.InvalidQuery(`"limit" has to be -1 or greater`)
	}
	if q.Offset < 0 {
		return apperror.InvalidQuery(`"offset" can't be negative`)
	}
	if q.Page < 0 {
		return apperror.InvalidQuery(`"page" has to be 1 or greater`)
	}
	for fn := range q.Aggregate {
		if !slices.Contains(AggregateFunctions, fn) {
			return apperror.InvalidQuery(fmt.Sprintf("Unknown aggregate function %q", fn))
		}
	}
	if slices.Contains(q.Meta, "*") {
		q.Meta = []string{"total_count", "filter_count"}
	}
	for _, m := range q.Meta {
		if m != "total_count" && m != "filter_count" {
			return apperror.InvalidQuery(fmt.Sprintf("Unknown meta %q", m))
		}
	}
	for _, d := range q.Deep {
		if d == nil {
			continue
		}
		if err := d.validate(); err != nil {
			return err
		}
	}
	return nil
}

// normalizeDeep rewrites {rel: {_limit: 5, nested: {...}}} into
// {rel: {limit: 5, deep: {nested: {...}}}} so it decodes into Query.
func normalizeDeep(v any) (any, error) {
	if s, ok := v.(string); ok {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return nil, apperror.InvalidQuery(`"deep" has to be a JSON object`)
		}
		v = parsed
	}
	m, ok := AsMap(v)
	if !ok {
		return nil, apperror.InvalidQuery(`"deep" has to be an object`)
	}

	out := make(map[string]any, len(m))
	for rel, sub := range m {
		subMap, ok := AsMap(sub)
		if !ok {
			return nil, apperror.InvalidQuery(fmt.Sprintf(`"deep.%s" has to be an object`, rel))
		}
		q := map[string]any{}
		nested := map[string]any{}
		for k, val := range subMap {
			name := strings.TrimPrefix(k, "_")
			if slices.Contains(deepParams, name) {
				q[name] = val
				continue
			}
			nested[k] = val
		}
		if len(nested) > 0 {
			d, err := normalizeDeep(nested)
			if err != nil {
				return nil, err
			}
			q["deep"] = d
		}
		out[rel] = q
	}
	return out, nil
}

var filterType = reflect.TypeOf(Filter{})

// jsonStringHook parses JSON encoded objects and arrays.
func jsonStringHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	switch {
	case to == filterType || to.Kind() == reflect.Map:
		if s == "" {
			return nil, nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("invalid JSON object: %w", err)
		}
		return out, nil
	case to.Kind() == reflect.Slice && strings.HasPrefix(s, "["):
		var out []any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		return out, nil
	}
	return data, nil
}

func trimSliceHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.Slice || to.Kind() != reflect.Slice {
		return data, nil
	}
	list, ok := data.([]string)
	if !ok {
		return data, nil
	}
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
