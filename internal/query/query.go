// Package query holds the declarative query object accepted by the items
// service and the filter helpers shared by the compiler, the permission
// rewriter and the runner.
package query

import (
	"maps"
)

// Filter is a logical tree of {_and, _or, <field>: {<operator>: value}}.
// Relational paths nest: {author: {name: {_eq: "x"}}}.
type Filter map[string]any

// Query is the sanitized inbound query.
type Query struct {
	Fields         []string            `mapstructure:"fields"`
	Filter         Filter              `mapstructure:"filter"`
	Sort           []string            `mapstructure:"sort"`
	Limit          *int                `mapstructure:"limit"`
	Offset         int                 `mapstructure:"offset"`
	Page           int                 `mapstructure:"page"`
	Aggregate      map[string][]string `mapstructure:"aggregate"`
	Group          []string            `mapstructure:"group"`
	Search         string              `mapstructure:"search"`
	Deep           map[string]*Query   `mapstructure:"deep"`
	ShowSoftDelete bool                `mapstructure:"show_soft_delete"`
	Meta           []string            `mapstructure:"meta"`
	Alias          map[string]string   `mapstructure:"alias"`
}

// Aggregate functions understood by the runner.
var AggregateFunctions = []string{
	"count", "countDistinct", "countAll",
	"sum", "sumDistinct", "avg", "avgDistinct", "min", "max",
}

// Int returns a pointer to n, for building queries by hand.
func Int(n int) *int { return &n }

// HasAggregate reports whether the query asks for aggregated rows.
func (q *Query) HasAggregate() bool {
	return q != nil && len(q.Aggregate) > 0
}

// Clone returns a deep copy of q.
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	out := *q
	out.Fields = append([]string(nil), q.Fields...)
	out.Sort = append([]string(nil), q.Sort...)
	out.Group = append([]string(nil), q.Group...)
	out.Meta = append([]string(nil), q.Meta...)
	out.Filter = CloneFilter(q.Filter)
	if q.Limit != nil {
		out.Limit = Int(*q.Limit)
	}
	if q.Aggregate != nil {
		out.Aggregate = make(map[string][]string, len(q.Aggregate))
		for fn, fields := range q.Aggregate {
			out.Aggregate[fn] = append([]string(nil), fields...)
		}
	}
	if q.Deep != nil {
		out.Deep = make(map[string]*Query, len(q.Deep))
		for k, v := range q.Deep {
			out.Deep[k] = v.Clone()
		}
	}
	out.Alias = maps.Clone(q.Alias)
	return &out
}

// CloneFilter deep copies a filter tree.
func CloneFilter(f Filter) Filter {
	if f == nil {
		return nil
	}
	return cloneValue(map[string]any(f)).(map[string]any)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Filter:
		return Filter(cloneValue(map[string]any(val)).(map[string]any))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// And intersects a and b without mutating either.
func And(a, b Filter) Filter {
	switch {
	case len(a) == 0 && len(b) == 0:
		return nil
	case len(a) == 0:
		return CloneFilter(b)
	case len(b) == 0:
		return CloneFilter(a)
	}
	return Filter{"_and": []any{map[string]any(CloneFilter(a)), map[string]any(CloneFilter(b))}}
}

// MergeSoftDelete conjoins {field: {_null: true}} onto filter. An _or root is
// wrapped rather than extended so its alternatives keep their meaning.
func MergeSoftDelete(filter Filter, field string) Filter {
	clause := map[string]any{field: map[string]any{"_null": true}}
	if len(filter) == 0 {
		return Filter(clause)
	}

	if len(filter) == 1 {
		if and, ok := AsList(filter["_and"]); ok {
			items := make([]any, 0, len(and)+1)
			for _, item := range and {
				items = append(items, cloneValue(item))
			}
			return Filter{"_and": append(items, clause)}
		}
		if or, ok := filter["_or"]; ok {
			return Filter{"_and": []any{
				map[string]any{"_or": cloneValue(or)},
				clause,
			}}
		}
	}
	return Filter{"_and": []any{map[string]any(CloneFilter(filter)), clause}}
}

// AsMap returns v as a plain map when it is a filter node.
func AsMap(v any) (map[string]any, bool) {
	switch val := v.(type) {
	case Filter:
		return map[string]any(val), true
	case map[string]any:
		return val, true
	}
	return nil, false
}

// AsList returns v as []any when it is any kind of slice of filter values.
func AsList(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out, true
	case []Filter:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = map[string]any(item)
		}
		return out, true
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out, true
	case []int:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out, true
	case []int64:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out, true
	}
	return nil, false
}
