package validate

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/cast"
	"golang.org/x/text/cases"
)

var fold = cases.Fold()

// fieldFunc walks record along the given keys: field(record, "author", "name").
func fieldFunc(params ...any) (any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	cur := params[0]
	for _, p := range params[1:] {
		m, ok := asMap(cur)
		if !ok {
			return nil, nil
		}
		cur = m[cast.ToString(p)]
	}
	return cur, nil
}

// presentFunc reports whether the full path exists in record.
func presentFunc(params ...any) (any, error) {
	if len(params) == 0 {
		return false, nil
	}
	cur := params[0]
	for _, p := range params[1:] {
		m, ok := asMap(cur)
		if !ok {
			return false, nil
		}
		v, exists := m[cast.ToString(p)]
		if !exists {
			return false, nil
		}
		cur = v
	}
	return true, nil
}

// opFunc applies a filter operator: op("_eq", value, operand).
func opFunc(params ...any) (any, error) {
	if len(params) != 3 {
		return nil, fmt.Errorf("op expects 3 arguments, got %d", len(params))
	}
	name, _ := params[0].(string)
	return Apply(name, params[1], params[2])
}

// Apply evaluates a single operator against value.
func Apply(op string, value, operand any) (bool, error) {
	switch op {
	case "_eq":
		return equal(value, operand), nil
	case "_neq":
		return !equal(value, operand), nil
	case "_lt", "_lte", "_gt", "_gte":
		if value == nil || operand == nil {
			return false, nil
		}
		c := compare(value, operand)
		switch op {
		case "_lt":
			return c < 0, nil
		case "_lte":
			return c <= 0, nil
		case "_gt":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case "_in", "_nin":
		found := false
		for _, item := range toList(operand) {
			if equal(value, item) {
				found = true
				break
			}
		}
		return found == (op == "_in"), nil
	case "_null":
		return (value == nil) == cast.ToBool(operand), nil
	case "_nnull":
		return (value != nil) == cast.ToBool(operand), nil
	case "_empty":
		return isEmpty(value) == cast.ToBool(operand), nil
	case "_nempty":
		return !isEmpty(value) == cast.ToBool(operand), nil
	case "_contains", "_ncontains", "_icontains":
		if value == nil {
			return op == "_ncontains", nil
		}
		s, sub := cast.ToString(value), cast.ToString(operand)
		if op == "_icontains" {
			return strings.Contains(fold.String(s), fold.String(sub)), nil
		}
		return strings.Contains(s, sub) == (op == "_contains"), nil
	case "_starts_with", "_nstarts_with", "_istarts_with", "_nistarts_with":
		if value == nil {
			return strings.HasPrefix(op, "_n"), nil
		}
		s, prefix := cast.ToString(value), cast.ToString(operand)
		if strings.Contains(op, "istarts") {
			s, prefix = fold.String(s), fold.String(prefix)
		}
		return strings.HasPrefix(s, prefix) != strings.HasPrefix(op, "_n"), nil
	case "_ends_with", "_nends_with", "_iends_with", "_niends_with":
		if value == nil {
			return strings.HasPrefix(op, "_n"), nil
		}
		s, suffix := cast.ToString(value), cast.ToString(operand)
		if strings.Contains(op, "iends") {
			s, suffix = fold.String(s), fold.String(suffix)
		}
		return strings.HasSuffix(s, suffix) != strings.HasPrefix(op, "_n"), nil
	case "_between", "_nbetween":
		bounds := toList(operand)
		if len(bounds) != 2 || value == nil {
			return op == "_nbetween", nil
		}
		in := compare(value, bounds[0]) >= 0 && compare(value, bounds[1]) <= 0
		return in == (op == "_between"), nil
	case "_regex":
		return false, fmt.Errorf("operator %s isn't supported", op)
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			return fa == fb
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, err := cast.ToBoolE(b); err == nil {
			return ba == bb
		}
	}
	return cast.ToString(a) == cast.ToString(b)
}

// compare orders numbers numerically and everything else as strings, which
// keeps ISO dates in chronological order.
func compare(a, b any) int {
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(cast.ToString(a), cast.ToString(b))
}

func number(v any) (float64, bool) {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return cast.ToFloat64(v), true
	case string:
		f, err := cast.ToFloat64E(v)
		return f, err == nil
	}
	return 0, false
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	}
	return false
}

func toList(v any) []any {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		if s, ok := v.(string); ok {
			parts := strings.Split(s, ",")
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = strings.TrimSpace(p)
			}
			return out
		}
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			for _, k := range rv.MapKeys() {
				out[k.String()] = rv.MapIndex(k).Interface()
			}
			return out, true
		}
	}
	return nil, false
}
