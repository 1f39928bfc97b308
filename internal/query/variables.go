package query

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Vars supplies the values of dynamic filter variables.
type Vars struct {
	User any
	Role any
	Now  time.Time
}

var nowOffset = regexp.MustCompile(`^\$NOW\(\s*([+-]?\d+)\s*([a-zA-Z]+)\s*\)$`)

// ParseDynamicVariables returns a copy of filter with $CURRENT_USER,
// $CURRENT_ROLE and $NOW replaced. $NOW accepts an offset such as
// $NOW(-1 day) or $NOW(+2 hours).
func ParseDynamicVariables(filter Filter, vars Vars) Filter {
	if filter == nil {
		return nil
	}
	if vars.Now.IsZero() {
		vars.Now = time.Now()
	}
	return Filter(replaceVars(map[string]any(filter), vars).(map[string]any))
}

// ParseValue resolves a single preset or filter value.
func ParseValue(v any, vars Vars) any {
	if vars.Now.IsZero() {
		vars.Now = time.Now()
	}
	return replaceVars(v, vars)
}

func replaceVars(v any, vars Vars) any {
	switch val := v.(type) {
	case Filter:
		return replaceVars(map[string]any(val), vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = replaceVars(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = replaceVars(item, vars)
		}
		return out
	case string:
		return resolveVariable(val, vars)
	default:
		return v
	}
}

func resolveVariable(s string, vars Vars) any {
	switch s {
	case "$CURRENT_USER":
		return vars.User
	case "$CURRENT_ROLE":
		return vars.Role
	case "$NOW":
		return vars.Now.UTC().Format(time.RFC3339)
	}
	if m := nowOffset.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return s
		}
		if t, ok := shift(vars.Now, n, m[2]); ok {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return s
}

func shift(t time.Time, n int, unit string) (time.Time, bool) {
	unit = strings.TrimSuffix(strings.ToLower(unit), "s")
	switch unit {
	case "second", "sec":
		return t.Add(time.Duration(n) * time.Second), true
	case "minute", "min":
		return t.Add(time.Duration(n) * time.Minute), true
	case "hour":
		return t.Add(time.Duration(n) * time.Hour), true
	case "day":
		return t.AddDate(0, 0, n), true
	case "week":
		return t.AddDate(0, 0, 7*n), true
	case "month":
		return t.AddDate(0, n, 0), true
	case "year":
		return t.AddDate(n, 0, 0), true
	}
	return t, false
}
