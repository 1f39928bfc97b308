package runner

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cast"

	"cms-engine/internal/schema"
	"cms-engine/internal/store"
)

// ConcealedValue replaces the value of fields marked "conceal".
const ConcealedValue = "**********"

// value coerces a raw column value to the field's type and applies the
// transformers registered for its specials.
func (r *runner) value(f *schema.Field, v any) any {
	if f == nil {
		return v
	}
	v = store.Coerce(r.dialect, f.Type, v)
	for _, special := range f.Special {
		if t, ok := r.opts.Transformers[special]; ok {
			v = t(v, f)
			continue
		}
		v = transform(special, f, v)
	}
	if f.Type == store.TypeCSV && !f.HasSpecial("cast-csv") {
		v = splitCSV(v)
	}
	return v
}

func transform(special string, f *schema.Field, v any) any {
	if v == nil {
		return nil
	}
	switch special {
	case "conceal":
		return ConcealedValue
	case "cast-json", "json":
		// json typed columns were decoded by Coerce already
		if s, ok := v.(string); ok && f.Type != store.TypeJSON {
			var out any
			if err := json.Unmarshal([]byte(s), &out); err == nil {
				return out
			}
		}
	case "cast-boolean":
		if b, err := cast.ToBoolE(v); err == nil {
			return b
		}
	case "cast-csv":
		return splitCSV(v)
	}
	// hash values are returned as stored
	return v
}

func splitCSV(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
