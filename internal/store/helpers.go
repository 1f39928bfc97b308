package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04:05"
	timeLayout     = "15:04:05"
)

var dateTimeInputs = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	dateLayout,
}

// Coerce converts a value read from the database into the Go value the engine
// hands out for the given local type. Values that cannot be converted are
// returned untouched.
func Coerce(d Dialect, localType string, v any) any {
	if v == nil {
		return nil
	}

	switch localType {
	case TypeInteger, TypeBigInteger:
		if n, err := cast.ToInt64E(v); err == nil {
			return n
		}
	case TypeFloat, TypeDecimal:
		// decimals often arrive as strings to keep precision
		if f, err := cast.ToFloat64E(v); err == nil {
			return f
		}
	case TypeBoolean:
		if d == nil || d.NeedsBoolFix() {
			if b, err := cast.ToBoolE(v); err == nil {
				return b
			}
		}
		if b, ok := v.(bool); ok {
			return b
		}
	case TypeDate, TypeDateTime, TypeTimestamp, TypeTime:
		if t, ok := ParseTime(v); ok {
			return FormatTime(localType, t)
		}
	case TypeJSON:
		return decodeJSON(v)
	case TypeUUID:
		switch u := v.(type) {
		case [16]byte:
			return uuid.UUID(u).String()
		case string:
			return strings.ToLower(u)
		}
	}
	return v
}

// FormatTime renders t the way values of localType are returned to callers.
func FormatTime(localType string, t time.Time) string {
	switch localType {
	case TypeDate:
		return t.Format(dateLayout)
	case TypeDateTime:
		return t.Format(dateTimeLayout)
	case TypeTime:
		return t.Format(timeLayout)
	default:
		return t.UTC().Format(time.RFC3339)
	}
}

// TimeParam converts t into a parameter suitable for a column of localType.
func TimeParam(d Dialect, localType string, t time.Time) any {
	if d != nil && d.Name() == "mysql" {
		return t.UTC()
	}
	if localType == TypeTimestamp {
		return t.UTC().Format(time.RFC3339)
	}
	return FormatTime(localType, t)
}

// ParseTime reads a time value as returned by the drivers or sent by callers.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range dateTimeInputs {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func decodeJSON(v any) any {
	var raw []byte
	switch val := v.(type) {
	case string:
		raw = []byte(val)
	case []byte:
		raw = val
	default:
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
