package permissions

import (
	"fmt"
	"maps"

	"cms-engine/internal/apperror"
	"cms-engine/internal/query"
	"cms-engine/internal/schema"
	"cms-engine/internal/store"
	"cms-engine/internal/validate"
)

// autoFilled specials get a value on write, so they are never required.
var autoFilled = []string{"uuid", "date-created", "date-updated", "user-created", "user-updated"}

// ValidatePayload applies presets, the field allow-list, permission and
// field validation rules and required-field checks for a create or update
// of collection. It returns the payload with presets merged in.
func ValidatePayload(action, collection string, payload map[string]any, acc *Accountability, ov *schema.Overview) (map[string]any, error) {
	c := ov.Collection(collection)
	if c == nil {
		return nil, apperror.Forbidden()
	}
	out := maps.Clone(payload)
	if out == nil {
		out = map[string]any{}
	}

	var rules query.Filter
	if !acc.IsAdmin() {
		perm := acc.Find(collection, action)
		if perm == nil {
			return nil, apperror.Forbidden()
		}
		for key := range payload {
			if !perm.AllowsField(key) {
				return nil, apperror.Forbidden()
			}
		}
		vars := acc.Vars()
		for key, v := range perm.Presets {
			if _, ok := out[key]; !ok {
				out[key] = query.ParseValue(v, vars)
			}
		}
		rules = query.ParseDynamicVariables(perm.Validation, vars)
	}

	var details []apperror.Detail
	if len(rules) > 0 {
		d, err := validate.Validate(rules, out, validate.Options{Partial: action != "create"})
		if err != nil {
			return nil, err
		}
		details = append(details, d...)
	}

	for _, name := range c.FieldOrder {
		f := c.Fields[name]
		if len(f.Validation) == 0 {
			continue
		}
		if _, ok := out[name]; !ok {
			continue
		}
		d, err := validate.Validate(f.Validation, out, validate.Options{Partial: true})
		if err != nil {
			return nil, err
		}
		details = append(details, d...)
	}

	details = append(details, requiredDetails(action, c, out)...)
	if len(details) > 0 {
		return nil, apperror.FailedValidation(details)
	}
	return out, nil
}

func requiredDetails(action string, c *schema.Collection, payload map[string]any) []apperror.Detail {
	var details []apperror.Detail
	for _, name := range c.ScalarFields() {
		f := c.Fields[name]
		if f.Nullable || f.Generated {
			continue
		}
		v, present := payload[name]
		switch action {
		case "create":
			if f.AutoIncrement || f.DefaultValue != nil || filledOnWrite(f) {
				continue
			}
			// uuid keys are generated on insert
			if name == c.Primary && f.Type == store.TypeUUID {
				continue
			}
			if present && v != nil {
				continue
			}
			details = append(details, apperror.Detail{
				Field:   name,
				Rule:    "required",
				Message: fmt.Sprintf("Value for field %q is required.", name),
			})
		default:
			if present && v == nil {
				details = append(details, apperror.Detail{
					Field:   name,
					Rule:    "nnull",
					Message: fmt.Sprintf("Value for field %q can't be null.", name),
				})
			}
		}
	}
	return details
}

func filledOnWrite(f *schema.Field) bool {
	for _, s := range autoFilled {
		if f.HasSpecial(s) {
			return true
		}
	}
	return false
}
