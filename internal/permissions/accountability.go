// Package permissions applies stored role permissions to query trees and
// mutation payloads.
package permissions

import (
	"slices"
	"time"

	"cms-engine/internal/query"
)

// Accountability is the caller's identity. A nil *Accountability is an
// internal call with full access.
type Accountability struct {
	User        string
	Role        string
	Admin       bool
	App         bool
	Permissions []Permission
	IP          string
	UserAgent   string
}

// Permission is one directus_permissions row.
type Permission struct {
	ID          int64
	Role        string
	Collection  string
	Action      string // create, read, update, delete
	Permissions query.Filter
	Validation  query.Filter
	Presets     map[string]any
	Fields      []string
}

// IsAdmin reports whether permission checks are bypassed.
func (a *Accountability) IsAdmin() bool {
	return a == nil || a.Admin
}

// UserID returns the user key or nil, for user-created style fields.
func (a *Accountability) UserID() any {
	if a == nil || a.User == "" {
		return nil
	}
	return a.User
}

// Vars returns the values for dynamic filter variables.
func (a *Accountability) Vars() query.Vars {
	v := query.Vars{Now: time.Now()}
	if a != nil {
		v.User = a.UserID()
		if a.Role != "" {
			v.Role = a.Role
		}
	}
	return v
}

// Find returns the caller's permission for collection and action. Several
// matching rows are merged: their filters are OR-ed and field lists unioned.
func (a *Accountability) Find(collection, action string) *Permission {
	if a == nil {
		return nil
	}
	var found []Permission
	for _, p := range a.Permissions {
		if p.Collection == collection && p.Action == action {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return nil
	case 1:
		p := found[0]
		return &p
	}

	merged := found[0]
	merged.Fields = slices.Clone(merged.Fields)
	merged.Presets = mergePresets(nil, merged.Presets)
	var filters []any
	unrestricted := false
	for _, p := range found {
		if len(p.Permissions) == 0 {
			unrestricted = true
		} else {
			filters = append(filters, map[string]any(p.Permissions))
		}
		for _, f := range p.Fields {
			if !slices.Contains(merged.Fields, f) {
				merged.Fields = append(merged.Fields, f)
			}
		}
		merged.Presets = mergePresets(merged.Presets, p.Presets)
	}
	merged.Permissions = nil
	if !unrestricted {
		merged.Permissions = query.Filter{"_or": filters}
	}
	return &merged
}

// AllowsField reports whether field is in the allow-list.
func (p *Permission) AllowsField(field string) bool {
	return slices.Contains(p.Fields, "*") || slices.Contains(p.Fields, field)
}

func mergePresets(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
