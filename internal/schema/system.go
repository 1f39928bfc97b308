package schema

import "strings"

// SystemPolicy describes how a built-in collection differs from user
// collections. Behaviour keyed on these rows instead of name prefixes.
type SystemPolicy struct {
	// EventScope prefixes hook names, e.g. "fields.create".
	EventScope string
	// Accountability overrides the collection's tracking mode.
	Accountability *string
	// SkipUniqueness disables the application-level uniqueness checks.
	SkipUniqueness bool
	// Specials are applied to fields that have no field meta row.
	Specials map[string][]string
}

func ptr(s string) *string { return &s }

// SystemCollections lists the metadata tables created by the migrations.
var SystemCollections = map[string]SystemPolicy{
	"directus_collections": {
		EventScope:     "collections",
		Accountability: ptr("all"),
		Specials: map[string][]string{
			"hidden":         {"cast-boolean"},
			"singleton":      {"cast-boolean"},
			"is_soft_delete": {"cast-boolean"},
		},
	},
	"directus_fields": {
		EventScope:     "fields",
		Accountability: ptr("all"),
		Specials: map[string][]string{
			"special":            {"cast-csv"},
			"validation":         {"cast-json"},
			"unique":             {"cast-boolean"},
			"unique_combination": {"cast-boolean"},
		},
	},
	"directus_relations": {
		EventScope:     "relations",
		Accountability: ptr("all"),
		Specials: map[string][]string{
			"one_allowed_collections": {"cast-csv"},
		},
	},
	"directus_permissions": {
		EventScope:     "permissions",
		Accountability: ptr("all"),
		Specials: map[string][]string{
			"permissions": {"cast-json"},
			"validation":  {"cast-json"},
			"presets":     {"cast-json"},
			"fields":      {"cast-csv"},
		},
	},
	// activity and revisions are never tracked themselves
	"directus_activity": {
		EventScope:     "activity",
		SkipUniqueness: true,
		Specials: map[string][]string{
			"timestamp": {"date-created"},
		},
	},
	"directus_revisions": {
		EventScope:     "revisions",
		SkipUniqueness: true,
		Specials: map[string][]string{
			"data":  {"cast-json"},
			"delta": {"cast-json"},
		},
	},
}

// IsSystem reports whether collection is a built-in metadata table.
func IsSystem(collection string) bool {
	_, ok := SystemCollections[collection]
	return ok
}

// EventScope returns the hook prefix for collection.
func EventScope(collection string) string {
	if p, ok := SystemCollections[collection]; ok {
		return p.EventScope
	}
	return "items"
}

// EventNames returns the hook names fired for action on collection. User
// collections get both the generic and the collection-scoped name.
func EventNames(collection, action string) []string {
	scope := EventScope(collection)
	if scope != "items" {
		return []string{scope + "." + action}
	}
	return []string{"items." + action, strings.Join([]string{collection, "items", action}, ".")}
}
