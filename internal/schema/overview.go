// Package schema builds the in-memory overview of collections, fields and
// relations that every other engine component reads from. An Overview is an
// immutable snapshot; metadata mutations invalidate the cached copy and the
// next request builds a fresh one.
package schema

import (
	"slices"

	"cms-engine/internal/query"
)

// Overview is a read-only snapshot of the database schema plus metadata.
type Overview struct {
	Collections map[string]*Collection `json:"collections"`
	Relations   []*Relation            `json:"relations"`
	// RelationMap indexes Relations by every collection on either side.
	RelationMap map[string][]*Relation `json:"-"`
}

type Collection struct {
	Collection string `json:"collection"`
	Primary    string `json:"primary"`
	Singleton  bool   `json:"singleton"`
	Note       string `json:"note,omitempty"`
	SortField  string `json:"sort_field,omitempty"`
	// Accountability is "all", "activity" or nil (no tracking).
	Accountability *string           `json:"accountability"`
	IsSoftDelete   bool              `json:"is_soft_delete"`
	System         bool              `json:"system,omitempty"`
	Fields         map[string]*Field `json:"fields"`
	FieldOrder     []string          `json:"field_order"`
}

type Field struct {
	Field             string       `json:"field"`
	DefaultValue      any          `json:"default_value"`
	Nullable          bool         `json:"nullable"`
	Generated         bool         `json:"generated"`
	AutoIncrement     bool         `json:"auto_increment,omitempty"`
	Type              string       `json:"type"`
	DBType            string       `json:"db_type,omitempty"`
	Precision         int          `json:"precision,omitempty"`
	Scale             int          `json:"scale,omitempty"`
	Special           []string     `json:"special,omitempty"`
	Note              string       `json:"note,omitempty"`
	Validation        query.Filter `json:"validation,omitempty"`
	Alias             bool         `json:"alias"`
	Unique            bool         `json:"unique,omitempty"`
	UniqueCombination bool         `json:"unique_combination,omitempty"`
}

// Relation is a many-to-one edge from Collection.Field to RelatedCollection.
// For any-to-one relations RelatedCollection is empty and the allowed
// collections live in Meta.
type Relation struct {
	Collection        string          `json:"collection"`
	Field             string          `json:"field"`
	RelatedCollection string          `json:"related_collection"`
	Schema            *RelationSchema `json:"schema"`
	Meta              *RelationMeta   `json:"meta"`
}

type RelationSchema struct {
	Table            string `json:"table"`
	Column           string `json:"column"`
	ForeignKeyTable  string `json:"foreign_key_table"`
	ForeignKeyColumn string `json:"foreign_key_column"`
	OnDelete         string `json:"on_delete"`
}

type RelationMeta struct {
	ID                    int64    `json:"id"`
	ManyCollection        string   `json:"many_collection"`
	ManyField             string   `json:"many_field"`
	OneCollection         string   `json:"one_collection,omitempty"`
	OneField              string   `json:"one_field,omitempty"`
	OneCollectionField    string   `json:"one_collection_field,omitempty"`
	OneAllowedCollections []string `json:"one_allowed_collections,omitempty"`
	JunctionField         string   `json:"junction_field,omitempty"`
	SortField             string   `json:"sort_field,omitempty"`
	OneDeselectAction     string   `json:"one_deselect_action,omitempty"`
}

// aliasSpecials mark fields that exist only as metadata.
var aliasSpecials = []string{"alias", "o2m", "m2m", "m2a", "translations", "files", "group", "no-data"}

func isAliasSpecial(special []string) bool {
	for _, s := range special {
		if slices.Contains(aliasSpecials, s) {
			return true
		}
	}
	return false
}

func (f *Field) HasSpecial(tag string) bool {
	return slices.Contains(f.Special, tag)
}

// Index rebuilds RelationMap from Relations.
func (o *Overview) Index() {
	o.RelationMap = make(map[string][]*Relation, len(o.Collections))
	for _, r := range o.Relations {
		sides := []string{r.Collection}
		if r.RelatedCollection != "" {
			sides = append(sides, r.RelatedCollection)
		}
		if r.Meta != nil {
			sides = append(sides, r.Meta.OneAllowedCollections...)
		}
		seen := map[string]bool{}
		for _, c := range sides {
			if seen[c] {
				continue
			}
			seen[c] = true
			o.RelationMap[c] = append(o.RelationMap[c], r)
		}
	}
}

// Collection returns the named collection or nil.
func (o *Overview) Collection(name string) *Collection {
	if o == nil {
		return nil
	}
	return o.Collections[name]
}

// M2O returns the relation stored in collection.field, if any.
func (o *Overview) M2O(collection, field string) *Relation {
	for _, r := range o.RelationMap[collection] {
		if r.Collection == collection && r.Field == field {
			return r
		}
	}
	return nil
}

// O2M returns the relation whose reverse alias is collection.field.
func (o *Overview) O2M(collection, field string) *Relation {
	for _, r := range o.RelationMap[collection] {
		if r.RelatedCollection == collection && r.Meta != nil && r.Meta.OneField == field {
			return r
		}
	}
	return nil
}

// IsA2O reports whether r points at several collections.
func (r *Relation) IsA2O() bool {
	return r.Meta != nil && len(r.Meta.OneAllowedCollections) > 0 && r.Meta.OneCollectionField != ""
}

// Field returns the named field or nil.
func (c *Collection) Field(name string) *Field {
	if c == nil {
		return nil
	}
	return c.Fields[name]
}

// PrimaryField returns the primary key field.
func (c *Collection) PrimaryField() *Field {
	return c.Fields[c.Primary]
}

// FieldsWithSpecial lists fields carrying tag, in column order.
func (c *Collection) FieldsWithSpecial(tag string) []string {
	var out []string
	for _, name := range c.FieldOrder {
		if c.Fields[name].HasSpecial(tag) {
			out = append(out, name)
		}
	}
	return out
}

// ScalarFields lists the column-backed fields in order.
func (c *Collection) ScalarFields() []string {
	out := make([]string, 0, len(c.FieldOrder))
	for _, name := range c.FieldOrder {
		if !c.Fields[name].Alias {
			out = append(out, name)
		}
	}
	return out
}

// Aliases lists the fields without a column.
func (c *Collection) Aliases() []string {
	var out []string
	for _, name := range c.FieldOrder {
		if c.Fields[name].Alias {
			out = append(out, name)
		}
	}
	return out
}

// DeletedAtField returns the field holding the soft-delete timestamp.
func (c *Collection) DeletedAtField() string {
	if f := c.FieldsWithSpecial("date-deleted"); len(f) > 0 {
		return f[0]
	}
	if c.IsSoftDelete && c.Fields["deleted_at"] != nil {
		return "deleted_at"
	}
	return ""
}

// DeletedByField returns the field recording who soft-deleted a row.
func (c *Collection) DeletedByField() string {
	if f := c.FieldsWithSpecial("user-deleted"); len(f) > 0 {
		return f[0]
	}
	return ""
}

// Tracks reports whether mutations write activity rows.
func (c *Collection) Tracks() bool {
	return c.Accountability != nil
}

// TracksRevisions reports whether mutations also write revisions.
func (c *Collection) TracksRevisions() bool {
	return c.Accountability != nil && *c.Accountability == "all"
}
