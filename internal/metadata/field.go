package metadata

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"cms-engine/internal/apperror"
	"cms-engine/internal/items"
	"cms-engine/internal/query"
	"cms-engine/internal/schema"
	"cms-engine/internal/store"
)

// Field describes one field of a collection: the column (Schema) and the
// directus_fields row (Meta). Alias fields have no column.
type Field struct {
	Collection string       `json:"collection"`
	Field      string       `json:"field" validate:"required,max=64"`
	Type       string       `json:"type" validate:"required"`
	Schema     *FieldSchema `json:"schema"`
	Meta       *FieldMeta   `json:"meta"`
}

type FieldSchema struct {
	DefaultValue any `json:"default_value"`
	// IsNullable defaults to true.
	IsNullable       *bool  `json:"is_nullable,omitempty"`
	IsUnique         bool   `json:"is_unique"`
	IsPrimaryKey     bool   `json:"is_primary_key"`
	HasAutoIncrement bool   `json:"has_auto_increment"`
	NumericPrecision int    `json:"numeric_precision,omitempty" validate:"gte=0"`
	NumericScale     int    `json:"numeric_scale,omitempty" validate:"gte=0"`
	ForeignKeyTable  string `json:"foreign_key_table,omitempty"`
	ForeignKeyColumn string `json:"foreign_key_column,omitempty"`
	OnDelete         string `json:"on_delete,omitempty" validate:"omitempty,oneof=CASCADE RESTRICT 'SET NULL' 'NO ACTION' 'SET DEFAULT'"`
}

type FieldMeta struct {
	Special           []string     `json:"special,omitempty"`
	Note              string       `json:"note,omitempty"`
	Validation        query.Filter `json:"validation,omitempty"`
	Unique            bool         `json:"unique"`
	UniqueCombination bool         `json:"unique_combination"`
	Sort              *int         `json:"sort,omitempty"`
}

var columnTypes = []string{
	store.TypeBigInteger, store.TypeBinary, store.TypeBoolean, store.TypeCSV,
	store.TypeDate, store.TypeDateTime, store.TypeDecimal, store.TypeFloat,
	store.TypeInteger, store.TypeJSON, store.TypeString, store.TypeText,
	store.TypeTime, store.TypeTimestamp, store.TypeUUID,
}

// IsAlias reports whether the field exists only as metadata.
func (f Field) IsAlias() bool {
	return f.Type == store.TypeAlias
}

func (f Field) check() error {
	if err := checkStruct(f); err != nil {
		return err
	}
	if err := validName(f.Field); err != nil {
		return err
	}
	if f.IsAlias() {
		if f.Schema != nil {
			return apperror.InvalidPayload(fmt.Sprintf("Alias field %q can't have a schema", f.Field))
		}
		return nil
	}
	if !slices.Contains(columnTypes, f.Type) {
		return apperror.InvalidPayload(fmt.Sprintf("Field %q has an unknown type %q", f.Field, f.Type))
	}
	return nil
}

func (f Field) primary() bool {
	return f.Schema != nil && f.Schema.IsPrimaryKey
}

func (f Field) column() store.ColumnDef {
	fs := f.Schema
	if fs == nil {
		fs = &FieldSchema{}
	}
	c := store.ColumnDef{
		Name:          f.Field,
		Type:          f.Type,
		Precision:     fs.NumericPrecision,
		Scale:         fs.NumericScale,
		Nullable:      fs.IsNullable == nil || *fs.IsNullable,
		Default:       fs.DefaultValue,
		PrimaryKey:    fs.IsPrimaryKey,
		AutoIncrement: fs.HasAutoIncrement,
		Unique:        fs.IsUnique,
	}
	if c.PrimaryKey {
		c.Nullable = false
	}
	if fs.ForeignKeyTable != "" {
		column := fs.ForeignKeyColumn
		if column == "" {
			column = "id"
		}
		c.References = &store.Reference{Table: fs.ForeignKeyTable, Column: column, OnDelete: fs.OnDelete}
	}
	return c
}

// metaRow is the directus_fields row for f.
func (f Field) metaRow(collection string) map[string]any {
	row := map[string]any{"collection": collection, "field": f.Field}
	m := f.Meta
	if m == nil {
		m = &FieldMeta{}
	}
	if f.IsAlias() && len(m.Special) == 0 {
		m.Special = []string{"alias"}
	}
	row["special"] = nil
	if len(m.Special) > 0 {
		row["special"] = strings.Join(m.Special, ",")
	}
	row["note"] = nil
	if m.Note != "" {
		row["note"] = m.Note
	}
	row["validation"] = nil
	if len(m.Validation) > 0 {
		row["validation"] = map[string]any(m.Validation)
	}
	row["unique"] = m.Unique
	row["unique_combination"] = m.UniqueCombination
	if m.Sort != nil {
		row["sort"] = *m.Sort
	}
	return row
}

// FieldsService manages the fields of user collections.
type FieldsService struct {
	service
}

func NewFieldsService(opts Options) *FieldsService {
	return &FieldsService{service: newService(opts, "fields")}
}

// CreateField adds f to collection: a column for regular fields, plus the
// metadata row when meta is given. Alias fields only get the row.
func (s *FieldsService) CreateField(ctx context.Context, collection string, f Field) error {
	if err := s.requireAdmin(); err != nil {
		return err
	}
	if err := f.check(); err != nil {
		return err
	}
	return s.mutate(ctx, "fields.create", func(t *txn) error {
		c := t.ov.Collection(collection)
		if c == nil || c.System {
			return apperror.Forbidden()
		}
		if c.Field(f.Field) != nil {
			return apperror.InvalidPayload(fmt.Sprintf("Field %q already exists in collection %q", f.Field, collection))
		}
		if f.primary() {
			return apperror.InvalidPayload(fmt.Sprintf("Collection %q already has a primary key", collection))
		}
		if !f.IsAlias() {
			col := f.column()
			if c.IsSoftDelete {
				col.UniqueWhereNull = c.DeletedAtField()
			}
			if err := t.migrator.AddColumn(ctx, collection, col); err != nil {
				return apperror.TranslateDatabaseError(err, collection)
			}
		}
		if f.Meta == nil && !f.IsAlias() {
			return nil
		}
		_, err := t.items("directus_fields").CreateOne(ctx, f.metaRow(collection), items.MutationOptions{})
		return err
	})
}

// ReadAll returns the fields of collection, or of every readable collection
// when collection is empty.
func (s *FieldsService) ReadAll(ctx context.Context, collection string) ([]Field, error) {
	ov, err := s.overview(ctx)
	if err != nil {
		return nil, err
	}
	names := []string{collection}
	if collection == "" {
		names = sortedCollections(ov)
	} else if ov.Collection(collection) == nil {
		return nil, apperror.Forbidden()
	}

	var out []Field
	for _, name := range names {
		if !s.readable(name) {
			if collection != "" {
				return nil, apperror.Forbidden()
			}
			continue
		}
		c := ov.Collection(name)
		for _, field := range c.FieldOrder {
			out = append(out, describeField(c, c.Fields[field]))
		}
	}
	return out, nil
}

// ReadOne returns a single field.
func (s *FieldsService) ReadOne(ctx context.Context, collection, field string) (Field, error) {
	ov, err := s.overview(ctx)
	if err != nil {
		return Field{}, err
	}
	c := ov.Collection(collection)
	if c == nil || c.Field(field) == nil || !s.readable(collection) {
		return Field{}, apperror.Forbidden()
	}
	return describeField(c, c.Field(field)), nil
}

// UpdateField replaces the metadata row of a field, creating it when the
// field had none.
func (s *FieldsService) UpdateField(ctx context.Context, collection, field string, meta FieldMeta) error {
	if err := s.requireAdmin(); err != nil {
		return err
	}
	return s.mutate(ctx, "fields.update", func(t *txn) error {
		c := t.ov.Collection(collection)
		if c == nil || c.System || c.Field(field) == nil {
			return apperror.Forbidden()
		}
		f := Field{Field: field, Type: c.Field(field).Type, Meta: &meta}
		row := f.metaRow(collection)
		existing, err := t.rows(ctx, "directus_fields", fieldFilter(collection, field))
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			_, err = t.items("directus_fields").CreateOne(ctx, row, items.MutationOptions{})
			return err
		}
		_, err = t.items("directus_fields").UpdateOne(ctx, existing[0]["id"], row, items.MutationOptions{})
		return err
	})
}

// DeleteField drops the column and every piece of metadata that refers to
// the field.
func (s *FieldsService) DeleteField(ctx context.Context, collection, field string) error {
	if err := s.requireAdmin(); err != nil {
		return err
	}
	return s.mutate(ctx, "fields.delete", func(t *txn) error {
		c := t.ov.Collection(collection)
		if c == nil || c.System || c.Field(field) == nil {
			return apperror.Forbidden()
		}
		if field == c.Primary {
			return apperror.InvalidPayload(fmt.Sprintf("Can't delete the primary key of %q", collection))
		}
		if !c.Field(field).Alias {
			if err := t.migrator.DropColumn(ctx, collection, field, true); err != nil {
				return err
			}
		}
		return dropFieldMeta(ctx, t, collection, field)
	})
}

func dropFieldMeta(ctx context.Context, t *txn, collection, field string) error {
	if _, err := t.items("directus_fields").DeleteByQuery(ctx, &query.Query{Filter: fieldFilter(collection, field)}, items.MutationOptions{}); err != nil {
		return err
	}
	if _, err := t.items("directus_relations").DeleteByQuery(ctx, &query.Query{Filter: query.Filter{
		"many_collection": map[string]any{"_eq": collection},
		"many_field":      map[string]any{"_eq": field},
	}}, items.MutationOptions{}); err != nil {
		return err
	}
	if _, err := t.items("directus_relations").UpdateByQuery(ctx, &query.Query{Filter: query.Filter{
		"one_collection": map[string]any{"_eq": collection},
		"one_field":      map[string]any{"_eq": field},
	}}, map[string]any{"one_field": nil}, items.MutationOptions{}); err != nil {
		return err
	}
	if c := t.ov.Collection(collection); c != nil && c.SortField == field {
		meta, err := t.rows(ctx, "directus_collections", query.Filter{"collection": map[string]any{"_eq": collection}})
		if err != nil {
			return err
		}
		if len(meta) > 0 {
			_, err = t.items("directus_collections").UpdateOne(ctx, collection, map[string]any{"sort_field": nil}, items.MutationOptions{})
			return err
		}
	}
	return nil
}

func fieldFilter(collection, field string) query.Filter {
	return query.Filter{
		"collection": map[string]any{"_eq": collection},
		"field":      map[string]any{"_eq": field},
	}
}

func describeField(c *schema.Collection, f *schema.Field) Field {
	out := Field{Collection: c.Collection, Field: f.Field, Type: f.Type}
	if !f.Alias {
		nullable := f.Nullable
		out.Schema = &FieldSchema{
			DefaultValue:     f.DefaultValue,
			IsNullable:       &nullable,
			IsPrimaryKey:     f.Field == c.Primary,
			HasAutoIncrement: f.AutoIncrement,
			NumericPrecision: f.Precision,
			NumericScale:     f.Scale,
		}
	}
	if len(f.Special) > 0 || f.Note != "" || len(f.Validation) > 0 || f.Unique || f.UniqueCombination {
		out.Meta = &FieldMeta{
			Special:           f.Special,
			Note:              f.Note,
			Validation:        f.Validation,
			Unique:            f.Unique,
			UniqueCombination: f.UniqueCombination,
		}
	}
	return out
}

func sortedCollections(ov *schema.Overview) []string {
	names := make([]string, 0, len(ov.Collections))
	for name := range ov.Collections {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
