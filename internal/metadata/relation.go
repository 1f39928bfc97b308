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

// Relation is a many-to-one edge from Collection.Field. RelatedCollection is
// empty for any-to-one relations, whose targets are listed in
// Meta.OneAllowedCollections.
type Relation struct {
	Collection        string                 `json:"collection" validate:"required"`
	Field             string                 `json:"field" validate:"required"`
	RelatedCollection string                 `json:"related_collection"`
	Schema            *schema.RelationSchema `json:"schema,omitempty"`
	Meta              *schema.RelationMeta   `json:"meta"`
}

func relationRow(r Relation) map[string]any {
	m := r.Meta
	if m == nil {
		m = &schema.RelationMeta{}
	}
	row := map[string]any{
		"many_collection":         r.Collection,
		"many_field":              r.Field,
		"one_collection":          nullable(r.RelatedCollection),
		"one_field":               nullable(m.OneField),
		"one_collection_field":    nullable(m.OneCollectionField),
		"one_allowed_collections": nil,
		"junction_field":          nullable(m.JunctionField),
		"sort_field":              nullable(m.SortField),
		"one_deselect_action":     "nullify",
	}
	if len(m.OneAllowedCollections) > 0 {
		row["one_allowed_collections"] = strings.Join(m.OneAllowedCollections, ",")
	}
	if m.OneDeselectAction != "" {
		row["one_deselect_action"] = m.OneDeselectAction
	}
	return row
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// RelationsService manages the rows of directus_relations. Foreign key
// constraints are created with their field.
type RelationsService struct {
	service
}

func NewRelationsService(opts Options) *RelationsService {
	return &RelationsService{service: newService(opts, "relations")}
}

func (s *RelationsService) check(ov *schema.Overview, r Relation) error {
	if err := checkStruct(r); err != nil {
		return err
	}
	c := ov.Collection(r.Collection)
	if c == nil || c.System {
		return apperror.Forbidden()
	}
	f := c.Field(r.Field)
	if f == nil || f.Alias {
		return apperror.InvalidPayload(fmt.Sprintf("Field %q doesn't exist in collection %q", r.Field, r.Collection))
	}
	m := r.Meta
	if m == nil {
		m = &schema.RelationMeta{}
	}
	if m.OneDeselectAction != "" && m.OneDeselectAction != "nullify" && m.OneDeselectAction != "delete" {
		return apperror.InvalidPayload(fmt.Sprintf("Unknown deselect action %q", m.OneDeselectAction))
	}
	if r.RelatedCollection == "" {
		if m.OneCollectionField == "" || len(m.OneAllowedCollections) == 0 {
			return apperror.InvalidPayload("Relations without a related collection need one_collection_field and one_allowed_collections")
		}
		for _, allowed := range m.OneAllowedCollections {
			if ov.Collection(allowed) == nil {
				return apperror.InvalidPayload(fmt.Sprintf("Collection %q doesn't exist", allowed))
			}
		}
		return nil
	}
	if ov.Collection(r.RelatedCollection) == nil {
		return apperror.InvalidPayload(fmt.Sprintf("Collection %q doesn't exist", r.RelatedCollection))
	}
	return nil
}

// CreateOne stores the relation. A one_field gets an o2m alias field on the
// related collection unless it already has one.
func (s *RelationsService) CreateOne(ctx context.Context, r Relation) error {
	if err := s.requireAdmin(); err != nil {
		return err
	}
	return s.mutate(ctx, "relations.create", func(t *txn) error {
		if err := s.check(t.ov, r); err != nil {
			return err
		}
		if rel := t.ov.M2O(r.Collection, r.Field); rel != nil && rel.Meta != nil {
			return apperror.InvalidPayload(fmt.Sprintf("Field %q in collection %q already has an associated relationship", r.Field, r.Collection))
		}
		if _, err := t.items("directus_relations").CreateOne(ctx, relationRow(r), items.MutationOptions{}); err != nil {
			return err
		}
		return addO2MAlias(ctx, t, r)
	})
}

func addO2MAlias(ctx context.Context, t *txn, r Relation) error {
	if r.Meta == nil || r.Meta.OneField == "" || r.RelatedCollection == "" {
		return nil
	}
	related := t.ov.Collection(r.RelatedCollection)
	if related.Field(r.Meta.OneField) != nil {
		return nil
	}
	existing, err := t.rows(ctx, "directus_fields", fieldFilter(r.RelatedCollection, r.Meta.OneField))
	if err != nil || len(existing) > 0 {
		return err
	}
	alias := Field{Field: r.Meta.OneField, Type: store.TypeAlias, Meta: &FieldMeta{Special: []string{"o2m"}}}
	_, err = t.items("directus_fields").CreateOne(ctx, alias.metaRow(r.RelatedCollection), items.MutationOptions{})
	return err
}

// ReadAll returns the relations of collection, or all of them when
// collection is empty. Relations the caller can't see either side of are
// left out.
func (s *RelationsService) ReadAll(ctx context.Context, collection string) ([]Relation, error) {
	ov, err := s.overview(ctx)
	if err != nil {
		return nil, err
	}
	if collection != "" && (ov.Collection(collection) == nil || !s.readable(collection)) {
		return nil, apperror.Forbidden()
	}
	var out []Relation
	for _, rel := range ov.Relations {
		if collection != "" && rel.Collection != collection && rel.RelatedCollection != collection {
			continue
		}
		if !s.readable(rel.Collection) {
			continue
		}
		out = append(out, Relation{
			Collection:        rel.Collection,
			Field:             rel.Field,
			RelatedCollection: rel.RelatedCollection,
			Schema:            rel.Schema,
			Meta:              rel.Meta,
		})
	}
	slices.SortFunc(out, func(a, b Relation) int {
		return strings.Compare(a.Collection+"."+a.Field, b.Collection+"."+b.Field)
	})
	return out, nil
}

// ReadOne returns the relation stored in collection.field.
func (s *RelationsService) ReadOne(ctx context.Context, collection, field string) (Relation, error) {
	all, err := s.ReadAll(ctx, collection)
	if err != nil {
		return Relation{}, err
	}
	for _, r := range all {
		if r.Collection == collection && r.Field == field {
			return r, nil
		}
	}
	return Relation{}, apperror.Forbidden()
}

// UpdateOne replaces the relation's meta. A relation known only from its
// foreign key gets its first metadata row.
func (s *RelationsService) UpdateOne(ctx context.Context, collection, field string, meta schema.RelationMeta) error {
	if err := s.requireAdmin(); err != nil {
		return err
	}
	return s.mutate(ctx, "relations.update", func(t *txn) error {
		rel := t.ov.M2O(collection, field)
		if rel == nil {
			return apperror.Forbidden()
		}
		r := Relation{Collection: collection, Field: field, RelatedCollection: rel.RelatedCollection, Meta: &meta}
		if r.RelatedCollection == "" && meta.OneCollection != "" {
			r.RelatedCollection = meta.OneCollection
		}
		if err := s.check(t.ov, r); err != nil {
			return err
		}
		row := relationRow(r)
		if rel.Meta == nil {
			if _, err := t.items("directus_relations").CreateOne(ctx, row, items.MutationOptions{}); err != nil {
				return err
			}
		} else {
			if _, err := t.items("directus_relations").UpdateOne(ctx, rel.Meta.ID, row, items.MutationOptions{}); err != nil {
				return err
			}
		}
		return addO2MAlias(ctx, t, r)
	})
}

// DeleteOne removes the relation's metadata and the o2m alias it owned on
// the related collection. The column and its constraint stay.
func (s *RelationsService) DeleteOne(ctx context.Context, collection, field string) error {
	if err := s.requireAdmin(); err != nil {
		return err
	}
	return s.mutate(ctx, "relations.delete", func(t *txn) error {
		rel := t.ov.M2O(collection, field)
		if rel == nil || rel.Meta == nil {
			return apperror.Forbidden()
		}
		if _, err := t.items("directus_relations").DeleteOne(ctx, rel.Meta.ID, items.MutationOptions{}); err != nil {
			return err
		}
		if rel.Meta.OneField == "" || rel.RelatedCollection == "" {
			return nil
		}
		_, err := t.items("directus_fields").DeleteByQuery(ctx, &query.Query{
			Filter: fieldFilter(rel.RelatedCollection, rel.Meta.OneField),
		}, items.MutationOptions{})
		return err
	})
}
