package metadata

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"cms-engine/internal/apperror"
	"cms-engine/internal/items"
	"cms-engine/internal/query"
	"cms-engine/internal/schema"
	"cms-engine/internal/store"
)

// Tracking modes of a collection.
const (
	AccountabilityAll      = "all"
	AccountabilityActivity = "activity"
	// AccountabilityNone turns tracking off; it is stored as NULL.
	AccountabilityNone = "none"
)

// CollectionInput is what CreateOne accepts. Without fields the table gets
// an auto-increment "id" key.
type CollectionInput struct {
	Collection string          `json:"collection" validate:"required,max=64"`
	Meta       *CollectionMeta `json:"meta"`
	Fields     []Field         `json:"fields" validate:"dive"`
}

type CollectionMeta struct {
	Note      string `json:"note,omitempty"`
	Hidden    bool   `json:"hidden"`
	Singleton bool   `json:"singleton"`
	SortField string `json:"sort_field,omitempty"`
	// Accountability defaults to AccountabilityAll.
	Accountability string `json:"accountability" validate:"omitempty,oneof=all activity none"`
	IsSoftDelete   bool   `json:"is_soft_delete"`
}

// Collection is a collection as read back: the table (Schema) and its
// directus_collections row (Meta). Either may be missing.
type Collection struct {
	Collection string            `json:"collection"`
	Meta       *CollectionMeta   `json:"meta"`
	Schema     *CollectionSchema `json:"schema"`
}

type CollectionSchema struct {
	Name    string `json:"name"`
	Primary string `json:"primary"`
}

func (m CollectionMeta) row(collection string) map[string]any {
	row := map[string]any{
		"collection":     collection,
		"note":           nil,
		"hidden":         m.Hidden,
		"singleton":      m.Singleton,
		"sort_field":     nil,
		"accountability": AccountabilityAll,
		"is_soft_delete": m.IsSoftDelete,
	}
	if m.Note != "" {
		row["note"] = m.Note
	}
	if m.SortField != "" {
		row["sort_field"] = m.SortField
	}
	switch m.Accountability {
	case AccountabilityNone:
		row["accountability"] = nil
	case AccountabilityActivity:
		row["accountability"] = AccountabilityActivity
	}
	return row
}

func metaFromRow(row map[string]any) *CollectionMeta {
	m := &CollectionMeta{
		Note:           cast.ToString(row["note"]),
		Hidden:         cast.ToBool(row["hidden"]),
		Singleton:      cast.ToBool(row["singleton"]),
		SortField:      cast.ToString(row["sort_field"]),
		Accountability: cast.ToString(row["accountability"]),
		IsSoftDelete:   cast.ToBool(row["is_soft_delete"]),
	}
	if row["accountability"] == nil {
		m.Accountability = AccountabilityNone
	}
	return m
}

// CollectionsService manages user collections.
type CollectionsService struct {
	service
}

func NewCollectionsService(opts Options) *CollectionsService {
	return &CollectionsService{service: newService(opts, "collections")}
}

// CreateOne creates the table with its fields, the collection's metadata
// row and a metadata row for every field that carries meta.
func (s *CollectionsService) CreateOne(ctx context.Context, in CollectionInput) (string, error) {
	if err := s.requireAdmin(); err != nil {
		return "", err
	}
	if err := checkStruct(in); err != nil {
		return "", err
	}
	if err := validName(in.Collection); err != nil {
		return "", err
	}
	if strings.HasPrefix(in.Collection, "directus_") {
		return "", apperror.InvalidPayload(`Collections can't start with "directus_"`)
	}
	for _, f := range in.Fields {
		if err := f.check(); err != nil {
			return "", err
		}
	}
	fields := in.Fields
	if len(fields) == 0 {
		fields = []Field{{Field: "id", Type: store.TypeInteger, Schema: &FieldSchema{IsPrimaryKey: true, HasAutoIncrement: true}}}
	}
	var primaries int
	for _, f := range fields {
		if f.primary() {
			primaries++
		}
	}
	if primaries != 1 {
		return "", apperror.InvalidPayload(fmt.Sprintf("Collection %q needs exactly one primary key field", in.Collection))
	}
	meta := CollectionMeta{}
	if in.Meta != nil {
		meta = *in.Meta
	}

	err := s.mutate(ctx, "collections.create", func(t *txn) error {
		if t.ov.Collection(in.Collection) != nil {
			return apperror.InvalidPayload(fmt.Sprintf("Collection %q already exists", in.Collection))
		}
		existing, err := t.rows(ctx, "directus_collections", query.Filter{"collection": map[string]any{"_eq": in.Collection}})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return apperror.InvalidPayload(fmt.Sprintf("Collection %q already exists", in.Collection))
		}

		def := store.TableDef{Name: in.Collection}
		for _, f := range fields {
			if !f.IsAlias() {
				def.Columns = append(def.Columns, f.column())
			}
		}
		if meta.IsSoftDelete {
			def.SoftDeleteColumn = "deleted_at"
		}
		if err := t.migrator.CreateTable(ctx, def); err != nil {
			return apperror.TranslateDatabaseError(err, in.Collection)
		}

		if _, err := t.items("directus_collections").CreateOne(ctx, meta.row(in.Collection), items.MutationOptions{}); err != nil {
			return err
		}
		for _, f := range fields {
			if f.Meta == nil && !f.IsAlias() {
				continue
			}
			if _, err := t.items("directus_fields").CreateOne(ctx, f.metaRow(in.Collection), items.MutationOptions{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return in.Collection, nil
}

// ReadAll returns every collection the caller may read, sorted by name.
func (s *CollectionsService) ReadAll(ctx context.Context) ([]Collection, error) {
	ov, err := s.overview(ctx)
	if err != nil {
		return nil, err
	}
	metas, err := s.metaRows(ctx, ov, nil)
	if err != nil {
		return nil, err
	}
	var out []Collection
	for _, name := range sortedCollections(ov) {
		if !s.readable(name) {
			continue
		}
		out = append(out, describeCollection(ov.Collection(name), metas[name]))
	}
	return out, nil
}

// ReadOne returns a single collection.
func (s *CollectionsService) ReadOne(ctx context.Context, collection string) (Collection, error) {
	ov, err := s.overview(ctx)
	if err != nil {
		return Collection{}, err
	}
	c := ov.Collection(collection)
	if c == nil || !s.readable(collection) {
		return Collection{}, apperror.Forbidden()
	}
	metas, err := s.metaRows(ctx, ov, query.Filter{"collection": map[string]any{"_eq": collection}})
	if err != nil {
		return Collection{}, err
	}
	return describeCollection(c, metas[collection]), nil
}

// UpdateOne replaces the collection's metadata row. Turning soft delete on
// adds the deleted_at column when the table has none.
func (s *CollectionsService) UpdateOne(ctx context.Context, collection string, meta CollectionMeta) error {
	if err := s.requireAdmin(); err != nil {
		return err
	}
	if err := checkStruct(meta); err != nil {
		return err
	}
	return s.mutate(ctx, "collections.update", func(t *txn) error {
		c := t.ov.Collection(collection)
		if c == nil || c.System {
			return apperror.Forbidden()
		}
		if meta.SortField != "" && c.Field(meta.SortField) == nil {
			return apperror.InvalidPayload(fmt.Sprintf("Sort field %q doesn't exist in %q", meta.SortField, collection))
		}
		if meta.IsSoftDelete && c.DeletedAtField() == "" && c.Field("deleted_at") == nil {
			if err := t.migrator.Sync(ctx, store.TableDef{Name: collection, SoftDeleteColumn: "deleted_at"}); err != nil {
				return err
			}
		}
		_, err := t.items("directus_collections").UpsertOne(ctx, meta.row(collection), items.MutationOptions{})
		return err
	})
}

// DeleteOne drops the table along with every metadata row about it and the
// relations pointing at it.
func (s *CollectionsService) DeleteOne(ctx context.Context, collection string) error {
	if err := s.requireAdmin(); err != nil {
		return err
	}
	return s.mutate(ctx, "collections.delete", func(t *txn) error {
		c := t.ov.Collection(collection)
		if c == nil || c.System {
			return apperror.Forbidden()
		}

		// o2m aliases that other collections keep for relations into this one
		for _, rel := range t.ov.RelationMap[collection] {
			if rel.Collection == collection && rel.RelatedCollection != collection && rel.Meta != nil && rel.Meta.OneField != "" {
				if _, err := t.items("directus_fields").DeleteByQuery(ctx, &query.Query{
					Filter: fieldFilter(rel.RelatedCollection, rel.Meta.OneField),
				}, items.MutationOptions{}); err != nil {
					return err
				}
			}
		}
		if _, err := t.items("directus_relations").DeleteByQuery(ctx, &query.Query{Filter: query.Filter{"_or": []any{
			map[string]any{"many_collection": map[string]any{"_eq": collection}},
			map[string]any{"one_collection": map[string]any{"_eq": collection}},
		}}}, items.MutationOptions{}); err != nil {
			return err
		}
		if _, err := t.items("directus_fields").DeleteByQuery(ctx, &query.Query{
			Filter: query.Filter{"collection": map[string]any{"_eq": collection}},
		}, items.MutationOptions{}); err != nil {
			return err
		}
		if _, err := t.items("directus_collections").DeleteByQuery(ctx, &query.Query{
			Filter: query.Filter{"collection": map[string]any{"_eq": collection}},
		}, items.MutationOptions{}); err != nil {
			return err
		}
		return t.migrator.DropTable(ctx, collection)
	})
}

func (s *CollectionsService) metaRows(ctx context.Context, ov *schema.Overview, filter query.Filter) (map[string]map[string]any, error) {
	rows, err := items.New("directus_collections", items.Options{
		Schema: ov,
		Store:  s.opts.Store,
		Hooks:  s.opts.Hooks,
		Logger: s.opts.Logger,
		Config: s.opts.Config,
	}).ReadByQuery(ctx, &query.Query{Filter: filter, Limit: query.Int(-1)}, items.ReadOptions{SkipEvents: true})
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]any, len(rows))
	for _, r := range rows {
		out[cast.ToString(r["collection"])] = r
	}
	return out, nil
}

func describeCollection(c *schema.Collection, meta map[string]any) Collection {
	out := Collection{
		Collection: c.Collection,
		Schema:     &CollectionSchema{Name: c.Collection, Primary: c.Primary},
	}
	if meta != nil {
		out.Meta = metaFromRow(meta)
	}
	return out
}
