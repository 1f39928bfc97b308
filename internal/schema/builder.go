package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"cms-engine/internal/instrument"
	"cms-engine/internal/query"
	"cms-engine/internal/store"
)

// Builder merges physical introspection with the metadata tables.
type Builder struct {
	dialect store.Dialect
	log     *zap.SugaredLogger
	exclude []string
}

func NewBuilder(dialect store.Dialect, log *zap.SugaredLogger, excludeTables []string) *Builder {
	return &Builder{dialect: dialect, log: log, exclude: excludeTables}
}

// Build reads the database and returns a fresh overview.
func (b *Builder) Build(ctx context.Context, q store.Querier) (*Overview, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "schema", "builder", "schema.build")
	defer span.End()

	tables, err := b.dialect.Tables(ctx, q)
	if err != nil {
		span.SetStatus("error")
		return nil, fmt.Errorf("list tables: %w", err)
	}
	collectionRows, err := b.metaRows(ctx, q, "directus_collections", "collection")
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	fieldRows, err := store.QueryRows(ctx, q, "SELECT * FROM directus_fields ORDER BY sort, id")
	if err != nil {
		span.SetStatus("error")
		return nil, fmt.Errorf("load field meta: %w", err)
	}
	relationRows, err := store.QueryRows(ctx, q, "SELECT * FROM directus_relations ORDER BY id")
	if err != nil {
		span.SetStatus("error")
		return nil, fmt.Errorf("load relation meta: %w", err)
	}

	ov := &Overview{Collections: make(map[string]*Collection, len(tables))}
	for _, table := range tables {
		if slices.Contains(b.exclude, table) {
			continue
		}
		if strings.Contains(table, " ") {
			b.log.Warnw("collection name contains a space, skipping", "collection", table)
			continue
		}
		c, err := b.buildCollection(ctx, q, table, collectionRows[table])
		if err != nil {
			span.SetStatus("error")
			return nil, err
		}
		if c != nil {
			ov.Collections[table] = c
		}
	}

	b.applyFieldMeta(ov, fieldRows)

	fks, err := b.dialect.ForeignKeys(ctx, q)
	if err != nil {
		span.SetStatus("error")
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}
	ov.Relations = b.buildRelations(ov, fks, relationRows)
	ov.Index()

	span.SetMetadata("collections", len(ov.Collections))
	span.SetStatus("ok")
	return ov, nil
}

func (b *Builder) metaRows(ctx context.Context, q store.Querier, table, key string) (map[string]map[string]any, error) {
	rows, err := store.QueryRows(ctx, q, "SELECT * FROM "+b.dialect.Quote(table))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	out := make(map[string]map[string]any, len(rows))
	for _, r := range rows {
		out[cast.ToString(r[key])] = r
	}
	return out, nil
}

func (b *Builder) buildCollection(ctx context.Context, q store.Querier, table string, meta map[string]any) (*Collection, error) {
	cols, err := b.dialect.Columns(ctx, q, table)
	if err != nil {
		return nil, err
	}

	var pks []string
	for _, col := range cols {
		if col.IsPrimaryKey {
			pks = append(pks, col.Name)
		}
	}
	if len(pks) != 1 {
		b.log.Warnw("collection doesn't have exactly one primary key column, skipping",
			"collection", table, "primary_keys", pks)
		return nil, nil
	}

	c := &Collection{
		Collection:     table,
		Primary:        pks[0],
		Accountability: ptr("all"),
		Fields:         make(map[string]*Field, len(cols)),
	}

	policy, system := SystemCollections[table]
	if system {
		c.System = true
		c.Accountability = policy.Accountability
	} else if meta != nil {
		c.Singleton = cast.ToBool(meta["singleton"])
		c.Note = cast.ToString(meta["note"])
		c.SortField = cast.ToString(meta["sort_field"])
		c.IsSoftDelete = cast.ToBool(meta["is_soft_delete"])
		if acc := meta["accountability"]; acc == nil {
			c.Accountability = nil
		} else {
			c.Accountability = ptr(cast.ToString(acc))
		}
	}

	for _, col := range cols {
		if strings.Contains(col.Name, " ") {
			b.log.Warnw("field name contains a space, skipping", "collection", table, "field", col.Name)
			continue
		}
		localType := store.LocalType(col.DataType)
		f := &Field{
			Field:         col.Name,
			Nullable:      col.Nullable,
			Generated:     col.IsGenerated,
			AutoIncrement: col.AutoIncrement,
			Type:          localType,
			DBType:        col.DataType,
			Precision:     col.Precision,
			Scale:         col.Scale,
			DefaultValue:  defaultValue(localType, col.DefaultValue),
		}
		if system {
			f.Special = policy.Specials[col.Name]
			applySpecialTypes(f)
		}
		c.Fields[col.Name] = f
		c.FieldOrder = append(c.FieldOrder, col.Name)
	}
	return c, nil
}

func defaultValue(localType string, v any) any {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok && strings.HasPrefix(strings.ToUpper(s), "CURRENT_") {
		return strings.ToUpper(s)
	}
	return store.Coerce(nil, localType, v)
}

func (b *Builder) applyFieldMeta(ov *Overview, rows []map[string]any) {
	for _, r := range rows {
		collection := cast.ToString(r["collection"])
		c := ov.Collections[collection]
		if c == nil {
			continue
		}
		name := cast.ToString(r["field"])
		if strings.Contains(name, " ") {
			b.log.Warnw("field name contains a space, skipping", "collection", collection, "field", name)
			continue
		}
		special := splitCSV(r["special"])
		if slices.Contains(special, "no-data") {
			continue
		}

		f := c.Fields[name]
		if f == nil {
			if !isAliasSpecial(special) {
				continue
			}
			f = &Field{Field: name, Type: store.TypeAlias, Alias: true, Nullable: true}
			c.Fields[name] = f
			c.FieldOrder = append(c.FieldOrder, name)
		}

		f.Special = special
		f.Note = cast.ToString(r["note"])
		f.Unique = cast.ToBool(r["unique"])
		f.UniqueCombination = cast.ToBool(r["unique_combination"])
		if v := parseJSON(r["validation"]); v != nil {
			if m, ok := v.(map[string]any); ok {
				f.Validation = query.Filter(m)
			}
		}
		if !f.Alias {
			applySpecialTypes(f)
		}
	}
}

// applySpecialTypes lets cast specials override the column derived type.
func applySpecialTypes(f *Field) {
	switch {
	case f.HasSpecial("cast-boolean"):
		f.Type = store.TypeBoolean
	case f.HasSpecial("cast-json"), f.HasSpecial("json"):
		f.Type = store.TypeJSON
	case f.HasSpecial("cast-csv"):
		f.Type = store.TypeCSV
	}
}

func (b *Builder) buildRelations(ov *Overview, fks []store.ForeignKey, rows []map[string]any) []*Relation {
	var relations []*Relation
	byField := map[string]*Relation{}

	for _, fk := range fks {
		if ov.Collections[fk.Table] == nil || ov.Collections[fk.ForeignTable] == nil {
			continue
		}
		r := &Relation{
			Collection:        fk.Table,
			Field:             fk.Column,
			RelatedCollection: fk.ForeignTable,
			Schema: &RelationSchema{
				Table:            fk.Table,
				Column:           fk.Column,
				ForeignKeyTable:  fk.ForeignTable,
				ForeignKeyColumn: fk.ForeignColumn,
				OnDelete:         fk.OnDelete,
			},
		}
		relations = append(relations, r)
		byField[fk.Table+"."+fk.Column] = r
	}

	for _, row := range rows {
		meta := &RelationMeta{
			ID:                    cast.ToInt64(row["id"]),
			ManyCollection:        cast.ToString(row["many_collection"]),
			ManyField:             cast.ToString(row["many_field"]),
			OneCollection:         cast.ToString(row["one_collection"]),
			OneField:              cast.ToString(row["one_field"]),
			OneCollectionField:    cast.ToString(row["one_collection_field"]),
			OneAllowedCollections: splitCSV(row["one_allowed_collections"]),
			JunctionField:         cast.ToString(row["junction_field"]),
			SortField:             cast.ToString(row["sort_field"]),
			OneDeselectAction:     cast.ToString(row["one_deselect_action"]),
		}
		if meta.OneDeselectAction == "" {
			meta.OneDeselectAction = "nullify"
		}
		if ov.Collections[meta.ManyCollection] == nil {
			continue
		}
		if r := byField[meta.ManyCollection+"."+meta.ManyField]; r != nil {
			r.Meta = meta
			continue
		}
		r := &Relation{
			Collection:        meta.ManyCollection,
			Field:             meta.ManyField,
			RelatedCollection: meta.OneCollection,
			Meta:              meta,
		}
		relations = append(relations, r)
		byField[meta.ManyCollection+"."+meta.ManyField] = r
	}
	return relations
}

func splitCSV(v any) []string {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		return cast.ToStringSlice(val)
	}
	s := strings.TrimSpace(cast.ToString(v))
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "[") {
		var list []string
		if err := json.Unmarshal([]byte(s), &list); err == nil {
			return list
		}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseJSON(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(val) == "" {
			return nil
		}
		var out any
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			return nil
		}
		return out
	default:
		return val
	}
}
