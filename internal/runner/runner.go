// Package runner executes an AST against the database and reassembles the
// nested result tree. To-one reads are flattened into LEFT JOINs where
// possible; to-many reads run as one batched query per relation.
package runner

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"

	"cms-engine/internal/ast"
	"cms-engine/internal/instrument"
	"cms-engine/internal/schema"
	"cms-engine/internal/store"
)

// DefaultBatchSize bounds the number of keys bound into one IN list.
const DefaultBatchSize = 1000

// Transformer rewrites a value after it was read. Transformers are keyed by
// field special and replace the built-in handling of that special.
type Transformer func(v any, f *schema.Field) any

type Options struct {
	// KeepNonRequested leaves primary and foreign keys that were only read
	// to stitch relations in the output.
	KeepNonRequested bool
	Transformers     map[string]Transformer
	BatchSize        int
}

type runner struct {
	q       store.Querier
	dialect store.Dialect
	ov      *schema.Overview
	opts    Options
}

// Run executes root and returns the result rows. It returns nil when the
// root was excluded by permissions, and an empty slice when nothing matched.
func Run(ctx context.Context, q store.Querier, dialect store.Dialect, root *ast.Node, ov *schema.Overview, opts Options) ([]map[string]any, error) {
	if root.Excluded {
		return nil, nil
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "runner", "ast", "runner.run")
	defer span.End()
	span.SetEntity(root.Name, "")

	r := &runner{q: q, dialect: dialect, ov: ov, opts: opts}
	if root.Query.HasAggregate() || len(root.Query.Group) > 0 {
		rows, err := r.aggregate(ctx, root)
		if err != nil {
			span.SetStatus("error")
			return nil, err
		}
		return rows, nil
	}

	recs, err := r.fetch(ctx, root, nil, false)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.item)
	}
	span.SetMetadata("rows", len(out))
	return out, nil
}

// record pairs a raw database row with the output item built from it.
type record struct {
	raw  map[string]any
	item map[string]any
}

// fetch reads n, narrowed by extra on its base alias, and attaches the
// batched children. perParent applies the node's limit and offset per
// value of RelatedKey instead of globally.
func (r *runner) fetch(ctx context.Context, n *ast.Node, extra func(alias string) sq.Sqlizer, perParent bool) ([]*record, error) {
	coll := r.ov.Collection(n.Name)
	if coll == nil {
		return nil, fmt.Errorf("collection %q missing from schema", n.Name)
	}

	c := r.newCompiler()
	base := c.scope(n, "t0", "")
	if n.RelatedKey != "" {
		base.need(n.RelatedKey)
	}

	b := sq.StatementBuilder.PlaceholderFormat(sq.Question).
		Select(c.columns(base)...).
		From(r.dialect.Quote(n.Name) + " AS " + r.dialect.Quote(base.alias))
	b, err := c.joins(b, base)
	if err != nil {
		return nil, err
	}

	where := sq.And{}
	if len(n.Query.Filter) > 0 {
		w, err := c.where(coll, base.alias, n.Query.Filter)
		if err != nil {
			return nil, err
		}
		where = append(where, w)
	}
	if n.Query.Search != "" {
		where = append(where, c.search(coll, base.alias, n.Query.Search))
	}
	if extra != nil {
		where = append(where, extra(base.alias))
	}
	if len(where) > 0 {
		b = b.Where(where)
	}

	order := c.orderBy(base.alias, n.Query.Sort)
	limit, offset := window(n)

	var sqlStr string
	var args []any
	if perParent && (limit >= 0 || offset > 0) {
		sqlStr, args, err = r.partitioned(b, base, n.RelatedKey, order, limit, offset)
	} else {
		b = b.OrderBy(order...)
		if limit >= 0 {
			b = b.Limit(uint64(limit))
		} else if offset > 0 && r.dialect.Name() == "mysql" {
			// MySQL has no OFFSET without LIMIT
			b = b.Limit(1<<64 - 1)
		}
		if offset > 0 {
			b = b.Offset(uint64(offset))
		}
		sqlStr, args, err = b.ToSql()
	}
	if err != nil {
		return nil, fmt.Errorf("build query for %s: %w", n.Name, err)
	}
	if sqlStr, err = r.placeholders(sqlStr); err != nil {
		return nil, err
	}

	rows, err := store.QueryRows(ctx, r.q, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", n.Name, err)
	}

	recs := make([]*record, len(rows))
	for i, row := range rows {
		recs[i] = &record{raw: row, item: c.item(base, row)}
	}
	if err := r.attach(ctx, n, base, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// window resolves limit (-1 for none) and offset, honouring page.
func window(n *ast.Node) (int, int) {
	limit := -1
	if n.Query.Limit != nil && *n.Query.Limit >= 0 {
		limit = *n.Query.Limit
	}
	offset := n.Query.Offset
	if n.Query.Page > 1 && limit > 0 {
		offset = limit * (n.Query.Page - 1)
	}
	return limit, offset
}

// partitioned wraps b in a ROW_NUMBER window so limit and offset apply per
// partition value instead of to the whole result.
func (r *runner) partitioned(b sq.SelectBuilder, base *scope, partition string, order []string, limit, offset int) (string, []any, error) {
	over := "PARTITION BY " + r.dialect.Quote(base.alias+"."+partition)
	if len(order) > 0 {
		over += " ORDER BY " + strings.Join(order, ", ")
	}
	inner, args, err := b.Column("ROW_NUMBER() OVER (" + over + ") AS " + quoteAlias(r.dialect, "__rn")).ToSql()
	if err != nil {
		return "", nil, err
	}

	rn := r.dialect.Quote("w.__rn")
	cond := rn + " > ?"
	args = append(args, offset)
	if limit >= 0 {
		cond += " AND " + rn + " <= ?"
		args = append(args, offset+limit)
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS %s WHERE %s ORDER BY %s", inner, r.dialect.Quote("w"), cond, rn), args, nil
}

func (r *runner) placeholders(sqlStr string) (string, error) {
	if r.dialect.Name() == "postgres" {
		return sq.Dollar.ReplacePlaceholders(sqlStr)
	}
	return sqlStr, nil
}

// attach reads every child of n that was not joined and stores it on the
// parent items.
func (r *runner) attach(ctx context.Context, n *ast.Node, base *scope, recs []*record) error {
	if len(recs) == 0 {
		return nil
	}
	for _, child := range n.Children {
		if base.joined(child) {
			continue
		}
		var err error
		switch child.Type {
		case ast.M2O:
			err = r.attachM2O(ctx, child, recs)
		case ast.O2M:
			err = r.attachO2M(ctx, child, recs)
		case ast.A2O:
			err = r.attachA2O(ctx, child, recs)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) attachM2O(ctx context.Context, child *ast.Node, recs []*record) error {
	index, err := r.readByKeys(ctx, child, distinct(recs, child.ParentKey))
	if err != nil {
		return err
	}
	for _, rec := range recs {
		rec.item[child.FieldKey] = nil
		if v := rec.raw[child.ParentKey]; v != nil {
			if found := index[keyOf(v)]; len(found) > 0 {
				rec.item[child.FieldKey] = found[0].item
			}
		}
	}
	return nil
}

// readByKeys reads n where RelatedKey is one of keys and indexes the records
// by that key.
func (r *runner) readByKeys(ctx context.Context, n *ast.Node, keys []any) (map[string][]*record, error) {
	index := map[string][]*record{}
	for _, chunk := range chunks(keys, r.opts.BatchSize) {
		recs, err := r.fetch(ctx, n, r.inKeys(n.RelatedKey, chunk), false)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			k := keyOf(rec.raw[n.RelatedKey])
			index[k] = append(index[k], rec)
		}
	}
	return index, nil
}

func (r *runner) attachO2M(ctx context.Context, child *ast.Node, recs []*record) error {
	keys := distinct(recs, child.ParentKey)
	index := map[string][]*record{}

	if r.dialect.SupportsWindowFunctions() {
		for _, chunk := range chunks(keys, r.opts.BatchSize) {
			found, err := r.fetch(ctx, child, r.inKeys(child.RelatedKey, chunk), true)
			if err != nil {
				return err
			}
			for _, rec := range found {
				k := keyOf(rec.raw[child.RelatedKey])
				index[k] = append(index[k], rec)
			}
		}
	} else {
		// one query per parent keeps top-N semantics without window functions
		for _, key := range keys {
			found, err := r.fetch(ctx, child, r.inKeys(child.RelatedKey, []any{key}), false)
			if err != nil {
				return err
			}
			index[keyOf(key)] = found
		}
	}

	primary := r.ov.Collection(child.Name).Primary
	for _, rec := range recs {
		found := index[keyOf(rec.raw[child.ParentKey])]
		list := make([]any, 0, len(found))
		for _, f := range found {
			if child.KeysOnly {
				list = append(list, f.item[primary])
				continue
			}
			list = append(list, f.item)
		}
		rec.item[child.FieldKey] = list
	}
	return nil
}

func (r *runner) attachA2O(ctx context.Context, child *ast.Node, recs []*record) error {
	type result struct {
		name  string
		index map[string][]*record
	}

	results := make([]result, 0, len(child.Collections))
	for name := range child.Collections {
		results = append(results, result{name: name})
	}

	g, gctx := errgroup.WithContext(ctx)
	if _, ok := r.q.(*sql.DB); !ok {
		// a transaction has one connection; keep its queries sequential
		g.SetLimit(1)
	}
	for i := range results {
		sub := child.Collections[results[i].name]
		related := r.ov.Collection(sub.Name)
		keys := keysFor(recs, child, sub.Name)
		for j, k := range keys {
			keys[j] = store.Coerce(r.dialect, related.PrimaryField().Type, k)
		}
		g.Go(func() error {
			index, err := r.readByKeys(gctx, sub, keys)
			results[i].index = index
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	byName := make(map[string]map[string][]*record, len(results))
	for _, res := range results {
		byName[res.name] = res.index
	}
	for _, rec := range recs {
		v := rec.raw[child.ParentKey]
		rec.item[child.FieldKey] = v
		if v == nil {
			continue
		}
		index, ok := byName[cast.ToString(rec.raw[child.CollectionField])]
		if !ok {
			continue
		}
		rec.item[child.FieldKey] = nil
		if found := index[keyOf(v)]; len(found) > 0 {
			rec.item[child.FieldKey] = found[0].item
		}
	}
	return nil
}

// keysFor collects the a2o keys of rows pointing at collection.
func keysFor(recs []*record, n *ast.Node, collection string) []any {
	var out []any
	seen := map[string]bool{}
	for _, rec := range recs {
		if cast.ToString(rec.raw[n.CollectionField]) != collection {
			continue
		}
		v := rec.raw[n.ParentKey]
		if v == nil || seen[keyOf(v)] {
			continue
		}
		seen[keyOf(v)] = true
		out = append(out, v)
	}
	return out
}

func (r *runner) inKeys(column string, keys []any) func(alias string) sq.Sqlizer {
	return func(alias string) sq.Sqlizer {
		return sq.Eq{r.dialect.Quote(alias + "." + column): keys}
	}
}

// distinct returns the non-nil values of column across recs, first seen
// first.
func distinct(recs []*record, column string) []any {
	var out []any
	seen := map[string]bool{}
	for _, rec := range recs {
		v := rec.raw[column]
		if v == nil {
			continue
		}
		k := keyOf(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

func chunks(keys []any, size int) [][]any {
	if len(keys) == 0 {
		return nil
	}
	var out [][]any
	for len(keys) > size {
		out = append(out, keys[:size])
		keys = keys[size:]
	}
	return append(out, keys)
}

// keyOf renders a key in a canonical form so that integer, string and
// binary uuid representations of the same key compare equal.
func keyOf(v any) string {
	switch k := v.(type) {
	case [16]byte:
		return uuid.UUID(k).String()
	case []byte:
		return strings.ToLower(string(k))
	case string:
		return strings.ToLower(k)
	case float64:
		if k == float64(int64(k)) {
			return cast.ToString(int64(k))
		}
	}
	return cast.ToString(v)
}
