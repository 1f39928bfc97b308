package runner

import (
	"context"
	"fmt"
	"slices"
	"sort"

	sq "github.com/Masterminds/squirrel"
	"github.com/spf13/cast"

	"cms-engine/internal/ast"
	"cms-engine/internal/store"
)

var aggregateSQL = map[string]string{
	"count":         "COUNT(%s)",
	"countDistinct": "COUNT(DISTINCT %s)",
	"countAll":      "COUNT(%s)",
	"sum":           "SUM(%s)",
	"sumDistinct":   "SUM(DISTINCT %s)",
	"avg":           "AVG(%s)",
	"avgDistinct":   "AVG(DISTINCT %s)",
	"min":           "MIN(%s)",
	"max":           "MAX(%s)",
}

// aggregate runs an aggregate or grouped query. Rows come back flat:
// {<group field>: v, <fn>: {<field>: v}}, with count(*) as a plain number.
func (r *runner) aggregate(ctx context.Context, n *ast.Node) ([]map[string]any, error) {
	coll := r.ov.Collection(n.Name)
	c := r.newCompiler()
	d := r.dialect
	alias := "t0"
	q := n.Query

	var cols []string
	for _, g := range q.Group {
		cols = append(cols, d.Quote(alias+"."+g)+" AS "+quoteAlias(d, g))
	}
	fns := make([]string, 0, len(q.Aggregate))
	for fn := range q.Aggregate {
		fns = append(fns, fn)
	}
	sort.Strings(fns)
	for _, fn := range fns {
		tmpl, ok := aggregateSQL[fn]
		if !ok {
			return nil, fmt.Errorf("unknown aggregate function %q", fn)
		}
		for _, field := range q.Aggregate[fn] {
			target := "*"
			if field != "*" {
				target = d.Quote(alias + "." + field)
			}
			cols = append(cols, fmt.Sprintf(tmpl, target)+" AS "+quoteAlias(d, fn+"->"+field))
		}
	}

	b := sq.StatementBuilder.PlaceholderFormat(sq.Question).
		Select(cols...).
		From(d.Quote(n.Name) + " AS " + d.Quote(alias))

	where := sq.And{}
	if len(q.Filter) > 0 {
		w, err := c.where(coll, alias, q.Filter)
		if err != nil {
			return nil, err
		}
		where = append(where, w)
	}
	if q.Search != "" {
		where = append(where, c.search(coll, alias, q.Search))
	}
	if len(where) > 0 {
		b = b.Where(where)
	}
	if len(q.Group) > 0 {
		groupBy := make([]string, len(q.Group))
		for i, g := range q.Group {
			groupBy[i] = d.Quote(alias + "." + g)
		}
		b = b.GroupBy(groupBy...)

		// only grouped columns can order grouped rows
		var sortable []string
		for _, s := range q.Sort {
			name := s
			if len(name) > 0 && name[0] == '-' {
				name = name[1:]
			}
			if slices.Contains(q.Group, name) {
				sortable = append(sortable, s)
			}
		}
		b = b.OrderBy(c.orderBy(alias, sortable)...)
	}
	limit, offset := window(n)
	if limit >= 0 {
		b = b.Limit(uint64(limit))
	}
	if offset > 0 {
		b = b.Offset(uint64(offset))
	}

	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build aggregate for %s: %w", n.Name, err)
	}
	if sqlStr, err = r.placeholders(sqlStr); err != nil {
		return nil, err
	}
	rows, err := store.QueryRows(ctx, r.q, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", n.Name, err)
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		item := map[string]any{}
		for _, g := range q.Group {
			item[g] = r.value(coll.Fields[g], row[g])
		}
		for _, fn := range fns {
			for _, field := range q.Aggregate[fn] {
				v := row[fn+"->"+field]
				switch fn {
				case "count", "countDistinct", "countAll":
					v = cast.ToInt64(v)
				case "sum", "sumDistinct", "avg", "avgDistinct":
					if v != nil {
						v = cast.ToFloat64(v)
					}
				default:
					v = store.Coerce(d, coll.Fields[field].Type, v)
				}
				if field == "*" {
					item[fn] = v
					continue
				}
				group, _ := item[fn].(map[string]any)
				if group == nil {
					group = map[string]any{}
					item[fn] = group
				}
				group[field] = v
			}
		}
		out = append(out, item)
	}
	return out, nil
}
