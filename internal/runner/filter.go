package runner

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/spf13/cast"

	"cms-engine/internal/apperror"
	"cms-engine/internal/query"
	"cms-engine/internal/schema"
	"cms-engine/internal/store"
)

var comparison = map[string]string{"_lt": "<", "_lte": "<=", "_gt": ">", "_gte": ">="}

var textTypes = []string{store.TypeString, store.TypeText, store.TypeCSV, store.TypeUnknown}

// where compiles a normalized filter on coll, whose table is aliased as
// alias. Relational conditions become IN subqueries.
func (c *compiler) where(coll *schema.Collection, alias string, filter map[string]any) (sq.Sqlizer, error) {
	and := sq.And{}
	for _, key := range sortedKeys(filter) {
		val := filter[key]
		switch key {
		case "_and", "_or":
			list, _ := query.AsList(val)
			parts := make([]sq.Sqlizer, 0, len(list))
			for _, item := range list {
				m, ok := query.AsMap(item)
				if !ok {
					return nil, apperror.InvalidQuery(fmt.Sprintf(`"%s" items have to be objects`, key))
				}
				p, err := c.where(coll, alias, m)
				if err != nil {
					return nil, err
				}
				parts = append(parts, p)
			}
			if key == "_and" {
				and = append(and, sq.And(parts))
			} else {
				and = append(and, sq.Or(parts))
			}
		default:
			p, err := c.field(coll, alias, key, val)
			if err != nil {
				return nil, err
			}
			and = append(and, p)
		}
	}
	return and, nil
}

func (c *compiler) field(coll *schema.Collection, alias, name string, val any) (sq.Sqlizer, error) {
	d := c.r.dialect
	ov := c.r.ov

	m, ok := query.AsMap(val)
	if !ok {
		m = map[string]any{"_eq": val}
	}

	if rel := ov.M2O(coll.Collection, name); rel != nil && !rel.IsA2O() && hasFieldKeys(m) {
		related := ov.Collection(rel.RelatedCollection)
		if related == nil {
			return nil, apperror.Forbidden()
		}
		sub := c.nextAlias()
		inner, err := c.where(related, sub, m)
		if err != nil {
			return nil, err
		}
		sel := sq.Select(d.Quote(sub + "." + related.Primary)).
			From(d.Quote(related.Collection) + " AS " + d.Quote(sub)).
			Where(inner)
		return sq.Expr(d.Quote(alias+"."+name)+" IN (?)", sel), nil
	}

	if rel := ov.O2M(coll.Collection, name); rel != nil {
		related := ov.Collection(rel.Collection)
		if related == nil {
			return nil, apperror.Forbidden()
		}
		and := sq.And{}
		for _, quantifier := range []string{"_some", "_none"} {
			raw, ok := m[quantifier]
			if !ok {
				continue
			}
			nested, _ := query.AsMap(raw)
			sub := c.nextAlias()
			inner, err := c.where(related, sub, nested)
			if err != nil {
				return nil, err
			}
			fk := d.Quote(sub + "." + rel.Field)
			sel := sq.Select(fk).
				From(d.Quote(related.Collection) + " AS " + d.Quote(sub)).
				Where(sq.And{sq.NotEq{fk: nil}, inner})
			pk := d.Quote(alias + "." + coll.Primary)
			if quantifier == "_some" {
				and = append(and, sq.Expr(pk+" IN (?)", sel))
			} else {
				and = append(and, sq.Expr(pk+" NOT IN (?)", sel))
			}
		}
		return and, nil
	}

	f := coll.Field(name)
	if f == nil || f.Alias {
		return nil, apperror.InvalidQuery(fmt.Sprintf("Invalid filter: field %q doesn't exist in collection %q", name, coll.Collection))
	}
	and := sq.And{}
	for _, op := range sortedKeys(m) {
		p, err := c.operator(d.Quote(alias+"."+name), f, op, m[op])
		if err != nil {
			return nil, err
		}
		and = append(and, p)
	}
	return and, nil
}

func (c *compiler) operator(col string, f *schema.Field, op string, v any) (sq.Sqlizer, error) {
	d := c.r.dialect
	switch op {
	case "_eq":
		if v == nil {
			return sq.Expr(col + " IS NULL"), nil
		}
		return sq.Expr(col+" = ?", param(f, v)), nil
	case "_neq":
		if v == nil {
			return sq.Expr(col + " IS NOT NULL"), nil
		}
		return sq.Expr(col+" <> ?", param(f, v)), nil
	case "_lt", "_lte", "_gt", "_gte":
		return sq.Expr(col+" "+comparison[op]+" ?", param(f, v)), nil
	case "_in", "_nin":
		list, _ := query.AsList(v)
		params := make([]any, len(list))
		for i, item := range list {
			params[i] = param(f, item)
		}
		if op == "_in" {
			return sq.Eq{col: params}, nil
		}
		return sq.NotEq{col: params}, nil
	case "_null", "_nnull":
		if cast.ToBool(v) == (op == "_null") {
			return sq.Expr(col + " IS NULL"), nil
		}
		return sq.Expr(col + " IS NOT NULL"), nil
	case "_empty", "_nempty":
		empty := cast.ToBool(v) == (op == "_empty")
		text := slices.Contains(textTypes, f.Type)
		switch {
		case empty && text:
			return sq.Expr("(" + col + " IS NULL OR " + col + " = '')"), nil
		case empty:
			return sq.Expr(col + " IS NULL"), nil
		case text:
			return sq.Expr("(" + col + " IS NOT NULL AND " + col + " <> '')"), nil
		default:
			return sq.Expr(col + " IS NOT NULL"), nil
		}
	case "_between", "_nbetween":
		list, _ := query.AsList(v)
		if len(list) != 2 {
			return nil, apperror.InvalidQuery(fmt.Sprintf(`"%s" needs two values`, op))
		}
		kw := " BETWEEN "
		if op == "_nbetween" {
			kw = " NOT BETWEEN "
		}
		return sq.Expr(col+kw+"? AND ?", param(f, list[0]), param(f, list[1])), nil
	}

	if pattern, insensitive, negate, ok := likePattern(op, cast.ToString(v)); ok {
		target := col
		if insensitive {
			target = d.LowerExpr(col)
			pattern = strings.ToLower(pattern)
		}
		if negate {
			return sq.Expr(target+" NOT LIKE ?"+likeEscape(d), pattern), nil
		}
		return sq.Expr(target+" LIKE ?"+likeEscape(d), pattern), nil
	}
	return nil, apperror.InvalidQuery(fmt.Sprintf("Invalid filter: unknown operator %q", op))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likeEscape is the ESCAPE clause matching likeEscaper. MySQL reads
// backslashes in string literals as escapes.
func likeEscape(d store.Dialect) string {
	if d.Name() == "mysql" {
		return ` ESCAPE '\\'`
	}
	return ` ESCAPE '\'`
}

// likePattern maps the string operators onto LIKE patterns. Wildcards in s
// match literally.
func likePattern(op, s string) (pattern string, insensitive, negate, ok bool) {
	s = likeEscaper.Replace(s)
	name := strings.TrimPrefix(op, "_")
	if strings.HasPrefix(name, "n") && name != "nempty" {
		negate = true
		name = name[1:]
	}
	if strings.HasPrefix(name, "i") {
		insensitive = true
		name = name[1:]
	}
	switch name {
	case "contains":
		return "%" + s + "%", insensitive, negate, true
	case "starts_with":
		return s + "%", insensitive, negate, true
	case "ends_with":
		return "%" + s, insensitive, negate, true
	}
	return "", false, false, false
}

// search matches term against every searchable column of coll: a substring
// match on text, equality on numbers and uuids.
func (c *compiler) search(coll *schema.Collection, alias, term string) sq.Sqlizer {
	d := c.r.dialect
	or := sq.Or{}
	for _, name := range coll.ScalarFields() {
		f := coll.Fields[name]
		if f.HasSpecial("conceal") || f.HasSpecial("hash") {
			continue
		}
		col := d.Quote(alias + "." + name)
		switch f.Type {
		case store.TypeString, store.TypeText:
			or = append(or, sq.Expr(d.LowerExpr(col)+" LIKE ?"+likeEscape(d), "%"+likeEscaper.Replace(strings.ToLower(term))+"%"))
		case store.TypeInteger, store.TypeBigInteger:
			if n, err := cast.ToInt64E(term); err == nil {
				or = append(or, sq.Expr(col+" = ?", n))
			}
		case store.TypeFloat, store.TypeDecimal:
			if n, err := cast.ToFloat64E(term); err == nil {
				or = append(or, sq.Expr(col+" = ?", n))
			}
		case store.TypeUUID:
			if id, err := uuid.Parse(term); err == nil {
				or = append(or, sq.Expr(col+" = ?", id.String()))
			}
		}
	}
	if len(or) == 0 {
		return sq.Expr("1 = 0")
	}
	return or
}

// param converts loosely typed filter values into parameters the driver
// can compare against f.
func param(f *schema.Field, v any) any {
	s, isString := v.(string)
	switch f.Type {
	case store.TypeInteger, store.TypeBigInteger:
		if isString {
			if n, err := cast.ToInt64E(s); err == nil {
				return n
			}
		}
		if n, ok := v.(float64); ok && n == float64(int64(n)) {
			return int64(n)
		}
	case store.TypeFloat, store.TypeDecimal:
		if isString {
			if n, err := cast.ToFloat64E(s); err == nil {
				return n
			}
		}
	case store.TypeBoolean:
		if b, err := cast.ToBoolE(v); err == nil {
			return b
		}
	}
	return v
}

func hasFieldKeys(m map[string]any) bool {
	for k := range m {
		if !strings.HasPrefix(k, "_") || k == "_and" || k == "_or" {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
