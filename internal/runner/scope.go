package runner

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"cms-engine/internal/ast"
	"cms-engine/internal/schema"
	"cms-engine/internal/store"
)

// compiler builds one SELECT statement. It hands out table aliases, so a
// fresh compiler is used per statement.
type compiler struct {
	r       *runner
	aliases int
}

func (r *runner) newCompiler() *compiler {
	return &compiler{r: r}
}

func (c *compiler) nextAlias() string {
	c.aliases++
	return "t" + strconv.Itoa(c.aliases)
}

// scope is one table in the statement: the base table or a LEFT JOINed
// m2o child. Columns of joined scopes are selected under "<alias>.<col>".
type scope struct {
	node   *ast.Node
	coll   *schema.Collection
	alias  string
	prefix string
	cols   []string
	joins  []*scope
}

func (s *scope) need(col string) {
	if !slices.Contains(s.cols, col) {
		s.cols = append(s.cols, col)
	}
}

func (s *scope) joined(n *ast.Node) bool {
	for _, j := range s.joins {
		if j.node == n {
			return true
		}
	}
	return false
}

// joinable reports whether n can be flattened into its parent's row: an m2o
// whose subtree holds only scalars and further joinable m2o nodes.
func joinable(n *ast.Node) bool {
	if n.Type != ast.M2O {
		return false
	}
	for _, c := range n.Children {
		if !joinable(c) {
			return false
		}
	}
	return true
}

func (c *compiler) scope(n *ast.Node, alias, prefix string) *scope {
	s := &scope{node: n, coll: c.r.ov.Collection(n.Name), alias: alias, prefix: prefix}
	s.need(s.coll.Primary)
	for _, f := range n.Fields {
		s.need(f.Name)
	}
	for _, child := range n.Children {
		s.need(child.ParentKey)
		if child.Type == ast.A2O {
			s.need(child.CollectionField)
		}
		if joinable(child) {
			a := c.nextAlias()
			s.joins = append(s.joins, c.scope(child, a, a+"."))
		}
	}
	return s
}

// columns lists the select expressions for s and its joins.
func (c *compiler) columns(s *scope) []string {
	d := c.r.dialect
	out := make([]string, 0, len(s.cols))
	for _, col := range s.cols {
		expr := d.Quote(s.alias + "." + col)
		if s.prefix != "" {
			expr += " AS " + quoteAlias(d, s.prefix+col)
		}
		out = append(out, expr)
	}
	for _, j := range s.joins {
		out = append(out, c.columns(j)...)
	}
	return out
}

// joins adds a LEFT JOIN per joined scope. The child's own filter goes into
// the ON clause so a filtered out relation reads as null.
func (c *compiler) joins(b sq.SelectBuilder, s *scope) (sq.SelectBuilder, error) {
	d := c.r.dialect
	for _, j := range s.joins {
		on := fmt.Sprintf("%s = %s", d.Quote(j.alias+"."+j.node.RelatedKey), d.Quote(s.alias+"."+j.node.ParentKey))
		var args []any
		if len(j.node.Query.Filter) > 0 {
			w, err := c.where(j.coll, j.alias, j.node.Query.Filter)
			if err != nil {
				return b, err
			}
			cond, condArgs, err := w.ToSql()
			if err != nil {
				return b, err
			}
			on += " AND " + cond
			args = condArgs
		}
		b = b.LeftJoin(fmt.Sprintf("%s AS %s ON %s", d.Quote(j.node.Name), d.Quote(j.alias), on), args...)
		var err error
		if b, err = c.joins(b, j); err != nil {
			return b, err
		}
	}
	return b, nil
}

// item builds the output object of s from a raw row, nesting joined scopes.
func (c *compiler) item(s *scope, row map[string]any) map[string]any {
	out := make(map[string]any, len(s.node.Fields)+len(s.node.Children))
	for _, f := range s.node.Fields {
		out[f.Key] = c.r.value(s.coll.Fields[f.Name], row[s.prefix+f.Name])
	}
	if c.r.opts.KeepNonRequested {
		for _, col := range s.cols {
			if _, ok := out[col]; !ok {
				out[col] = c.r.value(s.coll.Fields[col], row[s.prefix+col])
			}
		}
	}
	for _, j := range s.joins {
		if row[j.prefix+j.coll.Primary] == nil {
			out[j.node.FieldKey] = nil
			continue
		}
		out[j.node.FieldKey] = c.item(j, row)
	}
	return out
}

func (c *compiler) orderBy(alias string, sort []string) []string {
	out := make([]string, 0, len(sort))
	for _, s := range sort {
		dir := " ASC"
		if strings.HasPrefix(s, "-") {
			dir = " DESC"
			s = s[1:]
		}
		out = append(out, c.r.dialect.Quote(alias+"."+s)+dir)
	}
	return out
}

// quoteAlias quotes a column alias without splitting it on dots.
func quoteAlias(d store.Dialect, s string) string {
	q := `"`
	if d.Name() == "mysql" {
		q = "`"
	}
	return q + strings.ReplaceAll(s, q, q+q) + q
}
