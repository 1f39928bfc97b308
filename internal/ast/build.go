package ast

import (
	"fmt"
	"slices"
	"strings"

	"cms-engine/internal/apperror"
	"cms-engine/internal/query"
	"cms-engine/internal/schema"
)

// DefaultMaxRelationalLimit caps to-many reads when no limit is configured.
const DefaultMaxRelationalLimit = 500

type Options struct {
	// MaxRelationalLimit caps every to-many child; larger or unlimited
	// deep limits are clamped to it.
	MaxRelationalLimit int
	// ExcludeSoftDeleted conjoins the deleted-at clause onto every
	// soft-delete collection in the tree.
	ExcludeSoftDeleted bool
}

// Build compiles q against collection. It performs no I/O.
func Build(collection string, q *query.Query, ov *schema.Overview, opts Options) (*Node, error) {
	c := ov.Collection(collection)
	if c == nil {
		return nil, apperror.Forbidden()
	}
	if opts.MaxRelationalLimit <= 0 {
		opts.MaxRelationalLimit = DefaultMaxRelationalLimit
	}
	if q == nil {
		q = &query.Query{}
	}

	b := &builder{ov: ov, opts: opts}
	root := &Node{Type: Root, Name: collection}
	if err := b.fill(root, c, q.Clone()); err != nil {
		return nil, err
	}
	return root, nil
}

type builder struct {
	ov   *schema.Overview
	opts Options
}

// fill validates q for collection c and populates the node's fields,
// children and query.
func (b *builder) fill(n *Node, c *schema.Collection, q *query.Query) error {
	filter, err := b.prepareFilter(c, q.Filter)
	if err != nil {
		return err
	}
	if b.opts.ExcludeSoftDeleted && c.IsSoftDelete {
		if field := c.DeletedAtField(); field != "" {
			filter = query.MergeSoftDelete(filter, field)
		}
	}
	q.Filter = filter

	if err := b.validateSort(c, q.Sort); err != nil {
		return err
	}
	if err := b.validateAggregate(c, q); err != nil {
		return err
	}
	if len(q.Sort) == 0 && !q.HasAggregate() && len(q.Group) == 0 {
		q.Sort = []string{defaultSort(c, n)}
	}
	n.Query = q

	if q.HasAggregate() {
		return nil
	}
	fields := q.Fields
	if len(fields) == 0 {
		fields = []string{"*"}
	}
	return b.parseFields(n, c, fields, q)
}

func defaultSort(c *schema.Collection, n *Node) string {
	if n.Type == O2M && n.Relation != nil && n.Relation.Meta != nil && n.Relation.Meta.SortField != "" {
		return n.Relation.Meta.SortField
	}
	if c.SortField != "" {
		return c.SortField
	}
	return c.Primary
}

type relationalRequest struct {
	key      string // output key
	field    string // field in the collection
	children []string
	// a2o requests scoped to one collection ("item:headings.title")
	scoped map[string][]string
}

func (b *builder) parseFields(n *Node, c *schema.Collection, fields []string, q *query.Query) error {
	fields = b.expandWildcards(c, fields)

	seen := map[string]bool{}
	var order []string
	requests := map[string]*relationalRequest{}

	for _, raw := range fields {
		head, rest, nested := strings.Cut(raw, ".")
		key := head
		scope := ""
		if name, coll, ok := strings.Cut(head, ":"); ok {
			key, scope = name, coll
		}
		name := key
		if aliased, ok := q.Alias[key]; ok {
			name = aliased
		}

		f := c.Field(name)
		if f == nil {
			return apperror.InvalidQuery(fmt.Sprintf("Field %q doesn't exist in collection %q", name, c.Collection))
		}

		m2o := b.ov.M2O(c.Collection, name)
		o2m := b.ov.O2M(c.Collection, name)
		relational := (m2o != nil && (nested || scope != "")) || o2m != nil

		if !relational {
			if f.Alias {
				// alias fields without relation data produce no output
				continue
			}
			if !seen[key] {
				seen[key] = true
				n.Fields = append(n.Fields, &FieldNode{Name: name, Key: key})
			}
			continue
		}

		req := requests[key]
		if req == nil {
			req = &relationalRequest{key: key, field: name, scoped: map[string][]string{}}
			requests[key] = req
			order = append(order, key)
		}
		switch {
		case scope != "":
			if nested {
				req.scoped[scope] = append(req.scoped[scope], rest)
			} else {
				req.scoped[scope] = append(req.scoped[scope], "*")
			}
		case nested:
			req.children = append(req.children, rest)
		}
	}

	for _, key := range order {
		req := requests[key]
		child, err := b.relationalChild(c, req, q)
		if err != nil {
			return err
		}
		n.Children = append(n.Children, child)
	}
	return nil
}

// expandWildcards replaces "*" with the scalar fields and "*.x" with one
// entry per relational field.
func (b *builder) expandWildcards(c *schema.Collection, fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		head, rest, nested := strings.Cut(f, ".")
		if head != "*" {
			out = append(out, f)
			continue
		}
		if !nested {
			out = append(out, c.ScalarFields()...)
			continue
		}
		for _, name := range c.FieldOrder {
			if b.ov.O2M(c.Collection, name) != nil {
				out = append(out, name+"."+rest)
				continue
			}
			if r := b.ov.M2O(c.Collection, name); r != nil && !r.IsA2O() {
				out = append(out, name+"."+rest)
			}
		}
	}
	return out
}

func (b *builder) relationalChild(c *schema.Collection, req *relationalRequest, parentQuery *query.Query) (*Node, error) {
	deep := parentQuery.Deep[req.key]

	if rel := b.ov.M2O(c.Collection, req.field); rel != nil {
		if rel.IsA2O() {
			return b.a2oChild(req, rel, parentQuery)
		}
		related := b.ov.Collection(rel.RelatedCollection)
		if related == nil {
			return nil, apperror.Forbidden()
		}
		n := &Node{
			Type:       M2O,
			Name:       related.Collection,
			FieldKey:   req.key,
			Relation:   rel,
			ParentKey:  rel.Field,
			RelatedKey: related.Primary,
		}
		q := childQuery(deep, req.children)
		q.Limit = nil
		if err := b.fill(n, related, q); err != nil {
			return nil, err
		}
		return n, nil
	}

	rel := b.ov.O2M(c.Collection, req.field)
	related := b.ov.Collection(rel.Collection)
	if related == nil {
		return nil, apperror.Forbidden()
	}
	n := &Node{
		Type:       O2M,
		Name:       related.Collection,
		FieldKey:   req.key,
		Relation:   rel,
		ParentKey:  c.Primary,
		RelatedKey: rel.Field,
	}
	children := req.children
	if len(children) == 0 {
		n.KeysOnly = true
		children = []string{related.Primary}
	}
	q := childQuery(deep, children)
	q.Limit = b.clampLimit(q.Limit)
	if err := b.fill(n, related, q); err != nil {
		return nil, err
	}
	return n, nil
}

func (b *builder) a2oChild(req *relationalRequest, rel *schema.Relation, parentQuery *query.Query) (*Node, error) {
	n := &Node{
		Type:            A2O,
		Name:            rel.Collection,
		FieldKey:        req.key,
		Relation:        rel,
		ParentKey:       rel.Field,
		CollectionField: rel.Meta.OneCollectionField,
		Collections:     map[string]*Node{},
	}
	for _, name := range rel.Meta.OneAllowedCollections {
		fields := append(slices.Clone(req.children), req.scoped[name]...)
		if len(fields) == 0 {
			continue
		}
		related := b.ov.Collection(name)
		if related == nil {
			continue
		}
		deep := parentQuery.Deep[req.key+":"+name]
		if deep == nil {
			deep = parentQuery.Deep[req.key]
		}
		sub := &Node{
			Type:       M2O,
			Name:       name,
			FieldKey:   req.key,
			Relation:   rel,
			ParentKey:  rel.Field,
			RelatedKey: related.Primary,
		}
		q := childQuery(deep, fields)
		q.Limit = nil
		if err := b.fill(sub, related, q); err != nil {
			return nil, err
		}
		n.Collections[name] = sub
	}
	for scope := range req.scoped {
		if !slices.Contains(rel.Meta.OneAllowedCollections, scope) {
			return nil, apperror.InvalidQuery(fmt.Sprintf("Collection %q isn't allowed in %q", scope, req.key))
		}
	}
	return n, nil
}

func childQuery(deep *query.Query, fields []string) *query.Query {
	q := &query.Query{}
	if deep != nil {
		q = deep.Clone()
	}
	q.Fields = fields
	return q
}

// clampLimit applies the to-many cap: unset, unlimited and oversized limits
// all become the cap.
func (b *builder) clampLimit(limit *int) *int {
	max := b.opts.MaxRelationalLimit
	if limit == nil || *limit < 0 || *limit > max {
		return query.Int(max)
	}
	return limit
}

func (b *builder) validateSort(c *schema.Collection, sort []string) error {
	for _, s := range sort {
		name := strings.TrimPrefix(s, "-")
		f := c.Field(name)
		if f == nil || f.Alias {
			return apperror.InvalidQuery(fmt.Sprintf("Can't sort by %q in collection %q", name, c.Collection))
		}
	}
	return nil
}

func (b *builder) validateAggregate(c *schema.Collection, q *query.Query) error {
	for fn, fields := range q.Aggregate {
		for _, name := range fields {
			if name == "*" && (fn == "count" || fn == "countAll") {
				continue
			}
			f := c.Field(name)
			if f == nil || f.Alias {
				return apperror.InvalidQuery(fmt.Sprintf("Can't %s field %q in collection %q", fn, name, c.Collection))
			}
		}
	}
	for _, name := range q.Group {
		f := c.Field(name)
		if f == nil || f.Alias {
			return apperror.InvalidQuery(fmt.Sprintf("Can't group by %q in collection %q", name, c.Collection))
		}
	}
	return nil
}
