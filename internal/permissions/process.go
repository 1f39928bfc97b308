package permissions

import (
	"fmt"

	"cms-engine/internal/apperror"
	"cms-engine/internal/ast"
	"cms-engine/internal/query"
	"cms-engine/internal/schema"
)

// ProcessAST restricts root to what acc may see. Every collection in the
// tree needs a permission for the action (nested reads use "read"), the
// permission filter is conjoined onto each node and fields outside the
// allow-list are dropped. Nested nodes left without fields are removed;
// a root left without fields is marked Excluded.
func ProcessAST(root *ast.Node, acc *Accountability, action string, ov *schema.Overview) (*ast.Node, error) {
	if acc.IsAdmin() {
		return root, nil
	}

	r := &rewriter{acc: acc, ov: ov, vars: acc.Vars()}
	if err := r.checkAccess(root, action); err != nil {
		return nil, err
	}
	if err := r.checkAggregate(root, action); err != nil {
		return nil, err
	}
	if err := r.apply(root, action); err != nil {
		return nil, err
	}
	if root.Query.HasAggregate() {
		return root, nil
	}
	if len(root.Fields) == 0 && len(root.Children) == 0 {
		root.Excluded = true
	}
	return root, nil
}

type rewriter struct {
	acc  *Accountability
	ov   *schema.Overview
	vars query.Vars
}

func nodeAction(n *ast.Node, action string) string {
	if n.Type == ast.Root {
		return action
	}
	return "read"
}

func (r *rewriter) checkAccess(root *ast.Node, action string) error {
	var err error
	root.Walk(func(n *ast.Node) {
		if err != nil || n.Type == ast.A2O {
			return
		}
		if r.acc.Find(n.Name, nodeAction(n, action)) == nil {
			err = apperror.Forbidden()
		}
	})
	return err
}

// checkAggregate rejects aggregates and groups over fields the caller may
// not read, since they would leak values the field pruning hides.
func (r *rewriter) checkAggregate(root *ast.Node, action string) error {
	q := root.Query
	if q == nil || (!q.HasAggregate() && len(q.Group) == 0) {
		return nil
	}
	perm := r.acc.Find(root.Name, action)
	for _, fields := range q.Aggregate {
		for _, f := range fields {
			if f != "*" && !perm.AllowsField(f) {
				return apperror.Forbidden()
			}
		}
	}
	for _, f := range q.Group {
		if !perm.AllowsField(f) {
			return apperror.Forbidden()
		}
	}
	return nil
}

func (r *rewriter) apply(n *ast.Node, action string) error {
	if n.Type == ast.A2O {
		for name, sub := range n.Collections {
			if err := r.apply(sub, "read"); err != nil {
				return err
			}
			if empty(sub) {
				delete(n.Collections, name)
			}
		}
		return nil
	}

	perm := r.acc.Find(n.Name, nodeAction(n, action))
	if len(perm.Permissions) > 0 {
		filter := query.ParseDynamicVariables(perm.Permissions, r.vars)
		prepared, err := ast.PrepareFilter(n.Name, filter, r.ov)
		if err != nil {
			return fmt.Errorf("permission filter for %s: %w", n.Name, err)
		}
		n.Query.Filter = query.And(n.Query.Filter, prepared)
	}

	fields := n.Fields[:0]
	for _, f := range n.Fields {
		if perm.AllowsField(f.Name) {
			fields = append(fields, f)
		}
	}
	n.Fields = fields

	children := n.Children[:0]
	for _, child := range n.Children {
		if !perm.AllowsField(parentField(child)) {
			continue
		}
		if err := r.apply(child, "read"); err != nil {
			return err
		}
		if empty(child) {
			continue
		}
		children = append(children, child)
	}
	n.Children = children
	return nil
}

// parentField is the field of the parent collection a child is read through.
func parentField(n *ast.Node) string {
	if n.Type == ast.O2M && n.Relation.Meta != nil {
		return n.Relation.Meta.OneField
	}
	return n.Relation.Field
}

func empty(n *ast.Node) bool {
	if n.Type == ast.A2O {
		return len(n.Collections) == 0
	}
	return len(n.Fields) == 0 && len(n.Children) == 0
}
