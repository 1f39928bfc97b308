// Package ast compiles a query object into a tree of collection reads.
package ast

import (
	"cms-engine/internal/query"
	"cms-engine/internal/schema"
)

type NodeType string

const (
	Root NodeType = "root"
	M2O  NodeType = "m2o"
	O2M  NodeType = "o2m"
	A2O  NodeType = "a2o"
)

// FieldNode is a scalar column read. Key is the output key, which differs
// from Name when the query aliases the field.
type FieldNode struct {
	Name string
	Key  string
}

// Node is one collection read. Children are relational reads nested under
// FieldKey in each parent row.
type Node struct {
	Type     NodeType
	Name     string // collection
	FieldKey string // output key in the parent row
	Relation *schema.Relation

	// ParentKey is the parent column matched against RelatedKey in this
	// collection: fk -> pk for m2o, pk -> fk for o2m.
	ParentKey  string
	RelatedKey string

	Query    *query.Query
	Fields   []*FieldNode
	Children []*Node

	// KeysOnly returns child primary keys instead of objects (o2m field
	// requested without sub fields).
	KeysOnly bool

	// a2o only: one subtree per allowed collection, keyed by collection.
	CollectionField string
	Collections     map[string]*Node

	// Excluded is set by the permission rewriter when nothing in the node
	// may be read.
	Excluded bool
}

// Walk calls fn for n and every descendant, including a2o subtrees.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
	for _, c := range n.Collections {
		c.Walk(fn)
	}
}

// FieldNames returns the column names read by the node.
func (n *Node) FieldNames() []string {
	out := make([]string, len(n.Fields))
	for i, f := range n.Fields {
		out[i] = f.Name
	}
	return out
}

// HasField reports whether column is read directly.
func (n *Node) HasField(column string) bool {
	for _, f := range n.Fields {
		if f.Name == column {
			return true
		}
	}
	return false
}

// ToMany reports whether the node can return several rows per parent.
func (n *Node) ToMany() bool {
	return n.Type == O2M
}
