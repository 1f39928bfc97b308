// Package validate evaluates filter trees against in-memory records. Filters
// are compiled to expr programs so the same operator semantics apply to
// permission validation and field validation rules.
package validate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"cms-engine/internal/apperror"
	"cms-engine/internal/query"
)

type Options struct {
	// Partial skips conditions on fields missing from the record, for
	// updates that only carry changed fields.
	Partial bool
}

// Program is a compiled filter. args holds the literal operands referenced
// from the expression as args[i].
type Program struct {
	prog *vm.Program
	args []any
}

// Compile turns filter into an executable program.
func Compile(filter query.Filter, opts Options) (*Program, error) {
	c := &compiler{opts: opts}
	code := c.group(map[string]any(filter), nil, "&&")
	prog, err := expr.Compile(code,
		expr.Env(env(nil, nil)),
		expr.AsBool(),
		expr.Function("op", opFunc),
		expr.Function("field", fieldFunc),
		expr.Function("present", presentFunc),
	)
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	return &Program{prog: prog, args: c.args}, nil
}

func env(record map[string]any, args []any) map[string]any {
	return map[string]any{"record": record, "args": args}
}

// Match reports whether record satisfies the program.
func (p *Program) Match(record map[string]any) (bool, error) {
	out, err := expr.Run(p.prog, env(record, p.args))
	if err != nil {
		return false, fmt.Errorf("evaluate filter: %w", err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Match reports whether record satisfies filter.
func Match(filter query.Filter, record map[string]any, opts Options) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}
	p, err := Compile(filter, opts)
	if err != nil {
		return false, err
	}
	return p.Match(record)
}

// Validate checks record against filter and describes every failing
// top-level condition.
func Validate(filter query.Filter, record map[string]any, opts Options) ([]apperror.Detail, error) {
	var details []apperror.Detail
	for _, cond := range conjuncts(filter) {
		ok, err := Match(cond, record, opts)
		if err != nil {
			return nil, err
		}
		if !ok {
			details = append(details, describe(cond))
		}
	}
	return details, nil
}

// conjuncts splits filter into independently checkable conditions.
func conjuncts(filter query.Filter) []query.Filter {
	var out []query.Filter
	keys := sortedKeys(filter)
	for _, k := range keys {
		if k == "_and" {
			list, _ := query.AsList(filter[k])
			for _, item := range list {
				if m, ok := query.AsMap(item); ok {
					out = append(out, conjuncts(query.Filter(m))...)
				}
			}
			continue
		}
		out = append(out, query.Filter{k: filter[k]})
	}
	return out
}

func describe(cond query.Filter) apperror.Detail {
	for _, k := range sortedKeys(cond) {
		if k == "_or" || k == "_and" {
			return apperror.Detail{Rule: k, Message: "Value doesn't match any of the allowed conditions"}
		}
		path := []string{k}
		node, _ := query.AsMap(cond[k])
		for node != nil {
			next := ""
			for _, nk := range sortedKeys(node) {
				if !strings.HasPrefix(nk, "_") {
					next = nk
					break
				}
			}
			if next == "" {
				break
			}
			path = append(path, next)
			node, _ = query.AsMap(node[next])
		}
		field := strings.Join(path, ".")
		rule := ""
		var arg any
		for _, op := range sortedKeys(node) {
			rule, arg = op, node[op]
			break
		}
		return apperror.Detail{Field: field, Rule: rule, Message: message(field, rule, arg)}
	}
	return apperror.Detail{Message: "Validation failed"}
}

func message(field, rule string, arg any) string {
	switch rule {
	case "_null":
		return fmt.Sprintf("Value of %q has to be null", field)
	case "_nnull":
		return fmt.Sprintf("Value of %q is required", field)
	case "_empty":
		return fmt.Sprintf("Value of %q has to be empty", field)
	case "_nempty":
		return fmt.Sprintf("Value of %q can't be empty", field)
	case "_in":
		return fmt.Sprintf("Value of %q has to be one of %v", field, arg)
	case "_nin":
		return fmt.Sprintf("Value of %q can't be one of %v", field, arg)
	default:
		return fmt.Sprintf("Value of %q fails %s %v", field, strings.TrimPrefix(rule, "_"), arg)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type compiler struct {
	opts Options
	args []any
}

func (c *compiler) arg(v any) string {
	c.args = append(c.args, v)
	return "args[" + strconv.Itoa(len(c.args)-1) + "]"
}

// group compiles every key of node joined by joiner.
func (c *compiler) group(node map[string]any, path []string, joiner string) string {
	var parts []string
	for _, k := range sortedKeys(node) {
		v := node[k]
		switch {
		case k == "_and" || k == "_or":
			list, _ := query.AsList(v)
			var items []string
			for _, item := range list {
				m, ok := query.AsMap(item)
				if !ok {
					continue
				}
				items = append(items, c.group(m, path, "&&"))
			}
			if len(items) == 0 {
				continue
			}
			inner := "&&"
			if k == "_or" {
				inner = "||"
			}
			parts = append(parts, "("+strings.Join(items, " "+inner+" ")+")")
		case strings.HasPrefix(k, "_"):
			parts = append(parts, c.leaf(path, k, v))
		default:
			sub, ok := query.AsMap(v)
			if !ok {
				sub = map[string]any{"_eq": v}
			}
			parts = append(parts, c.group(sub, append(append([]string(nil), path...), k), "&&"))
		}
	}
	if len(parts) == 0 {
		return "true"
	}
	return "(" + strings.Join(parts, " "+joiner+" ") + ")"
}

func (c *compiler) leaf(path []string, op string, v any) string {
	target := "record"
	for _, p := range path {
		target += ", " + strconv.Quote(p)
	}
	call := fmt.Sprintf("op(%q, field(%s), %s)", op, target, c.arg(v))
	if c.opts.Partial && len(path) > 0 {
		return fmt.Sprintf("(!present(%s) || %s)", target, call)
	}
	return call
}
