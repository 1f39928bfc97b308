package items

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"cms-engine/internal/apperror"
	"cms-engine/internal/ast"
	"cms-engine/internal/hooks"
	"cms-engine/internal/instrument"
	"cms-engine/internal/permissions"
	"cms-engine/internal/query"
	"cms-engine/internal/runner"
	"cms-engine/internal/schema"
	"cms-engine/internal/store"
)

// ReadOptions tune a read.
type ReadOptions struct {
	// PermissionsAction reads with the permissions of another action, to
	// check whether items may be updated or deleted.
	PermissionsAction string
	// KeepNonRequested keeps keys read only to stitch relations.
	KeepNonRequested bool
	Transformers     map[string]runner.Transformer
	SkipEvents       bool
}

// ReadByQuery runs q against the collection with the caller's permissions
// applied. It fails with Forbidden when the caller may not read anything.
func (s *Service) ReadByQuery(ctx context.Context, q *query.Query, opts ReadOptions) ([]map[string]any, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "items", s.collection, "items.read")
	defer span.End()

	rows, err := s.readByQuery(ctx, q, opts)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	span.SetMetadata("count", len(rows))
	span.SetStatus("ok")
	return rows, nil
}

func (s *Service) readByQuery(ctx context.Context, q *query.Query, opts ReadOptions) ([]map[string]any, error) {
	if _, err := s.coll(); err != nil {
		return nil, err
	}
	if q == nil {
		q = &query.Query{}
	}
	original := q
	q = q.Clone()
	if q.Limit == nil {
		q.Limit = query.Int(s.cfg.Query.DefaultLimit)
	}
	q.Filter = query.ParseDynamicVariables(q.Filter, s.opts.Accountability.Vars())

	root, err := ast.Build(s.collection, q, s.opts.Schema, ast.Options{
		MaxRelationalLimit: s.cfg.Query.MaxRelationalLimit,
		ExcludeSoftDeleted: !q.ShowSoftDelete,
	})
	if err != nil {
		return nil, err
	}
	action := opts.PermissionsAction
	if action == "" {
		action = "read"
	}
	root, err = permissions.ProcessAST(root, s.opts.Accountability, action, s.opts.Schema)
	if err != nil {
		return nil, err
	}

	rows, err := s.run(ctx, q, root, action, opts)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, apperror.Forbidden()
	}
	if opts.SkipEvents {
		return rows, nil
	}

	out, err := s.emitFilter(ctx, "read", rows, hooks.Meta{Query: original})
	if err != nil {
		return nil, err
	}
	rows, err = asRows(out)
	if err != nil {
		return nil, err
	}
	s.emitAction(ctx, "read", hooks.Meta{Query: original, Result: rows})
	return rows, nil
}

// run executes root, going through the data cache for reads outside a
// transaction.
func (s *Service) run(ctx context.Context, q *query.Query, root *ast.Node, action string, opts ReadOptions) ([]map[string]any, error) {
	runOpts := runner.Options{
		KeepNonRequested: opts.KeepNonRequested,
		Transformers:     opts.Transformers,
		BatchSize:        s.cfg.Query.MaxBatchSize,
	}
	cacheable := s.opts.Tx == nil && s.cfg.Cache.Enabled && len(opts.Transformers) == 0
	if !cacheable {
		return runner.Run(ctx, s.db(), s.dialect, root, s.opts.Schema, runOpts)
	}

	key, err := s.cacheKey(q, action, opts)
	if err != nil {
		return nil, err
	}
	if raw, ok, err := s.opts.Cache.Get(ctx, key); err != nil {
		s.log.Warnw("read data cache", "error", err)
	} else if ok {
		if rows, err := decodeRows(raw); err == nil {
			restoreFloats(s.opts.Schema.Collection(s.collection), rows)
			return rows, nil
		}
	}

	rows, err := runner.Run(ctx, s.db(), s.dialect, root, s.opts.Schema, runOpts)
	if err != nil || rows == nil {
		return rows, err
	}
	if raw, err := json.Marshal(rows); err == nil {
		if err := s.opts.Cache.Set(ctx, key, raw); err != nil {
			s.log.Warnw("write data cache", "error", err)
		}
	}
	return rows, nil
}

func (s *Service) cacheKey(q *query.Query, action string, opts ReadOptions) (string, error) {
	var who any
	if acc := s.opts.Accountability; acc != nil {
		who = []any{acc.User, acc.Role, acc.Admin}
	}
	raw, err := json.Marshal([]any{s.collection, action, who, opts.KeepNonRequested, q})
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	return string(raw), nil
}

// decodeRows reads cached rows back, turning integral numbers into int64
// like the runner returns them.
func decodeRows(raw []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		for k, v := range row {
			row[k] = fromJSON(v)
		}
	}
	return rows, nil
}

func fromJSON(v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, item := range val {
			val[k] = fromJSON(item)
		}
	case []any:
		for i, item := range val {
			val[i] = fromJSON(item)
		}
	}
	return v
}

// restoreFloats turns integral numbers of float columns back into float64
// after a JSON round trip.
func restoreFloats(c *schema.Collection, rows []map[string]any) {
	for _, row := range rows {
		for name, v := range row {
			n, ok := v.(int64)
			if !ok {
				continue
			}
			if f := c.Field(name); f != nil && (f.Type == store.TypeFloat || f.Type == store.TypeDecimal) {
				row[name] = float64(n)
			}
		}
	}
}

func asRows(v any) ([]map[string]any, error) {
	switch val := v.(type) {
	case []map[string]any:
		return val, nil
	case nil:
		return []map[string]any{}, nil
	case []any:
		rows := make([]map[string]any, 0, len(val))
		for _, item := range val {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("read filter returned %T item", item)
			}
			rows = append(rows, m)
		}
		return rows, nil
	}
	return nil, fmt.Errorf("read filter returned %T", v)
}

// ReadOne returns the item with key. A missing or hidden item is Forbidden.
func (s *Service) ReadOne(ctx context.Context, key any, q *query.Query, opts ReadOptions) (map[string]any, error) {
	c, err := s.coll()
	if err != nil {
		return nil, err
	}
	key, err = normalizeKey(c, key)
	if err != nil {
		return nil, err
	}
	q = withFilter(q, query.Filter{c.Primary: map[string]any{"_eq": key}})
	if q.Limit == nil {
		q.Limit = query.Int(1)
	}
	rows, err := s.ReadByQuery(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperror.Forbidden()
	}
	return rows[0], nil
}

// ReadMany returns the items with keys. The limit defaults to the number of
// keys.
func (s *Service) ReadMany(ctx context.Context, keys []any, q *query.Query, opts ReadOptions) ([]map[string]any, error) {
	c, err := s.coll()
	if err != nil {
		return nil, err
	}
	keys, err = normalizeKeys(c, keys)
	if err != nil {
		return nil, err
	}
	q = withFilter(q, query.Filter{c.Primary: map[string]any{"_in": keys}})
	if q.Limit == nil && len(keys) > 0 {
		q.Limit = query.Int(len(keys))
	}
	return s.ReadByQuery(ctx, q, opts)
}

// GetKeysByQuery returns the keys of every item matching q, without
// permission checks. Mutations check access on the keys themselves.
func (s *Service) GetKeysByQuery(ctx context.Context, q *query.Query) ([]any, error) {
	c, err := s.coll()
	if err != nil {
		return nil, err
	}
	read := &query.Query{}
	if q != nil {
		read = q.Clone()
	}
	read.Fields = []string{c.Primary}
	read.Aggregate = nil
	read.Group = nil
	if read.Limit == nil {
		read.Limit = query.Int(-1)
	}

	rows, err := s.internal(s.collection).readByQuery(ctx, read, ReadOptions{SkipEvents: true})
	if err != nil {
		return nil, err
	}
	keys := make([]any, 0, len(rows))
	for _, row := range rows {
		if k := row[c.Primary]; k != nil {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// ReadSingleton reads the collection as a single item. When no row exists
// the field defaults are returned.
func (s *Service) ReadSingleton(ctx context.Context, q *query.Query, opts ReadOptions) (map[string]any, error) {
	c, err := s.coll()
	if err != nil {
		return nil, err
	}
	if q == nil {
		q = &query.Query{}
	}
	q = q.Clone()
	q.Limit = query.Int(1)

	rows, err := s.ReadByQuery(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return rows[0], nil
	}

	wanted := map[string]bool{}
	all := len(q.Fields) == 0
	for _, f := range q.Fields {
		if f == "*" {
			all = true
		}
		wanted[f] = true
	}
	defaults := map[string]any{}
	for _, name := range c.ScalarFields() {
		if !all && !wanted[name] {
			continue
		}
		if name == c.Primary {
			defaults[name] = nil
			continue
		}
		if v := c.Fields[name].DefaultValue; v != nil {
			defaults[name] = v
		}
	}
	return defaults, nil
}

// checkAccess fails with Forbidden unless the caller may apply action to
// every key. Only the permission filter matters here, so the keys are
// counted rather than read.
func (s *Service) checkAccess(ctx context.Context, action string, keys []any, showSoftDelete bool) error {
	if s.opts.Accountability.IsAdmin() || len(keys) == 0 {
		return nil
	}
	c, err := s.coll()
	if err != nil {
		return err
	}
	rows, err := s.readByQuery(ctx, &query.Query{
		Aggregate:      map[string][]string{"count": {"*"}},
		Filter:         query.Filter{c.Primary: map[string]any{"_in": keys}},
		Limit:          query.Int(-1),
		ShowSoftDelete: showSoftDelete,
	}, ReadOptions{PermissionsAction: action, SkipEvents: true})
	if err != nil {
		return err
	}
	if len(rows) == 0 || count(rows[0]["count"]) != int64(len(keys)) {
		return apperror.Forbidden()
	}
	return nil
}

// withFilter returns a copy of q with extra conjoined onto its filter.
func withFilter(q *query.Query, extra query.Filter) *query.Query {
	if q == nil {
		q = &query.Query{}
	}
	q = q.Clone()
	q.Filter = query.And(extra, q.Filter)
	return q
}
