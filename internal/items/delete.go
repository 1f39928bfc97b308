package items

import (
	"context"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"

	"cms-engine/internal/apperror"
	"cms-engine/internal/hooks"
	"cms-engine/internal/instrument"
	"cms-engine/internal/query"
	"cms-engine/internal/schema"
	"cms-engine/internal/store"
)

// DeleteOne deletes the item with key and returns the key.
func (s *Service) DeleteOne(ctx context.Context, key any, opts MutationOptions) (any, error) {
	keys, err := s.DeleteMany(ctx, []any{key}, opts)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, apperror.Forbidden()
	}
	return keys[0], nil
}

// DeleteByQuery deletes every item matching q.
func (s *Service) DeleteByQuery(ctx context.Context, q *query.Query, opts MutationOptions) ([]any, error) {
	keys, err := s.GetKeysByQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []any{}, nil
	}
	return s.DeleteMany(ctx, keys, opts)
}

// DeleteMany deletes keys in one transaction. Collections with soft delete
// only get their deleted-at field set unless opts.ForceDelete is given.
func (s *Service) DeleteMany(ctx context.Context, keys []any, opts MutationOptions) ([]any, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "items", s.collection, "items.delete")
	defer span.End()

	var out []any
	err := s.transaction(ctx, func(tx *Service) error {
		var err error
		out, err = tx.deleteMany(ctx, keys, opts)
		return err
	})
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	s.purgeCache(ctx, opts)
	span.SetMetadata("count", len(out))
	span.SetStatus("ok")
	return out, nil
}

func (s *Service) deleteMany(ctx context.Context, keys []any, opts MutationOptions) ([]any, error) {
	c, err := s.coll()
	if err != nil {
		return nil, err
	}
	keys, err = normalizeKeys(c, keys)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return keys, nil
	}
	if err := s.checkAccess(ctx, ActionDelete, keys, opts.ForceDelete); err != nil {
		return nil, err
	}

	if !opts.SkipEvents {
		out, err := s.emitFilter(ctx, ActionDelete, keys, hooks.Meta{Keys: keys})
		if err != nil {
			return nil, err
		}
		if list, ok := out.([]any); ok {
			if keys, err = normalizeKeys(c, list); err != nil {
				return nil, err
			}
		}
	}

	if err := s.cascade(ctx, c, keys, opts); err != nil {
		return nil, err
	}

	action := ActionDelete
	affected := keys
	if c.IsSoftDelete && c.DeletedAtField() != "" && !opts.ForceDelete {
		action = ActionSoftDelete
		if affected, err = s.softDelete(ctx, c, keys); err != nil {
			return nil, err
		}
	} else if err := s.remove(ctx, c, keys); err != nil {
		return nil, err
	}

	if s.tracks(c) && len(affected) > 0 {
		if _, err := s.logActivity(ctx, action, affected); err != nil {
			return nil, err
		}
	}
	if !opts.SkipEvents {
		s.emitAction(ctx, ActionDelete, hooks.Meta{Keys: keys})
	}
	return keys, nil
}

// cascade deletes the o2m children of keys for the relations named in
// opts.Deleteds, by alias field or child collection.
func (s *Service) cascade(ctx context.Context, c *schema.Collection, keys []any, opts MutationOptions) error {
	if len(opts.Deleteds) == 0 {
		return nil
	}
	for _, alias := range c.Aliases() {
		rel := s.opts.Schema.O2M(c.Collection, alias)
		if rel == nil {
			continue
		}
		if !slices.Contains(opts.Deleteds, alias) && !slices.Contains(opts.Deleteds, rel.Collection) {
			continue
		}
		svc := s.service(rel.Collection)
		// a purge also takes children that are already soft deleted
		children, err := svc.GetKeysByQuery(ctx, &query.Query{
			Filter:         query.Filter{rel.Field: map[string]any{"_in": keys}},
			ShowSoftDelete: opts.ForceDelete,
		})
		if err != nil {
			return err
		}
		if len(children) == 0 {
			continue
		}
		if _, err := svc.DeleteMany(ctx, children, MutationOptions{
			SkipCachePurge: true,
			ForceDelete:    opts.ForceDelete,
			Deleteds:       opts.Deleteds,
		}); err != nil {
			return fmt.Errorf("cascade to %s: %w", rel.Collection, err)
		}
	}
	return nil
}

// softDelete stamps the live rows among keys as deleted and returns the keys
// it stamped.
func (s *Service) softDelete(ctx context.Context, c *schema.Collection, keys []any) ([]any, error) {
	live := s.live(c)
	affected, err := s.selectKeys(ctx, c, keys, live)
	if err != nil || len(affected) == 0 {
		return affected, err
	}
	row := map[string]any{
		c.DeletedAtField(): store.TimeParam(s.dialect, dateType(c.Fields[c.DeletedAtField()]), time.Now()),
	}
	if by := c.DeletedByField(); by != "" {
		row[by] = s.opts.Accountability.UserID()
	}
	if _, err := s.update(ctx, c, affected, row, live); err != nil {
		return nil, err
	}
	return affected, nil
}

// Restore brings soft deleted items back. Keys that are not deleted are left
// alone, so restoring twice is harmless. The given keys are returned.
func (s *Service) Restore(ctx context.Context, keys []any, opts MutationOptions) ([]any, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "items", s.collection, "items.restore")
	defer span.End()

	c, err := s.coll()
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	if !c.IsSoftDelete || c.DeletedAtField() == "" {
		span.SetStatus("error")
		return nil, apperror.InvalidPayload("Soft delete is not enabled for this collection")
	}

	var out []any
	err = s.transaction(ctx, func(tx *Service) error {
		var err error
		out, err = tx.restore(ctx, c, keys, opts)
		return err
	})
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	s.purgeCache(ctx, opts)
	span.SetStatus("ok")
	return out, nil
}

func (s *Service) restore(ctx context.Context, c *schema.Collection, keys []any, opts MutationOptions) ([]any, error) {
	keys, err := normalizeKeys(c, keys)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return keys, nil
	}
	if err := s.checkAccess(ctx, ActionUpdate, keys, true); err != nil {
		return nil, err
	}
	if !opts.SkipEvents {
		out, err := s.emitFilter(ctx, ActionRestore, keys, hooks.Meta{Keys: keys})
		if err != nil {
			return nil, err
		}
		if list, ok := out.([]any); ok {
			if keys, err = normalizeKeys(c, list); err != nil {
				return nil, err
			}
		}
	}

	deleted, err := s.selectKeys(ctx, c, keys, sq.NotEq{s.quote(c.DeletedAtField()): nil})
	if err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		return keys, nil
	}
	if err := s.checkRestorable(ctx, c, deleted); err != nil {
		return nil, err
	}

	row := map[string]any{c.DeletedAtField(): nil}
	if by := c.DeletedByField(); by != "" {
		row[by] = nil
	}
	if _, err := s.update(ctx, c, deleted, row); err != nil {
		return nil, err
	}

	if s.tracks(c) {
		if _, err := s.logActivity(ctx, ActionRestore, deleted); err != nil {
			return nil, err
		}
	}
	if !opts.SkipEvents {
		s.emitAction(ctx, ActionRestore, hooks.Meta{Keys: deleted})
	}
	return keys, nil
}
