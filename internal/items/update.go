package items

import (
	"context"
	"maps"

	"cms-engine/internal/hooks"
	"cms-engine/internal/instrument"
	"cms-engine/internal/permissions"
	"cms-engine/internal/query"
	"cms-engine/internal/schema"
)

// UpdateOne applies data to the item with key and returns the key.
func (s *Service) UpdateOne(ctx context.Context, key any, data map[string]any, opts MutationOptions) (any, error) {
	keys, err := s.UpdateMany(ctx, []any{key}, data, opts)
	if err != nil {
		return nil, err
	}
	return keys[0], nil
}

// UpdateByQuery applies data to every item matching q.
func (s *Service) UpdateByQuery(ctx context.Context, q *query.Query, data map[string]any, opts MutationOptions) ([]any, error) {
	keys, err := s.GetKeysByQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []any{}, nil
	}
	return s.UpdateMany(ctx, keys, data, opts)
}

// UpdateMany applies the same data to every key in one transaction. The
// returned keys are sorted and deduplicated.
func (s *Service) UpdateMany(ctx context.Context, keys []any, data map[string]any, opts MutationOptions) ([]any, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "items", s.collection, "items.update")
	defer span.End()

	var out []any
	err := s.transaction(ctx, func(tx *Service) error {
		var err error
		out, err = tx.updateMany(ctx, keys, data, opts)
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

func (s *Service) updateMany(ctx context.Context, keys []any, data map[string]any, opts MutationOptions) ([]any, error) {
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

	if err := s.checkUnique(ctx, c, data, keys); err != nil {
		return nil, err
	}
	payload, err := s.filterPayload(ctx, ActionUpdate, maps.Clone(data), hooks.Meta{Keys: keys}, opts)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if err := s.checkAccess(ctx, ActionUpdate, keys, false); err != nil {
		return nil, err
	}
	payload, err = permissions.ValidatePayload(ActionUpdate, s.collection, payload, s.opts.Accountability, s.opts.Schema)
	if err != nil {
		return nil, err
	}
	children := &collector{}
	nestedOpts := MutationOptions{OnRevisionCreate: children.add}
	if err := s.processM2O(ctx, c, payload, nestedOpts); err != nil {
		return nil, err
	}
	if err := s.processA2O(ctx, c, payload, nestedOpts); err != nil {
		return nil, err
	}

	row, err := s.processValues(ActionUpdate, c, ownColumns(c, payload, false))
	if err != nil {
		return nil, err
	}
	if _, err := s.update(ctx, c, keys, row); err != nil {
		return nil, err
	}

	for _, key := range keys {
		if err := s.processO2M(ctx, c, payload, key, nestedOpts); err != nil {
			return nil, err
		}
	}

	if s.tracks(c) {
		activity, err := s.logActivity(ctx, ActionUpdate, keys)
		if err != nil {
			return nil, err
		}
		if c.TracksRevisions() {
			if err := s.reviseUpdated(ctx, c, keys, activity, row, children.ids, opts); err != nil {
				return nil, err
			}
		}
	}

	if !opts.SkipEvents {
		s.emitAction(ctx, ActionUpdate, hooks.Meta{Keys: keys, Payload: payload})
	}
	return keys, nil
}

// reviseUpdated stores one revision per key holding the row as it is now and
// the written columns as delta.
func (s *Service) reviseUpdated(ctx context.Context, c *schema.Collection, keys, activity []any, row map[string]any, children []any, opts MutationOptions) error {
	delta := prepareDelta(c, row)
	if delta == nil {
		return nil
	}
	snapshots, err := s.internal(s.collection).ReadMany(ctx, keys, &query.Query{
		Fields:         []string{"*"},
		ShowSoftDelete: true,
	}, ReadOptions{SkipEvents: true})
	if err != nil {
		return err
	}
	byKey := make(map[string]map[string]any, len(snapshots))
	for _, snap := range snapshots {
		byKey[keyString(snap[c.Primary])] = snap
	}

	revs := make([]revision, 0, len(keys))
	for i, key := range keys {
		revs = append(revs, revision{
			activity: activity[i],
			key:      key,
			data:     prepareDelta(c, byKey[keyString(key)]),
			delta:    delta,
		})
	}
	return s.saveRevisions(ctx, revs, children, opts)
}

// UpsertOne updates the item when data carries the key of a stored row and
// creates it otherwise.
func (s *Service) UpsertOne(ctx context.Context, data map[string]any, opts MutationOptions) (any, error) {
	var key any
	err := s.transaction(ctx, func(tx *Service) error {
		var err error
		key, err = tx.upsertOne(ctx, data, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.purgeCache(ctx, opts)
	return key, nil
}

func (s *Service) upsertOne(ctx context.Context, data map[string]any, opts MutationOptions) (any, error) {
	c, err := s.coll()
	if err != nil {
		return nil, err
	}
	if pk, ok := data[c.Primary]; ok && pk != nil {
		key, err := normalizeKey(c, pk)
		if err != nil {
			return nil, err
		}
		found, err := s.exists(ctx, c, key)
		if err != nil {
			return nil, err
		}
		if found {
			keys, err := s.updateMany(ctx, []any{key}, data, opts)
			if err != nil {
				return nil, err
			}
			return keys[0], nil
		}
	}
	return s.createOne(ctx, data, opts)
}

// UpsertMany upserts every item in one transaction.
func (s *Service) UpsertMany(ctx context.Context, data []map[string]any, opts MutationOptions) ([]any, error) {
	keys := make([]any, 0, len(data))
	err := s.transaction(ctx, func(tx *Service) error {
		for _, item := range data {
			key, err := tx.upsertOne(ctx, item, opts)
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.purgeCache(ctx, opts)
	return keys, nil
}

// UpsertSingleton writes data to the only row of a singleton collection,
// creating it on first use.
func (s *Service) UpsertSingleton(ctx context.Context, data map[string]any, opts MutationOptions) (any, error) {
	var key any
	err := s.transaction(ctx, func(tx *Service) error {
		c, err := tx.coll()
		if err != nil {
			return err
		}
		existing, err := tx.firstKey(ctx, c)
		if err != nil {
			return err
		}
		if existing == nil {
			key, err = tx.createOne(ctx, data, opts)
			return err
		}
		keys, err := tx.updateMany(ctx, []any{existing}, data, opts)
		if err != nil {
			return err
		}
		key = keys[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.purgeCache(ctx, opts)
	return key, nil
}
