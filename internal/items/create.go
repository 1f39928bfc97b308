package items

import (
	"context"
	"maps"

	"cms-engine/internal/hooks"
	"cms-engine/internal/instrument"
	"cms-engine/internal/permissions"
)

// CreateOne stores data and its nested relational writes in one transaction
// and returns the new primary key.
func (s *Service) CreateOne(ctx context.Context, data map[string]any, opts MutationOptions) (any, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "items", s.collection, "items.create")
	defer span.End()

	var key any
	err := s.transaction(ctx, func(tx *Service) error {
		var err error
		key, err = tx.createOne(ctx, data, opts)
		return err
	})
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	s.purgeCache(ctx, opts)
	span.SetEntity(s.collection, keyString(key))
	span.SetStatus("ok")
	return key, nil
}

func (s *Service) createOne(ctx context.Context, data map[string]any, opts MutationOptions) (any, error) {
	c, err := s.coll()
	if err != nil {
		return nil, err
	}

	// uniqueness applies to the caller's payload, before hooks rewrite it
	if err := s.checkUnique(ctx, c, data, nil); err != nil {
		return nil, err
	}
	payload, err := s.filterPayload(ctx, ActionCreate, maps.Clone(data), hooks.Meta{}, opts)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload, err = permissions.ValidatePayload(ActionCreate, s.collection, payload, s.opts.Accountability, s.opts.Schema)
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

	row, err := s.processValues(ActionCreate, c, ownColumns(c, payload, true))
	if err != nil {
		return nil, err
	}
	key, err := s.insert(ctx, c, row)
	if err != nil {
		return nil, err
	}
	payload[c.Primary] = key
	row[c.Primary] = key

	if err := s.processO2M(ctx, c, payload, key, nestedOpts); err != nil {
		return nil, err
	}

	if s.tracks(c) {
		activity, err := s.logActivity(ctx, ActionCreate, []any{key})
		if err != nil {
			return nil, err
		}
		if c.TracksRevisions() {
			delta := prepareDelta(c, row)
			revs := []revision{{activity: activity[0], key: key, data: delta, delta: delta}}
			if err := s.saveRevisions(ctx, revs, children.ids, opts); err != nil {
				return nil, err
			}
		}
	}

	if !opts.SkipEvents {
		s.emitAction(ctx, ActionCreate, hooks.Meta{Key: key, Payload: payload})
	}
	return key, nil
}

// CreateMany creates every item in order inside one shared transaction. The
// data cache is purged once at the end.
func (s *Service) CreateMany(ctx context.Context, data []map[string]any, opts MutationOptions) ([]any, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "items", s.collection, "items.create_many")
	defer span.End()

	keys := make([]any, 0, len(data))
	err := s.transaction(ctx, func(tx *Service) error {
		for _, item := range data {
			key, err := tx.createOne(ctx, item, opts)
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	s.purgeCache(ctx, opts)
	span.SetMetadata("count", len(keys))
	span.SetStatus("ok")
	return keys, nil
}
