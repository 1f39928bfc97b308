package items

import (
	"context"

	"cms-engine/internal/instrument"
	"cms-engine/internal/schema"
)

const (
	activityCollection  = "directus_activity"
	revisionsCollection = "directus_revisions"
)

// tracks reports whether writes to c leave activity rows. Internal calls
// without an accountability are never tracked.
func (s *Service) tracks(c *schema.Collection) bool {
	return s.opts.Accountability != nil && c.Tracks()
}

// logActivity stores one activity row per key and returns their ids in key
// order. Each row is also recorded as an event on the current span.
func (s *Service) logActivity(ctx context.Context, action string, keys []any) ([]any, error) {
	acc := s.opts.Accountability
	svc := s.internal(activityCollection)
	inst := instrument.GetInstrumenter(ctx)
	ids := make([]any, 0, len(keys))
	for _, key := range keys {
		row := map[string]any{
			"action":     action,
			"user":       acc.UserID(),
			"collection": s.collection,
			"item":       keyString(key),
		}
		if acc.IP != "" {
			row["ip"] = acc.IP
		}
		if acc.UserAgent != "" {
			row["user_agent"] = acc.UserAgent
		}
		id, err := svc.CreateOne(ctx, row, MutationOptions{SkipEvents: true, SkipCachePurge: true})
		if err != nil {
			return nil, err
		}
		inst.EmitBusinessEvent(ctx, "activity."+action, s.collection, keyString(key), map[string]any{
			"activity": id,
			"user":     acc.User,
		})
		ids = append(ids, id)
	}
	return ids, nil
}

type revision struct {
	activity any
	key      any
	data     map[string]any
	delta    map[string]any
}

// saveRevisions stores revs and parents the children to the first of them.
// Every new revision id is reported to opts.OnRevisionCreate.
func (s *Service) saveRevisions(ctx context.Context, revs []revision, children []any, opts MutationOptions) error {
	svc := s.internal(revisionsCollection)
	internalOpts := MutationOptions{SkipEvents: true, SkipCachePurge: true}

	for i, rev := range revs {
		id, err := svc.CreateOne(ctx, map[string]any{
			"activity":   rev.activity,
			"collection": s.collection,
			"item":       keyString(rev.key),
			"data":       rev.data,
			"delta":      rev.delta,
		}, internalOpts)
		if err != nil {
			return err
		}
		if opts.OnRevisionCreate != nil {
			opts.OnRevisionCreate(id)
		}
		if i == 0 && len(children) > 0 {
			if _, err := svc.UpdateMany(ctx, children, map[string]any{"parent": id}, internalOpts); err != nil {
				return err
			}
		}
	}
	return nil
}

// collector gathers revision ids of nested writes and forwards them.
type collector struct {
	ids []any
}

func (col *collector) add(id any) {
	col.ids = append(col.ids, id)
}
