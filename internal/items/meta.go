package items

import (
	"context"
	"slices"
	"sync"

	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"

	"cms-engine/internal/query"
)

// MetaService answers the meta part of a read: item counts next to the rows.
type MetaService struct {
	opts Options
}

func NewMetaService(opts Options) *MetaService {
	return &MetaService{opts: opts}
}

// GetMetaForQuery returns the values q.Meta asks for. total_count counts
// every item the caller may read; filter_count applies the filter and
// search of q as well. "*" asks for both.
func (m *MetaService) GetMetaForQuery(ctx context.Context, collection string, q *query.Query) (map[string]any, error) {
	if q == nil || len(q.Meta) == 0 {
		return nil, nil
	}
	want := func(name string) bool {
		return slices.Contains(q.Meta, name) || slices.Contains(q.Meta, "*")
	}

	var mu sync.Mutex
	out := map[string]any{}
	g, gctx := errgroup.WithContext(ctx)
	if want("total_count") {
		g.Go(func() error {
			n, err := m.count(gctx, collection, &query.Query{ShowSoftDelete: q.ShowSoftDelete})
			if err != nil {
				return err
			}
			mu.Lock()
			out["total_count"] = n
			mu.Unlock()
			return nil
		})
	}
	if want("filter_count") {
		g.Go(func() error {
			n, err := m.count(gctx, collection, &query.Query{
				Filter:         query.CloneFilter(q.Filter),
				Search:         q.Search,
				ShowSoftDelete: q.ShowSoftDelete,
			})
			if err != nil {
				return err
			}
			mu.Lock()
			out["filter_count"] = n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MetaService) count(ctx context.Context, collection string, q *query.Query) (int64, error) {
	q.Aggregate = map[string][]string{"count": {"*"}}
	rows, err := New(collection, m.opts).ReadByQuery(ctx, q, ReadOptions{SkipEvents: true})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return cast.ToInt64(rows[0]["count"]), nil
}
