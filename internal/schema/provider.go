package schema

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"cms-engine/internal/cache"
	"cms-engine/internal/store"
)

// CacheKey is the system cache entry holding the encoded overview.
const CacheKey = "schema"

// Provider hands out overview snapshots, reading through the system cache.
// Cache failures are logged and the overview is rebuilt instead.
type Provider struct {
	builder *Builder
	db      store.Querier
	cache   cache.Store
	log     *zap.SugaredLogger
}

// NewProvider returns a provider. A nil cache disables caching.
func NewProvider(builder *Builder, db store.Querier, c cache.Store, log *zap.SugaredLogger) *Provider {
	if c == nil {
		c = cache.Noop{}
	}
	return &Provider{builder: builder, db: db, cache: c, log: log}
}

// Get returns the current overview.
func (p *Provider) Get(ctx context.Context) (*Overview, error) {
	raw, ok, err := p.cache.Get(ctx, CacheKey)
	if err != nil {
		p.log.Warnw("couldn't read schema from cache", "error", err)
	}
	if ok {
		ov, err := decode(raw)
		if err == nil {
			return ov, nil
		}
		p.log.Warnw("couldn't decode cached schema", "error", err)
	}

	ov, err := p.builder.Build(ctx, p.db)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(ov); err != nil {
		p.log.Warnw("couldn't encode schema", "error", err)
	} else if err := p.cache.Set(ctx, CacheKey, raw); err != nil {
		p.log.Warnw("couldn't write schema to cache", "error", err)
	}
	return ov, nil
}

// Invalidate drops the cached overview. Called after metadata mutations.
func (p *Provider) Invalidate(ctx context.Context) {
	if err := p.cache.Clear(ctx); err != nil {
		p.log.Warnw("couldn't clear schema cache", "error", err)
	}
}

func decode(raw []byte) (*Overview, error) {
	var ov Overview
	if err := json.Unmarshal(raw, &ov); err != nil {
		return nil, err
	}
	for _, c := range ov.Collections {
		for _, f := range c.Fields {
			// JSON numbers decode as float64
			f.DefaultValue = defaultValue(f.Type, f.DefaultValue)
		}
	}
	ov.Index()
	return &ov, nil
}
