// Package engine is the composition root. It opens the database, applies the
// system migrations and wires the caches, the schema provider, the hook bus
// and the permission loader into one Engine that hands out services bound to
// a caller's accountability.
package engine

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"cms-engine/internal/apperror"
	"cms-engine/internal/cache"
	"cms-engine/internal/config"
	"cms-engine/internal/hooks"
	"cms-engine/internal/items"
	"cms-engine/internal/logger"
	"cms-engine/internal/metadata"
	"cms-engine/internal/permissions"
	"cms-engine/internal/schema"
	"cms-engine/internal/store"
)

// migrationsTable is goose's bookkeeping table; it never shows up as a
// collection.
const migrationsTable = "goose_db_version"

type Engine struct {
	Store  *store.Store
	Hooks  *hooks.Bus
	Config *config.Config

	log         *zap.SugaredLogger
	schema      *schema.Provider
	schemaCache cache.Store
	data        cache.Store
	perms       *permissions.Loader
	ownsStore   bool
}

// New connects to the configured database, migrates the system tables and
// returns a ready engine. An unreachable cache backend fails with
// SERVICE_UNAVAILABLE. Close releases everything it opened.
func New(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*Engine, error) {
	s, err := store.New(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := s.RunMigrations(); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate system tables: %w", err)
	}
	e, err := Open(s, cfg, log)
	if err != nil {
		s.Close()
		return nil, err
	}
	e.ownsStore = true
	if _, _, err := e.data.Get(ctx, "ping"); err != nil {
		e.Close()
		return nil, apperror.ServiceUnavailable("cache", err.Error())
	}
	return e, nil
}

// Open builds an engine on a store that is already migrated. The store stays
// owned by the caller.
func Open(s *store.Store, cfg *config.Config, log *zap.SugaredLogger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.Nop()
	}

	data, err := cache.New(cfg.Cache, "data")
	if err != nil {
		return nil, fmt.Errorf("data cache: %w", err)
	}
	var schemaCache cache.Store = cache.Noop{}
	if cfg.Cache.SchemaCache {
		if schemaCache, err = cache.New(cfg.Cache, "schema"); err != nil {
			data.Close()
			return nil, fmt.Errorf("schema cache: %w", err)
		}
	}

	exclude := cfg.Database.ExcludeTables
	if !slices.Contains(exclude, migrationsTable) {
		exclude = append(slices.Clone(exclude), migrationsTable)
	}
	builder := schema.NewBuilder(s.Dialect, log.Named("schema"), exclude)

	return &Engine{
		Store:       s,
		Hooks:       hooks.New(log.Named("hooks")),
		Config:      cfg,
		log:         log,
		schema:      schema.NewProvider(builder, s.DB, schemaCache, log.Named("schema")),
		schemaCache: schemaCache,
		data:        data,
		perms:       permissions.NewLoader(s.Dialect),
	}, nil
}

// Schema returns the current schema overview.
func (e *Engine) Schema(ctx context.Context) (*schema.Overview, error) {
	return e.schema.Get(ctx)
}

// InvalidateSchema drops the cached overview and the data cache. Call it
// after changing tables outside the metadata services.
func (e *Engine) InvalidateSchema(ctx context.Context) {
	e.schema.Invalidate(ctx)
	if err := e.data.Clear(ctx); err != nil {
		e.log.Warnw("clear data cache", "error", err)
	}
}

// Accountability returns the accountability of a user with role, with the
// role's permissions loaded. An empty role is the public role.
func (e *Engine) Accountability(ctx context.Context, user, role string, admin bool) (*permissions.Accountability, error) {
	acc := &permissions.Accountability{User: user, Role: role, Admin: admin}
	if err := e.perms.Load(ctx, e.Store.DB, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// Items returns the items service of collection for acc. A nil acc is an
// internal caller with full access.
func (e *Engine) Items(ctx context.Context, collection string, acc *permissions.Accountability) (*items.Service, error) {
	opts, err := e.itemsOptions(ctx, acc)
	if err != nil {
		return nil, err
	}
	if opts.Schema.Collection(collection) == nil {
		return nil, apperror.Forbidden()
	}
	return items.New(collection, opts), nil
}

// Meta returns the service computing total and filter counts for acc.
func (e *Engine) Meta(ctx context.Context, acc *permissions.Accountability) (*items.MetaService, error) {
	opts, err := e.itemsOptions(ctx, acc)
	if err != nil {
		return nil, err
	}
	return items.NewMetaService(opts), nil
}

func (e *Engine) itemsOptions(ctx context.Context, acc *permissions.Accountability) (items.Options, error) {
	ov, err := e.schema.Get(ctx)
	if err != nil {
		return items.Options{}, fmt.Errorf("load schema: %w", err)
	}
	return items.Options{
		Schema:         ov,
		Accountability: acc,
		Store:          e.Store,
		Hooks:          e.Hooks,
		Cache:          e.data,
		Logger:         e.log,
		Config:         e.Config,
	}, nil
}

func (e *Engine) metadataOptions(acc *permissions.Accountability) metadata.Options {
	return metadata.Options{
		Store:          e.Store,
		Provider:       e.schema,
		Accountability: acc,
		Hooks:          e.Hooks,
		Cache:          e.data,
		Logger:         e.log,
		Config:         e.Config,
	}
}

func (e *Engine) Collections(acc *permissions.Accountability) *metadata.CollectionsService {
	return metadata.NewCollectionsService(e.metadataOptions(acc))
}

func (e *Engine) Fields(acc *permissions.Accountability) *metadata.FieldsService {
	return metadata.NewFieldsService(e.metadataOptions(acc))
}

func (e *Engine) Relations(acc *permissions.Accountability) *metadata.RelationsService {
	return metadata.NewRelationsService(e.metadataOptions(acc))
}

// Close releases the caches and, when New opened it, the database.
func (e *Engine) Close() error {
	var firstErr error
	for _, c := range []cache.Store{e.data, e.schemaCache} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.ownsStore {
		e.Store.Close()
	}
	return firstErr
}
