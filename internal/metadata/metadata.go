// Package metadata manages collections, fields and relations: the physical
// tables and columns plus their rows in the directus_* metadata tables.
// Metadata rows are written through the items service so they get the same
// events and activity tracking as any other collection.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"cms-engine/internal/apperror"
	"cms-engine/internal/cache"
	"cms-engine/internal/config"
	"cms-engine/internal/hooks"
	"cms-engine/internal/instrument"
	"cms-engine/internal/items"
	"cms-engine/internal/permissions"
	"cms-engine/internal/query"
	"cms-engine/internal/schema"
	"cms-engine/internal/store"
)

type Options struct {
	Store          *store.Store
	Provider       *schema.Provider
	Accountability *permissions.Accountability
	Hooks          *hooks.Bus
	// Cache is the data cache, cleared after every change.
	Cache  cache.Store
	Logger *zap.SugaredLogger
	Config *config.Config
}

var structs = validator.New()

type service struct {
	opts Options
	log  *zap.SugaredLogger
}

func newService(opts Options, name string) service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Cache == nil {
		opts.Cache = cache.Noop{}
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	return service{opts: opts, log: opts.Logger.With("service", name)}
}

func (s *service) requireAdmin() error {
	if !s.opts.Accountability.IsAdmin() {
		return apperror.Forbidden()
	}
	return nil
}

func (s *service) overview(ctx context.Context) (*schema.Overview, error) {
	ov, err := s.opts.Provider.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	return ov, nil
}

// readable reports whether the caller may see collection at all.
func (s *service) readable(collection string) bool {
	acc := s.opts.Accountability
	return acc.IsAdmin() || acc.Find(collection, "read") != nil
}

// txn is one metadata change: DDL and metadata rows share the transaction.
type txn struct {
	ov       *schema.Overview
	tx       store.Querier
	migrator *store.Migrator
	opts     items.Options
}

func (t *txn) items(collection string) *items.Service {
	return items.New(collection, t.opts)
}

// rows reads every metadata row of collection matching filter.
func (t *txn) rows(ctx context.Context, collection string, filter query.Filter) ([]map[string]any, error) {
	opts := t.opts
	opts.Accountability = nil
	return items.New(collection, opts).ReadByQuery(ctx, &query.Query{Filter: filter, Limit: query.Int(-1)}, items.ReadOptions{SkipEvents: true})
}

// mutate runs fn in a transaction. After the commit the schema snapshot is
// invalidated, the data cache cleared and the queued actions fired.
func (s *service) mutate(ctx context.Context, op string, fn func(t *txn) error) error {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "metadata", op, "metadata."+op)
	defer span.End()

	ov, err := s.overview(ctx)
	if err != nil {
		span.SetStatus("error")
		return err
	}
	sqlTx, err := s.opts.Store.BeginTx(ctx)
	if err != nil {
		span.SetStatus("error")
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck

	queue := s.opts.Hooks.NewQueue()
	t := &txn{
		ov:       ov,
		tx:       sqlTx,
		migrator: store.NewMigrator(sqlTx, s.opts.Store.Dialect),
		opts: items.Options{
			Schema:         ov,
			Accountability: s.opts.Accountability,
			Store:          s.opts.Store,
			Tx:             sqlTx,
			Queue:          queue,
			Hooks:          s.opts.Hooks,
			Cache:          s.opts.Cache,
			Logger:         s.opts.Logger,
			Config:         s.opts.Config,
		},
	}
	if err := fn(t); err != nil {
		queue.Discard()
		span.SetStatus("error")
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		queue.Discard()
		span.SetStatus("error")
		return fmt.Errorf("commit: %w", err)
	}

	s.opts.Provider.Invalidate(ctx)
	if err := s.opts.Cache.Clear(ctx); err != nil {
		s.log.Warnw("clear data cache", "error", err)
	}
	queue.Flush(ctx)
	span.SetStatus("ok")
	return nil
}

// checkStruct validates v against its struct tags.
func checkStruct(v any) error {
	err := structs.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.InvalidPayload(err.Error())
	}
	details := make([]apperror.Detail, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, apperror.Detail{
			Field:   strings.ToLower(fe.Field()),
			Rule:    fe.Tag(),
			Message: fmt.Sprintf("Value for %q fails the %q rule.", fe.Namespace(), fe.Tag()),
		})
	}
	return apperror.FailedValidation(details)
}

func validName(name string) error {
	if strings.ContainsAny(name, " .\"`") {
		return apperror.InvalidPayload(fmt.Sprintf("%q is not a valid name", name))
	}
	return nil
}
