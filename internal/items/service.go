// Package items is the generic read and write service every collection goes
// through. One Service serves one collection; relational writes create
// nested services bound to the same transaction so the whole tree commits or
// rolls back together.
package items

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"cms-engine/internal/apperror"
	"cms-engine/internal/cache"
	"cms-engine/internal/config"
	"cms-engine/internal/hooks"
	"cms-engine/internal/permissions"
	"cms-engine/internal/schema"
	"cms-engine/internal/store"
)

// Activity actions.
const (
	ActionCreate     = "create"
	ActionUpdate     = "update"
	ActionDelete     = "delete"
	ActionSoftDelete = "softdelete"
	ActionRestore    = "restore"
)

type Options struct {
	Schema         *schema.Overview
	Accountability *permissions.Accountability
	Store          *store.Store
	// Tx binds the service to a transaction owned by the caller. Operations
	// then run on it instead of opening their own.
	Tx store.Querier
	// Queue collects action events of the enclosing transaction. Without
	// one, a bound service fires actions as soon as the operation returns.
	Queue  *hooks.Queue
	Hooks  *hooks.Bus
	Cache  cache.Store
	Logger *zap.SugaredLogger
	Config *config.Config
}

// MutationOptions tune a single write.
type MutationOptions struct {
	SkipEvents     bool
	SkipCachePurge bool
	// ForceDelete removes rows physically even when soft delete is on.
	ForceDelete bool
	// Deleteds opts o2m relations into cascading deletes, by alias field or
	// related collection name.
	Deleteds []string
	// OnRevisionCreate receives the id of every revision the write stores.
	OnRevisionCreate func(id any)
}

type Service struct {
	collection string
	opts       Options
	dialect    store.Dialect
	log        *zap.SugaredLogger
	cfg        *config.Config
}

func New(collection string, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Cache == nil {
		opts.Cache = cache.Noop{}
	}
	return &Service{
		collection: collection,
		opts:       opts,
		dialect:    opts.Store.Dialect,
		log:        opts.Logger.With("collection", collection),
		cfg:        opts.Config,
	}
}

func (s *Service) Collection() string { return s.collection }

func (s *Service) coll() (*schema.Collection, error) {
	c := s.opts.Schema.Collection(s.collection)
	if c == nil {
		return nil, apperror.Forbidden()
	}
	return c, nil
}

func (s *Service) db() store.Querier {
	if s.opts.Tx != nil {
		return s.opts.Tx
	}
	return s.opts.Store.DB
}

// service returns a service for collection sharing this one's caller,
// transaction and action queue.
func (s *Service) service(collection string) *Service {
	return New(collection, s.opts)
}

// internal returns an unauthenticated service for collection on the same
// transaction, for reads and bookkeeping writes the caller never sees.
func (s *Service) internal(collection string) *Service {
	opts := s.opts
	opts.Accountability = nil
	return New(collection, opts)
}

// transaction runs fn on a service bound to a transaction. A service that is
// already bound reuses its transaction; otherwise one is opened, committed
// when fn succeeds and the queued actions fire after the commit.
func (s *Service) transaction(ctx context.Context, fn func(tx *Service) error) error {
	if s.opts.Tx != nil {
		return fn(s)
	}

	sqlTx, err := s.opts.Store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck

	queue := s.opts.Hooks.NewQueue()
	opts := s.opts
	opts.Tx = sqlTx
	opts.Queue = queue
	if err := fn(New(s.collection, opts)); err != nil {
		queue.Discard()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		queue.Discard()
		return fmt.Errorf("commit: %w", err)
	}
	queue.Flush(ctx)
	return nil
}

// purgeCache clears the data cache after a top level write.
func (s *Service) purgeCache(ctx context.Context, opts MutationOptions) {
	if s.opts.Tx != nil || opts.SkipCachePurge || !s.cfg.Cache.AutoPurge {
		return
	}
	if err := s.opts.Cache.Clear(ctx); err != nil {
		s.log.Warnw("clear data cache", "error", err)
	}
}

func (s *Service) meta(m hooks.Meta) hooks.Meta {
	m.Collection = s.collection
	m.Accountability = s.opts.Accountability
	return m
}

func (s *Service) emitFilter(ctx context.Context, action string, payload any, m hooks.Meta) (any, error) {
	return s.opts.Hooks.Filter(ctx, schema.EventNames(s.collection, action), payload, s.meta(m))
}

func (s *Service) emitAction(ctx context.Context, action string, m hooks.Meta) {
	events := schema.EventNames(s.collection, action)
	if s.opts.Queue != nil {
		s.opts.Queue.Add(events, s.meta(m))
		return
	}
	s.opts.Hooks.Action(ctx, events, s.meta(m))
}

// filterPayload runs the filter hooks for a write and returns the payload
// they produced.
func (s *Service) filterPayload(ctx context.Context, action string, payload map[string]any, m hooks.Meta, opts MutationOptions) (map[string]any, error) {
	if opts.SkipEvents {
		return payload, nil
	}
	m.Payload = payload
	out, err := s.emitFilter(ctx, action, payload, m)
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case map[string]any:
		return v, nil
	case nil:
		return map[string]any{}, nil
	}
	return nil, apperror.InvalidPayload(fmt.Sprintf("%s filter returned %T instead of an object", action, out))
}

// translate maps constraint failures to their AppError and wraps anything
// else with the failed operation.
func (s *Service) translate(err error, op string) error {
	mapped := apperror.TranslateDatabaseError(store.MapError(s.dialect, err), s.collection)
	if _, ok := apperror.As(mapped); ok {
		return mapped
	}
	return fmt.Errorf("%s %s: %w", op, s.collection, err)
}

// normalizeKey checks key against the primary key type and returns it in
// its canonical form. Malformed keys are Forbidden, like missing rows.
func normalizeKey(c *schema.Collection, key any) (any, error) {
	if key == nil {
		return nil, apperror.Forbidden()
	}
	switch c.PrimaryField().Type {
	case store.TypeInteger, store.TypeBigInteger:
		n, err := cast.ToInt64E(key)
		if err != nil {
			return nil, apperror.Forbidden()
		}
		return n, nil
	case store.TypeUUID:
		u, err := uuid.Parse(cast.ToString(key))
		if err != nil {
			return nil, apperror.Forbidden()
		}
		return u.String(), nil
	}
	if s := cast.ToString(key); s == "" {
		return nil, apperror.Forbidden()
	}
	return key, nil
}

// normalizeKeys validates keys and returns them sorted without duplicates.
func normalizeKeys(c *schema.Collection, keys []any) ([]any, error) {
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		n, err := normalizeKey(c, k)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	slices.SortFunc(out, compareKeys)
	return slices.CompactFunc(out, func(a, b any) bool { return compareKeys(a, b) == 0 }), nil
}

func compareKeys(a, b any) int {
	x, xok := a.(int64)
	y, yok := b.(int64)
	if xok && yok {
		return cmp.Compare(x, y)
	}
	return strings.Compare(cast.ToString(a), cast.ToString(b))
}

func keyString(key any) string {
	return cast.ToString(key)
}
