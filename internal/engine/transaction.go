package engine

import (
	"context"
	"fmt"

	"cms-engine/internal/apperror"
	"cms-engine/internal/instrument"
	"cms-engine/internal/items"
	"cms-engine/internal/permissions"
	"cms-engine/internal/schema"
)

// Tx hands out items services that share one transaction.
type Tx struct {
	opts items.Options
}

// Items returns the service of collection bound to the transaction.
func (t *Tx) Items(collection string) (*items.Service, error) {
	if t.opts.Schema.Collection(collection) == nil {
		return nil, apperror.Forbidden()
	}
	return items.New(collection, t.opts), nil
}

// Schema is the overview the transaction was started with.
func (t *Tx) Schema() *schema.Overview {
	return t.opts.Schema
}

// Transaction runs fn in a single database transaction. Writes made through
// the Tx commit or roll back together; their action events fire after the
// commit and are dropped on rollback.
func (e *Engine) Transaction(ctx context.Context, acc *permissions.Accountability, fn func(ctx context.Context, tx *Tx) error) error {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "transaction", "engine.transaction")
	defer span.End()

	opts, err := e.itemsOptions(ctx, acc)
	if err != nil {
		span.SetStatus("error")
		return err
	}
	sqlTx, err := e.Store.BeginTx(ctx)
	if err != nil {
		span.SetStatus("error")
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck

	queue := e.Hooks.NewQueue()
	opts.Tx = sqlTx
	opts.Queue = queue
	if err := fn(ctx, &Tx{opts: opts}); err != nil {
		queue.Discard()
		span.SetStatus("error")
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		queue.Discard()
		span.SetStatus("error")
		return fmt.Errorf("commit: %w", err)
	}

	if e.Config.Cache.AutoPurge {
		if err := e.data.Clear(ctx); err != nil {
			e.log.Warnw("clear data cache", "error", err)
		}
	}
	queue.Flush(ctx)
	span.SetStatus("ok")
	return nil
}
