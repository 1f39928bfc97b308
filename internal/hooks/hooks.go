// Package hooks is the two phase event bus of the mutation pipeline. Filter
// hooks run before the write inside the transaction and may rewrite the
// payload or abort; action hooks run after commit and can only observe.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"cms-engine/internal/permissions"
	"cms-engine/internal/query"
)

// Meta describes the operation an event belongs to.
type Meta struct {
	Event      string
	Collection string
	Keys       []any
	Key        any
	Payload    map[string]any
	Query      *query.Query
	// Result holds the rows of a read action.
	Result         []map[string]any
	Accountability *permissions.Accountability
}

// FilterFunc receives the payload of the operation and returns the payload
// to continue with. A returned error aborts the operation.
type FilterFunc func(ctx context.Context, payload any, meta Meta) (any, error)

// ActionFunc observes a completed operation. Errors are logged only.
type ActionFunc func(ctx context.Context, meta Meta) error

// Bus dispatches events by name. A nil *Bus has no hooks.
type Bus struct {
	mu      sync.RWMutex
	filters map[string][]FilterFunc
	actions map[string][]ActionFunc
	log     *zap.SugaredLogger
}

func New(log *zap.SugaredLogger) *Bus {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Bus{
		filters: map[string][]FilterFunc{},
		actions: map[string][]ActionFunc{},
		log:     log,
	}
}

// OnFilter registers fn for event, e.g. "items.create" or
// "articles.items.create".
func (b *Bus) OnFilter(event string, fn FilterFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters[event] = append(b.filters[event], fn)
}

func (b *Bus) OnAction(event string, fn ActionFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions[event] = append(b.actions[event], fn)
}

// Filter passes payload through every filter registered for events, in
// registration order, feeding each the previous result.
func (b *Bus) Filter(ctx context.Context, events []string, payload any, meta Meta) (any, error) {
	if b == nil {
		return payload, nil
	}
	for _, event := range events {
		b.mu.RLock()
		fns := append([]FilterFunc(nil), b.filters[event]...)
		b.mu.RUnlock()

		meta.Event = event
		for _, fn := range fns {
			out, err := fn(ctx, payload, meta)
			if err != nil {
				return nil, err
			}
			payload = out
		}
	}
	return payload, nil
}

// Action runs the action hooks for events. Failures and panics are logged
// and never reach the caller.
func (b *Bus) Action(ctx context.Context, events []string, meta Meta) {
	if b == nil {
		return
	}
	for _, event := range events {
		b.mu.RLock()
		fns := append([]ActionFunc(nil), b.actions[event]...)
		b.mu.RUnlock()

		meta.Event = event
		for _, fn := range fns {
			if err := b.runAction(ctx, fn, meta); err != nil {
				b.log.Errorw("action hook failed", "event", event, "collection", meta.Collection, "error", err)
			}
		}
	}
}

func (b *Bus) runAction(ctx context.Context, fn ActionFunc, meta Meta) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, meta)
}

// HasFilters reports whether any filter is registered for events.
func (b *Bus) HasFilters(events []string) bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range events {
		if len(b.filters[e]) > 0 {
			return true
		}
	}
	return false
}
