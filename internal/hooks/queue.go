package hooks

import (
	"context"
	"sync"
)

type pending struct {
	events []string
	meta   Meta
}

// Queue holds the action events of one transaction. Nested operations add
// to the queue of the outermost one; it is flushed after commit and
// discarded on rollback.
type Queue struct {
	bus *Bus
	mu  sync.Mutex
	q   []pending
}

func (b *Bus) NewQueue() *Queue {
	return &Queue{bus: b}
}

func (q *Queue) Add(events []string, meta Meta) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.q = append(q.q, pending{events: events, meta: meta})
}

// Flush fires the queued actions in order and empties the queue.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	items := q.q
	q.q = nil
	q.mu.Unlock()

	for _, p := range items {
		q.bus.Action(ctx, p.events, p.meta)
	}
}

func (q *Queue) Discard() {
	q.mu.Lock()
	q.q = nil
	q.mu.Unlock()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.q)
}
