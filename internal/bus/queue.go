package bus

import (
	"context"
	"sync"

	"github.com/HerbHall/fruwatch/pkg/envelope"
)

// queue is a FIFO with a single consumer and any number of producers.
// capacity 0 means unbounded.
//
// notEmpty and notFull hold at most one pending wakeup each. A woken waiter
// re-checks under the lock and, if the condition still holds for others,
// passes the signal on.
type queue struct {
	mu       sync.Mutex
	items    []envelope.Envelope
	capacity int

	notEmpty chan struct{}
	notFull  chan struct{}
}

func newQueue(capacity int) *queue {
	return &queue{
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *queue) push(ctx context.Context, env envelope.Envelope) error {
	for {
		q.mu.Lock()
		if q.capacity == 0 || len(q.items) < q.capacity {
			q.items = append(q.items, env)
			room := q.capacity == 0 || len(q.items) < q.capacity
			q.mu.Unlock()
			signal(q.notEmpty)
			if room {
				signal(q.notFull)
			}
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.notFull:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *queue) drain() []envelope.Envelope {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	if len(items) > 0 {
		signal(q.notFull)
	}
	return items
}

func (q *queue) pop(ctx context.Context) (envelope.Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items[0] = envelope.Envelope{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			signal(q.notFull)
			if more {
				signal(q.notEmpty)
			}
			return env, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
		case <-ctx.Done():
			return envelope.Envelope{}, ctx.Err()
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
