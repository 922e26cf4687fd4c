// Package bus provides the in-memory named-queue message bus shared by all
// modules. Each module owns the queue registered under its name and is its
// only reader.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/HerbHall/fruwatch/pkg/envelope"
	"github.com/HerbHall/fruwatch/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ plugin.MessageBus = (*Bus)(nil)

// ErrUnknownTarget is returned when writing to or reading from a queue that
// was never registered.
var ErrUnknownTarget = errors.New("unknown bus target")

// Bus is an in-memory message bus implementing plugin.MessageBus.
// Writes are FIFO per target. When the bus is bounded, Write blocks until
// the target has room or the context is done.
type Bus struct {
	mu       sync.RWMutex
	queues   map[string]*queue
	capacity int
	logger   *zap.Logger
}

// New creates a bus whose queues hold at most capacity envelopes each.
// A capacity of 0 makes every queue unbounded.
func New(capacity int, logger *zap.Logger) *Bus {
	if capacity < 0 {
		capacity = 0
	}
	return &Bus{
		queues:   make(map[string]*queue),
		capacity: capacity,
		logger:   logger,
	}
}

// Register creates the queue for name. Registering the same name twice is a
// no-op.
func (b *Bus) Register(name string) error {
	if name == "" {
		return errors.New("register queue: empty name")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = newQueue(b.capacity)
		queueDepth.WithLabelValues(name).Set(0)
	}
	return nil
}

func (b *Bus) lookup(name string) (*queue, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[name]
	return q, ok
}

// Write appends env to the target queue. An unregistered target is logged,
// counted and dropped; ErrUnknownTarget is still returned so the caller can
// react.
func (b *Bus) Write(ctx context.Context, target string, env envelope.Envelope) error {
	q, ok := b.lookup(target)
	if !ok {
		unknownTargetTotal.Inc()
		b.logger.Warn("dropping envelope for unknown target",
			zap.String("target", target),
			zap.String("kind", string(env.Kind())),
		)
		return fmt.Errorf("write %q: %w", target, ErrUnknownTarget)
	}
	if err := q.push(ctx, env); err != nil {
		return fmt.Errorf("write %q: %w", target, err)
	}
	writesTotal.WithLabelValues(target).Inc()
	queueDepth.WithLabelValues(target).Set(float64(q.len()))
	return nil
}

// ReadNoWait drains every envelope currently queued for name, oldest first.
func (b *Bus) ReadNoWait(name string) ([]envelope.Envelope, error) {
	q, ok := b.lookup(name)
	if !ok {
		return nil, fmt.Errorf("read %q: %w", name, ErrUnknownTarget)
	}
	items := q.drain()
	queueDepth.WithLabelValues(name).Set(0)
	return items, nil
}

// ReadBlocking returns the oldest envelope queued for name, waiting until one
// arrives or ctx is done.
func (b *Bus) ReadBlocking(ctx context.Context, name string) (envelope.Envelope, error) {
	q, ok := b.lookup(name)
	if !ok {
		return envelope.Envelope{}, fmt.Errorf("read %q: %w", name, ErrUnknownTarget)
	}
	env, err := q.pop(ctx)
	if err != nil {
		return envelope.Envelope{}, err
	}
	queueDepth.WithLabelValues(name).Set(float64(q.len()))
	return env, nil
}

// Len returns the number of envelopes queued for name, or 0 for an unknown
// queue.
func (b *Bus) Len(name string) int {
	q, ok := b.lookup(name)
	if !ok {
		return 0
	}
	return q.len()
}

// Queues returns the registered queue names in sorted order.
func (b *Bus) Queues() []string {
	b.mu.RLock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	return names
}
