// Package plugintest provides shared contract tests that verify any
// plugin.Plugin implementation behaves correctly. Every module's test
// file should call TestPluginContract to ensure conformance.
package plugintest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/fruwatch/pkg/envelope"
	"github.com/HerbHall/fruwatch/pkg/plugin"
	"go.uber.org/zap"
)

// TestPluginContract runs a suite of behavioral contract tests against
// any plugin.Plugin implementation. Call this from each module's _test.go:
//
//	func TestContract(t *testing.T) {
//	    plugintest.TestPluginContract(t, func() plugin.Plugin { return sensors.New(...) })
//	}
func TestPluginContract(t *testing.T, factory func() plugin.Plugin) {
	t.Helper()

	t.Run("Info_returns_valid_metadata", func(t *testing.T) {
		p := factory()
		info := p.Info()
		if info.Name == "" {
			t.Error("Info().Name must not be empty")
		}
		if info.Version == "" {
			t.Error("Info().Version must not be empty")
		}
		if info.APIVersion < plugin.APIVersionMin {
			t.Errorf("Info().APIVersion = %d, below minimum %d", info.APIVersion, plugin.APIVersionMin)
		}
	})

	t.Run("Init_succeeds_with_valid_deps", func(t *testing.T) {
		p := factory()
		deps := TestDeps(t, p.Info().Name)
		if err := p.Init(context.Background(), deps); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
	})

	t.Run("Start_after_Init", func(t *testing.T) {
		p := factory()
		deps := TestDeps(t, p.Info().Name)
		if err := p.Init(context.Background(), deps); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if err := p.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Stop(ctx); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	})

	t.Run("Stop_without_Start_does_not_panic", func(t *testing.T) {
		p := factory()
		deps := TestDeps(t, p.Info().Name)
		if err := p.Init(context.Background(), deps); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if err := p.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() without Start error = %v", err)
		}
	})

	t.Run("Info_is_idempotent", func(t *testing.T) {
		p := factory()
		a := p.Info()
		b := p.Info()
		if a.Name != b.Name || a.Version != b.Version || a.Priority != b.Priority {
			t.Error("Info() must return consistent results")
		}
	})
}

// TestDeps returns minimal dependencies for a module under test: a nop
// logger, an in-memory bus with the module's queue registered, a scheduler
// that never fires, and a validator that accepts everything.
func TestDeps(t *testing.T, name string) plugin.Dependencies {
	t.Helper()
	bus := NewMemBus()
	_ = bus.Register(name)
	return plugin.Dependencies{
		Logger:    zap.NewNop().Named(name),
		Bus:       bus,
		Scheduler: NopScheduler{},
		Validator: AcceptAll{},
	}
}

// NopScheduler accepts ticks and never fires them.
type NopScheduler struct{}

func (NopScheduler) Schedule(plugin.Tickable, time.Time) {}

func (NopScheduler) Cancel(plugin.Tickable) {}

// AcceptAll is a SchemaValidator that accepts every body.
type AcceptAll struct{}

func (AcceptAll) Validate(any, string) error { return nil }

// MemBus is a minimal unbounded MessageBus for module tests. It records
// every write so tests can assert on emitted envelopes.
type MemBus struct {
	mu     sync.Mutex
	queues map[string][]envelope.Envelope
}

// NewMemBus creates an empty MemBus.
func NewMemBus() *MemBus {
	return &MemBus{queues: make(map[string][]envelope.Envelope)}
}

func (b *MemBus) Register(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = nil
	}
	return nil
}

func (b *MemBus) Write(_ context.Context, target string, env envelope.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[target] = append(b.queues[target], env)
	return nil
}

func (b *MemBus) ReadNoWait(name string) ([]envelope.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.queues[name]
	b.queues[name] = nil
	return out, nil
}

func (b *MemBus) ReadBlocking(ctx context.Context, name string) (envelope.Envelope, error) {
	for {
		b.mu.Lock()
		if q := b.queues[name]; len(q) > 0 {
			env := q[0]
			b.queues[name] = q[1:]
			b.mu.Unlock()
			return env, nil
		}
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return envelope.Envelope{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Pending returns a copy of the envelopes queued for name without draining.
func (b *MemBus) Pending(name string) []envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]envelope.Envelope(nil), b.queues[name]...)
}
