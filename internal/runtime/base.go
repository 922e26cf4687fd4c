package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/HerbHall/fruwatch/pkg/plugin"
)

// ErrNotInitialized is returned when a module is started before Init.
var ErrNotInitialized = errors.New("module not initialized")

// Base gives a module the Start, Stop and control methods of plugin.Plugin
// and plugin.Controllable. Embed it and call Setup from Init.
type Base struct {
	rt *Runtime
}

// Setup creates the module's runtime.
func (b *Base) Setup(opts Options, p plugin.Poller, deps plugin.Dependencies) {
	b.rt = New(opts, p, deps)
}

// Runtime returns the module's runtime, or nil before Setup.
func (b *Base) Runtime() *Runtime { return b.rt }

func (b *Base) Start(ctx context.Context) error {
	if b.rt == nil {
		return ErrNotInitialized
	}
	return b.rt.Start(ctx)
}

// Stop shuts the runtime down and waits for the in-flight iteration.
func (b *Base) Stop(ctx context.Context) error {
	if b.rt == nil {
		return nil
	}
	b.rt.Shutdown()
	return b.rt.Wait(ctx)
}

func (b *Base) Suspend() {
	if b.rt != nil {
		b.rt.Suspend()
	}
}

func (b *Base) Resume() {
	if b.rt != nil {
		b.rt.Resume()
	}
}

func (b *Base) Restart(ctx context.Context) error {
	if b.rt == nil {
		return ErrNotInitialized
	}
	return b.rt.Restart(ctx)
}

func (b *Base) State() plugin.State {
	if b.rt == nil {
		return plugin.StateInitialized
	}
	return b.rt.State()
}

// Health reports unhealthy when the module is shut down and degraded when
// the last iteration failed.
func (b *Base) Health(_ context.Context) plugin.HealthStatus {
	if b.rt == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "not initialized"}
	}
	state := b.rt.State()
	details := map[string]string{"state": state.String()}
	if last := b.rt.LastRun(); !last.IsZero() {
		details["last_run"] = last.UTC().Format(time.RFC3339)
	}
	switch {
	case state == plugin.StateShutDown:
		return plugin.HealthStatus{Status: "unhealthy", Message: "shut down", Details: details}
	case b.rt.LastError() != nil:
		return plugin.HealthStatus{Status: "degraded", Message: b.rt.LastError().Error(), Details: details}
	default:
		return plugin.HealthStatus{Status: "healthy", Details: details}
	}
}
