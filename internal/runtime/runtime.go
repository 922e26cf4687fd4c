// Package runtime runs scheduled modules. Each module gets its own goroutine
// driven by the shared Scheduler; an iteration drains the module's queue,
// polls, and reschedules itself. A failing or panicking iteration is logged
// and never affects other modules.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HerbHall/fruwatch/pkg/envelope"
	"github.com/HerbHall/fruwatch/pkg/plugin"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Tickable     = (*Runtime)(nil)
	_ plugin.Controllable = (*Runtime)(nil)
)

// Defaults applied when Options leave a field zero.
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 20 * time.Second
)

// Options configures one module runtime.
type Options struct {
	Name         string
	Priority     int
	Interval     time.Duration // delay between the end of one iteration and the next
	Timeout      time.Duration // bound on one iteration's poll
	Debug        bool
	PersistDebug bool
}

// OptionsFromConfig reads interval, timeout, priority, debug and
// persist_debug from a module's config section. cfg may be nil.
func OptionsFromConfig(info plugin.PluginInfo, cfg plugin.Config) Options {
	opts := Options{Name: info.Name, Priority: info.Priority}
	if cfg == nil {
		return opts
	}
	if cfg.IsSet("interval") {
		opts.Interval = cfg.GetDuration("interval")
	}
	if cfg.IsSet("timeout") {
		opts.Timeout = cfg.GetDuration("timeout")
	}
	if cfg.IsSet("priority") {
		opts.Priority = cfg.GetInt("priority")
	}
	opts.Debug = cfg.GetBool("debug")
	opts.PersistDebug = cfg.GetBool("persist_debug")
	return opts
}

// Runtime drives one module.
type Runtime struct {
	opts      Options
	poller    plugin.Poller
	handler   plugin.MessageHandler
	restarter plugin.Restarter
	bus       plugin.MessageBus
	sched     plugin.Scheduler
	logger    *zap.Logger

	mu      sync.Mutex
	state   plugin.State
	debug   bool
	lastErr error
	lastRun time.Time

	trigger  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New creates a runtime for poller. If poller also implements
// plugin.MessageHandler or plugin.Restarter those capabilities are used.
func New(opts Options, poller plugin.Poller, deps plugin.Dependencies) *Runtime {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{
		opts:    opts,
		poller:  poller,
		bus:     deps.Bus,
		sched:   deps.Scheduler,
		logger:  logger,
		state:   plugin.StateInitialized,
		debug:   opts.Debug,
		trigger: make(chan struct{}, 1),
	}
	if h, ok := poller.(plugin.MessageHandler); ok {
		r.handler = h
	}
	if rs, ok := poller.(plugin.Restarter); ok {
		r.restarter = rs
	}
	return r
}

// Name implements plugin.Tickable.
func (r *Runtime) Name() string { return r.opts.Name }

// Priority implements plugin.Tickable.
func (r *Runtime) Priority() int { return r.opts.Priority }

// Fire implements plugin.Tickable. It never blocks; a trigger that arrives
// while one is already pending is merged with it.
func (r *Runtime) Fire() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Start launches the module goroutine and schedules the first iteration
// immediately.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == plugin.StateShutDown {
		r.mu.Unlock()
		return fmt.Errorf("start %s: already shut down", r.opts.Name)
	}
	if r.ctx != nil {
		r.mu.Unlock()
		return nil
	}
	// The module outlives the start request; only Shutdown ends it.
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.state = plugin.StateRunning
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop()
	r.sched.Schedule(r, time.Time{})
	return nil
}

// Shutdown cancels the next tick and returns without waiting. An in-flight
// iteration runs to completion. Safe to call more than once.
func (r *Runtime) Shutdown() {
	r.shutdown.Do(func() {
		r.mu.Lock()
		r.state = plugin.StateShutDown
		cancel := r.cancel
		r.mu.Unlock()
		if r.sched != nil {
			r.sched.Cancel(r)
		}
		if cancel != nil {
			cancel()
		}
	})
}

// Wait blocks until the module goroutine has exited or ctx is done.
func (r *Runtime) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", r.opts.Name, ctx.Err())
	}
}

// Suspend stops polling while still draining the module queue so control
// messages keep working.
func (r *Runtime) Suspend() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == plugin.StateRunning {
		r.state = plugin.StateSuspended
	}
}

// Resume re-enables polling after Suspend.
func (r *Runtime) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == plugin.StateSuspended {
		r.state = plugin.StateRunning
	}
}

// Restart clears module state through plugin.Restarter, resumes the module
// and runs the next iteration immediately.
func (r *Runtime) Restart(ctx context.Context) error {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	if state == plugin.StateShutDown || state == plugin.StateInitialized {
		return fmt.Errorf("restart %s: module is %s", r.opts.Name, state)
	}
	if r.restarter != nil {
		if err := r.restarter.Reset(ctx); err != nil {
			return fmt.Errorf("restart %s: %w", r.opts.Name, err)
		}
	}
	r.mu.Lock()
	r.state = plugin.StateRunning
	r.lastErr = nil
	r.mu.Unlock()
	r.sched.Schedule(r, time.Time{})
	return nil
}

// State reports the lifecycle state.
func (r *Runtime) State() plugin.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Debug reports whether debug mode is on.
func (r *Runtime) Debug() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.debug
}

// SetDebug turns debug mode on or off.
func (r *Runtime) SetDebug(enabled bool) {
	r.mu.Lock()
	r.debug = enabled
	r.mu.Unlock()
}

// LogDebug logs at debug level, or at info level while debug mode is on.
func (r *Runtime) LogDebug(msg string, fields ...zap.Field) {
	if r.Debug() {
		r.logger.Info(msg, fields...)
		return
	}
	r.logger.Debug(msg, fields...)
}

// LastError returns the error from the most recent iteration, if any.
func (r *Runtime) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// LastRun returns when the most recent iteration finished.
func (r *Runtime) LastRun() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun
}

// Receive waits up to wait for the next envelope on the module queue and
// dispatches it like the per-iteration drain does. It returns false when no
// envelope arrived.
func (r *Runtime) Receive(ctx context.Context, wait time.Duration) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	env, err := r.bus.ReadBlocking(waitCtx, r.opts.Name)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return false, nil
		}
		return false, err
	}
	r.dispatch(ctx, env)
	return true, nil
}

func (r *Runtime) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.trigger:
		}
		if r.ctx.Err() != nil {
			return
		}
		r.iterate()
		if r.ctx.Err() == nil {
			r.sched.Schedule(r, time.Now().Add(r.opts.Interval))
		}
	}
}

func (r *Runtime) iterate() {
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.Timeout)
	defer cancel()

	iterationsTotal.WithLabelValues(r.opts.Name).Inc()

	pending, err := r.bus.ReadNoWait(r.opts.Name)
	if err != nil {
		r.logger.Error("reading module queue", zap.Error(err))
	}
	for _, env := range pending {
		r.dispatch(ctx, env)
	}

	if r.State() == plugin.StateRunning {
		err = r.safely(func() error { return r.poller.PollOnce(ctx) })
		if err != nil {
			iterationFailuresTotal.WithLabelValues(r.opts.Name).Inc()
			r.logger.Error("iteration failed", zap.Error(err))
		}
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.lastRun = time.Now()
	if !r.opts.PersistDebug {
		r.debug = false
	}
	r.mu.Unlock()
}

func (r *Runtime) dispatch(ctx context.Context, env envelope.Envelope) {
	if env.Kind() == envelope.KindDebug {
		r.SetDebug(env.Debug.Enabled)
		r.logger.Info("debug mode changed", zap.Bool("enabled", env.Debug.Enabled))
		return
	}
	if r.handler == nil {
		r.logger.Warn("dropping envelope, module accepts no messages",
			zap.String("kind", string(env.Kind())),
		)
		return
	}
	if err := r.safely(func() error { return r.handler.HandleMessage(ctx, env) }); err != nil {
		r.logger.Error("handling message",
			zap.String("kind", string(env.Kind())),
			zap.Error(err),
		)
	}
}

func (r *Runtime) safely(fn func() error) error {
	var err error
	var pc panics.Catcher
	pc.Try(func() { err = fn() })
	if rec := pc.Recovered(); rec != nil {
		panicsTotal.WithLabelValues(r.opts.Name).Inc()
		return rec.AsError()
	}
	return err
}
