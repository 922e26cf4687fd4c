package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HerbHall/fruwatch/internal/bus"
	"github.com/HerbHall/fruwatch/pkg/envelope"
	"github.com/HerbHall/fruwatch/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type fakePoller struct {
	polls    atomic.Int32
	resets   atomic.Int32
	panicky  bool
	failWith error

	mu         sync.Mutex
	handled    []envelope.Envelope
	debugSeen  []bool
	rt         *Runtime
	pollSignal chan struct{}
}

func (f *fakePoller) ReadData(context.Context) (any, error) { return nil, nil }

func (f *fakePoller) PollOnce(context.Context) error {
	f.polls.Add(1)
	if f.rt != nil {
		f.mu.Lock()
		f.debugSeen = append(f.debugSeen, f.rt.Debug())
		f.mu.Unlock()
	}
	if f.pollSignal != nil {
		select {
		case f.pollSignal <- struct{}{}:
		default:
		}
	}
	if f.panicky {
		panic("sensor exploded")
	}
	return f.failWith
}

func (f *fakePoller) HandleMessage(_ context.Context, env envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, env)
	return nil
}

func (f *fakePoller) Reset(context.Context) error {
	f.resets.Add(1)
	return nil
}

func (f *fakePoller) handledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handled)
}

type harness struct {
	bus   *bus.Bus
	sched *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bus:   bus.New(0, zap.NewNop()),
		sched: NewScheduler(zap.NewNop()),
	}
	h.sched.Start(context.Background())
	t.Cleanup(h.sched.Stop)
	return h
}

func (h *harness) runtime(t *testing.T, opts Options, p plugin.Poller) *Runtime {
	t.Helper()
	require.NoError(t, h.bus.Register(opts.Name))
	rt := New(opts, p, plugin.Dependencies{
		Logger:    zap.NewNop(),
		Bus:       h.bus,
		Scheduler: h.sched,
	})
	t.Cleanup(func() {
		rt.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Wait(ctx)
	})
	return rt
}

func TestRuntime_PollsRepeatedly(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newHarness(t)
	p := &fakePoller{}
	rt := h.runtime(t, Options{Name: "psu-sensor", Interval: 5 * time.Millisecond}, p)

	require.NoError(t, rt.Start(context.Background()))
	assert.Eventually(t, func() bool { return p.polls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, plugin.StateRunning, rt.State())

	rt.Shutdown()
	require.NoError(t, rt.Wait(context.Background()))
	assert.Equal(t, plugin.StateShutDown, rt.State())

	after := p.polls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, p.polls.Load(), "no iteration may run after shutdown")
}

func TestRuntime_ShutdownIsIdempotent(t *testing.T) {
	h := newHarness(t)
	rt := h.runtime(t, Options{Name: "psu-sensor"}, &fakePoller{})
	require.NoError(t, rt.Start(context.Background()))
	rt.Shutdown()
	rt.Shutdown()
	require.NoError(t, rt.Wait(context.Background()))
	assert.Error(t, rt.Start(context.Background()))
}

func TestRuntime_FailuresAreIsolated(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newHarness(t)
	bad := &fakePoller{panicky: true}
	failing := &fakePoller{failWith: errors.New("enclosure unreachable")}
	good := &fakePoller{}

	rtBad := h.runtime(t, Options{Name: "bad", Interval: 5 * time.Millisecond}, bad)
	rtFailing := h.runtime(t, Options{Name: "failing", Interval: 5 * time.Millisecond}, failing)
	rtGood := h.runtime(t, Options{Name: "good", Interval: 5 * time.Millisecond}, good)
	for _, rt := range []*Runtime{rtBad, rtFailing, rtGood} {
		require.NoError(t, rt.Start(context.Background()))
	}

	assert.Eventually(t, func() bool {
		return bad.polls.Load() >= 3 && failing.polls.Load() >= 3 && good.polls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	require.Error(t, rtBad.LastError())
	assert.Contains(t, rtBad.LastError().Error(), "sensor exploded")
	assert.EqualError(t, rtFailing.LastError(), "enclosure unreachable")
	assert.NoError(t, rtGood.LastError())

	for _, rt := range []*Runtime{rtBad, rtFailing, rtGood} {
		rt.Shutdown()
		require.NoError(t, rt.Wait(context.Background()))
	}
}

func TestRuntime_DispatchesQueuedMessages(t *testing.T) {
	h := newHarness(t)
	p := &fakePoller{}
	rt := h.runtime(t, Options{Name: "thread-controller", Interval: 5 * time.Millisecond}, p)

	ctx := context.Background()
	req := envelope.NewActuatorRequest("thread_controller", map[string]any{"module_name": "psu-sensor"})
	require.NoError(t, h.bus.Write(ctx, "thread-controller", req))
	require.NoError(t, h.bus.Write(ctx, "thread-controller", envelope.NewDebugControl("thread-controller", true)))
	require.NoError(t, rt.Start(ctx))

	assert.Eventually(t, func() bool { return p.handledCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	p.mu.Lock()
	assert.Equal(t, envelope.KindActuatorRequest, p.handled[0].Kind(), "control messages are not forwarded")
	p.mu.Unlock()
}

func TestRuntime_DebugResetsWithoutPersist(t *testing.T) {
	h := newHarness(t)
	p := &fakePoller{pollSignal: make(chan struct{}, 1)}
	rt := h.runtime(t, Options{Name: "psu-sensor", Interval: time.Hour}, p)
	p.rt = rt

	require.NoError(t, h.bus.Write(context.Background(), "psu-sensor", envelope.NewDebugControl("psu-sensor", true)))
	require.NoError(t, rt.Start(context.Background()))

	<-p.pollSignal
	assert.Eventually(t, func() bool { return !rt.LastRun().IsZero() }, time.Second, 5*time.Millisecond)
	p.mu.Lock()
	assert.Equal(t, []bool{true}, p.debugSeen, "debug is on during the iteration that received it")
	p.mu.Unlock()
	assert.False(t, rt.Debug(), "debug resets after the iteration")
}

func TestRuntime_DebugPersists(t *testing.T) {
	h := newHarness(t)
	p := &fakePoller{}
	rt := h.runtime(t, Options{Name: "psu-sensor", Interval: 5 * time.Millisecond, PersistDebug: true}, p)

	require.NoError(t, h.bus.Write(context.Background(), "psu-sensor", envelope.NewDebugControl("psu-sensor", true)))
	require.NoError(t, rt.Start(context.Background()))

	assert.Eventually(t, func() bool { return p.polls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, rt.Debug())
}

func TestRuntime_SuspendResumeRestart(t *testing.T) {
	h := newHarness(t)
	p := &fakePoller{}
	rt := h.runtime(t, Options{Name: "psu-sensor", Interval: 5 * time.Millisecond}, p)
	require.NoError(t, rt.Start(context.Background()))
	assert.Eventually(t, func() bool { return p.polls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	rt.Suspend()
	assert.Equal(t, plugin.StateSuspended, rt.State())
	time.Sleep(20 * time.Millisecond)
	frozen := p.polls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, frozen, p.polls.Load(), "suspended module must not poll")

	rt.Resume()
	assert.Eventually(t, func() bool { return p.polls.Load() > frozen }, time.Second, 5*time.Millisecond)

	rt.Suspend()
	require.NoError(t, rt.Restart(context.Background()))
	assert.Equal(t, plugin.StateRunning, rt.State())
	assert.Equal(t, int32(1), p.resets.Load())
}

func TestRuntime_RestartBeforeStart(t *testing.T) {
	h := newHarness(t)
	rt := h.runtime(t, Options{Name: "psu-sensor"}, &fakePoller{})
	assert.Error(t, rt.Restart(context.Background()))
}

func TestRuntime_Receive(t *testing.T) {
	h := newHarness(t)
	p := &fakePoller{}
	rt := h.runtime(t, Options{Name: "egress"}, p)
	ctx := context.Background()

	got, err := rt.Receive(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, h.bus.Write(ctx, "egress", envelope.NewActuatorResponse("thread_controller", nil)))
	got, err = rt.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, got)
	assert.Equal(t, 1, p.handledCount())
}

func TestOptionsFromConfig_NilConfig(t *testing.T) {
	opts := OptionsFromConfig(plugin.PluginInfo{Name: "egress", Priority: 7}, nil)
	assert.Equal(t, "egress", opts.Name)
	assert.Equal(t, 7, opts.Priority)

	rt := New(opts, &fakePoller{}, plugin.Dependencies{})
	assert.Equal(t, DefaultInterval, rt.opts.Interval)
	assert.Equal(t, DefaultTimeout, rt.opts.Timeout)
}
