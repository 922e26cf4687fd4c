package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HerbHall/fruwatch/pkg/plugin"
	"go.uber.org/zap"
)

// testModule is a minimal module for testing.
type testModule struct {
	info    plugin.PluginInfo
	initErr error

	panicOnInit  bool
	panicOnStart bool
	panicOnStop  bool

	stopDuration time.Duration
	stopErr      error
	stopLog      *stopLog
	stopCount    *int32
}

type stopLog struct {
	mu    sync.Mutex
	names []string
}

func (l *stopLog) add(name string) {
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
}

func newTestModule(name string, deps ...string) *testModule {
	return &testModule{
		info: plugin.PluginInfo{
			Name:         name,
			Version:      "1.0.0",
			Description:  "test module " + name,
			Dependencies: deps,
			APIVersion:   plugin.APIVersionCurrent,
		},
	}
}

func (m *testModule) Info() plugin.PluginInfo { return m.info }

func (m *testModule) Init(_ context.Context, _ plugin.Dependencies) error {
	if m.panicOnInit {
		panic("test panic in Init")
	}
	return m.initErr
}

func (m *testModule) Start(_ context.Context) error {
	if m.panicOnStart {
		panic("test panic in Start")
	}
	return nil
}

func (m *testModule) Stop(ctx context.Context) error {
	if m.stopCount != nil {
		atomic.AddInt32(m.stopCount, 1)
	}
	if m.panicOnStop {
		panic("test panic in Stop")
	}
	if m.stopDuration > 0 {
		select {
		case <-time.After(m.stopDuration):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.stopLog != nil {
		m.stopLog.add(m.info.Name)
	}
	return m.stopErr
}

// queueRecorder records queue registrations.
type queueRecorder struct {
	names []string
	err   error
}

func (q *queueRecorder) Register(name string) error {
	if q.err != nil {
		return q.err
	}
	q.names = append(q.names, name)
	return nil
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func testDeps() func(string) plugin.Dependencies {
	return func(name string) plugin.Dependencies {
		return plugin.Dependencies{Logger: testLogger().Named(name)}
	}
}

func names(ps []plugin.Plugin) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Info().Name)
	}
	return out
}

func startAll(t *testing.T, reg *Registry) {
	t.Helper()
	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	ctx := context.Background()
	if err := reg.InitAll(ctx, testDeps()); err != nil {
		t.Fatalf("InitAll() error = %v", err)
	}
	if err := reg.StartAll(ctx); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
}

func TestRegister(t *testing.T) {
	reg := New(nil, testLogger())

	m := newTestModule("psu-sensor")
	if err := reg.Register(m); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register(m); err == nil {
		t.Fatal("Register() expected error for duplicate, got nil")
	}
	if err := reg.Register(&testModule{}); err == nil {
		t.Fatal("Register() expected error for empty name, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modules func() []*testModule
		wantErr bool
	}{
		{
			name: "no deps",
			modules: func() []*testModule {
				return []*testModule{newTestModule("a"), newTestModule("b")}
			},
		},
		{
			name: "cycle",
			modules: func() []*testModule {
				return []*testModule{newTestModule("a", "b"), newTestModule("b", "a")}
			},
			wantErr: true,
		},
		{
			name: "missing dep of required module",
			modules: func() []*testModule {
				m := newTestModule("a", "missing")
				m.info.Required = true
				return []*testModule{m}
			},
			wantErr: true,
		},
		{
			name: "API version too old",
			modules: func() []*testModule {
				m := newTestModule("old")
				m.info.APIVersion = 0
				m.info.Required = true
				return []*testModule{m}
			},
			wantErr: true,
		},
		{
			name: "API version too new",
			modules: func() []*testModule {
				m := newTestModule("future")
				m.info.APIVersion = 999
				m.info.Required = true
				return []*testModule{m}
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := New(nil, testLogger())
			for _, m := range tt.modules() {
				if err := reg.Register(m); err != nil {
					t.Fatalf("Register() error = %v", err)
				}
			}
			err := reg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateOrdersByDependencyThenPriority(t *testing.T) {
	reg := New(nil, testLogger())

	egress := newTestModule("egress")
	egress.info.Priority = 100
	tc := newTestModule("thread-controller", "egress")
	psu := newTestModule("psu-sensor", "egress")
	psu.info.Priority = 10
	fan := newTestModule("fan-sensor", "egress")
	fan.info.Priority = 10
	lone := newTestModule("ingress")
	lone.info.Priority = 50

	for _, m := range []*testModule{tc, psu, fan, lone, egress} {
		_ = reg.Register(m)
	}
	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	want := []string{"egress", "ingress", "fan-sensor", "psu-sensor", "thread-controller"}
	got := names(reg.All())
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("All() = %v, want %v", got, want)
	}
}

func TestValidateCascadeDisable(t *testing.T) {
	reg := New(nil, testLogger())

	a := newTestModule("a")
	a.info.APIVersion = 0
	_ = reg.Register(a)
	_ = reg.Register(newTestModule("b", "a"))
	_ = reg.Register(newTestModule("c", "missing"))

	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if !reg.IsDisabled(name) {
			t.Errorf("expected %q to be disabled", name)
		}
	}
	if _, ok := reg.Get("b"); ok {
		t.Error("Get() returned a disabled module")
	}
}

func TestInitAllRegistersQueues(t *testing.T) {
	queues := &queueRecorder{}
	reg := New(queues, testLogger())
	_ = reg.Register(newTestModule("psu-sensor", "egress"))
	_ = reg.Register(newTestModule("egress"))
	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := reg.InitAll(context.Background(), testDeps()); err != nil {
		t.Fatalf("InitAll() error = %v", err)
	}
	if strings.Join(queues.names, ",") != "egress,psu-sensor" {
		t.Errorf("queues = %v, want [egress psu-sensor]", queues.names)
	}
}

func TestInitAllQueueFailureDisablesOptional(t *testing.T) {
	reg := New(&queueRecorder{err: errors.New("bus closed")}, testLogger())
	_ = reg.Register(newTestModule("psu-sensor"))
	_ = reg.Validate()

	if err := reg.InitAll(context.Background(), testDeps()); err != nil {
		t.Fatalf("InitAll() error = %v", err)
	}
	if !reg.IsDisabled("psu-sensor") {
		t.Error("expected module to be disabled after queue registration failure")
	}
}

func TestInitAllFailures(t *testing.T) {
	tests := []struct {
		name     string
		module   func() *testModule
		wantErr  string
		disabled bool
	}{
		{
			name: "required init error",
			module: func() *testModule {
				m := newTestModule("a")
				m.info.Required = true
				m.initErr = errors.New("init failed")
				return m
			},
			wantErr: "init failed",
		},
		{
			name: "optional init error",
			module: func() *testModule {
				m := newTestModule("a")
				m.initErr = errors.New("init failed")
				return m
			},
			disabled: true,
		},
		{
			name: "required init panic",
			module: func() *testModule {
				m := newTestModule("a")
				m.info.Required = true
				m.panicOnInit = true
				return m
			},
			wantErr: "panicked",
		},
		{
			name: "optional init panic",
			module: func() *testModule {
				m := newTestModule("a")
				m.panicOnInit = true
				return m
			},
			disabled: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := New(nil, testLogger())
			_ = reg.Register(tt.module())
			_ = reg.Register(newTestModule("normal"))
			_ = reg.Validate()

			err := reg.InitAll(context.Background(), testDeps())
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("InitAll() error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("InitAll() error = %v", err)
			}
			if reg.IsDisabled("a") != tt.disabled {
				t.Errorf("IsDisabled(a) = %v, want %v", reg.IsDisabled("a"), tt.disabled)
			}
			if reg.IsDisabled("normal") {
				t.Error("expected normal module to remain active")
			}
		})
	}
}

func TestStartAllPanicRecovery(t *testing.T) {
	reg := New(nil, testLogger())
	m := newTestModule("panicker")
	m.panicOnStart = true
	_ = reg.Register(m)
	_ = reg.Register(newTestModule("normal"))
	startAll(t, reg)

	if !reg.IsDisabled("panicker") {
		t.Error("expected panicking optional module to be disabled")
	}
	if reg.IsDisabled("normal") {
		t.Error("expected normal module to remain active")
	}

	reg = New(nil, testLogger())
	m = newTestModule("panicker")
	m.panicOnStart = true
	m.info.Required = true
	_ = reg.Register(m)
	_ = reg.Validate()
	_ = reg.InitAll(context.Background(), testDeps())
	err := reg.StartAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Errorf("StartAll() error = %v, want it to contain 'panicked'", err)
	}
}

func TestStopAllReverseOrder(t *testing.T) {
	log := &stopLog{}
	reg := New(nil, testLogger())

	for _, m := range []*testModule{
		newTestModule("egress"),
		newTestModule("psu-sensor", "egress"),
		newTestModule("thread-controller", "psu-sensor"),
	} {
		m.stopLog = log
		_ = reg.Register(m)
	}
	startAll(t, reg)
	reg.StopAll(context.Background())

	want := "thread-controller,psu-sensor,egress"
	if got := strings.Join(log.names, ","); got != want {
		t.Errorf("stop order = %s, want %s", got, want)
	}
}

func TestStopAllErrorsAndPanicsDoNotBlockOthers(t *testing.T) {
	var count int32
	log := &stopLog{}
	reg := New(nil, testLogger())

	failing := newTestModule("failing")
	failing.stopErr = errors.New("stop failed")
	panicking := newTestModule("panicking")
	panicking.panicOnStop = true
	normal := newTestModule("normal")
	for _, m := range []*testModule{failing, panicking, normal} {
		m.stopCount = &count
		m.stopLog = log
		_ = reg.Register(m)
	}
	startAll(t, reg)
	reg.StopAll(context.Background())

	if count != 3 {
		t.Errorf("stop count = %d, want 3", count)
	}
	found := false
	for _, name := range log.names {
		if name == "normal" {
			found = true
		}
	}
	if !found {
		t.Error("expected normal module Stop() to complete")
	}
}

func TestStopAllContextTimeout(t *testing.T) {
	log := &stopLog{}
	reg := New(nil, testLogger())

	fast := newTestModule("fast")
	fast.stopLog = log
	slow := newTestModule("slow")
	slow.stopLog = log
	slow.stopDuration = 5 * time.Second
	_ = reg.Register(fast)
	_ = reg.Register(slow)
	startAll(t, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	reg.StopAll(ctx)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("StopAll took %v, expected < 500ms with context timeout", elapsed)
	}
	if len(log.names) != 1 || log.names[0] != "fast" {
		t.Errorf("stopped = %v, want [fast]", log.names)
	}
}

func TestStopAllSkipsDisabled(t *testing.T) {
	var count int32
	reg := New(nil, testLogger())

	active := newTestModule("active")
	active.stopCount = &count
	disabled := newTestModule("disabled")
	disabled.stopCount = &count
	disabled.info.APIVersion = 0
	_ = reg.Register(active)
	_ = reg.Register(disabled)
	startAll(t, reg)
	reg.StopAll(context.Background())

	if count != 1 {
		t.Errorf("stop count = %d, want 1", count)
	}
}

func TestResolveByRole(t *testing.T) {
	reg := New(nil, testLogger())
	psu := newTestModule("psu-sensor")
	psu.info.Roles = []string{"sensor"}
	fan := newTestModule("fan-sensor")
	fan.info.Roles = []string{"sensor"}
	tc := newTestModule("thread-controller")
	tc.info.Roles = []string{"actuator"}
	for _, m := range []*testModule{psu, fan, tc} {
		_ = reg.Register(m)
	}
	_ = reg.Validate()

	if got := names(reg.ResolveByRole("sensor")); strings.Join(got, ",") != "fan-sensor,psu-sensor" {
		t.Errorf("ResolveByRole(sensor) = %v", got)
	}
	if p, ok := reg.Resolve("thread-controller"); !ok || p.Info().Name != "thread-controller" {
		t.Error("Resolve(thread-controller) failed")
	}
	if _, ok := reg.Resolve("nonexistent"); ok {
		t.Error("Resolve(nonexistent) returned true")
	}
}
