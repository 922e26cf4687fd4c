package broker

import (
	"context"
	"testing"
	"time"

	"github.com/HerbHall/fruwatch/internal/bus"
	"github.com/HerbHall/fruwatch/internal/runtime"
	"github.com/HerbHall/fruwatch/internal/schema"
	"github.com/HerbHall/fruwatch/pkg/envelope"
	"github.com/HerbHall/fruwatch/pkg/plugin"
	"github.com/HerbHall/fruwatch/pkg/plugin/plugintest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	cfg.PollWait = 5 * time.Millisecond
	cfg.Reconnect = fastReconnect(0)
	return cfg
}

func testDeps(t *testing.T, b plugin.MessageBus, sched plugin.Scheduler) plugin.Dependencies {
	t.Helper()
	v, err := schema.New()
	require.NoError(t, err)
	if sched == nil {
		sched = plugintest.NopScheduler{}
	}
	return plugin.Dependencies{
		Logger:    zap.NewNop(),
		Bus:       b,
		Scheduler: sched,
		Validator: v,
	}
}

func newTestEgress(t *testing.T, cfg Config, ft *fakeTransport) (*Egress, *bus.Bus) {
	t.Helper()
	b := bus.New(0, zap.NewNop())
	require.NoError(t, b.Register(EgressName))
	e := NewEgress(cfg, ft)
	require.NoError(t, e.Init(context.Background(), testDeps(t, b, nil)))
	return e, b
}

func alert(seq int) envelope.Envelope {
	return envelope.NewEnclosureAlert(envelope.EnclosureAlert{
		SensorType:   "enclosure_psu_alert",
		ResourceType: "fru",
		AlertType:    envelope.AlertFault,
		Status:       envelope.AlertStatusUpdate,
	}, map[string]any{"seq": seq}, nil)
}

func seqOf(t *testing.T, p published) int {
	t.Helper()
	env, err := envelope.Unmarshal(p.payload)
	require.NoError(t, err)
	return int(env.SensorRequest.Info["seq"].(float64))
}

// drainEgress runs iterations until the backlog is empty.
func drainEgress(t *testing.T, e *Egress) {
	t.Helper()
	require.Eventually(t, func() bool {
		_ = e.PollOnce(context.Background())
		return e.Pending() == 0
	}, 3*time.Second, time.Millisecond)
}

func TestEgressContract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin {
		return NewEgress(testConfig(), &fakeTransport{})
	})
}

func TestEgress_NoLossWhileBrokerRefusesConnections(t *testing.T) {
	ft := &fakeTransport{rejectFirst: 5}
	e, _ := newTestEgress(t, testConfig(), ft)

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, e.HandleMessage(context.Background(), alert(i)))
	}
	require.Equal(t, n, e.Pending())

	drainEgress(t, e)

	sent := ft.sent()
	require.Len(t, sent, n)
	for i, p := range sent {
		assert.Equal(t, i, seqOf(t, p), "publish order")
		assert.Equal(t, "sensor", p.key)
	}
	assert.Equal(t, 6, ft.connectCount())
}

func TestEgress_PublishFailureKeepsEnvelope(t *testing.T) {
	ft := &fakeTransport{}
	e, _ := newTestEgress(t, testConfig(), ft)

	require.NoError(t, e.PollOnce(context.Background()))
	ft.mu.Lock()
	ft.failPublish = 2
	ft.mu.Unlock()

	for i := 0; i < 5; i++ {
		require.NoError(t, e.HandleMessage(context.Background(), alert(i)))
	}
	drainEgress(t, e)

	sent := ft.sent()
	require.Len(t, sent, 5)
	for i, p := range sent {
		assert.Equal(t, i, seqOf(t, p))
	}
}

func TestEgress_MaxBacklogDropsOldest(t *testing.T) {
	ft := &fakeTransport{rejectFirst: 1 << 20}
	cfg := testConfig()
	cfg.MaxBacklog = 3
	e, _ := newTestEgress(t, cfg, ft)

	for i := 0; i < 5; i++ {
		require.NoError(t, e.HandleMessage(context.Background(), alert(i)))
	}
	assert.Equal(t, 3, e.Pending())

	ft.mu.Lock()
	ft.rejectFirst = 0
	ft.mu.Unlock()
	drainEgress(t, e)

	sent := ft.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, []int{2, 3, 4}, []int{seqOf(t, sent[0]), seqOf(t, sent[1]), seqOf(t, sent[2])})
}

func TestEgress_SchemaViolationIsNotPublished(t *testing.T) {
	ft := &fakeTransport{}
	e, _ := newTestEgress(t, testConfig(), ft)

	bad := alert(0)
	bad.SensorRequest.EnclosureAlert.AlertType = "exploded"
	require.NoError(t, e.HandleMessage(context.Background(), bad))
	assert.Equal(t, 0, e.Pending())

	assert.Error(t, e.HandleMessage(context.Background(), envelope.Envelope{Header: envelope.DefaultHeader()}))
	assert.Equal(t, 0, e.Pending())
}

func TestEgress_RoutingKeys(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testConfig()
	cfg.RoutingKeys = map[string]string{string(envelope.KindSensorRequest): "alerts"}
	e, _ := newTestEgress(t, cfg, ft)

	require.NoError(t, e.HandleMessage(context.Background(), alert(0)))
	require.NoError(t, e.HandleMessage(context.Background(), envelope.NewActuatorResponse("thread_controller", map[string]any{
		"module_name":     "psu-sensor",
		"thread_response": "Status: running",
	})))
	drainEgress(t, e)

	sent := ft.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "alerts", sent[0].key)
	assert.Equal(t, string(envelope.KindActuatorResponse), sent[1].key, "unmapped kinds fall back to the kind name")
}

func TestEgress_SignsEnvelopes(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testConfig()
	cfg.Signing.Secret = "s3cret"
	e, _ := newTestEgress(t, cfg, ft)

	require.NoError(t, e.HandleMessage(context.Background(), alert(7)))
	drainEgress(t, e)

	sent := ft.sent()
	require.Len(t, sent, 1)
	env, err := envelope.Unmarshal(sent[0].payload)
	require.NoError(t, err)
	assert.Equal(t, "sspl-ll", env.Username)
	assert.NotEmpty(t, env.Signature)
	assert.NoError(t, NewSigner(cfg.Signing).Verify(env))
}

func TestEgress_StopFlushesQueue(t *testing.T) {
	ft := &fakeTransport{}
	e, b := newTestEgress(t, testConfig(), ft)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Write(context.Background(), EgressName, alert(i)))
	}
	require.NoError(t, e.Stop(context.Background()))

	assert.Len(t, ft.sent(), 3)
	assert.Equal(t, 0, b.Len(EgressName))
	assert.False(t, ft.IsConnected())
}

func TestEgress_ExhaustedIsUnhealthyUntilRestart(t *testing.T) {
	ft := &fakeTransport{rejectFirst: 1 << 20}
	cfg := testConfig()
	cfg.Reconnect = fastReconnect(2)
	e, _ := newTestEgress(t, cfg, ft)

	require.Eventually(t, func() bool {
		return e.PollOnce(context.Background()) != nil
	}, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, e.PollOnce(context.Background()), ErrReconnectExhausted)

	h := e.Health(context.Background())
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, "disconnected", h.Details["connection"])

	ft.mu.Lock()
	ft.rejectFirst = 0
	ft.mu.Unlock()
	require.NoError(t, e.Reset(context.Background()))
	require.NoError(t, e.PollOnce(context.Background()))
	assert.Equal(t, "healthy", e.Health(context.Background()).Status)
}

func TestEgress_RuntimeDeliversEverything(t *testing.T) {
	sched := runtime.NewScheduler(zap.NewNop())
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	b := bus.New(8, zap.NewNop())
	require.NoError(t, b.Register(EgressName))
	ft := &fakeTransport{rejectFirst: 3}
	e := NewEgress(testConfig(), ft)
	require.NoError(t, e.Init(context.Background(), testDeps(t, b, sched)))
	require.NoError(t, e.Start(context.Background()))

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, b.Write(context.Background(), EgressName, alert(i)))
	}
	require.Eventually(t, func() bool { return len(ft.sent()) == n }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))

	for i, p := range ft.sent() {
		assert.Equal(t, i, seqOf(t, p))
	}
}

func TestEgress_OverlappingFlushesPublishEachOnce(t *testing.T) {
	ctx := context.Background()
	hold := make(chan struct{})
	ft := &fakeTransport{hold: hold}
	e, _ := newTestEgress(t, testConfig(), ft)
	for i := 1; i <= 3; i++ {
		require.NoError(t, e.HandleMessage(ctx, alert(i)))
	}

	loop := make(chan error, 1)
	go func() { loop <- e.flush(ctx) }()
	<-hold

	final := make(chan error, 1)
	go func() { final <- e.flush(ctx) }()
	select {
	case <-final:
		t.Fatal("second flush ran while the first was publishing")
	case <-time.After(50 * time.Millisecond):
	}

	hold <- struct{}{}
	require.NoError(t, <-loop)
	require.NoError(t, <-final)

	sent := ft.sent()
	require.Len(t, sent, 3)
	for i, p := range sent {
		assert.Equal(t, i+1, seqOf(t, p))
	}
	assert.Zero(t, e.Pending())
}

func TestEgress_BacklogTrimDuringPublishKeepsNextEnvelope(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxBacklog = 2
	hold := make(chan struct{})
	ft := &fakeTransport{hold: hold}
	e, _ := newTestEgress(t, cfg, ft)
	require.NoError(t, e.HandleMessage(ctx, alert(1)))
	require.NoError(t, e.HandleMessage(ctx, alert(2)))

	done := make(chan error, 1)
	go func() { done <- e.flush(ctx) }()
	<-hold

	// #1 is in flight; a third envelope trims it from the backlog.
	require.NoError(t, e.HandleMessage(ctx, alert(3)))
	hold <- struct{}{}
	require.NoError(t, <-done)

	var seqs []int
	for _, p := range ft.sent() {
		seqs = append(seqs, seqOf(t, p))
	}
	assert.Equal(t, []int{1, 2, 3}, seqs)
	assert.Zero(t, e.Pending())
}
