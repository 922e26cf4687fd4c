package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/fruwatch/internal/bus"
	"github.com/HerbHall/fruwatch/internal/runtime"
	"github.com/HerbHall/fruwatch/internal/schema"
	"github.com/HerbHall/fruwatch/pkg/envelope"
	"github.com/HerbHall/fruwatch/pkg/plugin"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
)

// IngressName is the ingress module name.
const IngressName = "ingress"

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Ingress)(nil)
	_ plugin.Poller        = (*Ingress)(nil)
	_ plugin.Restarter     = (*Ingress)(nil)
	_ plugin.HealthChecker = (*Ingress)(nil)
)

const (
	defaultIngressInterval = 100 * time.Millisecond
	ingressBuffer          = 64
)

type outcome string

const (
	outcomeAck    outcome = "ack"
	outcomeNack   outcome = "nack"
	outcomeReject outcome = "reject"
)

// Ingress consumes the broker queue and writes every accepted envelope to
// the bus queue of the module it addresses. A delivery is acknowledged only
// after that write succeeds.
type Ingress struct {
	runtime.Base

	cfg        Config
	transport  Transport
	conn       *Connector
	signer     *Signer
	bus        plugin.MessageBus
	validator  plugin.SchemaValidator
	logger     *zap.Logger
	deliveries chan Delivery
}

// NewIngress creates the ingress module on top of t.
func NewIngress(cfg Config, t Transport) *Ingress {
	return &Ingress{cfg: cfg.withDefaults(), transport: t}
}

func (i *Ingress) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        IngressName,
		Version:     "0.1.0",
		Description: "Routes inbound broker messages to module queues",
		Priority:    90,
		Roles:       []string{"broker"},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (i *Ingress) Init(_ context.Context, deps plugin.Dependencies) error {
	i.logger = deps.Logger
	if i.logger == nil {
		i.logger = zap.NewNop()
	}
	i.bus = deps.Bus
	i.validator = deps.Validator
	if i.cfg.Signing.Secret != "" {
		i.signer = NewSigner(i.cfg.Signing)
	}
	i.deliveries = make(chan Delivery, ingressBuffer)
	i.conn = NewConnector(IngressName, i.transport, i.cfg.Reconnect, i.logger, i.subscribe)

	opts := runtime.OptionsFromConfig(i.Info(), deps.Config)
	if opts.Interval <= 0 {
		opts.Interval = defaultIngressInterval
	}
	i.Setup(opts, i, deps)

	i.logger.Info("ingress module initialized",
		zap.String("queue", i.cfg.IngressQueue),
		zap.Bool("verify_signatures", i.signer != nil),
	)
	return nil
}

// Stop ends the module loop and returns unprocessed deliveries to the
// broker.
func (i *Ingress) Stop(ctx context.Context) error {
	err := i.Base.Stop(ctx)
	if i.conn == nil {
		return err
	}
	for len(i.deliveries) > 0 {
		i.settle(<-i.deliveries, outcomeNack)
	}
	if cerr := i.conn.Close(); cerr != nil {
		i.logger.Debug("closing broker transport", zap.Error(cerr))
	}
	return err
}

// ReadData returns the number of deliveries waiting to be processed.
func (i *Ingress) ReadData(_ context.Context) (any, error) {
	return len(i.deliveries), nil
}

// PollOnce keeps the subscription alive, then processes deliveries until the
// buffer is empty. It waits up to poll_wait for the first one.
func (i *Ingress) PollOnce(ctx context.Context) error {
	if err := i.conn.Ensure(ctx); errors.Is(err, ErrReconnectExhausted) {
		return err
	}

	wait := time.NewTimer(i.cfg.PollWait)
	defer wait.Stop()
	select {
	case d := <-i.deliveries:
		i.process(ctx, d)
	case <-wait.C:
		return nil
	case <-ctx.Done():
		return nil
	}
	for ctx.Err() == nil {
		select {
		case d := <-i.deliveries:
			i.process(ctx, d)
		default:
			return nil
		}
	}
	return nil
}

// Reset clears an exhausted connector so reconnection resumes.
func (i *Ingress) Reset(_ context.Context) error {
	if i.conn != nil {
		i.conn.Reset()
	}
	return nil
}

// Health adds the broker connection to the runtime health.
func (i *Ingress) Health(ctx context.Context) plugin.HealthStatus {
	h := i.Base.Health(ctx)
	if i.conn == nil {
		return h
	}
	return connectionHealth(h, i.conn, nil)
}

func (i *Ingress) subscribe(ctx context.Context) error {
	if err := i.transport.Subscribe(ctx, i.cfg.IngressQueue, i.receive); err != nil {
		return fmt.Errorf("subscribe %s: %w", i.cfg.IngressQueue, err)
	}
	return nil
}

// receive runs on the transport's goroutine and hands the delivery to the
// module loop.
func (i *Ingress) receive(d Delivery) {
	t := time.NewTimer(i.cfg.Timeout)
	defer t.Stop()
	select {
	case i.deliveries <- d:
	case <-t.C:
		i.logger.Warn("ingress buffer full, returning message to broker")
		i.settle(d, outcomeNack)
	}
}

func (i *Ingress) process(ctx context.Context, d Delivery) {
	env, target, err := i.decode(d.Body())
	if err != nil {
		i.logger.Warn("rejecting inbound message", zap.Error(err))
		i.settle(d, outcomeReject)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()
	if err := i.bus.Write(writeCtx, target, env); err != nil {
		if errors.Is(err, bus.ErrUnknownTarget) {
			i.settle(d, outcomeReject)
			return
		}
		i.logger.Warn("bus write failed, returning message to broker",
			zap.String("target", target),
			zap.Error(err),
		)
		i.settle(d, outcomeNack)
		return
	}
	i.settle(d, outcomeAck)
	i.Runtime().LogDebug("routed inbound envelope",
		zap.String("kind", string(env.Kind())),
		zap.String("target", target),
	)
}

// decode turns a delivery body into an envelope and its target module.
func (i *Ingress) decode(body []byte) (envelope.Envelope, string, error) {
	env, err := envelope.Unmarshal(body)
	if err != nil {
		return envelope.Envelope{}, "", err
	}
	if i.signer != nil {
		if err := i.signer.Verify(env); err != nil {
			return envelope.Envelope{}, "", err
		}
	}
	if i.validator != nil {
		if err := i.validator.Validate(body, schema.IDForKind(env.Kind())); err != nil {
			return envelope.Envelope{}, "", err
		}
	}
	if err := compatible(env.Header.SchemaVersion); err != nil {
		return envelope.Envelope{}, "", err
	}
	target, err := i.route(env)
	if err != nil {
		return envelope.Envelope{}, "", err
	}
	return env, target, nil
}

func (i *Ingress) route(env envelope.Envelope) (string, error) {
	var key string
	switch env.Kind() {
	case envelope.KindDebug:
		return env.Debug.Component, nil
	case envelope.KindActuatorRequest:
		key, _ = env.ActuatorRequest.Name()
	case envelope.KindActuatorResponse:
		key, _ = env.ActuatorResponse.Name()
	case envelope.KindSensorRequest:
		key = env.SensorRequest.EnclosureAlert.SensorType
	}
	if target, ok := i.cfg.Routes[key]; ok && target != "" {
		return target, nil
	}
	return "", fmt.Errorf("%w: %s %q", ErrNoRoute, env.Kind(), key)
}

func (i *Ingress) settle(d Delivery, o outcome) {
	var err error
	switch o {
	case outcomeAck:
		err = d.Ack()
	case outcomeNack:
		err = d.Nack()
	case outcomeReject:
		err = d.Reject()
	}
	receivedTotal.WithLabelValues(string(o)).Inc()
	if err != nil {
		i.logger.Warn("settling broker delivery", zap.String("outcome", string(o)), zap.Error(err))
	}
}

// compatible accepts a schema_version with the same major version as the
// one this agent produces.
func compatible(version string) error {
	v := canonical(version)
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: %q", ErrIncompatibleVersion, version)
	}
	if semver.Major(v) != semver.Major(canonical(envelope.SchemaVersion)) {
		return fmt.Errorf("%w: %s, want %s.x", ErrIncompatibleVersion, version, semver.Major(canonical(envelope.SchemaVersion)))
	}
	return nil
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
