package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/HerbHall/fruwatch/internal/runtime"
	"github.com/HerbHall/fruwatch/internal/schema"
	"github.com/HerbHall/fruwatch/pkg/envelope"
	"github.com/HerbHall/fruwatch/pkg/plugin"
	"go.uber.org/zap"
)

// EgressName is the module and bus queue every outbound envelope is
// written to.
const EgressName = "egress"

// Compile-time interface guards.
var (
	_ plugin.Plugin         = (*Egress)(nil)
	_ plugin.Poller         = (*Egress)(nil)
	_ plugin.MessageHandler = (*Egress)(nil)
	_ plugin.Restarter      = (*Egress)(nil)
	_ plugin.HealthChecker  = (*Egress)(nil)
)

// defaultEgressInterval keeps publish latency low; each iteration also
// waits up to poll_wait for the next envelope.
const defaultEgressInterval = 100 * time.Millisecond

type outbound struct {
	seq     uint64
	kind    envelope.Kind
	key     string
	payload []byte
}

// Egress publishes envelopes from the egress queue to the broker. Envelopes
// taken off the queue stay in an in-memory backlog until a publish for them
// succeeds.
type Egress struct {
	runtime.Base

	cfg       Config
	transport Transport
	conn      *Connector
	signer    *Signer
	bus       plugin.MessageBus
	validator plugin.SchemaValidator
	logger    *zap.Logger

	// flushMu serialises flush between the module loop and Stop.
	flushMu sync.Mutex

	mu      sync.Mutex
	backlog []outbound
	seq     uint64
}

// NewEgress creates the egress module on top of t.
func NewEgress(cfg Config, t Transport) *Egress {
	return &Egress{cfg: cfg.withDefaults(), transport: t}
}

func (e *Egress) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        EgressName,
		Version:     "0.1.0",
		Description: "Publishes outbound envelopes to the message broker",
		Priority:    90,
		Required:    true,
		Roles:       []string{"broker"},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (e *Egress) Init(_ context.Context, deps plugin.Dependencies) error {
	e.logger = deps.Logger
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.bus = deps.Bus
	e.validator = deps.Validator
	if e.cfg.Signing.Secret != "" {
		e.signer = NewSigner(e.cfg.Signing)
	}
	e.conn = NewConnector(EgressName, e.transport, e.cfg.Reconnect, e.logger, nil)

	opts := runtime.OptionsFromConfig(e.Info(), deps.Config)
	if opts.Interval <= 0 {
		opts.Interval = defaultEgressInterval
	}
	e.Setup(opts, e, deps)

	e.logger.Info("egress module initialized",
		zap.Int("max_backlog", e.cfg.MaxBacklog),
		zap.Bool("signing", e.signer != nil),
	)
	return nil
}

// Stop ends the module loop, then makes one bounded attempt to publish
// whatever is still queued. Anything left over is reported.
func (e *Egress) Stop(ctx context.Context) error {
	err := e.Base.Stop(ctx)
	if e.conn == nil {
		return err
	}

	if pending, rerr := e.bus.ReadNoWait(EgressName); rerr == nil {
		for _, env := range pending {
			if env.Kind() == envelope.KindDebug {
				continue
			}
			_ = e.HandleMessage(ctx, env)
		}
	}

	flushCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	if ferr := e.flush(flushCtx); ferr != nil {
		e.logger.Warn("final flush failed", zap.Error(ferr))
	}
	if n := e.Pending(); n > 0 {
		e.logger.Warn("egress stopped with unpublished envelopes", zap.Int("count", n))
	}
	if cerr := e.conn.Close(); cerr != nil {
		e.logger.Debug("closing broker transport", zap.Error(cerr))
	}
	return err
}

// ReadData returns the backlog length.
func (e *Egress) ReadData(_ context.Context) (any, error) {
	return e.Pending(), nil
}

// PollOnce publishes the backlog, waits briefly for the next envelope and
// publishes again.
func (e *Egress) PollOnce(ctx context.Context) error {
	if err := e.flush(ctx); errors.Is(err, ErrReconnectExhausted) {
		return err
	}
	got, err := e.Runtime().Receive(ctx, e.cfg.PollWait)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if got {
		if err := e.flush(ctx); errors.Is(err, ErrReconnectExhausted) {
			return err
		}
	}
	return nil
}

// HandleMessage validates, signs and serialises env and appends it to the
// backlog. Envelopes that fail schema validation are never published.
func (e *Egress) HandleMessage(_ context.Context, env envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		droppedTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("egress: %w", err)
	}
	if e.validator != nil {
		if err := schema.ValidateEnvelope(e.validator, env); err != nil {
			droppedTotal.WithLabelValues("schema_violation").Inc()
			e.logger.Error("data integrity defect: outbound envelope failed schema validation",
				zap.String("kind", string(env.Kind())),
				zap.Error(err),
			)
			return nil
		}
	}
	if e.signer != nil {
		signed, err := e.signer.Sign(env)
		if err != nil {
			droppedTotal.WithLabelValues("signing").Inc()
			return fmt.Errorf("egress: sign: %w", err)
		}
		env = signed
	}
	payload, err := envelope.Marshal(env)
	if err != nil {
		droppedTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("egress: %w", err)
	}
	e.enqueue(outbound{kind: env.Kind(), key: e.cfg.RoutingKey(env.Kind()), payload: payload})
	return nil
}

// Reset clears an exhausted connector so reconnection resumes.
func (e *Egress) Reset(_ context.Context) error {
	if e.conn != nil {
		e.conn.Reset()
	}
	return nil
}

// Health adds the broker connection to the runtime health.
func (e *Egress) Health(ctx context.Context) plugin.HealthStatus {
	h := e.Base.Health(ctx)
	if e.conn == nil {
		return h
	}
	return connectionHealth(h, e.conn, map[string]string{"backlog": strconv.Itoa(e.Pending())})
}

// Pending returns the number of envelopes waiting to be published.
func (e *Egress) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.backlog)
}

func (e *Egress) enqueue(o outbound) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	o.seq = e.seq
	e.backlog = append(e.backlog, o)
	if limit := e.cfg.MaxBacklog; limit > 0 && len(e.backlog) > limit {
		drop := len(e.backlog) - limit
		e.backlog = append([]outbound(nil), e.backlog[drop:]...)
		droppedTotal.WithLabelValues("backlog_full").Add(float64(drop))
		e.logger.Warn("egress backlog full, dropped oldest envelopes",
			zap.Int("dropped", drop),
			zap.Int("max_backlog", limit),
		)
	}
	backlogGauge.Set(float64(len(e.backlog)))
}

// flush publishes the backlog in order. A failed publish keeps the envelope
// at the head and marks the connection lost. The head is only removed if it
// is still the envelope just published; max_backlog may have dropped it
// meanwhile.
func (e *Egress) flush(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	if err := e.conn.Ensure(ctx); err != nil {
		return err
	}
	for {
		e.mu.Lock()
		if len(e.backlog) == 0 {
			e.mu.Unlock()
			return nil
		}
		next := e.backlog[0]
		e.mu.Unlock()

		pubCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		err := e.transport.Publish(pubCtx, next.key, next.payload)
		cancel()
		if err != nil {
			e.conn.MarkLost(err)
			return fmt.Errorf("%w: publish %s: %v", ErrBrokerUnavailable, next.key, err)
		}

		e.mu.Lock()
		if len(e.backlog) > 0 && e.backlog[0].seq == next.seq {
			e.backlog = e.backlog[1:]
		}
		backlogGauge.Set(float64(len(e.backlog)))
		e.mu.Unlock()
		publishedTotal.WithLabelValues(string(next.kind)).Inc()
		e.Runtime().LogDebug("published envelope", zap.String("routing_key", next.key))
	}
}

func connectionHealth(h plugin.HealthStatus, conn *Connector, extra map[string]string) plugin.HealthStatus {
	if h.Details == nil {
		h.Details = make(map[string]string)
	}
	state := conn.State()
	h.Details["connection"] = state.String()
	for k, v := range extra {
		h.Details[k] = v
	}
	switch {
	case conn.Exhausted():
		h.Status = "unhealthy"
		h.Message = ErrReconnectExhausted.Error()
	case state != Connected && h.Status == "healthy":
		h.Status = "degraded"
		h.Message = "not connected to broker"
		if err := conn.LastError(); err != nil {
			h.Message += ": " + err.Error()
		}
	}
	return h
}
