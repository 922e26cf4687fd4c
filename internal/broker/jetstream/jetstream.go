// Package jetstream implements the broker transport over NATS JetStream.
// Publishes wait for the stream's acknowledgement and the ingress consumer
// is durable with manual acks, so both directions are at-least-once.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/fruwatch/internal/broker"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ broker.Transport = (*Transport)(nil)

var errNotConnected = errors.New("jetstream: not connected")

// Config holds JetStream transport configuration.
type Config struct {
	URL      string
	Username string
	Password string //nolint:gosec // G101: config field name, not a credential
	Name     string
	Stream   string
	// SubjectRoot prefixes every published routing key.
	SubjectRoot string
	// Subjects the stream captures.
	Subjects []string
	Timeout  time.Duration
	AckWait  time.Duration
}

// FromBroker derives the transport configuration for one bridge direction.
// MQTT-style "/" separators in the exchange and ingress queue become ".".
func FromBroker(cfg broker.Config, role string) Config {
	root := Subject(cfg.Exchange)
	ingress := Subject(cfg.IngressQueue)
	subjects := []string{root + ".>"}
	if ingress != "" && !strings.HasPrefix(ingress, root+".") {
		subjects = append(subjects, ingress)
	}
	name := cfg.ClientID
	if name == "" {
		name = "fruwatch-" + uuid.NewString()[:8]
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	stream := cfg.Stream
	if stream == "" {
		stream = "FRUWATCH"
	}
	return Config{
		URL:         cfg.URL,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Name:        name + "-" + role,
		Stream:      stream,
		SubjectRoot: root,
		Subjects:    subjects,
		Timeout:     timeout,
		AckWait:     30 * time.Second,
	}
}

// Subject converts an MQTT-style name to a NATS subject.
func Subject(name string) string {
	return strings.Trim(strings.ReplaceAll(name, "/", "."), ".")
}

// Transport publishes to and consumes from one JetStream stream.
type Transport struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a disconnected JetStream transport.
func New(cfg Config, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{cfg: cfg, logger: logger}
}

// Connect dials the server and creates the stream when it does not exist.
// The client's own reconnect loop is disabled; the broker connector owns
// reconnection.
func (t *Transport) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(t.cfg.Name),
		nats.Timeout(t.cfg.Timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	}
	if t.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(t.cfg.Username, t.cfg.Password))
	}

	nc, err := nats.Connect(t.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", t.cfg.URL, err)
	}
	js, err := nc.JetStream(nats.MaxWait(t.cfg.Timeout))
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream context: %w", err)
	}
	if err := t.ensureStream(ctx, js); err != nil {
		nc.Close()
		return err
	}

	t.mu.Lock()
	old := t.conn
	t.conn, t.js = nc, js
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}
	t.logger.Info("connected to nats",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("stream", t.cfg.Stream),
	)
	return nil
}

func (t *Transport) ensureStream(ctx context.Context, js nats.JetStreamContext) error {
	_, err := js.StreamInfo(t.cfg.Stream, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", t.cfg.Stream, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     t.cfg.Stream,
		Subjects: t.cfg.Subjects,
		Storage:  nats.FileStorage,
	}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("create stream %s: %w", t.cfg.Stream, err)
	}
	t.logger.Info("created jetstream stream",
		zap.String("stream", t.cfg.Stream),
		zap.Strings("subjects", t.cfg.Subjects),
	)
	return nil
}

func (t *Transport) Publish(ctx context.Context, routingKey string, payload []byte) error {
	js, err := t.context()
	if err != nil {
		return err
	}
	subject := t.SubjectFor(routingKey)
	if _, err := js.Publish(subject, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe attaches a durable queue consumer to queue. The durable name is
// derived from the subject so every agent instance shares it.
func (t *Transport) Subscribe(_ context.Context, queue string, h broker.Handler) error {
	js, err := t.context()
	if err != nil {
		return err
	}
	subject := Subject(queue)
	durable := strings.ReplaceAll(subject, ".", "-")
	_, err = js.QueueSubscribe(subject, durable, func(m *nats.Msg) {
		h(&delivery{msg: m})
	}, nats.Durable(durable), nats.ManualAck(), nats.AckWait(t.cfg.AckWait), nats.DeliverAll())
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.conn.IsConnected()
}

// Close drops the connection. The durable consumer stays on the server.
func (t *Transport) Close() error {
	t.mu.Lock()
	nc := t.conn
	t.conn, t.js = nil, nil
	t.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
	return nil
}

// SubjectFor maps a routing key to a subject under the subject root.
func (t *Transport) SubjectFor(routingKey string) string {
	if t.cfg.SubjectRoot == "" {
		return routingKey
	}
	return t.cfg.SubjectRoot + "." + routingKey
}

func (t *Transport) context() (nats.JetStreamContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || !t.conn.IsConnected() {
		return nil, errNotConnected
	}
	return t.js, nil
}

type delivery struct {
	msg *nats.Msg
}

func (d *delivery) Body() []byte  { return d.msg.Data }
func (d *delivery) Ack() error    { return d.msg.Ack() }
func (d *delivery) Nack() error   { return d.msg.Nak() }
func (d *delivery) Reject() error { return d.msg.Term() }
