// Package mqtt implements the broker transport over MQTT. Sessions are
// persistent and acknowledgements manual, so a message the agent has not
// acknowledged is redelivered when the session resumes.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/fruwatch/internal/broker"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ broker.Transport = (*Transport)(nil)

var (
	errNotConnected = errors.New("mqtt: not connected")
	errTimeout      = errors.New("mqtt: operation timed out")
)

// Transport is a paho MQTT client managed by the broker connector. Paho's
// own reconnect loop is disabled.
type Transport struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	client pahomqtt.Client
}

// New creates a disconnected MQTT transport.
func New(cfg Config, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{cfg: cfg, logger: logger}
}

func (t *Transport) Connect(ctx context.Context) error {
	if t.cfg.BrokerURL == "" {
		return errors.New("mqtt: broker url not configured")
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(t.cfg.BrokerURL).
		SetClientID(t.cfg.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetAutoAckDisabled(true).
		SetConnectTimeout(t.cfg.Timeout).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			t.logger.Warn("mqtt connection lost", zap.Error(err))
		})
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password) //nolint:gosec // G101: config field
	}

	client := pahomqtt.NewClient(opts)
	if err := t.wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", t.cfg.BrokerURL, err)
	}

	t.mu.Lock()
	old := t.client
	t.client = client
	t.mu.Unlock()
	if old != nil {
		old.Disconnect(0)
	}
	t.logger.Info("mqtt connected to broker",
		zap.String("broker_url", t.cfg.BrokerURL),
		zap.String("client_id", t.cfg.ClientID),
	)
	return nil
}

func (t *Transport) Publish(ctx context.Context, routingKey string, payload []byte) error {
	client, err := t.connected()
	if err != nil {
		return err
	}
	topic := t.Topic(routingKey)
	if err := t.wait(ctx, client.Publish(topic, t.cfg.QoS, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, queue string, h broker.Handler) error {
	client, err := t.connected()
	if err != nil {
		return err
	}
	token := client.Subscribe(queue, t.cfg.QoS, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		h(&delivery{msg: msg})
	})
	if err := t.wait(ctx, token); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", queue, err)
	}
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client != nil && t.client.IsConnectionOpen()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		t.logger.Info("mqtt disconnected")
	}
	return nil
}

// Topic maps a routing key to an MQTT topic under the configured prefix.
func (t *Transport) Topic(routingKey string) string {
	prefix := strings.TrimSuffix(t.cfg.TopicPrefix, "/")
	if prefix == "" {
		return routingKey
	}
	return prefix + "/" + routingKey
}

func (t *Transport) connected() (pahomqtt.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil || !t.client.IsConnectionOpen() {
		return nil, errNotConnected
	}
	return t.client, nil
}

func (t *Transport) wait(ctx context.Context, token pahomqtt.Token) error {
	timer := time.NewTimer(t.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTimeout
	}
}

// delivery settles one MQTT message. MQTT has no negative acknowledgement:
// Nack leaves the message unacknowledged so the broker redelivers it on the
// next session, and Reject acknowledges it without processing.
type delivery struct {
	msg pahomqtt.Message
}

func (d *delivery) Body() []byte { return d.msg.Payload() }

func (d *delivery) Ack() error {
	d.msg.Ack()
	return nil
}

func (d *delivery) Nack() error { return nil }

func (d *delivery) Reject() error {
	d.msg.Ack()
	return nil
}
