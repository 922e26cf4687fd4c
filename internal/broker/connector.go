package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ConnState is the broker connection state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Connector owns a transport's connection state. Callers drive it with
// Ensure from their own iteration; it never blocks beyond one connection
// attempt and spaces attempts with exponential backoff.
type Connector struct {
	name      string
	transport Transport
	cfg       ReconnectConfig
	logger    *zap.Logger
	onConnect func(context.Context) error

	mu        sync.Mutex
	state     ConnState
	failures  int
	exhausted bool
	lastErr   error
	retryAt   time.Time
	bo        *backoff.ExponentialBackOff
}

// NewConnector creates a disconnected connector. onConnect, if not nil, runs
// after every successful Connect; its failure counts as a failed attempt.
func NewConnector(name string, t Transport, cfg ReconnectConfig, logger *zap.Logger, onConnect func(context.Context) error) *Connector {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval
	bo.Reset()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		name:      name,
		transport: t,
		cfg:       cfg,
		logger:    logger,
		onConnect: onConnect,
		bo:        bo,
	}
}

// Ensure returns nil when connected. Otherwise it makes one connection
// attempt if the backoff delay has elapsed, and returns an error wrapping
// ErrBrokerUnavailable or ErrReconnectExhausted when still not connected.
func (c *Connector) Ensure(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Connected {
		if c.transport.IsConnected() {
			return nil
		}
		c.lostLocked(errors.New("transport reported disconnect"))
	}
	if c.exhausted {
		return fmt.Errorf("%w: %s gave up after %d attempts: %v", ErrReconnectExhausted, c.name, c.failures, c.lastErr)
	}
	if wait := time.Until(c.retryAt); wait > 0 {
		return fmt.Errorf("%w: %s: next attempt in %s", ErrBrokerUnavailable, c.name, wait.Round(time.Millisecond))
	}

	c.setStateLocked(Connecting)
	err := c.transport.Connect(ctx)
	if err == nil && c.onConnect != nil {
		if err = c.onConnect(ctx); err != nil {
			_ = c.transport.Close()
		}
	}
	if err != nil {
		c.failures++
		c.lastErr = err
		c.setStateLocked(Disconnected)
		connectFailuresTotal.WithLabelValues(c.name).Inc()

		if c.cfg.MaxAttempts > 0 && c.failures >= c.cfg.MaxAttempts {
			c.exhausted = true
			c.logger.Error("broker reconnect attempts exhausted",
				zap.String("module", c.name),
				zap.Int("attempts", c.failures),
				zap.Error(err),
			)
			return fmt.Errorf("%w: %s gave up after %d attempts: %v", ErrReconnectExhausted, c.name, c.failures, err)
		}

		delay := c.bo.NextBackOff()
		c.retryAt = time.Now().Add(delay)
		c.logger.Warn("broker connection failed",
			zap.String("module", c.name),
			zap.Int("attempt", c.failures),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %s: %v", ErrBrokerUnavailable, c.name, err)
	}

	if c.failures > 0 {
		c.logger.Info("broker connection restored",
			zap.String("module", c.name),
			zap.Int("failed_attempts", c.failures),
		)
	} else {
		c.logger.Info("connected to broker", zap.String("module", c.name))
	}
	c.failures = 0
	c.lastErr = nil
	c.retryAt = time.Time{}
	c.bo.Reset()
	c.setStateLocked(Connected)
	reconnectsTotal.WithLabelValues(c.name).Inc()
	return nil
}

// MarkLost records a failed broker call on an established connection. The
// next Ensure reconnects without waiting.
func (c *Connector) MarkLost(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lostLocked(err)
}

func (c *Connector) lostLocked(err error) {
	if c.state != Connected {
		return
	}
	c.lastErr = err
	c.retryAt = time.Time{}
	c.setStateLocked(Disconnected)
	_ = c.transport.Close()
	c.logger.Warn("broker connection lost",
		zap.String("module", c.name),
		zap.Error(err),
	)
}

// Reset clears the failure count and an exhausted state.
func (c *Connector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.exhausted = false
	c.lastErr = nil
	c.retryAt = time.Time{}
	c.bo.Reset()
}

// Close disconnects the transport.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(Disconnected)
	return c.transport.Close()
}

func (c *Connector) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Exhausted reports whether max_attempts has been reached.
func (c *Connector) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// LastError returns the most recent connection error.
func (c *Connector) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Connector) setStateLocked(s ConnState) {
	c.state = s
	v := 0.0
	if s == Connected {
		v = 1
	}
	brokerConnected.WithLabelValues(c.name).Set(v)
}
