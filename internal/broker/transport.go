// Package broker bridges the internal bus to an external message broker.
// Egress drains the egress queue and publishes every envelope with a routing
// key derived from its kind; ingress consumes the broker queue and writes
// each inbound envelope to the queue of the module it addresses. Delivery is
// at-least-once in both directions.
package broker

import (
	"context"
	"errors"
)

var (
	// ErrBrokerUnavailable is returned while the broker cannot be reached.
	// Outbound envelopes stay queued.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrReconnectExhausted is returned once max_attempts consecutive
	// connection attempts have failed. Only Restart clears it.
	ErrReconnectExhausted = errors.New("broker reconnect attempts exhausted")
	// ErrNoRoute is returned for an inbound envelope no module claims.
	ErrNoRoute = errors.New("no route for envelope")
	// ErrIncompatibleVersion is returned for an inbound schema_version with
	// a different major version.
	ErrIncompatibleVersion = errors.New("incompatible schema version")
)

// Delivery is one inbound broker message awaiting settlement.
type Delivery interface {
	Body() []byte
	// Ack confirms the message; the broker will not redeliver it.
	Ack() error
	// Nack returns the message to the broker for redelivery.
	Nack() error
	// Reject drops the message without redelivery.
	Reject() error
}

// Handler receives deliveries from a subscription.
type Handler func(Delivery)

// Transport is a broker client. Implementations prefix routing keys with
// their configured exchange or subject root.
type Transport interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, routingKey string, payload []byte) error
	Subscribe(ctx context.Context, queue string, h Handler) error
	IsConnected() bool
	Close() error
}
