package mqtt

import (
	"time"

	"github.com/HerbHall/fruwatch/internal/broker"
	"github.com/google/uuid"
)

// Config holds MQTT transport configuration.
type Config struct {
	BrokerURL   string
	Username    string
	Password    string //nolint:gosec // G101: config field name, not a credential
	ClientID    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// DefaultConfig returns sensible defaults for the MQTT transport.
func DefaultConfig() Config {
	return Config{
		ClientID:    "fruwatch",
		TopicPrefix: "sspl",
		QoS:         1,
		Timeout:     10 * time.Second,
	}
}

// FromBroker derives the transport configuration for one bridge direction.
// role keeps the egress and ingress sessions apart on the broker.
func FromBroker(cfg broker.Config, role string) Config {
	c := DefaultConfig()
	c.BrokerURL = cfg.URL
	c.Username = cfg.Username
	c.Password = cfg.Password
	if cfg.Exchange != "" {
		c.TopicPrefix = cfg.Exchange
	}
	if cfg.QoS > 0 {
		c.QoS = cfg.QoS
	}
	if cfg.Timeout > 0 {
		c.Timeout = cfg.Timeout
	}
	id := cfg.ClientID
	if id == "" {
		id = "fruwatch-" + uuid.NewString()[:8]
	}
	c.ClientID = id + "-" + role
	return c
}
