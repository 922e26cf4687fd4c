package broker

import (
	"time"

	"github.com/HerbHall/fruwatch/pkg/envelope"
)

// Config holds the broker bridge configuration shared by egress, ingress
// and the transports.
type Config struct {
	Transport    string        `mapstructure:"transport"` // "mqtt" or "jetstream"
	URL          string        `mapstructure:"url"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"` //nolint:gosec // G101: config field name, not a credential
	ClientID     string        `mapstructure:"client_id"`
	Timeout      time.Duration `mapstructure:"timeout"`
	QoS          byte          `mapstructure:"qos"`
	Stream       string        `mapstructure:"stream"`
	Exchange     string        `mapstructure:"exchange"`
	IngressQueue string        `mapstructure:"ingress_queue"`

	// RoutingKeys maps an envelope kind to its egress routing key.
	RoutingKeys map[string]string `mapstructure:"routing_keys"`
	// Routes maps an inbound actuator or sensor type to a module name.
	Routes map[string]string `mapstructure:"routes"`

	// MaxBacklog bounds the egress backlog; 0 keeps every envelope.
	MaxBacklog int           `mapstructure:"max_backlog"`
	PollWait   time.Duration `mapstructure:"poll_wait"`

	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Signing   SigningConfig   `mapstructure:"signing"`
}

// ReconnectConfig controls the connection backoff.
type ReconnectConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	// MaxAttempts consecutive failures exhaust the connector; 0 retries
	// forever.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// SigningConfig enables envelope signing when Secret is set.
type SigningConfig struct {
	Secret   string        `mapstructure:"secret"` //nolint:gosec // G101: config field name, not a credential
	Username string        `mapstructure:"username"`
	Expires  time.Duration `mapstructure:"expires"`
}

// DefaultConfig returns the defaults for the broker bridge.
func DefaultConfig() Config {
	return Config{
		Transport:    "mqtt",
		ClientID:     "fruwatch",
		Timeout:      10 * time.Second,
		QoS:          1,
		Stream:       "FRUWATCH",
		Exchange:     "sspl",
		IngressQueue: "sspl/ingress",
		RoutingKeys: map[string]string{
			string(envelope.KindSensorRequest):    "sensor",
			string(envelope.KindActuatorResponse): "actuator",
			string(envelope.KindActuatorRequest):  "actuator_request",
			string(envelope.KindDebug):            "debug",
		},
		Routes: map[string]string{
			"thread_controller": "thread-controller",
		},
		PollWait: 500 * time.Millisecond,
		Reconnect: ReconnectConfig{
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
			MaxAttempts:     0,
		},
		Signing: SigningConfig{
			Username: "sspl-ll",
			Expires:  time.Hour,
		},
	}
}

// RoutingKey returns the routing key for kind. Unmapped kinds use the kind
// name itself.
func (c Config) RoutingKey(kind envelope.Kind) string {
	if key, ok := c.RoutingKeys[string(kind)]; ok && key != "" {
		return key
	}
	return string(kind)
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.PollWait <= 0 {
		c.PollWait = d.PollWait
	}
	if c.Reconnect.InitialInterval <= 0 {
		c.Reconnect.InitialInterval = d.Reconnect.InitialInterval
	}
	if c.Reconnect.MaxInterval <= 0 {
		c.Reconnect.MaxInterval = d.Reconnect.MaxInterval
	}
	if c.RoutingKeys == nil {
		c.RoutingKeys = d.RoutingKeys
	}
	if c.Routes == nil {
		c.Routes = d.Routes
	}
	return c
}
