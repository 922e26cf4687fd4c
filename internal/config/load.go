package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: FRUWATCH_BROKER_URL sets
// broker.url.
const EnvPrefix = "FRUWATCH"

// Load reads configuration from file, environment and flags. path may be
// empty to search ., ./configs and /etc/fruwatch for fruwatch.yaml; a
// missing file is not an error. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fruwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/fruwatch")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if f := flags.Lookup("log-level"); f != nil {
			if err := v.BindPFlag("logging.level", f); err != nil {
				return nil, fmt.Errorf("bind log-level flag: %w", err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// SetDefaults registers the default for every known key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.addr", "127.0.0.1:9274")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("bus.queue_capacity", 256)

	v.SetDefault("cache.backend", "json")
	v.SetDefault("cache.dir", "/var/cache/fruwatch")
	v.SetDefault("cache.sqlite_path", "/var/lib/fruwatch/fruwatch.db")

	v.SetDefault("enclosure.url", "")
	v.SetDefault("enclosure.username", "manage")
	v.SetDefault("enclosure.password", "")
	v.SetDefault("enclosure.timeout", "15s")
	v.SetDefault("enclosure.rate_limit", 5)
	v.SetDefault("enclosure.burst", 5)

	v.SetDefault("broker.transport", "mqtt")
	v.SetDefault("broker.url", "tcp://127.0.0.1:1883")
	v.SetDefault("broker.client_id", "fruwatch")
	v.SetDefault("broker.timeout", "10s")
	v.SetDefault("broker.qos", 1)
	v.SetDefault("broker.stream", "FRUWATCH")
	v.SetDefault("broker.exchange", "sspl")
	v.SetDefault("broker.ingress_queue", "sspl/ingress")
	v.SetDefault("broker.routing_keys", map[string]string{
		"sensor_request_type":    "sensor",
		"actuator_response_type": "actuator",
		"actuator_request_type":  "actuator_request",
		"sspl_ll_debug":          "debug",
	})
	v.SetDefault("broker.routes", map[string]string{
		"thread_controller": "thread-controller",
	})
	v.SetDefault("broker.max_backlog", 10000)
	v.SetDefault("broker.poll_wait", "500ms")
	v.SetDefault("broker.reconnect.initial_interval", "1s")
	v.SetDefault("broker.reconnect.max_interval", "1m")
	v.SetDefault("broker.reconnect.max_attempts", 0)
	v.SetDefault("broker.signing.secret", "")
	v.SetDefault("broker.signing.username", "sspl-ll")
	v.SetDefault("broker.signing.expires", "1h")

	for _, name := range []string{"psu-sensor", "fan-sensor", "controller-sensor"} {
		v.SetDefault("plugins."+name+".enabled", true)
		v.SetDefault("plugins."+name+".interval", "10s")
		v.SetDefault("plugins."+name+".timeout", "20s")
		v.SetDefault("plugins."+name+".debug", false)
		v.SetDefault("plugins."+name+".persist_debug", false)
	}

	v.SetDefault("plugins.egress.interval", "100ms")
	v.SetDefault("plugins.ingress.interval", "100ms")
	v.SetDefault("plugins.thread-controller.enabled", true)
	v.SetDefault("plugins.thread-controller.interval", "100ms")
}
