package server

import "time"

// Config holds the ops HTTP server configuration.
type Config struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig listens on loopback only.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:9274",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}
