package enclosure

import "time"

// Config holds the enclosure management API configuration.
type Config struct {
	URL      string        `mapstructure:"url"`      // Base URL (e.g., "http://10.0.0.2")
	Username string        `mapstructure:"username"` // API user
	Password string        `mapstructure:"password"` //nolint:gosec // G101: config field name, not a credential
	Timeout  time.Duration `mapstructure:"timeout"`  // Per-request timeout (default: 15s)
	// RateLimit is the sustained request rate shared by every sensor, in
	// requests per second. 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Username:  "manage",
		Timeout:   15 * time.Second,
		RateLimit: 5,
		Burst:     5,
	}
}
