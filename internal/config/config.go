// Package config loads the agent configuration and exposes module sections
// through plugin.Config.
package config

import (
	"github.com/HerbHall/fruwatch/pkg/plugin"
	"github.com/spf13/viper"
)

// Compile-time interface guard.
var _ plugin.Config = (*ViperConfig)(nil)

// ViperConfig implements plugin.Config on top of Viper. The typed getters
// are Viper's own.
type ViperConfig struct {
	*viper.Viper
}

// New wraps v. A nil v yields an empty config.
func New(v *viper.Viper) *ViperConfig {
	if v == nil {
		v = viper.New()
	}
	return &ViperConfig{Viper: v}
}

func (c *ViperConfig) Unmarshal(target any) error {
	return c.Viper.Unmarshal(target)
}

// Sub returns the section under key. A missing section is empty rather
// than nil so modules can read it unconditionally.
func (c *ViperConfig) Sub(key string) plugin.Config {
	return New(c.Viper.Sub(key))
}

// Module returns the plugins.<name> section.
func (c *ViperConfig) Module(name string) plugin.Config {
	return c.Sub("plugins." + name)
}

// Enabled reports whether module name is switched on. Modules are enabled
// unless plugins.<name>.enabled is set to false.
func (c *ViperConfig) Enabled(name string) bool {
	key := "plugins." + name + ".enabled"
	return !c.IsSet(key) || c.GetBool(key)
}
