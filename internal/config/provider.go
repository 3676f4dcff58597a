package config

import (
	"flag"

	"github.com/oklog/ulid/v2"

	"github.com/gaspardpetit/toolrelay/internal/medium"
)

// ProviderConfig holds configuration for a broadcast provider.
type ProviderConfig struct {
	HandlerID  string        `yaml:"handler_id" toml:"handler_id"`
	Name       string        `yaml:"name" toml:"name"`
	Channel    string        `yaml:"channel" toml:"channel"`
	Origin     string        `yaml:"origin" toml:"origin"`
	Medium     medium.Config `yaml:"medium" toml:"medium"`
	LogLevel   string        `yaml:"log_level" toml:"log_level"`
	ConfigFile string        `yaml:"-" toml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ProviderConfig) SetDefaults() {
	if c.HandlerID == "" {
		c.HandlerID = ulid.Make().String()
	}
	if c.Name == "" {
		c.Name = "toolrelay"
	}
	if c.Medium.Kind == "" {
		c.Medium.Kind = medium.KindRedis
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("provider.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ProviderConfig) ApplyEnv() {
	envString("CONFIG_FILE", &c.ConfigFile)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("HANDLER_ID", &c.HandlerID)
	envString("PROVIDER_NAME", &c.Name)
	envString("CHANNEL", &c.Channel)
	envString("ORIGIN", &c.Origin)
	applyMediumEnv(&c.Medium)
}

// File returns the config file path.
func (c *ProviderConfig) File() string { return c.ConfigFile }

// LoadFile populates the config from a YAML or TOML file.
func (c *ProviderConfig) LoadFile(path string) error { return loadFile(path, c) }

// BindFlagsFromCurrent binds command line flags on fs using the current
// config values as defaults.
func (c *ProviderConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "provider config file path (.yaml or .toml)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.HandlerID, "handler-id", c.HandlerID, "handler identifier announced in discovery")
	fs.StringVar(&c.Name, "name", c.Name, "server name reported by the catalog")
	fs.StringVar(&c.Channel, "channel", c.Channel, "logical broadcast channel")
	fs.StringVar(&c.Origin, "origin", c.Origin, "only answer requesters presenting this origin; empty answers all")
	bindMediumFlags(fs, &c.Medium)
}
