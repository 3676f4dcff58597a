package config

import (
	"flag"

	"github.com/gaspardpetit/toolrelay/internal/resilient"
)

// Framings understood by the stdio bridge.
const (
	FramingNewline = "newline"
	FramingLength  = "length"
)

// StdioConfig holds configuration for the stdio requester.
type StdioConfig struct {
	BridgeURL    string           `yaml:"bridge_url" toml:"bridge_url"`
	ClientKey    string           `yaml:"client_key" toml:"client_key"`
	ConnectionID string           `yaml:"connection_id" toml:"connection_id"`
	Framing      string           `yaml:"framing" toml:"framing"`
	MaxQueue     int              `yaml:"max_queue" toml:"max_queue"`
	Reconnect    resilient.Policy `yaml:"reconnect" toml:"reconnect"`
	LogLevel     string           `yaml:"log_level" toml:"log_level"`
	ConfigFile   string           `yaml:"-" toml:"-"`
}

// SetDefaults initializes c with built-in defaults. Logging defaults to
// warnings since stdout carries protocol traffic and logs go to stderr.
func (c *StdioConfig) SetDefaults() {
	if c.BridgeURL == "" {
		c.BridgeURL = "ws://localhost:8080/connect"
	}
	if c.Framing == "" {
		c.Framing = FramingNewline
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	defaultPolicy(&c.Reconnect)
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("stdio.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *StdioConfig) ApplyEnv() {
	envString("CONFIG_FILE", &c.ConfigFile)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("BRIDGE_URL", &c.BridgeURL)
	envString("CLIENT_KEY", &c.ClientKey)
	envString("CONNECTION_ID", &c.ConnectionID)
	envString("FRAMING", &c.Framing)
	envInt("MAX_QUEUE", &c.MaxQueue)
	applyPolicyEnv(&c.Reconnect)
}

// File returns the config file path.
func (c *StdioConfig) File() string { return c.ConfigFile }

// LoadFile populates the config from a YAML or TOML file.
func (c *StdioConfig) LoadFile(path string) error { return loadFile(path, c) }

// BindFlagsFromCurrent binds command line flags on fs using the current
// config values as defaults.
func (c *StdioConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "stdio config file path (.yaml or .toml)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.BridgeURL, "bridge-url", c.BridgeURL, "bridge websocket URL")
	fs.StringVar(&c.ClientKey, "client-key", c.ClientKey, "key presented to the bridge")
	fs.StringVar(&c.ConnectionID, "connection-id", c.ConnectionID, "connection id to request from the bridge; empty lets the bridge choose")
	fs.StringVar(&c.Framing, "framing", c.Framing, "stdio framing (newline, length)")
	fs.IntVar(&c.MaxQueue, "max-queue", c.MaxQueue, "messages kept while the bridge is unreachable (0 is unbounded)")
	bindPolicyFlags(fs, &c.Reconnect)
}
