package config

import (
	"flag"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/gaspardpetit/toolrelay/internal/medium"
	"github.com/gaspardpetit/toolrelay/internal/resilient"
)

// Upstream kinds served by a handler agent.
const (
	UpstreamLocal     = "local"
	UpstreamBroadcast = "broadcast"
)

// HandlerConfig holds configuration for the handler agent.
type HandlerConfig struct {
	BridgeURL  string `yaml:"bridge_url" toml:"bridge_url"`
	ClientKey  string `yaml:"client_key" toml:"client_key"`
	HandlerID  string `yaml:"handler_id" toml:"handler_id"`
	Name       string `yaml:"name" toml:"name"`
	LogLevel   string `yaml:"log_level" toml:"log_level"`
	ConfigFile string `yaml:"-" toml:"-"`

	// Upstream is "local" to answer with the built-in catalog or
	// "broadcast" to forward each connection to a provider on Medium.
	Upstream string        `yaml:"upstream" toml:"upstream"`
	Medium   medium.Config `yaml:"medium" toml:"medium"`
	// Channel is the logical channel shared with providers; parties on
	// different channels ignore each other on the same medium.
	Channel          string        `yaml:"channel" toml:"channel"`
	Origin           string        `yaml:"origin" toml:"origin"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" toml:"discovery_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`

	MaxQueue  int              `yaml:"max_queue" toml:"max_queue"`
	Reconnect resilient.Policy `yaml:"reconnect" toml:"reconnect"`
	// MetricsAddr exposes /metrics when set.
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`
}

// SetDefaults initializes c with built-in defaults.
func (c *HandlerConfig) SetDefaults() {
	if c.BridgeURL == "" {
		c.BridgeURL = "ws://localhost:8080/connect"
	}
	if c.HandlerID == "" {
		c.HandlerID = ulid.Make().String()
	}
	if c.Name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "handler-" + uuid.NewString()[:8]
		}
		c.Name = host
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Upstream == "" {
		c.Upstream = UpstreamLocal
	}
	if c.Medium.Kind == "" {
		c.Medium.Kind = medium.KindRedis
	}
	if c.DiscoveryTimeout == 0 {
		c.DiscoveryTimeout = 2 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	defaultPolicy(&c.Reconnect)
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("handler.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *HandlerConfig) ApplyEnv() {
	envString("CONFIG_FILE", &c.ConfigFile)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("BRIDGE_URL", &c.BridgeURL)
	envString("CLIENT_KEY", &c.ClientKey)
	envString("HANDLER_ID", &c.HandlerID)
	envString("HANDLER_NAME", &c.Name)
	envString("UPSTREAM", &c.Upstream)
	applyMediumEnv(&c.Medium)
	envString("CHANNEL", &c.Channel)
	envString("ORIGIN", &c.Origin)
	envDuration("DISCOVERY_TIMEOUT", &c.DiscoveryTimeout)
	envDuration("IDLE_TIMEOUT", &c.IdleTimeout)
	envInt("MAX_QUEUE", &c.MaxQueue)
	applyPolicyEnv(&c.Reconnect)
	if v := getEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
}

// File returns the config file path.
func (c *HandlerConfig) File() string { return c.ConfigFile }

// LoadFile populates the config from a YAML or TOML file.
func (c *HandlerConfig) LoadFile(path string) error { return loadFile(path, c) }

// BindFlagsFromCurrent binds command line flags on fs using the current
// config values as defaults.
func (c *HandlerConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "handler config file path (.yaml or .toml)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.BridgeURL, "bridge-url", c.BridgeURL, "bridge websocket URL")
	fs.StringVar(&c.ClientKey, "client-key", c.ClientKey, "key presented to the bridge")
	fs.StringVar(&c.HandlerID, "handler-id", c.HandlerID, "handler identifier")
	fs.StringVar(&c.Name, "name", c.Name, "handler display name")
	fs.StringVar(&c.Upstream, "upstream", c.Upstream, "upstream kind (local, broadcast)")
	bindMediumFlags(fs, &c.Medium)
	fs.StringVar(&c.Channel, "channel", c.Channel, "logical broadcast channel")
	fs.StringVar(&c.Origin, "origin", c.Origin, "origin presented to providers")
	fs.DurationVar(&c.DiscoveryTimeout, "discovery-timeout", c.DiscoveryTimeout, "time to wait for provider discovery")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "close an upstream after this long without traffic")
	fs.IntVar(&c.MaxQueue, "max-queue", c.MaxQueue, "messages kept while the bridge is unreachable (0 is unbounded)")
	bindPolicyFlags(fs, &c.Reconnect)
	fs.Func("metrics-port", "Prometheus metrics listen address or port; empty disables", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
}
