package config

import (
	"flag"
	"fmt"
	"time"
)

// BridgeConfig holds configuration for the bridge server.
type BridgeConfig struct {
	Port           int           `yaml:"port" toml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr" toml:"metrics_addr"`
	LogLevel       string        `yaml:"log_level" toml:"log_level"`
	ConfigFile     string        `yaml:"-" toml:"-"`
	ClientKey      string        `yaml:"client_key" toml:"client_key"`
	AllowedOrigins []string      `yaml:"allowed_origins" toml:"allowed_origins"`
	Heartbeat      time.Duration `yaml:"heartbeat" toml:"heartbeat"`
	MaxQueue       int           `yaml:"max_queue" toml:"max_queue"`
	SendBuffer     int           `yaml:"send_buffer" toml:"send_buffer"`
	// RedisAddr, when set, publishes bridge snapshots to redis so several
	// bridges can be inspected from one place.
	RedisAddr     string        `yaml:"redis_addr" toml:"redis_addr"`
	StateInterval time.Duration `yaml:"state_interval" toml:"state_interval"`
	DrainTimeout  time.Duration `yaml:"drain_timeout" toml:"drain_timeout"`
}

// SetDefaults initializes c with built-in defaults.
func (c *BridgeConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.MaxQueue == 0 {
		c.MaxQueue = 1024
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 256
	}
	if c.StateInterval == 0 {
		c.StateInterval = 5 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("bridge.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *BridgeConfig) ApplyEnv() {
	envString("CONFIG_FILE", &c.ConfigFile)
	envString("LOG_LEVEL", &c.LogLevel)
	envInt("PORT", &c.Port)
	if v := getEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	envString("CLIENT_KEY", &c.ClientKey)
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	envDuration("HEARTBEAT", &c.Heartbeat)
	envInt("MAX_QUEUE", &c.MaxQueue)
	envInt("SEND_BUFFER", &c.SendBuffer)
	envString("REDIS_ADDR", &c.RedisAddr)
	envDuration("STATE_INTERVAL", &c.StateInterval)
	envDuration("DRAIN_TIMEOUT", &c.DrainTimeout)
}

// ListenAddr is the address of the public listener.
func (c *BridgeConfig) ListenAddr() string { return fmt.Sprintf(":%d", c.Port) }

// MetricsListenAddr is the metrics listener address. It equals ListenAddr
// when no separate metrics address is configured.
func (c *BridgeConfig) MetricsListenAddr() string {
	if c.MetricsAddr == "" {
		return c.ListenAddr()
	}
	return c.MetricsAddr
}

// File returns the config file path.
func (c *BridgeConfig) File() string { return c.ConfigFile }

// LoadFile populates the config from a YAML or TOML file.
func (c *BridgeConfig) LoadFile(path string) error { return loadFile(path, c) }

// BindFlagsFromCurrent binds command line flags on fs using the current
// config values as defaults.
func (c *BridgeConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path (.yaml or .toml)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.ClientKey, "client-key", c.ClientKey, "shared key requesters and handlers must present; leave empty to disable")
	fs.Func("allowed-origins", "comma separated list of allowed CORS and websocket origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.DurationVar(&c.Heartbeat, "heartbeat", c.Heartbeat, "websocket ping interval (negative disables)")
	fs.IntVar(&c.MaxQueue, "max-queue", c.MaxQueue, "messages kept per session while no handler is connected")
	fs.IntVar(&c.SendBuffer, "send-buffer", c.SendBuffer, "frames buffered per peer before sends fail")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for bridge snapshots")
	fs.DurationVar(&c.StateInterval, "state-interval", c.StateInterval, "interval between snapshot publications")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for connections to end on shutdown")
}
