// Package config holds the settings of the toolrelay binaries. Each config
// is layered: built-in defaults, then an optional YAML or TOML file, then
// environment variables, then command line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/toolrelay/internal/medium"
	"github.com/gaspardpetit/toolrelay/internal/resilient"
)

// DefaultConfigPath returns the default config file path for the given
// component file name (e.g. "bridge.yaml").
func DefaultConfigPath(name string) string {
	home, _ := os.UserHomeDir()
	return ResolveConfigPath(runtime.GOOS, home, os.Getenv("ProgramData"), name)
}

// ResolveConfigPath builds a config path for goos from the given base
// directories.
func ResolveConfigPath(goos, home, programData, name string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "toolrelay", name)
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		programData = strings.TrimRight(programData, "\\/")
		return filepath.Join(programData, "toolrelay", name)
	default:
		return filepath.Join("/etc", "toolrelay", name)
	}
}

// loadFile decodes path into v. Files ending in .toml are TOML, anything
// else is YAML.
func loadFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(b), v); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(b, v); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return nil
}

// LoadOptional loads path into v when it exists. A missing file is not an
// error unless required is set.
func LoadOptional(path string, required bool, v interface{ LoadFile(string) error }) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return err
	}
	return v.LoadFile(path)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDuration(key string, dst *time.Duration) {
	if v := getEnv(key, ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(key string, dst *int) {
	if v := getEnv(key, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if v := getEnv(key, ""); v != "" {
		*dst = v
	}
}

func metricsAddr(v string) string {
	if v == "" || strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

// defaultPolicy fills the zero fields of p. A zero MaxRetries is kept only
// when the whole policy was left unset.
func defaultPolicy(p *resilient.Policy) {
	if *p == (resilient.Policy{}) {
		*p = resilient.DefaultPolicy()
	}
}

// applyPolicyEnv overlays the RECONNECT_* variables.
func applyPolicyEnv(p *resilient.Policy) {
	envDuration("RECONNECT_INITIAL_DELAY", &p.InitialDelay)
	envDuration("RECONNECT_MAX_DELAY", &p.MaxDelay)
	envDuration("RECONNECT_CONNECT_TIMEOUT", &p.ConnectTimeout)
	envInt("RECONNECT_MAX_RETRIES", &p.MaxRetries)
	if v := getEnv("RECONNECT_MULTIPLIER", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.Multiplier = f
		}
	}
}

// FileFromArgs returns the value of a --config or -config argument, or ""
// when none is given. It lets main load the file before flags are parsed.
func FileFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		for _, p := range []string{"--config", "-config"} {
			if a == p && i+1 < len(args) {
				return args[i+1]
			}
			if strings.HasPrefix(a, p+"=") {
				return strings.TrimPrefix(a, p+"=")
			}
		}
	}
	return ""
}

func bindPolicyFlags(fs *flag.FlagSet, p *resilient.Policy) {
	fs.DurationVar(&p.InitialDelay, "reconnect-initial-delay", p.InitialDelay, "delay before the first reconnection attempt")
	fs.Float64Var(&p.Multiplier, "reconnect-multiplier", p.Multiplier, "growth factor between reconnection delays")
	fs.DurationVar(&p.MaxDelay, "reconnect-max-delay", p.MaxDelay, "upper bound on the reconnection delay")
	fs.IntVar(&p.MaxRetries, "reconnect-max-retries", p.MaxRetries, "reconnection attempts before giving up (0 retries forever)")
	fs.DurationVar(&p.ConnectTimeout, "connect-timeout", p.ConnectTimeout, "time allowed for one connection attempt")
}

func applyMediumEnv(m *medium.Config) {
	envString("MEDIUM_KIND", &m.Kind)
	envString("MEDIUM_URL", &m.URL)
	envString("MEDIUM_CHANNEL", &m.Channel)
}

func bindMediumFlags(fs *flag.FlagSet, m *medium.Config) {
	fs.StringVar(&m.Kind, "medium", m.Kind, "broadcast medium (memory, redis, nats)")
	fs.StringVar(&m.URL, "medium-url", m.URL, "broadcast medium URL")
	fs.StringVar(&m.Channel, "medium-channel", m.Channel, "broadcast medium channel or subject")
}

// Layered is implemented by every config in this package.
type Layered interface {
	SetDefaults()
	ApplyEnv()
	LoadFile(path string) error
	File() string
}

// Resolve fills c from defaults, the config file, then the environment.
// The file is the one named by a --config argument, CONFIG_FILE, or the
// default path; only a file that was asked for explicitly must exist.
// Flags are bound and parsed by the caller afterwards.
func Resolve(c Layered, args []string) error {
	c.SetDefaults()
	c.ApplyEnv()
	path := c.File()
	_, explicit := os.LookupEnv("CONFIG_FILE")
	if p := FileFromArgs(args); p != "" {
		path = p
		explicit = true
	}
	if err := LoadOptional(path, explicit, c); err != nil {
		return err
	}
	c.ApplyEnv()
	return nil
}
