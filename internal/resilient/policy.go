package resilient

import (
	"math"
	"time"
)

// Policy controls reconnection.
type Policy struct {
	InitialDelay time.Duration `yaml:"initial_delay" toml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier" toml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay" toml:"max_delay"`
	// MaxRetries is the number of reconnection attempts after the first
	// failure; zero retries forever.
	MaxRetries int `yaml:"max_retries" toml:"max_retries"`
	// ConnectTimeout aborts a hung attempt, which then counts as failed.
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`
}

// DefaultPolicy returns the stock reconnection settings.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:   time.Second,
		Multiplier:     1.5,
		MaxDelay:       30 * time.Second,
		MaxRetries:     10,
		ConnectTimeout: 10 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = d.ConnectTimeout
	}
	return p
}

// Delay returns the wait before retry n (1-based):
// min(InitialDelay * Multiplier^(n-1), MaxDelay).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n-1))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
