// Package medium provides multicast domains used by the broadcast adapter.
// Every subscriber sees every publish, its own included. There is no
// addressing and no delivery guarantee; only a single publisher's order is
// kept.
package medium

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gaspardpetit/toolrelay/internal/logx"
)

// DefaultBuffer is the number of undelivered payloads a subscription holds
// before it starts dropping.
const DefaultBuffer = 1024

// ErrClosed is returned when publishing on or subscribing to a closed medium.
var ErrClosed = errors.New("medium closed")

// Medium is an open multicast domain.
type Medium interface {
	// Publish writes data to every current subscriber.
	Publish(ctx context.Context, data []byte) error
	// Subscribe returns a channel receiving every subsequent publish. The
	// channel is closed when ctx ends or the medium closes.
	Subscribe(ctx context.Context) (<-chan []byte, error)
	Close() error
}

// Config selects and addresses a medium.
type Config struct {
	Kind    string `yaml:"kind" toml:"kind"`
	URL     string `yaml:"url" toml:"url"`
	Channel string `yaml:"channel" toml:"channel"`
}

// Kinds of media understood by Open.
const (
	KindMemory = "memory"
	KindRedis  = "redis"
	KindNATS   = "nats"
)

// Open builds the medium described by cfg. A memory medium is a fresh
// in-process domain; share the returned value to put several parties on it.
func Open(ctx context.Context, cfg Config) (Medium, error) {
	channel := cfg.Channel
	if channel == "" {
		channel = "toolrelay"
	}
	switch strings.ToLower(cfg.Kind) {
	case "", KindMemory:
		return NewMemory(channel), nil
	case KindRedis:
		return DialRedis(ctx, cfg.URL, channel)
	case KindNATS:
		return DialNATS(cfg.URL, channel)
	default:
		return nil, fmt.Errorf("unknown medium kind %q", cfg.Kind)
	}
}

// deliver hands payload to out without blocking the publisher side.
func deliver(out chan<- []byte, payload []byte, kind string) {
	select {
	case out <- payload:
	default:
		logx.Log.Warn().Str("medium", kind).Int("bytes", len(payload)).Msg("subscriber buffer full; dropping broadcast")
	}
}
