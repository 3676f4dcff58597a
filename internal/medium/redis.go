package medium

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/toolrelay/internal/redisx"
)

// Redis is a multicast domain on a redis PUB/SUB channel, letting providers
// and requesters sit in different processes.
type Redis struct {
	client  redis.UniversalClient
	channel string
	owned   bool

	mu     sync.Mutex
	closed bool
}

// DialRedis connects to the redis server at addr (host:port or redis URL).
func DialRedis(ctx context.Context, addr, channel string) (*Redis, error) {
	c, err := redisx.NewClient(addr)
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: c, channel: channel, owned: true}, nil
}

// NewRedis wraps an existing client. Close leaves the client open.
func NewRedis(client redis.UniversalClient, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Publish implements Medium.
func (r *Redis) Publish(ctx context.Context, data []byte) error {
	if r.isClosed() {
		return ErrClosed
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Subscribe implements Medium. It returns once the server confirmed the
// subscription so that no publish issued afterwards is missed.
func (r *Redis) Subscribe(ctx context.Context) (<-chan []byte, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	out := make(chan []byte, DefaultBuffer)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				deliver(out, []byte(m.Payload), KindRedis)
			}
		}
	}()
	return out, nil
}

// Close implements Medium.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	if r.owned {
		return r.client.Close()
	}
	return nil
}
