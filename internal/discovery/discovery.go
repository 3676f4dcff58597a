// Package discovery implements the handshake by which a requester on a
// broadcast medium learns which providers are listening and what they offer.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/medium"
	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// DefaultTimeout bounds a discovery round when Options.Timeout is zero.
const DefaultTimeout = 2 * time.Second

// ErrInProgress is returned when Discover is called while a round runs.
var ErrInProgress = errors.New("discovery already in progress")

// State of a requester's discovery.
type State int

const (
	Idle State = iota
	Discovering
	Discovered
	NoProviderFound
)

func (s State) String() string {
	switch s {
	case Discovering:
		return "discovering"
	case Discovered:
		return "discovered"
	case NoProviderFound:
		return "no_provider_found"
	default:
		return "idle"
	}
}

// Provider is one answer to a discovery request.
type Provider struct {
	HandlerID    string
	Capabilities wire.Capabilities
}

// Options configure a discovery round.
type Options struct {
	Channel      string
	Origin       string
	ConnectionID string
	Timeout      time.Duration
	// EnumerateAll waits for the whole timeout and returns every distinct
	// provider instead of returning on the first answer.
	EnumerateAll bool
}

// TimeoutError is returned when no provider answered before the timeout.
type TimeoutError struct {
	Channel string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("discovery on %q: no provider answered within %s", e.Channel, e.Timeout)
}

// Is makes the error match wire.ErrNoProviderFound.
func (e *TimeoutError) Is(target error) bool { return target == wire.ErrNoProviderFound }

// Requester runs discovery rounds for one connection id. Responses are fed
// with Offer by whoever reads the medium.
type Requester struct {
	opts Options

	mu     sync.Mutex
	state  State
	seen   map[string]bool
	found  []Provider
	notify chan struct{}
}

// NewRequester returns an idle Requester.
func NewRequester(opts Options) *Requester {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Requester{opts: opts, notify: make(chan struct{}, 1)}
}

// State returns the current state.
func (r *Requester) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Offer feeds a received envelope. It reports whether the envelope was a new
// provider answering the current round. Duplicate handler ids are ignored.
func (r *Requester) Offer(env wire.Envelope) bool {
	if env.Type != wire.TypeDiscoveryResponse || env.Dir != wire.ToRequester {
		return false
	}
	if env.Channel != r.opts.Channel || env.ConnectionID != r.opts.ConnectionID {
		return false
	}
	if r.opts.Origin != "" && env.Origin != r.opts.Origin {
		return false
	}
	if env.HandlerID == "" || env.Capabilities == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Discovering || r.seen[env.HandlerID] {
		return false
	}
	r.seen[env.HandlerID] = true
	r.found = append(r.found, Provider{HandlerID: env.HandlerID, Capabilities: *env.Capabilities})
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return true
}

// Discover broadcasts a discovery request on m and waits for answers.
func (r *Requester) Discover(ctx context.Context, m medium.Medium) ([]Provider, error) {
	r.mu.Lock()
	if r.state == Discovering {
		r.mu.Unlock()
		return nil, ErrInProgress
	}
	r.state = Discovering
	r.seen = map[string]bool{}
	r.found = nil
	r.mu.Unlock()

	req := wire.Envelope{
		Channel:      r.opts.Channel,
		Origin:       r.opts.Origin,
		Dir:          wire.ToProvider,
		Type:         wire.TypeDiscoveryRequest,
		ConnectionID: r.opts.ConnectionID,
	}
	b, err := req.Encode()
	if err != nil {
		r.finish(Idle)
		return nil, err
	}
	logx.Log.Debug().Str("channel", r.opts.Channel).Str("conn_id", r.opts.ConnectionID).Msg("discovery started")
	if err := m.Publish(ctx, b); err != nil {
		r.finish(Idle)
		return nil, &wire.ChannelError{Op: "publish discovery request", Err: err}
	}

	timer := time.NewTimer(r.opts.Timeout)
	defer timer.Stop()
	for {
		select {
		case <-r.notify:
			if r.opts.EnumerateAll {
				continue
			}
			if found := r.snapshot(); len(found) > 0 {
				r.finish(Discovered)
				return found, nil
			}
		case <-timer.C:
			if found := r.snapshot(); len(found) > 0 {
				r.finish(Discovered)
				return found, nil
			}
			r.finish(NoProviderFound)
			logx.Log.Debug().Str("channel", r.opts.Channel).Dur("timeout", r.opts.Timeout).Msg("discovery timed out")
			return nil, &TimeoutError{Channel: r.opts.Channel, Timeout: r.opts.Timeout}
		case <-ctx.Done():
			r.finish(Idle)
			return nil, ctx.Err()
		}
	}
}

func (r *Requester) snapshot() []Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Provider(nil), r.found...)
}

func (r *Requester) finish(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Discover runs a standalone discovery round on m, subscribing for the
// duration of the round.
func Discover(ctx context.Context, m medium.Medium, opts Options) ([]Provider, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := m.Subscribe(subCtx)
	if err != nil {
		return nil, &wire.ChannelError{Op: "subscribe", Err: err}
	}
	r := NewRequester(opts)
	go func() {
		for b := range ch {
			env, err := wire.DecodeEnvelope(b)
			if err != nil {
				continue
			}
			r.Offer(env)
		}
	}()
	return r.Discover(ctx, m)
}
