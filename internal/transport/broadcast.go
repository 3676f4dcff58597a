package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/gaspardpetit/toolrelay/internal/discovery"
	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/medium"
	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// goodbyeTimeout bounds the DISCONNECT publish made while closing.
const goodbyeTimeout = time.Second

// BroadcastOptions configure both ends of a broadcast transport.
type BroadcastOptions struct {
	// Channel is the logical channel name; envelopes for other channels are
	// ignored.
	Channel string
	// Origin, when set, must match the origin stamped on incoming envelopes.
	Origin string
	// DiscoveryTimeout bounds the requester's discovery round.
	DiscoveryTimeout time.Duration
	// ConnectionID identifies a requester. Minted when empty.
	ConnectionID string
	// HandlerID identifies a provider. Minted when empty.
	HandlerID string
	// Capabilities are advertised by a provider.
	Capabilities wire.Capabilities
}

func (o BroadcastOptions) accepts(env wire.Envelope) bool {
	if env.Channel != o.Channel {
		return false
	}
	return o.Origin == "" || env.Origin == o.Origin
}

// BroadcastRequester is the requester role on a broadcast medium. Start runs
// discovery and binds the transport to the first provider that answers.
type BroadcastRequester struct {
	lifecycle
	m      medium.Medium
	opts   BroadcastOptions
	disc   *discovery.Requester
	cancel context.CancelFunc

	bound     bool
	handlerID string
	providers []discovery.Provider
}

// NewBroadcastRequester returns an unstarted requester on m.
func NewBroadcastRequester(m medium.Medium, opts BroadcastOptions) *BroadcastRequester {
	if opts.ConnectionID == "" {
		opts.ConnectionID = uuid.NewString()
	}
	return &BroadcastRequester{
		m:    m,
		opts: opts,
		disc: discovery.NewRequester(discovery.Options{
			Channel:      opts.Channel,
			Origin:       opts.Origin,
			ConnectionID: opts.ConnectionID,
			Timeout:      opts.DiscoveryTimeout,
		}),
	}
}

// ConnectionID returns the id this requester is known by.
func (b *BroadcastRequester) ConnectionID() string { return b.opts.ConnectionID }

// HandlerID returns the provider bound by discovery, or "" before that.
func (b *BroadcastRequester) HandlerID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlerID
}

// Capabilities returns what the bound provider advertised.
func (b *BroadcastRequester) Capabilities() (wire.Capabilities, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.bound || len(b.providers) == 0 {
		return wire.Capabilities{}, false
	}
	return b.providers[0].Capabilities, true
}

// Start implements Transport. It returns once a provider is bound, or the
// discovery error (a *discovery.TimeoutError matching
// wire.ErrNoProviderFound) after closing the transport.
func (b *BroadcastRequester) Start(ctx context.Context) error {
	if err := b.markStarted(); err != nil {
		return err
	}
	subCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	ch, err := b.m.Subscribe(subCtx)
	if err != nil {
		b.teardown(false)
		return &wire.ChannelError{Op: "subscribe", Err: err}
	}
	go b.readLoop(ch)

	providers, err := b.disc.Discover(ctx, b.m)
	if err != nil {
		b.teardown(false)
		return err
	}
	b.mu.Lock()
	b.providers = providers
	b.handlerID = providers[0].HandlerID
	b.bound = true
	b.mu.Unlock()
	logx.Log.Debug().Str("conn_id", b.opts.ConnectionID).Str("handler_id", providers[0].HandlerID).Msg("broadcast requester bound")
	return nil
}

func (b *BroadcastRequester) readLoop(ch <-chan []byte) {
	for raw := range ch {
		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			logx.Log.Debug().Err(err).Msg("broadcast: dropping malformed envelope")
			b.reportError(err)
			continue
		}
		if !b.opts.accepts(env) || env.Dir != wire.ToRequester {
			continue
		}
		if env.Type == wire.TypeDiscoveryResponse {
			b.disc.Offer(env)
			continue
		}
		if env.ConnectionID != b.opts.ConnectionID && env.ConnectionID != wire.Wildcard {
			continue
		}
		b.mu.Lock()
		mine := b.bound && env.HandlerID == b.handlerID
		b.mu.Unlock()
		if !mine {
			continue
		}
		switch env.Type {
		case wire.TypeMessage:
			b.deliver(*env.Message)
		case wire.TypeDisconnect:
			logx.Log.Debug().Str("handler_id", env.HandlerID).Msg("broadcast provider went away")
			b.teardown(false)
			return
		}
	}
}

// Send implements Transport. It fails with wire.ErrNotStarted until a
// provider is bound.
func (b *BroadcastRequester) Send(ctx context.Context, m wire.Message) error {
	if err := b.checkSend(); err != nil {
		return err
	}
	b.mu.Lock()
	bound, handlerID := b.bound, b.handlerID
	b.mu.Unlock()
	if !bound {
		return wire.ErrNotStarted
	}
	msg := m.Strip()
	env := wire.Envelope{
		Channel:      b.opts.Channel,
		Origin:       b.opts.Origin,
		Dir:          wire.ToProvider,
		Type:         wire.TypeMessage,
		ConnectionID: b.opts.ConnectionID,
		HandlerID:    handlerID,
		Message:      &msg,
	}
	return publish(ctx, b.m, env)
}

// Close implements Transport. A bound requester tells its provider so the
// provider can forget it.
func (b *BroadcastRequester) Close() error {
	b.teardown(true)
	return nil
}

func (b *BroadcastRequester) teardown(goodbye bool) {
	if !b.shutdown() {
		return
	}
	b.mu.Lock()
	cancel, bound, handlerID := b.cancel, b.bound, b.handlerID
	b.mu.Unlock()
	if goodbye && bound {
		ctx, done := context.WithTimeout(context.Background(), goodbyeTimeout)
		err := publish(ctx, b.m, wire.Envelope{
			Channel:      b.opts.Channel,
			Origin:       b.opts.Origin,
			Dir:          wire.ToProvider,
			Type:         wire.TypeDisconnect,
			ConnectionID: b.opts.ConnectionID,
			HandlerID:    handlerID,
		})
		done()
		if err != nil {
			logx.Log.Debug().Err(err).Msg("broadcast: disconnect notice not sent")
		}
	}
	if cancel != nil {
		cancel()
	}
}

// BroadcastProvider is the provider role on a broadcast medium. It answers
// discovery, accepts requests from any connection that addresses it, and
// routes each reply back to the connection that issued the request.
// Delivered messages carry the issuing requester in ConnectionID.
type BroadcastProvider struct {
	lifecycle
	m       medium.Medium
	opts    BroadcastOptions
	resp    discovery.Responder
	pending *PendingTable
	cancel  context.CancelFunc

	connMu sync.Mutex
	conns  map[string]struct{}
}

// NewBroadcastProvider returns an unstarted provider on m.
func NewBroadcastProvider(m medium.Medium, opts BroadcastOptions) *BroadcastProvider {
	if opts.HandlerID == "" {
		opts.HandlerID = ulid.Make().String()
	}
	return &BroadcastProvider{
		m:    m,
		opts: opts,
		resp: discovery.Responder{
			Channel:      opts.Channel,
			Origin:       opts.Origin,
			HandlerID:    opts.HandlerID,
			Capabilities: opts.Capabilities,
		},
		pending: NewPendingTable(),
		conns:   make(map[string]struct{}),
	}
}

// HandlerID returns the id this provider answers discovery with.
func (p *BroadcastProvider) HandlerID() string { return p.opts.HandlerID }

// Pending returns the number of requests awaiting a reply.
func (p *BroadcastProvider) Pending() int { return p.pending.Len() }

// ActiveConnections returns the requesters currently talking to this
// provider, sorted.
func (p *BroadcastProvider) ActiveConnections() []string {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	out := make([]string, 0, len(p.conns))
	for id := range p.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Start implements Transport.
func (p *BroadcastProvider) Start(context.Context) error {
	if err := p.markStarted(); err != nil {
		return err
	}
	subCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	ch, err := p.m.Subscribe(subCtx)
	if err != nil {
		p.teardown(false)
		return &wire.ChannelError{Op: "subscribe", Err: err}
	}
	go p.readLoop(subCtx, ch)
	logx.Log.Debug().Str("handler_id", p.opts.HandlerID).Str("channel", p.opts.Channel).Msg("broadcast provider listening")
	return nil
}

func (p *BroadcastProvider) readLoop(ctx context.Context, ch <-chan []byte) {
	for raw := range ch {
		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			logx.Log.Debug().Err(err).Msg("broadcast: dropping malformed envelope")
			p.reportError(err)
			continue
		}
		if !p.opts.accepts(env) {
			continue
		}
		if env.Type == wire.TypeDiscoveryRequest {
			answered, err := p.resp.Answer(ctx, p.m, env)
			if err != nil {
				p.reportError(err)
			} else if answered {
				p.track(env.ConnectionID)
			}
			continue
		}
		if env.Dir != wire.ToProvider || env.HandlerID != p.opts.HandlerID {
			continue
		}
		switch env.Type {
		case wire.TypeMessage:
			p.track(env.ConnectionID)
			msg := *env.Message
			if msg.Kind() == wire.KindRequest {
				if err := p.pending.Put(msg.ID, env.ConnectionID); err != nil {
					logx.Log.Warn().Err(err).Str("conn_id", env.ConnectionID).Msg("broadcast: dropping request")
					p.reportError(err)
					continue
				}
			}
			msg.ConnectionID = env.ConnectionID
			p.deliver(msg)
		case wire.TypeDisconnect:
			p.forget(env.ConnectionID)
		}
	}
}

func (p *BroadcastProvider) track(connID string) {
	p.connMu.Lock()
	p.conns[connID] = struct{}{}
	p.connMu.Unlock()
}

func (p *BroadcastProvider) forget(connID string) {
	p.connMu.Lock()
	delete(p.conns, connID)
	p.connMu.Unlock()
	if n := p.pending.DropConnection(connID); n > 0 {
		logx.Log.Debug().Str("conn_id", connID).Int("dropped", n).Msg("broadcast: requester left with requests in flight")
	}
}

// Send implements Transport. Replies go to the connection that issued the
// request; a reply nobody is waiting for is a protocol error. Requests and
// notifications go to the connection named in ConnectionID, or to every
// active connection.
func (p *BroadcastProvider) Send(ctx context.Context, m wire.Message) error {
	if err := p.checkSend(); err != nil {
		return err
	}
	if m.IsReply() {
		connID, err := p.pending.Take(m.ID)
		if err != nil {
			p.reportError(err)
			return err
		}
		return p.publishTo(ctx, connID, m.Strip())
	}
	if m.ConnectionID != "" {
		return p.publishTo(ctx, m.ConnectionID, m.Strip())
	}
	conns := p.ActiveConnections()
	if len(conns) == 0 {
		return &wire.ProtocolError{Code: wire.UnroutableMessage, ID: m.ID, Detail: "no active connection"}
	}
	for _, connID := range conns {
		if err := p.publishTo(ctx, connID, m); err != nil {
			return err
		}
	}
	return nil
}

// SendTo implements Targeted.
func (p *BroadcastProvider) SendTo(ctx context.Context, connID string, m wire.Message) error {
	if err := p.checkSend(); err != nil {
		return err
	}
	return p.publishTo(ctx, connID, m.Strip())
}

func (p *BroadcastProvider) publishTo(ctx context.Context, connID string, m wire.Message) error {
	return publish(ctx, p.m, wire.Envelope{
		Channel:      p.opts.Channel,
		Origin:       p.opts.Origin,
		Dir:          wire.ToRequester,
		Type:         wire.TypeMessage,
		ConnectionID: connID,
		HandlerID:    p.opts.HandlerID,
		Message:      &m,
	})
}

// Close implements Transport. Bound requesters are told the provider left.
func (p *BroadcastProvider) Close() error {
	p.teardown(true)
	return nil
}

func (p *BroadcastProvider) teardown(goodbye bool) {
	if !p.shutdown() {
		return
	}
	if goodbye {
		ctx, done := context.WithTimeout(context.Background(), goodbyeTimeout)
		err := publish(ctx, p.m, wire.Envelope{
			Channel:      p.opts.Channel,
			Origin:       p.opts.Origin,
			Dir:          wire.ToRequester,
			Type:         wire.TypeDisconnect,
			ConnectionID: wire.Wildcard,
			HandlerID:    p.opts.HandlerID,
		})
		done()
		if err != nil {
			logx.Log.Debug().Err(err).Msg("broadcast: disconnect notice not sent")
		}
	}
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func publish(ctx context.Context, m medium.Medium, env wire.Envelope) error {
	b, err := env.Encode()
	if err != nil {
		return err
	}
	if err := m.Publish(ctx, b); err != nil {
		return &wire.ChannelError{Op: "publish", Err: err}
	}
	return nil
}
