// Package resilient keeps a transport connected across drops. It reconnects
// with exponential backoff and queues outbound messages while the link is
// down, replaying them in order once it is back.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/metrics"
	"github.com/gaspardpetit/toolrelay/internal/transport"
	"github.com/gaspardpetit/toolrelay/internal/wire"
)

var (
	// ErrQueueFull is returned by Send when the outbound queue is at MaxQueue.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrLinkUnstable is recorded when a link closes before InitialDelay
	// has passed since it came up.
	ErrLinkUnstable = errors.New("link closed right after connecting")
)

// State of the client.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Backoff
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return "idle"
	}
}

// Dialer opens a fresh, unstarted transport.
type Dialer func(ctx context.Context) (transport.Transport, error)

// WebSocketDialer dials url for every attempt.
func WebSocketDialer(url string, dial *websocket.DialOptions, opts transport.WebSocketOptions) Dialer {
	return func(ctx context.Context) (transport.Transport, error) {
		return transport.DialWebSocket(ctx, url, dial, opts)
	}
}

// Options configure a Client.
type Options struct {
	Policy Policy
	// MaxQueue bounds the outbound queue; zero is unbounded.
	MaxQueue int
	Clock    Clock
}

// Client implements transport.Transport on top of a sequence of underlying
// transports obtained from a Dialer.
//
// Start begins connecting and returns immediately; messages sent before the
// first connection are queued. A dropped link is redialed at once, then with
// backoff. Once the policy's retries are spent the client moves to Failed,
// reports wire.ErrExhaustedRetries and closes.
type Client struct {
	dial   Dialer
	policy Policy
	max    int
	clock  Clock

	mu       sync.Mutex
	state    State
	gen      uint64
	attempt  int
	// prior is the attempt count before the current link came up, and up
	// when it did; a link that dies young resumes backing off from prior.
	prior    int
	up       time.Time
	timer    Timer
	abort    context.CancelFunc
	cur      transport.Transport
	queue    []wire.Message
	flushing bool
	lastErr  error

	onMessage func(wire.Message)
	onClose   func()
	onError   func(error)
	onState   func(State)
}

// New returns an idle client.
func New(dial Dialer, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	return &Client{dial: dial, policy: opts.Policy.withDefaults(), max: opts.MaxQueue, clock: opts.Clock}
}

func (c *Client) OnMessage(fn func(wire.Message)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *Client) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// OnStateChange registers a listener for state transitions.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a link is up, for callers that would rather not
// queue.
func (c *Client) Connected() bool { return c.State() == Connected }

// Queued returns the number of messages waiting for a link.
func (c *Client) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// setLocked changes state and returns the listener to notify once the lock
// is released.
func (c *Client) setLocked(s State) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	metrics.RecordClientState(s.String())
	fn := c.onState
	if fn == nil {
		return func() {}
	}
	return func() { fn(s) }
}

// Start implements transport.Transport.
func (c *Client) Start(context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Idle:
	case Closed, Failed:
		c.mu.Unlock()
		return wire.ErrChannelClosed
	default:
		c.mu.Unlock()
		return wire.ErrAlreadyStarted
	}
	notify := c.setLocked(Connecting)
	c.mu.Unlock()
	notify()
	go c.connect()
	return nil
}

// connect runs one attempt. The caller has already moved to Connecting.
func (c *Client) connect() {
	c.mu.Lock()
	if c.state != Connecting {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.abort = cancel
	c.mu.Unlock()

	deadline := c.clock.AfterFunc(c.policy.ConnectTimeout, cancel)
	t, err := c.open(ctx, gen)
	deadline.Stop()
	timedOut := ctx.Err() != nil
	cancel()

	if err != nil {
		if timedOut {
			err = fmt.Errorf("connect timed out after %s: %w", c.policy.ConnectTimeout, err)
		}
		c.failAttempt(gen, err)
		return
	}

	c.mu.Lock()
	if c.state != Connecting || c.gen != gen {
		c.mu.Unlock()
		_ = t.Close()
		return
	}
	c.abort = nil
	c.cur = t
	c.prior = c.attempt
	c.attempt = 0
	c.up = c.clock.Now()
	c.flushing = len(c.queue) > 0
	notify := c.setLocked(Connected)
	c.mu.Unlock()
	notify()
	logx.Log.Info().Uint64("gen", gen).Msg("resilient: connected")
	c.flush(t, gen)
}

func (c *Client) open(ctx context.Context, gen uint64) (transport.Transport, error) {
	t, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	t.OnMessage(func(m wire.Message) {
		c.mu.Lock()
		fn := c.onMessage
		live := c.gen == gen
		c.mu.Unlock()
		if live && fn != nil {
			fn(m)
		}
	})
	t.OnError(c.reportError)
	t.OnClose(func() { c.linkLost(gen) })
	if err := t.Start(ctx); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

// flush replays the queue on t. Sends issued meanwhile join the tail, so
// order is kept. A failed send puts the message back at the head and drops
// the link, which reconnects.
func (c *Client) flush(t transport.Transport, gen uint64) {
	for {
		c.mu.Lock()
		if c.gen != gen || c.state != Connected || len(c.queue) == 0 {
			if c.gen == gen {
				c.flushing = false
			}
			c.mu.Unlock()
			return
		}
		m := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		err := t.Send(context.Background(), m)
		if wire.Recoverable(err) {
			// the link refused this one message; the rest can still go
			logx.Log.Warn().Err(err).Msg("resilient: dropped queued message")
			c.reportError(err)
			continue
		}
		if err != nil {
			c.mu.Lock()
			if c.gen == gen {
				c.queue = append([]wire.Message{m}, c.queue...)
			}
			c.mu.Unlock()
			logx.Log.Warn().Err(err).Int("requeued", c.Queued()).Msg("resilient: replay interrupted")
			_ = t.Close()
			return
		}
	}
}

func (c *Client) failAttempt(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state != Connecting {
		c.mu.Unlock()
		return
	}
	c.abort = nil
	c.backoffLocked(err)
}

// backoffLocked counts a failed attempt and arms the retry timer, or gives
// up once the retries are spent. It is called with c.mu held and releases
// it.
func (c *Client) backoffLocked(err error) {
	c.lastErr = err
	c.attempt++
	if c.policy.MaxRetries > 0 && c.attempt > c.policy.MaxRetries {
		attempts := c.attempt
		c.mu.Unlock()
		logx.Log.Error().Err(err).Int("attempts", attempts).Msg("resilient: giving up")
		c.terminate(Failed, fmt.Errorf("%w after %d attempts: %v", wire.ErrExhaustedRetries, attempts, err))
		return
	}
	gen := c.gen
	delay := c.policy.Delay(c.attempt)
	c.timer = c.clock.AfterFunc(delay, func() { c.retry(gen) })
	notify := c.setLocked(Backoff)
	attempt := c.attempt
	c.mu.Unlock()
	notify()
	logx.Log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("resilient: connect failed; backing off")
}

func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	if c.state != Backoff || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	notify := c.setLocked(Connecting)
	c.mu.Unlock()
	notify()
	go c.connect()
}

// linkLost handles the close of the transport from generation gen.
func (c *Client) linkLost(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	c.flushing = false
	if uptime := c.clock.Now().Sub(c.up); uptime < c.policy.InitialDelay {
		// refused right after the handshake; redialing at once would spin
		c.attempt = c.prior
		c.backoffLocked(fmt.Errorf("%w: link closed %s after connecting", ErrLinkUnstable, uptime))
		return
	}
	notify := c.setLocked(Connecting)
	c.mu.Unlock()
	notify()
	logx.Log.Warn().Uint64("gen", gen).Msg("resilient: link lost; reconnecting")
	go c.connect()
}

func (c *Client) reportError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Send implements transport.Transport. While no link is up, or while the
// queue is being replayed, the message is queued and Send returns nil.
func (c *Client) Send(ctx context.Context, m wire.Message) error {
	c.mu.Lock()
	switch c.state {
	case Idle:
		c.mu.Unlock()
		return wire.ErrNotStarted
	case Closed, Failed:
		c.mu.Unlock()
		return wire.ErrChannelClosed
	case Connected:
		if !c.flushing {
			t := c.cur
			c.mu.Unlock()
			err := t.Send(ctx, m)
			if err != nil && errors.Is(err, wire.ErrChannelClosed) {
				// the link dropped under us; keep the message for the next one
				return c.enqueue(m)
			}
			return err
		}
	}
	defer c.mu.Unlock()
	return c.enqueueLocked(m)
}

// enqueue keeps a message whose direct send lost a race with a reconnect.
// If a new link is already up and idle, it starts a replay.
func (c *Client) enqueue(m wire.Message) error {
	c.mu.Lock()
	if c.state == Closed || c.state == Failed {
		c.mu.Unlock()
		return wire.ErrChannelClosed
	}
	if err := c.enqueueLocked(m); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.state != Connected || c.flushing {
		c.mu.Unlock()
		return nil
	}
	c.flushing = true
	t, gen := c.cur, c.gen
	c.mu.Unlock()
	go c.flush(t, gen)
	return nil
}

func (c *Client) enqueueLocked(m wire.Message) error {
	if c.max > 0 && len(c.queue) >= c.max {
		return ErrQueueFull
	}
	c.queue = append(c.queue, m)
	return nil
}

// Close implements transport.Transport.
func (c *Client) Close() error {
	c.terminate(Closed, nil)
	return nil
}

// terminate moves to a final state, tears down whatever is in flight and
// fires OnClose once. err, if any, is reported first.
func (c *Client) terminate(final State, err error) {
	c.mu.Lock()
	if c.state == Closed || c.state == Failed {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.abort != nil {
		c.abort()
		c.abort = nil
	}
	c.gen++
	t := c.cur
	c.cur = nil
	c.queue = nil
	notify := c.setLocked(final)
	onError := c.onError
	onClose := c.onClose
	c.onMessage = nil
	c.onError = nil
	c.onClose = nil
	c.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	notify()
	if err != nil && onError != nil {
		onError(err)
	}
	if onClose != nil {
		onClose()
	}
}

// LastError returns the most recent connect failure.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
