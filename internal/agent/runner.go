// Package agent runs the handler side of a bridge. It holds one upstream
// transport per bridge connection and relays between them, stamping every
// reply with the connection it belongs to.
package agent

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/metrics"
	"github.com/gaspardpetit/toolrelay/internal/transport"
	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// CodeUpstreamUnavailable is the JSON-RPC error code returned for requests
// that could not reach an upstream.
const CodeUpstreamUnavailable = -32001

// ErrBridgeClosed is returned by Run when the bridge link ends for good.
var ErrBridgeClosed = errors.New("bridge link closed")

// Options tune a Runner.
type Options struct {
	// IdleTimeout closes an upstream after this long without traffic in
	// either direction. Zero keeps upstreams until the runner stops.
	IdleTimeout time.Duration
	// Backlog is the number of messages a connection may have waiting for
	// its upstream to open.
	Backlog int
}

type link struct {
	connID string
	in     chan wire.Message
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	last time.Time
}

func (l *link) touch() {
	l.mu.Lock()
	l.last = time.Now()
	l.mu.Unlock()
}

func (l *link) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *link) stop() { l.once.Do(func() { close(l.done) }) }

// Runner relays between a bridge transport and per-connection upstreams.
type Runner struct {
	bridge  transport.Transport
	open    Upstream
	idle    time.Duration
	backlog int

	mu    sync.Mutex
	links map[string]*link
}

// New returns a runner. bridge is usually a resilient client dialing the
// bridge as a handler.
func New(bridge transport.Transport, open Upstream, opts Options) *Runner {
	if opts.Backlog <= 0 {
		opts.Backlog = 256
	}
	return &Runner{bridge: bridge, open: open, idle: opts.IdleTimeout, backlog: opts.Backlog, links: map[string]*link{}}
}

// Connections returns the ids of connections with a live upstream.
func (r *Runner) Connections() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.links))
	for id := range r.links {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Run starts the bridge transport and serves it until ctx ends or the
// bridge closes. When the bridge gives up (for example after exhausting its
// reconnection retries) the reported error is returned.
func (r *Runner) Run(ctx context.Context) error {
	closed := make(chan struct{})
	var lastErr error
	var errMu sync.Mutex
	r.bridge.OnMessage(func(m wire.Message) { r.dispatch(ctx, m) })
	r.bridge.OnError(func(err error) {
		if wire.Recoverable(err) {
			logx.Log.Debug().Err(err).Msg("agent: dropped bridge message")
			return
		}
		errMu.Lock()
		lastErr = err
		errMu.Unlock()
		logx.Log.Warn().Err(err).Msg("agent: bridge error")
	})
	r.bridge.OnClose(func() { close(closed) })
	if err := r.bridge.Start(ctx); err != nil {
		return err
	}
	if r.idle > 0 {
		go r.evictLoop(ctx, closed)
	}

	var err error
	select {
	case <-ctx.Done():
		_ = r.bridge.Close()
		<-closed
		err = ctx.Err()
	case <-closed:
		errMu.Lock()
		err = lastErr
		errMu.Unlock()
		if err == nil {
			err = ErrBridgeClosed
		}
	}
	r.closeAll()
	return err
}

// dispatch hands a bridge message to the upstream of its connection,
// opening one if needed.
func (r *Runner) dispatch(ctx context.Context, m wire.Message) {
	if m.ConnectionID == "" {
		logx.Log.Warn().Str("method", m.Method).Msg("agent: bridge message without connection id; dropping")
		return
	}
	r.mu.Lock()
	l, ok := r.links[m.ConnectionID]
	if !ok {
		l = &link{connID: m.ConnectionID, in: make(chan wire.Message, r.backlog), done: make(chan struct{}), last: time.Now()}
		r.links[m.ConnectionID] = l
		metrics.SetUpstreams(len(r.links))
		go r.serve(ctx, l)
	}
	// queue under the lock so a link being forgotten is drained after us
	l.touch()
	queued := true
	select {
	case l.in <- m.Strip():
	default:
		queued = false
	}
	r.mu.Unlock()

	if !queued {
		logx.Log.Warn().Str("conn_id", l.connID).Int("backlog", r.backlog).Msg("agent: upstream backlog full")
		r.reject(ctx, l.connID, m, "upstream busy")
	}
}

// serve opens the upstream of l and feeds it until l stops.
func (r *Runner) serve(ctx context.Context, l *link) {
	t, err := r.open(ctx, l.connID)
	if err == nil {
		t.OnMessage(func(m wire.Message) {
			l.touch()
			m.ConnectionID = l.connID
			if err := r.bridge.Send(ctx, m); err != nil && ctx.Err() == nil {
				logx.Log.Warn().Err(err).Str("conn_id", l.connID).Msg("agent: reply not sent to bridge")
			}
		})
		t.OnError(func(err error) {
			logx.Log.Debug().Err(err).Str("conn_id", l.connID).Msg("agent: upstream error")
		})
		t.OnClose(l.stop)
		err = t.Start(ctx)
	}
	if err != nil {
		logx.Log.Warn().Err(err).Str("conn_id", l.connID).Msg("agent: upstream unavailable")
		r.forget(l)
		r.drain(ctx, l, err.Error())
		return
	}
	logx.Log.Debug().Str("conn_id", l.connID).Msg("agent: upstream opened")

	for {
		select {
		case m := <-l.in:
			if err := t.Send(ctx, m); err != nil {
				logx.Log.Warn().Err(err).Str("conn_id", l.connID).Msg("agent: upstream send failed")
				r.reject(ctx, l.connID, m, err.Error())
			}
		case <-l.done:
			_ = t.Close()
			r.forget(l)
			r.drain(ctx, l, "upstream closed")
			logx.Log.Debug().Str("conn_id", l.connID).Msg("agent: upstream closed")
			return
		}
	}
}

// drain answers whatever is still queued on l with errors.
func (r *Runner) drain(ctx context.Context, l *link, reason string) {
	for {
		select {
		case m := <-l.in:
			r.reject(ctx, l.connID, m, reason)
		default:
			return
		}
	}
}

// reject answers a request that could not be delivered. Notifications and
// replies are dropped.
func (r *Runner) reject(ctx context.Context, connID string, m wire.Message, reason string) {
	if m.Kind() != wire.KindRequest {
		return
	}
	resp := wire.NewError(m.ID, CodeUpstreamUnavailable, reason)
	resp.ConnectionID = connID
	if err := r.bridge.Send(ctx, resp); err != nil && ctx.Err() == nil {
		logx.Log.Debug().Err(err).Str("conn_id", connID).Msg("agent: error reply not sent")
	}
}

// forget removes l from the table if it is still the current link for its
// connection.
func (r *Runner) forget(l *link) {
	l.stop()
	r.mu.Lock()
	if r.links[l.connID] == l {
		delete(r.links, l.connID)
		metrics.SetUpstreams(len(r.links))
	}
	r.mu.Unlock()
}

func (r *Runner) evictLoop(ctx context.Context, closed <-chan struct{}) {
	every := r.idle / 2
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.evictIdle(time.Now())
		case <-closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) evictIdle(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// dispatch touches a link under r.mu, so a link found idle here has no
	// message queued since now
	for id, l := range r.links {
		if now.Sub(l.idleSince()) < r.idle {
			continue
		}
		delete(r.links, id)
		l.stop()
		metrics.SetUpstreams(len(r.links))
		logx.Log.Debug().Str("conn_id", id).Dur("idle", r.idle).Msg("agent: evicting idle upstream")
	}
}

func (r *Runner) closeAll() {
	r.mu.Lock()
	links := make([]*link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.links = map[string]*link{}
	metrics.SetUpstreams(0)
	r.mu.Unlock()
	for _, l := range links {
		l.stop()
	}
}
